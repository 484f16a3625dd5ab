package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"game-soul-technology/joker/joker-presence-server/pkg/config"
	"game-soul-technology/joker/joker-presence-server/pkg/msg"

	"github.com/go-redis/redis/v8"
)

// Layout of lastSeenAt, same as javascript Date.toISOString.
const LastSeenLayout = "2006-01-02T15:04:05.000Z07:00"

// Reserved for the health check, never a real actor.
const HealthCheckActorId = "__healthcheck__"

var ErrEmptyActorId = errors.New("empty actor id")

type RefreshResult struct {
	// Whether the actor was online right before the refresh.
	WasOnline bool

	// The last seen time written by the refresh, in LastSeenLayout.
	LastSeenAt string
}

// Store is a map from actor id to last seen time where every key expires by
// itself. A key exists if and only if the actor is online.
type Store interface {
	// Refresh writes the actor's last seen time and resets its ttl. Reports
	// whether the actor was online before this call.
	Refresh(ctx context.Context, actorId string) (RefreshResult, error)

	Exists(ctx context.Context, actorId string) (bool, error)

	// ReadLastSeen returns nil when the actor is offline.
	ReadLastSeen(ctx context.Context, actorId string) (*time.Time, error)

	// BatchSnapshot returns one entry per id, in order, in a single round
	// trip.
	BatchSnapshot(ctx context.Context, actorIds []string) ([]msg.SnapshotEntry, error)

	// Remove is only for tests and health checks. Disconnects never remove.
	Remove(ctx context.Context, actorId string) error
}

type RedisStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration

	now func() time.Time
}

func ProvideRedisStore(client *redis.Client, cfg *config.Config) *RedisStore {
	return NewRedisStore(client, cfg.PresenceNamespace, cfg.PresenceTtl)
}

func NewRedisStore(client *redis.Client, namespace string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *RedisStore) key(actorId string) string {
	return s.namespace + ":" + actorId
}

// Refresh checks and writes inside one MULTI/EXEC, so two instances
// refreshing the same actor at the same time cannot both see it offline.
func (s *RedisStore) Refresh(ctx context.Context, actorId string) (RefreshResult, error) {
	if actorId == "" {
		return RefreshResult{}, ErrEmptyActorId
	}

	key := s.key(actorId)
	lastSeen := s.now().UTC().Format(LastSeenLayout)

	var existsCmd *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		existsCmd = pipe.Exists(ctx, key)
		pipe.Set(ctx, key, lastSeen, s.ttl)
		return nil
	})
	if err != nil {
		return RefreshResult{}, fmt.Errorf("refresh key[%v]: %w", key, err)
	}

	return RefreshResult{
		WasOnline:  existsCmd.Val() == 1,
		LastSeenAt: lastSeen,
	}, nil
}

func (s *RedisStore) Exists(ctx context.Context, actorId string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(actorId)).Result()
	if err != nil {
		return false, fmt.Errorf("exists key[%v]: %w", s.key(actorId), err)
	}
	return n == 1, nil
}

func (s *RedisStore) ReadLastSeen(ctx context.Context, actorId string) (*time.Time, error) {
	raw, err := s.client.Get(ctx, s.key(actorId)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get key[%v]: %w", s.key(actorId), err)
	}

	lastSeen, err := time.Parse(LastSeenLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("parse last seen[%v] of key[%v]: %w", raw, s.key(actorId), err)
	}
	return &lastSeen, nil
}

func (s *RedisStore) BatchSnapshot(ctx context.Context, actorIds []string) ([]msg.SnapshotEntry, error) {
	entries := make([]msg.SnapshotEntry, 0, len(actorIds))
	if len(actorIds) == 0 {
		return entries, nil
	}

	cmds := make([]*redis.StringCmd, len(actorIds))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, actorId := range actorIds {
			cmds[i] = pipe.Get(ctx, s.key(actorId))
		}
		return nil
	})
	// Pipelined reports the first failed command, a missing key counts.
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("batch get %v keys: %w", len(actorIds), err)
	}

	for i, actorId := range actorIds {
		entry := msg.SnapshotEntry{ActorId: actorId}

		lastSeen, err := cmds[i].Result()
		switch {
		case err == redis.Nil:
		case err != nil:
			return nil, fmt.Errorf("get key[%v]: %w", s.key(actorId), err)
		default:
			entry.Online = true
			entry.LastSeenAt = &lastSeen
		}

		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) Remove(ctx context.Context, actorId string) error {
	if err := s.client.Del(ctx, s.key(actorId)).Err(); err != nil {
		return fmt.Errorf("del key[%v]: %w", s.key(actorId), err)
	}
	return nil
}
