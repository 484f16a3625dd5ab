package gateway

import (
	"context"
	"sync"
	"time"

	"game-soul-technology/joker/joker-presence-server/pkg/accounting"
	"game-soul-technology/joker/joker-presence-server/pkg/config"
	"game-soul-technology/joker/joker-presence-server/pkg/infra"
	"game-soul-technology/joker/joker-presence-server/pkg/msg"
	"game-soul-technology/joker/joker-presence-server/pkg/presence"

	"go.uber.org/zap"
)

type HeartbeatResult int

const (
	// Dropped, too close to the last accepted heartbeat of the connection.
	HeartbeatRateLimited HeartbeatResult = iota

	// Accepted but the store could not be written. Lost, the next one will
	// retry.
	HeartbeatStoreError

	// Actor was already online, ttl extended.
	HeartbeatRefreshed

	// Actor was offline, now online and the update is published.
	HeartbeatTransitioned
)

// Publisher hands presence updates to every instance.
type Publisher interface {
	Publish(ctx context.Context, event *msg.UpdateServerEvent)
}

type Heartbeater struct {
	store      presence.Store
	accounting accounting.SessionAccounting
	publisher  Publisher

	accountingTimeout time.Duration

	// In flight accounting calls.
	accountingWg sync.WaitGroup

	now func() time.Time

	metrics *infra.Metrics
	logger  *zap.SugaredLogger
}

func ProvideHeartbeater(store presence.Store, sessionAccounting accounting.SessionAccounting, publisher Publisher, cfg *config.Config, metrics *infra.Metrics, loggerFactory *infra.LoggerFactory) *Heartbeater {
	return &Heartbeater{
		store:             store,
		accounting:        sessionAccounting,
		publisher:         publisher,
		accountingTimeout: cfg.AccountingTimeout,
		now:               time.Now,
		metrics:           metrics,
		logger:            loggerFactory.Create("Heartbeater").Sugar(),
	}
}

func (h *Heartbeater) HandleHeartbeat(ctx context.Context, c *Client) HeartbeatResult {
	if !c.AllowHeartbeat(h.now()) {
		h.metrics.Heartbeats.WithLabelValues(infra.HeartbeatRateLimited).Inc()
		h.logger.Debugf("drop heartbeat in cooldown id[%v] actorId[%v]", c.id, c.actorId)
		return HeartbeatRateLimited
	}

	result, err := h.store.Refresh(ctx, c.actorId)
	if err != nil {
		h.metrics.Heartbeats.WithLabelValues(infra.HeartbeatStoreError).Inc()
		h.logger.Errorf("cannot refresh presence actorId[%v] %v", c.actorId, err)
		return HeartbeatStoreError
	}
	h.metrics.Heartbeats.WithLabelValues(infra.HeartbeatAccepted).Inc()

	if result.WasOnline {
		h.account("sessionExtend", c.actorId, h.accounting.SessionExtend)
		return HeartbeatRefreshed
	}

	h.logger.Infof("actorId[%v] is online lastSeenAt[%v]", c.actorId, result.LastSeenAt)
	h.metrics.Transitions.Inc()
	h.account("sessionStart", c.actorId, h.accounting.SessionStart)

	lastSeenAt := result.LastSeenAt
	h.publisher.Publish(ctx, &msg.UpdateServerEvent{
		ActorId:    c.actorId,
		Online:     true,
		LastSeenAt: &lastSeenAt,
	})
	return HeartbeatTransitioned
}

// account runs a session accounting call in the background. Its failure never
// reaches the heartbeat.
func (h *Heartbeater) account(name string, actorId string, call func(ctx context.Context, actorId string) error) {
	h.accountingWg.Add(1)
	go func() {
		defer h.accountingWg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), h.accountingTimeout)
		defer cancel()

		if err := call(ctx, actorId); err != nil {
			h.logger.Warnf("%v failed for actorId[%v] %v", name, actorId, err)
		}
	}()
}

// Wait blocks until in flight accounting calls are done.
func (h *Heartbeater) Wait() {
	h.accountingWg.Wait()
}
