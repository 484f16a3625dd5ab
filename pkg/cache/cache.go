package cache

import (
	"sync"

	"game-soul-technology/joker/joker-presence-server/pkg/msg"
)

// Entry is what a session knows about one actor.
type Entry struct {
	Online     bool
	LastSeenAt *string
}

// Partial is a presence change. Nil fields keep the current value. Set
// ClearLastSeen to drop the last seen timestamp.
type Partial struct {
	Online        *bool
	LastSeenAt    *string
	ClearLastSeen bool
}

// PartialFromUpdate converts an update push. The update carries every field,
// so a nil lastSeenAt clears it.
func PartialFromUpdate(event *msg.UpdateServerEvent) Partial {
	online := event.Online
	return Partial{
		Online:        &online,
		LastSeenAt:    event.LastSeenAt,
		ClearLastSeen: event.LastSeenAt == nil,
	}
}

// Cache mirrors presence for one browser session. Lookups never touch the
// network.
type Cache struct {
	lock    sync.RWMutex
	entries map[string]Entry
}

func New() *Cache {
	return &Cache{entries: map[string]Entry{}}
}

// ApplySnapshot replaces the given actors and keeps every other one.
func (c *Cache) ApplySnapshot(entries []msg.SnapshotEntry) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, entry := range entries {
		c.entries[entry.ActorId] = Entry{
			Online:     entry.Online,
			LastSeenAt: copyString(entry.LastSeenAt),
		}
	}
}

func (c *Cache) ApplyUpdate(actorId string, partial Partial) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry := c.entries[actorId]
	if partial.Online != nil {
		entry.Online = *partial.Online
	}
	switch {
	case partial.LastSeenAt != nil:
		entry.LastSeenAt = copyString(partial.LastSeenAt)
	case partial.ClearLastSeen:
		entry.LastSeenAt = nil
	}
	c.entries[actorId] = entry
}

// IsOnline is false for unknown actors.
func (c *Cache) IsOnline(actorId string) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.entries[actorId].Online
}

// GetLastSeen returns the last seen timestamp, false if unknown.
func (c *Cache) GetLastSeen(actorId string) (string, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	lastSeenAt := c.entries[actorId].LastSeenAt
	if lastSeenAt == nil {
		return "", false
	}
	return *lastSeenAt, true
}

func (c *Cache) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.entries)
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
