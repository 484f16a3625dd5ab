package election

import (
	"context"
	"sync"
	"time"
)

type MessageType string

const (
	// A tab joined the scope and looks for a leader.
	Announce MessageType = "announce"

	// The sender leads the scope since Since. Sent as an answer to an
	// announce and as the periodic liveness beacon.
	Claim MessageType = "claim"

	// The sender stops leading, followers may take over right away.
	Resign MessageType = "resign"
)

type Message struct {
	Type  MessageType `json:"type"`
	TabId string      `json:"tabId"`
	Since time.Time   `json:"since,omitempty"`
}

// Channel is a broadcast channel shared by the tabs of one scope. A message
// posted by a tab reaches every other tab of the scope, never the sender.
type Channel interface {
	Post(ctx context.Context, m Message) error

	// Subscribe registers the handler of incoming messages. The returned func
	// removes it.
	Subscribe(handler func(m Message)) (unsubscribe func())
}

// MemoryBus connects the tabs of one scope living in the same process.
type MemoryBus struct {
	lock     sync.RWMutex
	nextId   int
	handlers map[int]func(m Message)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: map[int]func(m Message){}}
}

// Join returns the channel endpoint of a new tab.
func (b *MemoryBus) Join() *MemoryChannel {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.nextId++
	return &MemoryChannel{bus: b, id: b.nextId}
}

func (b *MemoryBus) post(from int, m Message) {
	b.lock.RLock()
	targets := make([]func(m Message), 0, len(b.handlers))
	for id, handler := range b.handlers {
		if id != from {
			targets = append(targets, handler)
		}
	}
	b.lock.RUnlock()

	for _, handler := range targets {
		handler(m)
	}
}

type MemoryChannel struct {
	bus *MemoryBus
	id  int
}

func (c *MemoryChannel) Post(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.bus.post(c.id, m)
	return nil
}

func (c *MemoryChannel) Subscribe(handler func(m Message)) func() {
	c.bus.lock.Lock()
	c.bus.handlers[c.id] = handler
	c.bus.lock.Unlock()

	return func() {
		c.bus.lock.Lock()
		delete(c.bus.handlers, c.id)
		c.bus.lock.Unlock()
	}
}
