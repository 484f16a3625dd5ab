package gateway

import (
	"context"

	"game-soul-technology/joker/joker-presence-server/pkg/infra"
	"game-soul-technology/joker/joker-presence-server/pkg/msg"

	"github.com/emirpasic/gods/maps/hashmap"
	"github.com/emirpasic/gods/sets/hashset"
	"go.uber.org/zap"
)

type actorMessage struct {
	actorId   string
	wsMessage *msg.WsMessage
}

type countRequest struct {
	// Empty means all clients.
	actorId string
	result  chan int
}

// Hub keeps the clients connected to this instance. Only the Run goroutine
// touches the maps, so they need no lock.
type Hub struct {
	// Registered clients. Key value: client.id -> client.
	clients *hashmap.Map

	// Clients grouped by actor, so every tab of an actor can be reached.
	// Key value: actorId -> set of client.
	actors *hashmap.Map

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Messages to every client.
	broadcast chan *msg.WsMessage

	// Messages to every client of one actor.
	toActor chan *actorMessage

	count chan *countRequest

	// Closed when Run returns, so senders never block on a stopped hub.
	done chan struct{}

	metrics *infra.Metrics
	logger  *zap.SugaredLogger
}

func ProvideHub(metrics *infra.Metrics, loggerFactory *infra.LoggerFactory) *Hub {
	return &Hub{
		clients: hashmap.New(),
		actors:  hashmap.New(),

		register:   make(chan *Client, 1024),
		unregister: make(chan *Client, 1024),
		broadcast:  make(chan *msg.WsMessage, 1024),
		toActor:    make(chan *actorMessage, 1024),
		count:      make(chan *countRequest),
		done:       make(chan struct{}),

		metrics: metrics,
		logger:  loggerFactory.Create("Hub").Sugar(),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Infof("hub stopped with %v clients", h.clients.Size())
			return

		case client := <-h.register:
			h.logger.Debugf("register client id[%v] actorId[%v] ip[%v]", client.id, client.actorId, client.ip)
			h.clients.Put(client.id, client)

			group, ok := h.actors.Get(client.actorId)
			if !ok {
				group = hashset.New()
				h.actors.Put(client.actorId, group)
			}
			group.(*hashset.Set).Add(client)
			h.metrics.Connections.Inc()

		case client := <-h.unregister:
			if _, ok := h.clients.Get(client.id); !ok {
				continue
			}
			h.logger.Debugf("unregister client id[%v] actorId[%v]", client.id, client.actorId)
			h.clients.Remove(client.id)

			if group, ok := h.actors.Get(client.actorId); ok {
				set := group.(*hashset.Set)
				set.Remove(client)
				if set.Empty() {
					h.actors.Remove(client.actorId)
				}
			}
			h.metrics.Connections.Dec()

		case wsMessage := <-h.broadcast:
			for _, value := range h.clients.Values() {
				value.(*Client).Send(wsMessage)
			}

		case req := <-h.toActor:
			group, ok := h.actors.Get(req.actorId)
			if !ok {
				continue
			}
			for _, value := range group.(*hashset.Set).Values() {
				value.(*Client).Send(req.wsMessage)
			}

		case req := <-h.count:
			if req.actorId == "" {
				req.result <- h.clients.Size()
				continue
			}
			group, ok := h.actors.Get(req.actorId)
			if !ok {
				req.result <- 0
				continue
			}
			req.result <- group.(*hashset.Set).Size()
		}
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Deliver sends a presence update to every client of this instance.
func (h *Hub) Deliver(event *msg.UpdateServerEvent) {
	wsMessage, err := msg.NewWsMessage(msg.UpdateCode, event)
	if err != nil {
		h.logger.Errorf("cannot marshal UpdateServerEvent %v", err)
		return
	}

	h.logger.Debugf("deliver update[%+v]", event)
	select {
	case h.broadcast <- wsMessage:
	case <-h.done:
		h.logger.Debugf("drop update for stopped hub actorId[%v]", event.ActorId)
	}
}

// SendToActor sends a message to every connection of one actor on this
// instance.
func (h *Hub) SendToActor(actorId string, wsMessage *msg.WsMessage) {
	select {
	case h.toActor <- &actorMessage{actorId: actorId, wsMessage: wsMessage}:
	case <-h.done:
	}
}

// ClientCount blocks until the Run goroutine answers.
func (h *Hub) ClientCount(ctx context.Context) int {
	return h.countOf(ctx, "")
}

func (h *Hub) ActorClientCount(ctx context.Context, actorId string) int {
	if actorId == "" {
		return 0
	}
	return h.countOf(ctx, actorId)
}

func (h *Hub) countOf(ctx context.Context, actorId string) int {
	req := &countRequest{actorId: actorId, result: make(chan int, 1)}
	select {
	case h.count <- req:
	case <-ctx.Done():
		return 0
	case <-h.done:
		return 0
	}
	return <-req.result
}
