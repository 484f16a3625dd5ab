package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"game-soul-technology/joker/joker-presence-server/pkg/infra"
	"game-soul-technology/joker/joker-presence-server/pkg/msg"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1024

	// Buffered outbound messages per client. A client that falls this far
	// behind is closed.
	sendBufferSize = 64
)

// HeartbeatHandler processes one heartbeat of an authenticated client.
type HeartbeatHandler interface {
	HandleHeartbeat(ctx context.Context, c *Client) HeartbeatResult
}

// Client is an authenticated websocket connection. It's created once the
// token is verified, its identity never changes afterwards.
type Client struct {
	// Unique per connection.
	id string

	// The actor this connection was authenticated as.
	actorId string

	ip string

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	sendWsMessage chan *msg.WsMessage

	// Close frame to send before closing the connection.
	close chan []byte

	// Closed when the connection is gone.
	done     chan struct{}
	doneOnce sync.Once

	// Allows one heartbeat per cooldown. Keyed to this connection, not to
	// the actor.
	limiter *rate.Limiter

	pingInterval time.Duration

	hub              *Hub
	heartbeatHandler HeartbeatHandler

	logger *zap.SugaredLogger
}

type ClientOptions struct {
	ActorId           string
	Ip                string
	Conn              *websocket.Conn
	HeartbeatCooldown time.Duration
	PingInterval      time.Duration
	Hub               *Hub
	HeartbeatHandler  HeartbeatHandler
	LoggerFactory     *infra.LoggerFactory
}

func NewClient(opts ClientOptions) *Client {
	id := uuid.NewString()
	return &Client{
		id:               id,
		actorId:          opts.ActorId,
		ip:               opts.Ip,
		conn:             opts.Conn,
		sendWsMessage:    make(chan *msg.WsMessage, sendBufferSize),
		close:            make(chan []byte, 1),
		done:             make(chan struct{}),
		limiter:          rate.NewLimiter(rate.Every(opts.HeartbeatCooldown), 1),
		pingInterval:     opts.PingInterval,
		hub:              opts.Hub,
		heartbeatHandler: opts.HeartbeatHandler,
		logger:           opts.LoggerFactory.Create("Client").Sugar().With("id", id, "actorId", opts.ActorId),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) ActorId() string {
	return c.actorId
}

// AllowHeartbeat reports whether a heartbeat at now is outside the cooldown
// of the last accepted one, and if so records it as accepted.
func (c *Client) AllowHeartbeat(now time.Time) bool {
	return c.limiter.AllowN(now, 1)
}

// Send queues a message without blocking. A client whose buffer is full is
// considered stuck and gets closed.
func (c *Client) Send(wsMessage *msg.WsMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.sendWsMessage <- wsMessage:
		return true
	default:
		c.logger.Warnf("send buffer is full, closing client")
		c.TryClose(websocket.CloseTryAgainLater, "too slow")
		return false
	}
}

// TryClose asks the write pump to send a close frame and close the
// connection. Only the first request counts.
func (c *Client) TryClose(code int, reason string) {
	select {
	case c.close <- websocket.FormatCloseMessage(code, reason):
	default:
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Run pumps the connection until it's closed. The client registers itself
// to the hub before and unregisters after.
func (c *Client) Run() {
	c.hub.Register(c)
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.doneOnce.Do(func() { close(c.done) })
		c.conn.Close()
		c.logger.Debugf("read pump leaving")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	// Close connection if client does not respond to ping for too long.
	pongWait := c.pingInterval * 5 / 2
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Errorf("read error %v", err)
			} else {
				c.logger.Debugf("read closing %v", err)
			}
			return
		}

		wsMessage := &msg.WsMessage{}
		if err := json.Unmarshal(message, wsMessage); err != nil {
			c.logger.Warnf("cannot unmarshal message[%s] %v", message, err)
			continue
		}

		switch wsMessage.EventCode {
		case msg.HeartbeatCode:
			c.heartbeatHandler.HandleHeartbeat(ctx, c)

		default:
			c.logger.Warnf("invalid eventCode[%v]", wsMessage.EventCode)
		}
	}
}

func (c *Client) writePump() {
	pingTicker := time.NewTicker(c.pingInterval)

	defer func() {
		pingTicker.Stop()
		c.conn.Close()
		c.logger.Debugf("write pump leaving")
	}()

	for {
		select {
		case wsMessage := <-c.sendWsMessage:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(wsMessage); err != nil {
				c.logger.Errorf("cannot write json to ws conn %v", err)
				return
			}

		case closeMessage := <-c.close:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.CloseMessage, closeMessage); err != nil {
				c.logger.Errorf("cannot write close message to ws conn %v", err)
			}
			return

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Errorf("cannot write ping to ws conn %v", err)
				return
			}

		case <-c.done:
			return
		}
	}
}
