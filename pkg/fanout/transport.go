package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"game-soul-technology/joker/joker-presence-server/pkg/config"
	"game-soul-technology/joker/joker-presence-server/pkg/infra"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 5 * time.Second

	// Floor for a connect budget taken from an almost expired context.
	minConnectTimeout = 100 * time.Millisecond
)

var ErrTransportClosed = errors.New("transport not subscribed or already closed")

// Transport carries encoded presence updates between server instances. Every
// subscriber, including the publishing instance, receives every payload.
type Transport interface {
	Name() string

	// Subscribe returns once the subscription is established. handler is
	// then called from a background goroutine for every payload.
	Subscribe(ctx context.Context, handler func(payload []byte)) error

	Publish(ctx context.Context, payload []byte) error

	Close() error
}

// ProvideTransport picks the transport from config. A nil transport means
// single instance mode.
func ProvideTransport(cfg *config.Config, redisClient *redis.Client, loggerFactory *infra.LoggerFactory) (Transport, func()) {
	var transport Transport
	switch cfg.FanoutTransport {
	case "redis":
		transport = NewRedisTransport(redisClient, cfg.FanoutChannel, loggerFactory)
	case "nats":
		transport = NewNatsTransport(cfg.NatsUrl, cfg.FanoutChannel, loggerFactory)
	default:
		return nil, func() {}
	}

	logger := loggerFactory.Create("Transport").Sugar()
	return transport, func() {
		if err := transport.Close(); err != nil && !errors.Is(err, ErrTransportClosed) {
			logger.Errorf("cannot close transport[%v] %v", transport.Name(), err)
		}
	}
}

type RedisTransport struct {
	client  *redis.Client
	channel string

	pubsubLock sync.Mutex
	pubsub     *redis.PubSub

	logger *zap.SugaredLogger
}

func NewRedisTransport(client *redis.Client, channel string, loggerFactory *infra.LoggerFactory) *RedisTransport {
	return &RedisTransport{
		client:  client,
		channel: channel,
		logger:  loggerFactory.Create("RedisTransport").Sugar(),
	}
}

func (t *RedisTransport) Name() string {
	return "redis"
}

func (t *RedisTransport) Subscribe(ctx context.Context, handler func(payload []byte)) error {
	pubsub := t.client.Subscribe(ctx, t.channel)

	// Wait for confirmation, otherwise errors only show up later on the
	// channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe redis channel[%v]: %w", t.channel, err)
	}

	t.pubsubLock.Lock()
	t.pubsub = pubsub
	t.pubsubLock.Unlock()

	t.logger.Infof("subscribed redis channel[%v]", t.channel)

	ch := pubsub.Channel()
	go func() {
		for message := range ch {
			handler([]byte(message.Payload))
		}
		t.logger.Infof("redis channel[%v] closed", t.channel)
	}()
	return nil
}

func (t *RedisTransport) Publish(ctx context.Context, payload []byte) error {
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish redis channel[%v]: %w", t.channel, err)
	}
	return nil
}

func (t *RedisTransport) Close() error {
	t.pubsubLock.Lock()
	defer t.pubsubLock.Unlock()

	if t.pubsub == nil {
		return ErrTransportClosed
	}
	err := t.pubsub.Close()
	t.pubsub = nil
	return err
}

type NatsTransport struct {
	url     string
	subject string

	connLock sync.Mutex
	conn     *nats.Conn

	logger *zap.SugaredLogger
}

func NewNatsTransport(url string, subject string, loggerFactory *infra.LoggerFactory) *NatsTransport {
	return &NatsTransport{
		url:     url,
		subject: subject,
		logger:  loggerFactory.Create("NatsTransport").Sugar(),
	}
}

func (t *NatsTransport) Name() string {
	return "nats"
}

func connectTimeout(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return defaultConnectTimeout
	}
	return max(time.Until(deadline), minConnectTimeout)
}

// Subscribe also connects, a failed connect is a failed subscribe.
func (t *NatsTransport) Subscribe(ctx context.Context, handler func(payload []byte)) error {
	timeout := connectTimeout(ctx)

	conn, err := nats.Connect(t.url,
		nats.Name("presence-server"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warnf("nats disconnected %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Infof("nats reconnected to url[%v]", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats url[%v]: %w", t.url, err)
	}

	if _, err := conn.Subscribe(t.subject, func(m *nats.Msg) {
		handler(m.Data)
	}); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe nats subject[%v]: %w", t.subject, err)
	}

	// Make sure server has processed the subscription.
	if err := conn.FlushTimeout(timeout); err != nil {
		conn.Close()
		return fmt.Errorf("flush nats subject[%v]: %w", t.subject, err)
	}

	t.connLock.Lock()
	t.conn = conn
	t.connLock.Unlock()

	t.logger.Infof("subscribed nats subject[%v] url[%v]", t.subject, conn.ConnectedUrl())
	return nil
}

func (t *NatsTransport) Publish(ctx context.Context, payload []byte) error {
	t.connLock.Lock()
	conn := t.conn
	t.connLock.Unlock()

	if conn == nil {
		return ErrTransportClosed
	}
	if err := conn.Publish(t.subject, payload); err != nil {
		return fmt.Errorf("publish nats subject[%v]: %w", t.subject, err)
	}
	return nil
}

func (t *NatsTransport) Close() error {
	t.connLock.Lock()
	defer t.connLock.Unlock()

	if t.conn == nil {
		return ErrTransportClosed
	}
	err := t.conn.Drain()
	t.conn = nil
	return err
}
