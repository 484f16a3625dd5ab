package fanout

import (
	"context"
	"encoding/json"
	"sync"

	"game-soul-technology/joker/joker-presence-server/pkg/infra"
	"game-soul-technology/joker/joker-presence-server/pkg/msg"

	"go.uber.org/zap"
)

// Sink receives updates that should reach clients connected to this
// instance.
type Sink interface {
	Deliver(event *msg.UpdateServerEvent)
}

// Broadcaster publishes presence updates to every instance. Without a working
// transport it delivers to the local sink only.
type Broadcaster struct {
	// Nil when running as a single instance.
	transport     Transport
	transportLock sync.RWMutex

	sink Sink

	metrics *infra.Metrics
	logger  *zap.SugaredLogger
}

func ProvideBroadcaster(transport Transport, sink Sink, metrics *infra.Metrics, loggerFactory *infra.LoggerFactory) *Broadcaster {
	return &Broadcaster{
		transport: transport,
		sink:      sink,
		metrics:   metrics,
		logger:    loggerFactory.Create("Broadcaster").Sugar(),
	}
}

// Start attaches the transport. If it cannot be established, the broadcaster
// keeps working in single instance mode.
func (b *Broadcaster) Start(ctx context.Context) {
	b.transportLock.Lock()
	defer b.transportLock.Unlock()

	if b.transport == nil {
		b.logger.Warnf("no fanout transport configured, running as single instance")
		return
	}

	if err := b.transport.Subscribe(ctx, b.receive); err != nil {
		b.logger.Warnf("cannot establish fanout transport[%v], running as single instance %v", b.transport.Name(), err)
		b.transport = nil
		return
	}
	b.logger.Infof("fanout transport[%v] attached", b.transport.Name())
}

func (b *Broadcaster) IsDistributed() bool {
	b.transportLock.RLock()
	defer b.transportLock.RUnlock()
	return b.transport != nil
}

// Publish never fails. When the transport rejects the update, local clients
// still get it.
func (b *Broadcaster) Publish(ctx context.Context, event *msg.UpdateServerEvent) {
	b.transportLock.RLock()
	transport := b.transport
	b.transportLock.RUnlock()

	if transport != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			b.logger.Errorf("cannot marshal UpdateServerEvent %v", err)
			return
		}

		err = transport.Publish(ctx, payload)
		if err == nil {
			b.metrics.FanoutPublishes.WithLabelValues(infra.FanoutTransport).Inc()
			return
		}
		b.logger.Warnf("cannot publish actorId[%v] through transport[%v], delivering locally %v", event.ActorId, transport.Name(), err)
	}

	b.metrics.FanoutPublishes.WithLabelValues(infra.FanoutLocal).Inc()
	b.sink.Deliver(event)
}

func (b *Broadcaster) receive(payload []byte) {
	event := &msg.UpdateServerEvent{}
	if err := json.Unmarshal(payload, event); err != nil {
		b.logger.Errorf("cannot unmarshal payload[%s] %v", payload, err)
		return
	}

	b.metrics.FanoutDeliveries.Inc()
	b.sink.Deliver(event)
}
