package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"game-soul-technology/joker/joker-presence-server/pkg/config"
	"game-soul-technology/joker/joker-presence-server/pkg/infra"
	"game-soul-technology/joker/joker-presence-server/pkg/msg"
	"game-soul-technology/joker/joker-presence-server/pkg/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	presence.Store

	mu       sync.Mutex
	online   map[string]bool
	refreshs int
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{online: map[string]bool{}}
}

func (s *fakeStore) Refresh(ctx context.Context, actorId string) (presence.RefreshResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshs++
	if s.err != nil {
		return presence.RefreshResult{}, s.err
	}
	wasOnline := s.online[actorId]
	s.online[actorId] = true
	return presence.RefreshResult{WasOnline: wasOnline, LastSeenAt: "2024-03-01T12:30:00.000Z"}, nil
}

func (s *fakeStore) refreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshs
}

type fakeAccounting struct {
	mu      sync.Mutex
	calls   []string
	err     error
	release chan struct{}
}

func (a *fakeAccounting) record(call string) error {
	if a.release != nil {
		<-a.release
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
	return a.err
}

func (a *fakeAccounting) SessionStart(ctx context.Context, actorId string) error {
	return a.record("start:" + actorId)
}

func (a *fakeAccounting) SessionExtend(ctx context.Context, actorId string) error {
	return a.record("extend:" + actorId)
}

func (a *fakeAccounting) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []msg.UpdateServerEvent
}

func (p *fakePublisher) Publish(ctx context.Context, event *msg.UpdateServerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
}

func (p *fakePublisher) published() []msg.UpdateServerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]msg.UpdateServerEvent(nil), p.events...)
}

type heartbeatFixture struct {
	store       *fakeStore
	accounting  *fakeAccounting
	publisher   *fakePublisher
	heartbeater *Heartbeater
	hub         *Hub
	clock       time.Time
}

func newHeartbeatFixture(t *testing.T) *heartbeatFixture {
	t.Helper()

	f := &heartbeatFixture{
		store:      newFakeStore(),
		accounting: &fakeAccounting{},
		publisher:  &fakePublisher{},
		clock:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	loggerFactory := infra.NewNopLoggerFactory()
	metrics := infra.ProvideMetrics()
	f.heartbeater = ProvideHeartbeater(f.store, f.accounting, f.publisher, config.Default(), metrics, loggerFactory)
	f.heartbeater.now = func() time.Time { return f.clock }
	f.hub = ProvideHub(metrics, loggerFactory)
	return f
}

func (f *heartbeatFixture) newClient(actorId string) *Client {
	return NewClient(ClientOptions{
		ActorId:           actorId,
		HeartbeatCooldown: 10 * time.Second,
		PingInterval:      30 * time.Second,
		Hub:               f.hub,
		HeartbeatHandler:  f.heartbeater,
		LoggerFactory:     infra.NewNopLoggerFactory(),
	})
}

func TestAllowHeartbeatCooldown(t *testing.T) {
	f := newHeartbeatFixture(t)
	client := f.newClient("u1")
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, client.AllowHeartbeat(t0))
	assert.False(t, client.AllowHeartbeat(t0.Add(2*time.Second)))
	assert.False(t, client.AllowHeartbeat(t0.Add(9*time.Second)))
	assert.True(t, client.AllowHeartbeat(t0.Add(11*time.Second)))
	assert.False(t, client.AllowHeartbeat(t0.Add(13*time.Second)))
}

func TestCooldownIsPerConnection(t *testing.T) {
	f := newHeartbeatFixture(t)
	tab1, tab2 := f.newClient("u1"), f.newClient("u1")
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, tab1.AllowHeartbeat(t0))
	assert.True(t, tab2.AllowHeartbeat(t0.Add(time.Second)))
}

func TestHeartbeatTransitionPublishesOnce(t *testing.T) {
	f := newHeartbeatFixture(t)
	client := f.newClient("u1")
	ctx := context.Background()

	assert.Equal(t, HeartbeatTransitioned, f.heartbeater.HandleHeartbeat(ctx, client))

	f.clock = f.clock.Add(2 * time.Second)
	assert.Equal(t, HeartbeatRateLimited, f.heartbeater.HandleHeartbeat(ctx, client))
	assert.Equal(t, 1, f.store.refreshCount())

	f.clock = f.clock.Add(10 * time.Second)
	assert.Equal(t, HeartbeatRefreshed, f.heartbeater.HandleHeartbeat(ctx, client))
	assert.Equal(t, 2, f.store.refreshCount())

	f.heartbeater.Wait()
	lastSeenAt := "2024-03-01T12:30:00.000Z"
	assert.Equal(t, []msg.UpdateServerEvent{{ActorId: "u1", Online: true, LastSeenAt: &lastSeenAt}}, f.publisher.published())
	assert.ElementsMatch(t, []string{"start:u1", "extend:u1"}, f.accounting.recorded())
}

func TestHeartbeatStoreErrorIsNotFatal(t *testing.T) {
	f := newHeartbeatFixture(t)
	f.store.err = errors.New("connection refused")
	client := f.newClient("u1")
	ctx := context.Background()

	assert.Equal(t, HeartbeatStoreError, f.heartbeater.HandleHeartbeat(ctx, client))
	f.heartbeater.Wait()
	assert.Empty(t, f.publisher.published())
	assert.Empty(t, f.accounting.recorded())

	// Next cycle works again once the store is back.
	f.store.err = nil
	f.clock = f.clock.Add(10 * time.Second)
	assert.Equal(t, HeartbeatTransitioned, f.heartbeater.HandleHeartbeat(ctx, client))
}

func TestAccountingFailureDoesNotFailHeartbeat(t *testing.T) {
	f := newHeartbeatFixture(t)
	f.accounting.err = errors.New("main server down")
	client := f.newClient("u1")

	assert.Equal(t, HeartbeatTransitioned, f.heartbeater.HandleHeartbeat(context.Background(), client))
	f.heartbeater.Wait()
	assert.Len(t, f.publisher.published(), 1)
}

func TestSlowAccountingDoesNotBlockHeartbeat(t *testing.T) {
	f := newHeartbeatFixture(t)
	f.accounting.release = make(chan struct{})
	client := f.newClient("u1")

	done := make(chan HeartbeatResult, 1)
	go func() { done <- f.heartbeater.HandleHeartbeat(context.Background(), client) }()

	select {
	case result := <-done:
		assert.Equal(t, HeartbeatTransitioned, result)
	case <-time.After(time.Second):
		t.Fatal("heartbeat blocked on session accounting")
	}

	close(f.accounting.release)
	f.heartbeater.Wait()
	assert.Equal(t, []string{"start:u1"}, f.accounting.recorded())
}

func receive(t *testing.T, client *Client) *msg.WsMessage {
	t.Helper()
	select {
	case wsMessage := <-client.sendWsMessage:
		return wsMessage
	case <-time.After(time.Second):
		t.Fatal("no message")
		return nil
	}
}

func assertNothing(t *testing.T, client *Client) {
	t.Helper()
	select {
	case wsMessage := <-client.sendWsMessage:
		t.Fatalf("unexpected message %+v", wsMessage)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubGroupsAndDelivery(t *testing.T) {
	f := newHeartbeatFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.hub.Run(ctx)

	u1a, u1b, viewer := f.newClient("u1"), f.newClient("u1"), f.newClient("v1")
	for _, client := range []*Client{u1a, u1b, viewer} {
		f.hub.Register(client)
	}

	require.Eventually(t, func() bool { return f.hub.ClientCount(ctx) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.hub.ActorClientCount(ctx, "u1"))
	assert.Equal(t, 1, f.hub.ActorClientCount(ctx, "v1"))
	assert.Equal(t, 0, f.hub.ActorClientCount(ctx, "nobody"))

	lastSeenAt := "2024-03-01T12:30:00.000Z"
	f.hub.Deliver(&msg.UpdateServerEvent{ActorId: "u2", Online: true, LastSeenAt: &lastSeenAt})
	for _, client := range []*Client{u1a, u1b, viewer} {
		wsMessage := receive(t, client)
		assert.Equal(t, msg.UpdateCode, wsMessage.EventCode)
		assert.JSONEq(t, `{"actorId":"u2","online":true,"lastSeenAt":"2024-03-01T12:30:00.000Z"}`, string(wsMessage.EventData))
	}

	f.hub.SendToActor("u1", &msg.WsMessage{EventCode: msg.ErrorCode})
	assert.Equal(t, msg.ErrorCode, receive(t, u1a).EventCode)
	assert.Equal(t, msg.ErrorCode, receive(t, u1b).EventCode)
	assertNothing(t, viewer)

	f.hub.Unregister(u1a)
	f.hub.Unregister(u1a)
	require.Eventually(t, func() bool { return f.hub.ActorClientCount(ctx, "u1") == 1 }, time.Second, 5*time.Millisecond)
	f.hub.Unregister(u1b)
	require.Eventually(t, func() bool { return f.hub.ClientCount(ctx) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.hub.ActorClientCount(ctx, "u1"))
}

func TestSendClosesStuckClient(t *testing.T) {
	f := newHeartbeatFixture(t)
	client := f.newClient("u1")

	for i := 0; i < sendBufferSize; i++ {
		require.True(t, client.Send(&msg.WsMessage{EventCode: msg.UpdateCode}))
	}
	assert.False(t, client.Send(&msg.WsMessage{EventCode: msg.UpdateCode}))

	select {
	case <-client.close:
	default:
		t.Fatal("stuck client not asked to close")
	}
}

func TestStoppedHubNeverBlocksSenders(t *testing.T) {
	f := newHeartbeatFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	client := f.newClient("u1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		// More than every buffer holds.
		for i := 0; i < 2048; i++ {
			f.hub.Register(client)
			f.hub.Unregister(client)
			f.hub.Deliver(&msg.UpdateServerEvent{ActorId: "u2", Online: true})
			f.hub.SendToActor("u1", &msg.WsMessage{EventCode: msg.ErrorCode})
		}
		f.hub.ClientCount(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("senders blocked on a stopped hub")
	}
}
