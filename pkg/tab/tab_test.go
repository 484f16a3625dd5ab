package tab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"game-soul-technology/joker/joker-presence-server/pkg/cache"
	"game-soul-technology/joker/joker-presence-server/pkg/election"
	"game-soul-technology/joker/joker-presence-server/pkg/msg"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeGateway sends the own snapshot on connect and counts heartbeats per
// connection.
type fakeGateway struct {
	mu         sync.Mutex
	conns      []*websocket.Conn
	heartbeats map[*websocket.Conn]int
	dropped    map[*websocket.Conn]bool

	server *httptest.Server
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()

	g := &fakeGateway{
		heartbeats: map[*websocket.Conn]int{},
		dropped:    map[*websocket.Conn]bool{},
	}
	upgrader := websocket.Upgrader{}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		token := r.URL.Query().Get("token")
		snapshot, _ := msg.NewWsMessage(msg.SnapshotCode, &msg.SnapshotServerEvent{
			Entries: []msg.SnapshotEntry{{ActorId: token}},
		})

		g.mu.Lock()
		conn.WriteJSON(snapshot)
		g.conns = append(g.conns, conn)
		g.mu.Unlock()

		for {
			wsMessage := &msg.WsMessage{}
			if err := conn.ReadJSON(wsMessage); err != nil {
				return
			}
			if wsMessage.EventCode == msg.HeartbeatCode {
				g.mu.Lock()
				g.heartbeats[conn]++
				g.mu.Unlock()
			}
		}
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) push(t *testing.T, event *msg.UpdateServerEvent) {
	t.Helper()

	wsMessage, err := msg.NewWsMessage(msg.UpdateCode, event)
	require.NoError(t, err)
	g.send(t, wsMessage)
}

func (g *fakeGateway) send(t *testing.T, wsMessage *msg.WsMessage) {
	t.Helper()

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, conn := range g.conns {
		if g.dropped[conn] {
			continue
		}
		require.NoError(t, conn.WriteJSON(wsMessage))
	}
}

// drop closes the i-th connection from the server side, as a restarting
// instance would.
func (g *fakeGateway) drop(t *testing.T, i int) {
	t.Helper()

	g.mu.Lock()
	defer g.mu.Unlock()

	conn := g.conns[i]
	g.dropped[conn] = true
	closeMessage := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "restart")
	conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
	require.NoError(t, conn.Close())
}

func (g *fakeGateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// heartbeatsByConn lists the heartbeat count of every connection in connect
// order.
func (g *fakeGateway) heartbeatsByConn() []int {
	g.mu.Lock()
	defer g.mu.Unlock()

	counts := make([]int, 0, len(g.conns))
	for _, conn := range g.conns {
		counts = append(counts, g.heartbeats[conn])
	}
	return counts
}

func (g *fakeGateway) senders() int {
	n := 0
	for _, count := range g.heartbeatsByConn() {
		if count > 0 {
			n++
		}
	}
	return n
}

func newTab(t *testing.T, g *fakeGateway, bus *election.MemoryBus, sessionCache *cache.Cache, interval time.Duration) *Tab {
	t.Helper()

	tab, err := New(Options{
		ServerUrl: g.server.URL,
		Token:     "u1",
		Cache:     sessionCache,
		Election: election.Options{
			Channel:        bus.Join(),
			GraceWindow:    30 * time.Millisecond,
			BeaconInterval: 20 * time.Millisecond,
			LeaseTimeout:   time.Hour,
		},
		HeartbeatInterval: interval,
		ReconnectDelay:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, tab.Open(context.Background()))
	t.Cleanup(func() { tab.Close(context.Background()) })
	return tab
}

func TestBuildWsUrl(t *testing.T) {
	wsUrl, err := buildWsUrl("http://localhost:8080", "a b")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws?token=a+b", wsUrl)

	wsUrl, err = buildWsUrl("https://presence.example.com/", "t")
	require.NoError(t, err)
	assert.Equal(t, "wss://presence.example.com/ws?token=t", wsUrl)

	_, err = buildWsUrl("ftp://host", "t")
	assert.Error(t, err)
}

func TestTabFeedsCache(t *testing.T) {
	g := newFakeGateway(t)
	tab := newTab(t, g, election.NewMemoryBus(), nil, time.Hour)

	require.Eventually(t, func() bool { return tab.Cache().Len() == 1 }, waitFor, tick)
	assert.False(t, tab.Cache().IsOnline("u1"))

	lastSeenAt := "2024-03-01T12:00:00.000Z"
	g.push(t, &msg.UpdateServerEvent{ActorId: "u2", Online: true, LastSeenAt: &lastSeenAt})

	require.Eventually(t, func() bool { return tab.Cache().IsOnline("u2") }, waitFor, tick)
	got, ok := tab.Cache().GetLastSeen("u2")
	assert.True(t, ok)
	assert.Equal(t, lastSeenAt, got)
}

func TestMalformedEventsAreSkipped(t *testing.T) {
	g := newFakeGateway(t)
	tab := newTab(t, g, election.NewMemoryBus(), nil, time.Hour)
	require.Eventually(t, func() bool { return g.connCount() == 1 }, waitFor, tick)

	for _, code := range []msg.EventCode{msg.ErrorCode, msg.UpdateCode, msg.SnapshotCode} {
		g.send(t, &msg.WsMessage{EventCode: code, EventData: json.RawMessage(`"garbage"`)})
	}
	g.push(t, &msg.UpdateServerEvent{ActorId: "u2", Online: true})

	require.Eventually(t, func() bool { return tab.Cache().IsOnline("u2") }, waitFor, tick)
	assert.True(t, tab.Connected())
}

func TestOnlyLeaderSendsHeartbeats(t *testing.T) {
	g := newFakeGateway(t)
	bus := election.NewMemoryBus()
	sessionCache := cache.New()

	a := newTab(t, g, bus, sessionCache, 25*time.Millisecond)
	require.Eventually(t, a.Elector().IsLeader, waitFor, tick)
	b := newTab(t, g, bus, sessionCache, 25*time.Millisecond)
	require.Eventually(t, func() bool { return g.connCount() == 2 }, waitFor, tick)

	require.Eventually(t, func() bool {
		return a.Elector().IsLeader() != b.Elector().IsLeader() &&
			a.Elector().State() != election.Candidate && b.Elector().State() != election.Candidate
	}, waitFor, tick)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, g.senders())

	leaderCount := 0
	for _, count := range g.heartbeatsByConn() {
		leaderCount += count
	}
	assert.GreaterOrEqual(t, leaderCount, 3)
	assert.Same(t, a.Cache(), b.Cache())
}

func TestLeaderUnloadSendsFinalHeartbeatAndHandsOver(t *testing.T) {
	g := newFakeGateway(t)
	bus := election.NewMemoryBus()

	leader := newTab(t, g, bus, nil, time.Hour)
	require.Eventually(t, leader.Elector().IsLeader, waitFor, tick)
	require.Eventually(t, func() bool { return g.senders() == 1 }, waitFor, tick)

	follower := newTab(t, g, bus, nil, time.Hour)
	require.Eventually(t, func() bool { return follower.Elector().State() == election.Follower }, waitFor, tick)
	require.Eventually(t, func() bool { return g.connCount() == 2 }, waitFor, tick)
	assert.Equal(t, []int{1, 0}, g.heartbeatsByConn())

	require.NoError(t, leader.Close(context.Background()))

	// One heartbeat on taking over, one final heartbeat on unload.
	require.Eventually(t, func() bool {
		counts := g.heartbeatsByConn()
		return counts[0] == 2 && counts[1] == 1
	}, waitFor, tick)
	assert.True(t, follower.Elector().IsLeader())
	assert.ErrorIs(t, leader.Close(context.Background()), ErrClosed)
}

func TestLeaderConnectionLossHandsOver(t *testing.T) {
	g := newFakeGateway(t)
	bus := election.NewMemoryBus()

	leader := newTab(t, g, bus, nil, 25*time.Millisecond)
	require.Eventually(t, leader.Elector().IsLeader, waitFor, tick)
	require.Eventually(t, func() bool { return g.senders() == 1 }, waitFor, tick)

	follower := newTab(t, g, bus, nil, 25*time.Millisecond)
	require.Eventually(t, func() bool { return follower.Elector().State() == election.Follower }, waitFor, tick)
	require.Eventually(t, func() bool { return g.connCount() == 2 }, waitFor, tick)

	g.drop(t, 0)

	require.Eventually(t, func() bool { return follower.Elector().IsLeader() }, waitFor, tick)
	require.Eventually(t, func() bool { return g.connCount() == 3 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return leader.Connected() && leader.Elector().State() == election.Follower
	}, waitFor, tick)

	// Heartbeats go on from the new leader only.
	before := g.heartbeatsByConn()
	require.Eventually(t, func() bool { return g.heartbeatsByConn()[1] >= before[1]+3 }, waitFor, tick)
	counts := g.heartbeatsByConn()
	assert.Equal(t, before[0], counts[0])
	assert.Equal(t, 0, counts[2])
}

func TestLoneTabReconnectsAndResumesHeartbeats(t *testing.T) {
	g := newFakeGateway(t)
	tab := newTab(t, g, election.NewMemoryBus(), nil, 25*time.Millisecond)
	require.Eventually(t, tab.Elector().IsLeader, waitFor, tick)
	require.Eventually(t, func() bool { return g.senders() == 1 }, waitFor, tick)

	g.drop(t, 0)

	require.Eventually(t, func() bool { return g.connCount() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return g.heartbeatsByConn()[1] >= 2 }, waitFor, tick)
	assert.True(t, tab.Elector().IsLeader())
	assert.True(t, tab.Connected())
}

func TestFollowerReconnectsAndKeepsReceivingUpdates(t *testing.T) {
	g := newFakeGateway(t)
	bus := election.NewMemoryBus()

	leader := newTab(t, g, bus, nil, time.Hour)
	require.Eventually(t, leader.Elector().IsLeader, waitFor, tick)
	follower := newTab(t, g, bus, nil, time.Hour)
	require.Eventually(t, func() bool { return follower.Elector().State() == election.Follower }, waitFor, tick)
	require.Eventually(t, func() bool { return g.connCount() == 2 }, waitFor, tick)

	g.drop(t, 1)

	require.Eventually(t, func() bool { return g.connCount() == 3 }, waitFor, tick)
	require.Eventually(t, func() bool { return follower.Elector().State() == election.Follower }, waitFor, tick)
	assert.True(t, leader.Elector().IsLeader())

	g.push(t, &msg.UpdateServerEvent{ActorId: "u2", Online: true})
	require.Eventually(t, func() bool { return follower.Cache().IsOnline("u2") }, waitFor, tick)
	assert.Equal(t, 0, g.heartbeatsByConn()[2])
}

func TestHeartbeatWithoutConnection(t *testing.T) {
	tab, err := New(Options{
		ServerUrl: "http://127.0.0.1:1",
		Token:     "u1",
		Election:  election.Options{Leases: election.NewMemoryLeaseStore()},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, tab.Heartbeat(), ErrDisconnected)
	assert.False(t, tab.Connected())
}

func TestOpenFailsWithoutServer(t *testing.T) {
	tab, err := New(Options{
		ServerUrl: "http://127.0.0.1:1",
		Token:     "u1",
		Election:  election.Options{Leases: election.NewMemoryLeaseStore()},
	})
	require.NoError(t, err)

	assert.Error(t, tab.Open(context.Background()))
	assert.NoError(t, tab.Close(context.Background()))
	assert.False(t, tab.Elector().IsLeader())
}
