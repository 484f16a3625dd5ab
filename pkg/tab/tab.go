package tab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"game-soul-technology/joker/joker-presence-server/pkg/cache"
	"game-soul-technology/joker/joker-presence-server/pkg/election"
	"game-soul-technology/joker/joker-presence-server/pkg/infra"
	"game-soul-technology/joker/joker-presence-server/pkg/msg"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Must stay above the gateway cooldown and well below the presence ttl.
	DefaultHeartbeatInterval = 30 * time.Second

	// First wait before dialing again after the connection is lost. Doubled
	// on every failed dial up to maxReconnectDelay.
	DefaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second

	writeWait = 10 * time.Second

	// Time allowed for the server to answer our close frame.
	closeWait = time.Second
)

var (
	ErrClosed       = errors.New("tab closed")
	ErrDisconnected = errors.New("tab not connected")
)

type Options struct {
	// Base url of the presence server, http or ws scheme.
	ServerUrl string
	Token     string

	// Shared by every tab of the session. A private one is created when nil.
	Cache *cache.Cache

	// Election scope of the session. OnStateChange is chained.
	Election election.Options

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration

	Dialer        *websocket.Dialer
	LoggerFactory *infra.LoggerFactory
}

// Tab is one page of a browser session: it keeps a connection to the
// presence server, feeds the session cache and sends heartbeats while it
// leads the session.
//
// A tab without a connection cannot heartbeat, so it leaves the election
// until it has dialed again and joins with a fresh elector.
type Tab struct {
	wsUrl  string
	dialer *websocket.Dialer
	cache  *cache.Cache

	electionOpts election.Options
	electorLock  sync.RWMutex
	elector      *election.Elector

	heartbeatInterval time.Duration
	reconnectDelay    time.Duration

	// Guards conn and readDone, and serializes writes on conn.
	connLock sync.Mutex
	conn     *websocket.Conn
	readDone chan struct{}

	// Signaled when the elector changes state.
	stateChanged chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger *zap.SugaredLogger
}

func New(opts Options) (*Tab, error) {
	wsUrl, err := buildWsUrl(opts.ServerUrl, opts.Token)
	if err != nil {
		return nil, err
	}

	if opts.Cache == nil {
		opts.Cache = cache.New()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = infra.NewNopLoggerFactory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tab{
		wsUrl:             wsUrl,
		dialer:            opts.Dialer,
		cache:             opts.Cache,
		heartbeatInterval: opts.HeartbeatInterval,
		reconnectDelay:    opts.ReconnectDelay,
		stateChanged:      make(chan struct{}, 1),
		ctx:               ctx,
		cancel:            cancel,
	}

	electionOpts := opts.Election
	onStateChange := electionOpts.OnStateChange
	electionOpts.OnStateChange = func(state election.State) {
		select {
		case t.stateChanged <- struct{}{}:
		default:
		}
		if onStateChange != nil {
			onStateChange(state)
		}
	}
	if electionOpts.LoggerFactory == nil {
		electionOpts.LoggerFactory = opts.LoggerFactory
	}

	t.elector, err = election.NewElector(electionOpts)
	if err != nil {
		cancel()
		return nil, err
	}
	// Every elector of this tab runs under the same id.
	electionOpts.TabId = t.elector.TabId()
	t.electionOpts = electionOpts

	t.logger = opts.LoggerFactory.Create("Tab").Sugar().With("tabId", t.elector.TabId())
	return t, nil
}

func buildWsUrl(serverUrl string, token string) (string, error) {
	u, err := url.Parse(serverUrl)
	if err != nil {
		return "", fmt.Errorf("invalid server url[%v]: %w", serverUrl, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url scheme[%v]", u.Scheme)
	}

	u.Path = "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Tab) Cache() *cache.Cache {
	return t.cache
}

// Elector is the current elector. It is replaced after every reconnect.
func (t *Tab) Elector() *election.Elector {
	t.electorLock.RLock()
	defer t.electorLock.RUnlock()
	return t.elector
}

// Connected reports whether the tab holds a live connection.
func (t *Tab) Connected() bool {
	t.connLock.Lock()
	defer t.connLock.Unlock()
	return t.conn != nil
}

// Open connects to the server and joins the election. Once open, a lost
// connection is dialed again until Close.
func (t *Tab) Open(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.wsUrl, nil)
	if err != nil {
		return fmt.Errorf("dial presence server: %w", err)
	}
	readDone := t.attach(conn)

	// Stopped by Close, never cancelled, so a leader always resigns.
	if err := t.Elector().Start(context.Background()); err != nil {
		t.detach()
		return err
	}

	t.wg.Add(1)
	go t.run(readDone)
	return nil
}

func (t *Tab) attach(conn *websocket.Conn) chan struct{} {
	readDone := make(chan struct{})

	t.connLock.Lock()
	t.conn = conn
	t.readDone = readDone
	t.connLock.Unlock()

	go t.readLoop(conn, readDone)
	return readDone
}

func (t *Tab) detach() {
	t.connLock.Lock()
	defer t.connLock.Unlock()

	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// run drives heartbeats on the current connection and recovers it when it
// is lost.
func (t *Tab) run(readDone chan struct{}) {
	defer t.wg.Done()

	for {
		if !t.heartbeatLoop(readDone) {
			return
		}

		t.logger.Warnf("connection lost, leave election and reconnect")
		t.detach()
		t.leaveElection()

		conn := t.reconnect()
		if conn == nil {
			return
		}
		readDone = t.attach(conn)

		if err := t.joinElection(); err != nil {
			t.logger.Errorf("cannot rejoin election %v", err)
			return
		}
		t.logger.Infof("reconnected")
	}
}

// leaveElection stops the current elector. A leader resigns, so another tab
// of the session takes over without waiting for the lease to go stale.
func (t *Tab) leaveElection() {
	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()

	if err := t.Elector().Stop(ctx); err != nil {
		t.logger.Warnf("cannot stop elector %v", err)
	}
}

func (t *Tab) joinElection() error {
	elector, err := election.NewElector(t.electionOpts)
	if err != nil {
		return err
	}

	t.electorLock.Lock()
	t.elector = elector
	t.electorLock.Unlock()

	return elector.Start(context.Background())
}

// reconnect dials until it succeeds or the tab is closed, which returns nil.
func (t *Tab) reconnect() *websocket.Conn {
	delay := t.reconnectDelay
	for {
		select {
		case <-t.ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, _, err := t.dialer.DialContext(t.ctx, t.wsUrl, nil)
		if err == nil {
			return conn
		}
		t.logger.Warnf("cannot reconnect, retry in %v %v", delay, err)
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (t *Tab) readLoop(conn *websocket.Conn, readDone chan struct{}) {
	defer close(readDone)

	for {
		wsMessage := &msg.WsMessage{}
		if err := conn.ReadJSON(wsMessage); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warnf("read error %v", err)
			}
			return
		}

		switch wsMessage.EventCode {
		case msg.SnapshotCode:
			event := &msg.SnapshotServerEvent{}
			if err := json.Unmarshal(wsMessage.EventData, event); err != nil {
				t.logger.Errorf("cannot unmarshal SnapshotServerEvent %v", err)
				continue
			}
			t.cache.ApplySnapshot(event.Entries)

		case msg.UpdateCode:
			event := &msg.UpdateServerEvent{}
			if err := json.Unmarshal(wsMessage.EventData, event); err != nil {
				t.logger.Errorf("cannot unmarshal UpdateServerEvent %v", err)
				continue
			}
			t.cache.ApplyUpdate(event.ActorId, cache.PartialFromUpdate(event))

		case msg.ErrorCode:
			event := &msg.ErrorServerEvent{}
			if err := json.Unmarshal(wsMessage.EventData, event); err != nil {
				t.logger.Errorf("cannot unmarshal ErrorServerEvent %v", err)
				continue
			}
			t.logger.Warnf("server error reason[%v]", event.Reason)

		default:
			t.logger.Warnf("invalid eventCode[%v]", wsMessage.EventCode)
		}
	}
}

// heartbeatLoop returns false when the tab is closed, true when the
// connection is lost.
func (t *Tab) heartbeatLoop(readDone chan struct{}) bool {
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()

	// A fresh elector may have led before this loop first looks.
	wasLeader := false
	if t.Elector().IsLeader() {
		t.sendHeartbeat()
		wasLeader = true
	}

	for {
		select {
		case <-t.ctx.Done():
			return false

		case <-readDone:
			return true

		case <-t.stateChanged:
			isLeader := t.Elector().IsLeader()
			if isLeader && !wasLeader {
				// Don't wait a full interval after taking over.
				t.sendHeartbeat()
				ticker.Reset(t.heartbeatInterval)
			}
			wasLeader = isLeader

		case <-ticker.C:
			if t.Elector().IsLeader() {
				t.sendHeartbeat()
			}
		}
	}
}

func (t *Tab) sendHeartbeat() {
	if err := t.Heartbeat(); err != nil {
		t.logger.Warnf("cannot send heartbeat %v", err)
	}
}

// Heartbeat sends one presence heartbeat on the tab's connection.
func (t *Tab) Heartbeat() error {
	t.connLock.Lock()
	defer t.connLock.Unlock()

	if t.conn == nil {
		return ErrDisconnected
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(&msg.WsMessage{EventCode: msg.HeartbeatCode})
}

// Close unloads the tab. A leader sends a final heartbeat and hands over its
// lease before the connection goes away.
func (t *Tab) Close(ctx context.Context) error {
	err := ErrClosed
	t.closeOnce.Do(func() {
		err = t.close(ctx)
	})
	return err
}

func (t *Tab) close(ctx context.Context) error {
	t.cancel()
	t.wg.Wait()

	elector := t.Elector()
	if elector.IsLeader() {
		t.sendHeartbeat()
	}
	if err := elector.Stop(ctx); err != nil {
		t.logger.Warnf("cannot stop elector %v", err)
	}

	t.connLock.Lock()
	conn, readDone := t.conn, t.readDone
	t.conn = nil
	t.connLock.Unlock()
	if conn == nil {
		return nil
	}

	closeMessage := websocket.FormatCloseMessage(websocket.CloseGoingAway, "unload")
	if err := conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(writeWait)); err != nil {
		t.logger.Debugf("cannot write close message %v", err)
	}

	select {
	case <-readDone:
	case <-time.After(closeWait):
	case <-ctx.Done():
	}
	return conn.Close()
}
