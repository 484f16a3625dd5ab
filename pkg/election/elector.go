package election

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"game-soul-technology/joker/joker-presence-server/pkg/infra"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// How long a joining tab waits for a leader's claim.
	DefaultGraceWindow = 500 * time.Millisecond

	// Leader beacon and lease renewal cadence.
	DefaultBeaconInterval = 5 * time.Second

	// A lease or beacon older than this is stale and may be taken over.
	DefaultLeaseTimeout = 8 * time.Second

	// Time allowed to relinquish leadership on stop.
	resignTimeout = time.Second

	inboxSize = 64
)

var (
	ErrStopped    = errors.New("elector stopped")
	ErrNoProtocol = errors.New("elector needs a channel or a lease store")
)

type State int

const (
	Candidate State = iota
	Leader
	Follower
)

func (s State) String() string {
	switch s {
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	default:
		return "unknown"
	}
}

type Options struct {
	// Generated when empty.
	TabId string

	// Preferred protocol. When nil the election runs on Leases alone.
	Channel Channel

	// Durable key. Used as the protocol when Channel is nil, otherwise only
	// mirrored by the leader and released on stop.
	Leases LeaseStore

	GraceWindow    time.Duration
	BeaconInterval time.Duration
	LeaseTimeout   time.Duration

	// Called from the election goroutine on every state change.
	OnStateChange func(state State)

	LoggerFactory *infra.LoggerFactory
}

// Elector elects one leader among the tabs of a scope without any server
// involvement.
type Elector struct {
	tabId   string
	channel Channel
	leases  LeaseStore

	graceWindow    time.Duration
	beaconInterval time.Duration
	leaseTimeout   time.Duration

	onStateChange func(state State)

	stateLock sync.RWMutex
	state     State
	leaderId  string

	// Owned by the run goroutine.
	since      time.Time
	lastBeacon time.Time

	inbox    chan Message
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool

	logger *zap.SugaredLogger
}

func NewElector(opts Options) (*Elector, error) {
	if opts.Channel == nil && opts.Leases == nil {
		return nil, ErrNoProtocol
	}

	if opts.TabId == "" {
		opts.TabId = uuid.NewString()
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if opts.BeaconInterval <= 0 {
		opts.BeaconInterval = DefaultBeaconInterval
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = DefaultLeaseTimeout
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = infra.NewNopLoggerFactory()
	}

	return &Elector{
		tabId:          opts.TabId,
		channel:        opts.Channel,
		leases:         opts.Leases,
		graceWindow:    opts.GraceWindow,
		beaconInterval: opts.BeaconInterval,
		leaseTimeout:   opts.LeaseTimeout,
		onStateChange:  opts.OnStateChange,
		state:          Candidate,
		inbox:          make(chan Message, inboxSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		logger:         opts.LoggerFactory.Create("Elector").Sugar().With("tabId", opts.TabId),
	}, nil
}

func (e *Elector) TabId() string {
	return e.tabId
}

func (e *Elector) State() State {
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	return e.state
}

func (e *Elector) IsLeader() bool {
	return e.State() == Leader
}

// LeaderId is the tab this tab believes leads the scope, empty if unknown.
func (e *Elector) LeaderId() string {
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	return e.leaderId
}

// Start joins the scope. The election runs until Stop, or until ctx is done
// which behaves like a crashed tab: the lease is left to go stale.
func (e *Elector) Start(ctx context.Context) error {
	select {
	case <-e.stop:
		return ErrStopped
	default:
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	if e.channel != nil {
		go e.runChannel(ctx)
	} else {
		go e.runLease(ctx)
	}
	return nil
}

// Stop leaves the scope. A leader relinquishes its lease and announces its
// resignation first.
func (e *Elector) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })
	if e.started.CompareAndSwap(false, true) {
		// Never started, nothing else will close done.
		close(e.done)
		return nil
	}

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the election goroutine exits.
func (e *Elector) Done() <-chan struct{} {
	return e.done
}

func (e *Elector) runChannel(ctx context.Context) {
	defer close(e.done)

	unsubscribe := e.channel.Subscribe(e.receive)
	defer unsubscribe()

	e.post(ctx, Message{Type: Announce, TabId: e.tabId})

	grace := time.NewTimer(e.graceWindow)
	defer grace.Stop()

	beaconTicker := time.NewTicker(e.beaconInterval)
	defer beaconTicker.Stop()

	// Checked at half the timeout so a stale leader is noticed soon after
	// it goes stale.
	watchTicker := time.NewTicker(e.leaseTimeout / 2)
	defer watchTicker.Stop()

	for {
		select {
		case <-e.stop:
			e.resign()
			return

		case <-ctx.Done():
			return

		case <-grace.C:
			if e.State() == Candidate {
				e.logger.Debugf("no claim within grace window")
				e.becomeLeader(ctx)
			}

		case <-beaconTicker.C:
			if e.State() == Leader {
				e.beacon(ctx)
			}

		case now := <-watchTicker.C:
			if e.State() == Follower && now.Sub(e.lastBeacon) > e.leaseTimeout {
				e.logger.Infof("leader[%v] went stale", e.LeaderId())
				e.becomeLeader(ctx)
			}

		case m := <-e.inbox:
			e.handle(ctx, m)
		}
	}
}

func (e *Elector) receive(m Message) {
	select {
	case e.inbox <- m:
	default:
		// Beacons repeat, a dropped one is replaced by the next.
		e.logger.Debugf("inbox full, drop message[%+v]", m)
	}
}

func (e *Elector) handle(ctx context.Context, m Message) {
	if m.TabId == e.tabId {
		return
	}

	switch m.Type {
	case Announce:
		if e.State() == Leader {
			e.beacon(ctx)
		}

	case Claim:
		if e.State() == Leader && !claimWins(m, e.since, e.tabId) {
			// Let the other leader step down.
			e.beacon(ctx)
			return
		}
		e.follow(m.TabId)

	case Resign:
		if e.State() == Follower && m.TabId == e.LeaderId() {
			e.logger.Infof("leader[%v] resigned", m.TabId)
			e.becomeLeader(ctx)
		}

	default:
		e.logger.Warnf("invalid message type[%v]", m.Type)
	}
}

// claimWins reports whether a claim beats a leadership held since since by
// tabId. The newer leadership wins, ties go to the greater tab id.
func claimWins(claim Message, since time.Time, tabId string) bool {
	if !claim.Since.Equal(since) {
		return claim.Since.After(since)
	}
	return claim.TabId > tabId
}

func (e *Elector) runLease(ctx context.Context) {
	defer close(e.done)

	e.checkLease(ctx)

	ticker := time.NewTicker(e.beaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			e.resign()
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			e.checkLease(ctx)
		}
	}
}

// checkLease claims or renews the lease when it's absent, stale or held by
// this tab, and follows its holder otherwise.
func (e *Elector) checkLease(ctx context.Context) {
	now := time.Now()
	lease, err := e.leases.Load(ctx)
	if err != nil {
		e.logger.Warnf("cannot load lease %v", err)
		return
	}

	if lease != nil && lease.TabId != e.tabId && !lease.staleAt(now, e.leaseTimeout) {
		e.follow(lease.TabId)
		return
	}

	if err := e.leases.Store(ctx, Lease{TabId: e.tabId, Timestamp: now}); err != nil {
		e.logger.Warnf("cannot store lease %v", err)
		return
	}
	if e.State() != Leader {
		e.since = now
		e.setState(Leader, e.tabId)
	}
}

func (e *Elector) becomeLeader(ctx context.Context) {
	e.since = time.Now()
	e.setState(Leader, e.tabId)
	e.beacon(ctx)
}

func (e *Elector) follow(leaderId string) {
	e.lastBeacon = time.Now()
	e.setState(Follower, leaderId)
}

func (e *Elector) beacon(ctx context.Context) {
	e.post(ctx, Message{Type: Claim, TabId: e.tabId, Since: e.since})

	if e.leases != nil {
		if err := e.leases.Store(ctx, Lease{TabId: e.tabId, Timestamp: time.Now()}); err != nil {
			e.logger.Warnf("cannot store lease %v", err)
		}
	}
}

func (e *Elector) resign() {
	if e.State() != Leader {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resignTimeout)
	defer cancel()

	if e.leases != nil {
		if err := e.leases.Delete(ctx, e.tabId); err != nil {
			e.logger.Warnf("cannot delete lease %v", err)
		}
	}
	if e.channel != nil {
		e.post(ctx, Message{Type: Resign, TabId: e.tabId})
	}
	e.setState(Follower, "")
}

func (e *Elector) post(ctx context.Context, m Message) {
	if err := e.channel.Post(ctx, m); err != nil {
		e.logger.Warnf("cannot post message[%+v] %v", m, err)
	}
}

func (e *Elector) setState(state State, leaderId string) {
	e.stateLock.Lock()
	prev := e.state
	e.state = state
	e.leaderId = leaderId
	e.stateLock.Unlock()

	if prev == state {
		return
	}
	e.logger.Infof("state %v -> %v leaderId[%v]", prev, state, leaderId)
	if e.onStateChange != nil {
		e.onStateChange(state)
	}
}
