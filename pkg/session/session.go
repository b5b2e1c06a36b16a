// Package session implements the peer connection core: lifecycle, SDP
// negotiation, transceivers, tracks and data channels. Media processing is
// delegated to an engine (see pkg/engine); this package owns the state
// machine and the threading rules around it.
//
// A PeerConnection starts Uninitialized, moves to Open via Initialize, and
// ends Closed via Close. Close is idempotent, safe to call from any state,
// and waits for an in-flight Initialize before tearing down. All methods are
// safe for concurrent use.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"
	"github.com/pion/logging"

	"github.com/voxpeer/rtcsession/pkg/engine"
)

// State is the lifecycle state of a PeerConnection.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// initAttempt is one Initialize run. Every caller that joined the attempt
// waits on done and reads err afterwards; a failed attempt is discarded so a
// later Initialize can start fresh without racing old waiters.
type initAttempt struct {
	done chan struct{}
	err  error
}

// PeerConnection is one session with a remote peer.
//
// The exported On* callback fields must be set before Initialize and not
// written afterwards. They are invoked from engine threads and must not
// block; none of them is invoked once Close has started.
type PeerConnection struct {
	cfg Configuration
	eng engine.Engine
	log logging.LeveledLogger

	// mu guards the lifecycle fields below.
	mu       sync.Mutex
	state    State
	conn     engine.Connection
	init     *initAttempt
	initStop bool // Close started; a finishing init must abandon its connection
	name     string

	closeFuse core.Fuse
	closeErr  error

	// remoteBusy serializes SetRemoteDescription; overlapping calls fail
	// with ErrAlreadyInProgress instead of queuing.
	remoteBusy atomic.Bool

	// entMu guards the entity collections.
	entMu          sync.Mutex
	transceivers   []*Transceiver
	channels       []*DataChannel
	channelsByID   map[int]*DataChannel
	remoteTracks   []*RemoteTrack
	sctpNegotiated bool
	remoteDescSeen bool
	pendingICE     []engine.ICECandidate

	iceState atomic.Int32

	workers   *workerpool.WorkerPool
	debounced func(func())

	sigMu sync.RWMutex
	sig   Signaler

	// Negotiation and transport events.
	OnLocalDescription      func(sd engine.SessionDescription)
	OnICECandidate          func(c engine.ICECandidate)
	OnICEStateChanged       func(s engine.ICEState)
	OnGatheringStateChanged func(s engine.GatheringState)
	OnConnected             func()
	OnRenegotiationNeeded   func()

	// Entity events.
	OnTransceiverAdded   func(t *Transceiver)
	OnTrackAdded         func(t *RemoteTrack)
	OnTrackRemoved       func(t *RemoteTrack)
	OnDataChannelAdded   func(dc *DataChannel)
	OnDataChannelRemoved func(dc *DataChannel)

	// OnError reports engine failures not tied to any in-flight call. The
	// connection closes itself after reporting one.
	OnError func(err error)
}

// NewPeerConnection builds a connection in the Uninitialized state. No
// engine resources are allocated until Initialize.
func NewPeerConnection(eng engine.Engine, cfg Configuration) *PeerConnection {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	workers := cfg.TrackWorkers
	if workers <= 0 {
		workers = 2
	}
	pc := &PeerConnection{
		cfg:            cfg,
		eng:            eng,
		log:            lf.NewLogger("session"),
		name:           cfg.Name,
		channelsByID:   make(map[int]*DataChannel),
		sctpNegotiated: true, // until a remote description says otherwise
		workers:        workerpool.New(workers),
	}
	if d := cfg.NegotiationDebounce; d == 0 {
		pc.debounced = debounce.New(DefaultConfiguration().NegotiationDebounce)
	} else if d > 0 {
		pc.debounced = debounce.New(d)
	}
	return pc
}

// State returns the current lifecycle state.
func (pc *PeerConnection) State() State {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// Name returns the connection's friendly name.
func (pc *PeerConnection) Name() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.name
}

// SetName changes the friendly name used in logs and diagnostics.
func (pc *PeerConnection) SetName(name string) {
	pc.mu.Lock()
	pc.name = name
	pc.mu.Unlock()
}

// ICEConnectionState returns the last ICE state reported by the engine.
func (pc *PeerConnection) ICEConnectionState() engine.ICEState {
	return engine.ICEState(pc.iceState.Load())
}

// Initialize allocates the engine connection and moves the session to Open.
// It is single-flight: concurrent calls join the same attempt and all see
// its outcome. Cancelling ctx abandons the wait, not the attempt; other
// waiters and Close still observe it. After Close has started, Initialize
// fails with ErrAlreadyClosing.
func (pc *PeerConnection) Initialize(ctx context.Context) error {
	pc.mu.Lock()
	if pc.closeFuse.IsBroken() {
		pc.mu.Unlock()
		return ErrAlreadyClosing
	}
	switch pc.state {
	case StateOpen:
		pc.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		pc.mu.Unlock()
		return ErrAlreadyClosing
	}
	if pc.init == nil {
		pc.state = StateInitializing
		pc.init = &initAttempt{done: make(chan struct{})}
		go pc.runInitialize(pc.init)
	}
	att := pc.init
	pc.mu.Unlock()

	select {
	case <-att.done:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrOperationCancelled, ctx.Err())
	}
	return att.err
}

func (pc *PeerConnection) runInitialize(att *initAttempt) {
	conn, err := pc.eng.CreateConnection(pc.cfg.engineConfig(), pc.eventHandlers())

	pc.mu.Lock()
	abandoned := pc.initStop
	switch {
	case abandoned:
		att.err = ErrOperationCancelled
	case err != nil:
		att.err = fmt.Errorf("%w: %v", ErrInitializationFailed, err)
		pc.state = StateUninitialized
		pc.init = nil
	default:
		pc.conn = conn
		pc.state = StateOpen
		pc.log.Debugf("connection %q open", pc.name)
	}
	close(att.done)
	pc.mu.Unlock()

	// A connection that arrived after Close started, or that failed, is
	// never published; dispose of it here.
	if conn != nil && (abandoned || err != nil) {
		_ = conn.Close()
	}
}

// Close tears down the connection and every entity it owns. It is
// idempotent; every caller blocks until teardown is complete and all see the
// same result. If an Initialize is in flight, Close waits for it and the
// initialize resolves with ErrOperationCancelled.
func (pc *PeerConnection) Close() error {
	pc.closeFuse.Once(func() {
		pc.closeErr = pc.doClose()
	})
	return pc.closeErr
}

func (pc *PeerConnection) doClose() error {
	pc.mu.Lock()
	pc.initStop = true
	att := pc.init

	if pc.state == StateUninitialized {
		pc.state = StateClosed
		pc.mu.Unlock()
		pc.workers.Stop()
		return nil
	}
	pc.state = StateClosing
	pc.mu.Unlock()

	if att != nil {
		<-att.done
	}

	pc.mu.Lock()
	conn := pc.conn
	pc.conn = nil
	pc.mu.Unlock()

	pc.teardownEntities()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	pc.mu.Lock()
	pc.state = StateClosed
	pc.mu.Unlock()

	pc.workers.Stop()
	pc.log.Debugf("connection %q closed", pc.name)
	return err
}

func (pc *PeerConnection) teardownEntities() {
	pc.entMu.Lock()
	trs := pc.transceivers
	chans := pc.channels
	pc.transceivers = nil
	pc.channels = nil
	pc.channelsByID = make(map[int]*DataChannel)
	pc.remoteTracks = nil
	pc.pendingICE = nil
	pc.entMu.Unlock()

	for _, dc := range chans {
		dc.shutdown()
	}
	for _, tr := range trs {
		tr.invalidate()
	}
}

// closeStarted reports whether Close has begun; engine events arriving after
// that point are dropped.
func (pc *PeerConnection) closeStarted() bool {
	return pc.closeFuse.IsBroken()
}

// requireOpen returns the engine connection if the session is Open.
func (pc *PeerConnection) requireOpen() (engine.Connection, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state != StateOpen || pc.conn == nil {
		return nil, fmt.Errorf("%w: connection is %s", ErrInvalidState, pc.state)
	}
	return pc.conn, nil
}

// CreateOffer asks the engine to produce a local offer. The description
// arrives via OnLocalDescription (and the attached Signaler, if any) once
// ready. Returns false if the session is not Open or the engine refuses.
func (pc *PeerConnection) CreateOffer() bool {
	conn, err := pc.requireOpen()
	if err != nil {
		return false
	}
	return conn.CreateOffer()
}

// CreateAnswer is CreateOffer for the answering side. Valid only after a
// remote offer has been applied.
func (pc *PeerConnection) CreateAnswer() bool {
	conn, err := pc.requireOpen()
	if err != nil {
		return false
	}
	return conn.CreateAnswer()
}

// SetRemoteDescription applies a remote offer or answer and blocks until the
// engine has finished, including delivery of every transceiver, track and
// data channel event the description caused. At most one call may be in
// flight; an overlapping call fails with ErrAlreadyInProgress.
func (pc *PeerConnection) SetRemoteDescription(typ engine.SDPType, sdp string) error {
	if sdp == "" {
		return fmt.Errorf("%w: empty description", ErrArgumentInvalid)
	}
	conn, err := pc.requireOpen()
	if err != nil {
		return err
	}
	if !pc.remoteBusy.CompareAndSwap(false, true) {
		return ErrAlreadyInProgress
	}

	errCh := make(chan error, 1)
	conn.SetRemoteDescription(typ, sdp, func(e error) {
		errCh <- e
	})
	e := <-errCh
	pc.remoteBusy.Store(false)

	if e != nil {
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, e)
	}
	pc.flushPendingICE(conn)
	return nil
}

// AddICECandidate applies a remote candidate. Candidates arriving before the
// first remote description are queued and applied once one lands.
func (pc *PeerConnection) AddICECandidate(c engine.ICECandidate) error {
	if c.Candidate == "" {
		return fmt.Errorf("%w: empty candidate", ErrArgumentInvalid)
	}
	conn, err := pc.requireOpen()
	if err != nil {
		return err
	}

	pc.entMu.Lock()
	if !pc.remoteDescSeen {
		pc.pendingICE = append(pc.pendingICE, c)
		pc.entMu.Unlock()
		return nil
	}
	pc.entMu.Unlock()

	if err := conn.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: %v", ErrArgumentInvalid, err)
	}
	return nil
}

func (pc *PeerConnection) flushPendingICE(conn engine.Connection) {
	pc.entMu.Lock()
	pc.remoteDescSeen = true
	pending := pc.pendingICE
	pc.pendingICE = nil
	pc.entMu.Unlock()

	for _, c := range pending {
		if err := conn.AddICECandidate(c); err != nil {
			pc.log.Warnf("dropping queued candidate: %v", err)
		}
	}
}

// GetStats snapshots the connection's transport, channel and track metrics.
func (pc *PeerConnection) GetStats(ctx context.Context) (*engine.StatsReport, error) {
	conn, err := pc.requireOpen()
	if err != nil {
		return nil, err
	}

	type result struct {
		report *engine.StatsReport
		err    error
	}
	ch := make(chan result, 1)
	conn.GetStats(func(r *engine.StatsReport, err error) {
		ch <- result{r, err}
	})

	select {
	case res := <-ch:
		return res.report, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrOperationCancelled, ctx.Err())
	}
}
