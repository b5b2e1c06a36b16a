// Package enginetest provides a deterministic in-memory engine for
// exercising the session core without media pipelines or networking. Tests
// script engine behavior (event timing, injected failures) and inspect what
// the session asked the engine to do.
package enginetest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxpeer/rtcsession/pkg/engine"
	"github.com/voxpeer/rtcsession/pkg/frame"
)

// Engine is a scriptable engine.Engine. The zero value is not usable; call
// New.
type Engine struct {
	mu         sync.Mutex
	conns      []*Conn
	createErr  error
	createGate chan struct{}
}

var _ engine.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{}
}

// FailNextCreate makes the next CreateConnection return err.
func (e *Engine) FailNextCreate(err error) {
	e.mu.Lock()
	e.createErr = err
	e.mu.Unlock()
}

// HoldCreate blocks subsequent CreateConnection calls until the returned
// function is invoked.
func (e *Engine) HoldCreate() (release func()) {
	gate := make(chan struct{})
	e.mu.Lock()
	e.createGate = gate
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { close(gate) })
	}
}

// Connections returns every connection the engine has created.
func (e *Engine) Connections() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Conn, len(e.conns))
	copy(out, e.conns)
	return out
}

func (e *Engine) CreateConnection(cfg engine.ConnectionConfig, h *engine.EventHandlers) (engine.Connection, error) {
	e.mu.Lock()
	gate := e.createGate
	err := e.createErr
	e.createErr = nil
	e.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	c := &Conn{cfg: cfg, h: h}
	e.mu.Lock()
	e.conns = append(e.conns, c)
	e.mu.Unlock()
	return c, nil
}

// Conn is one scriptable connection.
type Conn struct {
	cfg engine.ConnectionConfig
	h   *engine.EventHandlers

	closed atomic.Bool

	mu           sync.Mutex
	offers       int
	answers      int
	remoteDescs  []engine.SessionDescription
	candidates   []engine.ICECandidate
	transceivers []*Transceiver
	channels     []*DataChannel
	tracks       []*Track
	sources      []*Source
	rejectOffers bool
	candidateErr error
	channelErr   error
	sourceErr    error
	statsErr     error
	onSetRemote  func(typ engine.SDPType, sdp string) error
}

var _ engine.Connection = (*Conn)(nil)

// Config returns the configuration the connection was created with.
func (c *Conn) Config() engine.ConnectionConfig { return c.cfg }

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Offers and Answers count CreateOffer/CreateAnswer calls.
func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Conn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

// RemoteDescriptions returns every description applied so far.
func (c *Conn) RemoteDescriptions() []engine.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]engine.SessionDescription, len(c.remoteDescs))
	copy(out, c.remoteDescs)
	return out
}

// Candidates returns every candidate applied so far.
func (c *Conn) Candidates() []engine.ICECandidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]engine.ICECandidate, len(c.candidates))
	copy(out, c.candidates)
	return out
}

// RejectOffers makes CreateOffer and CreateAnswer return false.
func (c *Conn) RejectOffers(reject bool) {
	c.mu.Lock()
	c.rejectOffers = reject
	c.mu.Unlock()
}

// ScriptSetRemote installs a hook running inside SetRemoteDescription,
// before its done callback. The hook may fire events or block; its error
// becomes the operation's outcome.
func (c *Conn) ScriptSetRemote(fn func(typ engine.SDPType, sdp string) error) {
	c.mu.Lock()
	c.onSetRemote = fn
	c.mu.Unlock()
}

// FailCandidates makes AddICECandidate return err.
func (c *Conn) FailCandidates(err error) {
	c.mu.Lock()
	c.candidateErr = err
	c.mu.Unlock()
}

// FailChannels makes CreateDataChannel return err.
func (c *Conn) FailChannels(err error) {
	c.mu.Lock()
	c.channelErr = err
	c.mu.Unlock()
}

// FailSources makes source creation return err.
func (c *Conn) FailSources(err error) {
	c.mu.Lock()
	c.sourceErr = err
	c.mu.Unlock()
}

// FailStats makes GetStats report err.
func (c *Conn) FailStats(err error) {
	c.mu.Lock()
	c.statsErr = err
	c.mu.Unlock()
}

func (c *Conn) CreateOffer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectOffers {
		return false
	}
	c.offers++
	return true
}

func (c *Conn) CreateAnswer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectOffers {
		return false
	}
	c.answers++
	return true
}

func (c *Conn) SetRemoteDescription(typ engine.SDPType, sdp string, done func(error)) {
	c.mu.Lock()
	hook := c.onSetRemote
	c.mu.Unlock()

	go func() {
		var err error
		if hook != nil {
			err = hook(typ, sdp)
		}
		if err == nil {
			c.mu.Lock()
			c.remoteDescs = append(c.remoteDescs, engine.SessionDescription{Type: typ, SDP: sdp})
			c.mu.Unlock()
		}
		done(err)
	}()
}

func (c *Conn) AddICECandidate(cand engine.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.candidateErr != nil {
		return c.candidateErr
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Conn) AddTransceiver(kind engine.MediaKind, dir engine.Direction, name string, streamIDs []string) (engine.Transceiver, error) {
	t := &Transceiver{conn: c, kind: kind, dir: dir, name: name, streamIDs: streamIDs}
	c.mu.Lock()
	c.transceivers = append(c.transceivers, t)
	c.mu.Unlock()
	if f := c.h.OnRenegotiationNeeded; f != nil {
		f()
	}
	return t, nil
}

func (c *Conn) CreateDataChannel(cfg engine.DataChannelConfig) (engine.DataChannel, error) {
	c.mu.Lock()
	if c.channelErr != nil {
		err := c.channelErr
		c.mu.Unlock()
		return nil, err
	}
	dc := &DataChannel{conn: c, id: cfg.ID, label: cfg.Label, ordered: cfg.Ordered, reliable: cfg.Reliable}
	c.channels = append(c.channels, dc)
	c.mu.Unlock()
	if f := c.h.OnRenegotiationNeeded; f != nil {
		f()
	}
	return dc, nil
}

func (c *Conn) CreateVideoSource(cfg engine.VideoSourceConfig) (engine.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sourceErr != nil {
		return nil, c.sourceErr
	}
	s := &Source{}
	c.sources = append(c.sources, s)
	return s, nil
}

func (c *Conn) CreateAudioSource(cfg engine.AudioSourceConfig) (engine.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sourceErr != nil {
		return nil, c.sourceErr
	}
	s := &Source{}
	c.sources = append(c.sources, s)
	return s, nil
}

func (c *Conn) CreateLocalTrack(kind engine.MediaKind, name string, src engine.Source) (engine.Track, error) {
	if src == nil {
		return nil, errors.New("nil source")
	}
	t := &Track{kind: kind, name: name}
	c.mu.Lock()
	c.tracks = append(c.tracks, t)
	c.mu.Unlock()
	return t, nil
}

// Transceivers, Tracks and Sources return what the session asked the engine
// to create, in creation order.
func (c *Conn) Transceivers() []*Transceiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Transceiver, len(c.transceivers))
	copy(out, c.transceivers)
	return out
}

func (c *Conn) Tracks() []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Track, len(c.tracks))
	copy(out, c.tracks)
	return out
}

func (c *Conn) Sources() []*Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Source, len(c.sources))
	copy(out, c.sources)
	return out
}

// Channels returns every data channel created on the connection.
func (c *Conn) Channels() []*DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*DataChannel, len(c.channels))
	copy(out, c.channels)
	return out
}

func (c *Conn) GetStats(done func(*engine.StatsReport, error)) {
	c.mu.Lock()
	err := c.statsErr
	chans := len(c.channels)
	c.mu.Unlock()
	if err != nil {
		done(nil, err)
		return
	}
	done(&engine.StatsReport{
		Timestamp:          time.Now(),
		DataChannelsOpened: uint32(chans),
		Tracks:             map[string]engine.TrackStats{},
	}, nil)
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

// Event injection helpers. Tests call these to simulate engine activity.

func (c *Conn) FireLocalDescription(sd engine.SessionDescription) {
	if f := c.h.OnLocalDescription; f != nil {
		f(sd)
	}
}

func (c *Conn) FireCandidate(cand engine.ICECandidate) {
	if f := c.h.OnICECandidate; f != nil {
		f(cand)
	}
}

func (c *Conn) FireConnected() {
	if f := c.h.OnConnected; f != nil {
		f()
	}
}

func (c *Conn) FireICEState(s engine.ICEState) {
	if f := c.h.OnICEStateChanged; f != nil {
		f(s)
	}
}

func (c *Conn) FireRenegotiationNeeded() {
	if f := c.h.OnRenegotiationNeeded; f != nil {
		f()
	}
}

// FireTransceiverAdded simulates a media line introduced by a remote
// description.
func (c *Conn) FireTransceiverAdded(kind engine.MediaKind, name string, streamIDs []string) *Transceiver {
	t := &Transceiver{conn: c, kind: kind, dir: engine.DirectionRecvOnly, name: name, streamIDs: streamIDs}
	c.mu.Lock()
	idx := len(c.transceivers)
	c.transceivers = append(c.transceivers, t)
	c.mu.Unlock()
	if f := c.h.OnTransceiverAdded; f != nil {
		f(t, kind, idx, name, streamIDs)
	}
	return t
}

func (c *Conn) FireTransceiverStateUpdated(t *Transceiver, negotiated engine.OptDirection) {
	if f := c.h.OnTransceiverStateUpdated; f != nil {
		f(t, negotiated)
	}
}

// FireTrackAdded simulates a remote track appearing on t's receive slot.
func (c *Conn) FireTrackAdded(t *Transceiver, name string) *Track {
	trk := &Track{kind: t.kind, name: name}
	if f := c.h.OnTrackAdded; f != nil {
		f(t, trk, t.kind, name)
	}
	return trk
}

func (c *Conn) FireTrackRemoved(t *Transceiver, trk *Track) {
	if f := c.h.OnTrackRemoved; f != nil {
		f(t, trk)
	}
}

// FireDataChannelAdded simulates a channel opened in-band by the remote
// peer, with the attributes the remote side declared. The channel is
// delivered already open.
func (c *Conn) FireDataChannelAdded(id int, label string, ordered, reliable bool) *DataChannel {
	dc := &DataChannel{conn: c, id: id, label: label, ordered: ordered, reliable: reliable}
	dc.state.Store(int32(engine.DataChannelStateOpen))
	c.mu.Lock()
	c.channels = append(c.channels, dc)
	c.mu.Unlock()
	if f := c.h.OnDataChannelAdded; f != nil {
		f(dc)
	}
	return dc
}

func (c *Conn) FireDataChannelRemoved(dc *DataChannel) {
	if f := c.h.OnDataChannelRemoved; f != nil {
		f(dc)
	}
}

func (c *Conn) FireSCTPNegotiated(negotiated bool) {
	if f := c.h.OnSCTPNegotiated; f != nil {
		f(negotiated)
	}
}

func (c *Conn) FireFatalError(err error) {
	if f := c.h.OnFatalError; f != nil {
		f(err)
	}
}

// Transceiver records the session's direction and track requests.
type Transceiver struct {
	conn      *Conn
	kind      engine.MediaKind
	name      string
	streamIDs []string

	mu    sync.Mutex
	dir   engine.Direction
	track engine.Track
	mid   string
}

var _ engine.Transceiver = (*Transceiver)(nil)

func (t *Transceiver) SetDirection(dir engine.Direction) error {
	t.mu.Lock()
	changed := t.dir != dir
	t.dir = dir
	t.mu.Unlock()
	if changed {
		t.conn.FireRenegotiationNeeded()
	}
	return nil
}

func (t *Transceiver) SetLocalTrack(trk engine.Track) error {
	t.mu.Lock()
	t.track = trk
	t.mu.Unlock()
	return nil
}

func (t *Transceiver) Mid() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mid
}

// SetMid scripts the negotiated media ID.
func (t *Transceiver) SetMid(mid string) {
	t.mu.Lock()
	t.mid = mid
	t.mu.Unlock()
}

// Direction returns the last direction the session asked for.
func (t *Transceiver) Direction() engine.Direction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir
}

// LocalTrack returns the bound track, or nil.
func (t *Transceiver) LocalTrack() engine.Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.track
}

// Track records pushed frames and lets tests emit frames into sinks.
type Track struct {
	kind engine.MediaKind
	name string

	closed atomic.Bool

	mu          sync.Mutex
	videoFrames []*frame.Video
	audioFrames []*frame.Audio
	videoSink   func(*frame.Video)
	audioSink   func(*frame.Audio)
}

var _ engine.Track = (*Track)(nil)

func (t *Track) Kind() engine.MediaKind { return t.kind }

// Name returns the track name.
func (t *Track) Name() string { return t.name }

func (t *Track) PushVideoFrame(f *frame.Video) error {
	if t.closed.Load() {
		return fmt.Errorf("track %q closed", t.name)
	}
	t.mu.Lock()
	t.videoFrames = append(t.videoFrames, f)
	t.mu.Unlock()
	return nil
}

func (t *Track) PushAudioFrame(f *frame.Audio) error {
	if t.closed.Load() {
		return fmt.Errorf("track %q closed", t.name)
	}
	t.mu.Lock()
	t.audioFrames = append(t.audioFrames, f)
	t.mu.Unlock()
	return nil
}

func (t *Track) SetVideoSink(sink func(*frame.Video)) error {
	t.mu.Lock()
	t.videoSink = sink
	t.mu.Unlock()
	return nil
}

func (t *Track) SetAudioSink(sink func(*frame.Audio)) error {
	t.mu.Lock()
	t.audioSink = sink
	t.mu.Unlock()
	return nil
}

func (t *Track) Close() error {
	t.closed.Store(true)
	return nil
}

// Closed reports whether the track was released.
func (t *Track) Closed() bool { return t.closed.Load() }

// VideoFrames returns every frame pushed so far.
func (t *Track) VideoFrames() []*frame.Video {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*frame.Video, len(t.videoFrames))
	copy(out, t.videoFrames)
	return out
}

// AudioFrames returns every frame pushed so far.
func (t *Track) AudioFrames() []*frame.Audio {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*frame.Audio, len(t.audioFrames))
	copy(out, t.audioFrames)
	return out
}

// EmitVideo delivers a frame to the installed sink, if any.
func (t *Track) EmitVideo(f *frame.Video) {
	t.mu.Lock()
	sink := t.videoSink
	t.mu.Unlock()
	if sink != nil {
		sink(f)
	}
}

// EmitAudio delivers a frame to the installed sink, if any.
func (t *Track) EmitAudio(f *frame.Audio) {
	t.mu.Lock()
	sink := t.audioSink
	t.mu.Unlock()
	if sink != nil {
		sink(f)
	}
}

// Source is an inert frame producer.
type Source struct {
	closed atomic.Bool
}

var _ engine.Source = (*Source)(nil)

func (s *Source) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether the source was released.
func (s *Source) Closed() bool { return s.closed.Load() }

// DataChannel is a scriptable message pipe.
type DataChannel struct {
	conn     *Conn
	label    string
	ordered  bool
	reliable bool

	mu          sync.Mutex
	id          int
	sent        [][]byte
	buffered    uint64
	maxBuffered uint64

	state atomic.Int32

	cbMu       sync.Mutex
	onState    func(engine.DataChannelState)
	onMessage  func([]byte)
	onBuffered func(previous, current uint64)
}

var _ engine.DataChannel = (*DataChannel)(nil)

func (dc *DataChannel) ID() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.id
}

func (dc *DataChannel) Label() string { return dc.label }

func (dc *DataChannel) Ordered() bool { return dc.ordered }

func (dc *DataChannel) Reliable() bool { return dc.reliable }

func (dc *DataChannel) State() engine.DataChannelState {
	return engine.DataChannelState(dc.state.Load())
}

func (dc *DataChannel) Send(data []byte) error {
	if dc.State() != engine.DataChannelStateOpen {
		return fmt.Errorf("channel %q not open", dc.label)
	}
	dc.mu.Lock()
	dc.sent = append(dc.sent, data)
	dc.mu.Unlock()
	return nil
}

func (dc *DataChannel) BufferedAmount() uint64 {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.buffered
}

func (dc *DataChannel) MaxBufferedAmount() uint64 {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.maxBuffered == 0 {
		return 16 << 20
	}
	return dc.maxBuffered
}

func (dc *DataChannel) OnStateChange(fn func(engine.DataChannelState)) {
	dc.cbMu.Lock()
	dc.onState = fn
	dc.cbMu.Unlock()
}

func (dc *DataChannel) OnMessage(fn func([]byte)) {
	dc.cbMu.Lock()
	dc.onMessage = fn
	dc.cbMu.Unlock()
}

func (dc *DataChannel) OnBufferedAmountChange(fn func(previous, current uint64)) {
	dc.cbMu.Lock()
	dc.onBuffered = fn
	dc.cbMu.Unlock()
}

func (dc *DataChannel) Close() error {
	dc.setState(engine.DataChannelStateClosed)
	return nil
}

// Open scripts the channel opening. For in-band channels id is the stream ID
// the association assigned; out-of-band channels keep their own.
func (dc *DataChannel) Open(id int) {
	dc.mu.Lock()
	if dc.id < 0 {
		dc.id = id
	}
	dc.mu.Unlock()
	dc.setState(engine.DataChannelStateOpen)
}

// FeedMessage delivers an inbound message.
func (dc *DataChannel) FeedMessage(data []byte) {
	dc.cbMu.Lock()
	fn := dc.onMessage
	dc.cbMu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// SetBuffered scripts a buffered-amount transition.
func (dc *DataChannel) SetBuffered(previous, current uint64) {
	dc.mu.Lock()
	dc.buffered = current
	dc.mu.Unlock()
	dc.cbMu.Lock()
	fn := dc.onBuffered
	dc.cbMu.Unlock()
	if fn != nil {
		fn(previous, current)
	}
}

// Sent returns every message the session sent.
func (dc *DataChannel) Sent() [][]byte {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	out := make([][]byte, len(dc.sent))
	copy(out, dc.sent)
	return out
}

func (dc *DataChannel) setState(s engine.DataChannelState) {
	dc.state.Store(int32(s))
	dc.cbMu.Lock()
	fn := dc.onState
	dc.cbMu.Unlock()
	if fn != nil {
		fn(s)
	}
}
