package native

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/voxpeer/rtcsession/pkg/engine"
)

// Engine implements engine.Engine over the shim library. One Engine serves
// every connection in the process.
type Engine struct{}

// New loads the shim library if needed and returns an Engine.
func New() (*Engine, error) {
	if err := Load(); err != nil {
		return nil, err
	}
	return &Engine{}, nil
}

// shimConfig is the JSON shape rtc_peerconnection_create expects.
type shimConfig struct {
	ICEServers []struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username,omitempty"`
		Credential string   `json:"credential,omitempty"`
	} `json:"iceServers"`
	ICETransportPolicy   string `json:"iceTransportPolicy,omitempty"`
	BundlePolicy         string `json:"bundlePolicy,omitempty"`
	SDPSemantics         string `json:"sdpSemantics,omitempty"`
	ICECandidatePoolSize int    `json:"iceCandidatePoolSize,omitempty"`
}

func (e *Engine) CreateConnection(cfg engine.ConnectionConfig, h *engine.EventHandlers) (engine.Connection, error) {
	if !libLoaded.Load() {
		return nil, ErrNotLoaded
	}

	var sc shimConfig
	for _, s := range cfg.ICEServers {
		sc.ICEServers = append(sc.ICEServers, struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username,omitempty"`
			Credential string   `json:"credential,omitempty"`
		}{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	sc.ICETransportPolicy = cfg.ICETransportPolicy
	sc.BundlePolicy = cfg.BundlePolicy
	sc.SDPSemantics = cfg.SDPSemantics
	sc.ICECandidatePoolSize = cfg.ICECandidatePoolSize

	raw, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("native: encode config: %w", err)
	}

	handle := shimCreatePeerConnection(string(raw))
	if handle == 0 {
		return nil, errInitFailed
	}

	c := &conn{
		handle:       handle,
		handlers:     h,
		transceivers: map[uintptr]*transceiver{},
		tracks:       map[uintptr]*track{},
		channels:     map[uintptr]*dataChannel{},
		completions:  map[uint64]func(error){},
	}

	registryMu.Lock()
	connRegistry[handle] = c
	registryMu.Unlock()

	if code := shimSetEventCallbacks(handle, handle, eventCallbackPtr); code != shimOK {
		c.Close()
		return nil, fmt.Errorf("native: attach events: %w", shimError(code))
	}
	return c, nil
}

type conn struct {
	handle   uintptr
	handlers *engine.EventHandlers
	closed   atomic.Bool

	mu           sync.Mutex
	transceivers map[uintptr]*transceiver
	tracks       map[uintptr]*track
	channels     map[uintptr]*dataChannel

	seq         atomic.Uint64
	completions map[uint64]func(error)
}

func (c *conn) CreateOffer() bool {
	return shimCreateOffer(c.handle) == shimOK
}

func (c *conn) CreateAnswer() bool {
	return shimCreateAnswer(c.handle) == shimOK
}

func (c *conn) SetRemoteDescription(typ engine.SDPType, sdp string, done func(error)) {
	seq := c.seq.Add(1)
	c.mu.Lock()
	c.completions[seq] = done
	c.mu.Unlock()

	if code := shimSetRemoteDescription(c.handle, int32(typ), sdp, seq); code != shimOK {
		// The shim rejected synchronously; the completion callback will not
		// fire for this sequence.
		if d := c.takeCompletion(seq); d != nil {
			d(shimError(code))
		}
	}
}

func (c *conn) takeCompletion(seq uint64) func(error) {
	c.mu.Lock()
	done := c.completions[seq]
	delete(c.completions, seq)
	c.mu.Unlock()
	return done
}

func (c *conn) AddICECandidate(cand engine.ICECandidate) error {
	return shimError(shimAddICECandidate(c.handle, cand.Candidate, cand.SDPMid, int32(cand.SDPMLineIndex)))
}

func (c *conn) AddTransceiver(kind engine.MediaKind, dir engine.Direction, name string, streamIDs []string) (engine.Transceiver, error) {
	h := shimAddTransceiver(c.handle, int32(kind), int32(dir), name, strings.Join(streamIDs, ","))
	if h == 0 {
		return nil, errInvalidParam
	}
	return c.adoptTransceiver(h, kind), nil
}

func (c *conn) CreateDataChannel(cfg engine.DataChannelConfig) (engine.DataChannel, error) {
	ordered := int32(0)
	if cfg.Ordered {
		ordered = 1
	}
	reliable := int32(0)
	if cfg.Reliable {
		reliable = 1
	}
	h := shimCreateDataChannel(c.handle, int32(cfg.ID), cfg.Label, ordered, reliable)
	if h == 0 {
		return nil, errInvalidParam
	}

	dc := &dataChannel{handle: h, label: cfg.Label, ordered: cfg.Ordered, reliable: cfg.Reliable}
	c.mu.Lock()
	c.channels[h] = dc
	c.mu.Unlock()
	return dc, nil
}

func (c *conn) CreateVideoSource(cfg engine.VideoSourceConfig) (engine.Source, error) {
	h := shimCreateVideoSource(c.handle, cfg.DeviceID, int32(cfg.Width), int32(cfg.Height), cfg.FPS)
	if h == 0 {
		return nil, errNotFound
	}
	return &source{handle: h}, nil
}

func (c *conn) CreateAudioSource(cfg engine.AudioSourceConfig) (engine.Source, error) {
	h := shimCreateAudioSource(c.handle, cfg.DeviceID, int32(cfg.SampleRate), int32(cfg.Channels))
	if h == 0 {
		return nil, errNotFound
	}
	return &source{handle: h}, nil
}

func (c *conn) CreateLocalTrack(kind engine.MediaKind, name string, src engine.Source) (engine.Track, error) {
	s, ok := src.(*source)
	if !ok {
		return nil, errInvalidParam
	}
	h := shimCreateLocalTrack(c.handle, int32(kind), name, s.handle)
	if h == 0 {
		return nil, errInvalidParam
	}
	return c.adoptTrack(h, kind), nil
}

func (c *conn) GetStats(done func(*engine.StatsReport, error)) {
	// The shim call blocks on its signaling thread; keep the caller free.
	go func() {
		var raw shimStats
		code := shimGetStats(c.handle, uintptr(unsafe.Pointer(&raw)))
		if code != shimOK {
			done(nil, shimError(code))
			return
		}
		done(raw.report(), nil)
	}()
}

func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	registryMu.Lock()
	delete(connRegistry, c.handle)
	c.mu.Lock()
	for h := range c.tracks {
		delete(trackRegistry, h)
	}
	c.mu.Unlock()
	registryMu.Unlock()

	return shimError(shimPeerConnectionClose(c.handle))
}

// adoptTransceiver returns the wrapper for a shim transceiver handle,
// creating one on first sight. Locally added and remotely announced
// transceivers both land here.
func (c *conn) adoptTransceiver(h uintptr, kind engine.MediaKind) *transceiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr, ok := c.transceivers[h]; ok {
		return tr
	}
	tr := &transceiver{conn: c, handle: h, kind: kind}
	c.transceivers[h] = tr
	return tr
}

func (c *conn) transceiverFor(h uintptr) *transceiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transceivers[h]
}

func (c *conn) adoptTrack(h uintptr, kind engine.MediaKind) *track {
	c.mu.Lock()
	if t, ok := c.tracks[h]; ok {
		c.mu.Unlock()
		return t
	}
	t := &track{handle: h, kind: kind}
	c.tracks[h] = t
	c.mu.Unlock()

	registryMu.Lock()
	trackRegistry[h] = t
	registryMu.Unlock()
	return t
}

func (c *conn) releaseTrack(h uintptr) *track {
	c.mu.Lock()
	t := c.tracks[h]
	delete(c.tracks, h)
	c.mu.Unlock()

	registryMu.Lock()
	delete(trackRegistry, h)
	registryMu.Unlock()
	return t
}

func (c *conn) adoptDataChannel(h uintptr, label string, flags int64) *dataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dc, ok := c.channels[h]; ok {
		return dc
	}
	// flags carries the shim's channel attributes: bit 0 ordered, bit 1
	// reliable.
	dc := &dataChannel{
		handle:   h,
		label:    label,
		ordered:  flags&1 != 0,
		reliable: flags&2 != 0,
	}
	c.channels[h] = dc
	return dc
}

func (c *conn) channelFor(h uintptr) *dataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[h]
}

func splitStreamIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// shimStats mirrors the C struct rtc_stats. Field order and widths must
// match the shim header exactly.
type shimStats struct {
	TimestampUs        int64
	BytesSent          uint64
	BytesReceived      uint64
	PacketsSent        uint64
	PacketsReceived    uint64
	PacketsLost        int64
	RoundTripTimeUs    int64
	JitterUs           int64
	DataChannelsOpened uint32
	DataChannelsClosed uint32
	MessagesSent       uint64
	MessagesReceived   uint64
}

func (s *shimStats) report() *engine.StatsReport {
	return &engine.StatsReport{
		Timestamp:          time.UnixMicro(s.TimestampUs),
		BytesSent:          s.BytesSent,
		BytesReceived:      s.BytesReceived,
		PacketsSent:        s.PacketsSent,
		PacketsReceived:    s.PacketsReceived,
		PacketsLost:        s.PacketsLost,
		RoundTripTime:      time.Duration(s.RoundTripTimeUs) * time.Microsecond,
		Jitter:             time.Duration(s.JitterUs) * time.Microsecond,
		DataChannelsOpened: s.DataChannelsOpened,
		DataChannelsClosed: s.DataChannelsClosed,
		MessagesSent:       s.MessagesSent,
		MessagesReceived:   s.MessagesReceived,
	}
}
