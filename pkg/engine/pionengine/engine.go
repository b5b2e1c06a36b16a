// Package pionengine adapts pion/webrtc to the engine boundary. It is a pure
// Go engine: no native libraries, no capture devices, no codecs. Local tracks
// accept pre-encoded frames and remote tracks deliver codec payloads; raster
// processing belongs to the application or to the native engine.
package pionengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/voxpeer/rtcsession/pkg/engine"
)

// Engine creates pion-backed connections.
type Engine struct {
	loggerFactory logging.LoggerFactory
}

var _ engine.Engine = (*Engine)(nil)

// Option configures the engine.
type Option func(*Engine)

// WithLoggerFactory routes pion's internal logging through lf.
func WithLoggerFactory(lf logging.LoggerFactory) Option {
	return func(e *Engine) { e.loggerFactory = lf }
}

func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) CreateConnection(cfg engine.ConnectionConfig, h *engine.EventHandlers) (engine.Connection, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	if e.loggerFactory != nil {
		se.LoggerFactory = e.loggerFactory
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(pionConfiguration(cfg))
	if err != nil {
		return nil, err
	}

	c := &conn{pc: pc, h: h}
	c.wire()
	return c, nil
}

// bundlePolicy parses the W3C bundle-policy string through pion's exported
// JSON decoder; pion does not export a direct string constructor.
func bundlePolicy(raw string) webrtc.BundlePolicy {
	var bp webrtc.BundlePolicy
	b, err := json.Marshal(raw)
	if err != nil {
		return bp
	}
	_ = bp.UnmarshalJSON(b)
	return bp
}

func pionConfiguration(cfg engine.ConnectionConfig) webrtc.Configuration {
	out := webrtc.Configuration{
		ICETransportPolicy:   webrtc.NewICETransportPolicy(cfg.ICETransportPolicy),
		BundlePolicy:         bundlePolicy(cfg.BundlePolicy),
		SDPSemantics:         webrtc.SDPSemanticsUnifiedPlan,
		ICECandidatePoolSize: uint8(cfg.ICECandidatePoolSize),
	}
	for _, s := range cfg.ICEServers {
		out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

type conn struct {
	pc *webrtc.PeerConnection
	h  *engine.EventHandlers

	closeFuse core.Fuse

	mu           sync.Mutex
	transceivers []*transceiver // in mline order, mirroring pc.GetTransceivers
}

var _ engine.Connection = (*conn)(nil)

func (c *conn) wire() {
	h := c.h
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.closeFuse.IsBroken() {
			return
		}
		init := cand.ToJSON()
		out := engine.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		if f := h.OnICECandidate; f != nil {
			f(out)
		}
	})
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if c.closeFuse.IsBroken() {
			return
		}
		if f := h.OnICEStateChanged; f != nil {
			f(iceState(s))
		}
	})
	c.pc.OnICEGatheringStateChange(func(s webrtc.ICEGatheringState) {
		if c.closeFuse.IsBroken() {
			return
		}
		if f := h.OnGatheringStateChanged; f != nil {
			f(gatheringState(s))
		}
	})
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if c.closeFuse.IsBroken() {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if f := h.OnConnected; f != nil {
				f()
			}
		case webrtc.PeerConnectionStateFailed:
			if f := h.OnFatalError; f != nil {
				f(errors.New("peer connection failed"))
			}
		}
	})
	c.pc.OnNegotiationNeeded(func() {
		if c.closeFuse.IsBroken() {
			return
		}
		if f := h.OnRenegotiationNeeded; f != nil {
			f()
		}
	})
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if c.closeFuse.IsBroken() {
			return
		}
		if f := h.OnDataChannelAdded; f != nil {
			f(newDataChannel(dc))
		}
	})
	c.pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if c.closeFuse.IsBroken() {
			return
		}
		tr := c.transceiverForReceiver(receiver)
		if tr == nil {
			return
		}
		if f := h.OnTrackAdded; f != nil {
			f(tr, newRemoteTrack(remote, &c.closeFuse), mediaKind(remote.Kind()), remote.ID())
		}
	})
}

func (c *conn) CreateOffer() bool {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return false
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return false
	}
	c.deliverLocalDescription()
	return true
}

func (c *conn) CreateAnswer() bool {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return false
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return false
	}
	c.deliverLocalDescription()
	return true
}

func (c *conn) deliverLocalDescription() {
	sd := c.pc.LocalDescription()
	if sd == nil || c.closeFuse.IsBroken() {
		return
	}
	typ := engine.SDPTypeOffer
	if sd.Type == webrtc.SDPTypeAnswer {
		typ = engine.SDPTypeAnswer
	}
	if f := c.h.OnLocalDescription; f != nil {
		go f(engine.SessionDescription{Type: typ, SDP: sd.SDP})
	}
}

func (c *conn) SetRemoteDescription(typ engine.SDPType, sdp string, done func(error)) {
	go func() {
		wt := webrtc.SDPTypeOffer
		if typ == engine.SDPTypeAnswer {
			wt = webrtc.SDPTypeAnswer
		}
		err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: wt, SDP: sdp})
		if err == nil {
			// Added-entity events must land before the operation resolves.
			c.syncTransceivers()
			if f := c.h.OnSCTPNegotiated; f != nil {
				f(strings.Contains(sdp, "m=application"))
			}
		}
		done(err)
	}()
}

// syncTransceivers wraps media lines pion created while applying a remote
// description and refreshes negotiated directions on all of them.
func (c *conn) syncTransceivers() {
	if c.closeFuse.IsBroken() {
		return
	}
	pts := c.pc.GetTransceivers()

	c.mu.Lock()
	known := len(c.transceivers)
	var added []*transceiver
	for i := known; i < len(pts); i++ {
		tr := &transceiver{conn: c, pt: pts[i], mlineIndex: i}
		c.transceivers = append(c.transceivers, tr)
		added = append(added, tr)
	}
	all := make([]*transceiver, len(c.transceivers))
	copy(all, c.transceivers)
	c.mu.Unlock()

	for _, tr := range added {
		if f := c.h.OnTransceiverAdded; f != nil {
			name := tr.pt.Mid()
			f(tr, mediaKind(tr.pt.Kind()), tr.mlineIndex, name, nil)
		}
	}
	for _, tr := range all {
		if f := c.h.OnTransceiverStateUpdated; f != nil {
			f(tr, optDirection(tr.pt.CurrentDirection()))
		}
	}
}

func (c *conn) transceiverForReceiver(receiver *webrtc.RTPReceiver) *transceiver {
	c.syncTransceivers()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tr := range c.transceivers {
		if tr.pt.Receiver() == receiver {
			return tr
		}
	}
	return nil
}

func (c *conn) AddICECandidate(cand engine.ICECandidate) error {
	init := webrtc.ICECandidateInit{Candidate: cand.Candidate}
	if cand.SDPMid != "" {
		mid := cand.SDPMid
		init.SDPMid = &mid
	}
	idx := uint16(cand.SDPMLineIndex)
	init.SDPMLineIndex = &idx
	return c.pc.AddICECandidate(init)
}

func (c *conn) AddTransceiver(kind engine.MediaKind, dir engine.Direction, name string, streamIDs []string) (engine.Transceiver, error) {
	// pion supports recvonly and send-capable lines at creation; inactive
	// lines start recvonly and stay silent until a direction change.
	pdir := webrtc.RTPTransceiverDirectionRecvonly
	if dir.HasSend() {
		pdir = webrtc.RTPTransceiverDirectionSendrecv
	}
	pt, err := c.pc.AddTransceiverFromKind(codecType(kind), webrtc.RTPTransceiverInit{Direction: pdir})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	tr := &transceiver{conn: c, pt: pt, name: name, streamIDs: streamIDs, mlineIndex: len(c.transceivers)}
	c.transceivers = append(c.transceivers, tr)
	c.mu.Unlock()
	return tr, nil
}

func (c *conn) CreateDataChannel(cfg engine.DataChannelConfig) (engine.DataChannel, error) {
	init := &webrtc.DataChannelInit{}
	ordered := cfg.Ordered
	init.Ordered = &ordered
	if !cfg.Reliable {
		var retransmits uint16
		init.MaxRetransmits = &retransmits
	}
	if cfg.ID >= 0 {
		negotiated := true
		id := uint16(cfg.ID)
		init.Negotiated = &negotiated
		init.ID = &id
	}
	dc, err := c.pc.CreateDataChannel(cfg.Label, init)
	if err != nil {
		return nil, err
	}
	return newDataChannel(dc), nil
}

func (c *conn) CreateVideoSource(cfg engine.VideoSourceConfig) (engine.Source, error) {
	if cfg.DeviceID != "" {
		return nil, errors.New("pionengine: device capture not supported, use an external source")
	}
	return &source{}, nil
}

func (c *conn) CreateAudioSource(cfg engine.AudioSourceConfig) (engine.Source, error) {
	if cfg.DeviceID != "" {
		return nil, errors.New("pionengine: device capture not supported, use an external source")
	}
	return &source{}, nil
}

func (c *conn) CreateLocalTrack(kind engine.MediaKind, name string, src engine.Source) (engine.Track, error) {
	if src == nil {
		return nil, errors.New("pionengine: nil source")
	}
	return newLocalTrack(kind, name)
}

func (c *conn) GetStats(done func(*engine.StatsReport, error)) {
	go done(collectStats(c.pc.GetStats()), nil)
}

func (c *conn) Close() error {
	var err error
	c.closeFuse.Once(func() {
		err = c.pc.Close()
	})
	return err
}

type source struct{}

func (s *source) Close() error { return nil }

func codecType(kind engine.MediaKind) webrtc.RTPCodecType {
	if kind == engine.MediaKindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func mediaKind(t webrtc.RTPCodecType) engine.MediaKind {
	if t == webrtc.RTPCodecTypeVideo {
		return engine.MediaKindVideo
	}
	return engine.MediaKindAudio
}

func iceState(s webrtc.ICEConnectionState) engine.ICEState {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return engine.ICEStateNew
	case webrtc.ICEConnectionStateChecking:
		return engine.ICEStateChecking
	case webrtc.ICEConnectionStateConnected:
		return engine.ICEStateConnected
	case webrtc.ICEConnectionStateCompleted:
		return engine.ICEStateCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return engine.ICEStateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return engine.ICEStateFailed
	default:
		return engine.ICEStateClosed
	}
}

func gatheringState(s webrtc.ICEGatheringState) engine.GatheringState {
	switch s {
	case webrtc.ICEGatheringStateGathering:
		return engine.GatheringStateGathering
	case webrtc.ICEGatheringStateComplete:
		return engine.GatheringStateComplete
	default:
		return engine.GatheringStateNew
	}
}

func optDirection(d webrtc.RTPTransceiverDirection) engine.OptDirection {
	switch d {
	case webrtc.RTPTransceiverDirectionSendrecv:
		return engine.OptDirectionSendRecv
	case webrtc.RTPTransceiverDirectionSendonly:
		return engine.OptDirectionSendOnly
	case webrtc.RTPTransceiverDirectionRecvonly:
		return engine.OptDirectionRecvOnly
	case webrtc.RTPTransceiverDirectionInactive:
		return engine.OptDirectionInactive
	default:
		return engine.OptDirectionUnset
	}
}
