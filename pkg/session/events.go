package session

import (
	"github.com/voxpeer/rtcsession/pkg/codec"
	"github.com/voxpeer/rtcsession/pkg/engine"
	"github.com/voxpeer/rtcsession/pkg/sdputil"
)

// eventHandlers builds the callback set handed to the engine at connection
// creation. Every handler drops the event once Close has started; engine
// threads must never observe a half-torn-down session.
func (pc *PeerConnection) eventHandlers() *engine.EventHandlers {
	return &engine.EventHandlers{
		OnLocalDescription:        pc.handleLocalDescription,
		OnICECandidate:            pc.handleICECandidate,
		OnICEStateChanged:         pc.handleICEStateChanged,
		OnGatheringStateChanged:   pc.handleGatheringStateChanged,
		OnConnected:               pc.handleConnected,
		OnRenegotiationNeeded:     pc.handleRenegotiationNeeded,
		OnTransceiverAdded:        pc.handleTransceiverAdded,
		OnTransceiverStateUpdated: pc.handleTransceiverStateUpdated,
		OnTrackAdded:              pc.handleTrackAdded,
		OnTrackRemoved:            pc.handleTrackRemoved,
		OnDataChannelAdded:        pc.handleDataChannelAdded,
		OnDataChannelRemoved:      pc.handleDataChannelRemoved,
		OnSCTPNegotiated:          pc.handleSCTPNegotiated,
		OnFatalError:              pc.handleFatalError,
	}
}

func (pc *PeerConnection) handleLocalDescription(sd engine.SessionDescription) {
	if pc.closeStarted() {
		return
	}
	// Codec preferences narrow local offers only; answers must mirror what
	// the offer allowed.
	if sd.Type == engine.SDPTypeOffer {
		audio := pc.cfg.PreferredAudioCodec
		video := pc.cfg.PreferredVideoCodec
		if audio != codec.None || video != codec.None {
			filtered, err := sdputil.ForceCodecs(sd.SDP, audio.Name(), video.Name())
			if err != nil {
				pc.log.Warnf("codec preference filter skipped: %v", err)
			} else {
				sd.SDP = filtered
			}
		}
	}
	if s := pc.signaler(); s != nil {
		if err := s.SendDescription(sd); err != nil {
			pc.log.Errorf("signaler rejected %s: %v", sd.Type, err)
		}
	}
	if f := pc.OnLocalDescription; f != nil {
		f(sd)
	}
}

func (pc *PeerConnection) handleICECandidate(c engine.ICECandidate) {
	if pc.closeStarted() {
		return
	}
	if s := pc.signaler(); s != nil {
		if err := s.SendICECandidate(c); err != nil {
			pc.log.Errorf("signaler rejected candidate: %v", err)
		}
	}
	if f := pc.OnICECandidate; f != nil {
		f(c)
	}
}

func (pc *PeerConnection) handleICEStateChanged(s engine.ICEState) {
	pc.iceState.Store(int32(s))
	if pc.closeStarted() {
		return
	}
	if f := pc.OnICEStateChanged; f != nil {
		f(s)
	}
}

func (pc *PeerConnection) handleGatheringStateChanged(s engine.GatheringState) {
	if pc.closeStarted() {
		return
	}
	if f := pc.OnGatheringStateChanged; f != nil {
		f(s)
	}
}

func (pc *PeerConnection) handleConnected() {
	if pc.closeStarted() {
		return
	}
	pc.log.Debugf("connection %q established", pc.Name())
	if f := pc.OnConnected; f != nil {
		f()
	}
}

// handleRenegotiationNeeded coalesces event bursts (adding three tracks in a
// row should produce one new offer, not three) through the configured
// debounce window.
func (pc *PeerConnection) handleRenegotiationNeeded() {
	if pc.closeStarted() {
		return
	}
	fire := func() {
		if pc.closeStarted() {
			return
		}
		if f := pc.OnRenegotiationNeeded; f != nil {
			f()
		}
	}
	if pc.debounced != nil {
		pc.debounced(fire)
		return
	}
	fire()
}

func (pc *PeerConnection) handleTransceiverAdded(t engine.Transceiver, kind engine.MediaKind, mlineIndex int, name string, streamIDs []string) {
	if pc.closeStarted() {
		return
	}
	// Remote-introduced lines start receive-only; the application opts into
	// sending by attaching a local track or widening the direction.
	tr := &Transceiver{
		pc:         pc,
		eng:        t,
		kind:       kind,
		name:       name,
		streamIDs:  streamIDs,
		mlineIndex: mlineIndex,
		desired:    engine.DirectionRecvOnly,
	}
	pc.entMu.Lock()
	pc.transceivers = append(pc.transceivers, tr)
	pc.entMu.Unlock()

	if f := pc.OnTransceiverAdded; f != nil {
		f(tr)
	}
}

func (pc *PeerConnection) handleTransceiverStateUpdated(t engine.Transceiver, negotiated engine.OptDirection) {
	if pc.closeStarted() {
		return
	}
	if tr := pc.findTransceiver(t); tr != nil {
		tr.setNegotiated(negotiated)
	}
}

func (pc *PeerConnection) handleTrackAdded(t engine.Transceiver, track engine.Track, kind engine.MediaKind, name string) {
	if pc.closeStarted() {
		return
	}
	tr := pc.findTransceiver(t)
	if tr == nil {
		pc.log.Warnf("track %q added on unknown transceiver, dropping", name)
		return
	}
	rt := newRemoteTrack(pc, tr, track, kind, name)

	pc.entMu.Lock()
	pc.remoteTracks = append(pc.remoteTracks, rt)
	pc.entMu.Unlock()
	tr.attachRemote(rt)

	if f := pc.OnTrackAdded; f != nil {
		f(rt)
	}
}

func (pc *PeerConnection) handleTrackRemoved(t engine.Transceiver, _ engine.Track) {
	if pc.closeStarted() {
		return
	}
	tr := pc.findTransceiver(t)
	if tr == nil {
		return
	}
	rt := tr.takeRemote()
	if rt == nil {
		return
	}

	pc.entMu.Lock()
	for i, cur := range pc.remoteTracks {
		if cur == rt {
			pc.remoteTracks = append(pc.remoteTracks[:i], pc.remoteTracks[i+1:]...)
			break
		}
	}
	pc.entMu.Unlock()
	rt.handle.drop() // connection's share; the transceiver's was dropped by takeRemote

	if f := pc.OnTrackRemoved; f != nil {
		f(rt)
	}
}

func (pc *PeerConnection) handleDataChannelAdded(edc engine.DataChannel) {
	if pc.closeStarted() {
		return
	}
	dc := newDataChannel(pc, edc, edc.Label(), edc.Ordered(), edc.Reliable())
	dc.remote = true
	pc.registerChannel(dc)

	if f := pc.OnDataChannelAdded; f != nil {
		f(dc)
	}
}

func (pc *PeerConnection) handleDataChannelRemoved(edc engine.DataChannel) {
	if pc.closeStarted() {
		return
	}
	dc := pc.findChannel(edc)
	if dc == nil {
		return
	}
	pc.unregisterChannel(dc)
	dc.shutdown()

	if f := pc.OnDataChannelRemoved; f != nil {
		f(dc)
	}
}

func (pc *PeerConnection) handleSCTPNegotiated(negotiated bool) {
	pc.entMu.Lock()
	pc.sctpNegotiated = negotiated
	pc.entMu.Unlock()
}

// handleFatalError surfaces an engine failure as an event and shuts the
// connection down. It never panics into the application.
func (pc *PeerConnection) handleFatalError(err error) {
	if pc.closeStarted() {
		return
	}
	pc.log.Errorf("connection %q failed: %v", pc.Name(), err)
	if f := pc.OnError; f != nil {
		f(err)
	}
	go pc.Close()
}

func (pc *PeerConnection) findTransceiver(t engine.Transceiver) *Transceiver {
	pc.entMu.Lock()
	defer pc.entMu.Unlock()
	for _, tr := range pc.transceivers {
		if tr.eng == t {
			return tr
		}
	}
	return nil
}

func (pc *PeerConnection) findChannel(edc engine.DataChannel) *DataChannel {
	pc.entMu.Lock()
	defer pc.entMu.Unlock()
	for _, dc := range pc.channels {
		if dc.eng == edc {
			return dc
		}
	}
	return nil
}
