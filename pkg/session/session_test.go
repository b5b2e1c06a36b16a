package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxpeer/rtcsession/internal/testutil"
	"github.com/voxpeer/rtcsession/pkg/codec"
	"github.com/voxpeer/rtcsession/pkg/engine"
	"github.com/voxpeer/rtcsession/pkg/engine/enginetest"
)

// newOpenPC builds an initialized connection on a fresh test engine, with
// debouncing disabled so renegotiation events are countable.
func newOpenPC(t *testing.T, mutate func(*Configuration)) (*PeerConnection, *enginetest.Engine, *enginetest.Conn) {
	t.Helper()
	eng := enginetest.New()
	cfg := DefaultConfiguration()
	cfg.Name = "test"
	cfg.NegotiationDebounce = -1
	if mutate != nil {
		mutate(&cfg)
	}
	pc := NewPeerConnection(eng, cfg)
	if err := pc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	conns := eng.Connections()
	if len(conns) != 1 {
		t.Fatalf("engine connections = %d, want 1", len(conns))
	}
	return pc, eng, conns[0]
}

func TestPeerConnection_InitialState(t *testing.T) {
	pc := NewPeerConnection(enginetest.New(), DefaultConfiguration())
	defer pc.Close()

	if pc.State() != StateUninitialized {
		t.Errorf("initial state = %v, want uninitialized", pc.State())
	}
	if pc.CreateOffer() {
		t.Error("CreateOffer succeeded before Initialize")
	}
	if err := pc.SetRemoteDescription(engine.SDPTypeOffer, "v=0\r\n"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SetRemoteDescription error = %v, want ErrInvalidState", err)
	}
	if _, err := pc.AddDataChannel(-1, "chat", true, true); !errors.Is(err, ErrInvalidState) {
		t.Errorf("AddDataChannel error = %v, want ErrInvalidState", err)
	}
	if _, err := pc.AddTransceiver(engine.MediaKindAudio, TransceiverInit{}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("AddTransceiver error = %v, want ErrInvalidState", err)
	}
	if _, err := pc.GetStats(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("GetStats error = %v, want ErrInvalidState", err)
	}
}

func TestInitialize_OpensConnection(t *testing.T) {
	eng := enginetest.New()
	cfg := DefaultConfiguration()
	cfg.Name = "alice"
	pc := NewPeerConnection(eng, cfg)
	defer pc.Close()

	if err := pc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if pc.State() != StateOpen {
		t.Errorf("state = %v, want open", pc.State())
	}

	conns := eng.Connections()
	if len(conns) != 1 {
		t.Fatalf("engine connections = %d, want 1", len(conns))
	}
	if got := conns[0].Config().Name; got != "alice" {
		t.Errorf("engine config name = %q, want alice", got)
	}

	// Idempotent once open.
	if err := pc.Initialize(context.Background()); err != nil {
		t.Errorf("second Initialize: %v", err)
	}
	if len(eng.Connections()) != 1 {
		t.Errorf("second Initialize created another connection")
	}
}

func TestInitialize_SingleFlight(t *testing.T) {
	eng := enginetest.New()
	release := eng.HoldCreate()
	pc := NewPeerConnection(eng, DefaultConfiguration())
	defer pc.Close()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = pc.Initialize(context.Background())
		}(i)
	}

	testutil.Eventually(t, func() bool { return pc.State() == StateInitializing }, "initialize to start")
	release()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: Initialize: %v", i, err)
		}
	}
	if got := len(eng.Connections()); got != 1 {
		t.Errorf("engine connections = %d, want 1", got)
	}
}

func TestInitialize_FailureAllowsRetry(t *testing.T) {
	eng := enginetest.New()
	eng.FailNextCreate(errors.New("no device"))
	pc := NewPeerConnection(eng, DefaultConfiguration())
	defer pc.Close()

	err := pc.Initialize(context.Background())
	if !errors.Is(err, ErrInitializationFailed) {
		t.Fatalf("Initialize error = %v, want ErrInitializationFailed", err)
	}
	if pc.State() != StateUninitialized {
		t.Errorf("state after failed init = %v, want uninitialized", pc.State())
	}

	if err := pc.Initialize(context.Background()); err != nil {
		t.Fatalf("retry Initialize: %v", err)
	}
	if pc.State() != StateOpen {
		t.Errorf("state after retry = %v, want open", pc.State())
	}
}

func TestInitialize_ContextCancelAbandonsWaitOnly(t *testing.T) {
	eng := enginetest.New()
	release := eng.HoldCreate()
	pc := NewPeerConnection(eng, DefaultConfiguration())
	defer pc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pc.Initialize(ctx); !errors.Is(err, ErrOperationCancelled) {
		t.Fatalf("Initialize error = %v, want ErrOperationCancelled", err)
	}

	// The attempt itself keeps running and completes.
	release()
	testutil.Eventually(t, func() bool { return pc.State() == StateOpen }, "attempt to finish")
	if err := pc.Initialize(context.Background()); err != nil {
		t.Errorf("Initialize after attempt finished: %v", err)
	}
}

func TestInitialize_CancelledByClose(t *testing.T) {
	eng := enginetest.New()
	release := eng.HoldCreate()
	pc := NewPeerConnection(eng, DefaultConfiguration())

	initErr := make(chan error, 1)
	go func() { initErr <- pc.Initialize(context.Background()) }()
	testutil.Eventually(t, func() bool { return pc.State() == StateInitializing }, "initialize to start")

	closeDone := make(chan error, 1)
	go func() { closeDone <- pc.Close() }()

	// Close must wait for the in-flight attempt.
	select {
	case err := <-closeDone:
		t.Fatalf("Close returned %v before init finished", err)
	case <-time.After(50 * time.Millisecond):
	}

	release()

	if err := <-initErr; !errors.Is(err, ErrOperationCancelled) {
		t.Errorf("Initialize error = %v, want ErrOperationCancelled", err)
	}
	if err := <-closeDone; err != nil {
		t.Errorf("Close: %v", err)
	}
	if pc.State() != StateClosed {
		t.Errorf("state = %v, want closed", pc.State())
	}

	// The connection that arrived after Close started was disposed of.
	testutil.Eventually(t, func() bool {
		conns := eng.Connections()
		return len(conns) == 1 && conns[0].Closed()
	}, "abandoned connection to close")

	if err := pc.Initialize(context.Background()); !errors.Is(err, ErrAlreadyClosing) {
		t.Errorf("Initialize after Close error = %v, want ErrAlreadyClosing", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	pc, eng, _ := newOpenPC(t, nil)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = pc.Close()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Close %d: %v", i, err)
		}
	}
	if pc.State() != StateClosed {
		t.Errorf("state = %v, want closed", pc.State())
	}
	if !eng.Connections()[0].Closed() {
		t.Error("engine connection not closed")
	}
}

func TestClose_BeforeInitialize(t *testing.T) {
	pc := NewPeerConnection(enginetest.New(), DefaultConfiguration())
	if err := pc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if pc.State() != StateClosed {
		t.Errorf("state = %v, want closed", pc.State())
	}
	if err := pc.Initialize(context.Background()); !errors.Is(err, ErrAlreadyClosing) {
		t.Errorf("Initialize error = %v, want ErrAlreadyClosing", err)
	}
}

func TestSetRemoteDescription_Applies(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	if err := pc.SetRemoteDescription(engine.SDPTypeOffer, "v=0\r\n"); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	descs := conn.RemoteDescriptions()
	if len(descs) != 1 || descs[0].Type != engine.SDPTypeOffer {
		t.Errorf("remote descriptions = %+v, want one offer", descs)
	}

	if err := pc.SetRemoteDescription(engine.SDPTypeOffer, ""); !errors.Is(err, ErrArgumentInvalid) {
		t.Errorf("empty SDP error = %v, want ErrArgumentInvalid", err)
	}
}

func TestSetRemoteDescription_Serialized(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	entered := make(chan struct{})
	gate := make(chan struct{})
	conn.ScriptSetRemote(func(engine.SDPType, string) error {
		close(entered)
		<-gate
		return nil
	})

	first := make(chan error, 1)
	go func() { first <- pc.SetRemoteDescription(engine.SDPTypeOffer, "v=0\r\n") }()
	testutil.Wait(t, entered, "first SetRemoteDescription to reach the engine")

	if err := pc.SetRemoteDescription(engine.SDPTypeAnswer, "v=0\r\n"); !errors.Is(err, ErrAlreadyInProgress) {
		t.Errorf("overlapping call error = %v, want ErrAlreadyInProgress", err)
	}

	close(gate)
	if err := <-first; err != nil {
		t.Errorf("first SetRemoteDescription: %v", err)
	}

	// Sequential calls work again.
	conn.ScriptSetRemote(nil)
	if err := pc.SetRemoteDescription(engine.SDPTypeAnswer, "v=0\r\n"); err != nil {
		t.Errorf("sequential SetRemoteDescription: %v", err)
	}
}

func TestSetRemoteDescription_EngineRejection(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	conn.ScriptSetRemote(func(engine.SDPType, string) error {
		return errors.New("malformed sdp")
	})
	err := pc.SetRemoteDescription(engine.SDPTypeOffer, "bogus")
	if !errors.Is(err, ErrNegotiationFailed) {
		t.Fatalf("error = %v, want ErrNegotiationFailed", err)
	}
}

func TestAddICECandidate_QueuedUntilFirstDescription(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	early := []engine.ICECandidate{
		{Candidate: "candidate:1", SDPMid: "0"},
		{Candidate: "candidate:2", SDPMid: "0"},
	}
	for _, c := range early {
		if err := pc.AddICECandidate(c); err != nil {
			t.Fatalf("AddICECandidate: %v", err)
		}
	}
	if got := len(conn.Candidates()); got != 0 {
		t.Fatalf("engine saw %d candidates before any description", got)
	}

	if err := pc.SetRemoteDescription(engine.SDPTypeOffer, "v=0\r\n"); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	got := conn.Candidates()
	if len(got) != 2 || got[0].Candidate != "candidate:1" || got[1].Candidate != "candidate:2" {
		t.Errorf("flushed candidates = %+v, want the two queued in order", got)
	}

	// Later candidates apply immediately.
	if err := pc.AddICECandidate(engine.ICECandidate{Candidate: "candidate:3"}); err != nil {
		t.Fatalf("AddICECandidate: %v", err)
	}
	if got := len(conn.Candidates()); got != 3 {
		t.Errorf("engine candidates = %d, want 3", got)
	}

	if err := pc.AddICECandidate(engine.ICECandidate{}); !errors.Is(err, ErrArgumentInvalid) {
		t.Errorf("empty candidate error = %v, want ErrArgumentInvalid", err)
	}
}

func TestGetStats(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	report, err := pc.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if report == nil || report.Timestamp.IsZero() {
		t.Errorf("report = %+v, want timestamped snapshot", report)
	}

	conn.FailStats(errors.New("collector busy"))
	if _, err := pc.GetStats(context.Background()); err == nil {
		t.Error("GetStats succeeded despite engine failure")
	}

	pc.Close()
	if _, err := pc.GetStats(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("GetStats after close error = %v, want ErrInvalidState", err)
	}
}

func TestFatalError_ClosesConnection(t *testing.T) {
	eng := enginetest.New()
	cfg := DefaultConfiguration()
	cfg.NegotiationDebounce = -1
	pc := NewPeerConnection(eng, cfg)

	got := make(chan error, 1)
	pc.OnError = func(err error) { got <- err }

	if err := pc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	conn := eng.Connections()[0]

	cause := errors.New("dtls meltdown")
	conn.FireFatalError(cause)

	select {
	case err := <-got:
		if !errors.Is(err, cause) {
			t.Errorf("OnError = %v, want %v", err, cause)
		}
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("OnError never fired")
	}
	testutil.Eventually(t, func() bool { return pc.State() == StateClosed }, "connection to close itself")
}

func TestRenegotiationNeeded_Debounced(t *testing.T) {
	eng := enginetest.New()
	cfg := DefaultConfiguration()
	cfg.NegotiationDebounce = 5 * time.Millisecond
	pc := NewPeerConnection(eng, cfg)
	defer pc.Close()

	var fired atomic.Int32
	pc.OnRenegotiationNeeded = func() { fired.Add(1) }

	if err := pc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	conn := eng.Connections()[0]

	for i := 0; i < 3; i++ {
		conn.FireRenegotiationNeeded()
	}
	testutil.Eventually(t, func() bool { return fired.Load() == 1 }, "debounced callback")

	time.Sleep(20 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("renegotiation callbacks = %d, want 1 for the burst", got)
	}
}

func TestLocalDescription_CodecPreferenceOnOffersOnly(t *testing.T) {
	offer := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 0.0.0.0",
		"s=-",
		"t=0 0",
		"m=video 9 UDP/TLS/RTP/SAVPF 96 98",
		"a=rtpmap:96 VP8/90000",
		"a=rtpmap:98 H264/90000",
		"",
	}, "\r\n")

	pc, _, conn := newOpenPC(t, func(cfg *Configuration) {
		cfg.PreferredVideoCodec = codec.VP8
	})

	descs := make(chan engine.SessionDescription, 2)
	pc.OnLocalDescription = func(sd engine.SessionDescription) { descs <- sd }

	conn.FireLocalDescription(engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: offer})
	filtered := <-descs
	if strings.Contains(filtered.SDP, "H264") {
		t.Errorf("offer still advertises H264:\n%s", filtered.SDP)
	}
	if !strings.Contains(filtered.SDP, "VP8") {
		t.Errorf("offer lost the preferred codec:\n%s", filtered.SDP)
	}

	// Answers pass through untouched.
	conn.FireLocalDescription(engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: offer})
	answer := <-descs
	if answer.SDP != offer {
		t.Error("answer was rewritten by the codec preference filter")
	}
}

type chanSignaler struct {
	descs chan engine.SessionDescription
	cands chan engine.ICECandidate
}

func (s *chanSignaler) SendDescription(sd engine.SessionDescription) error {
	s.descs <- sd
	return nil
}

func (s *chanSignaler) SendICECandidate(c engine.ICECandidate) error {
	s.cands <- c
	return nil
}

func TestSignaler_RoutesDescriptionsAndCandidates(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	sig := &chanSignaler{
		descs: make(chan engine.SessionDescription, 1),
		cands: make(chan engine.ICECandidate, 1),
	}
	pc.AttachSignaler(sig)

	conn.FireLocalDescription(engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: "v=0\r\n"})
	select {
	case sd := <-sig.descs:
		if sd.Type != engine.SDPTypeOffer {
			t.Errorf("signaler got %v, want offer", sd.Type)
		}
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("signaler never received the description")
	}

	conn.FireCandidate(engine.ICECandidate{Candidate: "candidate:1"})
	select {
	case <-sig.cands:
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("signaler never received the candidate")
	}

	// A remote offer produces an answer.
	if err := pc.HandleRemoteDescription(engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: "v=0\r\n"}); err != nil {
		t.Fatalf("HandleRemoteDescription: %v", err)
	}
	if got := conn.Answers(); got != 1 {
		t.Errorf("engine answers = %d, want 1", got)
	}
}

func TestSetName(t *testing.T) {
	pc, _, _ := newOpenPC(t, nil)
	pc.SetName("renamed")
	if got := pc.Name(); got != "renamed" {
		t.Errorf("Name = %q, want renamed", got)
	}
}

func TestCreateOffer_RequiresOpen(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	if !pc.CreateOffer() {
		t.Error("CreateOffer failed while open")
	}
	if got := conn.Offers(); got != 1 {
		t.Errorf("engine offers = %d, want 1", got)
	}

	conn.RejectOffers(true)
	if pc.CreateOffer() {
		t.Error("CreateOffer succeeded despite engine rejection")
	}

	pc.Close()
	if pc.CreateOffer() {
		t.Error("CreateOffer succeeded after close")
	}
}

// TestNegotiation_OfferAnswerRoundTrip walks a full one-way video
// negotiation: the offerer advertises a sendonly line with a bound track, the
// answerer receives the line and its track while applying the offer, and the
// answer settles both sides on sendonly/recvonly. Entity events caused by a
// description must be observable before SetRemoteDescription returns.
func TestNegotiation_OfferAnswerRoundTrip(t *testing.T) {
	offerer, _, offConn := newOpenPC(t, func(c *Configuration) { c.Name = "offerer" })
	answerer, _, ansConn := newOpenPC(t, func(c *Configuration) { c.Name = "answerer" })

	sendTr, err := offerer.AddTransceiver(engine.MediaKindVideo, TransceiverInit{Name: "cam", Direction: engine.DirectionSendOnly})
	if err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}
	track, err := offerer.CreateVideoTrack(context.Background(), "cam", VideoTrackConfig{})
	if err != nil {
		t.Fatalf("CreateVideoTrack: %v", err)
	}
	defer track.Close()
	if err := sendTr.SetLocalTrack(track); err != nil {
		t.Fatalf("SetLocalTrack: %v", err)
	}
	if !offerer.CreateOffer() {
		t.Fatal("CreateOffer rejected")
	}
	if offConn.Offers() != 1 {
		t.Fatalf("engine offers = %d, want 1", offConn.Offers())
	}

	// The answerer's engine materializes the offered line, its track and the
	// recvonly agreement while the description applies.
	ansConn.ScriptSetRemote(func(typ engine.SDPType, sdp string) error {
		tr := ansConn.FireTransceiverAdded(engine.MediaKindVideo, "cam", nil)
		ansConn.FireTrackAdded(tr, "cam")
		ansConn.FireTransceiverStateUpdated(tr, engine.OptDirectionRecvOnly)
		return nil
	})

	var lineSeen, trackSeen bool
	answerer.OnTransceiverAdded = func(*Transceiver) { lineSeen = true }
	var gotTrack *RemoteTrack
	answerer.OnTrackAdded = func(rt *RemoteTrack) {
		trackSeen = true
		gotTrack = rt
	}

	offer := engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: "v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=sendonly\r\n"}
	if err := answerer.HandleRemoteDescription(offer); err != nil {
		t.Fatalf("HandleRemoteDescription: %v", err)
	}

	// Everything the offer introduced is visible the moment the call returns.
	if !lineSeen || !trackSeen {
		t.Fatalf("events before return: transceiver %t, track %t, want both", lineSeen, trackSeen)
	}
	lines := answerer.Transceivers()
	if len(lines) != 1 {
		t.Fatalf("answerer transceivers = %d, want 1", len(lines))
	}
	recvTr := lines[0]
	if recvTr.NegotiatedDirection() != engine.OptDirectionRecvOnly {
		t.Errorf("answerer negotiated = %v, want recvonly", recvTr.NegotiatedDirection())
	}
	if gotTrack == nil || gotTrack.Transceiver() != recvTr || gotTrack.Kind() != engine.MediaKindVideo {
		t.Errorf("remote track = %+v, want video on the offered line", gotTrack)
	}
	if ansConn.Answers() != 1 {
		t.Errorf("engine answers = %d, want 1 (auto-answer for applied offer)", ansConn.Answers())
	}

	// The answer closes the loop: the offerer's line settles on sendonly.
	offConn.ScriptSetRemote(func(typ engine.SDPType, sdp string) error {
		offConn.FireTransceiverStateUpdated(offConn.Transceivers()[0], engine.OptDirectionSendOnly)
		return nil
	})
	answer := engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: "v=0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=recvonly\r\n"}
	if err := offerer.HandleRemoteDescription(answer); err != nil {
		t.Fatalf("HandleRemoteDescription(answer): %v", err)
	}
	if sendTr.NegotiatedDirection() != engine.OptDirectionSendOnly {
		t.Errorf("offerer negotiated = %v, want sendonly", sendTr.NegotiatedDirection())
	}
	if sendTr.DesiredDirection() != engine.DirectionSendOnly {
		t.Errorf("offerer desired = %v, want sendonly", sendTr.DesiredDirection())
	}
}

func TestStateString(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateUninitialized, "uninitialized"},
		{StateInitializing, "initializing"},
		{StateOpen, "open"},
		{StateClosing, "closing"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}

func ExamplePeerConnection() {
	pc := NewPeerConnection(enginetest.New(), DefaultConfiguration())
	defer pc.Close()

	if err := pc.Initialize(context.Background()); err != nil {
		fmt.Println("initialize:", err)
		return
	}
	fmt.Println(pc.State())
	// Output: open
}
