package session

import (
	"context"
	"errors"
	"testing"

	"github.com/voxpeer/rtcsession/pkg/engine"
)

func TestAddTransceiver_AssignsStableMLineIndexes(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	var added []*Transceiver
	pc.OnTransceiverAdded = func(tr *Transceiver) { added = append(added, tr) }

	t1, err := pc.AddTransceiver(engine.MediaKindAudio, TransceiverInit{Name: "mic"})
	if err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}
	t2, err := pc.AddTransceiver(engine.MediaKindVideo, TransceiverInit{Name: "cam", Direction: engine.DirectionSendOnly})
	if err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}

	if t1.MLineIndex() != 0 || t2.MLineIndex() != 1 {
		t.Errorf("mline indexes = %d, %d, want 0, 1", t1.MLineIndex(), t2.MLineIndex())
	}

	// A line introduced by a remote description continues the sequence.
	conn.FireTransceiverAdded(engine.MediaKindVideo, "screen", []string{"desk"})
	if len(added) != 3 {
		t.Fatalf("transceiver-added events = %d, want 3", len(added))
	}
	remote := added[2]
	if remote.MLineIndex() != 2 {
		t.Errorf("remote line index = %d, want 2", remote.MLineIndex())
	}
	if remote.DesiredDirection() != engine.DirectionRecvOnly {
		t.Errorf("remote line desired = %v, want recvonly", remote.DesiredDirection())
	}
	if got := remote.StreamIDs(); len(got) != 1 || got[0] != "desk" {
		t.Errorf("remote line stream IDs = %v, want [desk]", got)
	}

	trs := pc.Transceivers()
	if len(trs) != 3 || trs[0] != t1 || trs[1] != t2 || trs[2] != remote {
		t.Errorf("Transceivers() out of order: %v", trs)
	}
}

func TestTransceiver_DesiredVersusNegotiatedDirection(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	tr, err := pc.AddTransceiver(engine.MediaKindVideo, TransceiverInit{Direction: engine.DirectionSendOnly})
	if err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}
	if tr.DesiredDirection() != engine.DirectionSendOnly {
		t.Errorf("desired = %v, want sendonly", tr.DesiredDirection())
	}
	if tr.NegotiatedDirection() != engine.OptDirectionUnset {
		t.Errorf("negotiated = %v before any negotiation, want unset", tr.NegotiatedDirection())
	}

	// A change in desired direction reaches the engine and fires
	// renegotiation-needed; the negotiated direction stays put until a
	// description confirms it.
	var renegotiations int
	pc.OnRenegotiationNeeded = func() { renegotiations++ }

	if err := tr.SetDirection(engine.DirectionSendRecv); err != nil {
		t.Fatalf("SetDirection: %v", err)
	}
	if tr.DesiredDirection() != engine.DirectionSendRecv {
		t.Errorf("desired = %v, want sendrecv", tr.DesiredDirection())
	}
	if tr.NegotiatedDirection() != engine.OptDirectionUnset {
		t.Errorf("negotiated moved to %v without a description", tr.NegotiatedDirection())
	}
	if renegotiations != 1 {
		t.Errorf("renegotiation events = %d, want 1", renegotiations)
	}

	// Setting the same direction again is a no-op.
	if err := tr.SetDirection(engine.DirectionSendRecv); err != nil {
		t.Fatalf("SetDirection (same): %v", err)
	}
	if renegotiations != 1 {
		t.Errorf("no-op direction change fired renegotiation")
	}

	engTr := conn.Transceivers()[0]
	conn.FireTransceiverStateUpdated(engTr, engine.OptDirectionSendRecv)
	if tr.NegotiatedDirection() != engine.OptDirectionSendRecv {
		t.Errorf("negotiated = %v, want sendrecv", tr.NegotiatedDirection())
	}
	if tr.DesiredDirection() != engine.DirectionSendRecv {
		t.Errorf("negotiation update changed desired to %v", tr.DesiredDirection())
	}
}

func TestTransceiver_SetLocalTrack_SingleBinding(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)
	ctx := context.Background()

	v1, err := pc.AddTransceiver(engine.MediaKindVideo, TransceiverInit{})
	if err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}
	v2, err := pc.AddTransceiver(engine.MediaKindVideo, TransceiverInit{})
	if err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}

	track, err := pc.CreateVideoTrack(ctx, "cam", VideoTrackConfig{})
	if err != nil {
		t.Fatalf("CreateVideoTrack: %v", err)
	}
	defer track.Close()

	if err := v1.SetLocalTrack(track); err != nil {
		t.Fatalf("SetLocalTrack: %v", err)
	}
	if v1.LocalTrack() != track || track.Transceiver() != v1 {
		t.Error("binding not recorded on both sides")
	}
	if got := conn.Transceivers()[0].LocalTrack(); got == nil {
		t.Error("engine transceiver has no track bound")
	}

	if err := v2.SetLocalTrack(track); !errors.Is(err, ErrArgumentInvalid) {
		t.Errorf("double binding error = %v, want ErrArgumentInvalid", err)
	}

	if err := v1.SetLocalTrack(nil); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if track.Transceiver() != nil {
		t.Error("track still bound after unbind")
	}
	if err := v2.SetLocalTrack(track); err != nil {
		t.Errorf("rebinding after unbind: %v", err)
	}
}

func TestTransceiver_SetLocalTrack_KindMismatch(t *testing.T) {
	pc, _, _ := newOpenPC(t, nil)

	video, err := pc.AddTransceiver(engine.MediaKindVideo, TransceiverInit{})
	if err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}
	mic, err := pc.CreateAudioTrack(context.Background(), "mic", AudioTrackConfig{})
	if err != nil {
		t.Fatalf("CreateAudioTrack: %v", err)
	}
	defer mic.Close()

	if err := video.SetLocalTrack(mic); !errors.Is(err, ErrArgumentInvalid) {
		t.Errorf("kind mismatch error = %v, want ErrArgumentInvalid", err)
	}
	if mic.Transceiver() != nil {
		t.Error("failed binding left the track attached")
	}
}

func TestTransceiver_DetachedAfterClose(t *testing.T) {
	pc, _, _ := newOpenPC(t, nil)

	tr, err := pc.AddTransceiver(engine.MediaKindAudio, TransceiverInit{})
	if err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}
	pc.Close()

	if err := tr.SetDirection(engine.DirectionInactive); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SetDirection after close error = %v, want ErrInvalidState", err)
	}
	if err := tr.SetLocalTrack(nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SetLocalTrack after close error = %v, want ErrInvalidState", err)
	}
}
