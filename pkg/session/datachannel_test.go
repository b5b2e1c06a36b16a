package session

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/voxpeer/rtcsession/internal/testutil"
	"github.com/voxpeer/rtcsession/pkg/engine"
)

func TestAddDataChannel_IDValidation(t *testing.T) {
	pc, _, _ := newOpenPC(t, nil)

	if _, err := pc.AddDataChannel(70000, "big", true, true); !errors.Is(err, ErrArgumentOutOfRange) {
		t.Errorf("id 70000 error = %v, want ErrArgumentOutOfRange", err)
	}

	first, err := pc.AddDataChannel(5, "chat", true, true)
	if err != nil {
		t.Fatalf("AddDataChannel: %v", err)
	}
	if first.ID() != 5 {
		t.Errorf("out-of-band channel ID = %d, want 5", first.ID())
	}

	if _, err := pc.AddDataChannel(5, "dup", true, true); !errors.Is(err, ErrArgumentInvalid) {
		t.Errorf("duplicate id error = %v, want ErrArgumentInvalid", err)
	}

	// The slot frees up once the channel is removed.
	pc.RemoveDataChannel(first)
	if _, err := pc.AddDataChannel(5, "chat2", true, true); err != nil {
		t.Errorf("reusing freed id: %v", err)
	}
}

func TestAddDataChannel_InBandAssignment(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	dc, err := pc.AddDataChannel(-1, "chat", true, true)
	if err != nil {
		t.Fatalf("AddDataChannel: %v", err)
	}
	if dc.ID() != -1 {
		t.Errorf("in-band channel ID = %d before opening, want -1", dc.ID())
	}
	if dc.State() != engine.DataChannelStateConnecting {
		t.Errorf("state = %v, want connecting", dc.State())
	}

	opened := make(chan struct{})
	dc.SetOnOpen(func() { close(opened) })

	conn.Channels()[0].Open(7)
	testutil.Wait(t, opened, "channel to open")

	if dc.ID() != 7 {
		t.Errorf("channel ID = %d after opening, want 7", dc.ID())
	}
	// The assigned ID now collides with out-of-band requests.
	if _, err := pc.AddDataChannel(7, "dup", true, true); !errors.Is(err, ErrArgumentInvalid) {
		t.Errorf("colliding id error = %v, want ErrArgumentInvalid", err)
	}
}

func TestAddDataChannel_RequiresSCTP(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	// A remote description without an SCTP association forbids channels.
	conn.FireSCTPNegotiated(false)
	if _, err := pc.AddDataChannel(-1, "chat", true, true); !errors.Is(err, ErrNotNegotiated) {
		t.Errorf("error = %v, want ErrNotNegotiated", err)
	}

	conn.FireSCTPNegotiated(true)
	if _, err := pc.AddDataChannel(-1, "chat", true, true); err != nil {
		t.Errorf("AddDataChannel after renegotiation: %v", err)
	}
}

func TestDataChannel_SendAndReceive(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	dc, err := pc.AddDataChannel(1, "chat", true, true)
	if err != nil {
		t.Fatalf("AddDataChannel: %v", err)
	}
	edc := conn.Channels()[0]

	// Sending before open fails.
	if err := dc.Send([]byte("hi")); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Send before open error = %v, want ErrInvalidState", err)
	}

	edc.Open(1)
	if err := dc.Send([]byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := edc.Sent()
	if len(sent) != 1 || !bytes.Equal(sent[0], []byte("hi")) {
		t.Errorf("engine sent = %q, want [hi]", sent)
	}

	got := make(chan []byte, 1)
	dc.SetOnMessage(func(data []byte) { got <- append([]byte(nil), data...) })
	edc.FeedMessage([]byte("yo"))
	select {
	case msg := <-got:
		if !bytes.Equal(msg, []byte("yo")) {
			t.Errorf("message = %q, want yo", msg)
		}
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("message never delivered")
	}
}

func TestDataChannel_BufferedAmountWatermarks(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	dc, err := pc.AddDataChannel(1, "bulk", true, true)
	if err != nil {
		t.Fatalf("AddDataChannel: %v", err)
	}

	type change struct{ prev, cur, limit uint64 }
	got := make(chan change, 2)
	dc.SetOnBufferedAmountChange(func(prev, cur, limit uint64) {
		got <- change{prev, cur, limit}
	})

	edc := conn.Channels()[0]
	edc.Open(1)
	edc.SetBuffered(0, 4096)
	edc.SetBuffered(4096, 512)

	up := <-got
	if up.prev != 0 || up.cur != 4096 || up.limit == 0 {
		t.Errorf("rising change = %+v", up)
	}
	down := <-got
	if down.prev != 4096 || down.cur != 512 {
		t.Errorf("falling change = %+v", down)
	}
	if dc.BufferedAmount() != 512 {
		t.Errorf("BufferedAmount = %d, want 512", dc.BufferedAmount())
	}
}

func TestDataChannel_RemoteInitiated(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	added := make(chan *DataChannel, 1)
	pc.OnDataChannelAdded = func(dc *DataChannel) { added <- dc }

	conn.FireDataChannelAdded(3, "inbound", false, false)

	var dc *DataChannel
	select {
	case dc = <-added:
	case <-time.After(testutil.WaitTimeout):
		t.Fatal("OnDataChannelAdded never fired")
	}
	if !dc.Remote() {
		t.Error("remote-initiated channel not marked remote")
	}
	if dc.ID() != 3 || dc.Label() != "inbound" {
		t.Errorf("channel = %d %q, want 3 inbound", dc.ID(), dc.Label())
	}
	// Attributes come from the remote peer's declaration, not local defaults.
	if dc.Ordered() || dc.Reliable() {
		t.Errorf("attributes = ordered %t reliable %t, want false false", dc.Ordered(), dc.Reliable())
	}
	if dc.State() != engine.DataChannelStateOpen {
		t.Errorf("state = %v, want open", dc.State())
	}

	// The in-band ID is claimed like any other.
	if _, err := pc.AddDataChannel(3, "dup", true, true); !errors.Is(err, ErrArgumentInvalid) {
		t.Errorf("colliding id error = %v, want ErrArgumentInvalid", err)
	}
}

func TestRemoveDataChannel(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	var removed []*DataChannel
	pc.OnDataChannelRemoved = func(dc *DataChannel) { removed = append(removed, dc) }

	dc, err := pc.AddDataChannel(1, "chat", true, true)
	if err != nil {
		t.Fatalf("AddDataChannel: %v", err)
	}

	pc.RemoveDataChannel(dc)
	pc.RemoveDataChannel(dc) // idempotent

	if len(removed) != 1 {
		t.Errorf("removed events = %d, want 1", len(removed))
	}
	if got := len(pc.DataChannels()); got != 0 {
		t.Errorf("DataChannels = %d, want 0", got)
	}
	if conn.Channels()[0].State() != engine.DataChannelStateClosed {
		t.Error("engine channel not closed")
	}
	if err := dc.Send([]byte("hi")); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Send after removal error = %v, want ErrInvalidState", err)
	}
}

func TestRemoveAllDataChannels(t *testing.T) {
	pc, _, conn := newOpenPC(t, nil)

	var removed int
	pc.OnDataChannelRemoved = func(*DataChannel) { removed++ }

	for i := 0; i < 3; i++ {
		if _, err := pc.AddDataChannel(i, "chat", true, true); err != nil {
			t.Fatalf("AddDataChannel %d: %v", i, err)
		}
	}

	pc.RemoveAllDataChannels()

	if removed != 3 {
		t.Errorf("removed events = %d, want 3", removed)
	}
	if got := len(pc.DataChannels()); got != 0 {
		t.Errorf("DataChannels = %d, want 0", got)
	}
	for i, edc := range conn.Channels() {
		if edc.State() != engine.DataChannelStateClosed {
			t.Errorf("engine channel %d not closed", i)
		}
	}

	// The IDs are free again.
	if _, err := pc.AddDataChannel(0, "chat", true, true); err != nil {
		t.Errorf("AddDataChannel after RemoveAll: %v", err)
	}
}
