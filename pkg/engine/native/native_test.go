package native

import (
	"errors"
	"testing"
	"time"
)

func TestShimErrorMapping(t *testing.T) {
	if err := shimError(shimOK); err != nil {
		t.Fatalf("shimOK mapped to %v", err)
	}
	if err := shimError(shimErrInvalidParam); !errors.Is(err, errInvalidParam) {
		t.Fatalf("got %v, want errInvalidParam", err)
	}
	if err := shimError(shimErrNotFound); !errors.Is(err, errNotFound) {
		t.Fatalf("got %v, want errNotFound", err)
	}
	if err := shimError(-99); err == nil {
		t.Fatal("unknown code mapped to nil")
	}
}

func TestResolveLibraryEnvOverride(t *testing.T) {
	t.Setenv("RTCSHIM_PATH", "/does/not/exist.so")
	if _, err := resolveLibrary(); err == nil {
		t.Fatal("expected error for missing RTCSHIM_PATH target")
	}
}

func TestSplitStreamIDs(t *testing.T) {
	if got := splitStreamIDs(""); got != nil {
		t.Fatalf("empty input produced %v", got)
	}
	got := splitStreamIDs("camera,screen")
	if len(got) != 2 || got[0] != "camera" || got[1] != "screen" {
		t.Fatalf("got %v", got)
	}
}

func TestShimStatsReport(t *testing.T) {
	raw := shimStats{
		TimestampUs:     1_700_000_000_000_000,
		BytesSent:       1024,
		BytesReceived:   2048,
		PacketsLost:     3,
		RoundTripTimeUs: 25_000,
		MessagesSent:    7,
	}
	r := raw.report()
	if r.BytesSent != 1024 || r.BytesReceived != 2048 {
		t.Fatalf("byte counters not carried: %+v", r)
	}
	if r.PacketsLost != 3 {
		t.Fatalf("packets lost = %d", r.PacketsLost)
	}
	if r.RoundTripTime != 25*time.Millisecond {
		t.Fatalf("rtt = %v", r.RoundTripTime)
	}
	if !r.Timestamp.Equal(time.UnixMicro(raw.TimestampUs)) {
		t.Fatalf("timestamp = %v", r.Timestamp)
	}
}
