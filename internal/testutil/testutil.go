// Package testutil provides shared helpers for session and engine tests.
package testutil

import (
	"math"
	"testing"
	"time"

	"github.com/voxpeer/rtcsession/pkg/frame"
)

// WaitTimeout is the default patience for asynchronous events in tests.
const WaitTimeout = 2 * time.Second

// Wait blocks until ch signals or fails the test after WaitTimeout.
func Wait(tb testing.TB, ch <-chan struct{}, what string) {
	tb.Helper()
	select {
	case <-ch:
	case <-time.After(WaitTimeout):
		tb.Fatalf("timed out waiting for %s", what)
	}
}

// Eventually polls cond every millisecond until it holds, failing the test
// after WaitTimeout.
func Eventually(tb testing.TB, cond func() bool, what string) {
	tb.Helper()
	deadline := time.Now().Add(WaitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	tb.Fatalf("condition never held: %s", what)
}

// GradientVideoFrame creates an I420 frame with a diagonal gradient on the
// luma plane, distinguishable from black filler frames.
func GradientVideoFrame(width, height int) *frame.Video {
	f := frame.NewI420(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			f.Data[0][y*width+x] = byte((x + y) % 256)
		}
	}
	return f
}

// SineAudioFrame creates an S16 frame carrying a 440Hz tone, distinguishable
// from silence.
func SineAudioFrame(sampleRate, channels, sampleCount int) *frame.Audio {
	f := frame.NewAudioS16(sampleRate, channels, sampleCount)
	samples := make([]int16, sampleCount*channels)
	for i := 0; i < sampleCount; i++ {
		v := int16(10000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		for ch := 0; ch < channels; ch++ {
			samples[i*channels+ch] = v
		}
	}
	f.PutS16(samples)
	return f
}
