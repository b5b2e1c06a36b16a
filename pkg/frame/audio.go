package frame

import "time"

// Audio is one block of interleaved signed 16-bit audio samples. Frames
// delivered by engine callbacks are only valid for the duration of the
// callback; receivers that keep a frame must Clone it.
type Audio struct {
	SampleRate int
	Channels   int

	// Samples is interleaved S16LE data, 2*Channels bytes per sample frame.
	Samples []byte

	// SampleCount is the number of sample frames per channel.
	SampleCount int

	// Timestamp is the presentation time.
	Timestamp time.Duration
}

// NewAudioS16 allocates a zeroed (silent) frame.
func NewAudioS16(sampleRate, channels, sampleCount int) *Audio {
	return &Audio{
		SampleRate:  sampleRate,
		Channels:    channels,
		Samples:     make([]byte, sampleCount*channels*2),
		SampleCount: sampleCount,
	}
}

// NewSilence returns a frame of silence matching the given format. Used to
// keep a disabled track transmitting without content.
func NewSilence(sampleRate, channels, sampleCount int) *Audio {
	return NewAudioS16(sampleRate, channels, sampleCount)
}

// Clone deep-copies the frame.
func (f *Audio) Clone() *Audio {
	c := &Audio{
		SampleRate:  f.SampleRate,
		Channels:    f.Channels,
		SampleCount: f.SampleCount,
		Timestamp:   f.Timestamp,
		Samples:     append([]byte(nil), f.Samples...),
	}
	return c
}

// S16 decodes the interleaved byte buffer into int16 samples.
func (f *Audio) S16() []int16 {
	n := len(f.Samples) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(f.Samples[2*i]) | int16(f.Samples[2*i+1])<<8
	}
	return out
}

// PutS16 encodes int16 samples into the interleaved byte buffer, growing it
// if needed.
func (f *Audio) PutS16(samples []int16) {
	if len(f.Samples) < 2*len(samples) {
		f.Samples = make([]byte, 2*len(samples))
	}
	for i, s := range samples {
		f.Samples[2*i] = byte(s)
		f.Samples[2*i+1] = byte(s >> 8)
	}
	f.Samples = f.Samples[:2*len(samples)]
}
