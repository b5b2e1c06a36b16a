// Package frame provides the video and audio frame types exchanged between
// the session core and a media engine.
package frame

import "time"

// PixelFormat identifies the layout of video frame data.
type PixelFormat int

const (
	// PixelFormatI420 is YUV 4:2:0 planar: Y plane, U plane, V plane.
	PixelFormatI420 PixelFormat = iota

	// PixelFormatEncoded carries a compressed bitstream in a single plane,
	// for engines that hand media over without decoding.
	PixelFormatEncoded
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatI420:
		return "I420"
	case PixelFormatEncoded:
		return "encoded"
	default:
		return "unknown"
	}
}

// Video is one video frame. Frames delivered by engine callbacks are only
// valid for the duration of the callback; receivers that keep a frame must
// Clone it.
type Video struct {
	Width  int
	Height int
	Format PixelFormat

	// Data holds the planes: [Y, U, V] for I420, a single plane for
	// encoded payloads.
	Data [][]byte

	// Stride is bytes per row for each plane. Empty for encoded payloads.
	Stride []int

	// Timestamp is the presentation time.
	Timestamp time.Duration

	// Keyframe marks decoder-refresh frames for encoded payloads.
	Keyframe bool
}

// NewI420 allocates an I420 frame with tightly packed planes.
func NewI420(width, height int) *Video {
	chromaW := (width + 1) / 2
	chromaH := (height + 1) / 2
	return &Video{
		Width:  width,
		Height: height,
		Format: PixelFormatI420,
		Data: [][]byte{
			make([]byte, width*height),
			make([]byte, chromaW*chromaH),
			make([]byte, chromaW*chromaH),
		},
		Stride: []int{width, chromaW, chromaW},
	}
}

// NewBlack returns an I420 frame of the given size that renders as black.
// Used to keep a disabled track's frame cadence alive without content.
func NewBlack(width, height int) *Video {
	f := NewI420(width, height)
	// Y=16, U=V=128 is black in limited-range YUV.
	for i := range f.Data[0] {
		f.Data[0][i] = 16
	}
	for i := range f.Data[1] {
		f.Data[1][i] = 128
	}
	for i := range f.Data[2] {
		f.Data[2][i] = 128
	}
	return f
}

// Clone deep-copies the frame.
func (f *Video) Clone() *Video {
	c := &Video{
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Timestamp: f.Timestamp,
		Keyframe:  f.Keyframe,
		Data:      make([][]byte, len(f.Data)),
		Stride:    append([]int(nil), f.Stride...),
	}
	for i, plane := range f.Data {
		c.Data[i] = append([]byte(nil), plane...)
	}
	return c
}
