package native

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/voxpeer/rtcsession/pkg/engine"
	"github.com/voxpeer/rtcsession/pkg/frame"
)

type transceiver struct {
	conn   *conn
	handle uintptr
	kind   engine.MediaKind
}

func (t *transceiver) SetDirection(dir engine.Direction) error {
	return shimError(shimTransceiverDirection(t.handle, int32(dir)))
}

func (t *transceiver) SetLocalTrack(lt engine.Track) error {
	var h uintptr
	if lt != nil {
		nt, ok := lt.(*track)
		if !ok {
			return errInvalidParam
		}
		h = nt.handle
	}
	return shimError(shimTransceiverSetTrack(t.handle, h))
}

func (t *transceiver) Mid() string {
	var buf [64]byte
	n := shimTransceiverMid(t.handle, uintptr(unsafe.Pointer(&buf[0])), int32(len(buf)))
	if n <= 0 {
		return ""
	}
	return string(buf[:n])
}

type track struct {
	handle uintptr
	kind   engine.MediaKind

	videoSink atomic.Pointer[func(*frame.Video)]
	audioSink atomic.Pointer[func(*frame.Audio)]
}

func (t *track) Kind() engine.MediaKind { return t.kind }

func (t *track) PushVideoFrame(f *frame.Video) error {
	if t.kind != engine.MediaKindVideo {
		return errInvalidParam
	}
	if f.Format != frame.PixelFormatI420 || len(f.Data) != 3 || len(f.Stride) != 3 {
		return errNotSupported
	}
	code := shimTrackPushVideo(t.handle,
		uintptr(unsafe.Pointer(&f.Data[0][0])),
		uintptr(unsafe.Pointer(&f.Data[1][0])),
		uintptr(unsafe.Pointer(&f.Data[2][0])),
		int32(f.Stride[0]), int32(f.Stride[1]), int32(f.Stride[2]),
		int32(f.Width), int32(f.Height),
		f.Timestamp.Microseconds())
	runtime.KeepAlive(f)
	return shimError(code)
}

func (t *track) PushAudioFrame(f *frame.Audio) error {
	if t.kind != engine.MediaKindAudio {
		return errInvalidParam
	}
	if len(f.Samples) == 0 {
		return errInvalidParam
	}
	code := shimTrackPushAudio(t.handle,
		uintptr(unsafe.Pointer(&f.Samples[0])),
		int32(f.SampleCount), int32(f.SampleRate), int32(f.Channels),
		f.Timestamp.Microseconds())
	runtime.KeepAlive(f)
	return shimError(code)
}

func (t *track) SetVideoSink(sink func(*frame.Video)) error {
	if t.kind != engine.MediaKindVideo {
		return errInvalidParam
	}
	if sink == nil {
		t.videoSink.Store(nil)
		return shimError(shimTrackSetSink(t.handle, t.handle, 0, 0))
	}
	t.videoSink.Store(&sink)
	return shimError(shimTrackSetSink(t.handle, t.handle, videoSinkCallbackPtr, 0))
}

func (t *track) SetAudioSink(sink func(*frame.Audio)) error {
	if t.kind != engine.MediaKindAudio {
		return errInvalidParam
	}
	if sink == nil {
		t.audioSink.Store(nil)
		return shimError(shimTrackSetSink(t.handle, t.handle, 0, 0))
	}
	t.audioSink.Store(&sink)
	return shimError(shimTrackSetSink(t.handle, t.handle, 0, audioSinkCallbackPtr))
}

func (t *track) Close() error {
	t.videoSink.Store(nil)
	t.audioSink.Store(nil)
	registryMu.Lock()
	delete(trackRegistry, t.handle)
	registryMu.Unlock()
	return shimError(shimTrackClose(t.handle))
}

type source struct {
	handle uintptr
	closed atomic.Bool
}

func (s *source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return shimError(shimSourceClose(s.handle))
}

type dataChannel struct {
	handle   uintptr
	label    string
	ordered  bool
	reliable bool

	cbMu       sync.Mutex
	onState    func(engine.DataChannelState)
	onMessage  func([]byte)
	onBuffered func(previous, current uint64)
}

// The shim caps every channel's send buffer at the same watermark.
const shimMaxBufferedAmount = 16 << 20

func (d *dataChannel) ID() int {
	return int(shimDataChannelID(d.handle))
}

func (d *dataChannel) Label() string { return d.label }

func (d *dataChannel) Ordered() bool { return d.ordered }

func (d *dataChannel) Reliable() bool { return d.reliable }

func (d *dataChannel) State() engine.DataChannelState {
	return engine.DataChannelState(shimDataChannelState(d.handle))
}

func (d *dataChannel) Send(data []byte) error {
	if len(data) == 0 {
		return errInvalidParam
	}
	code := shimDataChannelSend(d.handle, uintptr(unsafe.Pointer(&data[0])), int32(len(data)))
	runtime.KeepAlive(data)
	return shimError(code)
}

func (d *dataChannel) BufferedAmount() uint64 {
	return shimDataChannelBuffered(d.handle)
}

func (d *dataChannel) MaxBufferedAmount() uint64 {
	return shimMaxBufferedAmount
}

func (d *dataChannel) OnStateChange(fn func(engine.DataChannelState)) {
	d.cbMu.Lock()
	d.onState = fn
	d.cbMu.Unlock()
}

func (d *dataChannel) OnMessage(fn func([]byte)) {
	d.cbMu.Lock()
	d.onMessage = fn
	d.cbMu.Unlock()
}

func (d *dataChannel) OnBufferedAmountChange(fn func(previous, current uint64)) {
	d.cbMu.Lock()
	d.onBuffered = fn
	d.cbMu.Unlock()
}

func (d *dataChannel) deliverState(s engine.DataChannelState) {
	d.cbMu.Lock()
	fn := d.onState
	d.cbMu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (d *dataChannel) deliverMessage(data []byte) {
	d.cbMu.Lock()
	fn := d.onMessage
	d.cbMu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (d *dataChannel) deliverBuffered(previous, current uint64) {
	d.cbMu.Lock()
	fn := d.onBuffered
	d.cbMu.Unlock()
	if fn != nil {
		fn(previous, current)
	}
}

func (d *dataChannel) Close() error {
	return shimError(shimDataChannelClose(d.handle))
}
