package native

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/voxpeer/rtcsession/pkg/engine"
	"github.com/voxpeer/rtcsession/pkg/frame"
)

// Event kinds, int32 to match the shim's C enum.
const (
	evtLocalDescription   int32 = 1
	evtICECandidate       int32 = 2
	evtICEState           int32 = 3
	evtGatheringState     int32 = 4
	evtConnected          int32 = 5
	evtRenegotiation      int32 = 6
	evtTransceiverAdded   int32 = 7
	evtTransceiverState   int32 = 8
	evtTrackAdded         int32 = 9
	evtTrackRemoved       int32 = 10
	evtDataChannelAdded   int32 = 11
	evtDataChannelRemoved int32 = 12
	evtDataChannelState   int32 = 13
	evtDataChannelMessage int32 = 14
	evtDataChannelBuffer  int32 = 15
	evtSCTPNegotiated     int32 = 16
	evtFatalError         int32 = 17
)

// The shim invokes callbacks from its signaling and worker threads with a
// connection handle as context. purego.NewCallback pins a trampoline for the
// lifetime of the process, so exactly one is created per signature and the
// target object is looked up in a registry keyed by handle.
var (
	registryMu    sync.RWMutex
	connRegistry  = map[uintptr]*conn{}
	trackRegistry = map[uintptr]*track{}

	eventCallbackPtr      uintptr
	completionCallbackPtr uintptr
	videoSinkCallbackPtr  uintptr
	audioSinkCallbackPtr  uintptr
)

var callbacksOnce sync.Once

func initCallbacks() {
	callbacksOnce.Do(func() {
		eventCallbackPtr = purego.NewCallback(onShimEvent)
		completionCallbackPtr = purego.NewCallback(onShimCompletion)
		videoSinkCallbackPtr = purego.NewCallback(onShimVideoFrame)
		audioSinkCallbackPtr = purego.NewCallback(onShimAudioFrame)
		shimSetCompletionCallback(completionCallbackPtr)
	})
}

func lookupConn(ctx uintptr) *conn {
	registryMu.RLock()
	c := connRegistry[ctx]
	registryMu.RUnlock()
	return c
}

func lookupTrack(ctx uintptr) *track {
	registryMu.RLock()
	t := trackRegistry[ctx]
	registryMu.RUnlock()
	return t
}

// goBytes copies n bytes of C memory. The shim only guarantees the buffer
// for the duration of the callback.
func goBytes(ptr uintptr, n int32) []byte {
	if ptr == 0 || n <= 0 {
		return nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(n))
	out := make([]byte, len(src))
	copy(out, src)
	return out
}

func goString(ptr uintptr, n int32) string {
	return string(goBytes(ptr, n))
}

// onShimEvent is the single event trampoline. h carries the entity the event
// concerns, a and b carry scalar arguments, s and data carry strings or
// payloads by kind.
func onShimEvent(ctx uintptr, kind int32, h uintptr, a, b int64, s uintptr, slen int32, data uintptr, datalen int32) uintptr {
	c := lookupConn(ctx)
	if c == nil || c.closed.Load() {
		return 0
	}
	hs := c.handlers

	switch kind {
	case evtLocalDescription:
		if hs.OnLocalDescription != nil {
			hs.OnLocalDescription(engine.SessionDescription{
				Type: engine.SDPType(a),
				SDP:  goString(s, slen),
			})
		}
	case evtICECandidate:
		if hs.OnICECandidate != nil {
			hs.OnICECandidate(engine.ICECandidate{
				Candidate:     goString(s, slen),
				SDPMid:        goString(data, datalen),
				SDPMLineIndex: int(a),
			})
		}
	case evtICEState:
		if hs.OnICEStateChanged != nil {
			hs.OnICEStateChanged(engine.ICEState(a))
		}
	case evtGatheringState:
		if hs.OnGatheringStateChanged != nil {
			hs.OnGatheringStateChanged(engine.GatheringState(a))
		}
	case evtConnected:
		if hs.OnConnected != nil {
			hs.OnConnected()
		}
	case evtRenegotiation:
		if hs.OnRenegotiationNeeded != nil {
			hs.OnRenegotiationNeeded()
		}
	case evtTransceiverAdded:
		tr := c.adoptTransceiver(h, engine.MediaKind(a))
		if hs.OnTransceiverAdded != nil {
			hs.OnTransceiverAdded(tr, engine.MediaKind(a), int(b),
				goString(s, slen), splitStreamIDs(goString(data, datalen)))
		}
	case evtTransceiverState:
		if tr := c.transceiverFor(h); tr != nil && hs.OnTransceiverStateUpdated != nil {
			hs.OnTransceiverStateUpdated(tr, engine.OptDirection(a))
		}
	case evtTrackAdded:
		tr := c.transceiverFor(h)
		if tr == nil {
			return 0
		}
		t := c.adoptTrack(uintptr(a), engine.MediaKind(b))
		if hs.OnTrackAdded != nil {
			hs.OnTrackAdded(tr, t, engine.MediaKind(b), goString(s, slen))
		}
	case evtTrackRemoved:
		tr := c.transceiverFor(h)
		t := c.releaseTrack(uintptr(a))
		if tr != nil && t != nil && hs.OnTrackRemoved != nil {
			hs.OnTrackRemoved(tr, t)
		}
	case evtDataChannelAdded:
		dc := c.adoptDataChannel(h, goString(s, slen), b)
		if hs.OnDataChannelAdded != nil {
			hs.OnDataChannelAdded(dc)
		}
	case evtDataChannelRemoved:
		if dc := c.channelFor(h); dc != nil && hs.OnDataChannelRemoved != nil {
			hs.OnDataChannelRemoved(dc)
		}
	case evtDataChannelState:
		if dc := c.channelFor(h); dc != nil {
			dc.deliverState(engine.DataChannelState(a))
		}
	case evtDataChannelMessage:
		if dc := c.channelFor(h); dc != nil {
			dc.deliverMessage(goBytes(data, datalen))
		}
	case evtDataChannelBuffer:
		if dc := c.channelFor(h); dc != nil {
			dc.deliverBuffered(uint64(a), uint64(b))
		}
	case evtSCTPNegotiated:
		if hs.OnSCTPNegotiated != nil {
			hs.OnSCTPNegotiated(a != 0)
		}
	case evtFatalError:
		if hs.OnFatalError != nil {
			hs.OnFatalError(fmt.Errorf("native: engine failure %d: %s", a, goString(s, slen)))
		}
	}
	return 0
}

// onShimCompletion resolves an asynchronous SetRemoteDescription call. The
// shim delivers every event caused by the description before this fires.
func onShimCompletion(ctx uintptr, seq uint64, code int32, s uintptr, slen int32) uintptr {
	c := lookupConn(ctx)
	if c == nil {
		return 0
	}
	done := c.takeCompletion(seq)
	if done == nil {
		return 0
	}
	if code == shimOK {
		done(nil)
	} else if msg := goString(s, slen); msg != "" {
		done(fmt.Errorf("native: %s: %w", msg, shimError(code)))
	} else {
		done(shimError(code))
	}
	return 0
}

// onShimVideoFrame runs on the shim's decode thread. Planes are copied
// row by row to drop the stride padding before the sink sees the frame.
func onShimVideoFrame(ctx uintptr, width, height int32, y, u, v uintptr, yStride, uStride, vStride int32, timestampUs int64) uintptr {
	t := lookupTrack(ctx)
	if t == nil {
		return 0
	}
	sink := t.videoSink.Load()
	if sink == nil {
		return 0
	}
	if width <= 0 || height <= 0 || yStride < width || y == 0 || u == 0 || v == 0 {
		return 0
	}

	f := frame.NewI420(int(width), int(height))
	copyPlane(f.Data[0], int(width), int(height), y, int(yStride))
	chromaW := (int(width) + 1) / 2
	chromaH := (int(height) + 1) / 2
	copyPlane(f.Data[1], chromaW, chromaH, u, int(uStride))
	copyPlane(f.Data[2], chromaW, chromaH, v, int(vStride))
	f.Timestamp = time.Duration(timestampUs) * time.Microsecond

	(*sink)(f)
	return 0
}

func copyPlane(dst []byte, width, height int, src uintptr, stride int) {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(src)), height*stride)
	for row := 0; row < height; row++ {
		copy(dst[row*width:(row+1)*width], raw[row*stride:row*stride+width])
	}
}

func onShimAudioFrame(ctx uintptr, data uintptr, sampleCount, sampleRate, channels int32, timestampUs int64) uintptr {
	t := lookupTrack(ctx)
	if t == nil {
		return 0
	}
	sink := t.audioSink.Load()
	if sink == nil {
		return 0
	}
	if data == 0 || sampleCount <= 0 || channels <= 0 {
		return 0
	}

	f := &frame.Audio{
		SampleRate:  int(sampleRate),
		Channels:    int(channels),
		SampleCount: int(sampleCount),
		Samples:     goBytes(data, sampleCount*channels*2),
		Timestamp:   time.Duration(timestampUs) * time.Microsecond,
	}
	(*sink)(f)
	return 0
}
