package pionengine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/voxpeer/rtcsession/pkg/engine"
	"github.com/voxpeer/rtcsession/pkg/frame"
)

type transceiver struct {
	conn       *conn
	pt         *webrtc.RTPTransceiver
	name       string
	streamIDs  []string
	mlineIndex int

	mu    sync.Mutex
	local *localTrack
}

var _ engine.Transceiver = (*transceiver)(nil)

// SetDirection realizes the send half of the requested direction; pion
// computes the SDP direction attribute from the sender's track at the next
// negotiation.
func (t *transceiver) SetDirection(dir engine.Direction) error {
	sender := t.pt.Sender()
	if sender != nil {
		t.mu.Lock()
		local := t.local
		t.mu.Unlock()
		if dir.HasSend() && local != nil {
			if err := sender.ReplaceTrack(local.sample); err != nil {
				return err
			}
		} else if !dir.HasSend() {
			if err := sender.ReplaceTrack(nil); err != nil {
				return err
			}
		}
	}
	if f := t.conn.h.OnRenegotiationNeeded; f != nil && !t.conn.closeFuse.IsBroken() {
		f()
	}
	return nil
}

func (t *transceiver) SetLocalTrack(track engine.Track) error {
	sender := t.pt.Sender()
	if sender == nil {
		return errors.New("pionengine: transceiver has no sender, add it with a send direction")
	}
	if track == nil {
		t.mu.Lock()
		t.local = nil
		t.mu.Unlock()
		return sender.ReplaceTrack(nil)
	}
	lt, ok := track.(*localTrack)
	if !ok {
		return fmt.Errorf("pionengine: foreign track %T", track)
	}
	if err := sender.ReplaceTrack(lt.sample); err != nil {
		return err
	}
	t.mu.Lock()
	t.local = lt
	t.mu.Unlock()
	return nil
}

func (t *transceiver) Mid() string {
	return t.pt.Mid()
}

// localTrack feeds pre-encoded samples into a pion static sample track. The
// pion engine ships no codecs, so raster I420 or PCM input is rejected;
// encode upstream or use the native engine.
type localTrack struct {
	kind   engine.MediaKind
	name   string
	sample *webrtc.TrackLocalStaticSample
	closed atomic.Bool

	mu     sync.Mutex
	lastTS time.Duration
}

var _ engine.Track = (*localTrack)(nil)

func newLocalTrack(kind engine.MediaKind, name string) (*localTrack, error) {
	var capability webrtc.RTPCodecCapability
	if kind == engine.MediaKindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	} else {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	sample, err := webrtc.NewTrackLocalStaticSample(capability, name, name+"-stream")
	if err != nil {
		return nil, err
	}
	return &localTrack{kind: kind, name: name, sample: sample}, nil
}

func (t *localTrack) Kind() engine.MediaKind { return t.kind }

func (t *localTrack) PushVideoFrame(f *frame.Video) error {
	if t.closed.Load() {
		return errors.New("pionengine: track closed")
	}
	if f.Format != frame.PixelFormatEncoded {
		return errors.New("pionengine: raw frames not supported, push encoded bitstream")
	}
	return t.sample.WriteSample(media.Sample{
		Data:     f.Data[0],
		Duration: t.sampleDuration(f.Timestamp, 33*time.Millisecond),
	})
}

func (t *localTrack) PushAudioFrame(f *frame.Audio) error {
	if t.closed.Load() {
		return errors.New("pionengine: track closed")
	}
	duration := 20 * time.Millisecond
	if f.SampleRate > 0 && f.SampleCount > 0 {
		duration = time.Duration(f.SampleCount) * time.Second / time.Duration(f.SampleRate)
	}
	return t.sample.WriteSample(media.Sample{Data: f.Samples, Duration: duration})
}

// sampleDuration derives the sample duration from consecutive frame
// timestamps, falling back to a nominal one for the first frame or
// non-monotonic input.
func (t *localTrack) sampleDuration(ts, fallback time.Duration) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := fallback
	if t.lastTS > 0 && ts > t.lastTS {
		d = ts - t.lastTS
	}
	t.lastTS = ts
	return d
}

func (t *localTrack) SetVideoSink(func(*frame.Video)) error {
	return errors.New("pionengine: local tracks have no sink")
}

func (t *localTrack) SetAudioSink(func(*frame.Audio)) error {
	return errors.New("pionengine: local tracks have no sink")
}

func (t *localTrack) Close() error {
	t.closed.Store(true)
	return nil
}

// remoteTrack reads the RTP stream of a pion remote track and delivers each
// payload as an encoded frame. Depacketization into access units is the
// consumer's business.
type remoteTrack struct {
	rt       *webrtc.TrackRemote
	connDown *core.Fuse

	mu        sync.Mutex
	videoSink func(*frame.Video)
	audioSink func(*frame.Audio)
	loop      sync.Once
}

var _ engine.Track = (*remoteTrack)(nil)

func newRemoteTrack(rt *webrtc.TrackRemote, connDown *core.Fuse) *remoteTrack {
	return &remoteTrack{rt: rt, connDown: connDown}
}

func (t *remoteTrack) Kind() engine.MediaKind {
	return mediaKind(t.rt.Kind())
}

func (t *remoteTrack) PushVideoFrame(*frame.Video) error {
	return errors.New("pionengine: remote tracks are read-only")
}

func (t *remoteTrack) PushAudioFrame(*frame.Audio) error {
	return errors.New("pionengine: remote tracks are read-only")
}

func (t *remoteTrack) SetVideoSink(sink func(*frame.Video)) error {
	t.mu.Lock()
	t.videoSink = sink
	t.mu.Unlock()
	if sink != nil {
		t.loop.Do(func() { go t.readLoop() })
	}
	return nil
}

func (t *remoteTrack) SetAudioSink(sink func(*frame.Audio)) error {
	t.mu.Lock()
	t.audioSink = sink
	t.mu.Unlock()
	if sink != nil {
		t.loop.Do(func() { go t.readLoop() })
	}
	return nil
}

func (t *remoteTrack) readLoop() {
	clockRate := t.rt.Codec().ClockRate
	if clockRate == 0 {
		clockRate = 90000
	}
	for !t.connDown.IsBroken() {
		pkt, _, err := t.rt.ReadRTP()
		if err != nil {
			return
		}
		t.deliver(pkt, clockRate)
	}
}

func (t *remoteTrack) deliver(pkt *rtp.Packet, clockRate uint32) {
	ts := time.Duration(pkt.Timestamp) * time.Second / time.Duration(clockRate)

	t.mu.Lock()
	videoSink := t.videoSink
	audioSink := t.audioSink
	t.mu.Unlock()

	switch t.rt.Kind() {
	case webrtc.RTPCodecTypeVideo:
		if videoSink == nil {
			return
		}
		videoSink(&frame.Video{
			Format:    frame.PixelFormatEncoded,
			Data:      [][]byte{pkt.Payload},
			Stride:    []int{len(pkt.Payload)},
			Timestamp: ts,
		})
	case webrtc.RTPCodecTypeAudio:
		if audioSink == nil {
			return
		}
		audioSink(&frame.Audio{
			SampleRate: int(clockRate),
			Channels:   int(t.rt.Codec().Channels),
			Samples:    pkt.Payload,
			Timestamp:  ts,
		})
	}
}

func (t *remoteTrack) Close() error { return nil }
