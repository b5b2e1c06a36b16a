package session

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/voxpeer/rtcsession/pkg/engine"
	"github.com/voxpeer/rtcsession/pkg/frame"
)

// VideoTrackConfig configures CreateVideoTrack. An empty DeviceID creates an
// external track fed through WriteVideoFrame; otherwise the engine captures
// from the named device.
type VideoTrackConfig struct {
	DeviceID string
	Width    int     // default 640
	Height   int     // default 480
	FPS      float64 // default 30
}

// AudioTrackConfig configures CreateAudioTrack. An empty DeviceID creates an
// external track fed through WriteAudioFrame.
type AudioTrackConfig struct {
	DeviceID   string
	SampleRate int // default 48000
	Channels   int // default 1
}

// LocalTrack is a sendable media track backed by an engine source. It stays
// unattached until bound to a transceiver with SetLocalTrack.
type LocalTrack struct {
	pc   *PeerConnection
	eng  engine.Track
	kind engine.MediaKind
	name string

	// Frame geometry, kept for substitution while the track is disabled.
	width, height        int
	sampleRate, channels int

	enabled atomic.Bool
	owner   atomic.Pointer[Transceiver]
	handle  *refHandle
}

// CreateVideoTrack builds a local video track. Device acquisition can block,
// so the work runs on the connection's worker pool; cancelling ctx abandons
// the wait and disposes of the track once the engine finishes creating it.
func (pc *PeerConnection) CreateVideoTrack(ctx context.Context, name string, cfg VideoTrackConfig) (*LocalTrack, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: track name required", ErrArgumentInvalid)
	}
	conn, err := pc.requireOpen()
	if err != nil {
		return nil, err
	}
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}

	src, trk, err := pc.createTrack(ctx, func() (engine.Source, error) {
		return conn.CreateVideoSource(engine.VideoSourceConfig{
			DeviceID: cfg.DeviceID,
			Width:    cfg.Width,
			Height:   cfg.Height,
			FPS:      cfg.FPS,
		})
	}, conn, engine.MediaKindVideo, name)
	if err != nil {
		return nil, err
	}

	lt := &LocalTrack{
		pc:     pc,
		eng:    trk,
		kind:   engine.MediaKindVideo,
		name:   name,
		width:  cfg.Width,
		height: cfg.Height,
	}
	lt.enabled.Store(true)
	lt.handle = newRefHandle(1, func() {
		_ = trk.Close()
		_ = src.Close()
	})
	return lt, nil
}

// CreateAudioTrack builds a local audio track. See CreateVideoTrack for the
// threading and cancellation rules.
func (pc *PeerConnection) CreateAudioTrack(ctx context.Context, name string, cfg AudioTrackConfig) (*LocalTrack, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: track name required", ErrArgumentInvalid)
	}
	conn, err := pc.requireOpen()
	if err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	src, trk, err := pc.createTrack(ctx, func() (engine.Source, error) {
		return conn.CreateAudioSource(engine.AudioSourceConfig{
			DeviceID:   cfg.DeviceID,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
		})
	}, conn, engine.MediaKindAudio, name)
	if err != nil {
		return nil, err
	}

	lt := &LocalTrack{
		pc:         pc,
		eng:        trk,
		kind:       engine.MediaKindAudio,
		name:       name,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
	}
	lt.enabled.Store(true)
	lt.handle = newRefHandle(1, func() {
		_ = trk.Close()
		_ = src.Close()
	})
	return lt, nil
}

func (pc *PeerConnection) createTrack(ctx context.Context, openSource func() (engine.Source, error), conn engine.Connection, kind engine.MediaKind, name string) (engine.Source, engine.Track, error) {
	type result struct {
		src engine.Source
		trk engine.Track
		err error
	}
	ch := make(chan result, 1)
	pc.workers.Submit(func() {
		src, err := openSource()
		if err != nil {
			ch <- result{err: fmt.Errorf("open source for track %q: %w", name, err)}
			return
		}
		trk, err := conn.CreateLocalTrack(kind, name, src)
		if err != nil {
			_ = src.Close()
			ch <- result{err: fmt.Errorf("create track %q: %w", name, err)}
			return
		}
		ch <- result{src: src, trk: trk}
	})

	select {
	case res := <-ch:
		return res.src, res.trk, res.err
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.err == nil {
				_ = res.trk.Close()
				_ = res.src.Close()
			}
		}()
		return nil, nil, fmt.Errorf("%w: %v", ErrOperationCancelled, ctx.Err())
	}
}

// Kind returns the track's media type.
func (t *LocalTrack) Kind() engine.MediaKind { return t.kind }

// Name returns the track's identifier.
func (t *LocalTrack) Name() string { return t.name }

// Transceiver returns the transceiver the track is bound to, or nil.
func (t *LocalTrack) Transceiver() *Transceiver { return t.owner.Load() }

// Enabled reports whether the track carries real media.
func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

// SetEnabled switches the track between real media and filler. A disabled
// track keeps streaming black frames or silence so the media line stays
// negotiated; re-enabling is instant and triggers no renegotiation.
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// WriteVideoFrame feeds one frame to the engine. While the track is disabled
// the frame's content is replaced with black of the same geometry.
func (t *LocalTrack) WriteVideoFrame(f *frame.Video) error {
	if t.kind != engine.MediaKindVideo {
		return fmt.Errorf("%w: audio track", ErrArgumentInvalid)
	}
	if !t.handle.alive() {
		return fmt.Errorf("%w: track closed", ErrInvalidState)
	}
	if !t.enabled.Load() {
		sub := frame.NewBlack(f.Width, f.Height)
		sub.Timestamp = f.Timestamp
		return t.eng.PushVideoFrame(sub)
	}
	return t.eng.PushVideoFrame(f)
}

// WriteAudioFrame feeds one frame to the engine. While the track is disabled
// the frame's content is replaced with silence of the same duration.
func (t *LocalTrack) WriteAudioFrame(f *frame.Audio) error {
	if t.kind != engine.MediaKindAudio {
		return fmt.Errorf("%w: video track", ErrArgumentInvalid)
	}
	if !t.handle.alive() {
		return fmt.Errorf("%w: track closed", ErrInvalidState)
	}
	if !t.enabled.Load() {
		sub := frame.NewSilence(f.SampleRate, f.Channels, f.SampleCount)
		sub.Timestamp = f.Timestamp
		return t.eng.PushAudioFrame(sub)
	}
	return t.eng.PushAudioFrame(f)
}

// Close detaches the track from its transceiver, if bound, and releases the
// engine track and its source.
func (t *LocalTrack) Close() error {
	if tr := t.owner.Load(); tr != nil {
		if err := tr.SetLocalTrack(nil); err != nil {
			t.pc.log.Warnf("detaching track %q: %v", t.name, err)
		}
	}
	t.handle.dropIfAlive()
	return nil
}

func (t *LocalTrack) bind(tr *Transceiver) bool {
	return t.owner.CompareAndSwap(nil, tr)
}

func (t *LocalTrack) unbind(tr *Transceiver) {
	t.owner.CompareAndSwap(tr, nil)
}

// RemoteTrack is a track received from the remote peer. It is owned jointly
// by the connection and its transceiver: the engine object is released only
// once both have let go, at track removal or connection close.
type RemoteTrack struct {
	pc     *PeerConnection
	tr     *Transceiver
	eng    engine.Track
	kind   engine.MediaKind
	name   string
	muted  atomic.Bool
	handle *refHandle
}

func newRemoteTrack(pc *PeerConnection, tr *Transceiver, track engine.Track, kind engine.MediaKind, name string) *RemoteTrack {
	rt := &RemoteTrack{
		pc:   pc,
		tr:   tr,
		eng:  track,
		kind: kind,
		name: name,
	}
	// One share for the connection's track list, one for the transceiver's
	// receive slot.
	rt.handle = newRefHandle(2, func() {
		_ = track.Close()
	})
	return rt
}

// Kind returns the track's media type.
func (t *RemoteTrack) Kind() engine.MediaKind { return t.kind }

// Name returns the track name advertised by the remote peer.
func (t *RemoteTrack) Name() string { return t.name }

// Transceiver returns the media line carrying this track.
func (t *RemoteTrack) Transceiver() *Transceiver { return t.tr }

// OutputMuted reports whether local delivery is suppressed.
func (t *RemoteTrack) OutputMuted() bool { return t.muted.Load() }

// SetOutputMuted suppresses or resumes local frame delivery. The remote peer
// keeps sending; only the sink callbacks go quiet.
func (t *RemoteTrack) SetOutputMuted(muted bool) {
	t.muted.Store(muted)
}

// SetVideoSink installs the callback receiving decoded video frames. The
// sink runs on the engine's decode thread and must copy and return quickly.
// Pass nil to uninstall.
func (t *RemoteTrack) SetVideoSink(sink func(*frame.Video)) error {
	if t.kind != engine.MediaKindVideo {
		return fmt.Errorf("%w: audio track", ErrArgumentInvalid)
	}
	if !t.handle.alive() {
		return fmt.Errorf("%w: track removed", ErrInvalidState)
	}
	if sink == nil {
		return t.eng.SetVideoSink(nil)
	}
	return t.eng.SetVideoSink(func(f *frame.Video) {
		if t.muted.Load() {
			return
		}
		sink(f)
	})
}

// SetAudioSink installs the callback receiving decoded audio frames. See
// SetVideoSink for the threading rules.
func (t *RemoteTrack) SetAudioSink(sink func(*frame.Audio)) error {
	if t.kind != engine.MediaKindAudio {
		return fmt.Errorf("%w: video track", ErrArgumentInvalid)
	}
	if !t.handle.alive() {
		return fmt.Errorf("%w: track removed", ErrInvalidState)
	}
	if sink == nil {
		return t.eng.SetAudioSink(nil)
	}
	return t.eng.SetAudioSink(func(f *frame.Audio) {
		if t.muted.Load() {
			return
		}
		sink(f)
	})
}
