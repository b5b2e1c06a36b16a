package pionengine

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/voxpeer/rtcsession/pkg/engine"
)

// defaultMaxBuffered mirrors the send buffer limit common to browser SCTP
// implementations; pion itself does not cap the buffer.
const defaultMaxBuffered = 16 << 20

type dataChannel struct {
	dc *webrtc.DataChannel

	lastBuffered atomic.Uint64

	mu         sync.RWMutex
	onState    func(engine.DataChannelState)
	onMessage  func([]byte)
	onBuffered func(previous, current uint64)
}

var _ engine.DataChannel = (*dataChannel)(nil)

func newDataChannel(dc *webrtc.DataChannel) *dataChannel {
	d := &dataChannel{dc: dc}
	dc.OnOpen(func() { d.fireState(engine.DataChannelStateOpen) })
	dc.OnClose(func() { d.fireState(engine.DataChannelStateClosed) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		d.mu.RLock()
		fn := d.onMessage
		d.mu.RUnlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
	// pion only signals the low watermark; synthesize a transition from the
	// last amount we observed.
	dc.SetBufferedAmountLowThreshold(defaultMaxBuffered / 4)
	dc.OnBufferedAmountLow(func() {
		d.reportBuffered(dc.BufferedAmount())
	})
	return d
}

func (d *dataChannel) ID() int {
	if id := d.dc.ID(); id != nil {
		return int(*id)
	}
	return -1
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) Ordered() bool { return d.dc.Ordered() }

func (d *dataChannel) Reliable() bool {
	return d.dc.MaxRetransmits() == nil && d.dc.MaxPacketLifeTime() == nil
}

func (d *dataChannel) State() engine.DataChannelState {
	switch d.dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return engine.DataChannelStateOpen
	case webrtc.DataChannelStateClosing:
		return engine.DataChannelStateClosing
	case webrtc.DataChannelStateClosed:
		return engine.DataChannelStateClosed
	default:
		return engine.DataChannelStateConnecting
	}
}

func (d *dataChannel) Send(data []byte) error {
	if err := d.dc.Send(data); err != nil {
		return err
	}
	d.reportBuffered(d.dc.BufferedAmount())
	return nil
}

func (d *dataChannel) BufferedAmount() uint64 { return d.dc.BufferedAmount() }

func (d *dataChannel) MaxBufferedAmount() uint64 { return defaultMaxBuffered }

func (d *dataChannel) OnStateChange(fn func(engine.DataChannelState)) {
	d.mu.Lock()
	d.onState = fn
	d.mu.Unlock()
}

func (d *dataChannel) OnMessage(fn func([]byte)) {
	d.mu.Lock()
	d.onMessage = fn
	d.mu.Unlock()
}

func (d *dataChannel) OnBufferedAmountChange(fn func(previous, current uint64)) {
	d.mu.Lock()
	d.onBuffered = fn
	d.mu.Unlock()
}

func (d *dataChannel) Close() error { return d.dc.Close() }

func (d *dataChannel) fireState(s engine.DataChannelState) {
	d.mu.RLock()
	fn := d.onState
	d.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (d *dataChannel) reportBuffered(current uint64) {
	previous := d.lastBuffered.Swap(current)
	if previous == current {
		return
	}
	d.mu.RLock()
	fn := d.onBuffered
	d.mu.RUnlock()
	if fn != nil {
		fn(previous, current)
	}
}
