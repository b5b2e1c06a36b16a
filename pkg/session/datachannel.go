package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/voxpeer/rtcsession/pkg/engine"
)

// MaxDataChannelID is the largest SCTP stream ID usable for out-of-band
// negotiated channels.
const MaxDataChannelID = 0xFFFF

// DataChannel is a bidirectional message pipe over the connection's SCTP
// association. Channels created with a non-negative ID are negotiated
// out-of-band and both peers must create them with the same ID; channels
// created with a negative ID are announced in-band and get their ID assigned
// by the engine when they open.
type DataChannel struct {
	pc       *PeerConnection
	eng      engine.DataChannel
	label    string
	ordered  bool
	reliable bool
	remote   bool

	removed atomic.Bool

	cbMu       sync.RWMutex
	onOpen     func()
	onClose    func()
	onMessage  func(data []byte)
	onBuffered func(previous, current, limit uint64)
}

// AddDataChannel creates a data channel. id in [0, 65535] selects
// out-of-band negotiation with a fixed stream ID; a negative id requests
// in-band announcement with automatic assignment, in which case ID returns
// -1 until the channel opens. Creating any channel requires that the remote
// peer has not declined SCTP in a previous negotiation.
func (pc *PeerConnection) AddDataChannel(id int, label string, ordered, reliable bool) (*DataChannel, error) {
	if id > MaxDataChannelID {
		return nil, fmt.Errorf("%w: channel id %d exceeds %d", ErrArgumentOutOfRange, id, MaxDataChannelID)
	}
	if id < 0 {
		id = -1
	}
	conn, err := pc.requireOpen()
	if err != nil {
		return nil, err
	}

	pc.entMu.Lock()
	if !pc.sctpNegotiated {
		pc.entMu.Unlock()
		return nil, ErrNotNegotiated
	}
	if id >= 0 {
		if _, taken := pc.channelsByID[id]; taken {
			pc.entMu.Unlock()
			return nil, fmt.Errorf("%w: channel id %d already in use", ErrArgumentInvalid, id)
		}
		// Reserve the slot so a concurrent AddDataChannel with the same ID
		// fails while the engine call below is still running.
		pc.channelsByID[id] = nil
	}
	pc.entMu.Unlock()

	edc, err := conn.CreateDataChannel(engine.DataChannelConfig{
		ID:       id,
		Label:    label,
		Ordered:  ordered,
		Reliable: reliable,
	})
	if err != nil {
		if id >= 0 {
			pc.entMu.Lock()
			delete(pc.channelsByID, id)
			pc.entMu.Unlock()
		}
		return nil, fmt.Errorf("%w: %v", ErrArgumentInvalid, err)
	}

	dc := newDataChannel(pc, edc, label, ordered, reliable)
	pc.registerChannel(dc)

	if f := pc.OnDataChannelAdded; f != nil {
		f(dc)
	}
	return dc, nil
}

// RemoveDataChannel closes a channel and detaches it from the connection.
// Removing an already removed channel is a no-op.
func (pc *PeerConnection) RemoveDataChannel(dc *DataChannel) {
	if dc == nil || dc.removed.Load() {
		return
	}
	pc.unregisterChannel(dc)
	dc.shutdown()

	if f := pc.OnDataChannelRemoved; f != nil {
		f(dc)
	}
}

// RemoveAllDataChannels closes every channel on the connection.
func (pc *PeerConnection) RemoveAllDataChannels() {
	pc.entMu.Lock()
	chans := pc.channels
	pc.channels = nil
	pc.channelsByID = make(map[int]*DataChannel)
	pc.entMu.Unlock()

	for _, dc := range chans {
		dc.shutdown()
		if f := pc.OnDataChannelRemoved; f != nil {
			f(dc)
		}
	}
}

// DataChannels returns a snapshot of the connection's channels.
func (pc *PeerConnection) DataChannels() []*DataChannel {
	pc.entMu.Lock()
	defer pc.entMu.Unlock()
	out := make([]*DataChannel, len(pc.channels))
	copy(out, pc.channels)
	return out
}

func (pc *PeerConnection) registerChannel(dc *DataChannel) {
	pc.entMu.Lock()
	pc.channels = append(pc.channels, dc)
	if id := dc.eng.ID(); id >= 0 {
		pc.channelsByID[id] = dc
	}
	pc.entMu.Unlock()
}

// adoptChannelID records an in-band channel's ID once the engine assigns it.
func (pc *PeerConnection) adoptChannelID(dc *DataChannel) {
	pc.entMu.Lock()
	if id := dc.eng.ID(); id >= 0 {
		pc.channelsByID[id] = dc
	}
	pc.entMu.Unlock()
}

func (pc *PeerConnection) unregisterChannel(dc *DataChannel) {
	pc.entMu.Lock()
	for i, cur := range pc.channels {
		if cur == dc {
			pc.channels = append(pc.channels[:i], pc.channels[i+1:]...)
			break
		}
	}
	if id := dc.eng.ID(); id >= 0 && pc.channelsByID[id] == dc {
		delete(pc.channelsByID, id)
	}
	pc.entMu.Unlock()
}

func newDataChannel(pc *PeerConnection, edc engine.DataChannel, label string, ordered, reliable bool) *DataChannel {
	dc := &DataChannel{
		pc:       pc,
		eng:      edc,
		label:    label,
		ordered:  ordered,
		reliable: reliable,
	}
	edc.OnStateChange(dc.handleState)
	edc.OnMessage(dc.handleMessage)
	edc.OnBufferedAmountChange(dc.handleBuffered)
	return dc
}

// ID returns the channel's SCTP stream ID, or -1 while an in-band channel is
// still negotiating.
func (dc *DataChannel) ID() int { return dc.eng.ID() }

// Label returns the channel's label.
func (dc *DataChannel) Label() string { return dc.label }

// Ordered reports whether messages are delivered in order.
func (dc *DataChannel) Ordered() bool { return dc.ordered }

// Reliable reports whether delivery is retransmitted until acknowledged.
func (dc *DataChannel) Reliable() bool { return dc.reliable }

// Remote reports whether the channel was opened in-band by the remote peer.
func (dc *DataChannel) Remote() bool { return dc.remote }

// State returns the channel's lifecycle state.
func (dc *DataChannel) State() engine.DataChannelState { return dc.eng.State() }

// Send queues one message. It fails if the channel is not open or the send
// buffer is full.
func (dc *DataChannel) Send(data []byte) error {
	if dc.removed.Load() {
		return fmt.Errorf("%w: channel removed", ErrInvalidState)
	}
	if s := dc.eng.State(); s != engine.DataChannelStateOpen {
		return fmt.Errorf("%w: channel is %s", ErrInvalidState, s)
	}
	return dc.eng.Send(data)
}

// BufferedAmount returns the bytes queued but not yet handed to the
// transport.
func (dc *DataChannel) BufferedAmount() uint64 { return dc.eng.BufferedAmount() }

// MaxBufferedAmount returns the send buffer limit.
func (dc *DataChannel) MaxBufferedAmount() uint64 { return dc.eng.MaxBufferedAmount() }

// SetOnOpen installs the callback fired when the channel becomes usable.
func (dc *DataChannel) SetOnOpen(fn func()) {
	dc.cbMu.Lock()
	dc.onOpen = fn
	dc.cbMu.Unlock()
}

// SetOnClose installs the callback fired when the channel closes.
func (dc *DataChannel) SetOnClose(fn func()) {
	dc.cbMu.Lock()
	dc.onClose = fn
	dc.cbMu.Unlock()
}

// SetOnMessage installs the callback receiving inbound messages. It runs on
// an engine thread; the data slice is only valid for the duration of the
// call.
func (dc *DataChannel) SetOnMessage(fn func(data []byte)) {
	dc.cbMu.Lock()
	dc.onMessage = fn
	dc.cbMu.Unlock()
}

// SetOnBufferedAmountChange installs the backpressure callback. It receives
// the previous and current buffered byte counts plus the buffer limit, so
// senders can watch for crossings of their own watermarks in either
// direction.
func (dc *DataChannel) SetOnBufferedAmountChange(fn func(previous, current, limit uint64)) {
	dc.cbMu.Lock()
	dc.onBuffered = fn
	dc.cbMu.Unlock()
}

// Close removes the channel from its connection. Equivalent to
// PeerConnection.RemoveDataChannel.
func (dc *DataChannel) Close() error {
	dc.pc.RemoveDataChannel(dc)
	return nil
}

func (dc *DataChannel) handleState(s engine.DataChannelState) {
	switch s {
	case engine.DataChannelStateOpen:
		// In-band channels learn their ID at open.
		dc.pc.adoptChannelID(dc)
		dc.cbMu.RLock()
		fn := dc.onOpen
		dc.cbMu.RUnlock()
		if fn != nil {
			fn()
		}
	case engine.DataChannelStateClosed:
		dc.cbMu.RLock()
		fn := dc.onClose
		dc.cbMu.RUnlock()
		if fn != nil {
			fn()
		}
	}
}

func (dc *DataChannel) handleMessage(data []byte) {
	dc.cbMu.RLock()
	fn := dc.onMessage
	dc.cbMu.RUnlock()
	if fn != nil {
		fn(data)
	}
}

func (dc *DataChannel) handleBuffered(previous, current uint64) {
	dc.cbMu.RLock()
	fn := dc.onBuffered
	dc.cbMu.RUnlock()
	if fn != nil {
		fn(previous, current, dc.eng.MaxBufferedAmount())
	}
}

// shutdown closes the engine channel once. Callback teardown is driven by
// the engine's closed state event.
func (dc *DataChannel) shutdown() {
	if !dc.removed.CompareAndSwap(false, true) {
		return
	}
	if err := dc.eng.Close(); err != nil {
		dc.pc.log.Warnf("closing channel %q: %v", dc.label, err)
	}
}
