package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/voxpeer/rtcsession/pkg/engine"
)

// TransceiverInit configures AddTransceiver. The zero value asks for a
// sendrecv line with a generated name and no stream associations.
type TransceiverInit struct {
	// Name identifies the transceiver in events and stats. Generated when
	// empty.
	Name string

	// Direction is the desired direction advertised at the next
	// negotiation.
	Direction engine.Direction

	// StreamIDs associates the media line with logical streams, for
	// lip-syncing related tracks on the remote side.
	StreamIDs []string
}

// Transceiver is one media line of the session. It is created once, either
// by AddTransceiver or by a remote description, and lives until the
// connection closes; media lines are never removed, only deactivated.
type Transceiver struct {
	pc        *PeerConnection
	eng       engine.Transceiver
	kind      engine.MediaKind
	name      string
	streamIDs []string

	// mlineIndex is the transceiver's index among the session's media
	// lines. Fixed at creation.
	mlineIndex int

	mu          sync.Mutex
	desired     engine.Direction
	negotiated  engine.OptDirection
	localTrack  *LocalTrack
	remoteTrack *RemoteTrack
	invalid     bool
}

// AddTransceiver adds a media line to the session. The new line is included
// in the next offer; the engine signals renegotiation-needed accordingly.
func (pc *PeerConnection) AddTransceiver(kind engine.MediaKind, init TransceiverInit) (*Transceiver, error) {
	conn, err := pc.requireOpen()
	if err != nil {
		return nil, err
	}
	name := init.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
	}

	engTr, err := conn.AddTransceiver(kind, init.Direction, name, init.StreamIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArgumentInvalid, err)
	}

	tr := &Transceiver{
		pc:        pc,
		eng:       engTr,
		kind:      kind,
		name:      name,
		streamIDs: init.StreamIDs,
		desired:   init.Direction,
	}
	pc.entMu.Lock()
	tr.mlineIndex = len(pc.transceivers)
	pc.transceivers = append(pc.transceivers, tr)
	pc.entMu.Unlock()

	if f := pc.OnTransceiverAdded; f != nil {
		f(tr)
	}
	return tr, nil
}

// Transceivers returns a snapshot of the session's media lines in mline
// order.
func (pc *PeerConnection) Transceivers() []*Transceiver {
	pc.entMu.Lock()
	defer pc.entMu.Unlock()
	out := make([]*Transceiver, len(pc.transceivers))
	copy(out, pc.transceivers)
	return out
}

// Kind returns the media type of the line.
func (t *Transceiver) Kind() engine.MediaKind { return t.kind }

// Name returns the transceiver's identifier.
func (t *Transceiver) Name() string { return t.name }

// StreamIDs returns the stream associations set at creation.
func (t *Transceiver) StreamIDs() []string { return t.streamIDs }

// MLineIndex returns the transceiver's media line index.
func (t *Transceiver) MLineIndex() int { return t.mlineIndex }

// Mid returns the negotiated media ID, or "" before the first negotiation.
func (t *Transceiver) Mid() string { return t.eng.Mid() }

// DesiredDirection returns the direction the application asked for.
func (t *Transceiver) DesiredDirection() engine.Direction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desired
}

// NegotiatedDirection returns the direction agreed by the last applied
// description, or OptDirectionUnset before any negotiation touched this
// line.
func (t *Transceiver) NegotiatedDirection() engine.OptDirection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.negotiated
}

// SetDirection changes the desired direction. The change takes effect at the
// next negotiation; the engine fires renegotiation-needed if the new
// direction differs from the negotiated one.
func (t *Transceiver) SetDirection(dir engine.Direction) error {
	t.mu.Lock()
	if t.invalid {
		t.mu.Unlock()
		return fmt.Errorf("%w: transceiver detached", ErrInvalidState)
	}
	if t.desired == dir {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	// Engine call outside the lock; it may fire events synchronously.
	if err := t.eng.SetDirection(dir); err != nil {
		return fmt.Errorf("%w: %v", ErrArgumentInvalid, err)
	}

	t.mu.Lock()
	t.desired = dir
	t.mu.Unlock()
	return nil
}

// LocalTrack returns the track currently bound to the send side, or nil.
func (t *Transceiver) LocalTrack() *LocalTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localTrack
}

// RemoteTrack returns the track on the receive slot, or nil.
func (t *Transceiver) RemoteTrack() *RemoteTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteTrack
}

// SetLocalTrack binds track to the send side, or unbinds with nil. A track
// can serve one transceiver at a time, and its kind must match the line's.
// Binding does not change the desired direction.
func (t *Transceiver) SetLocalTrack(track *LocalTrack) error {
	t.mu.Lock()
	if t.invalid {
		t.mu.Unlock()
		return fmt.Errorf("%w: transceiver detached", ErrInvalidState)
	}
	prev := t.localTrack
	t.mu.Unlock()

	if track == prev {
		return nil
	}
	if track != nil {
		if track.Kind() != t.kind {
			return fmt.Errorf("%w: cannot bind %s track to %s transceiver", ErrArgumentInvalid, track.Kind(), t.kind)
		}
		if !track.bind(t) {
			return fmt.Errorf("%w: track %q already bound to another transceiver", ErrArgumentInvalid, track.Name())
		}
	}

	var engTrack engine.Track
	if track != nil {
		engTrack = track.eng
	}
	if err := t.eng.SetLocalTrack(engTrack); err != nil {
		if track != nil {
			track.unbind(t)
		}
		return fmt.Errorf("%w: %v", ErrArgumentInvalid, err)
	}

	t.mu.Lock()
	t.localTrack = track
	t.mu.Unlock()
	if prev != nil {
		prev.unbind(t)
	}
	return nil
}

func (t *Transceiver) setNegotiated(d engine.OptDirection) {
	t.mu.Lock()
	t.negotiated = d
	t.mu.Unlock()
}

func (t *Transceiver) attachRemote(rt *RemoteTrack) {
	t.mu.Lock()
	prev := t.remoteTrack
	t.remoteTrack = rt
	t.mu.Unlock()
	if prev != nil {
		prev.handle.drop()
	}
}

// takeRemote clears the receive slot and drops the transceiver's share of
// the track.
func (t *Transceiver) takeRemote() *RemoteTrack {
	t.mu.Lock()
	rt := t.remoteTrack
	t.remoteTrack = nil
	t.mu.Unlock()
	if rt != nil {
		rt.handle.drop()
	}
	return rt
}

// invalidate detaches the transceiver from its connection during teardown.
func (t *Transceiver) invalidate() {
	t.mu.Lock()
	t.invalid = true
	local := t.localTrack
	t.localTrack = nil
	remote := t.remoteTrack
	t.remoteTrack = nil
	t.mu.Unlock()

	if local != nil {
		local.unbind(t)
	}
	if remote != nil {
		remote.handle.drop() // transceiver's share
		remote.handle.drop() // connection's share; the list was already cleared
	}
}
