package session

import (
	"fmt"

	"github.com/voxpeer/rtcsession/pkg/engine"
)

// Signaler carries descriptions and candidates to the remote peer. The
// transport is the application's business; anything that can move two small
// messages works. Implementations are called from engine threads and must
// not block for long.
type Signaler interface {
	SendDescription(sd engine.SessionDescription) error
	SendICECandidate(c engine.ICECandidate) error
}

// AttachSignaler routes local descriptions and candidates through s, in
// addition to the OnLocalDescription and OnICECandidate callbacks. Pass nil
// to detach.
func (pc *PeerConnection) AttachSignaler(s Signaler) {
	pc.sigMu.Lock()
	pc.sig = s
	pc.sigMu.Unlock()
}

func (pc *PeerConnection) signaler() Signaler {
	pc.sigMu.RLock()
	defer pc.sigMu.RUnlock()
	return pc.sig
}

// HandleRemoteDescription applies a description received from the remote
// peer. For offers it also produces the answer, which flows back through the
// attached signaler.
func (pc *PeerConnection) HandleRemoteDescription(sd engine.SessionDescription) error {
	if err := pc.SetRemoteDescription(sd.Type, sd.SDP); err != nil {
		return err
	}
	if sd.Type == engine.SDPTypeOffer {
		if !pc.CreateAnswer() {
			return fmt.Errorf("%w: answer rejected", ErrNegotiationFailed)
		}
	}
	return nil
}

// HandleRemoteCandidate applies a candidate received from the remote peer.
func (pc *PeerConnection) HandleRemoteCandidate(c engine.ICECandidate) error {
	return pc.AddICECandidate(c)
}
