// Package engine defines the boundary between the session core and a WebRTC
// media engine. The core drives negotiation and lifecycle through these
// interfaces; the engine implements SDP, ICE, DTLS and media processing.
//
// Two adapters ship with this module: pionengine (pure Go, backed by
// pion/webrtc) and native (backed by a libwebrtc shim loaded at runtime).
// enginetest provides a deterministic in-memory engine for tests.
package engine

import "github.com/voxpeer/rtcsession/pkg/frame"

// Engine creates connections. Implementations must be safe for concurrent
// use; a single Engine is typically shared by every connection in a process.
type Engine interface {
	// CreateConnection opens a new native connection and attaches the given
	// handlers for its lifetime. The handlers are released when the returned
	// Connection is closed; no handler is invoked after Close returns.
	CreateConnection(cfg ConnectionConfig, h *EventHandlers) (Connection, error)
}

// Connection is one peer-to-peer session owned by the engine.
//
// SetRemoteDescription is asynchronous: the engine must deliver every
// TransceiverAdded, TrackAdded and DataChannelAdded event caused by the
// description before invoking done. All other methods complete synchronously
// or fail fast.
type Connection interface {
	// CreateOffer asks the engine to produce a local offer. The resulting SDP
	// arrives via EventHandlers.OnLocalDescription. Returns false if the
	// engine rejects the request synchronously.
	CreateOffer() bool

	// CreateAnswer is CreateOffer for the answering side.
	CreateAnswer() bool

	// SetRemoteDescription applies a remote offer or answer. done receives
	// nil on success or the engine's rejection, exactly once.
	SetRemoteDescription(typ SDPType, sdp string, done func(error))

	// AddICECandidate applies a remote candidate.
	AddICECandidate(c ICECandidate) error

	// AddTransceiver creates a new media line slot.
	AddTransceiver(kind MediaKind, dir Direction, name string, streamIDs []string) (Transceiver, error)

	// CreateDataChannel opens a message channel. With cfg.ID < 0 the channel
	// is negotiated in-band and its ID is unknown until it opens.
	CreateDataChannel(cfg DataChannelConfig) (DataChannel, error)

	// CreateVideoSource and CreateAudioSource acquire frame producers that
	// local tracks are fed from. Device acquisition may block.
	CreateVideoSource(cfg VideoSourceConfig) (Source, error)
	CreateAudioSource(cfg AudioSourceConfig) (Source, error)

	// CreateLocalTrack wraps a source as a sendable track.
	CreateLocalTrack(kind MediaKind, name string, src Source) (Track, error)

	// GetStats snapshots connection metrics. done is invoked exactly once,
	// possibly on an engine thread.
	GetStats(done func(*StatsReport, error))

	// Close tears the connection down. Idempotent.
	Close() error
}

// Transceiver is the engine-side media line object.
type Transceiver interface {
	// SetDirection updates the desired direction for the next negotiation.
	SetDirection(dir Direction) error

	// SetLocalTrack binds or (with nil) unbinds the send track.
	SetLocalTrack(t Track) error

	// Mid returns the negotiated media ID, or "" before negotiation.
	Mid() string
}

// Track is the engine-side media track object. Local source-fed tracks accept
// pushed frames; remote tracks deliver frames to an installed sink. Sink
// callbacks run on the engine's decode thread and must copy and return
// quickly.
type Track interface {
	Kind() MediaKind

	PushVideoFrame(f *frame.Video) error
	PushAudioFrame(f *frame.Audio) error

	SetVideoSink(sink func(*frame.Video)) error
	SetAudioSink(sink func(*frame.Audio)) error

	Close() error
}

// Source produces media frames for a local track, from a capture device or
// from application pushes routed through the track.
type Source interface {
	Close() error
}

// DataChannel is the engine-side message pipe.
type DataChannel interface {
	// ID returns the channel ID, or -1 while an in-band channel is still
	// negotiating.
	ID() int
	Label() string
	State() DataChannelState

	// Ordered reports whether messages are delivered in order. Reliable
	// reports whether delivery is retransmitted until acknowledged. Both are
	// fixed at creation, on either peer.
	Ordered() bool
	Reliable() bool

	Send(data []byte) error

	BufferedAmount() uint64
	MaxBufferedAmount() uint64

	// OnStateChange, OnMessage and OnBufferedAmountChange install callbacks
	// invoked from engine threads.
	OnStateChange(fn func(DataChannelState))
	OnMessage(fn func(data []byte))
	OnBufferedAmountChange(fn func(previous, current uint64))

	Close() error
}

// EventHandlers carries one callback per engine event family. The connection
// owns the handler set for its whole lifetime and releases it at teardown;
// engines must never invoke a handler after Connection.Close has returned.
// Unset fields are skipped.
type EventHandlers struct {
	// OnLocalDescription fires when an offer or answer produced by
	// CreateOffer/CreateAnswer is ready to be sent to the remote peer.
	OnLocalDescription func(sd SessionDescription)

	// OnICECandidate fires when a gathered local candidate is ready to send.
	OnICECandidate func(c ICECandidate)

	OnICEStateChanged       func(s ICEState)
	OnGatheringStateChanged func(s GatheringState)

	// OnConnected fires once the connection handshake completes.
	OnConnected func()

	// OnRenegotiationNeeded fires when the session layout changed in a way
	// that requires a new offer.
	OnRenegotiationNeeded func()

	// OnTransceiverAdded fires for media lines introduced by a remote
	// description. mlineIndex is the line's index, immutable afterwards.
	OnTransceiverAdded func(t Transceiver, kind MediaKind, mlineIndex int, name string, streamIDs []string)

	// OnTransceiverStateUpdated reports the direction agreed by the latest
	// applied description for one transceiver.
	OnTransceiverStateUpdated func(t Transceiver, negotiated OptDirection)

	// OnTrackAdded and OnTrackRemoved report remote tracks appearing on or
	// leaving a transceiver's receive slot.
	OnTrackAdded   func(t Transceiver, track Track, kind MediaKind, name string)
	OnTrackRemoved func(t Transceiver, track Track)

	// OnDataChannelAdded fires for channels opened in-band by the remote
	// peer. OnDataChannelRemoved fires when the remote side closes one.
	OnDataChannelAdded   func(dc DataChannel)
	OnDataChannelRemoved func(dc DataChannel)

	// OnSCTPNegotiated reports whether the applied description negotiated an
	// SCTP association. Data channels cannot be created while false.
	OnSCTPNegotiated func(negotiated bool)

	// OnFatalError reports an engine failure not tied to any in-flight call.
	OnFatalError func(err error)
}

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// ConnectionConfig is the engine-facing subset of the session configuration.
type ConnectionConfig struct {
	ICEServers           []ICEServer
	ICETransportPolicy   string // "all" or "relay"
	BundlePolicy         string // "balanced", "max-compat", "max-bundle"
	SDPSemantics         string // "unified-plan"
	ICECandidatePoolSize int
	Name                 string // friendly name, for logging only
}

// DataChannelConfig describes a channel to create.
type DataChannelConfig struct {
	// ID is the SCTP stream ID for out-of-band negotiated channels, or -1
	// for in-band automatic assignment.
	ID       int
	Label    string
	Ordered  bool
	Reliable bool
}

// VideoSourceConfig describes a video frame producer.
type VideoSourceConfig struct {
	// DeviceID selects a capture device; empty means an external
	// (application-push) source.
	DeviceID string
	Width    int
	Height   int
	FPS      float64
}

// AudioSourceConfig describes an audio frame producer.
type AudioSourceConfig struct {
	DeviceID   string
	SampleRate int
	Channels   int
}

// SessionDescription is an opaque SDP blob plus its type.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// ICECandidate is an out-of-band candidate message.
type ICECandidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex int
}
