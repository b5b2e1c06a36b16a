package engine

// MediaKind is the media type of a track or transceiver.
type MediaKind int

const (
	MediaKindAudio MediaKind = iota
	MediaKindVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaKindAudio:
		return "audio"
	case MediaKindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// SDPType is the type of a session description.
type SDPType int

const (
	SDPTypeOffer SDPType = iota
	SDPTypeAnswer
)

func (t SDPType) String() string {
	switch t {
	case SDPTypeOffer:
		return "offer"
	case SDPTypeAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// ParseSDPType maps the wire string of a description type.
func ParseSDPType(s string) (SDPType, bool) {
	switch s {
	case "offer":
		return SDPTypeOffer, true
	case "answer":
		return SDPTypeAnswer, true
	default:
		return SDPTypeOffer, false
	}
}

// Direction is the desired flow of media on a transceiver.
type Direction int

const (
	DirectionSendRecv Direction = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

func (d Direction) String() string {
	switch d {
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// HasSend reports whether the direction includes sending.
func (d Direction) HasSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// HasRecv reports whether the direction includes receiving.
func (d Direction) HasRecv() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// OptDirection is a Direction that may not have been negotiated yet.
type OptDirection int

const (
	OptDirectionUnset OptDirection = iota
	OptDirectionSendRecv
	OptDirectionSendOnly
	OptDirectionRecvOnly
	OptDirectionInactive
)

func (d OptDirection) String() string {
	switch d {
	case OptDirectionUnset:
		return "unset"
	case OptDirectionSendRecv:
		return "sendrecv"
	case OptDirectionSendOnly:
		return "sendonly"
	case OptDirectionRecvOnly:
		return "recvonly"
	case OptDirectionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// FromDirection lifts a negotiated Direction into an OptDirection.
func FromDirection(d Direction) OptDirection {
	switch d {
	case DirectionSendRecv:
		return OptDirectionSendRecv
	case DirectionSendOnly:
		return OptDirectionSendOnly
	case DirectionRecvOnly:
		return OptDirectionRecvOnly
	default:
		return OptDirectionInactive
	}
}

// DirectionFromSendRecv builds a Direction from individual send/recv flags.
func DirectionFromSendRecv(send, recv bool) Direction {
	switch {
	case send && recv:
		return DirectionSendRecv
	case send:
		return DirectionSendOnly
	case recv:
		return DirectionRecvOnly
	default:
		return DirectionInactive
	}
}

// ICEState is the ICE connection state.
type ICEState int

const (
	ICEStateNew ICEState = iota
	ICEStateChecking
	ICEStateConnected
	ICEStateCompleted
	ICEStateDisconnected
	ICEStateFailed
	ICEStateClosed
)

func (s ICEState) String() string {
	switch s {
	case ICEStateNew:
		return "new"
	case ICEStateChecking:
		return "checking"
	case ICEStateConnected:
		return "connected"
	case ICEStateCompleted:
		return "completed"
	case ICEStateDisconnected:
		return "disconnected"
	case ICEStateFailed:
		return "failed"
	case ICEStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// GatheringState is the ICE candidate gathering state.
type GatheringState int

const (
	GatheringStateNew GatheringState = iota
	GatheringStateGathering
	GatheringStateComplete
)

func (s GatheringState) String() string {
	switch s {
	case GatheringStateNew:
		return "new"
	case GatheringStateGathering:
		return "gathering"
	case GatheringStateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// DataChannelState is the lifecycle state of a data channel.
type DataChannelState int

const (
	DataChannelStateConnecting DataChannelState = iota
	DataChannelStateOpen
	DataChannelStateClosing
	DataChannelStateClosed
)

func (s DataChannelState) String() string {
	switch s {
	case DataChannelStateConnecting:
		return "connecting"
	case DataChannelStateOpen:
		return "open"
	case DataChannelStateClosing:
		return "closing"
	case DataChannelStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
