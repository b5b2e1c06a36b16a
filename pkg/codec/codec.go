// Package codec names the codecs the session layer can express a preference
// for. Actual codec negotiation is the media engine's job; these types only
// feed the SDP preference filter.
package codec

// Type identifies a video or audio codec.
type Type int

const (
	// None expresses no codec preference.
	None Type = iota

	// Video codecs
	H264
	VP8
	VP9
	AV1

	// Audio codecs
	Opus
	PCMU
	PCMA
)

// Name returns the SDP rtpmap encoding name, e.g. "VP8" or "opus".
func (t Type) Name() string {
	switch t {
	case H264:
		return "H264"
	case VP8:
		return "VP8"
	case VP9:
		return "VP9"
	case AV1:
		return "AV1"
	case Opus:
		return "opus"
	case PCMU:
		return "PCMU"
	case PCMA:
		return "PCMA"
	default:
		return ""
	}
}

func (t Type) String() string { return t.Name() }

// MimeType returns the IANA MIME type for the codec.
func (t Type) MimeType() string {
	switch t {
	case H264:
		return "video/H264"
	case VP8:
		return "video/VP8"
	case VP9:
		return "video/VP9"
	case AV1:
		return "video/AV1"
	case Opus:
		return "audio/opus"
	case PCMU:
		return "audio/PCMU"
	case PCMA:
		return "audio/PCMA"
	default:
		return ""
	}
}

// IsVideo returns true for video codecs.
func (t Type) IsVideo() bool {
	switch t {
	case H264, VP8, VP9, AV1:
		return true
	default:
		return false
	}
}

// IsAudio returns true for audio codecs.
func (t Type) IsAudio() bool {
	return !t.IsVideo() && t.Name() != ""
}

// ClockRate returns the RTP clock rate for the codec.
func (t Type) ClockRate() uint32 {
	switch t {
	case H264, VP8, VP9, AV1:
		return 90000
	case Opus:
		return 48000
	case PCMU, PCMA:
		return 8000
	default:
		return 0
	}
}
