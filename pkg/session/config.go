package session

import (
	"time"

	"github.com/pion/logging"

	"github.com/voxpeer/rtcsession/pkg/codec"
	"github.com/voxpeer/rtcsession/pkg/engine"
)

// ICEServer is one STUN or TURN server entry.
type ICEServer = engine.ICEServer

// Configuration controls a PeerConnection. The zero value is not usable;
// start from DefaultConfiguration.
type Configuration struct {
	// Name is a friendly identifier used in logs and signaling. Optional.
	Name string

	ICEServers           []ICEServer
	ICETransportPolicy   string // "all" or "relay"
	BundlePolicy         string // "balanced", "max-compat", "max-bundle"
	SDPSemantics         string // only "unified-plan" is supported
	ICECandidatePoolSize int

	// PreferredAudioCodec and PreferredVideoCodec narrow local offers to a
	// single codec per media section. codec.None keeps the engine defaults.
	// Answers are never rewritten.
	PreferredAudioCodec codec.Type
	PreferredVideoCodec codec.Type

	// NegotiationDebounce coalesces bursts of renegotiation-needed events
	// into a single OnRenegotiationNeeded callback. Zero means the default
	// of 20ms; negative disables debouncing.
	NegotiationDebounce time.Duration

	// LoggerFactory provides the session's loggers. Nil means pion's default
	// factory, which logs to stderr at the level set by PION_LOG_*.
	LoggerFactory logging.LoggerFactory

	// TrackWorkers bounds the pool used for blocking device acquisition
	// during track creation. Zero means 2.
	TrackWorkers int
}

// DefaultConfiguration returns a configuration suitable for most peers:
// Google's public STUN server, bundled transports and unified-plan SDP.
func DefaultConfiguration() Configuration {
	return Configuration{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		ICETransportPolicy:  "all",
		BundlePolicy:        "max-bundle",
		SDPSemantics:        "unified-plan",
		NegotiationDebounce: 20 * time.Millisecond,
	}
}

func (c Configuration) engineConfig() engine.ConnectionConfig {
	return engine.ConnectionConfig{
		ICEServers:           c.ICEServers,
		ICETransportPolicy:   c.ICETransportPolicy,
		BundlePolicy:         c.BundlePolicy,
		SDPSemantics:         c.SDPSemantics,
		ICECandidatePoolSize: c.ICECandidatePoolSize,
		Name:                 c.Name,
	}
}
