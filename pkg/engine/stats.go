package engine

import "time"

// StatsReport is a point-in-time snapshot of connection metrics. Engines fill
// the fields they have; consumers must tolerate zero values.
type StatsReport struct {
	Timestamp time.Time

	// Transport.
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     int64
	RoundTripTime   time.Duration
	Jitter          time.Duration

	// Data channels.
	DataChannelsOpened uint32
	DataChannelsClosed uint32
	MessagesSent       uint64
	MessagesReceived   uint64

	// Per-track metrics keyed by track name.
	Tracks map[string]TrackStats
}

// TrackStats is the per-track slice of a StatsReport.
type TrackStats struct {
	Kind            MediaKind
	Remote          bool
	BytesSent       uint64
	BytesReceived   uint64
	FramesSent      uint32
	FramesReceived  uint32
	FramesDropped   uint32
	AudioLevel      float64
	FrameWidth      int
	FrameHeight     int
	FramesPerSecond float64
}
