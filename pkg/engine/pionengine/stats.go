package pionengine

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/voxpeer/rtcsession/pkg/engine"
)

// collectStats flattens pion's per-object stats map into the aggregate
// report the session exposes.
func collectStats(report webrtc.StatsReport) *engine.StatsReport {
	out := &engine.StatsReport{
		Timestamp: time.Now(),
		Tracks:    map[string]engine.TrackStats{},
	}
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.TransportStats:
			out.BytesSent += st.BytesSent
			out.BytesReceived += st.BytesReceived
		case webrtc.OutboundRTPStreamStats:
			out.PacketsSent += uint64(st.PacketsSent)
		case webrtc.InboundRTPStreamStats:
			out.PacketsReceived += uint64(st.PacketsReceived)
			out.PacketsLost += int64(st.PacketsLost)
			if st.Jitter > 0 {
				out.Jitter = time.Duration(st.Jitter * float64(time.Second))
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if st.RoundTripTime > 0 {
				out.RoundTripTime = time.Duration(st.RoundTripTime * float64(time.Second))
			}
		case webrtc.ICECandidatePairStats:
			if st.CurrentRoundTripTime > 0 {
				out.RoundTripTime = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.DataChannelStats:
			out.MessagesSent += uint64(st.MessagesSent)
			out.MessagesReceived += uint64(st.MessagesReceived)
			out.DataChannelsOpened++
			if st.State == webrtc.DataChannelStateClosed {
				out.DataChannelsClosed++
			}
		}
	}
	return out
}
