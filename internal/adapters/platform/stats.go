package platform

import (
	"math"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callsession/internal/domain"
)

// summarize reduces a pion stats report to one network sample.
// Latency comes from the nominated candidate pair, falling back to the
// worst remote-inbound round trip. Loss and jitter are the worst reported
// across the remote-inbound streams.
func summarize(report webrtc.StatsReport) (domain.NetworkStats, bool) {
	var (
		out       domain.NetworkStats
		found     bool
		pairRTT   float64
		remoteRTT float64
		jitter    float64
	)
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.State == webrtc.StatsICECandidatePairStateSucceeded {
				pairRTT = st.CurrentRoundTripTime
				found = true
			}
		case webrtc.RemoteInboundRTPStreamStats:
			found = true
			if st.RoundTripTime > remoteRTT {
				remoteRTT = st.RoundTripTime
			}
			if st.FractionLost > out.PacketLoss {
				out.PacketLoss = st.FractionLost
			}
			if st.Jitter > jitter {
				jitter = st.Jitter
			}
		}
	}
	rtt := pairRTT
	if rtt == 0 {
		rtt = remoteRTT
	}
	out.Latency = seconds(rtt)
	out.Jitter = seconds(jitter)
	return out, found
}

func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Second)))
}
