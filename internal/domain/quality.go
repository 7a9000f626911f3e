package domain

import "time"

type Quality string

const (
	QualityUnknown Quality = ""
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
)

// NetworkStats is one sample of transport-reported connection stats.
// PacketLoss is a fraction in [0,1].
type NetworkStats struct {
	Latency    time.Duration `json:"latency"`
	PacketLoss float64       `json:"packetLoss"`
	Jitter     time.Duration `json:"jitter"`
}

// RecordingOptions are forwarded to the recording backend unchanged.
type RecordingOptions struct {
	Layout     string `json:"layout,omitempty"`
	AudioOnly  bool   `json:"audioOnly,omitempty"`
	OutputName string `json:"outputName,omitempty"`
}
