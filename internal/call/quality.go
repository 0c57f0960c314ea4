package call

import "time"

type Level string

const (
	LevelGood Level = "good"
	LevelFair Level = "fair"
	LevelPoor Level = "poor"
)

func (l Level) rank() int {
	switch l {
	case LevelGood:
		return 2
	case LevelFair:
		return 1
	}
	return 0
}

// Stats is one sample of the inbound media link.
type Stats struct {
	BitrateKbps   float64   `json:"bitrateKbps"`
	PacketLossPct float64   `json:"packetLossPct"`
	JitterMs      float64   `json:"jitterMs"`
	SampledAt     time.Time `json:"sampledAt"`
}

// QualityReport holds the three indicator levels and the overall label.
type QualityReport struct {
	Bitrate Level  `json:"bitrate,omitempty"`
	Loss    Level  `json:"loss,omitempty"`
	Jitter  Level  `json:"jitter,omitempty"`
	Overall string `json:"overall,omitempty"` // Good | Fair | Poor
}

func BitrateLevel(kbps float64) Level {
	switch {
	case kbps > 500:
		return LevelGood
	case kbps > 200:
		return LevelFair
	}
	return LevelPoor
}

func LossLevel(pct float64) Level {
	switch {
	case pct < 2:
		return LevelGood
	case pct < 5:
		return LevelFair
	}
	return LevelPoor
}

func JitterLevel(ms float64) Level {
	switch {
	case ms < 30:
		return LevelGood
	case ms < 80:
		return LevelFair
	}
	return LevelPoor
}

// Assess grades s. The overall label is the worse of bitrate and loss;
// jitter only drives its own indicator.
func Assess(s Stats) QualityReport {
	r := QualityReport{
		Bitrate: BitrateLevel(s.BitrateKbps),
		Loss:    LossLevel(s.PacketLossPct),
		Jitter:  JitterLevel(s.JitterMs),
	}
	worst := r.Bitrate
	if r.Loss.rank() < worst.rank() {
		worst = r.Loss
	}
	switch worst {
	case LevelGood:
		r.Overall = "Good"
	case LevelFair:
		r.Overall = "Fair"
	default:
		r.Overall = "Poor"
	}
	return r
}

// NeedsReconnect reports whether the link is bad enough to offer a manual
// reconnect.
func NeedsReconnect(s Stats) bool {
	return s.PacketLossPct > 5 || s.JitterMs > 80
}
