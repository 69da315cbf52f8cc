package models

import "time"

// SignalLevel is the discrete severity derived from the cascade score.
type SignalLevel int

const (
	LevelNone SignalLevel = iota
	LevelWatch
	LevelAlert
	LevelCritical
	LevelExtreme
)

func (l SignalLevel) String() string {
	switch l {
	case LevelWatch:
		return "WATCH"
	case LevelAlert:
		return "ALERT"
	case LevelCritical:
		return "CRITICAL"
	case LevelExtreme:
		return "EXTREME"
	default:
		return "NONE"
	}
}

// WindowMetrics holds velocity and acceleration figures for one evaluation
// window. Acceleration compares the leading half of the window against the
// trailing half.
type WindowMetrics struct {
	Window        time.Duration `json:"window"`
	EventCount    int           `json:"event_count"`
	EventsPerSec  float64       `json:"events_per_sec"`
	VolumePerSec  float64       `json:"volume_per_sec"`
	EventAccel    float64       `json:"event_accel"`
	VolumeAccel   float64       `json:"volume_accel"`
	LongNotional  float64       `json:"long_notional"`
	ShortNotional float64       `json:"short_notional"`
}

// CascadeMetrics is the per-symbol output of one evaluation tick.
type CascadeMetrics struct {
	Symbol             string          `json:"symbol"`
	EvaluatedAt        time.Time       `json:"evaluated_at"`
	Windows            []WindowMetrics `json:"windows"`
	CrossExchangeCorr  float64         `json:"cross_exchange_corr"`
	RelativeVolume     float64         `json:"relative_volume"`
	FundingDelta       float64         `json:"funding_delta"`
	OIDelta            float64         `json:"oi_delta"`
	CascadeProbability float64         `json:"cascade_probability"`
	SignalLevel        SignalLevel     `json:"signal_level"`
}
