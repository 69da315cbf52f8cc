package models

import "time"

// AlertKind names the condition that produced an alert.
type AlertKind string

const (
	AlertLiquidationCascade AlertKind = "liquidation_cascade"
	AlertOIExplosion        AlertKind = "oi_explosion"
	AlertVolumeSpike        AlertKind = "volume_spike"
)

// AlertPriority orders alerts inside the dispatcher queue.
type AlertPriority int

const (
	PriorityLow AlertPriority = iota
	PriorityMedium
	PriorityHigh
)

func (p AlertPriority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Alert is a candidate notification produced by the cascade engine. DedupKey
// folds repeats of the same condition within the dedup window into a single
// dispatch.
type Alert struct {
	ID        string
	Symbol    string
	Kind      AlertKind
	Level     SignalLevel
	Message   string
	DedupKey  string
	Priority  AlertPriority
	CreatedAt time.Time
	Attempts  int
}

// PriorityForLevel maps a signal level to a dispatch priority.
func PriorityForLevel(level SignalLevel) AlertPriority {
	switch {
	case level >= LevelCritical:
		return PriorityHigh
	case level >= LevelAlert:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// VolumeClass buckets relative volume against the tier multiplier.
type VolumeClass string

const (
	VolumeNormal   VolumeClass = "NORMAL"
	VolumeModerate VolumeClass = "MODERATE"
	VolumeHigh     VolumeClass = "HIGH"
	VolumeExtreme  VolumeClass = "EXTREME"
)

// VolumeStatus is the analyzer's per-symbol view served to the engine and the
// query surface.
type VolumeStatus struct {
	Symbol         string      `json:"symbol"`
	CVD            float64     `json:"cvd"`
	RelativeVolume float64     `json:"relative_volume"`
	BaselinePerMin float64     `json:"baseline_per_min"`
	Class          VolumeClass `json:"class"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
