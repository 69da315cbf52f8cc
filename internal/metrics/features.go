package metrics

import (
	"sync"

	"cascadeflow/config"
)

// Feature names an optional metric emitter that can be toggled at startup.
type Feature string

const (
	FeatureChannelSize Feature = "channel_size"
)

var (
	featureMu sync.RWMutex
	features  = map[Feature]bool{
		FeatureChannelSize: true,
	}
)

// SetFeature enables or disables the named metric feature.
func SetFeature(f Feature, enabled bool) {
	featureMu.Lock()
	features[f] = enabled
	featureMu.Unlock()
}

// IsFeatureEnabled reports whether the named metric feature is active.
func IsFeatureEnabled(f Feature) bool {
	featureMu.RLock()
	defer featureMu.RUnlock()
	return features[f]
}

// Configure applies the metric feature flags from configuration.
func Configure(cfg config.MetricsConfig) {
	SetFeature(FeatureChannelSize, cfg.ChannelSize)
}
