package metrics

import (
	"context"
	"time"

	"cascadeflow/internal/channel/liq"
	"cascadeflow/internal/channel/oi"
	"cascadeflow/logger"
)

// StartChannelSizeMetrics emits occupancy metrics for the liquidation and
// open-interest channel buffers. Metrics are logged every `interval` until the
// context is cancelled. When interval <=0, a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, liqCh *liq.Channels, oiCh *oi.Channels, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) {
		return
	}
	if liqCh == nil && oiCh == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if liqCh != nil {
					EmitMetric(log, component, "liq_raw_buffer_length", len(liqCh.Raw), "gauge", logger.Fields{
						"buffer":   "liq_raw",
						"capacity": cap(liqCh.Raw),
					})
				}
				if oiCh != nil {
					EmitMetric(log, component, "oi_raw_buffer_length", len(oiCh.Raw), "gauge", logger.Fields{
						"buffer":   "oi_raw",
						"capacity": cap(oiCh.Raw),
					})
				}
			}
		}
	}()
}
