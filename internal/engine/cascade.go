package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	appconfig "cascadeflow/config"
	"cascadeflow/internal/models"
	"cascadeflow/internal/store"
	"cascadeflow/logger"

	"github.com/google/uuid"
)

// VolumeSource reports the analyzer's relative-volume ratio.
type VolumeSource interface {
	RelativeVolume(symbol string) float64
}

// OIChangeSource reports rolling open-interest change figures.
type OIChangeSource interface {
	Changes(symbol string) (models.OIChange, bool)
}

// ThresholdSource supplies the active threshold set per symbol.
type ThresholdSource interface {
	Current(symbol string) models.ThresholdSet
}

// AlertSubmitter accepts candidate alerts. Submit reports whether the alert
// was accepted into the queue.
type AlertSubmitter interface {
	Submit(alert models.Alert) bool
}

var (
	shortWindows = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second, 10 * time.Second}
	longWindows  = []time.Duration{time.Minute, 5 * time.Minute}
)

// fundingDeltaScale is the funding drift treated as a saturated signal.
const fundingDeltaScale = 0.001

// CascadeEngine evaluates every active symbol on a fixed tick, combining
// event velocity, acceleration, relative volume, cross-exchange correlation,
// funding drift and open-interest moves into a composite cascade probability.
// It only reads from its sources; none of them know the engine exists.
type CascadeEngine struct {
	config     *appconfig.Config
	events     BucketSource
	volume     VolumeSource
	oi         OIChangeSource
	thresholds ThresholdSource
	alerts     AlertSubmitter
	exchanges  int
	log        *logger.Log

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup

	metricsMu sync.RWMutex
	latest    map[string]models.CascadeMetrics
}

// NewCascadeEngine wires the engine to its read-only sources. The exchange
// count normalizes the correlation factor and comes from the enabled
// liquidation streams.
func NewCascadeEngine(cfg *appconfig.Config, events BucketSource, volume VolumeSource, oi OIChangeSource, thresholds ThresholdSource, alerts AlertSubmitter) *CascadeEngine {
	exchanges := len(cfg.EnabledLiquidationExchanges())
	if exchanges == 0 {
		exchanges = 1
	}
	return &CascadeEngine{
		config:     cfg,
		events:     events,
		volume:     volume,
		oi:         oi,
		thresholds: thresholds,
		alerts:     alerts,
		exchanges:  exchanges,
		log:        logger.GetLogger(),
		latest:     make(map[string]models.CascadeMetrics),
	}
}

// Start launches the evaluation loop.
func (e *CascadeEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("cascade engine already running")
	}
	e.running = true
	e.mu.Unlock()

	interval := e.config.Engine.TickInterval
	if interval <= 0 {
		interval = time.Second
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(time.Now().UTC())
			}
		}
	}()

	e.log.WithComponent("cascade_engine").WithFields(logger.Fields{
		"tick_interval": interval.String(),
		"exchanges":     e.exchanges,
	}).Info("cascade engine started")
	return nil
}

// Stop waits for the evaluation loop to exit.
func (e *CascadeEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()
	e.wg.Wait()
	e.log.WithComponent("cascade_engine").Info("cascade engine stopped")
}

func (e *CascadeEngine) tick(now time.Time) {
	for _, symbol := range e.events.Symbols() {
		metrics := e.Evaluate(symbol, now)
		e.metricsMu.Lock()
		e.latest[symbol] = metrics
		e.metricsMu.Unlock()
	}
}

// Evaluate computes one symbol's cascade metrics at the given instant and
// emits alerts for anything at ALERT or above.
func (e *CascadeEngine) Evaluate(symbol string, now time.Time) models.CascadeMetrics {
	set := e.thresholds.Current(symbol)

	ringEvents := e.events.Events(symbol, now.Add(-shortWindows[len(shortWindows)-1]))
	windows := make([]models.WindowMetrics, 0, len(shortWindows)+len(longWindows))
	for _, w := range shortWindows {
		windows = append(windows, windowFromEvents(ringEvents, w, now))
	}
	for _, w := range longWindows {
		buckets := e.events.QueryBuckets(symbol, now.Add(-w), now)
		windows = append(windows, windowFromBuckets(buckets, w, now))
	}

	totalEvents := 0
	velocity, accel := 0.0, 0.0
	for _, w := range windows {
		totalEvents += w.EventCount
		if w.EventsPerSec > velocity {
			velocity = w.EventsPerSec
		}
		if w.EventAccel > accel {
			accel = w.EventAccel
		}
	}

	metrics := models.CascadeMetrics{
		Symbol:      symbol,
		EvaluatedAt: now,
		Windows:     windows,
	}

	relVolume := e.volume.RelativeVolume(symbol)
	metrics.RelativeVolume = relVolume

	if change, ok := e.oi.Changes(symbol); ok {
		metrics.FundingDelta = change.FundingDelta
		metrics.OIDelta = change.Change5m
		e.maybeOIExplosionAlert(symbol, set, change, now)
	}
	e.maybeVolumeSpikeAlert(symbol, set, relVolume, now)

	// a market with no liquidations in any window has, by definition, no
	// cascade in progress
	if totalEvents == 0 {
		metrics.SignalLevel = models.LevelNone
		return metrics
	}

	active := len(e.events.ExchangesInWindow(symbol, 10*time.Second))
	correlation := 0.0
	if active >= 2 {
		correlation = float64(active) / float64(e.exchanges)
	}
	metrics.CrossExchangeCorr = correlation

	w := e.config.Engine.Weights
	velNorm := clamp01(velocity / set.Cuts.ExtremeVelocity)
	accelNorm := clamp01(accel / (2 * set.Cuts.CritAccel))
	volNorm := clamp01(relVolume / (2 * set.VolumeSpikeMultiplier))
	fundingNorm := clamp01(math.Abs(metrics.FundingDelta) / fundingDeltaScale)
	oiNorm := clamp01(math.Abs(metrics.OIDelta) / set.OIChangePct)

	score := w.Velocity*velNorm +
		w.Acceleration*accelNorm +
		w.Volume*volNorm +
		w.Correlation*clamp01(correlation) +
		w.Funding*fundingNorm +
		w.OIDelta*oiNorm

	if accelNorm >= 0.8 {
		boost := e.config.Engine.AccelBoost * accelNorm
		if limit := e.config.Engine.AccelBoostCap; boost > limit {
			boost = limit
		}
		score += boost
	}
	score = clamp01(score)
	metrics.CascadeProbability = score

	level := levelFromScore(score, set.Cuts)
	if override := levelFromVelocity(velocity, accel, set.Cuts); override > level {
		level = override
	}
	if override := e.levelFromCascadeSize(windows, set); override > level {
		level = override
	}
	metrics.SignalLevel = level

	if level >= models.LevelAlert {
		e.submitCascadeAlert(symbol, metrics, now)
	}
	return metrics
}

func windowFromEvents(events []models.LiquidationEvent, window time.Duration, now time.Time) models.WindowMetrics {
	cutoff := now.Add(-window).UnixMilli()
	half := now.Add(-window / 2).UnixMilli()
	halfSecs := (window / 2).Seconds()

	m := models.WindowMetrics{Window: window}
	firstCount, secondCount := 0, 0
	volume := 0.0
	// the ring and the buckets are both keyed on EventTime, so the window
	// cut uses the same timebase; mixing in IngestTime would make skewed
	// exchange clocks drop events from one side of the cut only
	for _, ev := range events {
		if ev.EventTime < cutoff {
			continue
		}
		m.EventCount++
		value := ev.Value()
		volume += value
		if ev.Side == models.SideLongLiquidated {
			m.LongNotional += value
		} else {
			m.ShortNotional += value
		}
		if ev.EventTime >= half {
			secondCount++
		} else {
			firstCount++
		}
	}

	secs := window.Seconds()
	m.EventsPerSec = float64(m.EventCount) / secs
	m.VolumePerSec = volume / secs
	m.EventAccel = (float64(secondCount) - float64(firstCount)) / halfSecs / halfSecs
	m.VolumeAccel = m.EventAccel * safeDiv(volume, float64(m.EventCount))
	return m
}

func windowFromBuckets(buckets []store.Bucket, window time.Duration, now time.Time) models.WindowMetrics {
	half := now.Add(-window / 2)
	halfSecs := (window / 2).Seconds()

	m := models.WindowMetrics{Window: window}
	firstCount, secondCount := 0, 0
	volume := 0.0
	for _, b := range buckets {
		m.EventCount += b.Count
		volume += b.TotalValue
		m.LongNotional += b.LongValue
		m.ShortNotional += b.ShortValue
		if !b.Start.Before(half) {
			secondCount += b.Count
		} else {
			firstCount += b.Count
		}
	}

	secs := window.Seconds()
	m.EventsPerSec = float64(m.EventCount) / secs
	m.VolumePerSec = volume / secs
	m.EventAccel = (float64(secondCount) - float64(firstCount)) / halfSecs / halfSecs
	m.VolumeAccel = m.EventAccel * safeDiv(volume, float64(m.EventCount))
	return m
}

func levelFromScore(score float64, cuts models.ScoreCuts) models.SignalLevel {
	switch {
	case score > cuts.Extreme:
		return models.LevelExtreme
	case score > cuts.Critical:
		return models.LevelCritical
	case score > cuts.Alert:
		return models.LevelAlert
	case score > cuts.Watch:
		return models.LevelWatch
	default:
		return models.LevelNone
	}
}

func levelFromVelocity(velocity, accel float64, cuts models.ScoreCuts) models.SignalLevel {
	switch {
	case velocity > cuts.ExtremeVelocity:
		return models.LevelExtreme
	case velocity > cuts.CritVelocity && accel > cuts.CritAccel:
		return models.LevelCritical
	case velocity > cuts.AlertVelocity:
		return models.LevelAlert
	case velocity > cuts.WatchVelocity:
		return models.LevelWatch
	default:
		return models.LevelNone
	}
}

// levelFromCascadeSize elevates to ALERT when the one-minute window holds a
// qualifying cascade by count and notional, independent of the score.
func (e *CascadeEngine) levelFromCascadeSize(windows []models.WindowMetrics, set models.ThresholdSet) models.SignalLevel {
	for _, w := range windows {
		if w.Window != time.Minute {
			continue
		}
		value := w.LongNotional + w.ShortNotional
		if w.EventCount >= set.CascadeMinCount && value >= set.CascadeMinValue {
			return models.LevelAlert
		}
	}
	return models.LevelNone
}

func (e *CascadeEngine) submitCascadeAlert(symbol string, m models.CascadeMetrics, now time.Time) {
	if e.alerts == nil {
		return
	}

	value := 0.0
	velocity := 0.0
	for _, w := range m.Windows {
		if w.Window == time.Minute {
			value = w.LongNotional + w.ShortNotional
		}
		if w.EventsPerSec > velocity {
			velocity = w.EventsPerSec
		}
	}

	alert := models.Alert{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Kind:      models.AlertLiquidationCascade,
		Level:     m.SignalLevel,
		Message:   fmt.Sprintf("%s liquidation cascade %s: probability %.2f, %.1f events/s, $%.0f liquidated in 60s", symbol, m.SignalLevel, m.CascadeProbability, velocity, value),
		DedupKey:  fmt.Sprintf("%s|%s|%d", symbol, models.AlertLiquidationCascade, now.Unix()/60),
		Priority:  models.PriorityForLevel(m.SignalLevel),
		CreatedAt: now,
	}
	e.alerts.Submit(alert)
}

func (e *CascadeEngine) maybeOIExplosionAlert(symbol string, set models.ThresholdSet, change models.OIChange, now time.Time) {
	if e.alerts == nil {
		return
	}
	move := math.Max(math.Abs(change.Change5m), math.Abs(change.Change1h))
	if move < set.OIChangePct {
		return
	}

	level := models.LevelAlert
	if move >= 2*set.OIChangePct {
		level = models.LevelCritical
	}
	e.alerts.Submit(models.Alert{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Kind:      models.AlertOIExplosion,
		Level:     level,
		Message:   fmt.Sprintf("%s open interest moved %.1f%% (threshold %.1f%%)", symbol, move, set.OIChangePct),
		DedupKey:  fmt.Sprintf("%s|%s|%d", symbol, models.AlertOIExplosion, now.Unix()/900),
		Priority:  models.PriorityForLevel(level),
		CreatedAt: now,
	})
}

func (e *CascadeEngine) maybeVolumeSpikeAlert(symbol string, set models.ThresholdSet, relVolume float64, now time.Time) {
	if e.alerts == nil || relVolume < set.VolumeSpikeMultiplier {
		return
	}
	e.alerts.Submit(models.Alert{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Kind:      models.AlertVolumeSpike,
		Level:     models.LevelAlert,
		Message:   fmt.Sprintf("%s volume at %.1fx baseline (multiplier %.1fx)", symbol, relVolume, set.VolumeSpikeMultiplier),
		DedupKey:  fmt.Sprintf("%s|%s|%d", symbol, models.AlertVolumeSpike, now.Unix()/900),
		Priority:  models.PriorityMedium,
		CreatedAt: now,
	})
}

// Latest returns the most recent metrics for a symbol.
func (e *CascadeEngine) Latest(symbol string) (models.CascadeMetrics, bool) {
	e.metricsMu.RLock()
	defer e.metricsMu.RUnlock()
	m, ok := e.latest[symbol]
	return m, ok
}

// Metrics lists the latest metrics for every evaluated symbol.
func (e *CascadeEngine) Metrics() []models.CascadeMetrics {
	e.metricsMu.RLock()
	out := make([]models.CascadeMetrics, 0, len(e.latest))
	for _, m := range e.latest {
		out = append(out, m)
	}
	e.metricsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
