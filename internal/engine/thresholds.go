package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	appconfig "cascadeflow/config"
	"cascadeflow/internal/models"
	"cascadeflow/internal/store"
	"cascadeflow/logger"
)

// MarketSizeSource exposes the cross-exchange open-interest aggregate so
// value thresholds can scale with market size.
type MarketSizeSource interface {
	Aggregate(symbol string) (models.OIAggregate, bool)
}

// BucketSource is the read-only view of the aggregator the engines consume.
type BucketSource interface {
	Symbols() []string
	Events(symbol string, since time.Time) []models.LiquidationEvent
	QueryBuckets(symbol string, from, to time.Time) []store.Bucket
	ExchangesInWindow(symbol string, window time.Duration) []string
}

const fallbackCascadeValue = 100_000 // USD, used until OI data exists

var baseCuts = models.ScoreCuts{
	Watch:           0.30,
	Alert:           0.50,
	Critical:        0.70,
	Extreme:         0.90,
	WatchVelocity:   10,
	AlertVelocity:   20,
	CritVelocity:    50,
	CritAccel:       20,
	ExtremeVelocity: 100,
}

// ThresholdEngine recomputes a ThresholdSet per symbol on a coarse interval
// as a pure function of tier, volatility regime, session and market size.
// Published tables are immutable and swapped atomically; readers never see a
// half-updated set.
type ThresholdEngine struct {
	config  *appconfig.Config
	market  MarketSizeSource
	buckets BucketSource
	log     *logger.Log

	table atomic.Pointer[map[string]models.ThresholdSet]

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewThresholdEngine builds the engine and publishes an initial table.
func NewThresholdEngine(cfg *appconfig.Config, market MarketSizeSource, buckets BucketSource) *ThresholdEngine {
	e := &ThresholdEngine{
		config:  cfg,
		market:  market,
		buckets: buckets,
		log:     logger.GetLogger(),
	}
	e.recompute(time.Now().UTC())
	return e
}

// Start launches the periodic recompute loop.
func (e *ThresholdEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("threshold engine already running")
	}
	e.running = true
	e.mu.Unlock()

	interval := e.config.Thresholds.RecomputeInterval
	if interval <= 0 {
		interval = 5 * time.Minute
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
				e.recompute(time.Now().UTC())
			}
		}
	}()

	e.log.WithComponent("threshold_engine").WithFields(logger.Fields{
		"recompute_interval": interval.String(),
	}).Info("threshold engine started")
	return nil
}

// Stop waits for the recompute loop to exit.
func (e *ThresholdEngine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()
	e.wg.Wait()
	e.log.WithComponent("threshold_engine").Info("threshold engine stopped")
}

// Current returns the active threshold set for a symbol, deriving one on the
// spot for symbols the last recompute has not seen yet.
func (e *ThresholdEngine) Current(symbol string) models.ThresholdSet {
	symbol = strings.ToUpper(symbol)
	if table := e.table.Load(); table != nil {
		if set, ok := (*table)[symbol]; ok {
			return set
		}
	}
	return e.build(symbol, time.Now().UTC())
}

// VolumeMultiplier satisfies the analyzer's multiplier source.
func (e *ThresholdEngine) VolumeMultiplier(symbol string) float64 {
	return e.Current(symbol).VolumeSpikeMultiplier
}

func (e *ThresholdEngine) recompute(now time.Time) {
	symbols := make(map[string]struct{})
	for symbol := range e.config.Thresholds.Tiers {
		symbols[strings.ToUpper(symbol)] = struct{}{}
	}
	if e.buckets != nil {
		for _, symbol := range e.buckets.Symbols() {
			symbols[strings.ToUpper(symbol)] = struct{}{}
		}
	}

	table := make(map[string]models.ThresholdSet, len(symbols))
	for symbol := range symbols {
		table[symbol] = e.build(symbol, now)
	}
	e.table.Store(&table)

	e.log.WithComponent("threshold_engine").WithFields(logger.Fields{
		"symbols": len(table),
	}).Debug("threshold table recomputed")
}

func (e *ThresholdEngine) build(symbol string, now time.Time) models.ThresholdSet {
	tier := e.tierFor(symbol)
	regime := e.regimeFor(symbol, now)
	session := sessionFor(now)

	set := models.ThresholdSet{
		Symbol:          symbol,
		Tier:            tier,
		Regime:          regime,
		Session:         session,
		CascadeMinCount: e.config.Thresholds.MinCascadeCount,
		CascadeMinValue: e.cascadeMinValue(symbol),
		Cuts:            baseCuts,
	}
	if set.CascadeMinCount <= 0 {
		set.CascadeMinCount = 5
	}

	switch tier {
	case models.Tier1:
		set.VolumeSpikeMultiplier = 2.5
		set.OIChangePct = 15
	case models.Tier2:
		set.VolumeSpikeMultiplier = 3.0
		set.OIChangePct = 20
	default:
		set.VolumeSpikeMultiplier = 4.0
		set.OIChangePct = 25
	}

	// thinner books cascade at lower absolute event rates
	velocityScale := 1.0
	switch tier {
	case models.Tier2:
		velocityScale = 0.5
	case models.Tier3:
		velocityScale = 0.25
	}

	// in a high-volatility regime elevated activity is the norm, so the
	// velocity overrides back off; in a quiet regime they tighten
	switch regime {
	case models.RegimeHigh:
		velocityScale *= 1.3
		set.VolumeSpikeMultiplier += 0.5
	case models.RegimeLow:
		velocityScale *= 0.8
	}

	set.Cuts.WatchVelocity *= velocityScale
	set.Cuts.AlertVelocity *= velocityScale
	set.Cuts.CritVelocity *= velocityScale
	set.Cuts.ExtremeVelocity *= velocityScale

	return set
}

func (e *ThresholdEngine) tierFor(symbol string) models.Tier {
	if t, ok := e.config.Thresholds.Tiers[symbol]; ok {
		return models.Tier(t)
	}
	if t := e.config.Thresholds.DefaultTier; t >= 1 && t <= 3 {
		return models.Tier(t)
	}
	return models.Tier3
}

// cascadeMinValue derives the minimum cascade notional from the aggregated
// open interest so the bar rises and falls with market size.
func (e *ThresholdEngine) cascadeMinValue(symbol string) float64 {
	pct := e.config.Thresholds.CascadeValuePct
	if pct <= 0 {
		pct = 0.001
	}
	if e.market != nil {
		if agg, ok := e.market.Aggregate(symbol); ok && agg.TotalUsd > 0 {
			return agg.TotalUsd * pct
		}
	}
	return fallbackCascadeValue
}

// regimeFor compares recent per-bucket price ranges against the hour-long
// norm. The bucketed price extremes are a cheap realized-volatility proxy
// that needs no extra market data feed.
func (e *ThresholdEngine) regimeFor(symbol string, now time.Time) models.VolatilityRegime {
	if e.buckets == nil {
		return models.RegimeNormal
	}

	recent := avgBucketRange(e.buckets.QueryBuckets(symbol, now.Add(-10*time.Minute), now))
	longRun := avgBucketRange(e.buckets.QueryBuckets(symbol, now.Add(-time.Hour), now))
	if recent <= 0 || longRun <= 0 {
		return models.RegimeNormal
	}

	switch ratio := recent / longRun; {
	case ratio > 1.5:
		return models.RegimeHigh
	case ratio < 0.67:
		return models.RegimeLow
	default:
		return models.RegimeNormal
	}
}

func avgBucketRange(buckets []store.Bucket) float64 {
	sum, n := 0.0, 0
	for _, b := range buckets {
		if b.MinPrice <= 0 || b.MaxPrice < b.MinPrice {
			continue
		}
		mid := (b.MaxPrice + b.MinPrice) / 2
		if mid <= 0 {
			continue
		}
		sum += (b.MaxPrice - b.MinPrice) / mid
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// sessionFor buckets the clock into the trading session used for threshold
// segmentation. Weekends get their own bucket since liquidity thins out.
func sessionFor(t time.Time) string {
	t = t.UTC()
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return "weekend"
	}
	switch h := t.Hour(); {
	case h < 8:
		return "asia"
	case h < 16:
		return "europe"
	default:
		return "us"
	}
}
