package analyzer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	appconfig "cascadeflow/config"
	"cascadeflow/internal/models"
	"cascadeflow/logger"
)

// MultiplierSource supplies the per-symbol spike multiplier used for volume
// classification. The threshold engine implements this so multipliers follow
// tier, volatility regime and session without analyzer changes.
type MultiplierSource interface {
	VolumeMultiplier(symbol string) float64
}

const defaultMultiplier = 4.0

// Analyzer tracks cumulative buy-minus-sell liquidation volume and a
// relative-volume ratio against an outlier-trimmed rolling median baseline.
// It consumes normalized events straight off the processor fanout.
type Analyzer struct {
	window       time.Duration
	trimFraction float64
	sessionAware bool
	maxSamples   int
	multipliers  MultiplierSource
	log          *logger.Log

	mu      sync.RWMutex
	symbols map[string]*symbolVolume
}

type symbolVolume struct {
	mu           sync.Mutex
	cvd          float64
	windowStart  time.Time
	windowVolume float64
	sessions     []*sampleRing
	status       atomic.Pointer[models.VolumeStatus]
}

// sampleRing is a fixed-capacity ring of closed-window volume totals.
type sampleRing struct {
	samples []float64
	head    int
	count   int
}

func newSampleRing(capacity int) *sampleRing {
	if capacity < 4 {
		capacity = 4
	}
	return &sampleRing{samples: make([]float64, capacity)}
}

func (r *sampleRing) push(v float64) {
	r.samples[r.head] = v
	r.head = (r.head + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

func (r *sampleRing) values() []float64 {
	out := make([]float64, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.head - r.count + i + len(r.samples)) % len(r.samples)
		out = append(out, r.samples[idx])
	}
	return out
}

// NewAnalyzer builds an analyzer from the configured window and lookback.
func NewAnalyzer(cfg appconfig.AnalyzerConfig, multipliers MultiplierSource) *Analyzer {
	window := cfg.WindowDuration
	if window <= 0 {
		window = 15 * time.Minute
	}
	lookback := cfg.BaselineLookback
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	trim := cfg.TrimFraction
	if trim < 0 || trim >= 0.5 {
		trim = 0.1
	}

	maxSamples := int(lookback / window)
	if maxSamples < 4 {
		maxSamples = 4
	}

	return &Analyzer{
		window:       window,
		trimFraction: trim,
		sessionAware: cfg.SessionAware,
		maxSamples:   maxSamples,
		multipliers:  multipliers,
		log:          logger.GetLogger(),
		symbols:      make(map[string]*symbolVolume),
	}
}

// Observe folds one liquidation event into the running delta and the current
// volume window. Long liquidations are forced sells, short liquidations forced
// buys.
func (a *Analyzer) Observe(ev models.LiquidationEvent) {
	if ev.Symbol == "" {
		return
	}
	value := ev.Value()
	if value <= 0 {
		return
	}

	t := time.UnixMilli(ev.EventTime).UTC()
	if ev.EventTime <= 0 {
		t = time.Now().UTC()
	}

	sv := a.forSymbol(ev.Symbol)
	sv.mu.Lock()
	a.rollWindows(sv, t)

	if ev.Side == models.SideShortLiquidated {
		sv.cvd += value
	} else {
		sv.cvd -= value
	}
	sv.windowVolume += value

	status := a.computeStatus(ev.Symbol, sv, t)
	sv.status.Store(&status)
	sv.mu.Unlock()
}

func (a *Analyzer) forSymbol(symbol string) *symbolVolume {
	a.mu.RLock()
	sv := a.symbols[symbol]
	a.mu.RUnlock()
	if sv != nil {
		return sv
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if sv = a.symbols[symbol]; sv != nil {
		return sv
	}

	sessionCount := 1
	if a.sessionAware {
		sessionCount = 3
	}
	sv = &symbolVolume{sessions: make([]*sampleRing, sessionCount)}
	for i := range sv.sessions {
		sv.sessions[i] = newSampleRing(a.maxSamples / sessionCount)
	}
	a.symbols[symbol] = sv
	return sv
}

// rollWindows closes every window boundary crossed since the last event.
// Quiet windows contribute zero samples so the baseline reflects inactivity.
func (a *Analyzer) rollWindows(sv *symbolVolume, t time.Time) {
	start := t.Truncate(a.window)
	if sv.windowStart.IsZero() {
		sv.windowStart = start
		return
	}
	if !start.After(sv.windowStart) {
		return
	}

	ring := sv.sessions[a.sessionIndex(sv.windowStart)]
	ring.push(sv.windowVolume)

	gaps := int(start.Sub(sv.windowStart)/a.window) - 1
	if gaps > a.maxSamples {
		gaps = a.maxSamples
	}
	for i := 0; i < gaps; i++ {
		missed := sv.windowStart.Add(time.Duration(i+1) * a.window)
		sv.sessions[a.sessionIndex(missed)].push(0)
	}

	sv.windowStart = start
	sv.windowVolume = 0
}

// sessionIndex buckets a time into the asia/europe/us trading session.
func (a *Analyzer) sessionIndex(t time.Time) int {
	if !a.sessionAware {
		return 0
	}
	switch h := t.UTC().Hour(); {
	case h < 8:
		return 0
	case h < 16:
		return 1
	default:
		return 2
	}
}

func sessionName(idx int, aware bool) string {
	if !aware {
		return "all"
	}
	switch idx {
	case 0:
		return "asia"
	case 1:
		return "europe"
	default:
		return "us"
	}
}

func (a *Analyzer) computeStatus(symbol string, sv *symbolVolume, t time.Time) models.VolumeStatus {
	baseline := trimmedMedian(sv.sessions[a.sessionIndex(t)].values(), a.trimFraction)

	ratio := 0.0
	if baseline > 0 {
		ratio = sv.windowVolume / baseline
	} else if sv.windowVolume > 0 {
		// no history yet, treat the first active window as the norm
		ratio = 1.0
	}

	mult := defaultMultiplier
	if a.multipliers != nil {
		if m := a.multipliers.VolumeMultiplier(symbol); m > 0 {
			mult = m
		}
	}

	return models.VolumeStatus{
		Symbol:         symbol,
		CVD:            sv.cvd,
		RelativeVolume: ratio,
		BaselinePerMin: baseline / a.window.Minutes(),
		Class:          classify(ratio, mult),
		UpdatedAt:      t,
	}
}

// classify maps a relative-volume ratio to a class. The moderate and high
// bands scale off the same multiplier so a regime change shifts all bands
// together.
func classify(ratio, multiplier float64) models.VolumeClass {
	switch {
	case ratio >= multiplier:
		return models.VolumeExtreme
	case ratio >= 0.75*multiplier:
		return models.VolumeHigh
	case ratio >= 0.5*multiplier:
		return models.VolumeModerate
	default:
		return models.VolumeNormal
	}
}

// trimmedMedian drops the given fraction of samples from each end before
// taking the median, so single liquidation storms do not poison the baseline.
func trimmedMedian(samples []float64, trimFraction float64) float64 {
	if len(samples) == 0 {
		return 0
	}

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	trim := int(float64(len(sorted)) * trimFraction)
	trimmed := sorted[trim : len(sorted)-trim]
	if len(trimmed) == 0 {
		trimmed = sorted
	}

	mid := len(trimmed) / 2
	if len(trimmed)%2 == 1 {
		return trimmed[mid]
	}
	return (trimmed[mid-1] + trimmed[mid]) / 2
}

// Status returns the latest view for a symbol. The bool is false until the
// symbol has seen at least one event.
func (a *Analyzer) Status(symbol string) (models.VolumeStatus, bool) {
	a.mu.RLock()
	sv := a.symbols[symbol]
	a.mu.RUnlock()
	if sv == nil {
		return models.VolumeStatus{}, false
	}
	status := sv.status.Load()
	if status == nil {
		return models.VolumeStatus{}, false
	}
	return *status, true
}

// RelativeVolume is a convenience for the cascade engine; unknown symbols
// report 0.
func (a *Analyzer) RelativeVolume(symbol string) float64 {
	status, ok := a.Status(symbol)
	if !ok {
		return 0
	}
	return status.RelativeVolume
}

// Statuses lists the latest view for every tracked symbol.
func (a *Analyzer) Statuses() []models.VolumeStatus {
	a.mu.RLock()
	symbols := make([]string, 0, len(a.symbols))
	for symbol := range a.symbols {
		symbols = append(symbols, symbol)
	}
	a.mu.RUnlock()

	sort.Strings(symbols)
	out := make([]models.VolumeStatus, 0, len(symbols))
	for _, symbol := range symbols {
		if status, ok := a.Status(symbol); ok {
			out = append(out, status)
		}
	}
	return out
}
