package poller

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	appconfig "cascadeflow/config"
	oichannel "cascadeflow/internal/channel/oi"
	metrics "cascadeflow/internal/metrics"
	"cascadeflow/internal/models"
	"cascadeflow/internal/symbols"
	"cascadeflow/logger"

	"golang.org/x/time/rate"
)

type exchangePoll struct {
	fetcher    Fetcher
	cfg        appconfig.OpenInterestPollConfig
	limiter    *rate.Limiter
	staleAfter time.Duration
	markets    map[models.MarketType]struct{}
}

// allows reports whether the configured market-type filter admits a snapshot.
// An empty filter admits everything.
func (e *exchangePoll) allows(mt models.MarketType) bool {
	if len(e.markets) == 0 {
		return true
	}
	_, ok := e.markets[mt]
	return ok
}

// Poller periodically reads open interest and funding from every enabled
// exchange, validates the figures, aggregates them per canonical symbol and
// keeps a rolling history for change calculations. Each exchange runs on its
// own timer so one slow venue cannot stall the rest.
type Poller struct {
	config   *appconfig.Config
	channels *oichannel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	polls map[string]*exchangePoll

	stateMu   sync.RWMutex
	latest    map[string]map[string]models.OISnapshot
	histories map[string]map[string]*history // canonical symbol -> exchange|marketType
	expected  map[string]map[string]struct{}
}

// NewPoller wires fetchers for every exchange with open-interest polling
// enabled in the configuration.
func NewPoller(cfg *appconfig.Config, ch *oichannel.Channels) *Poller {
	p := &Poller{
		config:    cfg,
		channels:  ch,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		polls:     make(map[string]*exchangePoll),
		latest:    make(map[string]map[string]models.OISnapshot),
		histories: make(map[string]map[string]*history),
		expected:  make(map[string]map[string]struct{}),
	}

	if c := cfg.Source.Binance.OpenInterest; c.Enabled {
		p.register(newBinanceFetcher(c), c)
	}
	if c := cfg.Source.Bybit.OpenInterest; c.Enabled {
		p.register(newBybitFetcher(c, cfg.Source.Bybit.Category, nil), c)
	}
	if c := cfg.Source.Okx.OpenInterest; c.Enabled {
		client := &http.Client{
			Timeout:   10 * time.Second,
			Transport: userAgentTransport{agent: "cascadeflow/1.0"},
		}
		p.register(newOkxFetcher(c, client), c)
	}
	if c := cfg.Source.Kucoin.OpenInterest; c.Enabled {
		p.register(newKucoinFetcher(c, kucoinHTTPClient(cfg.Source.Kucoin)), c)
	}

	return p
}

// kucoinHTTPClient builds a pooled client from the kucoin connection settings.
func kucoinHTTPClient(cfg appconfig.KucoinSourceConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// userAgentTransport sets a User-Agent header on all outgoing requests. Some
// venues reject requests carrying the default Go agent.
type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent != "" {
		req.Header.Set("User-Agent", t.agent)
	}
	if t.base != nil {
		return t.base.RoundTrip(req)
	}
	return http.DefaultTransport.RoundTrip(req)
}

func (p *Poller) register(f Fetcher, cfg appconfig.OpenInterestPollConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rps
	}

	markets := make(map[models.MarketType]struct{}, len(cfg.MarketTypes))
	for _, m := range cfg.MarketTypes {
		mt := models.MarketType(strings.ToUpper(strings.TrimSpace(m)))
		if mt != "" {
			markets[mt] = struct{}{}
		}
	}

	exchange := f.Exchange()
	p.polls[exchange] = &exchangePoll{
		fetcher:    f,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		staleAfter: 3 * cfg.Interval,
		markets:    markets,
	}

	for _, sym := range cfg.Symbols {
		canonical := symbols.ToBinance(exchange, sym)
		if canonical == "" {
			continue
		}
		if p.expected[canonical] == nil {
			p.expected[canonical] = make(map[string]struct{})
		}
		p.expected[canonical][exchange] = struct{}{}
	}
}

// Start launches one polling loop per exchange plus the history sampler.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("open-interest poller already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("oi_poller").WithFields(logger.Fields{"operation": "Start"})

	if len(p.polls) == 0 {
		log.Warn("no exchanges enabled for open-interest polling")
		return fmt.Errorf("no exchanges enabled for open-interest polling")
	}

	for exchange, poll := range p.polls {
		p.wg.Add(1)
		go p.pollLoop(exchange, poll)
	}

	p.wg.Add(1)
	go p.sampleLoop()

	log.WithFields(logger.Fields{"exchanges": len(p.polls)}).Info("open-interest poller started")
	return nil
}

// Stop waits for all polling loops to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("oi_poller").Info("stopping open-interest poller")
	p.wg.Wait()
	p.log.WithComponent("oi_poller").Info("open-interest poller stopped")
}

func (p *Poller) pollLoop(exchange string, poll *exchangePoll) {
	defer p.wg.Done()

	log := p.log.WithComponent("oi_poller").WithFields(logger.Fields{"exchange": exchange})

	ticker := time.NewTicker(poll.cfg.Interval)
	defer ticker.Stop()

	p.pollOnce(exchange, poll, log)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(exchange, poll, log)
		}
	}
}

func (p *Poller) pollOnce(exchange string, poll *exchangePoll, log *logger.Entry) {
	timeout := p.config.Poller.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	for _, sym := range poll.cfg.Symbols {
		if err := poll.limiter.Wait(p.ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(p.ctx, timeout)
		start := time.Now()
		snap, err := poll.fetcher.Fetch(callCtx, sym)
		cancel()
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.WithError(err).WithFields(logger.Fields{"symbol": sym}).Warn("open-interest poll failed")
			continue
		}
		logger.LogPerformanceEntry(log, "oi_poller", "poll", time.Since(start), logger.Fields{
			"exchange": exchange,
			"symbol":   sym,
		})

		snap, ok := p.validate(snap, log)
		if !ok {
			metrics.EmitDropMetric(p.log, metrics.DropMetricOpenInterestRaw, exchange, "oi", snap.Symbol, "validate")
			continue
		}
		if !poll.allows(snap.MarketType) {
			continue
		}
		p.record(exchange, sym, snap)

		if p.channels.SendRaw(p.ctx, snap) {
			logger.IncrementOIPoll(1)
		} else if p.ctx.Err() != nil {
			return
		} else {
			metrics.EmitDropMetric(p.log, metrics.DropMetricOpenInterestRaw, exchange, "oi", snap.Symbol, "raw")
			log.WithFields(logger.Fields{"symbol": snap.Symbol}).Warn("open-interest channel full, dropping snapshot")
		}
	}
}

// validate cross-checks the exchange-reported USD open interest against
// tokens * reference price. A snapshot whose figures disagree beyond the
// tolerance is invalid and rejected: either the USD value or the reference
// price is wrong, and there is no way to tell which, so neither figure can be
// trusted in the aggregate or the change history.
func (p *Poller) validate(snap models.OISnapshot, log *logger.Entry) (models.OISnapshot, bool) {
	tolerance := p.config.Poller.UsdTolerance
	if tolerance <= 0 {
		tolerance = 0.02
	}

	derived := snap.OpenInterestTokens * snap.ReferencePrice
	if snap.OpenInterestUsd <= 0 {
		// venues without a USD figure report tokens only
		snap.OpenInterestUsd = derived
		return snap, snap.OpenInterestUsd > 0
	}
	if derived <= 0 {
		return snap, true
	}

	gap := math.Abs(derived-snap.OpenInterestUsd) / snap.OpenInterestUsd
	if gap > tolerance {
		log.WithFields(logger.Fields{
			"symbol":   snap.Symbol,
			"reported": snap.OpenInterestUsd,
			"derived":  derived,
			"gap":      gap,
		}).Warn("open-interest usd and token figures disagree, rejecting snapshot")
		return snap, false
	}
	return snap, true
}

func (p *Poller) record(exchange, nativeSymbol string, snap models.OISnapshot) {
	canonical := symbols.ToBinance(exchange, nativeSymbol)
	if canonical == "" {
		return
	}

	p.stateMu.Lock()
	if p.latest[canonical] == nil {
		p.latest[canonical] = make(map[string]models.OISnapshot)
	}
	p.latest[canonical][exchange] = snap
	p.stateMu.Unlock()
}

// sampleLoop pushes one sample per (exchange, symbol, marketType) into the
// rolling histories at the cadence of the fastest configured exchange.
func (p *Poller) sampleLoop() {
	defer p.wg.Done()

	interval := time.Duration(math.MaxInt64)
	for _, poll := range p.polls {
		if poll.cfg.Interval < interval {
			interval = poll.cfg.Interval
		}
	}
	if interval <= 0 || interval == time.Duration(math.MaxInt64) {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sample(time.Now().UTC())
		}
	}
}

func (p *Poller) sample(now time.Time) {
	size := p.config.Poller.HistorySize
	if size <= 0 {
		size = 288
	}

	p.stateMu.Lock()
	for symbol, snaps := range p.latest {
		for exchange, snap := range snaps {
			poll := p.polls[exchange]
			if poll != nil && now.Sub(snap.Timestamp) > poll.staleAfter {
				// a stale venue stops sampling instead of repeating
				// its last figure forever
				continue
			}
			venues := p.histories[symbol]
			if venues == nil {
				venues = make(map[string]*history)
				p.histories[symbol] = venues
			}
			key := exchange + "|" + string(snap.MarketType)
			h := venues[key]
			if h == nil {
				h = newHistory(size)
				venues[key] = h
			}
			h.push(historySample{ts: now, totalUsd: snap.OpenInterestUsd, funding: snap.FundingRate})
		}
	}
	p.stateMu.Unlock()
}

func (p *Poller) symbolsWithData() []string {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	out := make([]string, 0, len(p.latest))
	for symbol := range p.latest {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Aggregate sums the freshest snapshot from each exchange for a canonical
// symbol. Snapshots older than three poll intervals are treated as missing
// and mark the aggregate as partial rather than discarding it.
func (p *Poller) Aggregate(symbol string) (models.OIAggregate, bool) {
	symbol = strings.ToUpper(symbol)

	p.stateMu.RLock()
	snaps := p.latest[symbol]
	expected := len(p.expected[symbol])

	agg := models.OIAggregate{Symbol: symbol, Timestamp: time.Now().UTC()}
	fundingSum := 0.0
	now := time.Now()
	for exchange, snap := range snaps {
		poll := p.polls[exchange]
		if poll != nil && now.Sub(snap.Timestamp) > poll.staleAfter {
			continue
		}
		agg.TotalTokens += snap.OpenInterestTokens
		agg.TotalUsd += snap.OpenInterestUsd
		fundingSum += snap.FundingRate
		agg.Exchanges = append(agg.Exchanges, exchange)
	}
	p.stateMu.RUnlock()

	if len(agg.Exchanges) == 0 {
		return models.OIAggregate{}, false
	}
	sort.Strings(agg.Exchanges)
	agg.AvgFundingRate = fundingSum / float64(len(agg.Exchanges))
	agg.PartialCoverage = expected > 0 && len(agg.Exchanges) < expected
	return agg, true
}

// Aggregates returns the current aggregate for every symbol with data.
func (p *Poller) Aggregates() []models.OIAggregate {
	out := make([]models.OIAggregate, 0)
	for _, symbol := range p.symbolsWithData() {
		if agg, ok := p.Aggregate(symbol); ok {
			out = append(out, agg)
		}
	}
	return out
}

// Changes reports rolling open-interest change percentages and the funding
// drift for a canonical symbol. The second return is false until at least one
// venue has two history samples. A venue only contributes to a horizon when
// it has samples on both sides of it, so coverage coming and going never
// reads as an open-interest move.
func (p *Poller) Changes(symbol string) (models.OIChange, bool) {
	symbol = strings.ToUpper(symbol)
	now := time.Now().UTC()

	p.stateMu.RLock()
	defer p.stateMu.RUnlock()

	venues := p.histories[symbol]
	ready := false
	for _, h := range venues {
		if h.count >= 2 {
			ready = true
			break
		}
	}
	if !ready {
		return models.OIChange{}, false
	}

	change := func(cutoff time.Time) float64 {
		var cur, past float64
		for _, h := range venues {
			c, ok := h.latest()
			if !ok || h.count < 2 {
				continue
			}
			pst, ok := h.at(cutoff)
			if !ok || pst.totalUsd <= 0 {
				continue
			}
			cur += c.totalUsd
			past += pst.totalUsd
		}
		if past <= 0 {
			return 0
		}
		return (cur - past) / past * 100
	}

	out := models.OIChange{
		Symbol:    symbol,
		Change1m:  change(now.Add(-time.Minute)),
		Change5m:  change(now.Add(-5 * time.Minute)),
		Change1h:  change(now.Add(-time.Hour)),
		Timestamp: now,
	}

	cutoff := now.Add(-time.Hour)
	var fundingSum float64
	var fundingN int
	for _, h := range venues {
		c, ok := h.latest()
		if !ok || h.count < 2 {
			continue
		}
		pst, ok := h.at(cutoff)
		if !ok {
			continue
		}
		fundingSum += c.funding - pst.funding
		fundingN++
	}
	if fundingN > 0 {
		out.FundingDelta = fundingSum / float64(fundingN)
	}
	return out, true
}
