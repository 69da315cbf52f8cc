package poller

import (
	"context"
	"testing"
	"time"

	appconfig "cascadeflow/config"
	oichannel "cascadeflow/internal/channel/oi"
	"cascadeflow/internal/models"
)

type fakeFetcher struct {
	exchange string
	snap     models.OISnapshot
	err      error
}

func (f *fakeFetcher) Exchange() string { return f.exchange }

func (f *fakeFetcher) Fetch(ctx context.Context, symbol string) (models.OISnapshot, error) {
	if f.err != nil {
		return models.OISnapshot{}, f.err
	}
	return f.snap, nil
}

func newTestPoller(t *testing.T) *Poller {
	t.Helper()
	cfg := &appconfig.Config{}
	cfg.Poller.UsdTolerance = 0.02
	cfg.Poller.HistorySize = 16
	return NewPoller(cfg, oichannel.NewChannels(8))
}

func TestValidateRejectsInconsistentUsd(t *testing.T) {
	p := newTestPoller(t)
	log := p.log.WithComponent("poller_test")

	// 100 tokens at $10 is $1000, a reported $5000 is an 80% gap
	_, ok := p.validate(models.OISnapshot{
		Symbol:             "BTCUSDT",
		OpenInterestTokens: 100,
		ReferencePrice:     10,
		OpenInterestUsd:    5_000,
	}, log)
	if ok {
		t.Fatal("expected snapshot with inconsistent usd to be rejected")
	}

	_, ok = p.validate(models.OISnapshot{
		Symbol:             "BTCUSDT",
		OpenInterestTokens: 100,
		ReferencePrice:     50000,
		OpenInterestUsd:    6_000_000,
	}, log)
	if ok {
		t.Fatal("expected 20%% gap to be rejected at 2%% tolerance")
	}
}

func TestValidateKeepsConsistentUsd(t *testing.T) {
	p := newTestPoller(t)
	log := p.log.WithComponent("poller_test")

	snap, ok := p.validate(models.OISnapshot{
		Symbol:             "BTCUSDT",
		OpenInterestTokens: 100,
		ReferencePrice:     50000,
		OpenInterestUsd:    5_050_000, // 1% gap, inside tolerance
	}, log)

	if !ok {
		t.Fatal("expected consistent snapshot to be accepted")
	}
	if snap.OpenInterestUsd != 5_050_000 {
		t.Fatalf("expected reported usd kept, got %f", snap.OpenInterestUsd)
	}
}

func TestValidateDerivesMissingUsd(t *testing.T) {
	p := newTestPoller(t)
	log := p.log.WithComponent("poller_test")

	snap, ok := p.validate(models.OISnapshot{
		Symbol:             "ETHUSDT",
		OpenInterestTokens: 10,
		ReferencePrice:     3000,
	}, log)

	if !ok {
		t.Fatal("expected token-only snapshot to be accepted")
	}
	if snap.OpenInterestUsd != 30_000 {
		t.Fatalf("expected derived usd 30000, got %f", snap.OpenInterestUsd)
	}
}

func TestMarketTypeFilter(t *testing.T) {
	p := newTestPoller(t)

	cfg := appconfig.OpenInterestPollConfig{
		Enabled:     true,
		Symbols:     []string{"BTCUSDT"},
		Interval:    time.Minute,
		MarketTypes: []string{"linear_usdt", "INVERSE"},
	}
	p.register(&fakeFetcher{exchange: "bybit"}, cfg)

	poll := p.polls["bybit"]
	if !poll.allows(models.MarketLinearUSDT) {
		t.Fatal("expected LINEAR_USDT to pass the filter")
	}
	if !poll.allows(models.MarketInverse) {
		t.Fatal("expected INVERSE to pass the filter")
	}
	if poll.allows(models.MarketLinearUSDC) {
		t.Fatal("expected LINEAR_USDC to be filtered out")
	}

	unfiltered := appconfig.OpenInterestPollConfig{Enabled: true, Symbols: []string{"BTCUSDT"}, Interval: time.Minute}
	p.register(&fakeFetcher{exchange: "binance"}, unfiltered)
	if !p.polls["binance"].allows(models.MarketLinearUSDC) {
		t.Fatal("expected empty filter to admit every market type")
	}
}

func TestAggregatePartialCoverage(t *testing.T) {
	p := newTestPoller(t)

	binanceCfg := appconfig.OpenInterestPollConfig{Enabled: true, Symbols: []string{"BTCUSDT"}, Interval: time.Minute}
	bybitCfg := appconfig.OpenInterestPollConfig{Enabled: true, Symbols: []string{"BTCUSDT"}, Interval: time.Minute}
	p.register(&fakeFetcher{exchange: "binance"}, binanceCfg)
	p.register(&fakeFetcher{exchange: "bybit"}, bybitCfg)

	now := time.Now().UTC()
	p.record("binance", "BTCUSDT", models.OISnapshot{
		Exchange:           "binance",
		Symbol:             "BTCUSDT",
		OpenInterestTokens: 100,
		OpenInterestUsd:    5_000_000,
		FundingRate:        0.01,
		Timestamp:          now,
	})

	agg, ok := p.Aggregate("BTCUSDT")
	if !ok {
		t.Fatalf("expected aggregate for BTCUSDT")
	}
	if !agg.PartialCoverage {
		t.Fatalf("expected partial coverage with one of two exchanges reporting")
	}

	p.record("bybit", "BTCUSDT", models.OISnapshot{
		Exchange:           "bybit",
		Symbol:             "BTCUSDT",
		OpenInterestTokens: 50,
		OpenInterestUsd:    2_500_000,
		FundingRate:        0.03,
		Timestamp:          now,
	})

	agg, ok = p.Aggregate("BTCUSDT")
	if !ok {
		t.Fatalf("expected aggregate for BTCUSDT")
	}
	if agg.PartialCoverage {
		t.Fatalf("expected full coverage with both exchanges reporting")
	}
	if agg.TotalUsd != 7_500_000 {
		t.Fatalf("expected total usd 7500000, got %f", agg.TotalUsd)
	}
	if agg.TotalTokens != 150 {
		t.Fatalf("expected total tokens 150, got %f", agg.TotalTokens)
	}
	if agg.AvgFundingRate != 0.02 {
		t.Fatalf("expected avg funding 0.02, got %f", agg.AvgFundingRate)
	}
}

func TestAggregateIgnoresStaleSnapshots(t *testing.T) {
	p := newTestPoller(t)

	cfg := appconfig.OpenInterestPollConfig{Enabled: true, Symbols: []string{"BTCUSDT"}, Interval: time.Minute}
	p.register(&fakeFetcher{exchange: "binance"}, cfg)

	p.record("binance", "BTCUSDT", models.OISnapshot{
		Exchange:        "binance",
		Symbol:          "BTCUSDT",
		OpenInterestUsd: 5_000_000,
		Timestamp:       time.Now().UTC().Add(-time.Hour),
	})

	if _, ok := p.Aggregate("BTCUSDT"); ok {
		t.Fatalf("expected no aggregate when the only snapshot is stale")
	}
}

// seedHistory injects a rolling history for one venue of a symbol.
func seedHistory(p *Poller, symbol, venue string, samples []historySample) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.histories[symbol] == nil {
		p.histories[symbol] = make(map[string]*history)
	}
	h := newHistory(16)
	for _, s := range samples {
		h.push(s)
	}
	p.histories[symbol][venue] = h
}

func TestChanges(t *testing.T) {
	p := newTestPoller(t)
	now := time.Now().UTC()

	seedHistory(p, "BTCUSDT", "binance|LINEAR_USDT", []historySample{
		{ts: now.Add(-time.Hour), totalUsd: 1_000_000, funding: 0.01},
		{ts: now.Add(-5 * time.Minute), totalUsd: 1_100_000, funding: 0.015},
		{ts: now.Add(-time.Minute), totalUsd: 1_200_000, funding: 0.02},
		{ts: now, totalUsd: 1_320_000, funding: 0.025},
	})

	change, ok := p.Changes("BTCUSDT")
	if !ok {
		t.Fatalf("expected change figures")
	}
	if got, want := change.Change1m, 10.0; !closeEnough(got, want) {
		t.Fatalf("expected 1m change %.2f, got %.2f", want, got)
	}
	if got, want := change.Change5m, 20.0; !closeEnough(got, want) {
		t.Fatalf("expected 5m change %.2f, got %.2f", want, got)
	}
	if got, want := change.Change1h, 32.0; !closeEnough(got, want) {
		t.Fatalf("expected 1h change %.2f, got %.2f", want, got)
	}
	if got, want := change.FundingDelta, 0.015; !closeEnough(got, want) {
		t.Fatalf("expected funding delta %.3f, got %.3f", want, got)
	}
}

func TestChangesNeedTwoSamples(t *testing.T) {
	p := newTestPoller(t)
	seedHistory(p, "BTCUSDT", "binance|LINEAR_USDT", []historySample{
		{ts: time.Now().UTC(), totalUsd: 100},
	})
	if _, ok := p.Changes("BTCUSDT"); ok {
		t.Fatalf("expected no change figures with a single sample")
	}
}

func TestChangesUnmovedByVenueGoingStale(t *testing.T) {
	p := newTestPoller(t)
	now := time.Now().UTC()

	// two venues flat at $1M each; bybit stops sampling five minutes ago.
	// open interest did not move, so no horizon may read the lost venue
	// as a drop.
	seedHistory(p, "BTCUSDT", "binance|LINEAR_USDT", []historySample{
		{ts: now.Add(-10 * time.Minute), totalUsd: 1_000_000},
		{ts: now.Add(-5 * time.Minute), totalUsd: 1_000_000},
		{ts: now, totalUsd: 1_000_000},
	})
	seedHistory(p, "BTCUSDT", "bybit|LINEAR_USDT", []historySample{
		{ts: now.Add(-10 * time.Minute), totalUsd: 1_000_000},
		{ts: now.Add(-5 * time.Minute), totalUsd: 1_000_000},
	})

	change, ok := p.Changes("BTCUSDT")
	if !ok {
		t.Fatalf("expected change figures")
	}
	if !closeEnough(change.Change5m, 0) {
		t.Fatalf("expected flat 5m change with one venue stale, got %.2f", change.Change5m)
	}
	if !closeEnough(change.Change1m, 0) {
		t.Fatalf("expected flat 1m change with one venue stale, got %.2f", change.Change1m)
	}
}

func TestChangesKeepVenuesSeparate(t *testing.T) {
	p := newTestPoller(t)
	now := time.Now().UTC()

	// binance doubles, bybit halves from an equal base: $2M -> $2.5M overall
	seedHistory(p, "BTCUSDT", "binance|LINEAR_USDT", []historySample{
		{ts: now.Add(-5 * time.Minute), totalUsd: 1_000_000},
		{ts: now, totalUsd: 2_000_000},
	})
	seedHistory(p, "BTCUSDT", "bybit|LINEAR_USDT", []historySample{
		{ts: now.Add(-5 * time.Minute), totalUsd: 1_000_000},
		{ts: now, totalUsd: 500_000},
	})

	change, ok := p.Changes("BTCUSDT")
	if !ok {
		t.Fatalf("expected change figures")
	}
	if got, want := change.Change5m, 25.0; !closeEnough(got, want) {
		t.Fatalf("expected 5m change %.2f, got %.2f", want, got)
	}
}

func closeEnough(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-6
}
