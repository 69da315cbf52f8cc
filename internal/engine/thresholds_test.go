package engine

import (
	"testing"
	"time"

	appconfig "cascadeflow/config"
	"cascadeflow/internal/models"
)

type fixedMarket struct {
	agg models.OIAggregate
	ok  bool
}

func (f fixedMarket) Aggregate(string) (models.OIAggregate, bool) { return f.agg, f.ok }

func thresholdConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Thresholds.RecomputeInterval = time.Minute
	cfg.Thresholds.Tiers = map[string]int{"BTCUSDT": 1, "SOLUSDT": 2}
	cfg.Thresholds.DefaultTier = 3
	cfg.Thresholds.CascadeValuePct = 0.001
	cfg.Thresholds.MinCascadeCount = 5
	return cfg
}

func TestTierScaling(t *testing.T) {
	e := NewThresholdEngine(thresholdConfig(), fixedMarket{}, nil)

	tier1 := e.Current("BTCUSDT")
	if tier1.Tier != models.Tier1 {
		t.Fatalf("expected tier 1 for BTCUSDT, got %d", tier1.Tier)
	}
	if tier1.VolumeSpikeMultiplier != 2.5 {
		t.Fatalf("expected 2.5x multiplier for tier 1, got %f", tier1.VolumeSpikeMultiplier)
	}
	if tier1.OIChangePct != 15 {
		t.Fatalf("expected 15%% oi threshold for tier 1, got %f", tier1.OIChangePct)
	}

	tier3 := e.Current("DOGEUSDT")
	if tier3.Tier != models.Tier3 {
		t.Fatalf("expected default tier 3, got %d", tier3.Tier)
	}
	if tier3.VolumeSpikeMultiplier != 4.0 {
		t.Fatalf("expected 4.0x multiplier for tier 3, got %f", tier3.VolumeSpikeMultiplier)
	}
	if tier3.Cuts.ExtremeVelocity >= tier1.Cuts.ExtremeVelocity {
		t.Fatalf("expected thinner tiers to trip at lower velocities")
	}
}

func TestCascadeMinValueTracksMarketSize(t *testing.T) {
	withOI := NewThresholdEngine(thresholdConfig(), fixedMarket{
		agg: models.OIAggregate{Symbol: "BTCUSDT", TotalUsd: 2_000_000_000},
		ok:  true,
	}, nil)
	set := withOI.Current("BTCUSDT")
	if set.CascadeMinValue != 2_000_000 {
		t.Fatalf("expected min value 0.1%% of 2B, got %f", set.CascadeMinValue)
	}

	withoutOI := NewThresholdEngine(thresholdConfig(), fixedMarket{}, nil)
	set = withoutOI.Current("BTCUSDT")
	if set.CascadeMinValue != fallbackCascadeValue {
		t.Fatalf("expected fallback min value, got %f", set.CascadeMinValue)
	}
}

func TestSessionBuckets(t *testing.T) {
	cases := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC), "asia"},      // monday
		{time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC), "europe"},   // monday
		{time.Date(2026, 1, 5, 20, 0, 0, 0, time.UTC), "us"},       // monday
		{time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC), "weekend"},  // saturday
	}
	for _, tc := range cases {
		if got := sessionFor(tc.at); got != tc.want {
			t.Fatalf("%v: expected session %s, got %s", tc.at, tc.want, got)
		}
	}
}

func TestRecomputePublishesSnapshot(t *testing.T) {
	e := NewThresholdEngine(thresholdConfig(), fixedMarket{}, nil)

	table := e.table.Load()
	if table == nil {
		t.Fatalf("expected a published threshold table")
	}
	if _, ok := (*table)["BTCUSDT"]; !ok {
		t.Fatalf("expected BTCUSDT in the initial table")
	}
	if _, ok := (*table)["SOLUSDT"]; !ok {
		t.Fatalf("expected SOLUSDT in the initial table")
	}
}
