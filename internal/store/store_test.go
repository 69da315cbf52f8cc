package store

import (
	"fmt"
	"math"
	"testing"
	"time"

	"cascadeflow/internal/models"
)

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Push(models.LiquidationEvent{TradeID: fmt.Sprintf("t%d", i), EventTime: int64(i)})
	}
	if r.Len() != 3 {
		t.Fatalf("expected ring length 3, got %d", r.Len())
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 events in snapshot, got %d", len(snap))
	}
	for i, want := range []string{"t2", "t3", "t4"} {
		if snap[i].TradeID != want {
			t.Errorf("snapshot[%d] = %s, want %s", i, snap[i].TradeID, want)
		}
	}
}

func TestRingSince(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 10; i++ {
		r.Push(models.LiquidationEvent{EventTime: int64(i * 100)})
	}
	got := r.Since(500)
	if len(got) != 5 {
		t.Fatalf("expected 5 events at or after cutoff, got %d", len(got))
	}
	if got[0].EventTime != 500 {
		t.Errorf("first event time = %d, want 500", got[0].EventTime)
	}
}

func TestBucketTotalsMatchEvents(t *testing.T) {
	s := NewStore(100, 10*time.Second, time.Hour)
	base := time.Now().Truncate(10 * time.Second)

	var wantTotal, wantLong float64
	for i := 0; i < 20; i++ {
		side := models.SideShortLiquidated
		if i%2 == 0 {
			side = models.SideLongLiquidated
		}
		value := float64(1000 + i)
		if side == models.SideLongLiquidated {
			wantLong += value
		}
		wantTotal += value
		s.Add(models.LiquidationEvent{
			Exchange:  "binance",
			Symbol:    "BTCUSDT",
			Side:      side,
			Notional:  value,
			EventTime: base.Add(time.Duration(i) * 100 * time.Millisecond).UnixMilli(),
		})
	}

	buckets := s.QueryBuckets("BTCUSDT", base.Add(-time.Second), base.Add(time.Minute))
	var gotCount int
	var gotTotal, gotLong float64
	for _, b := range buckets {
		gotCount += b.Count
		gotTotal += b.TotalValue
		gotLong += b.LongValue
	}
	if gotCount != 20 {
		t.Fatalf("bucket count = %d, want 20", gotCount)
	}
	if gotTotal != wantTotal {
		t.Errorf("bucket total = %f, want %f", gotTotal, wantTotal)
	}
	if gotLong != wantLong {
		t.Errorf("bucket long value = %f, want %f", gotLong, wantLong)
	}
}

func TestBucketPriceLevelsClusterByTick(t *testing.T) {
	m := newBucketMap(10*time.Second, time.Hour)
	now := time.Now()

	// 50003 and 49998 both round to the 50000 level at a $10 tick
	for _, price := range []float64{50003, 49998, 50123} {
		m.add(models.LiquidationEvent{
			Symbol:    "BTCUSDT",
			Price:     price,
			Notional:  100,
			EventTime: now.UnixMilli(),
		})
	}

	buckets := m.query(now.Add(-time.Minute), now.Add(time.Minute), now)
	if len(buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(buckets))
	}
	levels := buckets[0].PriceLevels
	if levels[50000] != 200 {
		t.Errorf("level 50000 value = %f, want 200", levels[50000])
	}
	if levels[50120] != 100 {
		t.Errorf("level 50120 value = %f, want 100", levels[50120])
	}
	if buckets[0].LongCount+buckets[0].ShortCount != buckets[0].Count {
		t.Errorf("side counts do not sum to bucket count")
	}
}

func TestRoundToTick(t *testing.T) {
	cases := []struct {
		price float64
		want  float64
	}{
		{50003, 50000},
		{1234.4, 1234},
		{123.46, 123.5},
		{1.234, 1.23},
		{0.12344, 0.1234},
	}
	for _, tc := range cases {
		if got := roundToTick(tc.price); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("roundToTick(%f) = %f, want %f", tc.price, got, tc.want)
		}
	}
}

func TestBucketSweepEvictsExpired(t *testing.T) {
	m := newBucketMap(10*time.Second, time.Hour)
	now := time.Now()

	m.add(models.LiquidationEvent{EventTime: now.Add(-2 * time.Hour).UnixMilli(), Notional: 1})
	m.add(models.LiquidationEvent{EventTime: now.UnixMilli(), Notional: 1})

	if removed := m.sweep(now); removed != 1 {
		t.Fatalf("expected 1 bucket removed, got %d", removed)
	}
	buckets := m.query(now.Add(-3*time.Hour), now.Add(time.Minute), now)
	if len(buckets) != 1 {
		t.Fatalf("expected 1 bucket after sweep, got %d", len(buckets))
	}
}

func TestExchangesInWindow(t *testing.T) {
	s := NewStore(100, 10*time.Second, time.Hour)
	now := time.Now()
	for _, ex := range []string{"binance", "bybit", "binance", "okx"} {
		s.Add(models.LiquidationEvent{
			Exchange:  ex,
			Symbol:    "ETHUSDT",
			Notional:  500,
			EventTime: now.UnixMilli(),
		})
	}
	got := s.ExchangesInWindow("ETHUSDT", 10*time.Second)
	if len(got) != 3 {
		t.Fatalf("expected 3 distinct exchanges, got %v", got)
	}
}

func TestEventsUnknownSymbol(t *testing.T) {
	s := NewStore(10, 10*time.Second, time.Hour)
	if evs := s.Events("NOPE", time.Now().Add(-time.Minute)); len(evs) != 0 {
		t.Fatalf("expected no events for unknown symbol, got %d", len(evs))
	}
}
