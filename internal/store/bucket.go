package store

import (
	"math"
	"sort"
	"sync"
	"time"

	"cascadeflow/internal/models"
)

// Bucket aggregates the liquidations of one symbol over one fixed interval.
// PriceLevels clusters liquidation value by tick-rounded price so downstream
// queries can see where in the book the forced flow landed.
type Bucket struct {
	Start         time.Time           `json:"start"`
	Count         int                 `json:"count"`
	TotalValue    float64             `json:"total_value"`
	LongCount     int                 `json:"long_count"`
	ShortCount    int                 `json:"short_count"`
	LongValue     float64             `json:"long_value"`
	ShortValue    float64             `json:"short_value"`
	MinPrice      float64             `json:"min_price"`
	MaxPrice      float64             `json:"max_price"`
	PriceLevels   map[float64]float64 `json:"price_levels"`
	ExchangeCount map[string]int      `json:"exchange_count"`
}

func (b *Bucket) add(ev models.LiquidationEvent) {
	value := ev.Value()
	b.Count++
	b.TotalValue += value
	if ev.Side == models.SideLongLiquidated {
		b.LongCount++
		b.LongValue += value
	} else {
		b.ShortCount++
		b.ShortValue += value
	}
	if b.MinPrice == 0 || ev.Price < b.MinPrice {
		b.MinPrice = ev.Price
	}
	if ev.Price > b.MaxPrice {
		b.MaxPrice = ev.Price
	}
	if b.PriceLevels == nil {
		b.PriceLevels = make(map[float64]float64, 8)
	}
	b.PriceLevels[roundToTick(ev.Price)] += value
	if b.ExchangeCount == nil {
		b.ExchangeCount = make(map[string]int, 4)
	}
	b.ExchangeCount[ev.Exchange]++
}

// roundToTick rounds a price to a tick sized for its magnitude, so BTC levels
// cluster at $10 steps while sub-dollar alts keep fractional resolution.
func roundToTick(price float64) float64 {
	tick := tickFor(price)
	return math.Round(price/tick) * tick
}

func tickFor(price float64) float64 {
	switch {
	case price >= 10_000:
		return 10
	case price >= 1_000:
		return 1
	case price >= 100:
		return 0.1
	case price >= 1:
		return 0.01
	default:
		return 0.0001
	}
}

// bucketMap holds the rolling bucketed history for one symbol. Expired buckets
// are removed lazily on access and by the owning store's periodic sweep.
type bucketMap struct {
	mu        sync.RWMutex
	duration  time.Duration
	retention time.Duration
	buckets   map[int64]*Bucket // keyed by bucket start, unix millis
}

func newBucketMap(duration, retention time.Duration) *bucketMap {
	return &bucketMap{
		duration:  duration,
		retention: retention,
		buckets:   make(map[int64]*Bucket),
	}
}

func (m *bucketMap) bucketStart(ts int64) int64 {
	d := m.duration.Milliseconds()
	return ts - ts%d
}

func (m *bucketMap) add(ev models.LiquidationEvent) {
	key := m.bucketStart(ev.EventTime)
	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = &Bucket{Start: time.UnixMilli(key).UTC()}
		m.buckets[key] = b
	}
	b.add(ev)
	m.mu.Unlock()
}

// query returns copies of the buckets overlapping [from, to], ordered by start
// time. Buckets older than the retention horizon are skipped.
func (m *bucketMap) query(from, to time.Time, now time.Time) []Bucket {
	horizon := now.Add(-m.retention).UnixMilli()
	fromMs, toMs := from.UnixMilli(), to.UnixMilli()

	m.mu.RLock()
	out := make([]Bucket, 0, 8)
	for key, b := range m.buckets {
		if key < horizon {
			continue
		}
		if key+m.duration.Milliseconds() <= fromMs || key > toMs {
			continue
		}
		cp := *b
		cp.ExchangeCount = make(map[string]int, len(b.ExchangeCount))
		for k, v := range b.ExchangeCount {
			cp.ExchangeCount[k] = v
		}
		cp.PriceLevels = make(map[float64]float64, len(b.PriceLevels))
		for k, v := range b.PriceLevels {
			cp.PriceLevels[k] = v
		}
		out = append(out, cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// sweep drops buckets older than the retention horizon and reports how many
// were removed.
func (m *bucketMap) sweep(now time.Time) int {
	horizon := now.Add(-m.retention).UnixMilli()
	removed := 0
	m.mu.Lock()
	for key := range m.buckets {
		if key < horizon {
			delete(m.buckets, key)
			removed++
		}
	}
	m.mu.Unlock()
	return removed
}
