package store

import (
	"context"
	"sync"
	"time"

	"cascadeflow/internal/models"
	"cascadeflow/logger"
)

// Store keeps the in-memory liquidation history: a fixed-capacity ring of
// recent events per symbol for sub-second window queries, plus bucketed
// aggregates for the longer horizon. Writes for a given symbol always come
// from the same processor worker; reads may come from any goroutine.
type Store struct {
	mu       sync.RWMutex
	symbols  map[string]*symbolStore
	capacity int
	duration time.Duration
	retain   time.Duration
	log      *logger.Log
}

type symbolStore struct {
	ring    *Ring
	buckets *bucketMap
}

func NewStore(ringCapacity int, bucketDuration, bucketRetention time.Duration) *Store {
	return &Store{
		symbols:  make(map[string]*symbolStore),
		capacity: ringCapacity,
		duration: bucketDuration,
		retain:   bucketRetention,
		log:      logger.GetLogger(),
	}
}

func (s *Store) forSymbol(symbol string) *symbolStore {
	s.mu.RLock()
	ss, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if ok {
		return ss
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok = s.symbols[symbol]; ok {
		return ss
	}
	ss = &symbolStore{
		ring:    NewRing(s.capacity),
		buckets: newBucketMap(s.duration, s.retain),
	}
	s.symbols[symbol] = ss
	return ss
}

// Add records a normalized event in both the ring and the bucket layer.
func (s *Store) Add(ev models.LiquidationEvent) {
	ss := s.forSymbol(ev.Symbol)
	ss.ring.Push(ev)
	ss.buckets.add(ev)
}

// Events returns the ring-buffered events for symbol with EventTime at or
// after since.
func (s *Store) Events(symbol string, since time.Time) []models.LiquidationEvent {
	s.mu.RLock()
	ss, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return ss.ring.Since(since.UnixMilli())
}

// QueryBuckets returns the bucketed aggregates for symbol overlapping
// [from, to], bounded by the retention horizon.
func (s *Store) QueryBuckets(symbol string, from, to time.Time) []Bucket {
	s.mu.RLock()
	ss, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return ss.buckets.query(from, to, time.Now())
}

// ExchangesInWindow returns the distinct exchanges that produced at least one
// event for symbol within the trailing window.
func (s *Store) ExchangesInWindow(symbol string, window time.Duration) []string {
	events := s.Events(symbol, time.Now().Add(-window))
	if len(events) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, 4)
	out := make([]string, 0, 4)
	for _, ev := range events {
		if _, ok := seen[ev.Exchange]; ok {
			continue
		}
		seen[ev.Exchange] = struct{}{}
		out = append(out, ev.Exchange)
	}
	return out
}

// Symbols returns the symbols currently tracked by the store.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	return out
}

// StartSweeper evicts expired buckets on a fixed cadence until the context is
// cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				removed := 0
				s.mu.RLock()
				stores := make([]*symbolStore, 0, len(s.symbols))
				for _, ss := range s.symbols {
					stores = append(stores, ss)
				}
				s.mu.RUnlock()
				for _, ss := range stores {
					removed += ss.buckets.sweep(now)
				}
				if removed > 0 {
					s.log.WithComponent("store").WithFields(logger.Fields{
						"buckets_removed": removed,
					}).Debug("swept expired buckets")
				}
			}
		}
	}()
}
