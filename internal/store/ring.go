package store

import (
	"sync"

	"cascadeflow/internal/models"
)

// Ring is a fixed-capacity buffer of normalized liquidation events for one
// symbol. When full, the oldest event is overwritten. Writes come from the
// single processor worker that owns the symbol; reads take a consistent copy.
type Ring struct {
	mu    sync.RWMutex
	buf   []models.LiquidationEvent
	head  int
	count int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]models.LiquidationEvent, capacity)}
}

// Push appends an event, overwriting the oldest entry when the buffer is full.
func (r *Ring) Push(ev models.LiquidationEvent) {
	r.mu.Lock()
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Len returns the number of buffered events.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Snapshot returns a copy of the buffered events ordered oldest to newest.
func (r *Ring) Snapshot() []models.LiquidationEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.LiquidationEvent, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Since returns the buffered events with EventTime at or after cutoff (unix
// millis) in insertion order. Insertion order is ingest order, which can
// diverge slightly from event time across exchanges, so the result is filtered
// rather than sliced.
func (r *Ring) Since(cutoff int64) []models.LiquidationEvent {
	all := r.Snapshot()
	out := all[:0:0]
	for _, ev := range all {
		if ev.EventTime >= cutoff {
			out = append(out, ev)
		}
	}
	return out
}
