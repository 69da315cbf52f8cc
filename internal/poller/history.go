package poller

import "time"

type historySample struct {
	ts       time.Time
	totalUsd float64
	funding  float64
}

// history is a fixed-capacity rolling window of aggregate samples for one
// symbol. Samples arrive in time order, so lookups walk backwards from the
// newest entry.
type history struct {
	samples []historySample
	head    int
	count   int
}

func newHistory(capacity int) *history {
	if capacity < 2 {
		capacity = 2
	}
	return &history{samples: make([]historySample, capacity)}
}

func (h *history) push(s historySample) {
	h.samples[h.head] = s
	h.head = (h.head + 1) % len(h.samples)
	if h.count < len(h.samples) {
		h.count++
	}
}

func (h *history) latest() (historySample, bool) {
	if h.count == 0 {
		return historySample{}, false
	}
	idx := (h.head - 1 + len(h.samples)) % len(h.samples)
	return h.samples[idx], true
}

// at returns the newest sample at or before the cutoff. When every retained
// sample is newer than the cutoff the oldest one is returned so short
// histories still yield a usable change figure.
func (h *history) at(cutoff time.Time) (historySample, bool) {
	if h.count == 0 {
		return historySample{}, false
	}
	oldest := historySample{}
	for i := 0; i < h.count; i++ {
		idx := (h.head - 1 - i + len(h.samples)) % len(h.samples)
		s := h.samples[idx]
		if !s.ts.After(cutoff) {
			return s, true
		}
		oldest = s
	}
	return oldest, true
}
