package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	appconfig "cascadeflow/config"
	"cascadeflow/internal/models"
)

type recordingSink struct {
	mu        sync.Mutex
	delivered []models.Alert
	fail      bool
}

func (s *recordingSink) Deliver(ctx context.Context, alert models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.delivered = append(s.delivered, alert)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func dispatcherConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Dispatcher.QueueSize = 16
	cfg.Dispatcher.DedupWindow = 5 * time.Minute
	cfg.Dispatcher.MaxPerHour = 30
	cfg.Dispatcher.MaxRetries = 2
	cfg.Dispatcher.RetryBase = time.Millisecond
	cfg.Dispatcher.RetryMax = 2 * time.Millisecond
	return cfg
}

func testAlert(id, dedupKey string, priority models.AlertPriority) models.Alert {
	return models.Alert{
		ID:        id,
		Symbol:    "BTCUSDT",
		Kind:      models.AlertLiquidationCascade,
		Level:     models.LevelAlert,
		Message:   "test alert",
		DedupKey:  dedupKey,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

func waitFor(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", deadline)
}

func TestDuplicateAlertsDispatchOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	d := NewDispatcher(dispatcherConfig(), sink)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("failed to start dispatcher: %v", err)
	}
	defer d.Stop()
	defer cancel()

	if !d.Submit(testAlert("a1", "BTCUSDT|cascade|1", models.PriorityMedium)) {
		t.Fatalf("expected first submit to be accepted")
	}
	if d.Submit(testAlert("a2", "BTCUSDT|cascade|1", models.PriorityMedium)) {
		t.Fatalf("expected duplicate submit to be rejected")
	}

	waitFor(t, time.Second, func() bool { return sink.count() == 1 })
	if sink.count() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", sink.count())
	}
}

func TestRateCeilingShedsLowPriority(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := dispatcherConfig()
	cfg.Dispatcher.MaxPerHour = 2

	sink := &recordingSink{}
	d := NewDispatcher(cfg, sink)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("failed to start dispatcher: %v", err)
	}
	defer d.Stop()
	defer cancel()

	for i := 0; i < 4; i++ {
		d.Submit(testAlert(fmt.Sprintf("a%d", i), fmt.Sprintf("key-%d", i), models.PriorityMedium))
	}

	waitFor(t, time.Second, func() bool { return sink.count() == 2 })
	time.Sleep(50 * time.Millisecond)
	if sink.count() != 2 {
		t.Fatalf("expected 2 deliveries under a ceiling of 2, got %d", sink.count())
	}
}

func TestUndeliveredAfterMaxRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{fail: true}
	d := NewDispatcher(dispatcherConfig(), sink)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("failed to start dispatcher: %v", err)
	}
	defer d.Stop()
	defer cancel()

	d.Submit(testAlert("a1", "key-1", models.PriorityHigh))

	waitFor(t, time.Second, func() bool { return len(d.Undelivered()) == 1 })

	undelivered := d.Undelivered()
	if undelivered[0].ID != "a1" {
		t.Fatalf("expected alert a1 archived, got %s", undelivered[0].ID)
	}
	if undelivered[0].Attempts != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", undelivered[0].Attempts)
	}
}

func TestQueueShedsLowestPriorityWhenFull(t *testing.T) {
	cfg := dispatcherConfig()
	cfg.Dispatcher.QueueSize = 2

	d := NewDispatcher(cfg, &recordingSink{})
	// not started: alerts accumulate in the queue

	d.Submit(testAlert("high", "k1", models.PriorityHigh))
	d.Submit(testAlert("med", "k2", models.PriorityMedium))
	if d.Submit(testAlert("low", "k3", models.PriorityLow)) {
		t.Fatalf("expected low-priority submit to be shed from a full queue")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue.Len() != 2 {
		t.Fatalf("expected queue length 2, got %d", d.queue.Len())
	}
	for _, a := range d.queue {
		if a.ID == "low" {
			t.Fatalf("expected the low-priority alert to be shed")
		}
	}
}

func TestShedAlertsAreNotSuppressed(t *testing.T) {
	cfg := dispatcherConfig()
	cfg.Dispatcher.QueueSize = 2

	d := NewDispatcher(cfg, &recordingSink{})
	// not started: alerts accumulate in the queue

	if !d.Submit(testAlert("low", "k-low", models.PriorityLow)) {
		t.Fatalf("expected first submit to be accepted")
	}
	if !d.Submit(testAlert("med", "k-med", models.PriorityMedium)) {
		t.Fatalf("expected second submit to be accepted")
	}
	// the high-priority alert evicts the low one from the full queue
	if !d.Submit(testAlert("high", "k-high", models.PriorityHigh)) {
		t.Fatalf("expected high-priority submit to be accepted")
	}

	// the evicted alert never dispatched, so the same condition must be
	// able to alert again right away
	if !d.Submit(testAlert("low-again", "k-low", models.PriorityHigh)) {
		t.Fatalf("expected resubmit of a shed condition to be accepted")
	}
}

func TestRejectedSubmitLeavesNoDedupEntry(t *testing.T) {
	cfg := dispatcherConfig()
	cfg.Dispatcher.QueueSize = 1

	d := NewDispatcher(cfg, &recordingSink{})

	d.Submit(testAlert("high", "k-high", models.PriorityHigh))
	// the low-priority alert is itself shed on overflow and must not
	// reserve its dedup key
	if d.Submit(testAlert("low", "k-low", models.PriorityLow)) {
		t.Fatalf("expected low-priority submit to be shed from a full queue")
	}

	d.mu.Lock()
	_, reserved := d.dedup["k-low"]
	d.mu.Unlock()
	if reserved {
		t.Fatalf("expected no dedup entry for an alert that never entered the queue")
	}
}

func TestHeapOrdersByPriorityThenAge(t *testing.T) {
	d := NewDispatcher(dispatcherConfig(), &recordingSink{})

	old := testAlert("old-med", "k1", models.PriorityMedium)
	old.CreatedAt = time.Now().Add(-time.Minute)
	d.Submit(old)
	d.Submit(testAlert("new-med", "k2", models.PriorityMedium))
	d.Submit(testAlert("high", "k3", models.PriorityHigh))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue[0].ID != "high" {
		t.Fatalf("expected high-priority alert at the head, got %s", d.queue[0].ID)
	}
}
