package dispatch

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "cascadeflow/config"
	metrics "cascadeflow/internal/metrics"
	"cascadeflow/internal/models"
	"cascadeflow/logger"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"
)

// alertHeap orders pending alerts by priority, oldest first within a
// priority. It is the one structure multiple writers contend on, so all
// access goes through the dispatcher mutex.
type alertHeap []models.Alert

func (h alertHeap) Len() int { return len(h) }

func (h alertHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h alertHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *alertHeap) Push(x any) { *h = append(*h, x.(models.Alert)) }

func (h *alertHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// lowestIndex finds the entry that sheds first when the queue or the rate
// ceiling overflows.
func (h alertHeap) lowestIndex() int {
	lowest := 0
	for i := 1; i < len(h); i++ {
		if h[i].Priority < h[lowest].Priority ||
			(h[i].Priority == h[lowest].Priority && h[i].CreatedAt.After(h[lowest].CreatedAt)) {
			lowest = i
		}
	}
	return lowest
}

// Dispatcher owns the alert delivery pipeline: dedup, priority queueing, the
// hourly rate ceiling and retries. Alerts that exhaust their retries are kept
// as undelivered for audit instead of being re-queued forever.
type Dispatcher struct {
	config *appconfig.Config
	sink   Sink
	log    *logger.Log

	mu      sync.Mutex
	queue   alertHeap
	dedup   map[string]time.Time
	limiter *rate.Limiter
	notify  chan struct{}

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	wg      sync.WaitGroup

	auditMu     sync.RWMutex
	delivered   []models.Alert
	undelivered []models.Alert
}

// NewDispatcher builds a dispatcher delivering through the given sink.
func NewDispatcher(cfg *appconfig.Config, sink Sink) *Dispatcher {
	maxPerHour := cfg.Dispatcher.MaxPerHour
	if maxPerHour <= 0 {
		maxPerHour = 30
	}
	return &Dispatcher{
		config:  cfg,
		sink:    sink,
		log:     logger.GetLogger(),
		dedup:   make(map[string]time.Time),
		limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(maxPerHour)), maxPerHour),
		notify:  make(chan struct{}, 1),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.runMu.Lock()
	if d.running {
		d.runMu.Unlock()
		return fmt.Errorf("alert dispatcher already running")
	}
	d.running = true
	d.ctx = ctx
	d.runMu.Unlock()

	d.wg.Add(1)
	go d.deliverLoop()

	d.log.WithComponent("alert_dispatcher").WithFields(logger.Fields{
		"dedup_window": d.dedupWindow().String(),
		"max_per_hour": d.config.Dispatcher.MaxPerHour,
	}).Info("alert dispatcher started")
	return nil
}

// Stop waits for the delivery worker to exit.
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return
	}
	d.running = false
	d.runMu.Unlock()
	d.wg.Wait()
	d.log.WithComponent("alert_dispatcher").Info("alert dispatcher stopped")
}

func (d *Dispatcher) dedupWindow() time.Duration {
	if w := d.config.Dispatcher.DedupWindow; w > 0 {
		return w
	}
	return 5 * time.Minute
}

func (d *Dispatcher) queueSize() int {
	if s := d.config.Dispatcher.QueueSize; s > 0 {
		return s
	}
	return 256
}

// Submit enqueues an alert for delivery. Duplicates inside the dedup window
// are dropped silently; when the queue is full the lowest-priority entry is
// shed to make room. Returns whether the alert entered the queue.
func (d *Dispatcher) Submit(alert models.Alert) bool {
	now := time.Now()

	d.mu.Lock()
	if expiry, ok := d.dedup[alert.DedupKey]; ok && now.Before(expiry) {
		d.mu.Unlock()
		return false
	}

	heap.Push(&d.queue, alert)
	var shed *models.Alert
	if d.queue.Len() > d.queueSize() {
		idx := d.queue.lowestIndex()
		dropped := heap.Remove(&d.queue, idx).(models.Alert)
		shed = &dropped
		// a shed alert was never dispatched, so its condition must be
		// allowed to re-alert immediately
		delete(d.dedup, dropped.DedupKey)
	}
	if shed == nil || shed.ID != alert.ID {
		d.dedup[alert.DedupKey] = now.Add(d.dedupWindow())
	}
	d.purgeDedupLocked(now)
	d.mu.Unlock()

	if shed != nil {
		metrics.EmitDropMetric(d.log, metrics.DropMetricAlert, "", "", shed.Symbol, "queue")
		d.log.WithComponent("alert_dispatcher").WithFields(logger.Fields{
			"symbol":   shed.Symbol,
			"kind":     string(shed.Kind),
			"priority": shed.Priority.String(),
		}).Warn("queue full, shedding lowest-priority alert")
		if shed.ID == alert.ID {
			return false
		}
	}

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return true
}

func (d *Dispatcher) purgeDedupLocked(now time.Time) {
	if len(d.dedup) < 1024 {
		return
	}
	for key, expiry := range d.dedup {
		if now.After(expiry) {
			delete(d.dedup, key)
		}
	}
}

func (d *Dispatcher) deliverLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.notify:
		}

		for {
			d.mu.Lock()
			if d.queue.Len() == 0 {
				d.mu.Unlock()
				break
			}
			alert := heap.Pop(&d.queue).(models.Alert)
			d.mu.Unlock()

			if !d.limiter.Allow() {
				// over the hourly ceiling: only high-priority alerts are
				// worth waiting for a token, everything else sheds
				if alert.Priority < models.PriorityHigh {
					metrics.EmitDropMetric(d.log, metrics.DropMetricAlert, "", "", alert.Symbol, "rate_limit")
					d.log.WithComponent("alert_dispatcher").WithFields(logger.Fields{
						"symbol":   alert.Symbol,
						"kind":     string(alert.Kind),
						"priority": alert.Priority.String(),
					}).Warn("hourly alert ceiling reached, shedding alert")
					continue
				}
				if err := d.limiter.Wait(d.ctx); err != nil {
					return
				}
			}

			d.deliver(alert)
		}
	}
}

// deliver pushes one alert through the sink with capped exponential backoff.
func (d *Dispatcher) deliver(alert models.Alert) {
	log := d.log.WithComponent("alert_dispatcher").WithFields(logger.Fields{
		"alert_id": alert.ID,
		"symbol":   alert.Symbol,
		"kind":     string(alert.Kind),
	})

	maxRetries := d.config.Dispatcher.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	retry := &backoff.Backoff{
		Min:    d.config.Dispatcher.RetryBase,
		Max:    d.config.Dispatcher.RetryMax,
		Jitter: true,
	}
	if retry.Min <= 0 {
		retry.Min = time.Second
	}
	if retry.Max <= 0 {
		retry.Max = time.Minute
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		alert.Attempts = attempt + 1
		err := d.sink.Deliver(d.ctx, alert)
		if err == nil {
			logger.IncrementAlertDispatched()
			d.recordDelivered(alert)
			log.WithFields(logger.Fields{"attempts": alert.Attempts}).Info("alert delivered")
			return
		}
		if d.ctx.Err() != nil {
			return
		}
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt + 1}).Warn("alert delivery failed")

		if attempt == maxRetries {
			break
		}
		select {
		case <-time.After(retry.Duration()):
		case <-d.ctx.Done():
			return
		}
	}

	d.recordUndelivered(alert)
	log.WithFields(logger.Fields{"attempts": alert.Attempts}).Error("alert undelivered after max retries, archiving")
}

func (d *Dispatcher) recordDelivered(alert models.Alert) {
	d.auditMu.Lock()
	d.delivered = appendBounded(d.delivered, alert, 256)
	d.auditMu.Unlock()
}

func (d *Dispatcher) recordUndelivered(alert models.Alert) {
	d.auditMu.Lock()
	d.undelivered = appendBounded(d.undelivered, alert, 256)
	d.auditMu.Unlock()
}

func appendBounded(list []models.Alert, alert models.Alert, limit int) []models.Alert {
	list = append(list, alert)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

// Delivered returns the recent successfully delivered alerts, newest last.
func (d *Dispatcher) Delivered() []models.Alert {
	d.auditMu.RLock()
	defer d.auditMu.RUnlock()
	return append([]models.Alert(nil), d.delivered...)
}

// Undelivered returns alerts that exhausted their retries.
func (d *Dispatcher) Undelivered() []models.Alert {
	d.auditMu.RLock()
	defer d.auditMu.RUnlock()
	return append([]models.Alert(nil), d.undelivered...)
}
