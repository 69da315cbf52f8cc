package processor

import (
	"context"
	"fmt"
	"sync"

	appconfig "cascadeflow/config"
	oichannel "cascadeflow/internal/channel/oi"
	"cascadeflow/internal/metrics"
	"cascadeflow/internal/models"
	"cascadeflow/logger"
)

// OIProcessor drains the raw open-interest stream, keeps a bounded history of
// recent snapshots for the dashboard and emits one gauge metric per snapshot.
type OIProcessor struct {
	config   *appconfig.Config
	channels *oichannel.Channels

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	recentMu sync.RWMutex
	recent   []models.OISnapshot
	limit    int
}

// NewOIProcessor builds the open-interest snapshot consumer.
func NewOIProcessor(cfg *appconfig.Config, ch *oichannel.Channels) *OIProcessor {
	limit := cfg.Dashboard.History
	if limit <= 0 {
		limit = 200
	}
	return &OIProcessor{
		config:   cfg,
		channels: ch,
		log:      logger.GetLogger(),
		limit:    limit,
	}
}

// Start begins consuming raw open-interest snapshots.
func (p *OIProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("open-interest processor already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	p.wg.Add(1)
	go p.worker()

	p.log.WithComponent("oi_processor").Info("open-interest processor started")
	return nil
}

// Stop waits for the consumer to drain.
func (p *OIProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.log.WithComponent("oi_processor").Info("open-interest processor stopped")
}

func (p *OIProcessor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case snap, ok := <-p.channels.Raw:
			if !ok {
				return
			}
			p.handle(snap)
		}
	}
}

func (p *OIProcessor) handle(snap models.OISnapshot) {
	p.recentMu.Lock()
	p.recent = append(p.recent, snap)
	if len(p.recent) > p.limit {
		p.recent = append([]models.OISnapshot(nil), p.recent[len(p.recent)-p.limit:]...)
	}
	p.recentMu.Unlock()

	metrics.EmitMetric(p.log, "oi_processor", "open_interest_usd", snap.OpenInterestUsd, "gauge", logger.Fields{
		"exchange": snap.Exchange,
		"symbol":   snap.Symbol,
	})
}

// Recent returns the latest snapshots, oldest first.
func (p *OIProcessor) Recent() []models.OISnapshot {
	p.recentMu.RLock()
	defer p.recentMu.RUnlock()
	return append([]models.OISnapshot(nil), p.recent...)
}
