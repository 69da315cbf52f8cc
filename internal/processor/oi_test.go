package processor

import (
	"context"
	"testing"
	"time"

	appconfig "cascadeflow/config"
	oichannel "cascadeflow/internal/channel/oi"
	"cascadeflow/internal/models"
)

func TestOIProcessorKeepsBoundedHistory(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Dashboard.History = 3

	ch := oichannel.NewChannels(8)
	p := NewOIProcessor(cfg, ch)

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("failed to start oi processor: %v", err)
	}
	defer p.Stop()
	defer cancel()

	for i := 0; i < 5; i++ {
		ch.SendRaw(ctx, models.OISnapshot{
			Exchange:        "binance",
			Symbol:          "BTCUSDT",
			OpenInterestUsd: float64(i),
			Timestamp:       time.Now(),
		})
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		recent := p.Recent()
		if len(recent) == 3 && recent[0].OpenInterestUsd == 2 && recent[2].OpenInterestUsd == 4 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the 3 newest snapshots retained, got %#v", p.Recent())
}

func TestOIProcessorStartTwice(t *testing.T) {
	cfg := &appconfig.Config{}
	p := NewOIProcessor(cfg, oichannel.NewChannels(1))

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	defer p.Stop()
	defer cancel()

	if err := p.Start(ctx); err == nil {
		t.Fatal("expected error on double start")
	}
}
