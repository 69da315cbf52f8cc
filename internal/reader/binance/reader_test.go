package binance

import (
	"context"
	"testing"
	"time"

	"cascadeflow/config"
	liqchan "cascadeflow/internal/channel/liq"
)

func minimalConfig() *config.Config {
	return &config.Config{
		Source: config.SourceConfig{
			Binance: config.BinanceSourceConfig{
				Liquidation: config.LiquidationStreamConfig{
					Enabled:        true,
					Symbols:        []string{"BTCUSDT"},
					ReconnectDelay: time.Second,
					MaxReconnect:   5 * time.Second,
				},
			},
		},
	}
}

func TestNewReader(t *testing.T) {
	cfg := minimalConfig()
	ch := liqchan.NewChannels(1)
	r := Binance_LIQ_NewReader(cfg, ch, []string{"BTCUSDT"})
	if r == nil {
		t.Fatal("Binance_LIQ_NewReader returned nil")
	}
}

func TestStartRejectsDisabledStream(t *testing.T) {
	cfg := minimalConfig()
	cfg.Source.Binance.Liquidation.Enabled = false

	r := Binance_LIQ_NewReader(cfg, liqchan.NewChannels(1), nil)
	if err := r.Binance_LIQ_Start(context.Background()); err == nil {
		t.Fatal("expected error starting disabled stream")
	}
}

func TestStartRejectsMissingSymbols(t *testing.T) {
	cfg := minimalConfig()
	cfg.Source.Binance.Liquidation.Symbols = nil

	r := Binance_LIQ_NewReader(cfg, liqchan.NewChannels(1), nil)
	if err := r.Binance_LIQ_Start(context.Background()); err == nil {
		t.Fatal("expected error starting without symbols")
	}
}
