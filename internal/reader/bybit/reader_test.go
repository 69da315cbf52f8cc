package bybit

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
			Bybit: config.BybitSourceConfig{
				Category: "linear",
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
	r := Bybit_LIQ_NewReader(cfg, liqchan.NewChannels(1), []string{"BTCUSDT"})
	if r == nil {
		t.Fatal("Bybit_LIQ_NewReader returned nil")
	}
}

func TestStartRejectsDisabledStream(t *testing.T) {
	cfg := minimalConfig()
	cfg.Source.Bybit.Liquidation.Enabled = false

	r := Bybit_LIQ_NewReader(cfg, liqchan.NewChannels(1), nil)
	if err := r.Bybit_LIQ_Start(context.Background()); err == nil {
		t.Fatal("expected error starting disabled stream")
	}
}

func TestStartRejectsMissingSymbols(t *testing.T) {
	cfg := minimalConfig()
	cfg.Source.Bybit.Liquidation.Symbols = nil

	r := Bybit_LIQ_NewReader(cfg, liqchan.NewChannels(1), nil)
	if err := r.Bybit_LIQ_Start(context.Background()); err == nil {
		t.Fatal("expected error starting without symbols")
	}
}
