package kucoin

import (
	"testing"
	"time"

	"cascadeflow/config"
	liqchan "cascadeflow/internal/channel/liq"
)

func minimalConfig() *config.Config {
	return &config.Config{
		Source: config.SourceConfig{
			Kucoin: config.KucoinSourceConfig{
				Timeout: time.Second,
				Liquidation: config.LiquidationStreamConfig{
					Enabled: true,
					Symbols: []string{"XBTUSDTM"},
				},
			},
		},
	}
}

func TestNewReader(t *testing.T) {
	cfg := minimalConfig()
	r := Kucoin_LIQ_NewReader(cfg, liqchan.NewChannels(1), []string{"XBTUSDTM"})
	if r == nil {
		t.Fatal("Kucoin_LIQ_NewReader returned nil")
	}
}

func TestTimestampConversion(t *testing.T) {
	cases := []struct {
		name string
		ts   int64
		want time.Time
	}{
		{"seconds", 1_700_000_000, time.Unix(1_700_000_000, 0).UTC()},
		{"millis", 1_700_000_000_000, time.UnixMilli(1_700_000_000_000).UTC()},
		{"nanos", 1_700_000_000_000_000_000, time.Unix(0, 1_700_000_000_000_000_000).UTC()},
	}
	for _, tc := range cases {
		if got := kucoinTimestampToTime(tc.ts); !got.Equal(tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
