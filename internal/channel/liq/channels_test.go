package liq

import (
	"context"
	"testing"
	"time"

	"cascadeflow/internal/models"
)

func TestChannels_SendRaw(t *testing.T) {
	ch := NewChannels(1)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg := models.RawLiquidationMessage{Exchange: "binance", Symbol: "BTCUSDT", Market: "liquidation"}
	if !ch.SendRaw(ctx, msg) {
		t.Fatalf("expected send to succeed")
	}
	if stats := ch.GetStats(); stats.RawSent != 1 {
		t.Fatalf("expected raw sent counter to be 1, got %d", stats.RawSent)
	}

	// buffer full should increment dropped counter
	if ch.SendRaw(ctx, msg) {
		t.Fatalf("expected send to fail due to full buffer")
	}
	if stats := ch.GetStats(); stats.RawDropped != 1 {
		t.Fatalf("expected raw dropped counter to be 1, got %d", stats.RawDropped)
	}
}

func TestChannels_SendRawCancelledContext(t *testing.T) {
	ch := NewChannels(0)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := models.RawLiquidationMessage{Exchange: "okx", Symbol: "BTC-USDT-SWAP", Market: "liquidation"}
	if ch.SendRaw(ctx, msg) {
		t.Fatalf("expected send to fail on cancelled context")
	}
	if stats := ch.GetStats(); stats.RawSent != 0 {
		t.Fatalf("expected no sends recorded, got %d", stats.RawSent)
	}
}
