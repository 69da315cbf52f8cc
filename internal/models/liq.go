package models

import "time"

// Side classifies which positions a forced execution closed.
type Side string

const (
	SideLongLiquidated  Side = "LONG_LIQUIDATED"
	SideShortLiquidated Side = "SHORT_LIQUIDATED"
)

// RawLiquidationMessage represents a raw liquidation payload captured from an
// exchange specific stream. It keeps the raw JSON payload together with
// metadata that allows the normalizer to route the event appropriately.
type RawLiquidationMessage struct {
	Exchange  string
	Symbol    string
	Market    string
	Data      []byte
	Timestamp time.Time
}

// LiquidationEvent is the normalized, immutable form of a forced liquidation.
// The numeric payload is kept compact so per-symbol ring buffers stay bounded.
type LiquidationEvent struct {
	Exchange   string
	Symbol     string
	Side       Side
	Price      float64
	Quantity   float64
	Notional   float64
	EventTime  int64 // exchange timestamp, unix millis
	IngestTime int64 // local receive timestamp, unix millis
	TradeID    string
}

// Value returns the notional USD value of the event, deriving it from
// price*quantity when the exchange did not supply one.
func (e LiquidationEvent) Value() float64 {
	if e.Notional > 0 {
		return e.Notional
	}
	return e.Price * e.Quantity
}
