package models

import "time"

// MarketType identifies the contract flavour an open-interest figure refers to.
type MarketType string

const (
	MarketLinearUSDT MarketType = "LINEAR_USDT"
	MarketLinearUSDC MarketType = "LINEAR_USDC"
	MarketInverse    MarketType = "INVERSE"
)

// OISnapshot is one validated open-interest/funding observation for a single
// (exchange, symbol, marketType). ReferencePrice is the price used for the
// token<->USD consistency check.
type OISnapshot struct {
	Exchange           string
	Symbol             string
	MarketType         MarketType
	OpenInterestTokens float64
	OpenInterestUsd    float64
	FundingRate        float64
	ReferencePrice     float64
	Timestamp          time.Time
}

// OIAggregate sums open interest for a symbol across exchanges. When one or
// more exchanges failed the current cycle the aggregate is flagged as partial
// rather than discarded.
type OIAggregate struct {
	Symbol          string
	TotalTokens     float64
	TotalUsd        float64
	AvgFundingRate  float64
	Exchanges       []string
	PartialCoverage bool
	Timestamp       time.Time
}

// OIChange carries percentage changes of aggregated open interest over the
// rolling history windows, plus the funding rate drift over the same horizon.
type OIChange struct {
	Symbol       string
	Change1m     float64
	Change5m     float64
	Change1h     float64
	FundingDelta float64
	Timestamp    time.Time
}
