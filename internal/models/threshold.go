package models

// Tier is the liquidity classification used to scale thresholds per asset.
// Tier 1 covers the deepest markets (BTC, ETH), tier 3 the thinnest.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// VolatilityRegime describes rolling realized volatility relative to the
// historical norm for the asset.
type VolatilityRegime string

const (
	RegimeLow    VolatilityRegime = "low"
	RegimeNormal VolatilityRegime = "normal"
	RegimeHigh   VolatilityRegime = "high"
)

// ScoreCuts are the composite-score cut points and velocity overrides that map
// a cascade score to a signal level.
type ScoreCuts struct {
	Watch           float64
	Alert           float64
	Critical        float64
	Extreme         float64
	WatchVelocity   float64 // events/s overrides
	AlertVelocity   float64
	CritVelocity    float64
	CritAccel       float64 // events/s^2, paired with CritVelocity
	ExtremeVelocity float64
}

// ThresholdSet is the immutable bundle of detection thresholds for one
// (symbol, tier). Values derived from market size are expressed against the
// rolling 24h volume/open interest so they track changing market conditions.
// Instances are never mutated after publication; readers always hold a
// consistent snapshot.
type ThresholdSet struct {
	Symbol                string
	Tier                  Tier
	Regime                VolatilityRegime
	Session               string
	CascadeMinCount       int
	CascadeMinValue       float64 // USD
	VolumeSpikeMultiplier float64
	OIChangePct           float64 // percent move that counts as an explosion
	Cuts                  ScoreCuts
}
