package model

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the bias of a zone or signal.
type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
)

// Trend is the market-structure state of one timeframe.
type Trend string

const (
	TrendBullish  Trend = "bullish"
	TrendBearish  Trend = "bearish"
	TrendSideways Trend = "sideways"
)

// Status is the lifecycle state of an order block or fair value gap.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusTouched     Status = "TOUCHED"
	StatusMitigated   Status = "MITIGATED"
	StatusFilled      Status = "FILLED"
	StatusInvalidated Status = "INVALIDATED"
)

// rank orders statuses so transitions only move forward.
func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusTouched:
		return 1
	case StatusMitigated:
		return 2
	case StatusFilled:
		return 3
	case StatusInvalidated:
		return 4
	default:
		return -1
	}
}

// Actionable reports whether a zone in this state can still produce signals.
func (s Status) Actionable() bool {
	return s == StatusActive || s == StatusTouched
}

// LiquidityKind distinguishes buy-side from sell-side liquidity.
type LiquidityKind string

const (
	BuySide  LiquidityKind = "BSL" // resting buy stops above equal highs
	SellSide LiquidityKind = "SSL" // resting sell stops below equal lows
)

type SwingKind string

const (
	SwingHigh SwingKind = "high"
	SwingLow  SwingKind = "low"
)

type BreakKind string

const (
	BOS   BreakKind = "BOS"
	CHoCH BreakKind = "CHoCH"
)

// SwingPoint is a confirmed local extremum. Strength is the symmetric
// neighbour count used to confirm it.
type SwingPoint struct {
	Index    int       `json:"index"`
	Price    float64   `json:"price"`
	Kind     SwingKind `json:"kind"`
	Strength int       `json:"strength"`
	Time     time.Time `json:"time"`
}

// StructureBreak is a BOS or CHoCH. Index is the swing that broke Level.
type StructureBreak struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Index     int       `json:"index"`
	Kind      BreakKind `json:"kind"`
	Direction Direction `json:"direction"`
	Level     float64   `json:"level"`
	Price     float64   `json:"price"`
	Time      time.Time `json:"time"`
}

// OrderBlock is the last opposing candle before a displacement.
type OrderBlock struct {
	ID                string    `json:"id"`
	Symbol            string    `json:"symbol"`
	Timeframe         string    `json:"timeframe"`
	Direction         Direction `json:"direction"`
	Low               float64   `json:"low"`
	High              float64   `json:"high"`
	Index             int       `json:"index"`         // origin candle
	TriggerIndex      int       `json:"trigger_index"` // displacement candle
	Displacement      float64   `json:"displacement"`  // displacement candle range
	Strength          float64   `json:"strength"`
	Status            Status    `json:"status"`
	TouchCount        int       `json:"touch_count"`
	MitigationPercent float64   `json:"mitigation_percent"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (ob OrderBlock) FeatureID() string { return ob.ID }
func (ob OrderBlock) OriginIndex() int { return ob.Index }
func (ob OrderBlock) Actionable() bool { return ob.Status.Actionable() }
func (ob OrderBlock) Bounds() (low, high float64) { return ob.Low, ob.High }
func (ob OrderBlock) Bias() Direction { return ob.Direction }
func (ob OrderBlock) Valid() bool { return ob.High > ob.Low && ob.Strength >= 0 }
func (ob OrderBlock) Mitigation() float64 { return ob.MitigationPercent }
func (ob OrderBlock) LifecycleStatus() Status { return ob.Status }

// Shift moves the window-relative indexes by d.
func (ob OrderBlock) Shift(d int) OrderBlock {
	ob.Index += d
	ob.TriggerIndex += d
	return ob
}

// FairValueGap is a three-candle imbalance. Index is the middle candle.
type FairValueGap struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Timeframe    string    `json:"timeframe"`
	Direction    Direction `json:"direction"`
	GapLow       float64   `json:"gap_low"`
	GapHigh      float64   `json:"gap_high"`
	GapSize      float64   `json:"gap_size"`
	Index        int       `json:"index"`
	TriggerIndex int       `json:"trigger_index"` // third candle
	Status       Status    `json:"status"`
	TouchCount   int       `json:"touch_count"`
	FillPercent  float64   `json:"fill_percent"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (g FairValueGap) FeatureID() string { return g.ID }
func (g FairValueGap) OriginIndex() int { return g.Index }
func (g FairValueGap) Actionable() bool { return g.Status.Actionable() }
func (g FairValueGap) Bounds() (low, high float64) { return g.GapLow, g.GapHigh }
func (g FairValueGap) Bias() Direction { return g.Direction }
func (g FairValueGap) Valid() bool { return g.GapHigh > g.GapLow && g.GapSize >= 0 }
func (g FairValueGap) Mitigation() float64 { return g.FillPercent }
func (g FairValueGap) LifecycleStatus() Status { return g.Status }

// Shift moves the window-relative indexes by d.
func (g FairValueGap) Shift(d int) FairValueGap {
	g.Index += d
	g.TriggerIndex += d
	return g
}

// LiquidityLevel is a cluster of equal highs (BSL) or equal lows (SSL).
type LiquidityLevel struct {
	ID           string        `json:"id"`
	Symbol       string        `json:"symbol"`
	Timeframe    string        `json:"timeframe"`
	Kind         LiquidityKind `json:"kind"`
	Price        float64       `json:"price"`
	Strength     int           `json:"strength"` // number of touches
	Index        int           `json:"index"`    // first touch
	TriggerIndex int           `json:"trigger_index"`
	Swept        bool          `json:"swept"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	SweptAt      time.Time     `json:"swept_at,omitempty"`
}

func (l LiquidityLevel) FeatureID() string { return l.ID }
func (l LiquidityLevel) OriginIndex() int { return l.Index }
func (l LiquidityLevel) Actionable() bool { return !l.Swept }
func (l LiquidityLevel) Valid() bool { return l.Strength >= 1 }

// Side returns the direction a sweep of this level would suggest.
func (l LiquidityLevel) Side() Direction {
	if l.Kind == BuySide {
		return Bearish
	}
	return Bullish
}

// MarketStructure summarises trend and the most recent swings of one timeframe.
type MarketStructure struct {
	Symbol             string    `json:"symbol"`
	Timeframe          string    `json:"timeframe"`
	Trend              Trend     `json:"trend"`
	LastSwingHigh      float64   `json:"last_swing_high"`
	LastSwingLow       float64   `json:"last_swing_low"`
	PrevSwingHigh      float64   `json:"prev_swing_high"`
	PrevSwingLow       float64   `json:"prev_swing_low"`
	LastBreakPrice     float64   `json:"last_break_price"`
	LastBreakKind      BreakKind `json:"last_break_kind,omitempty"`
	LastBreakDirection Direction `json:"last_break_direction,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Valid reports the structure invariant last_swing_high > last_swing_low.
func (m MarketStructure) Valid() bool { return m.LastSwingHigh > m.LastSwingLow }

// Displacement is an unusually large-range candle.
type Displacement struct {
	Index     int       `json:"index"`
	Direction Direction `json:"direction"`
	Range     float64   `json:"range"`
	AvgRange  float64   `json:"avg_range"`
	Ratio     float64   `json:"ratio"`
	Time      time.Time `json:"time"`
}

// Inducement is a one-bar-confirmed false breakout of a recent extreme.
// Direction is the expected move after the trap.
type Inducement struct {
	Index        int       `json:"index"`
	ConfirmIndex int       `json:"confirm_index"`
	Direction    Direction `json:"direction"`
	Level        float64   `json:"level"`
	Extreme      float64   `json:"extreme"`
	Time         time.Time `json:"time"`
}

// MitigationZone records price re-entering a previously detected zone.
type MitigationZone struct {
	ZoneID    string    `json:"zone_id"`
	Direction Direction `json:"direction"`
	Index     int       `json:"index"` // first re-entry
	Depth     float64   `json:"depth"` // deepest penetration, [0,1]
	Status    Status    `json:"status"`
	Time      time.Time `json:"time"`
}

// Feature is what the bounded per-timeframe stores hold.
type Feature interface {
	FeatureID() string
	OriginIndex() int
	Actionable() bool
}

// Zone is a price range with a bias: order blocks and fair value gaps.
type Zone interface {
	FeatureID() string
	Bounds() (low, high float64)
	Bias() Direction
}

// PriceIn reports whether price lies inside the zone, bounds inclusive.
func PriceIn(z Zone, price float64) bool {
	low, high := z.Bounds()
	return price >= low && price <= high
}

// featureID builds a deterministic id from the origin candle.
func featureID(kind, symbol, tf, side string, origin time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d", kind, strings.ToLower(symbol), tf, side, origin.UnixMilli())
}

func OrderBlockID(symbol, tf string, dir Direction, origin time.Time) string {
	return featureID("ob", symbol, tf, string(dir), origin)
}

func FVGID(symbol, tf string, dir Direction, origin time.Time) string {
	return featureID("fvg", symbol, tf, string(dir), origin)
}

func LiquidityID(symbol, tf string, kind LiquidityKind, origin time.Time) string {
	return featureID("liq", symbol, tf, strings.ToLower(string(kind)), origin)
}
