package detector

import (
	"math"

	"ictbot/internal/model"
)

// SwingGroup is a set of same-kind swings sitting within tolerance of the
// anchor (first member) price and within lookback bars of it.
type SwingGroup struct {
	Kind    model.LiquidityKind
	Members []model.SwingPoint
}

// Mean is the arithmetic mean of the first n member prices.
func (g SwingGroup) Mean(n int) float64 {
	if n > len(g.Members) {
		n = len(g.Members)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for _, m := range g.Members[:n] {
		sum += m.Price
	}
	return sum / float64(n)
}

// ConfirmIndex is the bar on which the n-th member's swing was confirmed.
func (g SwingGroup) ConfirmIndex(n, swingBars int) int {
	return g.Members[n-1].Index + swingBars
}

// WithinTolerance reports |a-b| <= tolPct percent of the reference price ref.
func WithinTolerance(ref, other, tolPct float64) bool {
	if ref == 0 {
		return other == 0
	}
	return math.Abs(other-ref)/math.Abs(ref)*100 <= tolPct
}

// GroupEqualSwings greedily clusters swing highs into BSL groups and swing
// lows into SSL groups. Each group is anchored at the earliest unassigned
// swing; groups with fewer than minTouches members are discarded.
func GroupEqualSwings(swings []model.SwingPoint, tolPct float64, lookback, minTouches int) []SwingGroup {
	var out []SwingGroup
	for _, kind := range [...]model.SwingKind{model.SwingHigh, model.SwingLow} {
		var same []model.SwingPoint
		for _, sp := range swings {
			if sp.Kind == kind {
				same = append(same, sp)
			}
		}
		used := make([]bool, len(same))
		for i := range same {
			if used[i] {
				continue
			}
			anchor := same[i]
			group := []model.SwingPoint{anchor}
			used[i] = true
			for j := i + 1; j < len(same); j++ {
				if same[j].Index-anchor.Index > lookback {
					break
				}
				if !used[j] && WithinTolerance(anchor.Price, same[j].Price, tolPct) {
					group = append(group, same[j])
					used[j] = true
				}
			}
			if len(group) < minTouches {
				continue
			}
			lk := model.BuySide
			if kind == model.SwingLow {
				lk = model.SellSide
			}
			out = append(out, SwingGroup{Kind: lk, Members: group})
		}
	}
	return out
}

// DetectEqualLevels emits one liquidity level per equal-high or equal-low
// group: price is the group mean and strength its member count.
func DetectEqualLevels(candles []model.Candle, p Params) []model.LiquidityLevel {
	bars := p.LiquiditySwingBars
	if len(candles) < 2*bars+1 {
		return nil
	}
	swings := DetectSwings(candles, bars, bars)
	groups := GroupEqualSwings(swings, p.TolerancePercent, p.LiquidityLookback, p.MinTouches)
	out := make([]model.LiquidityLevel, 0, len(groups))
	for _, g := range groups {
		out = append(out, LevelFromGroup(candles, g, len(g.Members), bars))
	}
	return out
}

// LevelFromGroup builds the level formed by the first n members of g.
func LevelFromGroup(candles []model.Candle, g SwingGroup, n, swingBars int) model.LiquidityLevel {
	first := g.Members[0]
	trigger := g.ConfirmIndex(n, swingBars)
	c := candles[first.Index]
	at := c.EventTime()
	if trigger < len(candles) {
		at = candles[trigger].EventTime()
	}
	return model.LiquidityLevel{
		ID:           model.LiquidityID(c.Symbol, c.Timeframe, g.Kind, first.Time),
		Symbol:       c.Symbol,
		Timeframe:    c.Timeframe,
		Kind:         g.Kind,
		Price:        g.Mean(n),
		Strength:     n,
		Index:        first.Index,
		TriggerIndex: trigger,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}
