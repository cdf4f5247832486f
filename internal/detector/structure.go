package detector

import "ictbot/internal/model"

// DetectSwings finds bars that dominate left neighbours before and right
// neighbours after them. Equal extremes go to the earliest bar: a bar must
// strictly exceed everything on its left but only match what follows.
// Results are ordered by index, highs before lows on the same bar.
func DetectSwings(candles []model.Candle, left, right int) []model.SwingPoint {
	if left < 1 || right < 1 || len(candles) < left+right+1 {
		return nil
	}
	out := make([]model.SwingPoint, 0, len(candles)/4)
	for i := left; i < len(candles)-right; i++ {
		hi, lo := true, true
		for j := i - left; j <= i+right; j++ {
			switch {
			case j < i:
				if candles[j].High >= candles[i].High {
					hi = false
				}
				if candles[j].Low <= candles[i].Low {
					lo = false
				}
			case j > i:
				if candles[j].High > candles[i].High {
					hi = false
				}
				if candles[j].Low < candles[i].Low {
					lo = false
				}
			}
			if !hi && !lo {
				break
			}
		}
		if hi {
			out = append(out, model.SwingPoint{Index: i, Price: candles[i].High, Kind: model.SwingHigh, Strength: right, Time: candles[i].OpenTime})
		}
		if lo {
			out = append(out, model.SwingPoint{Index: i, Price: candles[i].Low, Kind: model.SwingLow, Strength: right, Time: candles[i].OpenTime})
		}
	}
	return out
}

// StructureTracker folds swings, in index order, into a trend state and
// emits BOS/CHoCH breaks. It is the only stateful piece of the package and
// is owned by whoever feeds it.
type StructureTracker struct {
	symbol, tf string

	trend             model.Trend
	lastHigh, prvHigh *model.SwingPoint
	lastLow, prvLow   *model.SwingPoint
	lowSinceHigh      bool // an opposing swing low formed after lastHigh
	highSinceLow      bool
	lastBreakIdx      int
	last              *model.StructureBreak
}

// NewStructureTracker starts a sideways tracker.
func NewStructureTracker(symbol, tf string) *StructureTracker {
	return &StructureTracker{symbol: symbol, tf: tf, trend: model.TrendSideways, lastBreakIdx: -1}
}

// Observe applies one confirmed swing. It returns a break when the swing
// takes out the previous same-kind swing.
func (t *StructureTracker) Observe(sp model.SwingPoint) *model.StructureBreak {
	var brk *model.StructureBreak
	switch sp.Kind {
	case model.SwingHigh:
		if t.lastHigh != nil && sp.Price > t.lastHigh.Price {
			brk = t.breakOf(sp, model.Bullish, t.lastHigh.Price, t.lowSinceHigh)
		}
		t.prvHigh, t.lastHigh = t.lastHigh, &sp
		t.lowSinceHigh = false
		t.highSinceLow = true
	case model.SwingLow:
		if t.lastLow != nil && sp.Price < t.lastLow.Price {
			brk = t.breakOf(sp, model.Bearish, t.lastLow.Price, t.highSinceLow)
		}
		t.prvLow, t.lastLow = t.lastLow, &sp
		t.highSinceLow = false
		t.lowSinceHigh = true
	}
	return brk
}

func (t *StructureTracker) breakOf(sp model.SwingPoint, dir model.Direction, level float64, opposingBetween bool) *model.StructureBreak {
	if sp.Index <= t.lastBreakIdx {
		return nil
	}
	against := (dir == model.Bullish && t.trend == model.TrendBearish) ||
		(dir == model.Bearish && t.trend == model.TrendBullish)
	kind := model.BOS
	if against {
		if !opposingBetween {
			return nil
		}
		kind = model.CHoCH
	}
	if dir == model.Bullish {
		t.trend = model.TrendBullish
	} else {
		t.trend = model.TrendBearish
	}
	t.lastBreakIdx = sp.Index
	b := &model.StructureBreak{
		Symbol:    t.symbol,
		Timeframe: t.tf,
		Index:     sp.Index,
		Kind:      kind,
		Direction: dir,
		Level:     level,
		Price:     sp.Price,
		Time:      sp.Time,
	}
	t.last = b
	return b
}

// Trend returns the current trend.
func (t *StructureTracker) Trend() model.Trend { return t.trend }

// Structure returns the current summary. ok is false until both a swing
// high and a swing low have been seen.
func (t *StructureTracker) Structure() (model.MarketStructure, bool) {
	if t.lastHigh == nil || t.lastLow == nil {
		return model.MarketStructure{}, false
	}
	ms := model.MarketStructure{
		Symbol:        t.symbol,
		Timeframe:     t.tf,
		Trend:         t.trend,
		LastSwingHigh: t.lastHigh.Price,
		LastSwingLow:  t.lastLow.Price,
	}
	if t.prvHigh != nil {
		ms.PrevSwingHigh = t.prvHigh.Price
	}
	if t.prvLow != nil {
		ms.PrevSwingLow = t.prvLow.Price
	}
	ms.UpdatedAt = t.lastHigh.Time
	if t.lastLow.Time.After(ms.UpdatedAt) {
		ms.UpdatedAt = t.lastLow.Time
	}
	if t.last != nil {
		ms.LastBreakPrice = t.last.Level
		ms.LastBreakKind = t.last.Kind
		ms.LastBreakDirection = t.last.Direction
	}
	return ms, true
}

// DetectStructure runs a fresh tracker over the whole window and returns
// every break in index order.
func DetectStructure(candles []model.Candle, left, right int) []model.StructureBreak {
	swings := DetectSwings(candles, left, right)
	if len(swings) == 0 {
		return nil
	}
	sym, tf := candles[0].Symbol, candles[0].Timeframe
	t := NewStructureTracker(sym, tf)
	var out []model.StructureBreak
	for _, sp := range swings {
		if b := t.Observe(sp); b != nil {
			out = append(out, *b)
		}
	}
	return out
}
