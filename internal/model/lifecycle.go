package model

import "time"

const (
	filledDepth    = 0.9
	mitigatedDepth = 0.3
)

// Touches reports whether the candle trades into [low, high].
func Touches(low, high float64, c Candle) bool {
	return c.Low <= high && c.High >= low
}

// OverlapDepth is how far the candle penetrated the zone from the side price
// approaches it (from above for bullish zones, from below for bearish ones),
// as a fraction of zone size clamped to [0,1].
func OverlapDepth(dir Direction, low, high float64, c Candle) float64 {
	size := high - low
	if size <= 0 || !Touches(low, high, c) {
		return 0
	}
	var d float64
	if dir == Bullish {
		d = (high - c.Low) / size
	} else {
		d = (c.High - low) / size
	}
	return clamp01(d)
}

// StatusForDepth maps a penetration depth to the status it implies.
func StatusForDepth(d float64) Status {
	switch {
	case d >= filledDepth:
		return StatusFilled
	case d > mitigatedDepth:
		return StatusMitigated
	default:
		return StatusTouched
	}
}

// advance never moves a status backwards.
func advance(cur, next Status) Status {
	if next.rank() > cur.rank() {
		return next
	}
	return cur
}

// WithCandle returns the block after applying one new candle. The second
// result is false when the block was not actionable or not touched.
func (ob OrderBlock) WithCandle(c Candle) (OrderBlock, bool) {
	if !ob.Actionable() || !Touches(ob.Low, ob.High, c) {
		return ob, false
	}
	d := OverlapDepth(ob.Direction, ob.Low, ob.High, c)
	ob.Status = advance(ob.Status, StatusForDepth(d))
	ob.TouchCount++
	if d > ob.MitigationPercent {
		ob.MitigationPercent = d
	}
	ob.UpdatedAt = c.EventTime()
	return ob, true
}

// Invalidate returns the block marked INVALIDATED.
func (ob OrderBlock) Invalidate(at time.Time) OrderBlock {
	ob.Status = StatusInvalidated
	ob.UpdatedAt = at
	return ob
}

// WithCandle returns the gap after applying one new candle.
func (g FairValueGap) WithCandle(c Candle) (FairValueGap, bool) {
	if !g.Actionable() || !Touches(g.GapLow, g.GapHigh, c) {
		return g, false
	}
	d := OverlapDepth(g.Direction, g.GapLow, g.GapHigh, c)
	g.Status = advance(g.Status, StatusForDepth(d))
	g.TouchCount++
	if d > g.FillPercent {
		g.FillPercent = d
	}
	g.UpdatedAt = c.EventTime()
	return g, true
}

// Invalidate returns the gap marked INVALIDATED.
func (g FairValueGap) Invalidate(at time.Time) FairValueGap {
	g.Status = StatusInvalidated
	g.UpdatedAt = at
	return g
}

// SweptBy reports whether the candle ran the level by more than tolPct percent.
func (l LiquidityLevel) SweptBy(c Candle, tolPct float64) bool {
	band := l.Price * tolPct / 100
	if l.Kind == BuySide {
		return c.High > l.Price+band
	}
	return c.Low < l.Price-band
}

// WithCandle marks the level swept when the candle runs it. Swept is one-way.
func (l LiquidityLevel) WithCandle(c Candle, tolPct float64) (LiquidityLevel, bool) {
	if l.Swept || !l.SweptBy(c, tolPct) {
		return l, false
	}
	l.Swept = true
	l.SweptAt = c.EventTime()
	l.UpdatedAt = l.SweptAt
	return l, true
}

// WithTouch returns the level strengthened by one more touch at price.
func (l LiquidityLevel) WithTouch(price float64, at time.Time, trigger int) LiquidityLevel {
	n := float64(l.Strength)
	l.Price = (l.Price*n + price) / (n + 1)
	l.Strength++
	l.TriggerIndex = trigger
	l.UpdatedAt = at
	return l
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
