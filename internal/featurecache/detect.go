package featurecache

import (
	"ictbot/internal/detector"
	"ictbot/internal/model"
)

// batch holds everything confirmed on one candle, in absolute indexes.
type batch struct {
	orderBlocks []model.OrderBlock
	fvgs        []model.FairValueGap
	milestones  []milestone
	swings      []model.SwingPoint
}

// milestone is an equal-highs/lows group reaching n touches. level is the
// level as if formed by exactly those touches; last is the touch that
// completed it.
type milestone struct {
	level model.LiquidityLevel
	last  model.SwingPoint
}

func (m milestone) shift(d int) milestone {
	m.level.Index += d
	m.level.TriggerIndex += d
	m.last.Index += d
	return m
}

// milestones expands every equal-level group into one entry per touch count
// from MinTouches up to the group size.
func milestones(candles []model.Candle, p detector.Params) []milestone {
	bars := p.LiquiditySwingBars
	swings := detector.DetectSwings(candles, bars, bars)
	groups := detector.GroupEqualSwings(swings, p.TolerancePercent, p.LiquidityLookback, p.MinTouches)
	var out []milestone
	for _, g := range groups {
		for n := p.MinTouches; n <= len(g.Members); n++ {
			out = append(out, milestone{
				level: detector.LevelFromGroup(candles, g, n, bars),
				last:  g.Members[n-1],
			})
		}
	}
	return out
}

// detectHistory runs every detector once over the full series and buckets
// the results by the candle that confirms them.
func (c *Cache) detectHistory(candles []model.Candle) []batch {
	batches := make([]batch, len(candles))
	if len(candles) == 0 {
		return batches
	}
	p := c.cfg.Detector
	for _, ob := range detector.DetectOrderBlocks(candles, p) {
		batches[ob.TriggerIndex].orderBlocks = append(batches[ob.TriggerIndex].orderBlocks, ob)
	}
	for _, g := range detector.DetectFVGs(candles, p) {
		batches[g.TriggerIndex].fvgs = append(batches[g.TriggerIndex].fvgs, g)
	}
	for _, m := range milestones(candles, p) {
		t := m.level.TriggerIndex
		batches[t].milestones = append(batches[t].milestones, m)
	}
	for _, sp := range detector.DetectSwings(candles, p.SwingLeft, p.SwingRight) {
		t := sp.Index + p.SwingRight
		batches[t].swings = append(batches[t].swings, sp)
	}
	return batches
}

// detectTail runs the detectors over a trailing window whose last candle sits
// at absolute index abs and keeps only what that candle confirms.
func (c *Cache) detectTail(window []model.Candle, abs int) batch {
	var b batch
	newest := len(window) - 1
	if newest < 0 {
		return b
	}
	off := abs - newest
	p := c.cfg.Detector

	for _, ob := range detector.DetectOrderBlocks(window, p) {
		if ob.TriggerIndex == newest {
			b.orderBlocks = append(b.orderBlocks, ob.Shift(off))
		}
	}
	for _, g := range detector.DetectFVGs(window, p) {
		if g.TriggerIndex == newest {
			b.fvgs = append(b.fvgs, g.Shift(off))
		}
	}
	for _, m := range milestones(window, p) {
		if m.level.TriggerIndex == newest {
			b.milestones = append(b.milestones, m.shift(off))
		}
	}
	for _, sp := range detector.DetectSwings(window, p.SwingLeft, p.SwingRight) {
		if sp.Index+p.SwingRight == newest {
			sp.Index += off
			b.swings = append(b.swings, sp)
		}
	}
	return b
}
