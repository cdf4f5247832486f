package featurecache

import (
	"math"

	"ictbot/internal/model"
)

// OrderBlocks returns every tracked block for tf, oldest first.
func (c *Cache) OrderBlocks(tf string) []model.OrderBlock {
	f, ok := c.frames[tf]
	if !ok {
		return nil
	}
	return f.obs.Slice()
}

// FVGs returns every tracked gap for tf, oldest first.
func (c *Cache) FVGs(tf string) []model.FairValueGap {
	f, ok := c.frames[tf]
	if !ok {
		return nil
	}
	return f.fvgs.Slice()
}

// LiquidityLevels returns every tracked level for tf, swept ones included.
func (c *Cache) LiquidityLevels(tf string) []model.LiquidityLevel {
	f, ok := c.frames[tf]
	if !ok {
		return nil
	}
	return f.liq.Slice()
}

// ActiveOrderBlocks returns the ACTIVE or TOUCHED blocks for tf. An empty
// dir matches both directions.
func (c *Cache) ActiveOrderBlocks(tf string, dir model.Direction) []model.OrderBlock {
	var out []model.OrderBlock
	for _, ob := range c.OrderBlocks(tf) {
		if ob.Actionable() && (dir == "" || ob.Direction == dir) {
			out = append(out, ob)
		}
	}
	return out
}

// ActiveFVGs returns the ACTIVE or TOUCHED gaps for tf.
func (c *Cache) ActiveFVGs(tf string, dir model.Direction) []model.FairValueGap {
	var out []model.FairValueGap
	for _, g := range c.FVGs(tf) {
		if g.Actionable() && (dir == "" || g.Direction == dir) {
			out = append(out, g)
		}
	}
	return out
}

// ActiveLiquidity returns the unswept levels for tf. An empty kind matches
// both sides.
func (c *Cache) ActiveLiquidity(tf string, kind model.LiquidityKind) []model.LiquidityLevel {
	var out []model.LiquidityLevel
	for _, l := range c.LiquidityLevels(tf) {
		if !l.Swept && (kind == "" || l.Kind == kind) {
			out = append(out, l)
		}
	}
	return out
}

// MarketStructure returns the structure summary for tf. ok is false until a
// valid summary exists.
func (c *Cache) MarketStructure(tf string) (model.MarketStructure, bool) {
	f, ok := c.frames[tf]
	if !ok || !f.hasStructure {
		return model.MarketStructure{}, false
	}
	return f.structure, true
}

// NearestOrderBlock returns the closest actionable block of direction dir
// that price has not already traded through. Ties go to the most recent.
func (c *Cache) NearestOrderBlock(tf string, price float64, dir model.Direction) (model.OrderBlock, bool) {
	return nearest(c.ActiveOrderBlocks(tf, dir), price, dir)
}

// NearestFVG is NearestOrderBlock for fair value gaps.
func (c *Cache) NearestFVG(tf string, price float64, dir model.Direction) (model.FairValueGap, bool) {
	return nearest(c.ActiveFVGs(tf, dir), price, dir)
}

// IsPriceIn reports whether price sits inside the zone, bounds included.
func (c *Cache) IsPriceIn(z model.Zone, price float64) bool {
	return model.PriceIn(z, price)
}

// Stats summarizes tf.
func (c *Cache) Stats(tf string) (Stats, bool) {
	f, ok := c.frames[tf]
	if !ok {
		return Stats{}, false
	}
	return f.stats(), true
}

// Snapshot copies everything tracked for tf.
func (c *Cache) Snapshot(tf string) (Snapshot, bool) {
	f, ok := c.frames[tf]
	if !ok {
		return Snapshot{}, false
	}
	s := Snapshot{
		Symbol:      f.symbol,
		Timeframe:   tf,
		OrderBlocks: f.obs.Slice(),
		FVGs:        f.fvgs.Slice(),
		Liquidity:   f.liq.Slice(),
	}
	if f.hasStructure {
		ms := f.structure
		s.Structure = &ms
	}
	return s, true
}

// nearest scans newest first. A bullish zone qualifies when its low is at or
// below price and a bearish one when its high is at or above; distance is
// zero when price is inside.
func nearest[T model.Zone](zones []T, price float64, dir model.Direction) (T, bool) {
	var best T
	found := false
	bestDist := math.Inf(1)
	for i := len(zones) - 1; i >= 0; i-- {
		z := zones[i]
		low, high := z.Bounds()
		var dist float64
		switch dir {
		case model.Bullish:
			if low > price {
				continue
			}
			dist = math.Max(0, price-high)
		case model.Bearish:
			if high < price {
				continue
			}
			dist = math.Max(0, low-price)
		default:
			continue
		}
		if dist < bestDist {
			best, bestDist, found = z, dist, true
		}
	}
	return best, found
}
