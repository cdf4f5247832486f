package detector

import "ictbot/internal/model"

// trailingAvgRange returns avg[i] = mean range of candles[i-period .. i-1]
// for i >= period; entries before the warm-up are zero. Each window is summed
// on its own, oldest first, so the value at a bar depends only on the bars in
// its window and not on how far back the series starts.
func trailingAvgRange(candles []model.Candle, period int) []float64 {
	avg := make([]float64, len(candles))
	if period < 1 || len(candles) <= period {
		return avg
	}
	for i := period; i < len(candles); i++ {
		var sum float64
		for _, c := range candles[i-period : i] {
			sum += c.Range()
		}
		avg[i] = sum / float64(period)
	}
	return avg
}

// DetectDisplacements returns candles whose range is at least
// DisplacementRatio times the trailing average range. Direction follows the
// body; dojis are skipped.
func DetectDisplacements(candles []model.Candle, p Params) []model.Displacement {
	if len(candles) < p.AvgRangePeriod+1 {
		return nil
	}
	avg := trailingAvgRange(candles, p.AvgRangePeriod)
	var out []model.Displacement
	for i := p.AvgRangePeriod; i < len(candles); i++ {
		if d, ok := displacementAt(candles, avg, i, p.DisplacementRatio); ok {
			out = append(out, d)
		}
	}
	return out
}

func displacementAt(candles []model.Candle, avg []float64, i int, ratio float64) (model.Displacement, bool) {
	c := candles[i]
	a := avg[i]
	if a <= 0 || c.Body() == 0 {
		return model.Displacement{}, false
	}
	r := c.Range()
	if r < ratio*a {
		return model.Displacement{}, false
	}
	dir := model.Bullish
	if c.IsBearish() {
		dir = model.Bearish
	}
	return model.Displacement{
		Index:     i,
		Direction: dir,
		Range:     r,
		AvgRange:  a,
		Ratio:     r / a,
		Time:      c.EventTime(),
	}, true
}

// DetectOrderBlocks finds, for every displacement candle past the warm-up,
// the nearest opposing-bodied candle within OBLookback bars before it. A
// bullish displacement yields a bullish block at the last bearish candle and
// vice versa. A candle already used as a block is not reused by a later
// displacement in the same direction.
func DetectOrderBlocks(candles []model.Candle, p Params) []model.OrderBlock {
	if len(candles) < p.AvgRangePeriod+1 {
		return nil
	}
	avg := trailingAvgRange(candles, p.AvgRangePeriod)
	used := make(map[int]bool)
	var out []model.OrderBlock
	for i := p.AvgRangePeriod; i < len(candles); i++ {
		disp, ok := displacementAt(candles, avg, i, p.DisplacementRatio)
		if !ok {
			continue
		}
		j := opposingCandle(candles, i, p.OBLookback, disp.Direction)
		if j < 0 || used[j] {
			continue
		}
		oc := candles[j]
		if oc.High <= oc.Low {
			continue
		}
		used[j] = true
		out = append(out, model.OrderBlock{
			ID:           model.OrderBlockID(oc.Symbol, oc.Timeframe, disp.Direction, oc.OpenTime),
			Symbol:       oc.Symbol,
			Timeframe:    oc.Timeframe,
			Direction:    disp.Direction,
			Low:          oc.Low,
			High:         oc.High,
			Index:        j,
			TriggerIndex: i,
			Displacement: disp.Range,
			Strength:     disp.Ratio,
			Status:       model.StatusActive,
			CreatedAt:    disp.Time,
			UpdatedAt:    disp.Time,
		})
	}
	return out
}

// opposingCandle returns the index of the nearest candle before i, at most
// lookback bars back, whose body opposes dir. -1 when none.
func opposingCandle(candles []model.Candle, i, lookback int, dir model.Direction) int {
	stop := i - lookback
	if stop < 0 {
		stop = 0
	}
	for j := i - 1; j >= stop; j-- {
		c := candles[j]
		if dir == model.Bullish && c.IsBearish() {
			return j
		}
		if dir == model.Bearish && c.IsBullish() {
			return j
		}
	}
	return -1
}
