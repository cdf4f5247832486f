package detector

import "ictbot/internal/model"

// DetectFVGs scans every three-candle window. A bullish gap exists when the
// first high is below the third low, a bearish one when the first low is
// above the third high. Gaps smaller than FVGMinGapPercent of the middle
// close are ignored.
func DetectFVGs(candles []model.Candle, p Params) []model.FairValueGap {
	if len(candles) < 3 {
		return nil
	}
	var out []model.FairValueGap
	for i := 0; i+2 < len(candles); i++ {
		c1, c2, c3 := candles[i], candles[i+1], candles[i+2]

		var dir model.Direction
		var low, high float64
		switch {
		case c1.High < c3.Low:
			dir, low, high = model.Bullish, c1.High, c3.Low
		case c1.Low > c3.High:
			dir, low, high = model.Bearish, c3.High, c1.Low
		default:
			continue
		}

		size := high - low
		if c2.Close <= 0 || size/c2.Close*100 < p.FVGMinGapPercent {
			continue
		}
		at := c3.EventTime()
		out = append(out, model.FairValueGap{
			ID:           model.FVGID(c2.Symbol, c2.Timeframe, dir, c2.OpenTime),
			Symbol:       c2.Symbol,
			Timeframe:    c2.Timeframe,
			Direction:    dir,
			GapLow:       low,
			GapHigh:      high,
			GapSize:      size,
			Index:        i + 1,
			TriggerIndex: i + 2,
			Status:       model.StatusActive,
			CreatedAt:    at,
			UpdatedAt:    at,
		})
	}
	return out
}
