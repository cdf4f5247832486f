package detector

import "ictbot/internal/model"

// DetectInducements finds one-bar-confirmed fake breakouts: candle i takes
// out the highest high (or lowest low) of the lookback bars before it and
// candle i+1 closes back inside. A fake break up is a bearish inducement.
func DetectInducements(candles []model.Candle, lookback int) []model.Inducement {
	if lookback < 1 || len(candles) < lookback+2 {
		return nil
	}
	var out []model.Inducement
	for i := lookback; i+1 < len(candles); i++ {
		hi, lo := candles[i-lookback].High, candles[i-lookback].Low
		for j := i - lookback + 1; j < i; j++ {
			if candles[j].High > hi {
				hi = candles[j].High
			}
			if candles[j].Low < lo {
				lo = candles[j].Low
			}
		}
		c, next := candles[i], candles[i+1]
		if c.High > hi && next.Close < hi {
			out = append(out, model.Inducement{
				Index:        i,
				ConfirmIndex: i + 1,
				Direction:    model.Bearish,
				Level:        hi,
				Extreme:      c.High,
				Time:         next.EventTime(),
			})
		}
		if c.Low < lo && next.Close > lo {
			out = append(out, model.Inducement{
				Index:        i,
				ConfirmIndex: i + 1,
				Direction:    model.Bullish,
				Level:        lo,
				Extreme:      c.Low,
				Time:         next.EventTime(),
			})
		}
	}
	return out
}

// DetectMitigations reports, for every zone, the first candle at or after
// start that re-enters it and the deepest penetration seen from then on.
// Zones never revisited are omitted.
func DetectMitigations(candles []model.Candle, zones []model.Zone, start int) []model.MitigationZone {
	if start < 0 {
		start = 0
	}
	if len(candles) <= start || len(zones) == 0 {
		return nil
	}
	var out []model.MitigationZone
	for _, z := range zones {
		low, high := z.Bounds()
		if high <= low {
			continue
		}
		first := -1
		var depth float64
		for i := start; i < len(candles); i++ {
			c := candles[i]
			if !model.Touches(low, high, c) {
				continue
			}
			if first < 0 {
				first = i
			}
			if d := model.OverlapDepth(z.Bias(), low, high, c); d > depth {
				depth = d
			}
		}
		if first < 0 {
			continue
		}
		out = append(out, model.MitigationZone{
			ZoneID:    z.FeatureID(),
			Direction: z.Bias(),
			Index:     first,
			Depth:     depth,
			Status:    model.StatusForDepth(depth),
			Time:      candles[first].EventTime(),
		})
	}
	return out
}
