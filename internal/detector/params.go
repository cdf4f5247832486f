// Package detector holds the pure pattern detectors. Every function takes a
// read-only candle window, never mutates it, returns indexes relative to that
// window, and returns an empty result when the window is shorter than the
// detector's minimum.
package detector

import "fmt"

// Params carries every detector tunable.
type Params struct {
	SwingLeft  int `yaml:"swing_left"`
	SwingRight int `yaml:"swing_right"`

	DisplacementRatio float64 `yaml:"displacement_ratio"`
	AvgRangePeriod    int     `yaml:"avg_range_period"`
	OBLookback        int     `yaml:"ob_lookback"` // bars searched for the opposing candle

	FVGMinGapPercent float64 `yaml:"fvg_min_gap_percent"` // gap / middle close, in percent

	TolerancePercent   float64 `yaml:"tolerance_percent"` // equal-level tolerance, in percent
	MinTouches         int     `yaml:"min_touches"`
	LiquidityLookback  int     `yaml:"liquidity_lookback"`
	LiquiditySwingBars int     `yaml:"liquidity_swing_bars"`

	InducementLookback int `yaml:"inducement_lookback"`
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		SwingLeft:          2,
		SwingRight:         2,
		DisplacementRatio:  1.5,
		AvgRangePeriod:     20,
		OBLookback:         5,
		FVGMinGapPercent:   0.05,
		TolerancePercent:   0.1,
		MinTouches:         2,
		LiquidityLookback:  20,
		LiquiditySwingBars: 1,
		InducementLookback: 10,
	}
}

// Validate rejects parameter ranges the detectors cannot work with.
func (p Params) Validate() error {
	switch {
	case p.SwingLeft < 1 || p.SwingRight < 1:
		return fmt.Errorf("swing bars must be >= 1 (left=%d right=%d)", p.SwingLeft, p.SwingRight)
	case p.DisplacementRatio <= 0:
		return fmt.Errorf("displacement_ratio must be > 0, got %v", p.DisplacementRatio)
	case p.AvgRangePeriod < 1:
		return fmt.Errorf("avg_range_period must be >= 1, got %d", p.AvgRangePeriod)
	case p.OBLookback < 1:
		return fmt.Errorf("ob_lookback must be >= 1, got %d", p.OBLookback)
	case p.FVGMinGapPercent < 0:
		return fmt.Errorf("fvg_min_gap_percent must be >= 0, got %v", p.FVGMinGapPercent)
	case p.TolerancePercent < 0:
		return fmt.Errorf("tolerance_percent must be >= 0, got %v", p.TolerancePercent)
	case p.MinTouches < 2:
		return fmt.Errorf("min_touches must be >= 2, got %d", p.MinTouches)
	case p.LiquidityLookback < 1:
		return fmt.Errorf("liquidity_lookback must be >= 1, got %d", p.LiquidityLookback)
	case p.LiquiditySwingBars < 1:
		return fmt.Errorf("liquidity_swing_bars must be >= 1, got %d", p.LiquiditySwingBars)
	case p.InducementLookback < 1:
		return fmt.Errorf("inducement_lookback must be >= 1, got %d", p.InducementLookback)
	}
	return nil
}

// MinWindow is the shortest window that lets every detector fire on its
// newest candle.
func (p Params) MinWindow() int {
	w := p.AvgRangePeriod + 1
	if s := p.SwingLeft + p.SwingRight + 1; s > w {
		w = s
	}
	if l := p.LiquidityLookback + 2*p.LiquiditySwingBars + 1; l > w {
		w = l
	}
	if i := p.InducementLookback + 2; i > w {
		w = i
	}
	return w
}
