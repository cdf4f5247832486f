package featurecache

import (
	"fmt"

	"ictbot/internal/detector"
)

// Config bounds the per-timeframe stores and carries detector parameters.
type Config struct {
	MaxOrderBlocks       int `yaml:"max_order_blocks"`
	MaxFVGs              int `yaml:"max_fvgs"`
	MaxLiquidity         int `yaml:"max_liquidity"`
	FeatureExpiryCandles int `yaml:"feature_expiry_candles"`

	// IncrementalLookback is the tail scanned on each streaming update. It is
	// widened to the detectors' minimum window when smaller.
	IncrementalLookback int `yaml:"incremental_lookback"`

	Detector detector.Params `yaml:"detector"`
}

// DefaultConfig returns 20 order blocks, 15 FVGs and 10 liquidity levels per
// timeframe with a 100-candle expiry.
func DefaultConfig() Config {
	return Config{
		MaxOrderBlocks:       20,
		MaxFVGs:              15,
		MaxLiquidity:         10,
		FeatureExpiryCandles: 100,
		IncrementalLookback:  10,
		Detector:             detector.DefaultParams(),
	}
}

// Validate checks capacities and detector parameters.
func (c Config) Validate() error {
	if c.MaxOrderBlocks < 1 || c.MaxFVGs < 1 || c.MaxLiquidity < 1 {
		return fmt.Errorf("featurecache: capacities must be >= 1 (ob=%d fvg=%d liq=%d)",
			c.MaxOrderBlocks, c.MaxFVGs, c.MaxLiquidity)
	}
	if c.FeatureExpiryCandles < 1 {
		return fmt.Errorf("featurecache: feature_expiry_candles must be >= 1, got %d", c.FeatureExpiryCandles)
	}
	if c.IncrementalLookback < 3 {
		return fmt.Errorf("featurecache: incremental_lookback must be >= 3, got %d", c.IncrementalLookback)
	}
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("featurecache: %w", err)
	}
	return nil
}

// Window is the number of trailing candles each streaming update scans.
func (c Config) Window() int {
	w := c.IncrementalLookback
	if m := c.Detector.MinWindow(); m > w {
		w = m
	}
	return w
}
