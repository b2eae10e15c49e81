package features

import "math"

type VolatilitySizingConfig struct {
	Enabled       bool    `json:"enabled"`
	ScaleFactor   float64 `json:"scaleFactor"`
	MinMultiplier float64 `json:"minMultiplier"`
	MaxMultiplier float64 `json:"maxMultiplier"`
}

func DefaultVolatilitySizing() VolatilitySizingConfig {
	return VolatilitySizingConfig{
		Enabled:       false,
		ScaleFactor:   1,
		MinMultiplier: 0.5,
		MaxMultiplier: 1.5,
	}
}

// VolatilityMultiplier scales stakes down when the market is more volatile
// than usual and up when it is calmer. The result always lies within
// [MinMultiplier, MaxMultiplier].
func VolatilityMultiplier(cfg VolatilitySizingConfig, avgVolatility, currentVolatility float64) float64 {
	lo, hi := cfg.MinMultiplier, cfg.MaxMultiplier
	if lo > hi {
		lo, hi = hi, lo
	}
	clamp := func(x float64) float64 { return math.Min(hi, math.Max(lo, x)) }

	switch {
	case math.IsNaN(avgVolatility) || math.IsNaN(currentVolatility):
		return clamp(1)
	case currentVolatility <= 0:
		return hi
	case math.IsInf(currentVolatility, 1):
		return lo
	}

	scale := cfg.ScaleFactor
	if scale <= 0 || math.IsNaN(scale) {
		scale = 1
	}
	raw := avgVolatility / currentVolatility * scale
	if math.IsNaN(raw) {
		return clamp(1)
	}
	return clamp(raw)
}

// SizeForVolatility applies the multiplier to a stake.
func SizeForVolatility(cfg VolatilitySizingConfig, stake, avgVolatility, currentVolatility float64) float64 {
	if !cfg.Enabled {
		return stake
	}
	return stake * VolatilityMultiplier(cfg, avgVolatility, currentVolatility)
}
