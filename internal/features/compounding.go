package features

import "github.com/shopspring/decimal"

type CompoundingConfig struct {
	Enabled         bool    `json:"enabled"`
	ReinvestPercent float64 `json:"reinvestPercent"`
	ProfitThreshold float64 `json:"profitThreshold"`
}

func DefaultCompounding() CompoundingConfig {
	return CompoundingConfig{
		Enabled:         false,
		ReinvestPercent: 50,
		ProfitThreshold: 100,
	}
}

// ProfitSplit divides realised profit between capital and withdrawal.
type ProfitSplit struct {
	Reinvest float64 `json:"reinvest"`
	Withdraw float64 `json:"withdraw"`
}

// SplitProfit reinvests everything up to the threshold and ReinvestPercent of
// the excess. Losses are always borne by capital.
func SplitProfit(cfg CompoundingConfig, profit float64) ProfitSplit {
	if !cfg.Enabled || profit <= cfg.ProfitThreshold {
		return ProfitSplit{Reinvest: profit}
	}
	p := decimal.NewFromFloat(profit)
	threshold := decimal.NewFromFloat(cfg.ProfitThreshold)
	if threshold.IsNegative() {
		threshold = decimal.Zero
	}
	excess := p.Sub(threshold)
	reinvest := threshold.Add(excess.Mul(decimal.NewFromFloat(cfg.ReinvestPercent)).Div(hundred)).Round(2)
	withdraw := p.Sub(reinvest)

	r, _ := reinvest.Float64()
	w, _ := withdraw.Float64()
	return ProfitSplit{Reinvest: r, Withdraw: w}
}

// CompoundedCapital is the capital base the stake is computed from: the
// balance less whatever profit is set aside for withdrawal.
func CompoundedCapital(cfg CompoundingConfig, balance, totalProfit float64) float64 {
	if !cfg.Enabled {
		return balance
	}
	capital := balance - SplitProfit(cfg, totalProfit).Withdraw
	if capital < 0 {
		return 0
	}
	return capital
}
