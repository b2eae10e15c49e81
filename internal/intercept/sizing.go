package intercept

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"fleet-risk/internal/common"
	"fleet-risk/internal/features"
	"fleet-risk/internal/risk"
	"fleet-risk/internal/settings"
)

// SizingInput is what the stake calculation needs beyond the settings.
type SizingInput struct {
	Portfolio    float64
	ClosedProfit float64
	AvgVol       float64
	CurVol       float64
	HaveVol      bool
}

// TargetStake is the stake for one new position: the risk curve's optimal
// stake on compounding-adjusted capital, scaled for volatility and capped at
// the curve's maximum, rounded to cents.
func TargetStake(us settings.UniversalSettings, fs settings.FeatureSet, in SizingInput) (float64, error) {
	capital := features.CompoundedCapital(fs.Compounding, in.Portfolio, in.ClosedProfit)
	stake := risk.OptimalStake(capital, us.RiskConfig, us.DCAEnabled)
	if in.HaveVol {
		stake = features.SizeForVolatility(fs.VolatilitySizing, stake, in.AvgVol, in.CurVol)
	}
	stake = math.Min(stake, risk.MaxStake(capital, us.RiskConfig))

	if math.IsNaN(stake) || math.IsInf(stake, 0) || stake <= 0 {
		return 0, fmt.Errorf("%w: stake %v from capital %v", common.ErrInternalComputation, stake, capital)
	}
	rounded, _ := decimal.NewFromFloat(stake).Round(2).Float64()
	if rounded <= 0 {
		return 0, fmt.Errorf("%w: stake %v rounds to zero", common.ErrInternalComputation, stake)
	}
	return rounded, nil
}
