// Package risk maps a scalar risk level to the full set of risk thresholds.
//
// ComputeRiskConfig is pure and deterministic. Every stored RiskConfig is a
// cache of its output and is recomputed on each settings load.
package risk

import "math"

// RiskConfig is derived from a risk level. Fractions, not percents, unless noted.
type RiskConfig struct {
	MaxDrawdown    float64        `json:"maxDrawdown"`
	MaxTotalRisk   float64        `json:"maxTotalRisk"`
	RiskPerTrade   float64        `json:"riskPerTrade"`
	PositionSizing PositionSizing `json:"positionSizing"`
	StopLoss       StopLoss       `json:"stopLoss"`
	DCA            DCA            `json:"dca"`
	Rebalancing    Rebalancing    `json:"rebalancing"`
}

type PositionSizing struct {
	BaseStakePercent float64 `json:"baseStakePercent"`
	MaxStakePercent  float64 `json:"maxStakePercent"`
}

type StopLoss struct {
	BaseStopLoss float64 `json:"baseStopLoss"` // distance below entry, positive
	TrailingStop float64 `json:"trailingStop"` // trailing distance, positive
}

type DCA struct {
	MaxOrders      int     `json:"maxOrders"`
	TriggerPercent float64 `json:"triggerPercent"` // profit ratio at or below which DCA triggers, negative
	SizeMultiplier float64 `json:"sizeMultiplier"`
}

type Rebalancing struct {
	Threshold         float64            `json:"threshold"`
	TargetAllocations map[string]float64 `json:"targetAllocations"`
}

// span is a closed interval interpolated from level 0 to level 100.
type span struct{ lo, hi float64 }

func (s span) at(t float64) float64 { return s.lo + (s.hi-s.lo)*t }

var (
	maxDrawdown      = span{0.05, 0.25}
	maxTotalRisk     = span{0.06, 0.30}
	riskPerTrade     = span{0.01, 0.03}
	baseStakePercent = span{0.05, 0.15}
	maxStakePercent  = span{0.15, 0.35}
	baseStopLoss     = span{0.04, 0.12}
	trailingStop     = span{0.02, 0.05}
	dcaMaxOrders     = span{2, 5}
	dcaTrigger       = span{-0.10, -0.05}
	dcaMultiplier    = span{1.2, 2.0}
	rebalanceDrift   = span{0.25, 0.10}
)

// Allocation tables at level 0 and level 100, keyed by correlation group.
// Both sum to 1, so every interpolated table does too.
var (
	conservativeAllocations = map[string]float64{"btc": 0.40, "eth": 0.30, "alt": 0.10, "stable": 0.20}
	aggressiveAllocations   = map[string]float64{"btc": 0.30, "eth": 0.30, "alt": 0.35, "stable": 0.05}
)

// ComputeRiskConfig returns the thresholds for level. Levels outside [0,100]
// are clamped.
func ComputeRiskConfig(level int) RiskConfig {
	t := float64(clampLevel(level)) / 100

	return RiskConfig{
		MaxDrawdown:  round(maxDrawdown.at(t)),
		MaxTotalRisk: round(maxTotalRisk.at(t)),
		RiskPerTrade: round(riskPerTrade.at(t)),
		PositionSizing: PositionSizing{
			BaseStakePercent: round(baseStakePercent.at(t)),
			MaxStakePercent:  round(maxStakePercent.at(t)),
		},
		StopLoss: StopLoss{
			BaseStopLoss: round(baseStopLoss.at(t)),
			TrailingStop: round(trailingStop.at(t)),
		},
		DCA: DCA{
			MaxOrders:      int(math.Round(dcaMaxOrders.at(t))),
			TriggerPercent: round(dcaTrigger.at(t)),
			SizeMultiplier: round(dcaMultiplier.at(t)),
		},
		Rebalancing: Rebalancing{
			Threshold:         round(rebalanceDrift.at(t)),
			TargetAllocations: interpolateAllocations(t),
		},
	}
}

func interpolateAllocations(t float64) map[string]float64 {
	out := make(map[string]float64, len(conservativeAllocations))
	for group, lo := range conservativeAllocations {
		out[group] = round(span{lo, aggressiveAllocations[group]}.at(t))
	}
	return out
}

// round trims float noise from interpolation so level 0 and 100 hit the
// documented endpoints exactly. Rounding is monotone, so ordering survives.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}

// DCAReserve is the share of the optimal stake committed on the first entry
// when DCA is enabled; the rest is held back for averaging down.
const DCAReserve = 0.7

// OptimalStake is the stake the risk curve wants for one new position given
// the account balance.
func OptimalStake(balance float64, rc RiskConfig, dcaEnabled bool) float64 {
	if balance <= 0 {
		return 0
	}
	stake := balance * rc.PositionSizing.BaseStakePercent
	if dcaEnabled {
		stake *= DCAReserve
	}
	return stake
}

// MaxStake caps a single position.
func MaxStake(balance float64, rc RiskConfig) float64 {
	if balance <= 0 {
		return 0
	}
	return balance * rc.PositionSizing.MaxStakePercent
}

// MaxOpenTrades is how many positions of riskPerTrade fit in maxTotalRisk.
func MaxOpenTrades(rc RiskConfig) int {
	if rc.RiskPerTrade <= 0 {
		return 1
	}
	n := int(math.Floor(rc.MaxTotalRisk/rc.RiskPerTrade + 1e-9))
	if n < 1 {
		return 1
	}
	return n
}
