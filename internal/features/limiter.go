package features

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fleet-risk/internal/common"
)

type PositionLimitsConfig struct {
	Enabled                bool    `json:"enabled"`
	MaxPercentPerAsset     float64 `json:"maxPercentPerAsset"`
	MaxPositionsPerAsset   int     `json:"maxPositionsPerAsset"`
	MinCooldownMinutes     float64 `json:"minCooldownMinutes"`
	MaxCorrelatedPositions int     `json:"maxCorrelatedPositions"`
	// CorrelationGroups maps a base asset to the group it trades with.
	CorrelationGroups map[string]string `json:"correlationGroups"`
}

func DefaultPositionLimits() PositionLimitsConfig {
	return PositionLimitsConfig{
		Enabled:                false,
		MaxPercentPerAsset:     30,
		MaxPositionsPerAsset:   2,
		MinCooldownMinutes:     15,
		MaxCorrelatedPositions: 4,
		CorrelationGroups: map[string]string{
			"BTC": "majors", "ETH": "majors",
			"SOL": "l1", "ADA": "l1", "AVAX": "l1", "DOT": "l1",
		},
	}
}

// LimitRequest is a proposed entry checked against the open positions.
type LimitRequest struct {
	Pair           string
	ProposedStake  float64
	PortfolioValue float64
	Open           []Position
	LastEntry      time.Time // zero when this asset was never entered
	Now            time.Time
}

var hundred = decimal.NewFromInt(100)

// CheckPositionLimits returns a policy violation if the entry would breach any
// per-asset limit. The allocation bound is inclusive.
func CheckPositionLimits(cfg PositionLimitsConfig, req LimitRequest) error {
	if !cfg.Enabled {
		return nil
	}
	asset := BaseAsset(req.Pair)

	exposure := decimal.NewFromFloat(req.ProposedStake)
	count := 0
	group, grouped := cfg.CorrelationGroups[asset]
	correlated := 0
	for _, p := range req.Open {
		if !p.IsOpen {
			continue
		}
		a := BaseAsset(p.Pair)
		if a == asset {
			exposure = exposure.Add(decimal.NewFromFloat(p.StakeAmount))
			count++
		}
		if grouped && cfg.CorrelationGroups[a] == group {
			correlated++
		}
	}

	if cfg.MaxPercentPerAsset > 0 && req.PortfolioValue > 0 {
		pct := exposure.Mul(hundred).Div(decimal.NewFromFloat(req.PortfolioValue))
		if pct.GreaterThan(decimal.NewFromFloat(cfg.MaxPercentPerAsset)) {
			f, _ := pct.Round(2).Float64()
			return common.Deny(common.CodeAssetAllocation,
				fmt.Sprintf("%s allocation would be %.2f%%, limit %.2f%%", asset, f, cfg.MaxPercentPerAsset), f)
		}
	}

	if cfg.MaxPositionsPerAsset > 0 && count >= cfg.MaxPositionsPerAsset {
		return common.Deny(common.CodeAssetPositions,
			fmt.Sprintf("%s already has %d open positions, limit %d", asset, count, cfg.MaxPositionsPerAsset), float64(count))
	}

	if cfg.MinCooldownMinutes > 0 && !req.LastEntry.IsZero() {
		cooldown := time.Duration(cfg.MinCooldownMinutes * float64(time.Minute))
		if wait := req.LastEntry.Add(cooldown).Sub(req.Now); wait > 0 {
			v := common.Deny(common.CodeCooldown,
				fmt.Sprintf("%s entered %s ago, cooldown %s", asset, req.Now.Sub(req.LastEntry).Round(time.Second), cooldown),
				wait.Minutes())
			resume := req.LastEntry.Add(cooldown)
			v.ResumeAt = &resume
			return v
		}
	}

	if grouped && cfg.MaxCorrelatedPositions > 0 && correlated >= cfg.MaxCorrelatedPositions {
		return common.Deny(common.CodeCorrelation,
			fmt.Sprintf("correlation group %q already has %d open positions, limit %d", group, correlated, cfg.MaxCorrelatedPositions),
			float64(correlated))
	}
	return nil
}
