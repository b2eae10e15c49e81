package features

import (
	"math"
	"sort"
	"strings"
)

// Allocation group names used by the risk curve's target table.
const (
	GroupBTC    = "btc"
	GroupETH    = "eth"
	GroupAlt    = "alt"
	GroupStable = "stable"
)

var stableAssets = map[string]bool{"USDT": true, "USDC": true, "BUSD": true, "DAI": true, "TUSD": true, "FDUSD": true}

// AllocationGroup maps an asset to its allocation group. overrides is keyed
// by upper-case asset symbol.
func AllocationGroup(asset string, overrides map[string]string) string {
	a := strings.ToUpper(asset)
	if g, ok := overrides[a]; ok {
		return g
	}
	switch {
	case a == "BTC":
		return GroupBTC
	case a == "ETH":
		return GroupETH
	case stableAssets[a]:
		return GroupStable
	}
	return GroupAlt
}

// Drift is one group whose allocation is off target.
type Drift struct {
	Group   string  `json:"group"`
	Current float64 `json:"current"` // fraction of portfolio
	Target  float64 `json:"target"`
	Amount  float64 `json:"amount"` // positive buys, negative sells
}

// AllocationDrift compares holdings (group -> value) with targets and returns
// the groups whose fractional drift exceeds threshold and whose correction is
// at least minAmount. Sorted by group name.
func AllocationDrift(targets, holdings map[string]float64, portfolio, threshold, minAmount float64) []Drift {
	if portfolio <= 0 {
		return nil
	}
	groups := make(map[string]struct{}, len(targets)+len(holdings))
	for g := range targets {
		groups[g] = struct{}{}
	}
	for g := range holdings {
		groups[g] = struct{}{}
	}

	var out []Drift
	for g := range groups {
		cur := holdings[g] / portfolio
		tgt := targets[g]
		amount := (tgt - cur) * portfolio
		if math.Abs(cur-tgt) <= threshold || math.Abs(amount) < minAmount {
			continue
		}
		out = append(out, Drift{
			Group:   g,
			Current: math.Round(cur*1e4) / 1e4,
			Target:  tgt,
			Amount:  math.Round(amount*100) / 100,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}
