package features

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// TakeProfitLevel exits ExitPercent of the original position once profit
// reaches Percentage.
type TakeProfitLevel struct {
	Percentage  float64 `json:"percentage"`
	ExitPercent float64 `json:"exitPercent"`
}

type TakeProfitConfig struct {
	Enabled bool              `json:"enabled"`
	Levels  []TakeProfitLevel `json:"levels"`
}

func DefaultTakeProfit() TakeProfitConfig {
	return TakeProfitConfig{
		Enabled: false,
		Levels: []TakeProfitLevel{
			{Percentage: 2, ExitPercent: 25},
			{Percentage: 5, ExitPercent: 50},
			{Percentage: 10, ExitPercent: 100},
		},
	}
}

// TakeProfitLog records which levels already fired for one position.
type TakeProfitLog struct {
	TakenLevels    []float64 `json:"takenLevels"`
	ExitedPercent  float64   `json:"exitedPercent"`
	OriginalAmount float64   `json:"originalAmount"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

const levelEpsilon = 1e-9

// Taken reports whether level already fired.
func (l *TakeProfitLog) Taken(level float64) bool {
	for _, t := range l.TakenLevels {
		if math.Abs(t-level) < levelEpsilon {
			return true
		}
	}
	return false
}

// Remaining is the percent of the original position not yet exited.
func (l *TakeProfitLog) Remaining() float64 {
	return math.Max(0, 100-l.ExitedPercent)
}

// EvaluateTakeProfit returns the exit for the lowest untaken level that price
// has reached, recording it in log. At most one action per call; the caller
// calls again to pick up further levels.
func EvaluateTakeProfit(cfg TakeProfitConfig, pos Position, price float64, log *TakeProfitLog, now time.Time) *ExitAction {
	if !cfg.Enabled || log == nil || pos.OpenRate <= 0 || price <= 0 {
		return nil
	}
	if log.OriginalAmount == 0 {
		log.OriginalAmount = pos.Amount
	}

	levels := append([]TakeProfitLevel(nil), cfg.Levels...)
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Percentage < levels[j].Percentage })

	profit := pos.ProfitPct(price)
	for _, lvl := range levels {
		if lvl.ExitPercent <= 0 || log.Taken(lvl.Percentage) {
			continue
		}
		if profit < lvl.Percentage {
			// levels are ascending, nothing further can be reached
			return nil
		}
		exit := math.Min(lvl.ExitPercent, log.Remaining())
		if exit <= 0 {
			return nil
		}
		log.TakenLevels = append(log.TakenLevels, lvl.Percentage)
		log.ExitedPercent += exit
		log.UpdatedAt = now

		return &ExitAction{
			Kind:        ExitTakeProfit,
			Pair:        pos.Pair,
			TradeID:     pos.TradeID,
			ExitPercent: fullIfDone(exit, log),
			Level:       lvl.Percentage,
			Price:       price,
			Reason:      fmt.Sprintf("profit %.2f%% reached take-profit level %.2f%%", profit, lvl.Percentage),
		}
	}
	return nil
}

// fullIfDone reports 100 when this exit takes the position to zero, so the
// caller closes it rather than leaving dust behind.
func fullIfDone(exit float64, log *TakeProfitLog) float64 {
	if log.Remaining() <= levelEpsilon {
		return 100
	}
	return exit
}
