package features

import (
	"fmt"
	"time"
)

type EmergencyStopConfig struct {
	Enabled                  bool    `json:"enabled"`
	ReferencePair            string  `json:"referencePair"`
	MarketDropPercent        float64 `json:"marketDropPercent"`
	DropWindowMinutes        int     `json:"dropWindowMinutes"`
	PortfolioDrawdownPercent float64 `json:"portfolioDrawdownPercent"`
	PauseDurationHours       float64 `json:"pauseDurationHours"` // 0 means manual resume only
}

func DefaultEmergencyStop() EmergencyStopConfig {
	return EmergencyStopConfig{
		Enabled:                  false,
		ReferencePair:            "BTC/USDT",
		MarketDropPercent:        10,
		DropWindowMinutes:        60,
		PortfolioDrawdownPercent: 15,
		PauseDurationHours:       24,
	}
}

// DropWindow is the span the reference drop is measured over.
func (c EmergencyStopConfig) DropWindow() time.Duration {
	if c.DropWindowMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.DropWindowMinutes) * time.Minute
}

// MarketSignal carries the observations the emergency stop reacts to, both
// as positive percentages.
type MarketSignal struct {
	ReferenceDropPercent     float64
	PortfolioDrawdownPercent float64
}

// EvaluateEmergency returns a halt when either signal crosses its threshold.
func EvaluateEmergency(cfg EmergencyStopConfig, sig MarketSignal, now time.Time) *HaltState {
	if !cfg.Enabled {
		return nil
	}

	var reason string
	var value float64
	switch {
	case cfg.MarketDropPercent > 0 && sig.ReferenceDropPercent >= cfg.MarketDropPercent:
		reason = fmt.Sprintf("%s dropped %.2f%% within %dm (limit %.2f%%)",
			cfg.ReferencePair, sig.ReferenceDropPercent, int(cfg.DropWindow().Minutes()), cfg.MarketDropPercent)
		value = sig.ReferenceDropPercent
	case cfg.PortfolioDrawdownPercent > 0 && sig.PortfolioDrawdownPercent >= cfg.PortfolioDrawdownPercent:
		reason = fmt.Sprintf("portfolio drawdown %.2f%% (limit %.2f%%)",
			sig.PortfolioDrawdownPercent, cfg.PortfolioDrawdownPercent)
		value = sig.PortfolioDrawdownPercent
	default:
		return nil
	}

	st := &HaltState{Active: true, Reason: reason, TriggeredAt: now, Value: value}
	if cfg.PauseDurationHours > 0 {
		t := now.Add(time.Duration(cfg.PauseDurationHours * float64(time.Hour)))
		st.ResumeAt = &t
	}
	return st
}
