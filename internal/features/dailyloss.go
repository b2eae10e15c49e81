package features

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// PauseMode selects when a daily-loss pause ends.
type PauseMode string

const (
	PauseNextDay PauseMode = "nextDay"
	PauseManual  PauseMode = "manual"
	PauseHours   PauseMode = "hours"
)

// PausePolicy is stored as "nextDay", "manual" or a number of hours.
type PausePolicy struct {
	Mode  PauseMode
	Hours float64
}

func (p PausePolicy) MarshalJSON() ([]byte, error) {
	if p.Mode == PauseHours {
		return jsoniter.Marshal(p.Hours)
	}
	if p.Mode == "" {
		return jsoniter.Marshal(PauseNextDay)
	}
	return jsoniter.Marshal(string(p.Mode))
}

func (p *PausePolicy) UnmarshalJSON(data []byte) error {
	var n float64
	if err := jsoniter.Unmarshal(data, &n); err == nil {
		return p.setHours(n)
	}
	var s string
	if err := jsoniter.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("pauseUntil: want \"nextDay\", \"manual\" or hours, got %s", data)
	}
	switch strings.TrimSpace(s) {
	case string(PauseNextDay), "":
		*p = PausePolicy{Mode: PauseNextDay}
	case string(PauseManual):
		*p = PausePolicy{Mode: PauseManual}
	default:
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("pauseUntil: unknown policy %q", s)
		}
		return p.setHours(n)
	}
	return nil
}

func (p *PausePolicy) setHours(n float64) error {
	if n <= 0 {
		return fmt.Errorf("pauseUntil: hours must be positive, got %v", n)
	}
	*p = PausePolicy{Mode: PauseHours, Hours: n}
	return nil
}

// ResumeAt computes when a pause triggered at now ends; nil means manual.
func (p PausePolicy) ResumeAt(now time.Time) *time.Time {
	var t time.Time
	switch p.Mode {
	case PauseManual:
		return nil
	case PauseHours:
		t = now.Add(time.Duration(p.Hours * float64(time.Hour)))
	default:
		t = NextUTCMidnight(now)
	}
	return &t
}

// NextUTCMidnight is the start of the UTC day after now.
func NextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

type DailyLossConfig struct {
	Enabled             bool        `json:"enabled"`
	MaxDailyLossPercent float64     `json:"maxDailyLossPercent"`
	PauseUntil          PausePolicy `json:"pauseUntil"`
}

func DefaultDailyLoss() DailyLossConfig {
	return DailyLossConfig{
		Enabled:             false,
		MaxDailyLossPercent: 5,
		PauseUntil:          PausePolicy{Mode: PauseNextDay},
	}
}

// EvaluateDailyLoss returns a pause when today's loss reaches the limit.
func EvaluateDailyLoss(cfg DailyLossConfig, portfolioValue, dailyPnL float64, now time.Time) *HaltState {
	if !cfg.Enabled || portfolioValue <= 0 || cfg.MaxDailyLossPercent <= 0 {
		return nil
	}
	pct := dailyPnL * 100 / portfolioValue
	if pct > -cfg.MaxDailyLossPercent {
		return nil
	}
	return &HaltState{
		Active:      true,
		Reason:      fmt.Sprintf("daily loss %.2f%% reached limit of %.2f%%", -pct, cfg.MaxDailyLossPercent),
		TriggeredAt: now,
		ResumeAt:    cfg.PauseUntil.ResumeAt(now),
		Value:       pct,
	}
}
