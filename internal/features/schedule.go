package features

import (
	"fmt"
	"time"

	"fleet-risk/internal/common"
)

type ScheduleConfig struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone"`
	AllowedDays []int  `json:"allowedDays"` // 0 = Sunday
	StartHour   int    `json:"startHour"`
	EndHour     int    `json:"endHour"`
	Holiday     bool   `json:"holiday"`
}

func DefaultSchedule() ScheduleConfig {
	return ScheduleConfig{
		Enabled:     false,
		Timezone:    "UTC",
		AllowedDays: []int{0, 1, 2, 3, 4, 5, 6},
		StartHour:   0,
		EndHour:     0,
	}
}

// CheckSchedule returns a policy violation when now is outside the trading
// window. An unknown timezone falls back to UTC.
func CheckSchedule(cfg ScheduleConfig, now time.Time) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Holiday {
		return common.Deny(common.CodeHoliday, "trading paused for holiday", 0)
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	if len(cfg.AllowedDays) > 0 && !containsDay(cfg.AllowedDays, int(local.Weekday())) {
		return common.Deny(common.CodeOutsideSchedule,
			fmt.Sprintf("trading not allowed on %s", local.Weekday()), float64(local.Weekday()))
	}
	if !inHours(cfg.StartHour, cfg.EndHour, local.Hour()) {
		return common.Deny(common.CodeOutsideSchedule,
			fmt.Sprintf("hour %02d outside trading window %02d-%02d %s", local.Hour(), cfg.StartHour, cfg.EndHour, loc),
			float64(local.Hour()))
	}
	return nil
}

func containsDay(days []int, d int) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

// inHours treats start == end as all day and start > end as a window that
// wraps past midnight.
func inHours(start, end, hour int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}
