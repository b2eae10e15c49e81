// Package settings owns the two sub-documents this service keeps inside each
// bot's config file: the universal risk settings and the feature set.
package settings

import (
	"fmt"
	"time"

	"fleet-risk/internal/features"
	"fleet-risk/internal/risk"
)

// UniversalSettings is the per-instance risk profile. RiskConfig is derived
// from RiskLevel on every load and never trusted as stored.
type UniversalSettings struct {
	Enabled       bool            `json:"enabled"`
	RiskLevel     int             `json:"riskLevel"`
	AutoRebalance bool            `json:"autoRebalance"`
	DCAEnabled    bool            `json:"dcaEnabled"`
	RiskConfig    risk.RiskConfig `json:"riskConfig"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Defaults returns the compiled-in settings.
func Defaults() UniversalSettings {
	s := UniversalSettings{
		Enabled:       false,
		RiskLevel:     50,
		AutoRebalance: true,
		DCAEnabled:    true,
	}
	s.RiskConfig = risk.ComputeRiskConfig(s.RiskLevel)
	return s
}

// Patch is a partial update; nil fields are left alone.
type Patch struct {
	Enabled       *bool `json:"enabled,omitempty"`
	RiskLevel     *int  `json:"riskLevel,omitempty"`
	AutoRebalance *bool `json:"autoRebalance,omitempty"`
	DCAEnabled    *bool `json:"dcaEnabled,omitempty"`
}

func (p Patch) Validate() error {
	if p.RiskLevel != nil && (*p.RiskLevel < 0 || *p.RiskLevel > 100) {
		return fmt.Errorf("%w: riskLevel must be within [0,100], got %d", ErrInvalid, *p.RiskLevel)
	}
	return nil
}

// Apply merges p over s.
func (p Patch) Apply(s UniversalSettings) UniversalSettings {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.RiskLevel != nil {
		s.RiskLevel = *p.RiskLevel
	}
	if p.AutoRebalance != nil {
		s.AutoRebalance = *p.AutoRebalance
	}
	if p.DCAEnabled != nil {
		s.DCAEnabled = *p.DCAEnabled
	}
	return s
}

// stored mirrors what sits in the file. Pointers tell present from absent so
// absent fields fall back to defaults field by field.
type stored struct {
	Enabled       *bool      `json:"enabled"`
	RiskLevel     *int       `json:"riskLevel"`
	AutoRebalance *bool      `json:"autoRebalance"`
	DCAEnabled    *bool      `json:"dcaEnabled"`
	Version       *int       `json:"version"`
	CreatedAt     *time.Time `json:"createdAt"`
	UpdatedAt     *time.Time `json:"updatedAt"`
}

func (st stored) merge(def UniversalSettings) UniversalSettings {
	s := Patch{Enabled: st.Enabled, RiskLevel: st.RiskLevel, AutoRebalance: st.AutoRebalance, DCAEnabled: st.DCAEnabled}.Apply(def)
	if st.Version != nil {
		s.Version = *st.Version
	}
	if st.CreatedAt != nil {
		s.CreatedAt = *st.CreatedAt
	}
	if st.UpdatedAt != nil {
		s.UpdatedAt = *st.UpdatedAt
	}
	return s.normalize()
}

// normalize clamps the level and recomputes the derived risk config.
func (s UniversalSettings) normalize() UniversalSettings {
	switch {
	case s.RiskLevel < 0:
		s.RiskLevel = 0
	case s.RiskLevel > 100:
		s.RiskLevel = 100
	}
	s.RiskConfig = risk.ComputeRiskConfig(s.RiskLevel)
	return s
}

// FeatureSet holds the configuration of every feature module.
type FeatureSet struct {
	TakeProfit       features.TakeProfitConfig       `json:"takeProfit"`
	TrailingStop     features.TrailingStopConfig     `json:"trailingStop"`
	DailyLoss        features.DailyLossConfig        `json:"dailyLoss"`
	EmergencyStop    features.EmergencyStopConfig    `json:"emergencyStop"`
	Schedule         features.ScheduleConfig         `json:"schedule"`
	PositionLimits   features.PositionLimitsConfig   `json:"positionLimits"`
	VolatilitySizing features.VolatilitySizingConfig `json:"volatilitySizing"`
	SmartOrder       features.SmartOrderConfig       `json:"smartOrder"`
	Compounding      features.CompoundingConfig      `json:"compounding"`
	Version          int                             `json:"version"`
	UpdatedAt        time.Time                       `json:"updatedAt"`
}

func DefaultFeatures() FeatureSet {
	return FeatureSet{
		TakeProfit:       features.DefaultTakeProfit(),
		TrailingStop:     features.DefaultTrailingStop(),
		DailyLoss:        features.DefaultDailyLoss(),
		EmergencyStop:    features.DefaultEmergencyStop(),
		Schedule:         features.DefaultSchedule(),
		PositionLimits:   features.DefaultPositionLimits(),
		VolatilitySizing: features.DefaultVolatilitySizing(),
		SmartOrder:       features.DefaultSmartOrder(),
		Compounding:      features.DefaultCompounding(),
	}
}

// Validate rejects values the feature modules cannot act on sensibly.
func (f FeatureSet) Validate() error {
	for _, l := range f.TakeProfit.Levels {
		if l.Percentage <= 0 || l.ExitPercent <= 0 || l.ExitPercent > 100 {
			return fmt.Errorf("%w: takeProfit level %+v out of range", ErrInvalid, l)
		}
	}
	if f.TrailingStop.CallbackRate < 0 || f.TrailingStop.CallbackRate >= 1 {
		return fmt.Errorf("%w: trailingStop.callbackRate must be within [0,1)", ErrInvalid)
	}
	if f.Schedule.StartHour < 0 || f.Schedule.StartHour > 24 || f.Schedule.EndHour < 0 || f.Schedule.EndHour > 24 {
		return fmt.Errorf("%w: schedule hours must be within [0,24]", ErrInvalid)
	}
	for _, d := range f.Schedule.AllowedDays {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: schedule.allowedDays entry %d not in [0,6]", ErrInvalid, d)
		}
	}
	if v := f.VolatilitySizing; v.MinMultiplier <= 0 || v.MaxMultiplier < v.MinMultiplier {
		return fmt.Errorf("%w: volatilitySizing multipliers must satisfy 0 < min <= max", ErrInvalid)
	}
	if c := f.Compounding.ReinvestPercent; c < 0 || c > 100 {
		return fmt.Errorf("%w: compounding.reinvestPercent must be within [0,100]", ErrInvalid)
	}
	if f.DailyLoss.MaxDailyLossPercent < 0 || f.PositionLimits.MaxPercentPerAsset < 0 {
		return fmt.Errorf("%w: percentages must not be negative", ErrInvalid)
	}
	return nil
}
