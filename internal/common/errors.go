package common

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by every component. Callers classify with errors.Is.
var (
	// ErrConfigUnavailable means the bot config file is missing or unreadable.
	// Readers fall back to defaults instead of failing the cycle.
	ErrConfigUnavailable = errors.New("config unavailable")

	// ErrLedgerUnavailable means the trade ledger has not been created yet.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrUpstreamAuth means the bot rejected our credentials or we are inside
	// the auth cool-down window.
	ErrUpstreamAuth = errors.New("upstream auth failure")

	// ErrUpstreamUnavailable covers network errors, timeouts and 5xx replies.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInternalComputation marks a bug or numeric edge case in advisory math.
	// It never blocks a trade.
	ErrInternalComputation = errors.New("internal computation error")
)

// Policy violation codes
const (
	CodeEmergencyStop   = "emergency_stop"
	CodeDailyLossPause  = "daily_loss_pause"
	CodeOutsideSchedule = "outside_schedule"
	CodeHoliday         = "holiday"
	CodeAssetAllocation = "asset_allocation"
	CodeAssetPositions  = "asset_positions"
	CodeCooldown        = "cooldown"
	CodeCorrelation     = "correlation_group"
	CodeCorrectionHalt  = "correction_halt"
)

// PolicyViolation is an intentional denial. It always short-circuits the request
// and carries enough detail for the caller to show why.
type PolicyViolation struct {
	Code     string     `json:"code"`
	Reason   string     `json:"reason"`
	Detail   float64    `json:"detail,omitempty"`
	ResumeAt *time.Time `json:"resumeAt,omitempty"`
}

func (v *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", v.Code, v.Reason)
}

// Deny builds a PolicyViolation.
func Deny(code, reason string, detail float64) *PolicyViolation {
	return &PolicyViolation{Code: code, Reason: reason, Detail: detail}
}

// AsPolicyViolation unwraps err into a *PolicyViolation if it is one.
func AsPolicyViolation(err error) (*PolicyViolation, bool) {
	var pv *PolicyViolation
	if errors.As(err, &pv) {
		return pv, true
	}
	return nil, false
}
