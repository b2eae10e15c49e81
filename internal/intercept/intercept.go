// Package intercept sits between the orchestrator and a bot's control API.
// Entry requests are checked against the trading policies and resized before
// they reach the bot; everything else passes through.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fleet-risk/internal/botapi"
	"fleet-risk/internal/clock"
	"fleet-risk/internal/common"
	"fleet-risk/internal/features"
	"fleet-risk/internal/metrics"
	"fleet-risk/internal/settings"
	"fleet-risk/internal/storage"
)

// Decision outcomes.
const (
	OutcomeForwarded = "forwarded"
	OutcomeResized   = "resized"
	OutcomeDenied    = "denied"
	OutcomeFailOpen  = "fail_open"
)

// EntryRequest is the part of a force-entry request the interceptor reads or
// rewrites.
type EntryRequest struct {
	Pair        string   `json:"pair"`
	Side        string   `json:"side,omitempty"`
	StakeAmount *float64 `json:"stakeamount,omitempty"`
	OrderType   string   `json:"ordertype,omitempty"`
	Price       *float64 `json:"price,omitempty"`
}

type Decision struct {
	Outcome       string
	OriginalStake float64
	TargetStake   float64
}

type SettingsSource interface {
	Load(instanceID string) (settings.UniversalSettings, error)
	LoadFeatures(instanceID string) (settings.FeatureSet, error)
}

type StateSource interface {
	Halt(ctx context.Context, instanceID string, kind storage.HaltKind) (*features.HaltState, error)
	LastEntry(ctx context.Context, instanceID, asset string) (time.Time, error)
	SaveLastEntry(ctx context.Context, instanceID, asset string, t time.Time) error
	CorrectionFailure(ctx context.Context, instanceID string) (*storage.CorrectionFailure, error)
}

type BotSource interface {
	Balance(ctx context.Context) (botapi.Balance, error)
	Status(ctx context.Context) ([]botapi.Trade, error)
	Profit(ctx context.Context) (botapi.Profit, error)
	Ticker(ctx context.Context, pair string) (float64, error)
}

type VolatilitySource interface {
	Volatility(pair string, now time.Time) (avg, current float64, ok bool)
}

// Nudger schedules a reconciliation tick without waiting for it.
type Nudger interface {
	Nudge()
}

type Config struct {
	InstanceID        string
	Upstream          *url.URL
	CorrelationGroups map[string]string // deployment defaults, feature config wins
}

type Interceptor struct {
	cfg        Config
	settings   SettingsSource
	state      StateSource
	bot        BotSource
	volatility VolatilitySource
	nudger     Nudger
	clock      clock.Clock
	metrics    *metrics.MetricsWrapper
	log        zerolog.Logger
}

type Deps struct {
	Settings   SettingsSource
	State      StateSource
	Bot        BotSource
	Volatility VolatilitySource // optional
	Nudger     Nudger           // optional
	Clock      clock.Clock
	Metrics    *metrics.MetricsWrapper
}

func New(cfg Config, d Deps) *Interceptor {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return &Interceptor{
		cfg:        cfg,
		settings:   d.Settings,
		state:      d.State,
		bot:        d.Bot,
		volatility: d.Volatility,
		nudger:     d.Nudger,
		clock:      d.Clock,
		metrics:    d.Metrics,
		log:        log.With().Str("component", "intercept").Str("instance", cfg.InstanceID).Logger(),
	}
}

func (i *Interceptor) InstanceID() string { return i.cfg.InstanceID }
func (i *Interceptor) Upstream() *url.URL { return i.cfg.Upstream }

// OnQuery is called for balance and profit reads.
func (i *Interceptor) OnQuery() {
	if i.nudger != nil {
		i.nudger.Nudge()
	}
}

// Entry runs the policy checks and sizing for one entry request. It returns
// a *common.PolicyViolation when the request must not reach the bot; any
// other failure leaves the request as it was.
func (i *Interceptor) Entry(ctx context.Context, req EntryRequest) (EntryRequest, Decision, error) {
	now := i.clock.Now()
	dec := Decision{Outcome: OutcomeForwarded}
	if req.StakeAmount != nil {
		dec.OriginalStake = *req.StakeAmount
		dec.TargetStake = *req.StakeAmount
	}

	us, err := i.settings.Load(i.cfg.InstanceID)
	if err != nil {
		return req, i.failOpen(dec, "settings", err), nil
	}
	fs, err := i.settings.LoadFeatures(i.cfg.InstanceID)
	if err != nil {
		return req, i.failOpen(dec, "features", err), nil
	}

	if err := i.checkHalts(ctx, now); err != nil {
		return req, i.deny(dec, err), err
	}
	if err := features.CheckSchedule(fs.Schedule, now); err != nil {
		return req, i.deny(dec, err), err
	}

	snap := i.snapshot(ctx, fs)
	out := req

	if us.Enabled && snap.balanceOK {
		target, err := guard(func() (float64, error) { return i.targetStake(us, fs, snap, req.Pair, now) })
		if err != nil {
			dec = i.failOpen(dec, "sizing", err)
		} else {
			out.StakeAmount = &target
			dec.TargetStake = target
			dec.Outcome = OutcomeResized
		}
	}

	if fs.PositionLimits.Enabled {
		if err := i.checkLimits(ctx, fs.PositionLimits, snap, out, now); err != nil {
			return req, i.deny(dec, err), err
		}
	}

	if fs.SmartOrder.Enabled {
		if params, err := i.smartOrder(ctx, fs.SmartOrder, out, now); err != nil {
			dec = i.failOpen(dec, "smart_order", err)
		} else {
			out.OrderType = params.OrderType
			out.Price = params.Price
		}
	}

	i.metrics.InterceptDecision(dec.Outcome)
	i.log.Info().
		Str("pair", req.Pair).
		Str("outcome", dec.Outcome).
		Float64("original_stake", dec.OriginalStake).
		Float64("target_stake", dec.TargetStake).
		Str("ordertype", out.OrderType).
		Msg("Entry request intercepted")
	return out, dec, nil
}

// Committed records a successful entry for the cooldown check.
func (i *Interceptor) Committed(ctx context.Context, req EntryRequest) {
	asset := features.BaseAsset(req.Pair)
	if err := i.state.SaveLastEntry(ctx, i.cfg.InstanceID, asset, i.clock.Now()); err != nil {
		i.log.Warn().Err(err).Str("asset", asset).Msg("Failed to record last entry time")
	}
}

var haltChecks = []struct {
	kind storage.HaltKind
	code string
}{
	{storage.HaltEmergency, common.CodeEmergencyStop},
	{storage.HaltDailyLoss, common.CodeDailyLossPause},
}

func haltViolation(code string, st *features.HaltState) *common.PolicyViolation {
	v := common.Deny(code, st.Reason, st.Value)
	v.ResumeAt = st.ResumeAt
	return v
}

func correctionHalt(f *storage.CorrectionFailure) *common.PolicyViolation {
	return common.Deny(common.CodeCorrectionHalt,
		fmt.Sprintf("re-entry after resizing %s failed: %s", f.Pair, f.Reason), f.TargetStake)
}

func (i *Interceptor) checkHalts(ctx context.Context, now time.Time) error {
	for _, h := range haltChecks {
		st, err := i.state.Halt(ctx, i.cfg.InstanceID, h.kind)
		if err != nil {
			i.log.Warn().Err(err).Str("halt", string(h.kind)).Msg("Halt state unreadable, not blocking")
			i.metrics.FailOpen("halt_state")
			continue
		}
		if st.InEffect(now) {
			return haltViolation(h.code, st)
		}
	}
	f, err := i.state.CorrectionFailure(ctx, i.cfg.InstanceID)
	if err == nil && f != nil && f.Halted {
		return correctionHalt(f)
	}
	return nil
}

// Blocking lists every policy currently blocking new entries regardless of
// the pair: halts, a halted correction and the trading schedule. Unlike
// Entry it reports read failures instead of failing open.
func (i *Interceptor) Blocking(ctx context.Context) ([]*common.PolicyViolation, error) {
	now := i.clock.Now()
	var out []*common.PolicyViolation
	for _, h := range haltChecks {
		st, err := i.state.Halt(ctx, i.cfg.InstanceID, h.kind)
		if err != nil {
			return nil, fmt.Errorf("read %s halt: %w", h.kind, err)
		}
		if st.InEffect(now) {
			out = append(out, haltViolation(h.code, st))
		}
	}
	f, err := i.state.CorrectionFailure(ctx, i.cfg.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("read correction failure: %w", err)
	}
	if f != nil && f.Halted {
		out = append(out, correctionHalt(f))
	}
	fs, err := i.settings.LoadFeatures(i.cfg.InstanceID)
	if err != nil {
		return nil, err
	}
	if v, ok := common.AsPolicyViolation(features.CheckSchedule(fs.Schedule, now)); ok {
		out = append(out, v)
	}
	return out, nil
}

type snapshot struct {
	portfolio float64
	balanceOK bool
	profit    float64
	open      []features.Position
	openOK    bool
}

func (i *Interceptor) snapshot(ctx context.Context, fs settings.FeatureSet) snapshot {
	var s snapshot
	if b, err := i.bot.Balance(ctx); err != nil {
		i.log.Warn().Err(err).Msg("Balance unavailable, sizing skipped")
		i.metrics.FailOpen("balance")
	} else {
		s.portfolio, s.balanceOK = b.Total, true
	}
	if fs.Compounding.Enabled {
		if p, err := i.bot.Profit(ctx); err == nil {
			s.profit = p.ProfitClosedCoin
		}
	}
	if fs.PositionLimits.Enabled {
		trades, err := i.bot.Status(ctx)
		if err != nil {
			i.log.Warn().Err(err).Msg("Open trades unavailable, position limits skipped")
			i.metrics.FailOpen("status")
		} else {
			s.openOK = true
			for _, t := range trades {
				s.open = append(s.open, t.Position())
			}
		}
	}
	return s
}

func (i *Interceptor) targetStake(us settings.UniversalSettings, fs settings.FeatureSet, snap snapshot, pair string, now time.Time) (float64, error) {
	in := SizingInput{Portfolio: snap.portfolio, ClosedProfit: snap.profit}
	if fs.VolatilitySizing.Enabled && i.volatility != nil {
		in.AvgVol, in.CurVol, in.HaveVol = i.volatility.Volatility(pair, now)
	}
	return TargetStake(us, fs, in)
}

func (i *Interceptor) checkLimits(ctx context.Context, cfg features.PositionLimitsConfig, snap snapshot, req EntryRequest, now time.Time) error {
	if !snap.openOK {
		return nil
	}
	groups := make(map[string]string, len(i.cfg.CorrelationGroups)+len(cfg.CorrelationGroups))
	for k, v := range i.cfg.CorrelationGroups {
		groups[k] = v
	}
	for k, v := range cfg.CorrelationGroups {
		groups[k] = v
	}
	cfg.CorrelationGroups = groups

	last, err := i.state.LastEntry(ctx, i.cfg.InstanceID, features.BaseAsset(req.Pair))
	if err != nil {
		i.log.Warn().Err(err).Msg("Last entry time unreadable, cooldown not enforced")
	}
	var stake float64
	if req.StakeAmount != nil {
		stake = *req.StakeAmount
	}
	portfolio := 0.0
	if snap.balanceOK {
		portfolio = snap.portfolio
	}
	return features.CheckPositionLimits(cfg, features.LimitRequest{
		Pair:           req.Pair,
		ProposedStake:  stake,
		PortfolioValue: portfolio,
		Open:           snap.open,
		LastEntry:      last,
		Now:            now,
	})
}

func (i *Interceptor) smartOrder(ctx context.Context, cfg features.SmartOrderConfig, req EntryRequest, now time.Time) (features.OrderParams, error) {
	price := 0.0
	if req.Price != nil {
		price = *req.Price
	} else {
		p, err := i.bot.Ticker(ctx, req.Pair)
		if err != nil {
			return features.OrderParams{}, err
		}
		price = p
	}
	var cur float64
	if i.volatility != nil {
		_, cur, _ = i.volatility.Volatility(req.Pair, now)
	}
	side := req.Side
	if side == "" {
		side = "long"
	}
	return features.SmartOrderParams(cfg, side, price, cur), nil
}

func (i *Interceptor) deny(dec Decision, err error) Decision {
	dec.Outcome = OutcomeDenied
	pv, _ := common.AsPolicyViolation(err)
	if pv != nil {
		i.metrics.PolicyDenied(pv.Code)
		i.log.Info().Str("code", pv.Code).Str("reason", pv.Reason).Msg("Entry request denied")
	}
	i.metrics.InterceptDecision(OutcomeDenied)
	return dec
}

func (i *Interceptor) failOpen(dec Decision, stage string, err error) Decision {
	i.log.Warn().Err(err).Str("stage", stage).Msg("Advisory step failed, passing request through")
	i.metrics.FailOpen(stage)
	if dec.Outcome == OutcomeForwarded {
		dec.Outcome = OutcomeFailOpen
	}
	return dec
}

// guard turns a panic in advisory math into ErrInternalComputation.
func guard(fn func() (float64, error)) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic in sizing")
			v, err = 0, fmt.Errorf("%w: %v", common.ErrInternalComputation, r)
		}
	}()
	return fn()
}

// IsDenial reports whether err came from a policy check.
func IsDenial(err error) bool {
	var pv *common.PolicyViolation
	return errors.As(err, &pv)
}
