// Package reconcile runs the per-instance background loop: it follows the
// bot's trade ledger, corrects position sizes, applies take-profit and
// trailing exits, trips the loss breakers and plans DCA orders.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fleet-risk/internal/botapi"
	"fleet-risk/internal/clock"
	"fleet-risk/internal/common"
	"fleet-risk/internal/features"
	"fleet-risk/internal/ledger"
	"fleet-risk/internal/metrics"
	"fleet-risk/internal/settings"
	"fleet-risk/internal/storage"
)

// ReentryPolicy decides what happens after a resize whose re-entry failed.
type ReentryPolicy string

const (
	// LeaveFlat records the failure and leaves the position closed.
	LeaveFlat ReentryPolicy = "leaveFlat"
	// RetryNextTick retries the re-entry on later ticks, up to MaxReentryAttempts.
	RetryNextTick ReentryPolicy = "retryNextTick"
	// HaltEntries records the failure and blocks new entries until resumed.
	HaltEntries ReentryPolicy = "halt"
)

func ParseReentryPolicy(s string) (ReentryPolicy, error) {
	switch ReentryPolicy(s) {
	case "", LeaveFlat:
		return LeaveFlat, nil
	case RetryNextTick, HaltEntries:
		return ReentryPolicy(s), nil
	}
	return "", fmt.Errorf("unknown re-entry policy %q", s)
}

// CorrectionTag marks entries placed by a position resize.
const CorrectionTag = "risk-resize"

type Config struct {
	InstanceID          string
	Interval            time.Duration
	RebalanceInterval   time.Duration
	CorrectionTolerance float64 // fraction of the target stake
	CorrectionWait      time.Duration
	ReentryPolicy       ReentryPolicy
	MaxReentryAttempts  int
	DCAAutoPlace        bool
	DCACooldown         time.Duration
	RebalanceMinAmount  float64
	TargetAllocations   map[string]float64 // replaces the curve's table when set
	AllocationGroups    map[string]string  // asset -> allocation group overrides
	BatchSize           int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = common.DefaultReconcileInterval
	}
	if c.RebalanceInterval <= 0 {
		c.RebalanceInterval = common.DefaultRebalanceInterval
	}
	if c.CorrectionTolerance <= 0 {
		c.CorrectionTolerance = common.DefaultCorrectionTolerance
	}
	if c.CorrectionWait < 0 {
		c.CorrectionWait = common.DefaultCorrectionWait
	}
	if c.ReentryPolicy == "" {
		c.ReentryPolicy = LeaveFlat
	}
	if c.MaxReentryAttempts <= 0 {
		c.MaxReentryAttempts = 3
	}
	if c.DCACooldown <= 0 {
		c.DCACooldown = common.DefaultDCACooldown
	}
	if c.RebalanceMinAmount <= 0 {
		c.RebalanceMinAmount = common.DefaultMinRebalanceAmount
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	return c
}

type Settings interface {
	Load(instanceID string) (settings.UniversalSettings, error)
	LoadFeatures(instanceID string) (settings.FeatureSet, error)
}

type Bot interface {
	Balance(ctx context.Context) (botapi.Balance, error)
	Status(ctx context.Context) ([]botapi.Trade, error)
	Profit(ctx context.Context) (botapi.Profit, error)
	Daily(ctx context.Context, days int) (botapi.Daily, error)
	Ticker(ctx context.Context, pair string) (float64, error)
	ForceEnter(ctx context.Context, req botapi.ForceEnter) (botapi.Trade, error)
	ForceExit(ctx context.Context, req botapi.ForceExit) error
}

type Ledger interface {
	TradesAfter(ctx context.Context, after int64, limit int) ([]ledger.Trade, error)
	MaxID(ctx context.Context) (int64, error)
}

type Deps struct {
	Settings Settings
	State    *storage.StateRepository
	Bot      Bot
	Ledger   Ledger
	Tracker  *features.VolatilityTracker // optional, one is created when nil
	Sink     Sink                        // optional
	Clock    clock.Clock
	Metrics  *metrics.MetricsWrapper
}

// Loop reconciles one bot instance.
type Loop struct {
	cfg       Config
	settings  Settings
	state     *storage.StateRepository
	bot       Bot
	ledger    Ledger
	tracker   *features.VolatilityTracker
	portfolio *features.PriceWindow
	sink      Sink
	clock     clock.Clock
	metrics   *metrics.MetricsWrapper
	log       zerolog.Logger

	mu            sync.Mutex // one tick at a time
	lastRebalance time.Time
	nudge         chan struct{}
}

// portfolioWindow is the span the emergency stop measures drawdown over.
const portfolioWindow = 24 * time.Hour

func New(cfg Config, d Deps) *Loop {
	cfg = cfg.withDefaults()
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Sink == nil {
		d.Sink = discard{}
	}
	if d.Tracker == nil {
		d.Tracker = NewTracker(cfg.Interval)
	}
	samples := int(portfolioWindow/cfg.Interval) + 1
	if samples > 10000 {
		samples = 10000
	}
	return &Loop{
		cfg:       cfg,
		settings:  d.Settings,
		state:     d.State,
		bot:       d.Bot,
		ledger:    d.Ledger,
		tracker:   d.Tracker,
		portfolio: features.NewPriceWindow(portfolioWindow, samples),
		sink:      d.Sink,
		clock:     d.Clock,
		metrics:   d.Metrics,
		log:       log.With().Str("component", "reconcile").Str("instance", cfg.InstanceID).Logger(),
		nudge:     make(chan struct{}, 1),
	}
}

// NewTracker sizes a volatility tracker for a loop ticking every interval:
// a day of samples, current volatility over the last hour.
func NewTracker(interval time.Duration) *features.VolatilityTracker {
	if interval <= 0 {
		interval = common.DefaultReconcileInterval
	}
	size := int(portfolioWindow / interval)
	if size > 10000 {
		size = 10000
	}
	recent := int(time.Hour / interval)
	return features.NewVolatilityTracker(portfolioWindow, size, recent)
}

// Tracker is the price history this loop feeds; the interceptor sizes
// entries from it.
func (l *Loop) Tracker() *features.VolatilityTracker { return l.tracker }

// Nudge asks for a tick as soon as possible without waiting for it.
func (l *Loop) Nudge() {
	select {
	case l.nudge <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is cancelled. On-disk state is left as it is.
func (l *Loop) Run(ctx context.Context) {
	ticker := l.clock.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.log.Info().Dur("interval", l.cfg.Interval).Msg("Reconciliation started")
	l.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("Reconciliation stopped")
			return
		case <-ticker.C():
			l.runTick(ctx)
		case <-l.nudge:
			l.runTick(ctx)
		}
	}
}

func (l *Loop) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.Errors().Inc()
			l.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic in reconciliation tick")
		}
	}()
	start := time.Now()
	err := l.Tick(ctx)
	l.metrics.TickDuration().Observe(time.Since(start).Seconds())
	if err != nil && ctx.Err() == nil {
		l.log.Warn().Err(err).Msg("Reconciliation tick incomplete")
	}
}

// tick caches what one pass reads from the bot.
type tick struct {
	now      time.Time
	us       settings.UniversalSettings
	fs       settings.FeatureSet
	balance  *botapi.Balance
	trades   []botapi.Trade
	tradesOK bool
}

func (l *Loop) balance(ctx context.Context, t *tick) (botapi.Balance, error) {
	if t.balance != nil {
		return *t.balance, nil
	}
	b, err := l.bot.Balance(ctx)
	if err != nil {
		return botapi.Balance{}, err
	}
	t.balance = &b
	return b, nil
}

func (l *Loop) openTrades(ctx context.Context, t *tick) ([]botapi.Trade, error) {
	if t.tradesOK {
		return t.trades, nil
	}
	trades, err := l.bot.Status(ctx)
	if err != nil {
		return nil, err
	}
	t.trades, t.tradesOK = trades, true
	return trades, nil
}

// Tick runs one reconciliation pass. Steps are independent: a failing step
// is reported in the returned error and the rest still run.
func (l *Loop) Tick(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	us, err := l.settings.Load(l.cfg.InstanceID)
	if err != nil {
		return err
	}
	fs, err := l.settings.LoadFeatures(l.cfg.InstanceID)
	if err != nil {
		return err
	}
	t := &tick{now: l.clock.Now(), us: us, fs: fs}

	var errs []error
	// a failure recorded by followLedger waits for the next tick
	if err := l.retryCorrection(ctx, t); err != nil {
		errs = append(errs, fmt.Errorf("correction retry: %w", err))
	}
	if err := l.followLedger(ctx, t); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}

	trades, err := l.openTrades(ctx, t)
	if err != nil {
		errs = append(errs, fmt.Errorf("open trades: %w", err))
	} else {
		l.observe(ctx, t, trades)
		l.scanExits(ctx, t, trades)
		if err := l.collectGarbage(ctx, trades); err != nil {
			errs = append(errs, fmt.Errorf("state cleanup: %w", err))
		}
	}

	if err := l.checkDailyLoss(ctx, t); err != nil {
		errs = append(errs, fmt.Errorf("daily loss: %w", err))
	}
	if err := l.checkEmergency(ctx, t); err != nil {
		errs = append(errs, fmt.Errorf("emergency stop: %w", err))
	}

	if l.lastRebalance.IsZero() || t.now.Sub(l.lastRebalance) >= l.cfg.RebalanceInterval {
		if err := l.rebalance(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("rebalance: %w", err))
		} else {
			l.lastRebalance = t.now
		}
	}
	return errors.Join(errs...)
}

// followLedger processes every trade above the watermark once, in id order.
// Without a persisted watermark it starts from the ledger's current maximum
// so history is never replayed.
func (l *Loop) followLedger(ctx context.Context, t *tick) error {
	id := l.cfg.InstanceID
	wm, ok, err := l.state.Watermark(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		maxID, err := l.ledger.MaxID(ctx)
		if errors.Is(err, common.ErrLedgerUnavailable) {
			l.log.Debug().Msg("Ledger not created yet")
			return nil
		}
		if err != nil {
			return err
		}
		wm, err = l.state.AdvanceWatermark(ctx, id, maxID)
		if err != nil {
			return err
		}
		l.metrics.SetWatermark(id, wm)
		l.log.Info().Int64("watermark", wm).Msg("Watermark derived from ledger")
		return nil
	}

	trades, err := l.ledger.TradesAfter(ctx, wm, l.cfg.BatchSize)
	if errors.Is(err, common.ErrLedgerUnavailable) {
		return nil
	}
	if err != nil {
		return err
	}

	n := 0
	for _, tr := range trades {
		if tr.ID <= wm {
			continue
		}
		l.processTrade(ctx, t, tr)
		if wm, err = l.state.AdvanceWatermark(ctx, id, tr.ID); err != nil {
			return err
		}
		n++
	}
	if n > 0 {
		l.metrics.TradesProcessed(id, n)
		l.metrics.SetWatermark(id, wm)
		l.log.Debug().Int("trades", n).Int64("watermark", wm).Msg("Ledger trades processed")
	}
	return nil
}

func (l *Loop) processTrade(ctx context.Context, t *tick, tr ledger.Trade) {
	if !t.us.Enabled || !tr.IsOpen || tr.StakeAmount <= 0 {
		return
	}
	l.maybeCorrect(ctx, t, tr)
}

func (l *Loop) observe(ctx context.Context, t *tick, trades []botapi.Trade) {
	seen := make(map[string]bool, len(trades))
	for _, tr := range trades {
		if tr.CurrentRate > 0 && !seen[tr.Pair] {
			l.tracker.Observe(tr.Pair, tr.CurrentRate, t.now)
			seen[tr.Pair] = true
		}
	}
	if ref := t.fs.EmergencyStop.ReferencePair; t.fs.EmergencyStop.Enabled && ref != "" && !seen[ref] {
		if p, err := l.bot.Ticker(ctx, ref); err != nil {
			l.log.Debug().Err(err).Str("pair", ref).Msg("Reference price unavailable")
		} else {
			l.tracker.Observe(ref, p, t.now)
		}
	}
	if b, err := l.balance(ctx, t); err == nil {
		l.portfolio.Add(b.Total, t.now)
	}
}

// collectGarbage drops per-position state for positions that are no longer
// open.
func (l *Loop) collectGarbage(ctx context.Context, trades []botapi.Trade) error {
	open := make(map[string]bool, len(trades))
	for _, tr := range trades {
		if tr.IsOpen {
			open[features.PositionKey(tr.Pair, tr.TradeID)] = true
		}
	}
	keys, err := l.state.PositionKeys(ctx, l.cfg.InstanceID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if open[k] {
			continue
		}
		if err := l.state.DeletePosition(ctx, l.cfg.InstanceID, k); err != nil {
			return err
		}
		l.log.Debug().Str("position", k).Msg("Cleared state of closed position")
	}
	return nil
}

// halted reports whether any halt currently blocks new entries.
func (l *Loop) halted(ctx context.Context, now time.Time) bool {
	for _, kind := range []storage.HaltKind{storage.HaltEmergency, storage.HaltDailyLoss} {
		if h, err := l.state.Halt(ctx, l.cfg.InstanceID, kind); err == nil && h.InEffect(now) {
			return true
		}
	}
	f, err := l.state.CorrectionFailure(ctx, l.cfg.InstanceID)
	return err == nil && f != nil && f.Halted
}

func (l *Loop) emit(e Event) {
	e.Instance = l.cfg.InstanceID
	if e.Time.IsZero() {
		e.Time = l.clock.Now()
	}
	l.sink.Publish(e)
}
