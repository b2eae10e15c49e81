// Package fleet keeps track of the configured bot instances and the
// per-instance managers acting on them.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fleet-risk/internal/botapi"
	"fleet-risk/internal/botconfig"
	"fleet-risk/internal/cfg"
	"fleet-risk/internal/clock"
	"fleet-risk/internal/common"
	"fleet-risk/internal/intercept"
	"fleet-risk/internal/ledger"
	"fleet-risk/internal/metrics"
	"fleet-risk/internal/override"
	"fleet-risk/internal/reconcile"
	"fleet-risk/internal/settings"
	"fleet-risk/internal/storage"
)

var (
	ErrUnknownInstance = settings.ErrUnknownInstance
	ErrPoolFull        = errors.New("manager cache is full")
)

// defaultLedgerDSN is where the bot keeps its trades unless its config says
// otherwise.
const defaultLedgerDSN = "sqlite:///tradesv3.sqlite"

type Ledger interface {
	reconcile.Ledger
	Close() error
}

// BotFactory builds the API client for an instance.
type BotFactory func(inst cfg.Instance) reconcile.Bot

// LedgerOpener opens the trade ledger for an instance.
type LedgerOpener func(inst cfg.Instance) (Ledger, error)

type Deps struct {
	Settings   settings.Repository
	Store      *botconfig.Store
	State      *storage.StateRepository
	Sink       reconcile.Sink // optional
	Clock      clock.Clock
	Metrics    *metrics.MetricsWrapper
	NewBot     BotFactory   // optional, resty client by default
	OpenLedger LedgerOpener // optional, sqlite or postgres by default
}

// Fleet is the registry of configured instances. Managers are built on first
// use and kept in a bounded LRU; instances being monitored are never evicted.
type Fleet struct {
	cfg       cfg.Settings
	instances map[string]cfg.Instance
	d         Deps
	log       zerolog.Logger

	mu       sync.Mutex
	managers map[string]*Manager
	lruOrder []string // oldest first
}

func New(s cfg.Settings, d Deps) *Fleet {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if s.MaxManagers <= 0 {
		s.MaxManagers = common.DefaultMaxManagers
	}
	f := &Fleet{
		cfg:       s,
		instances: make(map[string]cfg.Instance, len(s.Instances)),
		d:         d,
		log:       log.With().Str("component", "fleet").Logger(),
		managers:  make(map[string]*Manager),
	}
	if f.d.NewBot == nil {
		f.d.NewBot = f.defaultBot
	}
	if f.d.OpenLedger == nil {
		f.d.OpenLedger = f.defaultLedger
	}
	for _, inst := range s.Instances {
		f.instances[inst.ID] = inst
	}
	return f
}

// Instances returns the configured instance ids, sorted.
func (f *Fleet) Instances() []string {
	ids := make([]string, 0, len(f.instances))
	for id := range f.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *Fleet) instance(id string) (cfg.Instance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return cfg.Instance{}, fmt.Errorf("%w: %q", ErrUnknownInstance, id)
	}
	return inst, nil
}

// Manager returns the cached manager for id, building it if needed.
func (f *Fleet) Manager(id string) (*Manager, error) {
	inst, err := f.instance(id)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.managers[id]; ok {
		f.touchLocked(id)
		return m, nil
	}
	if len(f.managers) >= f.cfg.MaxManagers && !f.evictLocked() {
		return nil, ErrPoolFull
	}

	m, err := f.build(inst)
	if err != nil {
		return nil, err
	}
	f.managers[id] = m
	f.lruOrder = append(f.lruOrder, id)
	f.d.Metrics.ManagersCached().Set(float64(len(f.managers)))
	return m, nil
}

// cached returns the manager for id without building one.
func (f *Fleet) cached(id string) *Manager {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.managers[id]
}

// Resolve is the proxy's view of the fleet.
func (f *Fleet) Resolve(id string) (*intercept.Interceptor, error) {
	m, err := f.Manager(id)
	if err != nil {
		return nil, err
	}
	return m.Interceptor(), nil
}

// StartMonitoring starts the background loops for id. Starting an instance
// that is already monitored is a no-op.
func (f *Fleet) StartMonitoring(ctx context.Context, id string) error {
	m, err := f.Manager(id)
	if err != nil {
		return err
	}
	m.start(ctx)
	return nil
}

// StartAll starts monitoring every configured instance.
func (f *Fleet) StartAll(ctx context.Context) error {
	var errs []error
	for _, id := range f.Instances() {
		if err := f.StartMonitoring(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// StopMonitoring stops the background loops for id and leaves its persisted
// state in place, so a later start resumes where it left off.
func (f *Fleet) StopMonitoring(id string) error {
	if _, err := f.instance(id); err != nil {
		return err
	}
	if m := f.cached(id); m != nil {
		m.stop()
	}
	return nil
}

// Close stops every manager and releases its ledger handle.
func (f *Fleet) Close() error {
	f.mu.Lock()
	managers := f.managers
	f.managers = make(map[string]*Manager)
	f.lruOrder = nil
	f.mu.Unlock()

	var errs []error
	for id, m := range managers {
		if err := m.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	f.d.Metrics.ManagersCached().Set(0)
	return errors.Join(errs...)
}

func (f *Fleet) build(inst cfg.Instance) (*Manager, error) {
	upstream, err := url.Parse(inst.APIURL)
	if err != nil {
		return nil, fmt.Errorf("instance %s: parse api url: %w", inst.ID, err)
	}
	led, err := f.d.OpenLedger(inst)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	bot := f.d.NewBot(inst)
	rc := f.cfg.Reconcile

	loop := reconcile.New(reconcile.Config{
		InstanceID:          inst.ID,
		Interval:            rc.Interval,
		RebalanceInterval:   rc.RebalanceInterval,
		CorrectionTolerance: rc.CorrectionTolerance,
		CorrectionWait:      rc.CorrectionWait,
		ReentryPolicy:       rc.ReentryPolicy,
		MaxReentryAttempts:  rc.MaxReentryAttempts,
		DCAAutoPlace:        rc.DCAAutoPlace,
		DCACooldown:         rc.DCACooldown,
		RebalanceMinAmount:  rc.RebalanceMinAmount,
		TargetAllocations:   f.cfg.TargetAllocations,
		AllocationGroups:    f.cfg.AllocationGroups,
	}, reconcile.Deps{
		Settings: f.d.Settings,
		State:    f.d.State,
		Bot:      bot,
		Ledger:   led,
		Sink:     f.d.Sink,
		Clock:    f.d.Clock,
		Metrics:  f.d.Metrics,
	})

	ic := intercept.New(intercept.Config{
		InstanceID:        inst.ID,
		Upstream:          upstream,
		CorrelationGroups: f.cfg.CorrelationGroups,
	}, intercept.Deps{
		Settings:   f.d.Settings,
		State:      f.d.State,
		Bot:        bot,
		Volatility: loop.Tracker(),
		Nudger:     loop,
		Clock:      f.d.Clock,
		Metrics:    f.d.Metrics,
	})

	ap := override.New(override.Config{
		InstanceID: inst.ID,
		ConfigPath: inst.ConfigPath,
		Interval:   f.cfg.OverrideInterval,
		Fields:     f.cfg.ConfigFields,
	}, f.d.Store, f.d.Settings, bot, f.d.Clock, f.d.Metrics)

	f.log.Debug().Str("instance", inst.ID).Msg("Manager created")
	return &Manager{
		inst:        inst,
		bot:         bot,
		ledger:      led,
		interceptor: ic,
		loop:        loop,
		applier:     ap,
		log:         log.With().Str("component", "manager").Str("instance", inst.ID).Logger(),
	}, nil
}

func (f *Fleet) defaultBot(inst cfg.Instance) reconcile.Bot {
	user, pass := f.cfg.Credentials(inst)
	return botapi.New(botapi.Options{
		BaseURL:      inst.APIURL,
		Username:     user,
		Password:     pass,
		Timeout:      f.cfg.RESTTimeout,
		RateLimit:    f.cfg.Bot.RateLimit,
		RateBurst:    f.cfg.Bot.RateBurst,
		BackoffBase:  f.cfg.Bot.AuthBackoffBase,
		BackoffMax:   f.cfg.Bot.AuthBackoffMax,
		FailureLimit: f.cfg.Bot.AuthFailureLimit,
		Clock:        f.d.Clock,
		Metrics:      f.d.Metrics,
	})
}

func (f *Fleet) defaultLedger(inst cfg.Instance) (Ledger, error) {
	l, err := ledger.Open(f.ledgerDSN(inst), filepath.Dir(inst.ConfigPath))
	if err != nil {
		return nil, err
	}
	return l, nil
}

// ledgerDSN prefers the configured DSN, then the bot's own db_url, then the
// bot's default database next to its config file.
func (f *Fleet) ledgerDSN(inst cfg.Instance) string {
	if inst.LedgerDSN != "" {
		return inst.LedgerDSN
	}
	if f.d.Store != nil {
		if doc, err := f.d.Store.Read(inst.ConfigPath); err == nil {
			var dsn string
			if ok, err := doc.Get("db_url", &dsn); ok && err == nil && dsn != "" {
				return dsn
			}
		}
	}
	return defaultLedgerDSN
}

func (f *Fleet) touchLocked(id string) {
	for i, v := range f.lruOrder {
		if v == id {
			f.lruOrder = append(f.lruOrder[:i], f.lruOrder[i+1:]...)
			f.lruOrder = append(f.lruOrder, id)
			return
		}
	}
}

// evictLocked drops the least recently used manager that is not monitoring.
func (f *Fleet) evictLocked() bool {
	for i, id := range f.lruOrder {
		m := f.managers[id]
		if m.Monitoring() {
			continue
		}
		if err := m.close(); err != nil {
			f.log.Warn().Err(err).Str("instance", id).Msg("Failed to close evicted manager")
		}
		delete(f.managers, id)
		f.lruOrder = append(f.lruOrder[:i], f.lruOrder[i+1:]...)
		f.log.Debug().Str("instance", id).Msg("Manager evicted")
		return true
	}
	return false
}
