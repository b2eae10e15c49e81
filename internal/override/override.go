// Package override keeps the sizing fields of a bot's own config file in line
// with its risk settings, so the bot's native behaviour matches what the
// interceptor enforces.
package override

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fleet-risk/internal/botapi"
	"fleet-risk/internal/botconfig"
	"fleet-risk/internal/clock"
	"fleet-risk/internal/common"
	"fleet-risk/internal/features"
	"fleet-risk/internal/metrics"
	"fleet-risk/internal/risk"
	"fleet-risk/internal/settings"
)

// Fields names the bot config keys the applier owns.
type Fields struct {
	Stake         string `yaml:"stake"`
	MaxOpenTrades string `yaml:"maxOpenTrades"`
	TrailingStop  string `yaml:"trailingStop"`
	StopLoss      string `yaml:"stopLoss"`
}

func DefaultFields() Fields {
	return Fields{
		Stake:         common.DefaultStakeField,
		MaxOpenTrades: common.DefaultMaxOpenTradesField,
		TrailingStop:  common.DefaultTrailingStopField,
		StopLoss:      common.DefaultStopLossField,
	}
}

func (f Fields) withDefaults() Fields {
	d := DefaultFields()
	if f.Stake == "" {
		f.Stake = d.Stake
	}
	if f.MaxOpenTrades == "" {
		f.MaxOpenTrades = d.MaxOpenTrades
	}
	if f.TrailingStop == "" {
		f.TrailingStop = d.TrailingStop
	}
	if f.StopLoss == "" {
		f.StopLoss = d.StopLoss
	}
	return f
}

// Values are what gets written.
type Values struct {
	StakeAmount   float64 `json:"stakeAmount"`
	MaxOpenTrades int     `json:"maxOpenTrades"`
	TrailingStop  bool    `json:"trailingStop"`
	StopLoss      float64 `json:"stopLoss"`
}

// Compute derives the config values from the settings and the account
// balance. The bot's own trailing stop is turned off while the trailing stop
// feature manages exits.
func Compute(us settings.UniversalSettings, fs settings.FeatureSet, portfolio, closedProfit float64) (Values, error) {
	capital := features.CompoundedCapital(fs.Compounding, portfolio, closedProfit)
	stake := risk.OptimalStake(capital, us.RiskConfig, us.DCAEnabled)
	if stake <= 0 {
		return Values{}, fmt.Errorf("%w: stake %v from capital %v", common.ErrInternalComputation, stake, capital)
	}
	s, _ := decimal.NewFromFloat(stake).Round(2).Float64()
	if s <= 0 {
		return Values{}, fmt.Errorf("%w: stake %v rounds to zero", common.ErrInternalComputation, stake)
	}
	sl, _ := decimal.NewFromFloat(us.RiskConfig.StopLoss.BaseStopLoss).Neg().Round(4).Float64()
	return Values{
		StakeAmount:   s,
		MaxOpenTrades: risk.MaxOpenTrades(us.RiskConfig),
		TrailingStop:  !fs.TrailingStop.Enabled,
		StopLoss:      sl,
	}, nil
}

type Settings interface {
	Load(instanceID string) (settings.UniversalSettings, error)
	LoadFeatures(instanceID string) (settings.FeatureSet, error)
}

type Bot interface {
	Balance(ctx context.Context) (botapi.Balance, error)
	Profit(ctx context.Context) (botapi.Profit, error)
}

type Config struct {
	InstanceID string
	ConfigPath string
	Interval   time.Duration
	Fields     Fields
}

// Applier rewrites one bot's config fields on a timer.
type Applier struct {
	cfg      Config
	store    *botconfig.Store
	settings Settings
	bot      Bot
	clock    clock.Clock
	metrics  *metrics.MetricsWrapper
	log      zerolog.Logger
}

func New(cfg Config, store *botconfig.Store, s Settings, bot Bot, clk clock.Clock, mw *metrics.MetricsWrapper) *Applier {
	if cfg.Interval <= 0 {
		cfg.Interval = common.DefaultOverrideInterval
	}
	cfg.Fields = cfg.Fields.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	return &Applier{
		cfg:      cfg,
		store:    store,
		settings: s,
		bot:      bot,
		clock:    clk,
		metrics:  mw,
		log:      log.With().Str("component", "override").Str("instance", cfg.InstanceID).Logger(),
	}
}

var errUnchanged = errors.New("config already up to date")

// Apply computes the values and writes them if they differ from the file. It
// returns nil values when nothing was written: risk management is off, or
// another writer holds the file.
func (a *Applier) Apply(ctx context.Context) (*Values, error) {
	us, err := a.settings.Load(a.cfg.InstanceID)
	if err != nil {
		return nil, err
	}
	if !us.Enabled {
		return nil, nil
	}
	fs, err := a.settings.LoadFeatures(a.cfg.InstanceID)
	if err != nil {
		return nil, err
	}
	bal, err := a.bot.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}
	var profit float64
	if fs.Compounding.Enabled {
		if p, err := a.bot.Profit(ctx); err == nil {
			profit = p.ProfitClosedCoin
		}
	}
	v, err := Compute(us, fs, bal.Total, profit)
	if err != nil {
		a.metrics.FailOpen("override")
		return nil, err
	}

	f := a.cfg.Fields
	err = a.store.TryUpdate(a.cfg.ConfigPath, func(doc *botconfig.Document) error {
		if a.current(doc) == v {
			return errUnchanged
		}
		for _, kv := range []struct {
			key string
			val any
		}{
			{f.Stake, v.StakeAmount},
			{f.MaxOpenTrades, v.MaxOpenTrades},
			{f.TrailingStop, v.TrailingStop},
			{f.StopLoss, v.StopLoss},
		} {
			if err := doc.Set(kv.key, kv.val); err != nil {
				return err
			}
		}
		return nil
	})

	switch {
	case errors.Is(err, errUnchanged):
		a.metrics.ConfigWrite("unchanged")
		return &v, nil
	case errors.Is(err, botconfig.ErrWriteInProgress):
		a.metrics.ConfigWrite("skipped")
		a.log.Debug().Msg("Config write in progress, override skipped")
		return nil, nil
	case errors.Is(err, botconfig.ErrSuspectTruncation):
		a.metrics.ConfigWrite("refused")
		a.log.Error().Err(err).Str("path", a.cfg.ConfigPath).Msg("Config override refused")
		return nil, err
	case err != nil:
		a.metrics.ConfigWrite("failed")
		return nil, err
	}

	a.metrics.ConfigWrite("ok")
	a.log.Info().
		Float64("stake_amount", v.StakeAmount).
		Int("max_open_trades", v.MaxOpenTrades).
		Bool("trailing_stop", v.TrailingStop).
		Float64("stoploss", v.StopLoss).
		Msg("Config override applied")
	return &v, nil
}

func (a *Applier) current(doc *botconfig.Document) Values {
	var v Values
	f := a.cfg.Fields
	// a field of the wrong type just reads as different
	_, _ = doc.Get(f.Stake, &v.StakeAmount)
	_, _ = doc.Get(f.MaxOpenTrades, &v.MaxOpenTrades)
	_, _ = doc.Get(f.TrailingStop, &v.TrailingStop)
	_, _ = doc.Get(f.StopLoss, &v.StopLoss)
	return v
}

// Run applies on start and then every interval until ctx is cancelled.
func (a *Applier) Run(ctx context.Context) {
	ticker := a.clock.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			a.runOnce(ctx)
		}
	}
}

func (a *Applier) runOnce(ctx context.Context) {
	if _, err := a.Apply(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, botconfig.ErrSuspectTruncation) {
		a.log.Warn().Err(err).Msg("Config override failed")
	}
}
