package reconcile

import (
	"context"

	"fleet-risk/internal/features"
	"fleet-risk/internal/storage"
)

// activeHalt returns the halt of kind if it still applies, clearing it once
// its resume time has passed.
func (l *Loop) activeHalt(ctx context.Context, kind storage.HaltKind, t *tick) (*features.HaltState, error) {
	h, err := l.state.Halt(ctx, l.cfg.InstanceID, kind)
	if err != nil || h == nil {
		return nil, err
	}
	if h.InEffect(t.now) {
		return h, nil
	}
	if err := l.state.SaveHalt(ctx, l.cfg.InstanceID, kind, nil); err != nil {
		return nil, err
	}
	l.metrics.SetHalted(l.cfg.InstanceID, string(kind), false)
	l.log.Info().Str("halt", string(kind)).Msg("Trading resumed")
	l.emit(Event{Type: EventResume, Message: string(kind) + " pause expired", Data: h})
	return nil, nil
}

func (l *Loop) trip(ctx context.Context, kind storage.HaltKind, h *features.HaltState) error {
	if err := l.state.SaveHalt(ctx, l.cfg.InstanceID, kind, h); err != nil {
		return err
	}
	l.metrics.SetHalted(l.cfg.InstanceID, string(kind), true)
	ev := l.log.Warn().Str("halt", string(kind)).Str("reason", h.Reason).Float64("value", h.Value)
	if h.ResumeAt != nil {
		ev = ev.Time("resume_at", *h.ResumeAt)
	}
	ev.Msg("Trading halted")
	l.emit(Event{Type: EventHalt, Message: h.Reason, Data: h})
	return nil
}

// checkDailyLoss measures today's realised plus open PnL against the day's
// starting value.
func (l *Loop) checkDailyLoss(ctx context.Context, t *tick) error {
	cur, err := l.activeHalt(ctx, storage.HaltDailyLoss, t)
	if err != nil || cur != nil || !t.fs.DailyLoss.Enabled {
		return err
	}

	bal, err := l.balance(ctx, t)
	if err != nil {
		return err
	}
	mark, err := l.dayMark(ctx, t, bal.Total)
	if err != nil {
		return err
	}

	var pnl float64
	start := mark.StartValue
	daily, err := l.bot.Daily(ctx, 1)
	if err != nil {
		return err
	}
	if row, ok := daily.Today(t.now); ok {
		pnl = row.AbsProfit
		if row.StartingBalance > 0 {
			start = row.StartingBalance
		}
	}
	if trades, err := l.openTrades(ctx, t); err == nil {
		for _, tr := range trades {
			if tr.IsOpen {
				pnl += tr.ProfitAbs
			}
		}
	}

	h := features.EvaluateDailyLoss(t.fs.DailyLoss, start, pnl, t.now)
	if h == nil {
		return nil
	}
	return l.trip(ctx, storage.HaltDailyLoss, h)
}

// dayMark returns today's baseline, starting a new one on the first tick of a
// UTC day.
func (l *Loop) dayMark(ctx context.Context, t *tick, total float64) (storage.PortfolioMark, error) {
	day := t.now.UTC().Format("2006-01-02")
	m, err := l.state.PortfolioMark(ctx, l.cfg.InstanceID)
	if err != nil {
		return storage.PortfolioMark{}, err
	}
	if m != nil && m.Day == day {
		return *m, nil
	}
	next := storage.PortfolioMark{Day: day, StartValue: total}
	return next, l.state.SavePortfolioMark(ctx, l.cfg.InstanceID, next)
}

func (l *Loop) checkEmergency(ctx context.Context, t *tick) error {
	cur, err := l.activeHalt(ctx, storage.HaltEmergency, t)
	if err != nil || cur != nil || !t.fs.EmergencyStop.Enabled {
		return err
	}
	cfg := t.fs.EmergencyStop
	sig := features.MarketSignal{
		ReferenceDropPercent:     l.tracker.Drop(cfg.ReferencePair, t.now, cfg.DropWindow()),
		PortfolioDrawdownPercent: l.portfolio.DropPercent(t.now, portfolioWindow),
	}
	h := features.EvaluateEmergency(cfg, sig, t.now)
	if h == nil {
		return nil
	}
	return l.trip(ctx, storage.HaltEmergency, h)
}
