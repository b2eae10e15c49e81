package reconcile

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"fleet-risk/internal/botapi"
	"fleet-risk/internal/features"
	"fleet-risk/internal/intercept"
	"fleet-risk/internal/ledger"
	"fleet-risk/internal/storage"
)

// maybeCorrect resizes a freshly seen trade whose stake is too far from the
// target the interceptor would size it to now.
func (l *Loop) maybeCorrect(ctx context.Context, t *tick, tr ledger.Trade) {
	if l.halted(ctx, t.now) {
		return
	}
	// the exit leg would leave the pair flat until the window reopens
	if err := features.CheckSchedule(t.fs.Schedule, t.now); err != nil {
		l.log.Debug().Err(err).Int64("trade_id", tr.ID).Msg("Outside trading window, size check skipped")
		return
	}
	bal, err := l.balance(ctx, t)
	if err != nil {
		l.log.Warn().Err(err).Int64("trade_id", tr.ID).Msg("Balance unavailable, size check skipped")
		return
	}
	in := intercept.SizingInput{Portfolio: bal.Total}
	if t.fs.Compounding.Enabled {
		if p, err := l.bot.Profit(ctx); err == nil {
			in.ClosedProfit = p.ProfitClosedCoin
		}
	}
	if t.fs.VolatilitySizing.Enabled {
		in.AvgVol, in.CurVol, in.HaveVol = l.tracker.Volatility(tr.Pair, t.now)
	}
	target, err := intercept.TargetStake(t.us, t.fs, in)
	if err != nil {
		l.metrics.FailOpen("correction_sizing")
		l.log.Warn().Err(err).Int64("trade_id", tr.ID).Msg("Target stake unavailable, size check skipped")
		return
	}

	if math.Abs(tr.StakeAmount-target)/target <= l.cfg.CorrectionTolerance {
		return
	}
	l.correct(ctx, t, tr.Pair, tr.ID, tr.StakeAmount, target)
}

// correct closes the position and reopens it at target. The two legs are not
// atomic; a failed re-entry leaves the position flat and is handled per the
// configured ReentryPolicy.
func (l *Loop) correct(ctx context.Context, t *tick, pair string, tradeID int64, stake, target float64) {
	lg := l.log.With().Str("pair", pair).Int64("trade_id", tradeID).
		Float64("stake", stake).Float64("target", target).Logger()
	lg.Info().Msg("Resizing position")

	if err := l.bot.ForceExit(ctx, botapi.ForceExit{TradeID: strconv.FormatInt(tradeID, 10)}); err != nil {
		l.metrics.Correction("exit_failed")
		lg.Warn().Err(err).Msg("Exit leg of resize failed, position unchanged")
		return
	}

	select {
	case <-ctx.Done():
		l.reentryFailed(ctx, t, pair, tradeID, target, ctx.Err(), 1)
		return
	case <-l.clock.After(l.cfg.CorrectionWait):
	}

	if err := l.reenter(ctx, t, pair, target); err != nil {
		l.reentryFailed(ctx, t, pair, tradeID, target, err, 1)
		return
	}
	l.metrics.Correction("ok")
	lg.Info().Msg("Position resized")
	l.emit(Event{
		Type:    EventCorrection,
		Pair:    pair,
		TradeID: tradeID,
		Message: fmt.Sprintf("stake %.2f resized to %.2f", stake, target),
		Data:    map[string]float64{"stake": stake, "target": target},
	})
}

// reenter opens the replacement position. It honours the trading window the
// interceptor enforces on ordinary entries.
func (l *Loop) reenter(ctx context.Context, t *tick, pair string, stake float64) error {
	if err := features.CheckSchedule(t.fs.Schedule, l.clock.Now()); err != nil {
		return err
	}
	_, err := l.bot.ForceEnter(ctx, botapi.ForceEnter{Pair: pair, StakeAmount: stake, EntryTag: CorrectionTag})
	if err != nil {
		return err
	}
	if err := l.state.SaveLastEntry(ctx, l.cfg.InstanceID, features.BaseAsset(pair), t.now); err != nil {
		l.log.Warn().Err(err).Msg("Failed to record last entry time")
	}
	return nil
}

func (l *Loop) reentryFailed(ctx context.Context, t *tick, pair string, tradeID int64, target float64, cause error, attempts int) {
	f := &storage.CorrectionFailure{
		Pair:        pair,
		TradeID:     tradeID,
		TargetStake: target,
		Reason:      cause.Error(),
		At:          t.now,
		Attempts:    attempts,
		Halted:      l.cfg.ReentryPolicy == HaltEntries,
	}
	// a cancelled ctx would fail the write too
	if err := l.state.SaveCorrectionFailure(context.WithoutCancel(ctx), l.cfg.InstanceID, f); err != nil {
		l.log.Error().Err(err).Msg("Failed to record correction failure")
	}
	l.metrics.Correction("reentry_failed")
	if f.Halted {
		l.metrics.SetHalted(l.cfg.InstanceID, "correction", true)
	}
	l.log.Error().Err(cause).
		Str("pair", pair).
		Int64("trade_id", tradeID).
		Float64("target", target).
		Str("policy", string(l.cfg.ReentryPolicy)).
		Msg("Re-entry after resize failed, position left flat")
	l.emit(Event{
		Type:    EventCorrectionFailed,
		Pair:    pair,
		TradeID: tradeID,
		Message: fmt.Sprintf("re-entry at %.2f failed: %v", target, cause),
		Data:    f,
	})
}

// retryCorrection re-attempts a failed re-entry under RetryNextTick.
func (l *Loop) retryCorrection(ctx context.Context, t *tick) error {
	if l.cfg.ReentryPolicy != RetryNextTick {
		return nil
	}
	f, err := l.state.CorrectionFailure(ctx, l.cfg.InstanceID)
	if err != nil || f == nil || f.Halted || f.Attempts >= l.cfg.MaxReentryAttempts {
		return err
	}
	if l.halted(ctx, t.now) {
		return nil
	}
	// closed window: wait for it without using up an attempt
	if features.CheckSchedule(t.fs.Schedule, t.now) != nil {
		return nil
	}

	if err := l.reenter(ctx, t, f.Pair, f.TargetStake); err != nil {
		f.Attempts++
		f.Reason = err.Error()
		f.At = t.now
		if f.Attempts >= l.cfg.MaxReentryAttempts {
			l.log.Error().Err(err).Str("pair", f.Pair).Int("attempts", f.Attempts).Msg("Giving up re-entry after resize")
		}
		if serr := l.state.SaveCorrectionFailure(ctx, l.cfg.InstanceID, f); serr != nil {
			return serr
		}
		return fmt.Errorf("re-entry %s attempt %d: %w", f.Pair, f.Attempts, err)
	}

	l.metrics.Correction("retried")
	l.log.Info().Str("pair", f.Pair).Float64("stake", f.TargetStake).Int("attempts", f.Attempts+1).Msg("Re-entry after resize succeeded")
	l.emit(Event{
		Type:    EventCorrection,
		Pair:    f.Pair,
		TradeID: f.TradeID,
		Message: fmt.Sprintf("re-entered at %.2f on retry", f.TargetStake),
	})
	return l.state.SaveCorrectionFailure(ctx, l.cfg.InstanceID, nil)
}
