package reconcile

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"

	"fleet-risk/internal/botapi"
	"fleet-risk/internal/features"
)

func (l *Loop) scanExits(ctx context.Context, t *tick, trades []botapi.Trade) {
	if !t.fs.TakeProfit.Enabled && !t.fs.TrailingStop.Enabled {
		return
	}
	for _, tr := range trades {
		pos := tr.Position()
		price := tr.CurrentRate
		if !pos.IsOpen || price <= 0 {
			continue
		}
		if l.runLadder(ctx, t, pos, price) {
			continue
		}
		l.runTrailing(ctx, t, pos, price)
	}
}

// runLadder fires every take-profit level price has reached, one exit per
// level. It reports whether the position was closed.
func (l *Loop) runLadder(ctx context.Context, t *tick, pos features.Position, price float64) bool {
	if !t.fs.TakeProfit.Enabled {
		return false
	}
	key := pos.Key()
	tpLog, err := l.state.TakeProfitLog(ctx, l.cfg.InstanceID, key)
	if err != nil {
		l.log.Warn().Err(err).Str("position", key).Msg("Take-profit log unreadable")
		return false
	}
	for {
		act := features.EvaluateTakeProfit(t.fs.TakeProfit, pos, price, tpLog, t.now)
		if act == nil {
			return false
		}
		// the level is only persisted once the exit went through
		if err := l.applyExit(ctx, t, pos, *act, tpLog.OriginalAmount); err != nil {
			return false
		}
		if err := l.state.SaveTakeProfitLog(ctx, l.cfg.InstanceID, key, tpLog); err != nil {
			l.log.Error().Err(err).Str("position", key).Float64("level", act.Level).Msg("Failed to persist take-profit level")
			return act.Full()
		}
		if act.Full() {
			return true
		}
	}
}

func (l *Loop) runTrailing(ctx context.Context, t *tick, pos features.Position, price float64) {
	if !t.fs.TrailingStop.Enabled {
		return
	}
	key := pos.Key()
	st, err := l.state.TrailingStop(ctx, l.cfg.InstanceID, key)
	if err != nil {
		l.log.Warn().Err(err).Str("position", key).Msg("Trailing stop state unreadable")
		return
	}
	next, act := features.EvaluateTrailingStop(t.fs.TrailingStop, pos, price, st, t.now)
	if act != nil {
		if err := l.applyExit(ctx, t, pos, *act, pos.Amount); err != nil {
			return
		}
	}
	if st == nil && next == nil {
		return
	}
	if st != nil && next != nil && *st == *next {
		return
	}
	if err := l.state.SaveTrailingStop(ctx, l.cfg.InstanceID, key, next); err != nil {
		l.log.Warn().Err(err).Str("position", key).Msg("Failed to persist trailing stop")
	}
}

// applyExit sends the exit to the bot. Partial exits are sized against the
// position's original amount.
func (l *Loop) applyExit(ctx context.Context, t *tick, pos features.Position, act features.ExitAction, original float64) error {
	req := botapi.ForceExit{TradeID: strconv.FormatInt(pos.TradeID, 10)}
	if !act.Full() {
		amount := decimal.NewFromFloat(original).
			Mul(decimal.NewFromFloat(act.ExitPercent)).
			Div(decimal.NewFromInt(100)).
			Round(8)
		if f, _ := amount.Float64(); f > 0 && f < pos.Amount {
			req.Amount = f
		}
	}
	if t.fs.SmartOrder.Enabled {
		_, cur, _ := l.tracker.Volatility(pos.Pair, t.now)
		req.OrderType = features.SmartOrderParams(t.fs.SmartOrder, "sell", act.Price, cur).OrderType
	}

	lg := l.log.With().
		Str("pair", pos.Pair).
		Int64("trade_id", pos.TradeID).
		Str("kind", string(act.Kind)).
		Float64("exit_percent", act.ExitPercent).
		Float64("amount", req.Amount).
		Logger()

	if err := l.bot.ForceExit(ctx, req); err != nil {
		l.metrics.ExitAction(string(act.Kind), "failed")
		lg.Warn().Err(err).Msg("Exit failed, will retry next tick")
		return err
	}
	l.metrics.ExitAction(string(act.Kind), "ok")
	lg.Info().Str("reason", act.Reason).Msg("Exit placed")
	l.emit(Event{
		Type:    EventExit,
		Pair:    pos.Pair,
		TradeID: pos.TradeID,
		Message: act.Reason,
		Data:    act,
	})
	return nil
}
