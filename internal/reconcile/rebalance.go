package reconcile

import (
	"context"
	"fmt"

	"fleet-risk/internal/botapi"
	"fleet-risk/internal/features"
)

// rebalance runs the long-period work: allocation drift report and DCA
// planning.
func (l *Loop) rebalance(ctx context.Context, t *tick) error {
	if !t.us.AutoRebalance && !(t.us.Enabled && t.us.DCAEnabled) {
		return nil
	}
	bal, err := l.balance(ctx, t)
	if err != nil {
		return err
	}
	trades, err := l.openTrades(ctx, t)
	if err != nil {
		return err
	}

	if t.us.AutoRebalance {
		l.reportDrift(t, bal, trades)
	}
	if t.us.Enabled && t.us.DCAEnabled {
		halted := l.halted(ctx, t.now)
		for _, tr := range trades {
			if tr.IsOpen && tr.CurrentRate > 0 {
				l.planDCA(ctx, t, tr.Position(), tr.CurrentRate, bal.Total, halted)
			}
		}
	}
	return nil
}

func (l *Loop) reportDrift(t *tick, bal botapi.Balance, trades []botapi.Trade) {
	holdings := make(map[string]float64)
	for _, tr := range trades {
		if !tr.IsOpen {
			continue
		}
		value := tr.StakeAmount
		if tr.CurrentRate > 0 && tr.Amount > 0 {
			value = tr.Amount * tr.CurrentRate
		}
		holdings[features.AllocationGroup(features.BaseAsset(tr.Pair), l.cfg.AllocationGroups)] += value
	}
	holdings[features.GroupStable] += bal.Free()

	targets := t.us.RiskConfig.Rebalancing.TargetAllocations
	if len(l.cfg.TargetAllocations) > 0 {
		targets = l.cfg.TargetAllocations
	}
	drift := features.AllocationDrift(targets, holdings, bal.Total, t.us.RiskConfig.Rebalancing.Threshold, l.cfg.RebalanceMinAmount)
	if len(drift) == 0 {
		return
	}
	l.log.Info().Int("groups", len(drift)).Msg("Allocation drift above threshold")
	l.emit(Event{
		Type:    EventRebalance,
		Message: fmt.Sprintf("%d allocation groups off target", len(drift)),
		Data:    drift,
	})
}

// planDCA appends the next safety order for a position to its log, placing
// it with the bot when auto placement is on and trading is not halted.
func (l *Loop) planDCA(ctx context.Context, t *tick, pos features.Position, price, portfolio float64, halted bool) {
	key := pos.Key()
	existing, err := l.state.DCALog(ctx, l.cfg.InstanceID, key)
	if err != nil {
		l.log.Warn().Err(err).Str("position", key).Msg("DCA log unreadable")
		return
	}
	order := features.PlanDCA(t.us.RiskConfig.DCA, features.DCARequest{
		Position:       pos,
		Price:          price,
		PortfolioValue: portfolio,
		Existing:       existing,
		Cooldown:       l.cfg.DCACooldown,
		Now:            t.now,
	})
	if order == nil {
		return
	}

	if l.cfg.DCAAutoPlace && !halted {
		_, err := l.bot.ForceEnter(ctx, botapi.ForceEnter{
			Pair:        pos.Pair,
			StakeAmount: order.Size,
			EntryTag:    fmt.Sprintf("dca-%d", order.Level),
		})
		if err != nil {
			order.Status = features.DCAFailed
			order.Note += "; " + err.Error()
		} else {
			order.Status = features.DCAPlaced
		}
	}

	if err := l.state.SaveDCALog(ctx, l.cfg.InstanceID, key, append(existing, *order)); err != nil {
		l.log.Warn().Err(err).Str("position", key).Msg("Failed to persist DCA order")
		return
	}
	l.metrics.DCAPlanned().Inc()
	l.log.Info().
		Str("pair", pos.Pair).
		Int64("trade_id", pos.TradeID).
		Int("level", order.Level).
		Float64("size", order.Size).
		Str("status", string(order.Status)).
		Msg("DCA order planned")
	l.emit(Event{Type: EventDCA, Pair: pos.Pair, TradeID: pos.TradeID, Message: order.Note, Data: order})
}
