package features

import (
	"fmt"
	"math"
	"time"
)

type TrailingStopConfig struct {
	Enabled           bool    `json:"enabled"`
	ActivationPercent float64 `json:"activationPercent"` // profit in percent
	CallbackRate      float64 `json:"callbackRate"`      // fraction below the high-water mark
	StepSize          float64 `json:"stepSize"`          // fraction a new high must clear to ratchet
	LockInProfit      bool    `json:"lockInProfit"`
	MinLockInMargin   float64 `json:"minLockInMargin"` // fraction above entry
}

func DefaultTrailingStop() TrailingStopConfig {
	return TrailingStopConfig{
		Enabled:           false,
		ActivationPercent: 3,
		CallbackRate:      0.02,
		StepSize:          0.005,
		LockInProfit:      true,
		MinLockInMargin:   0.005,
	}
}

// TrailingStopState exists only while the stop is active.
type TrailingStopState struct {
	Activated        bool      `json:"activated"`
	EntryPrice       float64   `json:"entryPrice"`
	HighWaterMark    float64   `json:"highWaterMark"`
	CurrentStopPrice float64   `json:"currentStopPrice"`
	ActivationPrice  float64   `json:"activationPrice"`
	ActivatedAt      time.Time `json:"activatedAt"`
}

// EvaluateTrailingStop advances the trailing stop for one price observation.
//
// st is nil while inactive. The returned state replaces st; it is nil when the
// stop is still inactive or has just triggered, in which case the returned
// action closes the position.
func EvaluateTrailingStop(cfg TrailingStopConfig, pos Position, price float64, st *TrailingStopState, now time.Time) (*TrailingStopState, *ExitAction) {
	if !cfg.Enabled || pos.OpenRate <= 0 || price <= 0 {
		return st, nil
	}

	if st == nil || !st.Activated {
		if pos.ProfitPct(price) < cfg.ActivationPercent {
			return nil, nil
		}
		next := &TrailingStopState{
			Activated:       true,
			EntryPrice:      pos.OpenRate,
			HighWaterMark:   price,
			ActivationPrice: price,
			ActivatedAt:     now,
		}
		next.CurrentStopPrice = stopFor(cfg, next.EntryPrice, price)
		return next, nil
	}

	if price <= st.CurrentStopPrice {
		return nil, &ExitAction{
			Kind:        ExitTrailingStop,
			Pair:        pos.Pair,
			TradeID:     pos.TradeID,
			ExitPercent: 100,
			Price:       price,
			Reason:      fmt.Sprintf("price %.8g hit trailing stop %.8g (high %.8g)", price, st.CurrentStopPrice, st.HighWaterMark),
		}
	}

	next := *st
	if price > st.HighWaterMark*(1+math.Max(cfg.StepSize, 0)) {
		next.HighWaterMark = price
		// the stop only ratchets up
		next.CurrentStopPrice = math.Max(st.CurrentStopPrice, stopFor(cfg, st.EntryPrice, price))
	}
	return &next, nil
}

func stopFor(cfg TrailingStopConfig, entry, high float64) float64 {
	stop := high * (1 - cfg.CallbackRate)
	if cfg.LockInProfit {
		stop = math.Max(stop, entry*(1+cfg.MinLockInMargin))
	}
	return stop
}
