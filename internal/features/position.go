package features

import (
	"fmt"
	"strings"
	"time"
)

// Position is an open or closed trade as reported by the bot.
type Position struct {
	Pair          string    `json:"pair"`
	TradeID       int64     `json:"tradeId"`
	OpenRate      float64   `json:"openRate"`
	Amount        float64   `json:"amount"`
	StakeAmount   float64   `json:"stakeAmount"`
	OpenTimestamp time.Time `json:"openTimestamp"`
	IsOpen        bool      `json:"isOpen"`
	CurrentRate   float64   `json:"currentRate,omitempty"`
}

// Key is the composite key every per-position state record is stored under.
func (p Position) Key() string { return PositionKey(p.Pair, p.TradeID) }

// PositionKey builds the "pair_tradeId" key.
func PositionKey(pair string, tradeID int64) string {
	return fmt.Sprintf("%s_%d", pair, tradeID)
}

// ProfitPct is the unrealised profit in percent at price.
func (p Position) ProfitPct(price float64) float64 {
	if p.OpenRate <= 0 {
		return 0
	}
	return (price - p.OpenRate) / p.OpenRate * 100
}

// BaseAsset returns "BTC" for "BTC/USDT" and "BTC/USDT:USDT".
func BaseAsset(pair string) string {
	if i := strings.IndexAny(pair, "/:"); i > 0 {
		return strings.ToUpper(pair[:i])
	}
	return strings.ToUpper(pair)
}

// ExitKind tells which module asked for an exit.
type ExitKind string

const (
	ExitTakeProfit   ExitKind = "take_profit"
	ExitTrailingStop ExitKind = "trailing_stop"
)

// ExitAction asks the caller to close part or all of a position.
type ExitAction struct {
	Kind        ExitKind `json:"kind"`
	Pair        string   `json:"pair"`
	TradeID     int64    `json:"tradeId"`
	ExitPercent float64  `json:"exitPercent"` // of the original position, 100 = everything left
	Level       float64  `json:"level,omitempty"`
	Price       float64  `json:"price"`
	Reason      string   `json:"reason"`
}

// Full reports whether the action closes the whole remaining position.
func (a ExitAction) Full() bool { return a.ExitPercent >= 100 }

// HaltState is the persisted shape of both the daily-loss pause and the
// emergency stop. A nil ResumeAt means only a manual resume clears it.
type HaltState struct {
	Active      bool       `json:"active"`
	Reason      string     `json:"reason"`
	TriggeredAt time.Time  `json:"triggeredAt"`
	ResumeAt    *time.Time `json:"resumeAt,omitempty"`
	Value       float64    `json:"value,omitempty"`
}

// InEffect reports whether the halt still blocks trading at now.
func (h *HaltState) InEffect(now time.Time) bool {
	if h == nil || !h.Active {
		return false
	}
	return h.ResumeAt == nil || now.Before(*h.ResumeAt)
}
