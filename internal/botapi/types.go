package botapi

import (
	"time"

	"fleet-risk/internal/features"
)

// Trade is one entry of the bot's /status list.
type Trade struct {
	TradeID       int64   `json:"trade_id"`
	Pair          string  `json:"pair"`
	IsOpen        bool    `json:"is_open"`
	OpenRate      float64 `json:"open_rate"`
	CurrentRate   float64 `json:"current_rate"`
	Amount        float64 `json:"amount"`
	StakeAmount   float64 `json:"stake_amount"`
	OpenTimestamp int64   `json:"open_timestamp"` // ms
	ProfitPct     float64 `json:"profit_pct"`
	ProfitAbs     float64 `json:"profit_abs"`
	IsShort       bool    `json:"is_short"`
}

func (t Trade) Position() features.Position {
	return features.Position{
		Pair:          t.Pair,
		TradeID:       t.TradeID,
		OpenRate:      t.OpenRate,
		Amount:        t.Amount,
		StakeAmount:   t.StakeAmount,
		OpenTimestamp: time.UnixMilli(t.OpenTimestamp).UTC(),
		IsOpen:        t.IsOpen,
		CurrentRate:   t.CurrentRate,
	}
}

type Currency struct {
	Currency string  `json:"currency"`
	Free     float64 `json:"free"`
	Balance  float64 `json:"balance"`
	Used     float64 `json:"used"`
	EstStake float64 `json:"est_stake"`
}

type Balance struct {
	Currencies      []Currency `json:"currencies"`
	Total           float64    `json:"total"` // in stake currency
	Stake           string     `json:"stake"`
	StartingCapital float64    `json:"starting_capital"`
}

// Free returns the free amount of the stake currency.
func (b Balance) Free() float64 {
	for _, c := range b.Currencies {
		if c.Currency == b.Stake {
			return c.Free
		}
	}
	return 0
}

type Profit struct {
	ProfitAllCoin     float64 `json:"profit_all_coin"`
	ProfitClosedCoin  float64 `json:"profit_closed_coin"`
	ProfitAllPercent  float64 `json:"profit_all_percent"`
	TradeCount        int     `json:"trade_count"`
	ClosedTradeCount  int     `json:"closed_trade_count"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	MaxDrawdownAbs    float64 `json:"max_drawdown_abs"`
	StartingBalance   float64 `json:"starting_balance"`
	BotStartTimestamp int64   `json:"bot_start_timestamp"`
}

type DailyProfit struct {
	Date            string  `json:"date"`
	AbsProfit       float64 `json:"abs_profit"`
	StartingBalance float64 `json:"starting_balance"`
	TradeCount      int     `json:"trade_count"`
}

type Daily struct {
	Data          []DailyProfit `json:"data"`
	StakeCurrency string        `json:"stake_currency"`
}

// Today returns the profit row for the UTC date of now.
func (d Daily) Today(now time.Time) (DailyProfit, bool) {
	day := now.UTC().Format("2006-01-02")
	for _, row := range d.Data {
		if row.Date == day {
			return row, true
		}
	}
	return DailyProfit{}, false
}

// ForceEnter is the body of POST /forceenter.
type ForceEnter struct {
	Pair        string   `json:"pair"`
	Side        string   `json:"side,omitempty"`
	StakeAmount float64  `json:"stakeamount,omitempty"`
	OrderType   string   `json:"ordertype,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	EntryTag    string   `json:"entry_tag,omitempty"`
}

// ForceExit is the body of POST /forceexit. A zero Amount closes the trade.
type ForceExit struct {
	TradeID   string  `json:"tradeid"`
	OrderType string  `json:"ordertype,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
}

type candles struct {
	Columns []string        `json:"columns"`
	Data    [][]interface{} `json:"data"`
}

type loginResp struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}
