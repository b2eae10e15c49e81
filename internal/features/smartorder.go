package features

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

type SmartOrderConfig struct {
	Enabled            bool    `json:"enabled"`
	PreferLimit        bool    `json:"preferLimit"`
	PriceOffsetPercent float64 `json:"priceOffsetPercent"`
	// UrgentVolatilityPercent switches to market orders when the current
	// volatility exceeds it; 0 disables the switch.
	UrgentVolatilityPercent float64 `json:"urgentVolatilityPercent"`
}

func DefaultSmartOrder() SmartOrderConfig {
	return SmartOrderConfig{
		Enabled:                 false,
		PreferLimit:             true,
		PriceOffsetPercent:      0.1,
		UrgentVolatilityPercent: 2,
	}
}

// OrderParams is the order type and optional limit price for an entry or exit.
type OrderParams struct {
	OrderType string   `json:"ordertype"`
	Price     *float64 `json:"price,omitempty"`
}

// SmartOrderParams picks order parameters for side ("long"/"buy" or
// "short"/"sell") at the current price.
func SmartOrderParams(cfg SmartOrderConfig, side string, price, currentVolatility float64) OrderParams {
	if !cfg.Enabled || !cfg.PreferLimit || price <= 0 {
		return OrderParams{OrderType: OrderTypeMarket}
	}
	if cfg.UrgentVolatilityPercent > 0 && currentVolatility > cfg.UrgentVolatilityPercent {
		return OrderParams{OrderType: OrderTypeMarket}
	}

	offset := decimal.NewFromFloat(cfg.PriceOffsetPercent).Div(hundred)
	p := decimal.NewFromFloat(price)
	switch strings.ToLower(side) {
	case "short", "sell":
		p = p.Mul(decimal.NewFromInt(1).Add(offset))
	default:
		p = p.Mul(decimal.NewFromInt(1).Sub(offset))
	}
	limit, _ := p.Round(8).Float64()
	return OrderParams{OrderType: OrderTypeLimit, Price: &limit}
}
