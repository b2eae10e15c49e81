package features

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"fleet-risk/internal/risk"
)

// DCA sizing constants.
const (
	DCABaseFraction      = 0.3  // first safety order as a fraction of the stake
	DCAMaxPortfolioShare = 0.05 // no single safety order above 5% of the portfolio
)

type DCAStatus string

const (
	DCAPlanned   DCAStatus = "planned"
	DCAPlaced    DCAStatus = "placed"
	DCAFailed    DCAStatus = "failed"
	DCACancelled DCAStatus = "cancelled"
)

// DCAOrder is one planned safety order for a position.
type DCAOrder struct {
	ID        string    `json:"id"`
	Level     int       `json:"level"`
	Size      float64   `json:"size"`
	Price     float64   `json:"price"`
	Status    DCAStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	Note      string    `json:"note,omitempty"`
}

// DCARequest describes the position a safety order is considered for.
type DCARequest struct {
	Position       Position
	Price          float64
	PortfolioValue float64
	Existing       []DCAOrder
	Cooldown       time.Duration
	Now            time.Time
}

// PlanDCA returns the next safety order when the position has fallen past
// the trigger and the order budget and cooldown allow it.
func PlanDCA(rc risk.DCA, req DCARequest) *DCAOrder {
	pos := req.Position
	if !pos.IsOpen || pos.OpenRate <= 0 || req.Price <= 0 {
		return nil
	}

	level := 0
	var last time.Time
	for _, o := range req.Existing {
		if o.Status == DCACancelled || o.Status == DCAFailed {
			continue
		}
		level++
		if o.CreatedAt.After(last) {
			last = o.CreatedAt
		}
	}
	if level >= rc.MaxOrders {
		return nil
	}
	if !last.IsZero() && req.Cooldown > 0 && req.Now.Sub(last) < req.Cooldown {
		return nil
	}

	// each further order needs a deeper drawdown
	trigger := roundPct(rc.TriggerPercent * 100 * float64(level+1))
	profit := roundPct(pos.ProfitPct(req.Price))
	if profit > trigger {
		return nil
	}

	size := pos.StakeAmount * DCABaseFraction * math.Pow(rc.SizeMultiplier, float64(level))
	if req.PortfolioValue > 0 {
		size = math.Min(size, req.PortfolioValue*DCAMaxPortfolioShare)
	}
	if size <= 0 {
		return nil
	}

	return &DCAOrder{
		ID:        uuid.NewString(),
		Level:     level + 1,
		Size:      math.Round(size*100) / 100,
		Price:     req.Price,
		Status:    DCAPlanned,
		CreatedAt: req.Now,
		Note:      fmt.Sprintf("%.2f%% below entry, trigger %.2f%%", -profit, -trigger),
	}
}

func roundPct(v float64) float64 { return math.Round(v*1e6) / 1e6 }
