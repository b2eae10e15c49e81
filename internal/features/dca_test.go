package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-risk/internal/risk"
)

func TestPlanDCA(t *testing.T) {
	rc := risk.DCA{MaxOrders: 2, TriggerPercent: -0.05, SizeMultiplier: 1.5}
	pos := Position{Pair: "ETH/USDT", TradeID: 4, OpenRate: 100, StakeAmount: 200, IsOpen: true}

	assert.Nil(t, PlanDCA(rc, DCARequest{Position: pos, Price: 96, Now: t0}), "4% down is above the trigger")

	first := PlanDCA(rc, DCARequest{Position: pos, Price: 95, PortfolioValue: 10000, Now: t0})
	require.NotNil(t, first)
	assert.Equal(t, 1, first.Level)
	assert.Equal(t, 60.0, first.Size)
	assert.Equal(t, DCAPlanned, first.Status)
	assert.NotEmpty(t, first.ID)

	existing := []DCAOrder{*first}
	req := DCARequest{Position: pos, Price: 91, PortfolioValue: 10000, Existing: existing, Cooldown: 2 * time.Hour, Now: t0.Add(time.Hour)}
	assert.Nil(t, PlanDCA(rc, req), "cooldown")

	req.Now = t0.Add(2 * time.Hour)
	assert.Nil(t, PlanDCA(rc, req), "second order needs 10% down")

	req.Price = 90
	second := PlanDCA(rc, req)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Level)
	assert.Equal(t, 90.0, second.Size)

	req.Existing = append(existing, *second)
	req.Price = 50
	assert.Nil(t, PlanDCA(rc, req), "order budget spent")
}

func TestPlanDCA_CappedByPortfolioAndSkipsFailed(t *testing.T) {
	rc := risk.DCA{MaxOrders: 3, TriggerPercent: -0.1, SizeMultiplier: 2}
	pos := Position{Pair: "BTC/USDT", TradeID: 1, OpenRate: 100, StakeAmount: 1000, IsOpen: true}

	o := PlanDCA(rc, DCARequest{
		Position:       pos,
		Price:          85,
		PortfolioValue: 2000,
		Existing:       []DCAOrder{{Level: 1, Status: DCAFailed, CreatedAt: t0}},
		Now:            t0,
	})
	require.NotNil(t, o)
	assert.Equal(t, 1, o.Level)
	assert.Equal(t, 100.0, o.Size, "5% of the portfolio")

	pos.IsOpen = false
	assert.Nil(t, PlanDCA(rc, DCARequest{Position: pos, Price: 50, Now: t0}))
}
