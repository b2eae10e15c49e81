package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-risk/internal/features"
)

var at = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

// backends runs fn against bbolt, and against Redis when REDIS_ADDR is set.
func backends(t *testing.T, fn func(t *testing.T, r *StateRepository)) {
	t.Run("bolt", func(t *testing.T) {
		fn(t, NewStateRepository(newBolt(t)))
	})

	addr := os.Getenv("REDIS_ADDR")
	t.Run("redis", func(t *testing.T) {
		if addr == "" {
			t.Skip("REDIS_ADDR not set")
		}
		store, err := NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), 15)
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx := context.Background()
			for _, b := range []string{takeProfitBucket, trailingBucket, haltBucket, watermarkBucket, entryBucket, dcaBucket, correctionBucket, portfolioBucket} {
				store.client.Del(ctx, store.hash(b))
			}
			store.Close()
		})
		fn(t, NewStateRepository(store))
	})
}

func TestState_TakeProfitLog(t *testing.T) {
	backends(t, func(t *testing.T, r *StateRepository) {
		ctx := context.Background()

		l, err := r.TakeProfitLog(ctx, "bot-1", "BTC/USDT_1")
		require.NoError(t, err)
		assert.Empty(t, l.TakenLevels)

		l.TakenLevels = []float64{2, 5}
		l.ExitedPercent = 75
		require.NoError(t, r.SaveTakeProfitLog(ctx, "bot-1", "BTC/USDT_1", l))

		got, err := r.TakeProfitLog(ctx, "bot-1", "BTC/USDT_1")
		require.NoError(t, err)
		assert.Equal(t, []float64{2, 5}, got.TakenLevels)

		other, err := r.TakeProfitLog(ctx, "bot-2", "BTC/USDT_1")
		require.NoError(t, err)
		assert.Empty(t, other.TakenLevels, "instances are isolated")
	})
}

func TestState_TrailingAndGC(t *testing.T) {
	backends(t, func(t *testing.T, r *StateRepository) {
		ctx := context.Background()

		st, err := r.TrailingStop(ctx, "bot-1", "ETH/USDT_9")
		require.NoError(t, err)
		assert.Nil(t, st)

		require.NoError(t, r.SaveTrailingStop(ctx, "bot-1", "ETH/USDT_9", &features.TrailingStopState{Activated: true, HighWaterMark: 10, CurrentStopPrice: 9.8}))
		require.NoError(t, r.SaveTakeProfitLog(ctx, "bot-1", "BTC/USDT_1", &features.TakeProfitLog{ExitedPercent: 25}))
		require.NoError(t, r.SaveDCALog(ctx, "bot-1", "BTC/USDT_1", []features.DCAOrder{{ID: "a", Level: 1}}))
		require.NoError(t, r.SaveTakeProfitLog(ctx, "bot-2", "SOL/USDT_3", &features.TakeProfitLog{}))

		keys, err := r.PositionKeys(ctx, "bot-1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"BTC/USDT_1", "ETH/USDT_9"}, keys)

		require.NoError(t, r.DeletePosition(ctx, "bot-1", "BTC/USDT_1"))
		require.NoError(t, r.SaveTrailingStop(ctx, "bot-1", "ETH/USDT_9", nil))

		keys, err = r.PositionKeys(ctx, "bot-1")
		require.NoError(t, err)
		assert.Empty(t, keys)

		keys, err = r.PositionKeys(ctx, "bot-2")
		require.NoError(t, err)
		assert.Equal(t, []string{"SOL/USDT_3"}, keys)
	})
}

func TestState_Halts(t *testing.T) {
	backends(t, func(t *testing.T, r *StateRepository) {
		ctx := context.Background()
		resume := at.Add(12 * time.Hour)

		require.NoError(t, r.SaveHalt(ctx, "bot-1", HaltDailyLoss, &features.HaltState{Active: true, Reason: "loss", TriggeredAt: at, ResumeAt: &resume}))

		h, err := r.Halt(ctx, "bot-1", HaltDailyLoss)
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.True(t, h.InEffect(at))
		assert.True(t, resume.Equal(*h.ResumeAt))

		e, err := r.Halt(ctx, "bot-1", HaltEmergency)
		require.NoError(t, err)
		assert.Nil(t, e)

		require.NoError(t, r.SaveHalt(ctx, "bot-1", HaltDailyLoss, nil))
		h, err = r.Halt(ctx, "bot-1", HaltDailyLoss)
		require.NoError(t, err)
		assert.Nil(t, h)
	})
}

func TestState_WatermarkOnlyAdvances(t *testing.T) {
	backends(t, func(t *testing.T, r *StateRepository) {
		ctx := context.Background()

		_, ok, err := r.Watermark(ctx, "bot-1")
		require.NoError(t, err)
		assert.False(t, ok)

		for _, tc := range []struct{ in, want int64 }{{5, 5}, {9, 9}, {7, 9}, {9, 9}, {12, 12}} {
			got, err := r.AdvanceWatermark(ctx, "bot-1", tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		}
		w, ok, err := r.Watermark(ctx, "bot-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(12), w)
	})
}

func TestState_MiscRecords(t *testing.T) {
	backends(t, func(t *testing.T, r *StateRepository) {
		ctx := context.Background()

		last, err := r.LastEntry(ctx, "bot-1", "BTC")
		require.NoError(t, err)
		assert.True(t, last.IsZero())
		require.NoError(t, r.SaveLastEntry(ctx, "bot-1", "BTC", at))
		last, err = r.LastEntry(ctx, "bot-1", "BTC")
		require.NoError(t, err)
		assert.True(t, at.Equal(last))

		f, err := r.CorrectionFailure(ctx, "bot-1")
		require.NoError(t, err)
		assert.Nil(t, f)
		require.NoError(t, r.SaveCorrectionFailure(ctx, "bot-1", &CorrectionFailure{Pair: "BTC/USDT", TradeID: 3, Reason: "reentry failed", At: at}))
		f, err = r.CorrectionFailure(ctx, "bot-1")
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Equal(t, int64(3), f.TradeID)

		require.NoError(t, r.SavePortfolioMark(ctx, "bot-1", PortfolioMark{Day: "2026-04-02", StartValue: 1000}))
		m, err := r.PortfolioMark(ctx, "bot-1")
		require.NoError(t, err)
		assert.Equal(t, 1000.0, m.StartValue)

		require.NoError(t, r.SaveDCALog(ctx, "bot-1", "ETH/USDT_4", []features.DCAOrder{{ID: "x", Level: 1, Status: features.DCAPlanned}}))
		logs, err := r.DCALogs(ctx, "bot-1")
		require.NoError(t, err)
		require.Len(t, logs["ETH/USDT_4"], 1)
		assert.Equal(t, "x", logs["ETH/USDT_4"][0].ID)
	})
}
