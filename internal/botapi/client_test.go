package botapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-risk/internal/clock"
	"fleet-risk/internal/common"
)

var start = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeBot struct {
	t        *testing.T
	clk      *clock.Fake
	logins   atomic.Int32
	calls    atomic.Int32
	badCreds atomic.Bool
	ttl      time.Duration
	lastBody map[string]any
}

func (f *fakeBot) token() string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": f.clk.Now().Add(f.ttl).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(f.t, err)
	return tok
}

func (f *fakeBot) handler() http.Handler {
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.calls.Add(1)
			if len(r.Header.Get("Authorization")) < len("Bearer x") {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/api/v1/token/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bot" || pass != "pw" || f.badCreds.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		reply(w, map[string]string{"access_token": f.token(), "refresh_token": "r"})
	})
	mux.HandleFunc("/api/v1/balance", authed(func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{
			"currencies": []map[string]any{{"currency": "USDT", "free": 750.5, "balance": 1000}},
			"total":      1234.5,
			"stake":      "USDT",
		})
	}))
	mux.HandleFunc("/api/v1/status", authed(func(w http.ResponseWriter, r *http.Request) {
		reply(w, []map[string]any{{
			"trade_id": 3, "pair": "BTC/USDT", "is_open": true, "open_rate": 100.0,
			"current_rate": 103.0, "amount": 2.0, "stake_amount": 200.0, "open_timestamp": start.UnixMilli(),
		}})
	}))
	mux.HandleFunc("/api/v1/daily", authed(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "1", r.URL.Query().Get("timescale"))
		reply(w, map[string]any{"data": []map[string]any{{"date": "2026-06-01", "abs_profit": -42.5}}})
	}))
	mux.HandleFunc("/api/v1/pair_candles", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pair") == "NOPE/USDT" {
			reply(w, map[string]any{"columns": []string{"date", "close"}, "data": [][]any{}})
			return
		}
		reply(w, map[string]any{
			"columns": []string{"date", "open", "close"},
			"data":    [][]any{{"2026-06-01 07:59:00", 1.0, 2.0}, {"2026-06-01 08:00:00", 2.0, 64123.5}},
		})
	}))
	mux.HandleFunc("/api/v1/forceenter", authed(func(w http.ResponseWriter, r *http.Request) {
		f.lastBody = map[string]any{}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.lastBody))
		reply(w, map[string]any{"trade_id": 11, "pair": f.lastBody["pair"], "is_open": true})
	}))
	mux.HandleFunc("/api/v1/forceexit", authed(func(w http.ResponseWriter, r *http.Request) {
		f.lastBody = map[string]any{}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.lastBody))
		if f.lastBody["tradeid"] == "404" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"detail":"invalid trade"}`))
			return
		}
		reply(w, map[string]any{"result": "ok"})
	}))
	mux.HandleFunc("/api/v1/profit", authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeBot) {
	t.Helper()
	clk := clock.NewFake(start)
	bot := &fakeBot{t: t, clk: clk, ttl: 10 * time.Minute}
	srv := httptest.NewServer(bot.handler())
	t.Cleanup(srv.Close)

	c := New(Options{
		BaseURL:      srv.URL,
		Username:     "bot",
		Password:     "pw",
		Timeout:      2 * time.Second,
		BackoffBase:  time.Minute,
		BackoffMax:   10 * time.Minute,
		FailureLimit: 2,
		Clock:        clk,
	})
	return c, bot
}

func TestClient_ReadsEndpoints(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	b, err := c.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1234.5, b.Total)
	assert.Equal(t, 750.5, b.Free())

	trades, err := c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	pos := trades[0].Position()
	assert.Equal(t, "BTC/USDT_3", pos.Key())
	assert.Equal(t, start, pos.OpenTimestamp)
	assert.Equal(t, 103.0, pos.CurrentRate)

	d, err := c.Daily(ctx, 1)
	require.NoError(t, err)
	today, ok := d.Today(start)
	require.True(t, ok)
	assert.Equal(t, -42.5, today.AbsProfit)

	price, err := c.Ticker(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 64123.5, price)

	_, err = c.Ticker(ctx, "NOPE/USDT")
	assert.ErrorIs(t, err, ErrRejected)

	_, err = c.Profit(ctx)
	assert.ErrorIs(t, err, common.ErrUpstreamUnavailable)
}

func TestClient_CachesTokenUntilNearExpiry(t *testing.T) {
	c, bot := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Balance(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), bot.logins.Load())

	bot.clk.Advance(9*time.Minute + 31*time.Second)
	_, err := c.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), bot.logins.Load(), "token refreshed 30s before expiry")
}

func TestClient_AuthCooldownSkipsNetwork(t *testing.T) {
	c, bot := newTestClient(t)
	ctx := context.Background()
	bot.badCreds.Store(true)

	for i := 0; i < 2; i++ {
		_, err := c.Balance(ctx)
		assert.ErrorIs(t, err, common.ErrUpstreamAuth)
	}
	assert.Equal(t, int32(2), bot.logins.Load())

	cooling, until := c.CoolingDown()
	assert.True(t, cooling)
	assert.Equal(t, start.Add(time.Minute), until)

	_, err := c.Balance(ctx)
	assert.ErrorIs(t, err, common.ErrUpstreamAuth)
	assert.Equal(t, int32(2), bot.logins.Load(), "no network IO while cooling down")

	// the next failure doubles the window
	bot.clk.Advance(time.Minute)
	_, err = c.Balance(ctx)
	assert.ErrorIs(t, err, common.ErrUpstreamAuth)
	_, until = c.CoolingDown()
	assert.Equal(t, bot.clk.Now().Add(2*time.Minute), until)

	// recovery resets the counter
	bot.badCreds.Store(false)
	bot.clk.Advance(2 * time.Minute)
	_, err = c.Balance(ctx)
	require.NoError(t, err)
	cooling, _ = c.CoolingDown()
	assert.False(t, cooling)
}

func TestClient_ForceEnterAndExit(t *testing.T) {
	c, bot := newTestClient(t)
	ctx := context.Background()

	price := 99.5
	tr, err := c.ForceEnter(ctx, ForceEnter{Pair: "ETH/USDT", Side: "long", StakeAmount: 125.5, OrderType: "limit", Price: &price})
	require.NoError(t, err)
	assert.Equal(t, int64(11), tr.TradeID)
	assert.Equal(t, map[string]any{"pair": "ETH/USDT", "side": "long", "stakeamount": 125.5, "ordertype": "limit", "price": 99.5}, bot.lastBody)

	require.NoError(t, c.ForceExit(ctx, ForceExit{TradeID: "11", Amount: 0.5}))
	assert.Equal(t, map[string]any{"tradeid": "11", "amount": 0.5}, bot.lastBody)

	err = c.ForceExit(ctx, ForceExit{TradeID: "404"})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestClient_Unreachable(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:1", Username: "bot", Password: "pw", Timeout: 200 * time.Millisecond})
	_, err := c.Balance(context.Background())
	assert.ErrorIs(t, err, common.ErrUpstreamUnavailable)
}
