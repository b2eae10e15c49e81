package fleet

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-risk/internal/botapi"
	"fleet-risk/internal/botconfig"
	"fleet-risk/internal/cfg"
	"fleet-risk/internal/clock"
	"fleet-risk/internal/common"
	"fleet-risk/internal/features"
	"fleet-risk/internal/ledger"
	"fleet-risk/internal/reconcile"
	"fleet-risk/internal/settings"
	"fleet-risk/internal/storage"
)

var t0 = time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)

type fakeBot struct {
	mu       sync.Mutex
	balances int
	coolTill time.Time
}

func (b *fakeBot) Balance(context.Context) (botapi.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances++
	return botapi.Balance{Total: 10000, Stake: "USDT"}, nil
}

func (b *fakeBot) Status(context.Context) ([]botapi.Trade, error)   { return nil, nil }
func (b *fakeBot) Profit(context.Context) (botapi.Profit, error)    { return botapi.Profit{}, nil }
func (b *fakeBot) Daily(context.Context, int) (botapi.Daily, error) { return botapi.Daily{}, nil }
func (b *fakeBot) Ticker(context.Context, string) (float64, error) {
	return 0, common.ErrUpstreamUnavailable
}
func (b *fakeBot) ForceEnter(context.Context, botapi.ForceEnter) (botapi.Trade, error) {
	return botapi.Trade{}, nil
}
func (b *fakeBot) ForceExit(context.Context, botapi.ForceExit) error { return nil }

func (b *fakeBot) CoolingDown() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.coolTill.IsZero(), b.coolTill
}

type fakeLedger struct {
	mu     sync.Mutex
	maxID  int64
	calls  int
	closed bool
}

func (l *fakeLedger) TradesAfter(context.Context, int64, int) ([]ledger.Trade, error) {
	return nil, nil
}

func (l *fakeLedger) MaxID(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.maxID, nil
}

func (l *fakeLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLedger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *fakeLedger) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type sink struct {
	mu     sync.Mutex
	events []reconcile.Event
}

func (s *sink) Publish(e reconcile.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

type harness struct {
	fleet   *Fleet
	state   *storage.StateRepository
	repo    *settings.FileRepository
	clk     *clock.Fake
	sink    *sink
	bots    map[string]*fakeBot
	ledgers map[string]*fakeLedger
	opened  map[string]int
	paths   map[string]string
}

func newHarness(t *testing.T, maxManagers int, ids ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	kv, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	h := &harness{
		state:   storage.NewStateRepository(kv),
		clk:     clock.NewFake(t0),
		sink:    &sink{},
		bots:    map[string]*fakeBot{},
		ledgers: map[string]*fakeLedger{},
		opened:  map[string]int{},
		paths:   map[string]string{},
	}

	s := cfg.Settings{MaxManagers: maxManagers}
	locator := settings.StaticLocator{}
	for _, id := range ids {
		path := filepath.Join(dir, id, "config.json")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(`{"stake_amount": 100, "max_open_trades": 3}`), 0o600))
		locator[id] = path
		h.paths[id] = path
		h.bots[id] = &fakeBot{}
		h.ledgers[id] = &fakeLedger{maxID: 42}
		s.Instances = append(s.Instances, cfg.Instance{ID: id, ConfigPath: path, APIURL: "http://" + id + ":8080"})
	}

	store := botconfig.NewStore(0.5)
	h.repo = settings.NewFileRepository(store, locator, h.clk)
	h.fleet = New(s, Deps{
		Settings: h.repo,
		Store:    store,
		State:    h.state,
		Sink:     h.sink,
		Clock:    h.clk,
		NewBot:   func(inst cfg.Instance) reconcile.Bot { return h.bots[inst.ID] },
		OpenLedger: func(inst cfg.Instance) (Ledger, error) {
			h.opened[inst.ID]++
			// a rebuilt manager gets a fresh handle
			h.ledgers[inst.ID] = &fakeLedger{maxID: 42}
			return h.ledgers[inst.ID], nil
		},
	})
	t.Cleanup(func() { h.fleet.Close() })
	return h
}

func TestManager_BuiltOnceAndCached(t *testing.T) {
	h := newHarness(t, 0, "alpha", "beta")

	m1, err := h.fleet.Manager("alpha")
	require.NoError(t, err)
	m2, err := h.fleet.Manager("alpha")
	require.NoError(t, err)
	assert.Same(t, m1, m2)
	assert.Equal(t, 1, h.opened["alpha"])
	assert.Equal(t, []string{"alpha", "beta"}, h.fleet.Instances())

	_, err = h.fleet.Manager("gamma")
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestManager_LRUEvictsLeastRecentlyUsed(t *testing.T) {
	h := newHarness(t, 2, "a", "b", "c")

	_, err := h.fleet.Manager("a")
	require.NoError(t, err)
	_, err = h.fleet.Manager("b")
	require.NoError(t, err)
	bLedger := h.ledgers["b"]
	_, err = h.fleet.Manager("a") // a is now the most recent
	require.NoError(t, err)

	_, err = h.fleet.Manager("c")
	require.NoError(t, err)
	assert.True(t, bLedger.Closed(), "b was least recently used")
	assert.Nil(t, h.fleet.cached("b"))
	assert.NotNil(t, h.fleet.cached("a"))

	// b comes back as a new manager
	_, err = h.fleet.Manager("b")
	require.NoError(t, err)
	assert.Equal(t, 2, h.opened["b"])
}

func TestManager_MonitoredManagersArePinned(t *testing.T) {
	h := newHarness(t, 1, "a", "b")
	ctx := context.Background()

	require.NoError(t, h.fleet.StartMonitoring(ctx, "a"))
	_, err := h.fleet.Manager("b")
	assert.ErrorIs(t, err, ErrPoolFull)

	require.NoError(t, h.fleet.StopMonitoring("a"))
	_, err = h.fleet.Manager("b")
	require.NoError(t, err)
	assert.Nil(t, h.fleet.cached("a"))
}

func TestMonitoring_StartStopKeepsState(t *testing.T) {
	h := newHarness(t, 0, "alpha")
	ctx := context.Background()

	require.NoError(t, h.fleet.StartMonitoring(ctx, "alpha"))
	require.NoError(t, h.fleet.StartMonitoring(ctx, "alpha"), "second start is a no-op")

	// the loop ticks once on start and derives the watermark from the ledger
	require.Eventually(t, func() bool {
		wm, ok, err := h.state.Watermark(ctx, "alpha")
		return err == nil && ok && wm == 42
	}, time.Second, 5*time.Millisecond)

	st, err := h.fleet.Status(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, st.Monitoring)

	require.NoError(t, h.fleet.StopMonitoring("alpha"))
	st, err = h.fleet.Status(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, st.Monitoring)
	require.NotNil(t, st.Watermark, "stopping leaves state on disk")
	assert.Equal(t, int64(42), *st.Watermark)

	assert.ErrorIs(t, h.fleet.StopMonitoring("nope"), ErrUnknownInstance)
}

func TestStartAll(t *testing.T) {
	h := newHarness(t, 0, "a", "b")

	require.NoError(t, h.fleet.StartAll(context.Background()))
	for _, id := range []string{"a", "b"} {
		m := h.fleet.cached(id)
		require.NotNil(t, m)
		assert.True(t, m.Monitoring(), id)
	}
}

func TestResolve_ReturnsInterceptor(t *testing.T) {
	h := newHarness(t, 0, "alpha")

	ic, err := h.fleet.Resolve("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", ic.InstanceID())
	assert.Equal(t, "alpha:8080", ic.Upstream().Host)

	_, err = h.fleet.Resolve("beta")
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestSettings_RoundTripThroughConfigFile(t *testing.T) {
	h := newHarness(t, 0, "alpha")

	enabled, level := true, 80
	s, err := h.fleet.UpdateSettings("alpha", settings.Patch{Enabled: &enabled, RiskLevel: &level})
	require.NoError(t, err)
	assert.Equal(t, 80, s.RiskLevel)

	got, err := h.fleet.Settings("alpha")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, 80, got.RiskLevel)

	raw, err := os.ReadFile(h.paths["alpha"])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"stake_amount"`, "foreign keys survive")

	got, err = h.fleet.ResetSettings("alpha")
	require.NoError(t, err)
	assert.Equal(t, 50, got.RiskLevel)

	fs, err := h.fleet.UpdateFeatures("alpha", []byte(`{"dailyLoss": {"enabled": true, "maxDailyLossPercent": 3}}`))
	require.NoError(t, err)
	assert.True(t, fs.DailyLoss.Enabled)

	fs, err = h.fleet.ResetFeatures("alpha")
	require.NoError(t, err)
	assert.Equal(t, settings.DefaultFeatures().DailyLoss, fs.DailyLoss)

	_, err = h.fleet.Settings("beta")
	assert.ErrorIs(t, err, ErrUnknownInstance)
	_, err = h.fleet.Features("beta")
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestTradingStatus(t *testing.T) {
	h := newHarness(t, 0, "alpha")
	ctx := context.Background()

	ts, err := h.fleet.TradingStatus(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, ts.Allowed)
	assert.False(t, ts.RiskManaged)
	assert.Empty(t, ts.Reasons)

	require.NoError(t, h.state.SaveHalt(ctx, "alpha", storage.HaltEmergency, &features.HaltState{
		Active: true, Reason: "portfolio dropped 15%", TriggeredAt: t0, Value: 15,
	}))
	ts, err = h.fleet.TradingStatus(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, ts.Allowed)
	require.Len(t, ts.Reasons, 1)
	assert.Equal(t, common.CodeEmergencyStop, ts.Reasons[0].Code)
	assert.Equal(t, 15.0, ts.Reasons[0].Detail)
}

func TestResumeEmergency_ClearsEveryHalt(t *testing.T) {
	h := newHarness(t, 0, "alpha")
	ctx := context.Background()

	resume := t0.Add(12 * time.Hour)
	require.NoError(t, h.state.SaveHalt(ctx, "alpha", storage.HaltEmergency, &features.HaltState{Active: true, Reason: "drop", TriggeredAt: t0}))
	require.NoError(t, h.state.SaveHalt(ctx, "alpha", storage.HaltDailyLoss, &features.HaltState{Active: true, Reason: "loss", TriggeredAt: t0, ResumeAt: &resume}))
	require.NoError(t, h.state.SaveCorrectionFailure(ctx, "alpha", &storage.CorrectionFailure{Pair: "ETH/USDT", Reason: "rejected", Halted: true}))

	res, err := h.fleet.ResumeEmergency(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"emergency", "daily_loss", "correction"}, res.Cleared)

	ts, err := h.fleet.TradingStatus(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, ts.Allowed)

	st, err := h.fleet.Status(ctx, "alpha")
	require.NoError(t, err)
	assert.Nil(t, st.Emergency)
	assert.Nil(t, st.DailyLoss)
	assert.Nil(t, st.CorrectionFailure)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	require.Len(t, h.sink.events, 1)
	assert.Equal(t, reconcile.EventResume, h.sink.events[0].Type)
	assert.Equal(t, "alpha", h.sink.events[0].Instance)
}

func TestResumeEmergency_KeepsUnhaltedCorrectionFailure(t *testing.T) {
	h := newHarness(t, 0, "alpha")
	ctx := context.Background()

	require.NoError(t, h.state.SaveCorrectionFailure(ctx, "alpha", &storage.CorrectionFailure{Pair: "ETH/USDT", Reason: "rejected"}))

	res, err := h.fleet.ResumeEmergency(ctx, "alpha")
	require.NoError(t, err)
	assert.Empty(t, res.Cleared)

	st, err := h.fleet.Status(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, st.CorrectionFailure, "a leave-flat record is informational and stays")
}

func TestStatus_ReportsAuthCoolDown(t *testing.T) {
	h := newHarness(t, 0, "alpha")
	ctx := context.Background()

	until := t0.Add(time.Minute)
	h.bots["alpha"].coolTill = until
	_, err := h.fleet.Manager("alpha")
	require.NoError(t, err)

	st, err := h.fleet.Status(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, st.AuthCoolingDown)
	assert.Equal(t, until, *st.AuthCoolUntil)
	assert.Nil(t, st.Watermark)
}

func TestLedgerDSN(t *testing.T) {
	h := newHarness(t, 0, "alpha")
	inst, _ := h.fleet.instance("alpha")

	assert.Equal(t, defaultLedgerDSN, h.fleet.ledgerDSN(inst))

	require.NoError(t, os.WriteFile(inst.ConfigPath, []byte(`{"db_url": "sqlite:///custom.sqlite"}`), 0o600))
	assert.Equal(t, "sqlite:///custom.sqlite", h.fleet.ledgerDSN(inst))

	inst.LedgerDSN = "postgresql://bot@db/alpha"
	assert.Equal(t, "postgresql://bot@db/alpha", h.fleet.ledgerDSN(inst))
}
