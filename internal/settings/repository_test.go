package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-risk/internal/botconfig"
	"fleet-risk/internal/clock"
	"fleet-risk/internal/features"
	"fleet-risk/internal/risk"
)

const botConfig = `{
    "max_open_trades": 3,
    "stake_amount": 100,
    "exchange": {"name": "binance"},
    "universalSettings": {"riskLevel": 80, "enabled": true, "riskConfig": {"maxDrawdown": 0.99}}
}
`

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newRepo(t *testing.T, body string) (*FileRepository, string, *clock.Fake) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if body != "" {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	clk := clock.NewFake(now)
	repo := NewFileRepository(botconfig.NewStore(0.5), StaticLocator{"bot-1": path}, clk)
	return repo, path, clk
}

func TestLoad_MergesOverDefaultsAndRecomputesRisk(t *testing.T) {
	repo, _, _ := newRepo(t, botConfig)

	s, err := repo.Load("bot-1")
	require.NoError(t, err)
	assert.True(t, s.Enabled)
	assert.Equal(t, 80, s.RiskLevel)
	assert.True(t, s.AutoRebalance, "absent field keeps its default")
	assert.True(t, s.DCAEnabled)
	assert.Equal(t, risk.ComputeRiskConfig(80), s.RiskConfig, "stored riskConfig is ignored")
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	repo, _, _ := newRepo(t, "")

	s, err := repo.Load("bot-1")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s)

	fs, err := repo.LoadFeatures("bot-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultFeatures(), fs)
}

func TestLoad_MalformedSubDocumentReturnsDefaults(t *testing.T) {
	repo, _, _ := newRepo(t, `{"universalSettings": {"riskLevel": "high"}, "universalFeatures": []}`)

	s, err := repo.Load("bot-1")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s)

	fs, err := repo.LoadFeatures("bot-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultFeatures(), fs)
}

func TestLoad_UnknownInstance(t *testing.T) {
	repo, _, _ := newRepo(t, botConfig)
	_, err := repo.Load("nope")
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestUpdate_PreservesUnrelatedFields(t *testing.T) {
	repo, path, clk := newRepo(t, botConfig)

	level := 20
	s, err := repo.Update("bot-1", Patch{RiskLevel: &level})
	require.NoError(t, err)
	assert.Equal(t, 20, s.RiskLevel)
	assert.True(t, s.Enabled)
	assert.Equal(t, 1, s.Version)
	assert.Equal(t, now, s.CreatedAt)
	assert.Equal(t, now, s.UpdatedAt)
	assert.Equal(t, risk.ComputeRiskConfig(20), s.RiskConfig)

	doc, err := botconfig.Parse(mustRead(t, path))
	require.NoError(t, err)
	assert.Equal(t, []string{"max_open_trades", "stake_amount", "exchange", "universalSettings"}, doc.Keys())
	raw, _ := doc.Raw("exchange")
	assert.Equal(t, `{"name": "binance"}`, string(raw))

	clk.Advance(time.Hour)
	off := false
	s, err = repo.Update("bot-1", Patch{DCAEnabled: &off})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Version)
	assert.Equal(t, 20, s.RiskLevel)
	assert.False(t, s.DCAEnabled)
	assert.Equal(t, now, s.CreatedAt)
	assert.Equal(t, now.Add(time.Hour), s.UpdatedAt)

	loaded, err := repo.Load("bot-1")
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestUpdate_PicksUpExternalEdits(t *testing.T) {
	repo, path, _ := newRepo(t, botConfig)

	// someone edits the bot config between our read and write
	edited := `{"max_open_trades": 3, "stake_amount": 100, "exchange": {"name": "kraken"}, "dry_run": true}`
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))

	level := 60
	_, err := repo.Update("bot-1", Patch{RiskLevel: &level})
	require.NoError(t, err)

	doc, err := botconfig.Parse(mustRead(t, path))
	require.NoError(t, err)
	assert.True(t, doc.Has("dry_run"))
	raw, _ := doc.Raw("exchange")
	assert.Equal(t, `{"name": "kraken"}`, string(raw))
}

func TestUpdate_RejectsOutOfRangeLevel(t *testing.T) {
	repo, path, _ := newRepo(t, botConfig)
	before := mustRead(t, path)

	level := 101
	_, err := repo.Update("bot-1", Patch{RiskLevel: &level})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, before, mustRead(t, path))
}

func TestReset(t *testing.T) {
	repo, _, _ := newRepo(t, botConfig)
	level := 5
	_, err := repo.Update("bot-1", Patch{RiskLevel: &level})
	require.NoError(t, err)

	s, err := repo.Reset("bot-1")
	require.NoError(t, err)
	assert.Equal(t, 50, s.RiskLevel)
	assert.False(t, s.Enabled)
	assert.Equal(t, 2, s.Version)
	assert.Equal(t, now, s.CreatedAt)
}

func TestUpdateFeatures_PartialMerge(t *testing.T) {
	repo, _, _ := newRepo(t, botConfig)

	fs, err := repo.UpdateFeatures("bot-1", []byte(`{
		"trailingStop": {"enabled": true, "callbackRate": 0.03},
		"dailyLoss": {"pauseUntil": 6},
		"positionLimits": {"correlationGroups": {"DOGE": "memes"}}
	}`))
	require.NoError(t, err)

	assert.True(t, fs.TrailingStop.Enabled)
	assert.Equal(t, 0.03, fs.TrailingStop.CallbackRate)
	assert.Equal(t, features.DefaultTrailingStop().ActivationPercent, fs.TrailingStop.ActivationPercent)
	assert.Equal(t, features.PausePolicy{Mode: features.PauseHours, Hours: 6}, fs.DailyLoss.PauseUntil)
	assert.Equal(t, map[string]string{"DOGE": "memes"}, fs.PositionLimits.CorrelationGroups, "a supplied map replaces the default table")
	assert.Equal(t, DefaultFeatures().PositionLimits.MaxPercentPerAsset, fs.PositionLimits.MaxPercentPerAsset)
	assert.Equal(t, DefaultFeatures().TakeProfit, fs.TakeProfit)
	assert.Equal(t, 1, fs.Version)

	loaded, err := repo.LoadFeatures("bot-1")
	require.NoError(t, err)
	assert.Equal(t, fs, loaded)
}

func TestLoadFeatures_StoredCorrelationGroupsReplaceDefaults(t *testing.T) {
	tests := []struct {
		name   string
		stored string
		want   map[string]string
	}{
		{"absent keeps defaults", `{"positionLimits": {"enabled": true}}`, DefaultFeatures().PositionLimits.CorrelationGroups},
		{"empty clears", `{"positionLimits": {"correlationGroups": {}}}`, map[string]string{}},
		{"null clears", `{"positionLimits": {"correlationGroups": null}}`, nil},
		{"replaced", `{"positionLimits": {"correlationGroups": {"XRP": "alts"}}}`, map[string]string{"XRP": "alts"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, _, _ := newRepo(t, `{"stake_amount": 100, "universalFeatures": `+tt.stored+`}`)

			fs, err := repo.LoadFeatures("bot-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, fs.PositionLimits.CorrelationGroups)
		})
	}
}

func TestUpdateFeatures_ClearedCorrelationGroupsStayCleared(t *testing.T) {
	repo, _, _ := newRepo(t, botConfig)

	fs, err := repo.UpdateFeatures("bot-1", []byte(`{"positionLimits": {"correlationGroups": {}}}`))
	require.NoError(t, err)
	assert.Empty(t, fs.PositionLimits.CorrelationGroups)

	loaded, err := repo.LoadFeatures("bot-1")
	require.NoError(t, err)
	assert.Empty(t, loaded.PositionLimits.CorrelationGroups)

	// a later patch that does not touch the table leaves it cleared
	fs, err = repo.UpdateFeatures("bot-1", []byte(`{"positionLimits": {"enabled": true}}`))
	require.NoError(t, err)
	assert.True(t, fs.PositionLimits.Enabled)
	assert.Empty(t, fs.PositionLimits.CorrelationGroups)
}

func TestUpdateFeatures_Rejects(t *testing.T) {
	repo, path, _ := newRepo(t, botConfig)
	before := mustRead(t, path)

	for name, patch := range map[string]string{
		"unknown key":   `{"trailingStopp": {"enabled": true}}`,
		"bad callback":  `{"trailingStop": {"callbackRate": 1.5}}`,
		"bad day":       `{"schedule": {"allowedDays": [7]}}`,
		"bad policy":    `{"dailyLoss": {"pauseUntil": "later"}}`,
		"bad ladder":    `{"takeProfit": {"levels": [{"percentage": 2, "exitPercent": 120}]}}`,
		"not an object": `[1,2]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := repo.UpdateFeatures("bot-1", []byte(patch))
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Equal(t, before, mustRead(t, path))
		})
	}
}

func TestResetFeatures(t *testing.T) {
	repo, _, _ := newRepo(t, botConfig)
	_, err := repo.UpdateFeatures("bot-1", []byte(`{"schedule": {"enabled": true}}`))
	require.NoError(t, err)

	fs, err := repo.ResetFeatures("bot-1")
	require.NoError(t, err)
	assert.False(t, fs.Schedule.Enabled)
	assert.Equal(t, 2, fs.Version)
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
