package botconfig

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"fleet-risk/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
    "max_open_trades": 3,
    "stake_currency": "USDT",
    "stake_amount": 100,
    "exchange": {
        "name": "binance",
        "pair_whitelist": ["BTC/USDT", "ETH/USDT"]
    },
    "api_server": {"enabled": true, "listen_port": 8080}
}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParse_PreservesOrderAndRawValues(t *testing.T) {
	doc, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"max_open_trades", "stake_currency", "stake_amount", "exchange", "api_server"}, doc.Keys())

	raw, ok := doc.Raw("api_server")
	require.True(t, ok)
	assert.Equal(t, `{"enabled": true, "listen_port": 8080}`, string(raw))
}

func TestParse_RejectsNonObjects(t *testing.T) {
	for _, in := range []string{"", "[]", `"x"`, `{"a": 1`, `{"a": }`} {
		_, err := Parse([]byte(in))
		assert.Error(t, err, "input %q", in)
	}
}

func TestDocument_SetKeepsUnrelatedFields(t *testing.T) {
	doc, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	require.NoError(t, doc.Set("stake_amount", 250.5))
	require.NoError(t, doc.Set("universalSettings", map[string]any{"enabled": true}))

	again, err := Parse(doc.Bytes())
	require.NoError(t, err)

	var stake float64
	found, err := again.Get("stake_amount", &stake)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 250.5, stake)

	before, _ := doc.Raw("exchange")
	after, _ := again.Raw("exchange")
	assert.Equal(t, string(before), string(after))
	assert.Equal(t, "universalSettings", again.Keys()[len(again.Keys())-1])
}

type trailingBlock struct {
	Enabled bool `json:"enabled"`
}

type limitsBlock struct {
	CorrelationGroups map[string]string `json:"correlationGroups"`
}

type featureBlocks struct {
	TrailingStop   trailingBlock `json:"trailingStop"`
	PositionLimits limitsBlock   `json:"positionLimits"`
}

func TestDocument_SetNestedValueRoundTrip(t *testing.T) {
	doc, err := Parse([]byte(`{"stake_amount": 100}`))
	require.NoError(t, err)

	in := featureBlocks{
		TrailingStop:   trailingBlock{Enabled: true},
		PositionLimits: limitsBlock{CorrelationGroups: map[string]string{"BTC": "majors"}},
	}
	require.NoError(t, doc.Set("universalFeatures", in))

	out := doc.Bytes()
	assert.Equal(t, `{
    "stake_amount": 100,
    "universalFeatures": {
        "trailingStop": {
            "enabled": true
        },
        "positionLimits": {
            "correlationGroups": {
                "BTC": "majors"
            }
        }
    }
}
`, string(out))

	again, err := Parse(out)
	require.NoError(t, err)
	var got featureBlocks
	found, err := again.Get("universalFeatures", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, got)
}

func TestDocument_GetMissing(t *testing.T) {
	doc, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	var v map[string]any
	found, err := doc.Get("nope", &v)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "{}\n", string(doc.Bytes()))
}

func TestStore_ReadMissingFile(t *testing.T) {
	s := NewStore(0.5)
	_, err := s.Read(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.Is(err, common.ErrConfigUnavailable))
}

func TestStore_UpdateWritesOnlyChangedKeys(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	s := NewStore(0.5)

	err := s.Update(path, func(d *Document) error {
		return d.Set("stake_amount", 42)
	})
	require.NoError(t, err)

	doc, err := s.Read(path)
	require.NoError(t, err)
	var stake int
	_, err = doc.Get("stake_amount", &stake)
	require.NoError(t, err)
	assert.Equal(t, 42, stake)

	var exchange struct {
		Name          string   `json:"name"`
		PairWhitelist []string `json:"pair_whitelist"`
	}
	_, err = doc.Get("exchange", &exchange)
	require.NoError(t, err)
	assert.Equal(t, "binance", exchange.Name)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, exchange.PairWhitelist)
}

func TestStore_UpdateCallbackErrorLeavesFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	s := NewStore(0.5)

	boom := errors.New("boom")
	err := s.Update(path, func(d *Document) error {
		_ = d.Set("stake_amount", 1)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sampleConfig, string(data))
}

func TestStore_RefusesTruncatedFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	s := NewStore(0.5)

	require.NoError(t, s.Update(path, func(d *Document) error { return d.Set("stake_amount", 10) }))

	// Something external truncates the file.
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o600))

	err := s.Update(path, func(d *Document) error { return d.Set("stake_amount", 20) })
	assert.ErrorIs(t, err, ErrSuspectTruncation)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestStore_ReadDoesNotAcceptShrunkFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	s := NewStore(0.5)

	require.NoError(t, s.Update(path, func(d *Document) error { return d.Set("stake_amount", 10) }))

	// Still valid JSON, but far smaller than what was written.
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o600))

	doc, err := s.Read(path)
	require.NoError(t, err)
	assert.True(t, doc.Has("a"))

	err = s.TryUpdate(path, func(d *Document) error { return d.Set("stake_amount", 20) })
	assert.ErrorIs(t, err, ErrSuspectTruncation)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestStore_ReadSeedsBaseline(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	s := NewStore(0.5)

	_, err := s.Read(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o600))

	err = s.Update(path, func(d *Document) error { return nil })
	assert.ErrorIs(t, err, ErrSuspectTruncation)
}

func TestStore_RefusesUnparseableFile(t *testing.T) {
	path := writeConfig(t, `{"stake_amount": 10, "exchange": {`)
	s := NewStore(0.5)

	err := s.Update(path, func(d *Document) error { return nil })
	assert.ErrorIs(t, err, ErrSuspectTruncation)
}

func TestStore_TryUpdateSkipsWhileLocked(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	s := NewStore(0.5)

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Update(path, func(d *Document) error {
			close(entered)
			<-release
			return d.Set("stake_amount", 1)
		})
	}()
	<-entered

	err := s.TryUpdate(path, func(d *Document) error { return d.Set("stake_amount", 2) })
	assert.ErrorIs(t, err, ErrWriteInProgress)

	close(release)
	wg.Wait()

	require.NoError(t, s.TryUpdate(path, func(d *Document) error { return d.Set("stake_amount", 3) }))
	doc, err := s.Read(path)
	require.NoError(t, err)
	var stake int
	_, _ = doc.Get("stake_amount", &stake)
	assert.Equal(t, 3, stake)
}

func TestStore_ConcurrentUpdatesDoNotInterleave(t *testing.T) {
	path := writeConfig(t, `{"counter": 0, "keep": "me"}`)
	s := NewStore(0.5)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(path, func(d *Document) error {
				var n int
				if _, err := d.Get("counter", &n); err != nil {
					return err
				}
				return d.Set("counter", n+1)
			})
		}()
	}
	wg.Wait()

	doc, err := s.Read(path)
	require.NoError(t, err)
	var n int
	_, _ = doc.Get("counter", &n)
	assert.Equal(t, 20, n)
	var keep string
	_, _ = doc.Get("keep", &keep)
	assert.Equal(t, "me", keep)
}
