package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"fleet-risk/internal/features"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	takeProfitBucket = "take_profit"
	trailingBucket   = "trailing_stop"
	haltBucket       = "halts"
	watermarkBucket  = "watermarks"
	entryBucket      = "last_entry"
	dcaBucket        = "dca"
	correctionBucket = "corrections"
	portfolioBucket  = "portfolio"
)

// HaltKind names the two persisted halts.
type HaltKind string

const (
	HaltDailyLoss HaltKind = "daily_loss"
	HaltEmergency HaltKind = "emergency"
)

// CorrectionFailure records a position resize whose re-entry leg failed,
// leaving the position flat. Halted blocks new entries until a manual resume.
type CorrectionFailure struct {
	Pair        string    `json:"pair"`
	TradeID     int64     `json:"tradeId"`
	TargetStake float64   `json:"targetStake"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
	Attempts    int       `json:"attempts"`
	Halted      bool      `json:"halted,omitempty"`
}

// PortfolioMark is the daily baseline the daily-loss breaker measures from.
type PortfolioMark struct {
	Day        string  `json:"day"` // UTC date, 2006-01-02
	StartValue float64 `json:"startValue"`
	StartPnL   float64 `json:"startPnl"`
}

// StateRepository is the typed view over a KV. Every key is prefixed with the
// instance id so instances never see each other's state.
type StateRepository struct {
	kv KV
}

func NewStateRepository(kv KV) *StateRepository {
	return &StateRepository{kv: kv}
}

func instKey(instanceID, key string) string { return instanceID + "/" + key }

func (r *StateRepository) get(ctx context.Context, bucket, key string, v any) (bool, error) {
	data, ok, err := r.kv.Get(ctx, bucket, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (r *StateRepository) put(ctx context.Context, bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return r.kv.Put(ctx, bucket, key, data)
}

// TakeProfitLog returns an empty log for a position never seen before.
func (r *StateRepository) TakeProfitLog(ctx context.Context, instanceID, posKey string) (*features.TakeProfitLog, error) {
	var l features.TakeProfitLog
	if _, err := r.get(ctx, takeProfitBucket, instKey(instanceID, posKey), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *StateRepository) SaveTakeProfitLog(ctx context.Context, instanceID, posKey string, l *features.TakeProfitLog) error {
	return r.put(ctx, takeProfitBucket, instKey(instanceID, posKey), l)
}

// TrailingStop returns nil while the stop is inactive.
func (r *StateRepository) TrailingStop(ctx context.Context, instanceID, posKey string) (*features.TrailingStopState, error) {
	var st features.TrailingStopState
	ok, err := r.get(ctx, trailingBucket, instKey(instanceID, posKey), &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

// SaveTrailingStop deletes the record when st is nil.
func (r *StateRepository) SaveTrailingStop(ctx context.Context, instanceID, posKey string, st *features.TrailingStopState) error {
	if st == nil {
		return r.kv.Delete(ctx, trailingBucket, instKey(instanceID, posKey))
	}
	return r.put(ctx, trailingBucket, instKey(instanceID, posKey), st)
}

func (r *StateRepository) Halt(ctx context.Context, instanceID string, kind HaltKind) (*features.HaltState, error) {
	var h features.HaltState
	ok, err := r.get(ctx, haltBucket, instKey(instanceID, string(kind)), &h)
	if err != nil || !ok {
		return nil, err
	}
	return &h, nil
}

// SaveHalt deletes the record when h is nil.
func (r *StateRepository) SaveHalt(ctx context.Context, instanceID string, kind HaltKind, h *features.HaltState) error {
	if h == nil {
		return r.kv.Delete(ctx, haltBucket, instKey(instanceID, string(kind)))
	}
	return r.put(ctx, haltBucket, instKey(instanceID, string(kind)), h)
}

// Watermark returns ok=false when none was ever stored.
func (r *StateRepository) Watermark(ctx context.Context, instanceID string) (id int64, ok bool, err error) {
	ok, err = r.get(ctx, watermarkBucket, instanceID, &id)
	return id, ok, err
}

// AdvanceWatermark stores id unless a higher watermark is already stored and
// returns the watermark now in effect.
func (r *StateRepository) AdvanceWatermark(ctx context.Context, instanceID string, id int64) (int64, error) {
	cur, ok, err := r.Watermark(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	if ok && cur >= id {
		return cur, nil
	}
	return id, r.put(ctx, watermarkBucket, instanceID, id)
}

// LastEntry is the zero time when asset was never entered.
func (r *StateRepository) LastEntry(ctx context.Context, instanceID, asset string) (time.Time, error) {
	var t time.Time
	_, err := r.get(ctx, entryBucket, instKey(instanceID, asset), &t)
	return t, err
}

func (r *StateRepository) SaveLastEntry(ctx context.Context, instanceID, asset string, t time.Time) error {
	return r.put(ctx, entryBucket, instKey(instanceID, asset), t.UTC())
}

func (r *StateRepository) DCALog(ctx context.Context, instanceID, posKey string) ([]features.DCAOrder, error) {
	var orders []features.DCAOrder
	_, err := r.get(ctx, dcaBucket, instKey(instanceID, posKey), &orders)
	return orders, err
}

func (r *StateRepository) SaveDCALog(ctx context.Context, instanceID, posKey string, orders []features.DCAOrder) error {
	return r.put(ctx, dcaBucket, instKey(instanceID, posKey), orders)
}

// DCALogs returns every DCA log of the instance keyed by position.
func (r *StateRepository) DCALogs(ctx context.Context, instanceID string) (map[string][]features.DCAOrder, error) {
	out := make(map[string][]features.DCAOrder)
	prefix := instKey(instanceID, "")
	err := r.kv.Scan(ctx, dcaBucket, prefix, func(k string, v []byte) error {
		var orders []features.DCAOrder
		if err := json.Unmarshal(v, &orders); err != nil {
			return fmt.Errorf("decode dca/%s: %w", k, err)
		}
		out[strings.TrimPrefix(k, prefix)] = orders
		return nil
	})
	return out, err
}

func (r *StateRepository) CorrectionFailure(ctx context.Context, instanceID string) (*CorrectionFailure, error) {
	var f CorrectionFailure
	ok, err := r.get(ctx, correctionBucket, instanceID, &f)
	if err != nil || !ok {
		return nil, err
	}
	return &f, nil
}

// SaveCorrectionFailure deletes the record when f is nil.
func (r *StateRepository) SaveCorrectionFailure(ctx context.Context, instanceID string, f *CorrectionFailure) error {
	if f == nil {
		return r.kv.Delete(ctx, correctionBucket, instanceID)
	}
	return r.put(ctx, correctionBucket, instanceID, f)
}

func (r *StateRepository) PortfolioMark(ctx context.Context, instanceID string) (*PortfolioMark, error) {
	var m PortfolioMark
	ok, err := r.get(ctx, portfolioBucket, instanceID, &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

func (r *StateRepository) SavePortfolioMark(ctx context.Context, instanceID string, m PortfolioMark) error {
	return r.put(ctx, portfolioBucket, instanceID, m)
}

// PositionKeys lists every position that still has per-position state.
func (r *StateRepository) PositionKeys(ctx context.Context, instanceID string) ([]string, error) {
	prefix := instKey(instanceID, "")
	seen := make(map[string]struct{})
	var keys []string
	for _, bucket := range []string{takeProfitBucket, trailingBucket, dcaBucket} {
		err := r.kv.Scan(ctx, bucket, prefix, func(k string, _ []byte) error {
			pk := strings.TrimPrefix(k, prefix)
			if _, dup := seen[pk]; !dup {
				seen[pk] = struct{}{}
				keys = append(keys, pk)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// DeletePosition drops every per-position record for posKey.
func (r *StateRepository) DeletePosition(ctx context.Context, instanceID, posKey string) error {
	k := instKey(instanceID, posKey)
	for _, bucket := range []string{takeProfitBucket, trailingBucket, dcaBucket} {
		if err := r.kv.Delete(ctx, bucket, k); err != nil {
			return fmt.Errorf("delete %s/%s: %w", bucket, k, err)
		}
	}
	return nil
}
