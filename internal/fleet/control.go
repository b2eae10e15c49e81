package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleet-risk/internal/common"
	"fleet-risk/internal/features"
	"fleet-risk/internal/reconcile"
	"fleet-risk/internal/settings"
	"fleet-risk/internal/storage"
)

// haltCorrection is the metric label of a re-entry halt.
const haltCorrection = "correction"

// TradingStatus answers "may this instance open new trades right now".
type TradingStatus struct {
	Instance    string                    `json:"instance"`
	Allowed     bool                      `json:"allowed"`
	RiskManaged bool                      `json:"riskManaged"`
	Reasons     []*common.PolicyViolation `json:"reasons"`
}

type Status struct {
	Instance          string                     `json:"instance"`
	Monitoring        bool                       `json:"monitoring"`
	Watermark         *int64                     `json:"watermark"`
	DailyLoss         *features.HaltState        `json:"dailyLoss"`
	Emergency         *features.HaltState        `json:"emergency"`
	CorrectionFailure *storage.CorrectionFailure `json:"correctionFailure"`
	AuthCoolingDown   bool                       `json:"authCoolingDown"`
	AuthCoolUntil     *time.Time                 `json:"authCoolUntil,omitempty"`
}

// Resumed lists the halts a manual resume cleared.
type Resumed struct {
	Instance string   `json:"instance"`
	Cleared  []string `json:"cleared"`
}

func (f *Fleet) Settings(id string) (settings.UniversalSettings, error) {
	if _, err := f.instance(id); err != nil {
		return settings.UniversalSettings{}, err
	}
	return f.d.Settings.Load(id)
}

func (f *Fleet) UpdateSettings(id string, patch settings.Patch) (settings.UniversalSettings, error) {
	if _, err := f.instance(id); err != nil {
		return settings.UniversalSettings{}, err
	}
	s, err := f.d.Settings.Update(id, patch)
	if err == nil {
		f.nudge(id)
	}
	return s, err
}

func (f *Fleet) ResetSettings(id string) (settings.UniversalSettings, error) {
	if _, err := f.instance(id); err != nil {
		return settings.UniversalSettings{}, err
	}
	s, err := f.d.Settings.Reset(id)
	if err == nil {
		f.nudge(id)
	}
	return s, err
}

func (f *Fleet) Features(id string) (settings.FeatureSet, error) {
	if _, err := f.instance(id); err != nil {
		return settings.FeatureSet{}, err
	}
	return f.d.Settings.LoadFeatures(id)
}

func (f *Fleet) UpdateFeatures(id string, patch []byte) (settings.FeatureSet, error) {
	if _, err := f.instance(id); err != nil {
		return settings.FeatureSet{}, err
	}
	fs, err := f.d.Settings.UpdateFeatures(id, patch)
	if err == nil {
		f.nudge(id)
	}
	return fs, err
}

func (f *Fleet) ResetFeatures(id string) (settings.FeatureSet, error) {
	if _, err := f.instance(id); err != nil {
		return settings.FeatureSet{}, err
	}
	fs, err := f.d.Settings.ResetFeatures(id)
	if err == nil {
		f.nudge(id)
	}
	return fs, err
}

// TradingStatus reports every policy currently blocking new entries.
func (f *Fleet) TradingStatus(ctx context.Context, id string) (TradingStatus, error) {
	m, err := f.Manager(id)
	if err != nil {
		return TradingStatus{}, err
	}
	us, err := f.d.Settings.Load(id)
	if err != nil {
		return TradingStatus{}, err
	}
	reasons, err := m.Interceptor().Blocking(ctx)
	if err != nil {
		return TradingStatus{}, err
	}
	if reasons == nil {
		reasons = []*common.PolicyViolation{}
	}
	return TradingStatus{
		Instance:    id,
		Allowed:     len(reasons) == 0,
		RiskManaged: us.Enabled,
		Reasons:     reasons,
	}, nil
}

// ResumeEmergency is the operator's manual resume. It clears the emergency
// stop, the daily-loss pause and a halted correction. A breaker whose
// condition still holds trips again on the next tick.
func (f *Fleet) ResumeEmergency(ctx context.Context, id string) (Resumed, error) {
	if _, err := f.instance(id); err != nil {
		return Resumed{}, err
	}
	out := Resumed{Instance: id, Cleared: []string{}}

	for _, kind := range []storage.HaltKind{storage.HaltEmergency, storage.HaltDailyLoss} {
		h, err := f.d.State.Halt(ctx, id, kind)
		if err != nil {
			return out, fmt.Errorf("read %s halt: %w", kind, err)
		}
		if h == nil {
			continue
		}
		if err := f.d.State.SaveHalt(ctx, id, kind, nil); err != nil {
			return out, fmt.Errorf("clear %s halt: %w", kind, err)
		}
		f.d.Metrics.SetHalted(id, string(kind), false)
		if h.Active {
			out.Cleared = append(out.Cleared, string(kind))
		}
	}

	cf, err := f.d.State.CorrectionFailure(ctx, id)
	if err != nil {
		return out, fmt.Errorf("read correction failure: %w", err)
	}
	if cf != nil && cf.Halted {
		if err := f.d.State.SaveCorrectionFailure(ctx, id, nil); err != nil {
			return out, fmt.Errorf("clear correction halt: %w", err)
		}
		f.d.Metrics.SetHalted(id, haltCorrection, false)
		out.Cleared = append(out.Cleared, haltCorrection)
	}

	f.log.Info().Str("instance", id).Strs("cleared", out.Cleared).Msg("Trading resumed by operator")
	if f.d.Sink != nil {
		f.d.Sink.Publish(reconcile.Event{
			Type:     reconcile.EventResume,
			Instance: id,
			Time:     f.d.Clock.Now(),
			Message:  "manual resume",
			Data:     out.Cleared,
		})
	}
	f.nudge(id)
	return out, nil
}

// Status summarises the persisted state of an instance.
func (f *Fleet) Status(ctx context.Context, id string) (Status, error) {
	if _, err := f.instance(id); err != nil {
		return Status{}, err
	}
	st := Status{Instance: id}
	var errs []error

	if wm, ok, err := f.d.State.Watermark(ctx, id); err != nil {
		errs = append(errs, err)
	} else if ok {
		st.Watermark = &wm
	}
	var err error
	if st.DailyLoss, err = f.d.State.Halt(ctx, id, storage.HaltDailyLoss); err != nil {
		errs = append(errs, err)
	}
	if st.Emergency, err = f.d.State.Halt(ctx, id, storage.HaltEmergency); err != nil {
		errs = append(errs, err)
	}
	if st.CorrectionFailure, err = f.d.State.CorrectionFailure(ctx, id); err != nil {
		errs = append(errs, err)
	}

	if m := f.cached(id); m != nil {
		st.Monitoring = m.Monitoring()
		if cooling, until := m.authCoolDown(); cooling {
			st.AuthCoolingDown = true
			st.AuthCoolUntil = &until
		}
	}
	return st, errors.Join(errs...)
}

// nudge asks a monitored instance for an early tick after a change.
func (f *Fleet) nudge(id string) {
	if m := f.cached(id); m != nil && m.Monitoring() {
		m.Loop().Nudge()
	}
}
