package metrics

import "github.com/prometheus/client_golang/prometheus"

// Interfaces for metrics to avoid circular imports
type MetricsCounter interface {
	Inc()
}

type MetricsGauge interface {
	Set(float64)
	Add(float64)
}

type MetricsHistogram interface {
	Observe(float64)
}

// MetricsWrapper is what components hold. All methods are safe on a nil
// wrapper so tests can leave metrics out.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) ok() bool { return w != nil && w.m != nil }

func (w *MetricsWrapper) InterceptDecision(outcome string) {
	if w.ok() {
		w.m.InterceptDecisions.WithLabelValues(outcome).Inc()
	}
}

func (w *MetricsWrapper) PolicyDenied(code string) {
	if w.ok() {
		w.m.PolicyDenials.WithLabelValues(code).Inc()
	}
}

func (w *MetricsWrapper) FailOpen(stage string) {
	if w.ok() {
		w.m.FailOpen.WithLabelValues(stage).Inc()
	}
}

func (w *MetricsWrapper) TradesProcessed(instance string, n int) {
	if w.ok() && n > 0 {
		w.m.TradesProcessed.WithLabelValues(instance).Add(float64(n))
	}
}

func (w *MetricsWrapper) Correction(result string) {
	if w.ok() {
		w.m.Corrections.WithLabelValues(result).Inc()
	}
}

func (w *MetricsWrapper) ExitAction(kind, result string) {
	if w.ok() {
		w.m.ExitActions.WithLabelValues(kind, result).Inc()
	}
}

func (w *MetricsWrapper) DCAPlanned() MetricsCounter {
	if !w.ok() {
		return noop{}
	}
	return &CounterWrapper{w.m.DCAPlanned}
}

func (w *MetricsWrapper) TickDuration() MetricsHistogram {
	if !w.ok() {
		return noop{}
	}
	return &HistogramWrapper{w.m.TickDuration}
}

func (w *MetricsWrapper) SetWatermark(instance string, id int64) {
	if w.ok() {
		w.m.Watermark.WithLabelValues(instance).Set(float64(id))
	}
}

func (w *MetricsWrapper) SetHalted(instance, reason string, halted bool) {
	if !w.ok() {
		return
	}
	v := 0.0
	if halted {
		v = 1
	}
	w.m.Halted.WithLabelValues(instance, reason).Set(v)
}

func (w *MetricsWrapper) ConfigWrite(result string) {
	if w.ok() {
		w.m.ConfigWrites.WithLabelValues(result).Inc()
	}
}

// UpstreamErrorInc satisfies botapi.MetricsInterface.
func (w *MetricsWrapper) UpstreamErrorInc(kind string) {
	if w.ok() {
		w.m.UpstreamErrors.WithLabelValues(kind).Inc()
	}
}

func (w *MetricsWrapper) ManagersCached() MetricsGauge {
	if !w.ok() {
		return noop{}
	}
	return &GaugeWrapper{w.m.ManagersCached}
}

func (w *MetricsWrapper) Errors() MetricsCounter {
	if !w.ok() {
		return noop{}
	}
	return &CounterWrapper{w.m.ErrorsTotal}
}

type CounterWrapper struct {
	c prometheus.Counter
}

func (cw *CounterWrapper) Inc() {
	cw.c.Inc()
}

type GaugeWrapper struct {
	g prometheus.Gauge
}

func (gw *GaugeWrapper) Set(v float64) {
	gw.g.Set(v)
}

func (gw *GaugeWrapper) Add(v float64) {
	gw.g.Add(v)
}

type HistogramWrapper struct {
	h prometheus.Histogram
}

func (hw *HistogramWrapper) Observe(v float64) {
	hw.h.Observe(v)
}

type noop struct{}

func (noop) Inc()            {}
func (noop) Set(float64)     {}
func (noop) Add(float64)     {}
func (noop) Observe(float64) {}
