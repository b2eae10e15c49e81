package features

import (
	"container/ring"
	"math"
	"sync"
	"time"
)

type sample struct {
	p float64
	t time.Time
}

// PriceWindow keeps the last size price observations and answers questions
// about the ones younger than win.
type PriceWindow struct {
	win  time.Duration
	ring *ring.Ring
	mu   sync.RWMutex
}

func NewPriceWindow(win time.Duration, size int) *PriceWindow {
	if size <= 0 {
		size = 1
	}
	return &PriceWindow{win: win, ring: ring.New(size)}
}

func (w *PriceWindow) Add(price float64, t time.Time) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	w.mu.Lock()
	w.ring.Value = sample{price, t}
	w.ring = w.ring.Next()
	w.mu.Unlock()
}

// prices returns the in-window prices oldest first.
func (w *PriceWindow) prices(now time.Time) []float64 {
	return w.since(now, w.win)
}

func (w *PriceWindow) since(now time.Time, span time.Duration) []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if span <= 0 || span > w.win {
		span = w.win
	}
	cutoff := now.Add(-span)
	out := make([]float64, 0, w.ring.Len())
	// the cursor sits on the oldest slot
	w.ring.Do(func(x any) {
		if s, ok := x.(sample); ok && s.t.After(cutoff) && !s.t.After(now) {
			out = append(out, s.p)
		}
	})
	return out
}

func (w *PriceWindow) Len(now time.Time) int { return len(w.prices(now)) }

// DropPercent is how far the latest price sits below the peak of the last
// span, in percent. Zero when nothing was observed or the latest price is the
// peak.
func (w *PriceWindow) DropPercent(now time.Time, span time.Duration) float64 {
	ps := w.since(now, span)
	if len(ps) == 0 {
		return 0
	}
	peak := ps[0]
	for _, p := range ps {
		peak = math.Max(peak, p)
	}
	last := ps[len(ps)-1]
	return (peak - last) / peak * 100
}

// Volatility is the population standard deviation of simple returns over the
// last n returns in the window (all of them when n <= 0), in percent. ok is
// false with fewer than two returns.
func (w *PriceWindow) Volatility(now time.Time, n int) (vol float64, ok bool) {
	ps := w.prices(now)
	if len(ps) < 3 {
		return 0, false
	}
	rets := make([]float64, 0, len(ps)-1)
	for i := 1; i < len(ps); i++ {
		rets = append(rets, (ps[i]-ps[i-1])/ps[i-1]*100)
	}
	if n > 0 && n < len(rets) {
		rets = rets[len(rets)-n:]
	}
	if len(rets) < 2 {
		return 0, false
	}

	var sum, sumSquared float64
	for _, r := range rets {
		sum += r
		sumSquared += r * r
	}
	count := float64(len(rets))
	mean := sum / count
	variance := (sumSquared / count) - (mean * mean)
	if variance > 0 {
		vol = math.Sqrt(variance)
	}
	return vol, true
}

// VolatilityTracker holds one PriceWindow per pair. The reconciliation loop
// feeds it and the request interceptor reads it.
type VolatilityTracker struct {
	win    time.Duration
	size   int
	recent int

	mu    sync.RWMutex
	pairs map[string]*PriceWindow
}

// NewVolatilityTracker keeps size samples per pair over win; the current
// volatility is measured over the last recent returns.
func NewVolatilityTracker(win time.Duration, size, recent int) *VolatilityTracker {
	if recent < 2 {
		recent = 2
	}
	return &VolatilityTracker{win: win, size: size, recent: recent, pairs: make(map[string]*PriceWindow)}
}

func (v *VolatilityTracker) Observe(pair string, price float64, t time.Time) {
	v.window(pair).Add(price, t)
}

func (v *VolatilityTracker) window(pair string) *PriceWindow {
	v.mu.RLock()
	w, ok := v.pairs[pair]
	v.mu.RUnlock()
	if ok {
		return w
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if w, ok = v.pairs[pair]; !ok {
		w = NewPriceWindow(v.win, v.size)
		v.pairs[pair] = w
	}
	return w
}

// Volatility returns the window-wide and recent volatility for pair. ok is
// false until enough samples exist for both.
func (v *VolatilityTracker) Volatility(pair string, now time.Time) (avg, current float64, ok bool) {
	v.mu.RLock()
	w, found := v.pairs[pair]
	v.mu.RUnlock()
	if !found {
		return 0, 0, false
	}
	if avg, ok = w.Volatility(now, 0); !ok {
		return 0, 0, false
	}
	current, ok = w.Volatility(now, v.recent)
	return avg, current, ok
}

// Drop is the reference-market drop used by the emergency stop.
func (v *VolatilityTracker) Drop(pair string, now time.Time, span time.Duration) float64 {
	v.mu.RLock()
	w, found := v.pairs[pair]
	v.mu.RUnlock()
	if !found {
		return 0
	}
	return w.DropPercent(now, span)
}
