package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-risk/internal/cfg"
	"fleet-risk/internal/intercept"
	"fleet-risk/internal/override"
	"fleet-risk/internal/reconcile"
)

// Manager bundles everything that acts on one bot instance: its API client,
// ledger reader, request interceptor, reconciliation loop and config applier.
type Manager struct {
	inst        cfg.Instance
	bot         reconcile.Bot
	ledger      Ledger
	interceptor *intercept.Interceptor
	loop        *reconcile.Loop
	applier     *override.Applier
	log         zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (m *Manager) ID() string                          { return m.inst.ID }
func (m *Manager) Interceptor() *intercept.Interceptor { return m.interceptor }
func (m *Manager) Loop() *reconcile.Loop               { return m.loop }
func (m *Manager) Applier() *override.Applier          { return m.applier }

// Monitoring reports whether the background loops are running.
func (m *Manager) Monitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// authCoolDown reports the bot client's auth cool-down, if the client has one.
func (m *Manager) authCoolDown() (bool, time.Time) {
	if c, ok := m.bot.(interface{ CoolingDown() (bool, time.Time) }); ok {
		return c.CoolingDown()
	}
	return false, time.Time{}
}

// start launches the reconciliation loop and the config applier. It returns
// false when they are already running.
func (m *Manager) start(parent context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done

	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.loop.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			m.applier.Run(ctx)
		}()
		wg.Wait()
	}()

	m.log.Info().Msg("Monitoring started")
	return true
}

// stop cancels the background loops and waits for them to return. Persisted
// state is left untouched.
func (m *Manager) stop() bool {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	m.log.Info().Msg("Monitoring stopped")
	return true
}

func (m *Manager) close() error {
	m.stop()
	if m.ledger == nil {
		return nil
	}
	return m.ledger.Close()
}
