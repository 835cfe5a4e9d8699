package offline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailcore/internal/provider"
)

// Monitor tracks connectivity. Going from offline to online runs the
// registered hooks in registration order.
type Monitor struct {
	probe    func(ctx context.Context) error
	interval time.Duration
	logger   *logrus.Logger

	mu     sync.Mutex
	online bool
	hooks  []func(ctx context.Context)
}

// NewMonitor starts online. probe may be nil, in which case state only
// changes through Set and Observe.
func NewMonitor(probe func(ctx context.Context) error, interval time.Duration, logger *logrus.Logger) *Monitor {
	return &Monitor{probe: probe, interval: interval, logger: logger, online: true}
}

// SetProbe replaces the probe, for example after an account switch.
func (m *Monitor) SetProbe(probe func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probe = probe
}

// OnOnline registers fn to run after every offline to online transition.
func (m *Monitor) OnOnline(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the connectivity state and reports whether it changed.
func (m *Monitor) Set(ctx context.Context, online bool) bool {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	if !changed {
		return false
	}
	if !online {
		m.logger.Info("Connectivity lost")
		return true
	}
	m.logger.Info("Connectivity regained, flushing queues")
	for _, fn := range hooks {
		fn(ctx)
	}
	return true
}

// Observe marks the monitor offline when err says the remote is
// unreachable.
func (m *Monitor) Observe(ctx context.Context, err error) {
	if errors.Is(err, provider.ErrOffline) {
		m.Set(ctx, false)
	}
}

// Check probes once and updates the state.
func (m *Monitor) Check(ctx context.Context) bool {
	m.mu.Lock()
	probe := m.probe
	m.mu.Unlock()
	if probe == nil {
		return m.Online()
	}
	err := probe(ctx)
	if ctx.Err() != nil {
		return m.Online()
	}
	online := err == nil || !errors.Is(err, provider.ErrOffline)
	m.Set(ctx, online)
	return online
}

// Run probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
