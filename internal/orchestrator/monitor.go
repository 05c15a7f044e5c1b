package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/lhsu/syncbox/internal/logging"
	"github.com/lhsu/syncbox/internal/remote"
)

// Monitor probes remote reachability on an interval and feeds the
// result into the orchestrator's connectivity signal. One probe in
// flight at a time; a probe shares the interval as its timeout.
type Monitor struct {
	api      remote.API
	orch     *Orchestrator
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a connectivity monitor. The default probe interval
// is 30 seconds.
func NewMonitor(api remote.API, orch *Orchestrator, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		api:      api,
		orch:     orch,
		interval: interval,
	}
}

// Start begins probing. The first probe runs immediately so startup
// doesn't wait a full interval to discover connectivity.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx, stopCh)

	logging.Info("Connectivity monitor started",
		map[string]interface{}{"interval": m.interval.String()})
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info("Connectivity monitor stopped", nil)
}

func (m *Monitor) loop(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()

	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.api.Health(probeCtx)
	m.orch.SetOnline(err == nil)
}
