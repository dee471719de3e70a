package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/penguintechinc/marchproxy/pkg/health"
	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

// watcher runs one backend's periodic health check.
type watcher struct {
	checker health.Checker
	config  health.Config

	mu     sync.Mutex
	status *health.Status

	stopCh chan struct{}
	done   chan struct{}
}

func (w *watcher) run(logger zerolog.Logger, name string) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.config.Timeout)
		result := w.checker.Check(ctx)
		cancel()

		w.mu.Lock()
		wasHealthy := w.status.Healthy
		w.status.Update(result, w.config)
		nowHealthy := w.status.Healthy
		w.mu.Unlock()

		if wasHealthy != nowHealthy {
			logger.Warn().
				Str("service", name).
				Bool("healthy", nowHealthy).
				Str("message", result.Message).
				Msg("backend health changed")
		}
	}
}

func (w *watcher) healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Healthy
}

// monitor keeps one watcher per service that declares a health check,
// reconciling the set on every snapshot swap.
type monitor struct {
	mu       sync.Mutex
	watchers map[string]*watcher // keyed by service ID
	logger   zerolog.Logger
}

func newMonitor() *monitor {
	return &monitor{
		watchers: make(map[string]*watcher),
		logger:   log.WithComponent("health-monitor"),
	}
}

// apply reconciles watchers against a new snapshot: services that left the
// snapshot or changed their check lose their watcher, new ones gain one.
// An existing watcher with an unchanged check keeps its streak counters.
func (m *monitor) apply(snap *types.ConfigSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[string]bool, len(snap.Services))
	for i := range snap.Services {
		svc := &snap.Services[i]
		checker, cfg, err := health.ForService(svc)
		if err != nil {
			m.logger.Warn().
				Str("service", svc.Name).
				Err(err).
				Msg("skipping invalid health check")
			continue
		}
		if checker == nil {
			continue
		}
		keep[svc.ID] = true

		if existing, ok := m.watchers[svc.ID]; ok && existing.config == cfg {
			continue
		}
		if existing, ok := m.watchers[svc.ID]; ok {
			close(existing.stopCh)
			<-existing.done
		}

		w := &watcher{
			checker: checker,
			config:  cfg,
			status:  health.NewStatus(),
			stopCh:  make(chan struct{}),
			done:    make(chan struct{}),
		}
		m.watchers[svc.ID] = w
		go w.run(m.logger, svc.Name)
	}

	for id, w := range m.watchers {
		if !keep[id] {
			close(w.stopCh)
			<-w.done
			delete(m.watchers, id)
		}
	}
}

// healthy reports the watched state for a service; unwatched services are
// healthy by definition.
func (m *monitor) healthy(serviceID string) bool {
	m.mu.Lock()
	w, ok := m.watchers[serviceID]
	m.mu.Unlock()
	if !ok {
		return true
	}
	return w.healthy()
}

func (m *monitor) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.watchers {
		close(w.stopCh)
		<-w.done
		delete(m.watchers, id)
	}
}
