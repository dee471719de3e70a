package breaker

import (
	"sync"
)

// Table holds one breaker per distinct backend. The map is read-mostly;
// creation uses double-checked locking so the hot path stays on the read
// lock.
type Table struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults Settings
}

// NewTable creates a breaker table. The defaults apply to every breaker the
// table creates; Name is overridden per backend.
func NewTable(defaults Settings) *Table {
	return &Table{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns the breaker for a backend, creating it on first use.
func (t *Table) Get(backend string) *CircuitBreaker {
	t.mu.RLock()
	cb, ok := t.breakers[backend]
	t.mu.RUnlock()
	if ok {
		return cb
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Re-check under the write lock; another goroutine may have created it.
	if cb, ok := t.breakers[backend]; ok {
		return cb
	}

	settings := t.defaults
	settings.Name = backend
	cb = NewCircuitBreaker(settings)
	t.breakers[backend] = cb
	return cb
}

// Backends returns the identifiers of all known breakers.
func (t *Table) Backends() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.breakers))
	for name := range t.breakers {
		names = append(names, name)
	}
	return names
}

// Reset drops all breakers, typically after a config snapshot swap.
func (t *Table) Reset() {
	t.mu.Lock()
	t.breakers = make(map[string]*CircuitBreaker)
	t.mu.Unlock()
}
