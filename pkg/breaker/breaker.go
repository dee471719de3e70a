package breaker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/penguintechinc/marchproxy/pkg/metrics"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Counts holds the request statistics of the current generation. They reset
// whenever the generation changes.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}

// Defaults applied by NewCircuitBreaker for zero-valued settings.
const (
	DefaultMaxRequests   = 1
	DefaultSleepWindow   = 5 * time.Second
	DefaultTimeout       = 60 * time.Second
	DefaultMaxConcurrent = 100
	defaultTripThreshold = 5
)

// Settings configures a circuit breaker.
type Settings struct {
	// Name identifies the backend, typically "host:port" or a service name.
	Name string

	// MaxRequests is the number of probe calls allowed through in
	// half-open state.
	MaxRequests uint32

	// SleepWindow is how long the breaker stays open before probing.
	SleepWindow time.Duration

	// Timeout bounds each context-aware call.
	Timeout time.Duration

	// MaxConcurrent caps in-flight calls regardless of state. Breach
	// returns too_many_requests without consulting state.
	MaxConcurrent int64

	// ReadyToTrip decides when a closed breaker opens. Default: more than
	// five consecutive failures.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange is invoked after every state transition.
	OnStateChange func(name string, from, to State)

	// Fallback, when set, is invoked instead of returning a rejection
	// (open, too many requests, timeout).
	Fallback func(err error) (interface{}, error)
}

// CircuitBreaker guards calls to a single backend with a
// closed/half-open/open state machine.
type CircuitBreaker struct {
	name          string
	maxRequests   uint32
	sleepWindow   time.Duration
	timeout       time.Duration
	readyToTrip   func(counts Counts) bool
	onStateChange func(name string, from, to State)
	fallback      func(err error) (interface{}, error)

	sem *semaphore.Weighted

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time // end of the open sleep window

	stats *Stats
	now   func() time.Time
}

// NewCircuitBreaker creates a breaker with the given settings, applying
// defaults for zero values.
func NewCircuitBreaker(st Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          st.Name,
		maxRequests:   st.MaxRequests,
		sleepWindow:   st.SleepWindow,
		timeout:       st.Timeout,
		readyToTrip:   st.ReadyToTrip,
		onStateChange: st.OnStateChange,
		fallback:      st.Fallback,
		stats:         newStats(),
		now:           time.Now,
	}

	if cb.maxRequests == 0 {
		cb.maxRequests = DefaultMaxRequests
	}
	if cb.sleepWindow <= 0 {
		cb.sleepWindow = DefaultSleepWindow
	}
	if cb.timeout <= 0 {
		cb.timeout = DefaultTimeout
	}
	maxConcurrent := st.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	cb.sem = semaphore.NewWeighted(maxConcurrent)

	if cb.readyToTrip == nil {
		cb.readyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures > defaultTripThreshold
		}
	}

	return cb
}

// Name returns the backend identifier.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(cb.now())
	return state
}

// Counts returns the statistics of the current generation.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Stats returns the cumulative metrics for this breaker.
func (cb *CircuitBreaker) Stats() *Stats {
	return cb.stats
}

// Execute runs fn guarded by the breaker. Rejections (open state,
// concurrency cap) surface as kind-tagged errors, or invoke the configured
// fallback.
func (cb *CircuitBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	if !cb.sem.TryAcquire(1) {
		return cb.reject(types.NewError(types.KindTooManyRequests, "breaker %s: concurrency limit reached", cb.name))
	}
	defer cb.sem.Release(1)

	generation, err := cb.beforeRequest()
	if err != nil {
		return cb.reject(err)
	}

	cb.stats.recordRequest()
	start := cb.now()
	result, err := fn()
	cb.afterRequest(generation, err == nil, cb.now().Sub(start))
	return result, err
}

// ExecuteWithContext runs fn guarded by the breaker, racing it against ctx
// cancellation and the breaker's internal timeout. A timeout counts as a
// failure for trip purposes.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if !cb.sem.TryAcquire(1) {
		return cb.reject(types.NewError(types.KindTooManyRequests, "breaker %s: concurrency limit reached", cb.name))
	}
	defer cb.sem.Release(1)

	generation, err := cb.beforeRequest()
	if err != nil {
		return cb.reject(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	cb.stats.recordRequest()
	start := cb.now()
	go func() {
		result, err := fn(callCtx)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		cb.afterRequest(generation, out.err == nil, cb.now().Sub(start))
		return out.result, out.err
	case <-callCtx.Done():
		cb.afterRequest(generation, false, cb.now().Sub(start))
		cb.stats.recordTimeout()
		metrics.BreakerTimeoutsTotal.WithLabelValues(cb.name).Inc()
		return cb.reject(types.NewError(types.KindTimeout, "breaker %s: %v", cb.name, callCtx.Err()))
	}
}

// reject surfaces a rejection, invoking the fallback if configured.
// Rejections neither succeed nor fail the backend for trip purposes.
func (cb *CircuitBreaker) reject(err error) (interface{}, error) {
	cb.stats.recordRejection()
	metrics.BreakerRejectionsTotal.WithLabelValues(cb.name, string(types.KindOf(err))).Inc()
	if cb.fallback != nil {
		cb.stats.recordFallback()
		return cb.fallback(err)
	}
	return nil, err
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, types.NewError(types.KindBreakerOpen, "breaker %s is open", cb.name)
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.maxRequests {
		return generation, types.NewError(types.KindTooManyRequests, "breaker %s: half-open probe limit reached", cb.name)
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool, latency time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)
	// A stale in-flight call must not corrupt the counters of a fresh
	// generation.
	if generation != before {
		return
	}

	cb.stats.recordLatency(now, latency)
	if success {
		cb.stats.recordSuccess()
		cb.onSuccess(state, now)
	} else {
		cb.stats.recordFailure()
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onSuccess()
	case StateHalfOpen:
		// One successful probe proves the backend is back; maxRequests
		// only caps how many probes may be in flight at once.
		cb.counts.onSuccess()
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.readyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// currentState moves an expired open breaker to half-open before reporting.
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	if cb.state == StateOpen && cb.expiry.Before(now) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

// setState transitions the breaker and starts a new generation. Must be
// called with the mutex held.
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.toNewGeneration(now)

	cb.stats.recordStateChange(now)
	metrics.BreakerTransitionsTotal.WithLabelValues(cb.name, prev.String(), state.String()).Inc()

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}
}

// toNewGeneration increments the generation, clears counts, and schedules
// the open sleep window if entering open state.
func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()

	if cb.state == StateOpen {
		cb.expiry = now.Add(cb.sleepWindow)
	} else {
		cb.expiry = time.Time{}
	}
}
