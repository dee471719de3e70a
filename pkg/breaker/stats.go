package breaker

import (
	"sync"
	"time"
)

// responseWindow is how far back latency samples contribute to the moving
// average.
const responseWindow = 5 * time.Minute

// sampleCapacity bounds the latency ring buffer.
const sampleCapacity = 1024

type latencySample struct {
	at time.Time
	d  time.Duration
}

// Stats accumulates per-breaker metrics across generations. Unlike Counts,
// these never reset.
type Stats struct {
	mu sync.Mutex

	requests     uint64
	successes    uint64
	failures     uint64
	timeouts     uint64
	fallbacks    uint64
	rejections   uint64
	stateChanges uint64

	lastStateChange time.Time

	// Fixed-capacity ring buffer of latency samples; entries older than
	// responseWindow are ignored on read.
	samples [sampleCapacity]latencySample
	head    int
	size    int
}

func newStats() *Stats {
	return &Stats{}
}

func (s *Stats) recordRequest() {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
}

func (s *Stats) recordSuccess() {
	s.mu.Lock()
	s.successes++
	s.mu.Unlock()
}

func (s *Stats) recordFailure() {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
}

func (s *Stats) recordTimeout() {
	s.mu.Lock()
	s.timeouts++
	s.mu.Unlock()
}

func (s *Stats) recordFallback() {
	s.mu.Lock()
	s.fallbacks++
	s.mu.Unlock()
}

func (s *Stats) recordRejection() {
	s.mu.Lock()
	s.rejections++
	s.mu.Unlock()
}

func (s *Stats) recordStateChange(now time.Time) {
	s.mu.Lock()
	s.stateChanges++
	s.lastStateChange = now
	s.mu.Unlock()
}

func (s *Stats) recordLatency(now time.Time, d time.Duration) {
	s.mu.Lock()
	s.samples[s.head] = latencySample{at: now, d: d}
	s.head = (s.head + 1) % sampleCapacity
	if s.size < sampleCapacity {
		s.size++
	}
	s.mu.Unlock()
}

// AverageResponseTime returns the mean latency of samples recorded within
// the response window, or zero when none exist.
func (s *Stats) AverageResponseTime(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-responseWindow)
	var total time.Duration
	var n int
	for i := 0; i < s.size; i++ {
		sample := s.samples[i]
		if sample.at.After(cutoff) {
			total += sample.d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// ErrorRate returns failures over completed requests, in [0, 1].
// Rejections are a separate axis and do not contribute.
func (s *Stats) ErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := s.successes + s.failures
	if completed == 0 {
		return 0
	}
	return float64(s.failures) / float64(completed)
}

// Snapshot is a point-in-time copy of a breaker's metrics.
type Snapshot struct {
	Requests        uint64        `json:"requests"`
	Successes       uint64        `json:"successes"`
	Failures        uint64        `json:"failures"`
	Timeouts        uint64        `json:"timeouts"`
	Fallbacks       uint64        `json:"fallbacks"`
	Rejections      uint64        `json:"rejections"`
	StateChanges    uint64        `json:"state_changes"`
	LastStateChange time.Time     `json:"last_state_change"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ErrorRate       float64       `json:"error_rate"`
}

// Snapshot captures the current metric values.
func (s *Stats) Snapshot(now time.Time) Snapshot {
	avg := s.AverageResponseTime(now)
	rate := s.ErrorRate()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Requests:        s.requests,
		Successes:       s.successes,
		Failures:        s.failures,
		Timeouts:        s.timeouts,
		Fallbacks:       s.fallbacks,
		Rejections:      s.rejections,
		StateChanges:    s.stateChanges,
		LastStateChange: s.lastStateChange,
		AvgResponseTime: avg,
		ErrorRate:       rate,
	}
}
