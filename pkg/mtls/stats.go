package mtls

import (
	"sync"
	"time"

	"github.com/penguintechinc/marchproxy/pkg/types"
)

// Stats tracks validation outcomes for a single validator.
type Stats struct {
	mu sync.Mutex

	successes      uint64
	failures       uint64
	expired        uint64
	revoked        uint64
	invalid        uint64
	missing        uint64
	caErrors       uint64
	chainTooLong   uint64
	customFailures uint64
	graceAccepts   uint64

	totalLatency time.Duration
	samples      uint64
}

func newStats() *Stats {
	return &Stats{}
}

func (s *Stats) recordSuccess() {
	s.mu.Lock()
	s.successes++
	s.mu.Unlock()
}

func (s *Stats) recordFailure(kind types.ErrorKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	switch kind {
	case types.KindCertExpired:
		s.expired++
	case types.KindCertRevoked:
		s.revoked++
	case types.KindCertMissing:
		s.missing++
	case types.KindChainTooLong:
		s.chainTooLong++
	default:
		s.invalid++
	}
}

func (s *Stats) recordCustomFailure() {
	s.mu.Lock()
	s.customFailures++
	s.mu.Unlock()
}

func (s *Stats) recordCAError() {
	s.mu.Lock()
	s.caErrors++
	s.mu.Unlock()
}

func (s *Stats) recordGraceAccept() {
	s.mu.Lock()
	s.graceAccepts++
	s.mu.Unlock()
}

func (s *Stats) observeLatency(d time.Duration) {
	s.mu.Lock()
	s.totalLatency += d
	s.samples++
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy of the validator's counters.
type Snapshot struct {
	Successes      uint64        `json:"successes"`
	Failures       uint64        `json:"failures"`
	Expired        uint64        `json:"expired"`
	Revoked        uint64        `json:"revoked"`
	Invalid        uint64        `json:"invalid"`
	Missing        uint64        `json:"missing"`
	CAErrors       uint64        `json:"ca_errors"`
	ChainTooLong   uint64        `json:"chain_too_long"`
	CustomFailures uint64        `json:"custom_failures"`
	GraceAccepts   uint64        `json:"grace_accepts"`
	AvgLatency     time.Duration `json:"avg_latency_ns"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Successes:      s.successes,
		Failures:       s.failures,
		Expired:        s.expired,
		Revoked:        s.revoked,
		Invalid:        s.invalid,
		Missing:        s.missing,
		CAErrors:       s.caErrors,
		ChainTooLong:   s.chainTooLong,
		CustomFailures: s.customFailures,
		GraceAccepts:   s.graceAccepts,
	}
	if s.samples > 0 {
		snap.AvgLatency = s.totalLatency / time.Duration(s.samples)
	}
	return snap
}
