package count

import "sync/atomic"

// Stat enumerates the profiler's own lifecycle counters. These are never
// touched on the hook hot path; they move only when a thread flushes.
type Stat uint8

const (
	StatThreadsStarted Stat = iota
	StatThreadsFlushed
	StatThreadsEmpty
	StatRecordsWritten
	StatCallsObserved
	StatFlushErrors

	maxStat = StatFlushErrors
)

// String returns the stat's snake_case name for logging and metrics.
func (s Stat) String() string {
	switch s {
	case StatThreadsStarted:
		return "threads_started"
	case StatThreadsFlushed:
		return "threads_flushed"
	case StatThreadsEmpty:
		return "threads_empty"
	case StatRecordsWritten:
		return "records_written"
	case StatCallsObserved:
		return "calls_observed"
	case StatFlushErrors:
		return "flush_errors"
	default:
		return "unknown"
	}
}

// Stats provides lock-free lifecycle counters. Snapshot atomically reads
// and resets all counters, making it suitable for periodic reporting
// without contention.
type Stats struct {
	counts [maxStat + 1]atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Record increments the counter for the given stat by one.
func (s *Stats) Record(st Stat) {
	if st > maxStat {
		return
	}

	s.counts[st].Add(1)
}

// RecordN increments the counter for the given stat by n.
func (s *Stats) RecordN(st Stat, n uint64) {
	if st > maxStat {
		return
	}

	s.counts[st].Add(n)
}

// Snapshot atomically reads and resets all counters, returning a map of
// only non-zero entries.
func (s *Stats) Snapshot() map[Stat]uint64 {
	result := make(map[Stat]uint64, maxStat)

	for i := range s.counts {
		v := s.counts[i].Swap(0)
		if v > 0 {
			result[Stat(i)] = v
		}
	}

	return result
}
