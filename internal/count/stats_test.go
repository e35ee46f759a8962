package count

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats_Record(t *testing.T) {
	s := NewStats()

	s.Record(StatThreadsFlushed)
	s.Record(StatThreadsFlushed)
	s.Record(StatFlushErrors)

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap[StatThreadsFlushed])
	assert.Equal(t, uint64(1), snap[StatFlushErrors])
	assert.Len(t, snap, 2)
}

func TestStats_RecordN(t *testing.T) {
	s := NewStats()

	s.RecordN(StatCallsObserved, 100)
	s.RecordN(StatCallsObserved, 50)

	snap := s.Snapshot()
	assert.Equal(t, uint64(150), snap[StatCallsObserved])
}

func TestStats_SnapshotResetsCounters(t *testing.T) {
	s := NewStats()

	s.Record(StatThreadsStarted)
	s.Record(StatRecordsWritten)

	snap1 := s.Snapshot()
	require.Len(t, snap1, 2)

	// Second snapshot should be empty since counters were reset.
	snap2 := s.Snapshot()
	assert.Len(t, snap2, 0)
}

func TestStats_BoundsCheck(t *testing.T) {
	s := NewStats()

	// Out-of-bounds stat should be silently ignored.
	s.Record(Stat(255))
	s.RecordN(Stat(100), 50)

	snap := s.Snapshot()
	assert.Len(t, snap, 0)
}

func TestStats_ConcurrentAccess(t *testing.T) {
	s := NewStats()

	const goroutines = 100
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()

			for range iterations {
				s.Record(StatThreadsFlushed)
				s.RecordN(StatCallsObserved, 2)
			}
		}()
	}

	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, uint64(goroutines*iterations), snap[StatThreadsFlushed])
	assert.Equal(t, uint64(2*goroutines*iterations), snap[StatCallsObserved])
}

func TestStat_String(t *testing.T) {
	assert.Equal(t, "threads_flushed", StatThreadsFlushed.String())
	assert.Equal(t, "flush_errors", StatFlushErrors.String())
	assert.Equal(t, "unknown", Stat(200).String())
}
