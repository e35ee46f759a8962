package profiler

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calltally/calltally/internal/count"
)

func newTestProfiler(t *testing.T) *Profiler {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Output.Path = filepath.Join(t.TempDir(), "callcounter.raw")

	p, err := New(nil, cfg)
	require.NoError(t, err)

	return p
}

func readRecords(t *testing.T, path string) map[string]struct {
	count uint64
	tag   uint64
} {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	out := make(map[string]struct {
		count uint64
		tag   uint64
	})

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		var fn, c, tag uint64

		n, err := fmt.Sscanf(line, "0x%x %d %d", &fn, &c, &tag)
		require.NoError(t, err, "malformed line %q", line)
		require.Equal(t, 3, n)

		out[fmt.Sprintf("0x%x/%d", fn, tag)] = struct {
			count uint64
			tag   uint64
		}{c, tag}
	}

	require.NoError(t, scanner.Err())

	return out
}

func TestNew_TruncatesStaleOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callcounter.raw")
	require.NoError(t, os.WriteFile(path, []byte("0xdead 9 9\n"), 0o644))

	cfg := DefaultConfig()
	cfg.Output.Path = path

	_, err := New(nil, cfg)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data, "output must be empty immediately after init")
}

func TestNew_TruncateFailureIsSwallowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output.Path = filepath.Join(t.TempDir(), "no", "such", "dir", "out")

	p, err := New(nil, cfg)
	require.NoError(t, err)

	// Hooks and flushes must still be safe.
	th := p.NewThread()
	th.Enter(0x1, 0)
	th.Close()

	snap := p.Stats().Snapshot()
	assert.Equal(t, uint64(1), snap[count.StatFlushErrors])
}

func TestThread_CountEqualsEntries(t *testing.T) {
	p := newTestProfiler(t)

	th := p.NewThread()
	for range 5 {
		th.Enter(0x4005e0, 0xca11)
	}
	th.Close()

	records := readRecords(t, p.OutputPath())
	require.Len(t, records, 1)

	key := fmt.Sprintf("0x4005e0/%d", th.Tag())
	assert.Equal(t, uint64(5), records[key].count)
}

func TestThread_SparseOutput(t *testing.T) {
	p := newTestProfiler(t)

	th := p.NewThread()
	th.Enter(0x1000, 0)
	th.Close()

	// 0x2000 was never entered; it must produce no record.
	records := readRecords(t, p.OutputPath())
	assert.Len(t, records, 1)
}

func TestThread_EmptyMapFlushesNothing(t *testing.T) {
	p := newTestProfiler(t)

	th := p.NewThread()
	th.Close()

	_, err := os.Stat(p.OutputPath())
	require.NoError(t, err)

	data, err := os.ReadFile(p.OutputPath())
	require.NoError(t, err)
	assert.Empty(t, data)

	snap := p.Stats().Snapshot()
	assert.Equal(t, uint64(1), snap[count.StatThreadsEmpty])
	assert.Zero(t, snap[count.StatThreadsFlushed])
}

func TestThread_ExitIsNoop(t *testing.T) {
	p := newTestProfiler(t)

	th := p.NewThread()
	th.Enter(0x1000, 0)

	for range 100 {
		th.Exit(0x1000, 0)
		th.Exit(0x9999, 0xdead)
	}

	th.Close()

	records := readRecords(t, p.OutputPath())
	require.Len(t, records, 1)

	key := fmt.Sprintf("0x1000/%d", th.Tag())
	assert.Equal(t, uint64(1), records[key].count)
}

func TestThread_CloseIsIdempotent(t *testing.T) {
	p := newTestProfiler(t)

	th := p.NewThread()
	th.Enter(0x1000, 0)
	th.Close()
	th.Close()
	th.Close()

	data, err := os.ReadFile(p.OutputPath())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"), "exactly one flush per thread")
}

func TestThread_EnterAfterCloseIgnored(t *testing.T) {
	p := newTestProfiler(t)

	th := p.NewThread()
	th.Enter(0x1000, 0)
	th.Close()
	th.Enter(0x1000, 0)
	th.Close()

	records := readRecords(t, p.OutputPath())
	key := fmt.Sprintf("0x1000/%d", th.Tag())
	assert.Equal(t, uint64(1), records[key].count)
}

func TestThreads_CountsNeverMerge(t *testing.T) {
	p := newTestProfiler(t)

	t1 := p.NewThread()
	t2 := p.NewThread()
	require.NotEqual(t, t1.Tag(), t2.Tag())

	t1.Enter(0x4005e0, 0)
	t1.Enter(0x4005e0, 0)
	t2.Enter(0x4005e0, 0)

	t1.Close()
	t2.Close()

	records := readRecords(t, p.OutputPath())
	require.Len(t, records, 2)

	assert.Equal(t, uint64(2), records[fmt.Sprintf("0x4005e0/%d", t1.Tag())].count)
	assert.Equal(t, uint64(1), records[fmt.Sprintf("0x4005e0/%d", t2.Tag())].count)
}

func TestGo_FlushesAtGoroutineEnd(t *testing.T) {
	p := newTestProfiler(t)

	done := p.Go(func(th *Thread) {
		th.Enter(0x1000, 0)
		th.Enter(0x1000, 0)
	})

	<-done

	records := readRecords(t, p.OutputPath())
	require.Len(t, records, 1)
}

func TestGo_ConcurrentTeardown(t *testing.T) {
	p := newTestProfiler(t)

	const threads = 64
	const fns = 8

	dones := make([]<-chan struct{}, 0, threads)

	for i := range threads {
		dones = append(dones, p.Go(func(th *Thread) {
			for f := range fns {
				for range i + 1 {
					th.Enter(count.FunctionID(0x1000+f), 0)
				}
			}
		}))
	}

	for _, done := range dones {
		<-done
	}

	records := readRecords(t, p.OutputPath())
	// Union of all (function, thread) pairs, nothing corrupted or merged.
	assert.Len(t, records, threads*fns)

	snap := p.Stats().Snapshot()
	assert.Equal(t, uint64(threads), snap[count.StatThreadsFlushed])
	assert.Equal(t, uint64(threads*fns), snap[count.StatRecordsWritten])
}

func TestEndToEnd_TwoThreads(t *testing.T) {
	p := newTestProfiler(t)

	const fnA = count.FunctionID(0xa000)
	const fnB = count.FunctionID(0xb000)

	t1 := p.NewThread()
	t1.Enter(fnA, 0)
	t1.Enter(fnA, 0)
	t1.Enter(fnA, 0)
	t1.Enter(fnB, 0)
	t1.Close()

	t2 := p.NewThread()
	t2.Enter(fnA, 0)
	t2.Enter(fnA, 0)
	t2.Close()

	records := readRecords(t, p.OutputPath())
	require.Len(t, records, 3)

	assert.Equal(t, uint64(3), records[fmt.Sprintf("0xa000/%d", t1.Tag())].count)
	assert.Equal(t, uint64(1), records[fmt.Sprintf("0xb000/%d", t1.Tag())].count)
	assert.Equal(t, uint64(2), records[fmt.Sprintf("0xa000/%d", t2.Tag())].count)
}

func TestProfiler_StartCloseWithoutExporters(t *testing.T) {
	p := newTestProfiler(t)

	require.NoError(t, p.Start(t.Context()))
	require.NoError(t, p.Close())
}

func BenchmarkThread_Enter(b *testing.B) {
	cfg := DefaultConfig()
	cfg.Output.Path = filepath.Join(b.TempDir(), "callcounter.raw")

	p, err := New(nil, cfg)
	require.NoError(b, err)

	th := p.NewThread()
	defer th.Close()

	b.ReportAllocs()

	for i := 0; b.Loop(); i++ {
		th.Enter(count.FunctionID(0x1000+i%64), 0)
	}
}
