package output

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calltally/calltally/internal/count"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestWriter_TruncateDiscardsStaleContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callcounter.raw")
	require.NoError(t, os.WriteFile(path, []byte("0xdead 1 2\n"), 0o644))

	w := NewWriter(testLogger(), path)
	w.Truncate()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestWriter_TruncateCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callcounter.raw")

	w := NewWriter(testLogger(), path)
	w.Truncate()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestWriter_TruncateFailureIsSilent(t *testing.T) {
	w := NewWriter(testLogger(), filepath.Join(t.TempDir(), "no", "such", "dir", "out"))

	// Must not panic or surface the error.
	w.Truncate()
}

func TestWriter_AppendWritesOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.raw")
	w := NewWriter(testLogger(), path)

	err := w.Append([]count.Record{
		{Func: 0x4005e0, Count: 3, Tag: 11},
		{Func: 0x400720, Count: 1, Tag: 11},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.ElementsMatch(t, []string{
		"0x4005e0 3 11",
		"0x400720 1 11",
	}, lines)
}

func TestWriter_AppendEmptyIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.raw")
	w := NewWriter(testLogger(), path)

	require.NoError(t, w.Append(nil))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "empty append must not create the file")
}

func TestWriter_AppendOpenFailureLosesBurst(t *testing.T) {
	w := NewWriter(testLogger(), filepath.Join(t.TempDir(), "no", "such", "out"))

	err := w.Append([]count.Record{{Func: 0x1, Count: 1, Tag: 1}})
	require.Error(t, err)
}

func TestWriter_AppendAccumulatesBursts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.raw")
	w := NewWriter(testLogger(), path)

	require.NoError(t, w.Append([]count.Record{{Func: 0x1, Count: 1, Tag: 1}}))
	require.NoError(t, w.Append([]count.Record{{Func: 0x2, Count: 2, Tag: 2}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestWriter_ConcurrentAppendsDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.raw")
	w := NewWriter(testLogger(), path)

	const flushers = 32
	const perFlush = 50

	var wg sync.WaitGroup
	wg.Add(flushers)

	for i := range flushers {
		go func() {
			defer wg.Done()

			records := make([]count.Record, 0, perFlush)
			for j := range perFlush {
				records = append(records, count.Record{
					Func:  count.FunctionID(0x1000 + j),
					Count: uint64(i + 1),
					Tag:   uint64(i),
				})
			}

			assert.NoError(t, w.Append(records))
		}()
	}

	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, flushers*perFlush)

	// Every line must be well-formed regardless of interleaving.
	for _, line := range lines {
		var fn, c, tag uint64

		n, err := fmt.Sscanf(line, "0x%x %d %d", &fn, &c, &tag)
		require.NoError(t, err, "malformed line %q", line)
		require.Equal(t, 3, n)
	}
}
