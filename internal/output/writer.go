// Package output implements the shared, append-only output file that
// thread flushes are serialized into.
package output

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/calltally/calltally/internal/count"
)

// Writer is the process-wide sink for flushed records. A single mutex
// serializes flush bursts from concurrently terminating threads; the
// file is opened in append mode per burst and closed again immediately.
//
// Failures are absorbed: a burst that cannot be opened or written is
// lost without affecting the profiled program. The injected logger only
// sees them at debug level, and the default logger discards everything.
type Writer struct {
	log  logrus.FieldLogger
	path string

	mu sync.Mutex
}

// NewWriter creates a writer appending to path.
func NewWriter(log logrus.FieldLogger, path string) *Writer {
	return &Writer{
		log:  log.WithField("component", "writer"),
		path: path,
	}
}

// Path returns the resolved output file path.
func (w *Writer) Path() string {
	return w.path
}

// Truncate discards any prior run's content at the output path. Called
// exactly once, at process init, before any hook can fire. The file is
// never truncated again; every later open is append-only. Open failure
// is swallowed so instrumentation can never abort the profiled program.
func (w *Writer) Truncate() {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		w.log.WithError(err).Debug("Truncate failed, output may be stale")

		return
	}

	_ = f.Close()
}

// Append writes one thread's records as a single burst. Lines from two
// concurrent flushes never interleave: the mutex serializes bursts
// in-process, and on Unix an advisory flock covers writers in other
// processes sharing the same file. The burst is rendered into one buffer
// and written with a single write call.
//
// Record order within a burst is unspecified. A burst that fails loses
// all of its records; there is no retry.
func (w *Writer) Append(records []count.Record) error {
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.log.WithError(err).Debug("Flush open failed, records lost")

		return fmt.Errorf("opening output file %s: %w", w.path, err)
	}

	defer func() {
		unlockFile(f)
		_ = f.Close()
	}()

	lockFile(f)

	var buf bytes.Buffer

	buf.Grow(len(records) * 32)

	for _, r := range records {
		buf.WriteString(r.Line())
		buf.WriteByte('\n')
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		w.log.WithError(err).Debug("Flush write failed, records lost")

		return fmt.Errorf("writing output file %s: %w", w.path, err)
	}

	return nil
}
