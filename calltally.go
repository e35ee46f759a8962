// Package calltally is a passive call-count profiler. An external
// instrumentation pass injects Enter/Exit hook calls at every function
// boundary of the target program; calltally tallies per-thread
// invocation counts keyed by opaque function identifiers and appends
// aggregated counts to a shared output file as threads end.
//
// Each instrumented goroutine owns a Thread handle. Enter increments a
// thread-private counter with no locking and no I/O; Exit is a no-op
// kept for ABI symmetry; Close flushes the thread's counts into the
// output file in one mutex-serialized burst, exactly once.
//
// Output is line-oriented text, one line per (function, thread) pair:
//
//	<hex function id> <decimal count> <decimal thread tag>
//
// The file is truncated once at process init and only appended to
// afterwards. The path defaults to "callcounter.raw" and can be
// overridden with the CALLTALLY_OUTFILE environment variable; a YAML
// config enabling the optional exporters can be named with
// CALLTALLY_CONFIG. All failures are absorbed: profiling never aborts
// or alters the profiled program, and nothing is written to stdout or
// stderr.
//
// The profiler itself must be excluded from instrumentation. If the
// pass injects hooks into this module, every flush recursively counts
// itself without bound.
package calltally

import (
	"sync"

	"github.com/calltally/calltally/internal/count"
	"github.com/calltally/calltally/internal/profiler"
)

// FunctionID is an opaque fixed-width identifier for a function's entry
// address. calltally never interprets or resolves it.
type FunctionID = count.FunctionID

var (
	defaultOnce sync.Once
	defaultProf *profiler.Profiler
)

// Init constructs the process-wide default profiler: it resolves the
// output path from the environment and truncates the file. It runs at
// most once per process and is invoked implicitly by NewThread and Go,
// so the file is always truncated before the first hook can fire.
// Calling it early from main is allowed but not required.
func Init() {
	defaultOnce.Do(func() {
		// Construction errors only concern optional exporters and are
		// deliberately discarded: the default profiler is silent.
		defaultProf, _ = profiler.New(nil, profiler.FromEnvironment())

		if defaultProf == nil {
			cfg := profiler.DefaultConfig()
			cfg.ApplyEnvironment()

			defaultProf, _ = profiler.New(nil, cfg)
		}
	})
}

// OutputPath returns the default profiler's resolved output file path.
func OutputPath() string {
	Init()

	return defaultProf.OutputPath()
}

// Thread is one goroutine's private counter store. Create it at the
// top of the goroutine and defer Close; only the owning goroutine may
// call its methods.
type Thread struct {
	t *profiler.Thread
}

// NewThread creates a counter store for the calling goroutine, backed
// by the default profiler.
func NewThread() *Thread {
	Init()

	return &Thread{t: defaultProf.NewThread()}
}

// Enter is the entry hook, invoked at the start of every instrumented
// function with the function's address and the call site's address.
// It updates only the calling thread's own store: no locks, no I/O.
func (t *Thread) Enter(fn, caller uint64) {
	t.t.Enter(FunctionID(fn), FunctionID(caller))
}

// Exit is the exit hook, invoked at every instrumented return. It is
// an intentional no-op: only call counts are tracked, not durations.
// The signature mirrors Enter for future extension.
func (t *Thread) Exit(fn, caller uint64) {
	t.t.Exit(FunctionID(fn), FunctionID(caller))
}

// Tag returns the thread's best-effort identity label as it appears in
// output records. Tags are hash-derived and may collide.
func (t *Thread) Tag() uint64 {
	return t.t.Tag()
}

// Close flushes the thread's counts, exactly once. Threads that never
// entered a function flush nothing.
func (t *Thread) Close() {
	t.t.Close()
}

// Go runs fn on a new goroutine with its own Thread, flushing it when
// fn returns. The returned channel closes after the flush completes.
func Go(fn func(*Thread)) <-chan struct{} {
	Init()

	done := make(chan struct{})

	go func() {
		defer close(done)

		t := NewThread()
		defer t.Close()

		fn(t)
	}()

	return done
}
