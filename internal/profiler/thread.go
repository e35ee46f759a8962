package profiler

import "github.com/calltally/calltally/internal/count"

// Thread is one thread's private counter store. It is owned by exactly
// one goroutine: Enter touches only the private map, with no locks, no
// allocation beyond map growth, and no I/O. Nothing outside the owning
// goroutine may call any method until Close, which hands the counts to
// the process-wide writer in a single burst.
//
// In a runtime without thread-local destructors the "exactly one flush,
// exactly at thread end" contract is the owner's responsibility: defer
// Close in the goroutine, or let Profiler.Go do it.
type Thread struct {
	prof   *Profiler
	tag    uint64
	counts count.Map
	closed bool
}

// NewThread creates the counter store for the calling goroutine. The
// map itself is created lazily on the first hook invocation, so threads
// that never run instrumented code cost one small struct.
func (p *Profiler) NewThread() *Thread {
	p.stats.Record(count.StatThreadsStarted)

	if p.health != nil {
		p.health.ThreadsStarted.Inc()
	}

	return &Thread{
		prof: p,
		tag:  count.NextThreadTag(),
	}
}

// Tag returns this thread's best-effort identity label.
func (t *Thread) Tag() uint64 {
	return t.tag
}

// Enter is the entry hook: it records one invocation of fn, inserting
// it at zero first if absent. The caller identifier is accepted for ABI
// compatibility and ignored. Hot path: called once per function call in
// the entire profiled program.
func (t *Thread) Enter(fn, _ count.FunctionID) {
	if t.closed {
		return
	}

	if t.counts == nil {
		t.counts = make(count.Map)
	}

	t.counts.Inc(fn)
}

// Exit is the exit hook. It is an intentional no-op: only call counts
// are tracked, not durations. The signature stays symmetric with Enter
// for future extension.
func (t *Thread) Exit(_, _ count.FunctionID) {
}

// Close flushes the thread's counts, exactly once, at thread end. An
// empty map flushes nothing and leaves no trace in the output file.
// Close never fails and never blocks on anything but the writer mutex,
// whose contention is bounded by thread-termination rate.
func (t *Thread) Close() {
	if t.closed {
		return
	}

	t.closed = true

	if len(t.counts) == 0 {
		t.prof.stats.Record(count.StatThreadsEmpty)

		if t.prof.health != nil {
			t.prof.health.ThreadsEmpty.Inc()
		}

		return
	}

	t.prof.flush(t.counts.Records(t.tag))
	t.counts = nil
}

// Go runs fn on a new goroutine with its own thread store, flushing it
// when fn returns. This is the thread-exit callback mechanism for
// targets lacking implicit thread-local destructors: the returned
// channel closes after the flush completes.
func (p *Profiler) Go(fn func(*Thread)) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		t := p.NewThread()
		defer t.Close()

		fn(t)
	}()

	return done
}
