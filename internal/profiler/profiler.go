// Package profiler implements the call-count profiler core: the
// process-wide context, per-thread counter stores, and the flush path
// into the shared output file and optional exporters.
//
// Nothing in this package (or its dependencies) may itself be
// instrumented. The entry hook must not fire inside the profiler, or
// every flush would recursively count itself; instrumentation passes
// must exclude this module the way the hooks' own runtime is excluded.
package profiler

import (
	"context"
	"io"
	"sync"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/calltally/calltally/internal/count"
	"github.com/calltally/calltally/internal/export"
	httpexport "github.com/calltally/calltally/internal/export/http"
	"github.com/calltally/calltally/internal/output"
)

// Profiler is the singly-constructed process-wide context. Construction
// is the ProcessInitializer: it resolves the output path and truncates
// the file before any hook can fire. The profiler is injected into the
// writer and exporters rather than reached through package globals; the
// root package keeps one default instance behind a sync.Once for the
// bare hook ABI.
type Profiler struct {
	log    logrus.FieldLogger
	cfg    *Config
	writer *output.Writer
	stats  *count.Stats
	health *export.HealthMetrics

	clickhouse *export.ClickHouseWriter
	httpProc   *processor.BatchItemProcessor[httpexport.FlushRecord]

	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
}

// New constructs the profiler context and performs process init:
// truncating the output file at the resolved path. A truncate failure
// is swallowed; the output may then be stale or absent but the profiled
// program is unaffected. Only exporter misconfiguration returns an
// error, and only explicit constructions see it — the default instance
// discards it.
//
// Pass nil log for fully silent operation; all diagnostics are then
// discarded.
func New(log logrus.FieldLogger, cfg *Config) (*Profiler, error) {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	if cfg == nil {
		cfg = DefaultConfig()
	}

	if cfg.Output.Path == "" {
		cfg.Output.Path = DefaultOutputPath
	}

	p := &Profiler{
		log:    log.WithField("component", "profiler"),
		cfg:    cfg,
		writer: output.NewWriter(log, cfg.Output.Path),
		stats:  count.NewStats(),
	}

	// Truncate exactly once, before any hook can fire. Never repeated.
	p.writer.Truncate()

	if cfg.Health.Enabled {
		p.health = export.NewHealthMetrics(log, cfg.Health)
	}

	if cfg.ClickHouse.Enabled {
		p.clickhouse = export.NewClickHouseWriter(log, cfg.ClickHouse, p.health)
	}

	if cfg.HTTP.Enabled {
		proc, err := httpexport.NewProcessor(log, cfg.HTTP)
		if err != nil {
			return nil, err
		}

		p.httpProc = proc
	}

	return p, nil
}

// OutputPath returns the resolved output file path.
func (p *Profiler) OutputPath() string {
	return p.writer.Path()
}

// Stats returns the profiler's lifecycle counters.
func (p *Profiler) Stats() *count.Stats {
	return p.stats
}

// Start brings up the optional export surfaces. A profiler that is
// never started still counts and flushes to the output file; Start is
// only needed for health metrics, ClickHouse, or HTTP export. Exporter
// start failures are absorbed: the affected exporter stays off and the
// file path keeps working.
func (p *Profiler) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	ctx, p.cancel = context.WithCancel(ctx)

	if p.health != nil {
		if err := p.health.Start(ctx); err != nil {
			p.log.WithError(err).Debug("Health metrics unavailable")

			p.health = nil
		}
	}

	if p.clickhouse != nil {
		if err := p.clickhouse.Start(ctx); err != nil {
			p.log.WithError(err).Debug("ClickHouse exporter unavailable")

			p.clickhouse = nil
		}
	}

	if p.httpProc != nil {
		p.httpProc.Start(ctx)
	}

	p.started = true

	return nil
}

// Close shuts down the export surfaces and logs a final stats summary.
// Threads may still flush to the output file after Close; only the
// exporters stop.
func (p *Profiler) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	// Stop without clearing the fields: a thread may still flush after
	// Close, and its writes to stopped exporters fail harmlessly.
	if p.httpProc != nil {
		if err := p.httpProc.Shutdown(context.Background()); err != nil {
			p.log.WithError(err).Debug("HTTP processor shutdown failed")
		}
	}

	if p.clickhouse != nil {
		if err := p.clickhouse.Stop(); err != nil {
			p.log.WithError(err).Debug("ClickHouse shutdown failed")
		}
	}

	if p.health != nil {
		if err := p.health.Stop(); err != nil {
			p.log.WithError(err).Debug("Health shutdown failed")
		}
	}

	fields := logrus.Fields{}
	for st, v := range p.stats.Snapshot() {
		fields[st.String()] = v
	}

	p.log.WithFields(fields).Debug("Profiler closed")

	return nil
}

// flush persists one thread's records. Called exactly once per
// non-empty thread, from that thread's Close. Failures are terminal
// and silent: the burst is lost, nothing is retried, and no error
// crosses back toward the profiled code.
func (p *Profiler) flush(records []count.Record) {
	if len(records) == 0 {
		return
	}

	var calls uint64
	for _, r := range records {
		calls += r.Count
	}

	p.stats.Record(count.StatThreadsFlushed)
	p.stats.RecordN(count.StatRecordsWritten, uint64(len(records)))
	p.stats.RecordN(count.StatCallsObserved, calls)

	if err := p.writer.Append(records); err != nil {
		p.stats.Record(count.StatFlushErrors)

		if p.health != nil {
			p.health.FlushErrors.Inc()
		}
	}

	if p.health != nil {
		p.health.ThreadsFlushed.Inc()
		p.health.RecordsWritten.Add(float64(len(records)))
		p.health.CallsObserved.Add(float64(calls))
	}

	if p.clickhouse != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := p.clickhouse.InsertRecords(ctx, records); err != nil {
			p.log.WithError(err).Debug("ClickHouse insert failed")
		}
	}

	if p.httpProc != nil {
		items := httpexport.NewFlushRecords(records, p.cfg.HTTP.MetaProcessName)

		if err := p.httpProc.Write(context.Background(), items); err != nil {
			p.log.WithError(err).Debug("HTTP export enqueue failed")
		}
	}
}
