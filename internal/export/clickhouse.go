package export

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"

	"github.com/calltally/calltally/internal/count"
)

// ClickHouseConfig configures the optional ClickHouse record exporter.
type ClickHouseConfig struct {
	// Enabled enables the exporter. Disabled profilers never open a
	// connection.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the ClickHouse native protocol address.
	Endpoint string `yaml:"endpoint"`

	// Database is the target database name.
	Database string `yaml:"database"`

	// Table is the target table name. Defaults to "call_counts".
	Table string `yaml:"table"`

	// Username for ClickHouse authentication.
	Username string `yaml:"username"`

	// Password for ClickHouse authentication.
	Password string `yaml:"password"`

	// MetaProcessName labels exported rows with the profiled process.
	MetaProcessName string `yaml:"meta_process_name"`
}

// ClickHouseWriter manages writes of flushed call-count records to
// ClickHouse. One row is inserted per output record, annotated with the
// flush time and the profiled process name.
type ClickHouseWriter struct {
	log    logrus.FieldLogger
	cfg    ClickHouseConfig
	health *HealthMetrics
	conn   clickhouse.Conn
}

// NewClickHouseWriter creates a new ClickHouse writer.
func NewClickHouseWriter(
	log logrus.FieldLogger,
	cfg ClickHouseConfig,
	health *HealthMetrics,
) *ClickHouseWriter {
	if cfg.Table == "" {
		cfg.Table = "call_counts"
	}

	return &ClickHouseWriter{
		log:    log.WithField("component", "clickhouse"),
		cfg:    cfg,
		health: health,
	}
}

// Config returns the writer configuration.
func (w *ClickHouseWriter) Config() ClickHouseConfig {
	return w.cfg
}

// Start opens the ClickHouse connection.
func (w *ClickHouseWriter) Start(ctx context.Context) error {
	opts := &clickhouse.Options{
		Addr: []string{w.cfg.Endpoint},
		Auth: clickhouse.Auth{
			Database: w.cfg.Database,
			Username: w.cfg.Username,
			Password: w.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return fmt.Errorf("opening ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("pinging ClickHouse: %w", err)
	}

	w.conn = conn

	if w.health != nil {
		w.health.ClickHouseConnected.Set(1)
	}

	w.log.WithField("endpoint", w.cfg.Endpoint).
		Info("ClickHouse writer connected")

	return nil
}

// InsertRecords writes one thread's flushed records as a single batch.
func (w *ClickHouseWriter) InsertRecords(
	ctx context.Context,
	records []count.Record,
) error {
	if len(records) == 0 || w.conn == nil {
		return nil
	}

	start := time.Now()

	batch, err := w.conn.PrepareBatch(
		ctx,
		fmt.Sprintf(
			"INSERT INTO %s (flushed_at, function_id, invocations, thread_tag, process_name)",
			w.cfg.Table,
		),
	)
	if err != nil {
		w.recordBatchError()

		return fmt.Errorf("preparing batch: %w", err)
	}

	flushedAt := time.Now()

	for _, r := range records {
		if err := batch.Append(
			flushedAt,
			uint64(r.Func),
			r.Count,
			r.Tag,
			w.cfg.MetaProcessName,
		); err != nil {
			w.recordBatchError()

			return fmt.Errorf("appending row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		w.recordBatchError()

		return fmt.Errorf("sending batch: %w", err)
	}

	if w.health != nil {
		w.health.ExportBatchDuration.WithLabelValues("clickhouse").
			Observe(time.Since(start).Seconds())
	}

	w.log.WithField("rows", len(records)).
		Debug("Inserted record batch")

	return nil
}

// Stop closes the ClickHouse connection.
func (w *ClickHouseWriter) Stop() error {
	if w.health != nil {
		w.health.ClickHouseConnected.Set(0)
	}

	if w.conn != nil {
		return w.conn.Close()
	}

	return nil
}

func (w *ClickHouseWriter) recordBatchError() {
	if w.health != nil {
		w.health.ExportBatchErrors.WithLabelValues("clickhouse").Inc()
	}
}
