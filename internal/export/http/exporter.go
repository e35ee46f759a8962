// Package http posts flushed call-count records to an HTTP collector
// (e.g. Vector) as compressed NDJSON batches.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	"github.com/calltally/calltally/internal/count"
)

// FlushRecord is the JSON shape of one exported output record.
type FlushRecord struct {
	FunctionID  string    `json:"function_id"`
	Invocations uint64    `json:"invocations"`
	ThreadTag   uint64    `json:"thread_tag"`
	FlushedAt   time.Time `json:"flushed_at"`
	ProcessName string    `json:"process_name,omitempty"`
}

// NewFlushRecords converts one thread's flush burst into export records.
func NewFlushRecords(
	records []count.Record,
	processName string,
) []*FlushRecord {
	flushedAt := time.Now()
	out := make([]*FlushRecord, 0, len(records))

	for _, r := range records {
		out = append(out, &FlushRecord{
			FunctionID:  r.Func.String(),
			Invocations: r.Count,
			ThreadTag:   r.Tag,
			FlushedAt:   flushedAt,
			ProcessName: processName,
		})
	}

	return out
}

// Exporter implements processor.ItemExporter for NDJSON record export.
type Exporter struct {
	cfg    Config
	client *http.Client
	codec  *Codec
	log    logrus.FieldLogger
}

var _ processor.ItemExporter[FlushRecord] = (*Exporter)(nil)

// NewExporter creates a new HTTP exporter.
func NewExporter(log logrus.FieldLogger, cfg Config) (*Exporter, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	codec, err := NewCodec(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Workers * 2,
		MaxIdleConnsPerHost: cfg.Workers * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   cfg.ExportTimeout,
	}

	return &Exporter{
		cfg:    cfg,
		client: client,
		codec:  codec,
		log:    log.WithField("component", "http_exporter"),
	}, nil
}

// ExportItems posts a batch of records to the endpoint as NDJSON.
func (e *Exporter) ExportItems(
	ctx context.Context,
	items []*FlushRecord,
) error {
	if len(items) == 0 {
		return nil
	}

	var buf bytes.Buffer

	buf.Grow(len(items) * 128)

	encoder := json.NewEncoder(&buf)

	for _, item := range items {
		if item == nil {
			continue
		}

		if err := encoder.Encode(item); err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
	}

	data := buf.Bytes()

	compressed, err := e.codec.Compress(data)
	if err != nil {
		return fmt.Errorf("compressing data: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, e.cfg.Address, bytes.NewReader(compressed),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-ndjson")

	if encoding := e.codec.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	defer resp.Body.Close()

	// Drain response body to enable connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	e.log.WithFields(logrus.Fields{
		"records":    len(items),
		"bytes":      len(data),
		"compressed": len(compressed),
	}).Debug("Exported batch via HTTP")

	return nil
}

// Shutdown shuts down the exporter.
func (e *Exporter) Shutdown(_ context.Context) error {
	if e.codec != nil {
		return e.codec.Close()
	}

	return nil
}

// NewProcessor creates a BatchItemProcessor backed by this exporter.
// The processor decouples thread flushes from collector latency: a slow
// or unreachable collector drops records instead of blocking teardown.
func NewProcessor(
	log logrus.FieldLogger,
	cfg Config,
) (*processor.BatchItemProcessor[FlushRecord], error) {
	cfg.ApplyDefaults()

	exporter, err := NewExporter(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	proc, err := processor.NewBatchItemProcessor[FlushRecord](
		exporter,
		"calltally_http",
		log,
		processor.WithMaxQueueSize(cfg.MaxQueueSize),
		processor.WithBatchTimeout(cfg.BatchTimeout),
		processor.WithExportTimeout(cfg.ExportTimeout),
		processor.WithMaxExportBatchSize(cfg.BatchSize),
		processor.WithWorkers(cfg.Workers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor: %w", err)
	}

	return proc, nil
}
