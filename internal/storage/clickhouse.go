package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
	insertTimeout = 5 * time.Second
)

// ClickHouseWriter batches audit events into the tool_sandbox_events table.
// Write only enqueues; a single goroutine owns the connection and inserts a
// batch every flushInterval or whenever flushBatch events are pending.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *Event
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
	dropped atomic.Int64
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	w := newClickHouseWriter(conn, bufferSize, logger)
	go w.flushLoop()
	return w, nil
}

func newClickHouseWriter(conn driver.Conn, size int, logger *zap.Logger) *ClickHouseWriter {
	return &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *Event, size),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
}

// Write queues an event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *Event) {
	select {
	case w.buffer <- event:
	default:
		w.dropped.Add(1)
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("tenant_id", event.TenantID),
			zap.String("tool_id", event.ToolID),
		)
	}
}

// Dropped counts events discarded because the buffer was full.
func (w *ClickHouseWriter) Dropped() int64 { return w.dropped.Load() }

// Close stops accepting flush ticks, drains what is queued for up to
// drainTimeout, and waits for the last insert.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	pending := make([]*Event, 0, flushBatch)
	send := func() {
		if len(pending) == 0 {
			return
		}
		w.flush(pending)
		pending = pending[:0]
	}

	for {
		select {
		case e := <-w.buffer:
			if pending = append(pending, e); len(pending) >= flushBatch {
				send()
			}
		case <-ticker.C:
			send()
		case <-w.done:
			pending = w.drain(pending)
			send()
			return
		}
	}
}

// drain appends whatever is still buffered, giving up after drainTimeout so
// a producer that keeps writing cannot hold shutdown open.
func (w *ClickHouseWriter) drain(pending []*Event) []*Event {
	deadline := time.After(drainTimeout)
	for {
		select {
		case e := <-w.buffer:
			pending = append(pending, e)
		case <-deadline:
			return pending
		default:
			return pending
		}
	}
}

func (w *ClickHouseWriter) flush(events []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO tool_sandbox_events (
			event_id, event_type, timestamp, request_id,
			tenant_id, tool_id, content_hash,
			success, outcome, error_kind, limit_name, duration_ms, mode,
			message, violation_kinds, details,
			module, allowed
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.EventID,
			string(e.Type),
			e.Timestamp,
			e.RequestID,
			e.TenantID,
			e.ToolID,
			e.ContentHash,
			boolUint8(e.Success),
			e.Outcome,
			e.ErrorKind,
			e.Limit,
			e.DurationMs,
			e.Mode,
			e.Message,
			nonNil(e.ViolationKinds),
			nonNil(e.Details),
			e.Module,
			boolUint8(e.Allowed),
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func boolUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// LogWriter is a fallback EventWriter for local development. Security
// violations and denied imports log at Warn.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *Event) {
	fields := []zap.Field{
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.Type)),
		zap.String("tenant_id", event.TenantID),
		zap.String("tool_id", event.ToolID),
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if event.ContentHash != "" {
		fields = append(fields, zap.String("content_hash", event.ContentHash))
	}

	switch event.Type {
	case EventCompilation:
		fields = append(fields, zap.Bool("success", event.Success))
		if len(event.ViolationKinds) > 0 {
			fields = append(fields, zap.Strings("violation_kinds", event.ViolationKinds))
		}
	case EventExecution:
		fields = append(fields,
			zap.Bool("success", event.Success),
			zap.String("outcome", event.Outcome),
			zap.Float32("duration_ms", event.DurationMs),
			zap.String("mode", event.Mode),
		)
		if event.ErrorKind != "" {
			fields = append(fields, zap.String("error_kind", event.ErrorKind))
		}
		if event.Limit != "" {
			fields = append(fields, zap.String("limit", event.Limit))
		}
		if event.Message != "" {
			fields = append(fields, zap.String("message", event.Message))
		}
	case EventViolation:
		fields = append(fields,
			zap.Strings("violation_kinds", event.ViolationKinds),
			zap.Strings("details", event.Details),
		)
		w.logger.Warn("tool_sandbox_event", fields...)
		return
	case EventImport:
		fields = append(fields, zap.String("module", event.Module), zap.Bool("allowed", event.Allowed))
		if !event.Allowed {
			w.logger.Warn("tool_sandbox_event", fields...)
			return
		}
	}
	w.logger.Info("tool_sandbox_event", fields...)
}

func (w *LogWriter) Close() {}
