package requestlog

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Request outcomes
const (
	StatusSuccess  = "success"
	StatusFailure  = "failure"
	StatusTimeout  = "timeout"
	StatusRejected = "rejected"
	StatusSendErr  = "send_error"
)

// Entry represents one completed request
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	TraceID       string    `json:"trace_id,omitempty"`
	SpanID        string    `json:"span_id,omitempty"`
	Service       string    `json:"service"`
	Operation     string    `json:"operation,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	Status        string    `json:"status"`
	Partials      int       `json:"partials,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Logger records request entries with batching.
// Log is non-blocking: entries are dropped when the buffer is full.
type Logger struct {
	log           *zap.Logger
	logChan       chan *Entry
	batchSize     int
	flushInterval time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// New creates and starts a request logger
func New(log *zap.Logger, batchSize int, flushInterval time.Duration) *Logger {
	if batchSize <= 0 {
		batchSize = 1
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	l := &Logger{
		log:           log,
		logChan:       make(chan *Entry, batchSize*2),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
	}
	l.wg.Add(1)
	go l.processBatches()
	return l
}

// Log records a request entry
func (l *Logger) Log(ctx context.Context, entry *Entry) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		entry.TraceID = span.SpanContext().TraceID().String()
		entry.SpanID = span.SpanContext().SpanID().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	select {
	case l.logChan <- entry:
	default:
		l.log.Warn("request log buffer full, dropping entry",
			zap.String("service", entry.Service),
			zap.String("correlation_id", entry.CorrelationID),
		)
	}
}

func (l *Logger) processBatches() {
	defer l.wg.Done()

	batch := make([]*Entry, 0, l.batchSize)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			for {
				select {
				case entry := <-l.logChan:
					batch = append(batch, entry)
				default:
					l.flushBatch(batch)
					return
				}
			}
		case entry := <-l.logChan:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				l.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *Logger) flushBatch(batch []*Entry) {
	for _, entry := range batch {
		l.log.Info("request_log", fields(entry)...)
	}
}

func fields(entry *Entry) []zap.Field {
	fs := []zap.Field{
		zap.String("service", entry.Service),
		zap.Int64("duration_ms", entry.DurationMs),
		zap.String("status", entry.Status),
	}
	if entry.Operation != "" {
		fs = append(fs, zap.String("operation", entry.Operation))
	}
	if entry.CorrelationID != "" {
		fs = append(fs, zap.String("correlation_id", entry.CorrelationID))
	}
	if entry.Partials > 0 {
		fs = append(fs, zap.Int("partials", entry.Partials))
	}
	if entry.TraceID != "" {
		fs = append(fs, zap.String("trace_id", entry.TraceID))
	}
	if entry.SpanID != "" {
		fs = append(fs, zap.String("span_id", entry.SpanID))
	}
	if entry.Error != "" {
		fs = append(fs, zap.String("error", entry.Error))
	}
	return fs
}

// Close flushes pending entries and stops the logger
func (l *Logger) Close() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}
