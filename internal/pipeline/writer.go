package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxBatchRows caps how many rows go into one sink append call.
const DefaultMaxBatchRows = 500

// SinkWriter ensures the header row, chunks appends to the configured batch
// ceiling, and retries transient sink failures. When the sink can list
// existing rows, the writer also keeps a live dedup guard: records whose
// (title, company, application link) triple already appears in the sink are
// skipped even if the ledger missed them.
type SinkWriter struct {
	sink     Sink
	maxBatch int
	policy   *RetryPolicy
	guard    map[string]struct{}
	logger   *zap.Logger
}

// NewSinkWriter constructs a SinkWriter. Non-positive maxBatch falls back
// to DefaultMaxBatchRows.
func NewSinkWriter(sink Sink, maxBatch int, policy *RetryPolicy, logger *zap.Logger) *SinkWriter {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchRows
	}
	if policy == nil {
		policy = NewRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SinkWriter{
		sink:     sink,
		maxBatch: maxBatch,
		policy:   policy,
		logger:   logger,
	}
}

// EnsureHeader verifies (or creates) the fixed nine-column header and, when
// supported, loads the existing rows into the live dedup guard. Idempotent.
func (w *SinkWriter) EnsureHeader(ctx context.Context) error {
	if err := w.sink.EnsureHeader(ctx); err != nil {
		return fmt.Errorf("ensure header: %w", err)
	}
	lister, ok := w.sink.(RowLister)
	if !ok {
		return nil
	}
	rows, err := lister.ExistingRows(ctx)
	if err != nil {
		return fmt.Errorf("list existing rows: %w", err)
	}
	w.guard = make(map[string]struct{}, len(rows))
	for _, row := range rows {
		w.guard[rowKey(row)] = struct{}{}
	}
	return nil
}

// AppendRecords writes records in batches of at most the configured size
// and reports how many were appended and how many the live guard skipped.
// A transient sink failure retries the same batch with backoff; a
// definitive failure surfaces as an error.
func (w *SinkWriter) AppendRecords(ctx context.Context, records []JobRecord) (appended, skipped int, err error) {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := rec.Row()
		if w.guard != nil {
			key := rowKey(row)
			if _, dup := w.guard[key]; dup {
				skipped++
				continue
			}
			w.guard[key] = struct{}{}
		}
		rows = append(rows, row)
	}

	for start := 0; start < len(rows); start += w.maxBatch {
		end := start + w.maxBatch
		if end > len(rows) {
			end = len(rows)
		}
		n, err := w.appendBatch(ctx, rows[start:end])
		appended += n
		if err != nil {
			return appended, skipped, err
		}
	}
	return appended, skipped, nil
}

func (w *SinkWriter) appendBatch(ctx context.Context, batch [][]string) (int, error) {
	var (
		n   int
		err error
	)
	for attempt := 1; ; attempt++ {
		n, err = w.sink.Append(ctx, batch)
		if err == nil {
			return n, nil
		}
		if !w.policy.ShouldRetry(err, attempt) {
			return n, fmt.Errorf("append batch of %d: %w", len(batch), err)
		}
		delay := w.policy.Backoff(attempt)
		w.logger.Warn("sink append failed, retrying",
			zap.Int("rows", len(batch)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return n, fmt.Errorf("append batch of %d: %w", len(batch), err)
		case <-time.After(delay):
		}
	}
}

// rowKey identifies a row for the live guard: title, company, and
// application link, which together change whenever the fingerprint would.
func rowKey(row []string) string {
	title, company, link := "", "", ""
	if len(row) > 0 {
		title = row[0]
	}
	if len(row) > 1 {
		company = row[1]
	}
	if len(row) > 8 {
		link = row[8]
	}
	return strings.Join([]string{title, company, link}, "\x1f")
}
