package pipeline

import (
	"context"
)

// SchemaName identifies one of the JSON schemas the completion service is
// asked to conform to.
type SchemaName string

// Schemas used by the pipeline.
const (
	SchemaJobURLs   SchemaName = "job_urls"
	SchemaJobFields SchemaName = "job_fields"
)

// PageFetcher fetches a URL through the content-extraction service and
// returns its rendered snapshot.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (PageContent, error)
}

// Completer submits a prompt to the completion service and decodes the
// response into out after validating it against the named schema. Schema
// violations are retried internally with a stricter prompt; transport
// failures surface as TransientError for the caller's retry policy.
type Completer interface {
	CompleteJSON(ctx context.Context, system, user string, schema SchemaName, out any) error
}

// Ledger is the durable set of previously seen fingerprints and job URLs.
// Mark must be atomic with respect to concurrent callers: exactly one call
// per fingerprint observes first == true for the lifetime of the ledger.
type Ledger interface {
	SeenURL(ctx context.Context, url string) (bool, error)
	SeenFingerprint(ctx context.Context, fp string) (bool, error)
	Mark(ctx context.Context, entry LedgerEntry) (first bool, err error)
}

// Sink is the append-only tabular destination. Append returns the number of
// rows written.
type Sink interface {
	EnsureHeader(ctx context.Context) error
	Append(ctx context.Context, rows [][]string) (int, error)
}

// RowLister is optionally implemented by sinks that can enumerate existing
// data rows, enabling the writer's live dedup guard.
type RowLister interface {
	ExistingRows(ctx context.Context) ([][]string, error)
}

// ATSParser is a deterministic fast path for job URLs hosted on a known
// applicant-tracking system. Parse returns the raw fields plus the posting's
// canonical URL.
type ATSParser interface {
	CanHandle(url string) bool
	Parse(ctx context.Context, url string) (RawJobFields, string, error)
}

// Publisher pushes run-summary events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
