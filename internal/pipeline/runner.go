package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deps are the external collaborators the orchestrator sequences.
type Deps struct {
	Fetcher   PageFetcher
	LLM       Completer
	Ledger    Ledger
	Sink      Sink      // required unless every run is a dry run
	ATS       ATSParser // optional deterministic fast path
	Publisher Publisher // optional run-summary events
}

// Options tune orchestrator behavior; zero values take the defaults.
type Options struct {
	Concurrency  int
	MaxBatchRows int
	AnchorLimit  int
	MaxHTMLBytes int
	Topic        string
	Retry        *RetryPolicy
	Now          func() time.Time
}

// Pipeline sequences page fetches, model calls, normalization,
// fingerprint dedup, and idempotent batched sink writes under bounded
// concurrency.
type Pipeline struct {
	deps      Deps
	opts      Options
	resolver  *Resolver
	extractor *Extractor
	logger    *zap.Logger
}

// ErrNoInput is returned when a run is requested without any careers URL.
var ErrNoInput = errors.New("at least one careers URL required")

// ErrNoSink is returned when a non-dry run is requested without a sink.
var ErrNoSink = errors.New("sink not configured; use dry-run or configure a sink")

// New constructs a Pipeline.
func New(deps Deps, opts Options, logger *zap.Logger) (*Pipeline, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("page fetcher is required")
	}
	if deps.LLM == nil {
		return nil, errors.New("completion client is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if opts.Retry == nil {
		opts.Retry = NewRetryPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		deps:      deps,
		opts:      opts,
		resolver:  NewResolver(deps.LLM, opts.AnchorLimit, logger),
		extractor: NewExtractor(deps.LLM, opts.MaxHTMLBytes, logger),
		logger:    logger,
	}, nil
}

// Run processes every careers URL in the request and returns the run
// summary. Per-item failures are recorded and never abort sibling work;
// only a missing input or an unusable sink yields a top-level error.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if len(req.CareersURLs) == 0 {
		return RunResult{}, ErrNoInput
	}

	var writer *SinkWriter
	if !req.DryRun {
		if p.deps.Sink == nil {
			return RunResult{}, ErrNoSink
		}
		writer = NewSinkWriter(p.deps.Sink, p.opts.MaxBatchRows, p.opts.Retry, p.logger)
		if err := p.retryTransient(ctx, "ensure sink header", "", func() error {
			return writer.EnsureHeader(ctx)
		}); err != nil {
			return RunResult{}, err
		}
	}

	runID := uuid.NewString()
	logger := p.logger.With(zap.String("run_id", runID))

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = p.opts.Concurrency
	}
	sched := NewScheduler(concurrency, p.opts.Retry, logger)

	state := &runState{}
	budget := newJobBudget(req.MaxJobs)

	for _, careersURL := range req.CareersURLs {
		if err := p.processCareersPage(ctx, careersURL, req, sched, writer, state, budget); err != nil {
			logger.Error("careers page failed", zap.String("url", careersURL), zap.Error(err))
			state.recordError(ItemError{Scope: ScopeCareers, URL: careersURL, Message: err.Error()})
			ObserveItemError(ScopeCareers)
		}
	}

	result := state.result()
	p.publishSummary(ctx, runID, req, result, logger)
	logger.Info("run finished",
		zap.Int("careers_processed", result.Counters.CareersProcessed),
		zap.Int("job_urls_found", result.Counters.JobURLsFound),
		zap.Int("rows_appended", result.Counters.RowsAppended),
		zap.Int("duplicates", result.Counters.Duplicates),
		zap.Int("errors", result.Counters.Errors),
	)
	return result, nil
}

func (p *Pipeline) processCareersPage(
	ctx context.Context,
	careersURL string,
	req RunRequest,
	sched *Scheduler,
	writer *SinkWriter,
	state *runState,
	budget *jobBudget,
) error {
	var page PageContent
	err := p.retryTransient(ctx, "fetch careers page", careersURL, func() error {
		var ferr error
		page, ferr = p.deps.Fetcher.Fetch(ctx, careersURL)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("fetch careers page: %w", err)
	}
	ObservePageFetched("careers")

	var jobURLs []string
	if err := p.retryTransient(ctx, "resolve job urls", careersURL, func() error {
		var rerr error
		jobURLs, rerr = p.resolver.Resolve(ctx, careersURL, page.Links)
		return rerr
	}); err != nil {
		return err
	}
	state.addJobURLsFound(len(jobURLs))
	jobURLs = budget.take(jobURLs)

	var (
		mu   sync.Mutex
		rows []JobRecord
	)
	itemErrs := sched.Run(ctx, jobURLs, func(ctx context.Context, jobURL string) error {
		record, dup, err := p.processJob(ctx, jobURL, req)
		if err != nil {
			return err
		}
		if dup {
			state.addDuplicate()
			ObserveDuplicate()
			return nil
		}
		mu.Lock()
		rows = append(rows, record)
		mu.Unlock()
		return nil
	})
	for _, ie := range itemErrs {
		state.recordError(ie)
		ObserveItemError(ScopeJob)
	}

	if len(rows) > 0 {
		if req.DryRun {
			state.addDryRunRows(rows)
		} else {
			appended, skipped, err := writer.AppendRecords(ctx, rows)
			state.addAppended(appended)
			state.addDuplicates(skipped)
			ObserveRowsAppended(appended)
			if err != nil {
				return fmt.Errorf("write rows: %w", err)
			}
		}
	}

	state.addCareersProcessed()
	return nil
}

// processJob runs the per-job-URL pipeline: ledger pre-check, fetch (or ATS
// fast path), extract and normalize, fingerprint, atomic check-and-mark.
func (p *Pipeline) processJob(ctx context.Context, jobURL string, req RunRequest) (JobRecord, bool, error) {
	if req.Resume {
		seen, err := p.deps.Ledger.SeenURL(ctx, jobURL)
		if err != nil {
			return JobRecord{}, false, fmt.Errorf("ledger url check: %w", err)
		}
		if seen {
			return JobRecord{}, true, nil
		}
	}

	record, canonical, err := p.extractRecord(ctx, jobURL, req.CompanyOverride)
	if err != nil {
		return JobRecord{}, false, err
	}

	fp := Fingerprint(canonical, record.Title, record.CompanyName)
	seen, err := p.deps.Ledger.SeenFingerprint(ctx, fp)
	if err != nil {
		return JobRecord{}, false, fmt.Errorf("ledger fingerprint check: %w", err)
	}
	if seen {
		return JobRecord{}, true, nil
	}

	first, err := p.deps.Ledger.Mark(ctx, LedgerEntry{
		URL:          jobURL,
		CanonicalURL: canonical,
		Title:        record.Title,
		Company:      record.CompanyName,
		Fingerprint:  fp,
		FirstSeen:    p.opts.Now().UTC(),
	})
	if err != nil {
		return JobRecord{}, false, fmt.Errorf("ledger mark: %w", err)
	}
	if !first {
		return JobRecord{}, true, nil
	}
	return record, false, nil
}

func (p *Pipeline) extractRecord(ctx context.Context, jobURL, companyOverride string) (JobRecord, string, error) {
	if p.deps.ATS != nil && p.deps.ATS.CanHandle(jobURL) {
		raw, canonical, err := p.deps.ATS.Parse(ctx, jobURL)
		if err == nil {
			if canonical == "" {
				canonical = jobURL
			}
			record, err := Normalize(raw, "", jobURL, canonical, companyOverride)
			if err == nil {
				p.logger.Debug("ats parser used", zap.String("url", jobURL))
				return record, canonical, nil
			}
			p.logger.Warn("ats output rejected, falling back to extraction", zap.String("url", jobURL), zap.Error(err))
		} else {
			p.logger.Warn("ats parser failed, falling back to extraction", zap.String("url", jobURL), zap.Error(err))
		}
	}

	page, err := p.deps.Fetcher.Fetch(ctx, jobURL)
	if err != nil {
		return JobRecord{}, "", fmt.Errorf("fetch job page: %w", err)
	}
	ObservePageFetched("job")

	canonical := page.CanonicalURL
	if canonical == "" {
		canonical = jobURL
	}
	record, err := p.extractor.Extract(ctx, jobURL, canonical, page, companyOverride)
	if err != nil {
		return JobRecord{}, "", err
	}
	return record, canonical, nil
}

// retryTransient applies the run retry policy to careers-scope calls the
// scheduler's per-job loop does not cover: the careers page fetch, the
// job-URL resolution, and the sink header check.
func (p *Pipeline) retryTransient(ctx context.Context, op, url string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !p.opts.Retry.ShouldRetry(err, attempt) {
			return err
		}
		delay := p.opts.Retry.Backoff(attempt)
		p.logger.Warn("attempt failed, retrying",
			zap.String("op", op),
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

func (p *Pipeline) publishSummary(ctx context.Context, runID string, req RunRequest, result RunResult, logger *zap.Logger) {
	if p.deps.Publisher == nil || p.opts.Topic == "" {
		return
	}
	payload := map[string]any{
		"run_id":    runID,
		"urls":      req.CareersURLs,
		"dry_run":   req.DryRun,
		"totals":    result.Counters,
		"errors":    len(result.Errors),
		"timestamp": p.opts.Now().UTC().Format(time.RFC3339),
	}
	if _, err := p.deps.Publisher.Publish(ctx, p.opts.Topic, payload); err != nil {
		logger.Warn("run summary publish failed", zap.Error(err))
	}
}

// runState serializes counter and error updates from concurrent workers.
type runState struct {
	mu       sync.Mutex
	counters RunCounters
	errs     []ItemError
	dryRows  [][]string
}

func (s *runState) addJobURLsFound(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.JobURLsFound += n
}

func (s *runState) addCareersProcessed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.CareersProcessed++
}

func (s *runState) addDuplicate() {
	s.addDuplicates(1)
}

func (s *runState) addDuplicates(n int) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Duplicates += n
}

func (s *runState) addAppended(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.RowsAppended += n
}

func (s *runState) addDryRunRows(records []JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.dryRows = append(s.dryRows, rec.Row())
	}
	s.counters.RowsAppended += len(records)
}

func (s *runState) recordError(ie ItemError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, ie)
	s.counters.Errors++
}

func (s *runState) result() RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RunResult{
		Counters: s.counters,
		Errors:   append([]ItemError(nil), s.errs...),
		Rows:     append([][]string(nil), s.dryRows...),
	}
}

// jobBudget enforces the run-level max-job cap across careers pages.
type jobBudget struct {
	mu        sync.Mutex
	remaining int
	unlimited bool
}

func newJobBudget(maxJobs int) *jobBudget {
	return &jobBudget{remaining: maxJobs, unlimited: maxJobs <= 0}
}

func (b *jobBudget) take(urls []string) []string {
	if b.unlimited {
		return urls
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return nil
	}
	if len(urls) > b.remaining {
		urls = urls[:b.remaining]
	}
	b.remaining -= len(urls)
	return urls
}
