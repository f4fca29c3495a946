package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives per-job-URL work across a fixed-size worker pool with a
// work queue. Per-item transient failures retry with jittered backoff; an
// exhausted item is reported to fail without touching its siblings. No
// ordering is promised across items.
type Scheduler struct {
	concurrency int
	policy      *RetryPolicy
	logger      *zap.Logger
}

// DefaultConcurrency is the worker-pool size when the request does not set
// one.
const DefaultConcurrency = 10

// NewScheduler constructs a Scheduler. Non-positive concurrency falls back
// to DefaultConcurrency; a nil policy gets the default retry policy.
func NewScheduler(concurrency int, policy *RetryPolicy, logger *zap.Logger) *Scheduler {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if policy == nil {
		policy = NewRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		concurrency: concurrency,
		policy:      policy,
		logger:      logger,
	}
}

// Run feeds urls to the pool and applies process to each. Errors come back
// as job-scoped ItemError entries. Context cancellation stops scheduling of
// new items; in-flight workers run to completion.
func (s *Scheduler) Run(ctx context.Context, urls []string, process func(context.Context, string) error) []ItemError {
	jobs := make(chan string)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []ItemError
	)

	workers := s.concurrency
	if workers > len(urls) {
		workers = len(urls)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range jobs {
				metricActiveWorkers(1)
				err := s.runItem(ctx, u, process)
				metricActiveWorkers(-1)
				if err != nil {
					mu.Lock()
					errs = append(errs, ItemError{Scope: ScopeJob, URL: u, Message: err.Error()})
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for _, u := range urls {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- u:
		}
	}
	close(jobs)
	wg.Wait()
	return errs
}

func (s *Scheduler) runItem(ctx context.Context, url string, process func(context.Context, string) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = process(ctx, url)
		if err == nil {
			return nil
		}
		if !s.policy.ShouldRetry(err, attempt) {
			return err
		}
		delay := s.policy.Backoff(attempt)
		s.logger.Warn("job attempt failed, retrying",
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
