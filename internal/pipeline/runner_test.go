package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeFetcher serves canned pages per URL. fail makes a URL always fail;
// transient makes its first n fetches fail retryably before succeeding.
type fakeFetcher struct {
	mu        sync.Mutex
	pages     map[string]PageContent
	fail      map[string]error
	transient map[string]int
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages:     make(map[string]PageContent),
		fail:      make(map[string]error),
		transient: make(map[string]int),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (PageContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if err, ok := f.fail[url]; ok {
		return PageContent{}, err
	}
	if f.transient[url] > 0 {
		f.transient[url]--
		return PageContent{}, Transient("firecrawl scrape", errors.New("status 503"))
	}
	page, ok := f.pages[url]
	if !ok {
		return PageContent{}, fmt.Errorf("no page for %s", url)
	}
	return page, nil
}

// scriptedCompleter answers the resolver call with urlsByOrigin and the
// extractor call with fieldsByURL, keyed on the payload contents.
type scriptedCompleter struct {
	mu           sync.Mutex
	urlsByOrigin map[string][]string
	fieldsByURL  map[string]RawJobFields
	failFields   map[string]error
	failResolve  map[string]int
}

func (s *scriptedCompleter) CompleteJSON(_ context.Context, _ string, user string, schema SchemaName, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch schema {
	case SchemaJobURLs:
		var payload struct {
			Origin string `json:"origin"`
		}
		if err := json.Unmarshal([]byte(user), &payload); err != nil {
			return err
		}
		if s.failResolve[payload.Origin] > 0 {
			s.failResolve[payload.Origin]--
			return Transient("llm completion", errors.New("status 429"))
		}
		return remarshal(JobURLList{Jobs: s.urlsByOrigin[payload.Origin]}, out)
	case SchemaJobFields:
		var payload struct {
			JobURL string `json:"job_url"`
		}
		if err := json.Unmarshal([]byte(user), &payload); err != nil {
			return err
		}
		if err, ok := s.failFields[payload.JobURL]; ok {
			return err
		}
		fields, ok := s.fieldsByURL[payload.JobURL]
		if !ok {
			return fmt.Errorf("no fields for %s", payload.JobURL)
		}
		return remarshal(fields, out)
	}
	return fmt.Errorf("unknown schema %q", schema)
}

func remarshal(v, out any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(doc, out)
}

type runnerFixture struct {
	fetcher   *fakeFetcher
	completer *scriptedCompleter
	ledger    *memLedger
	sink      *fakeSink
	pipeline  *Pipeline
}

// memLedger mirrors the in-memory ledger without importing it, avoiding a
// package cycle in these tests.
type memLedger struct {
	mu           sync.Mutex
	urls         map[string]struct{}
	fingerprints map[string]struct{}
}

func newMemoryLedger() *memLedger {
	return &memLedger{urls: make(map[string]struct{}), fingerprints: make(map[string]struct{})}
}

func (m *memLedger) SeenURL(_ context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.urls[url]
	return ok, nil
}

func (m *memLedger) SeenFingerprint(_ context.Context, fp string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.fingerprints[fp]
	return ok, nil
}

func (m *memLedger) Mark(_ context.Context, entry LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fingerprints[entry.Fingerprint]; ok {
		return false, nil
	}
	m.fingerprints[entry.Fingerprint] = struct{}{}
	m.urls[entry.URL] = struct{}{}
	return true, nil
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	f := &runnerFixture{
		fetcher: newFakeFetcher(),
		completer: &scriptedCompleter{
			urlsByOrigin: make(map[string][]string),
			fieldsByURL:  make(map[string]RawJobFields),
			failFields:   make(map[string]error),
			failResolve:  make(map[string]int),
		},
		ledger: newMemoryLedger(),
		sink:   &fakeSink{},
	}
	p, err := New(
		Deps{Fetcher: f.fetcher, LLM: f.completer, Ledger: f.ledger, Sink: f.sink},
		Options{Retry: NewRetryPolicyWith(2, time.Millisecond, 2*time.Millisecond)},
		nil,
	)
	require.NoError(t, err)
	f.pipeline = p
	return f
}

// addCareersPage registers a careers page with n job postings.
func (f *runnerFixture) addCareersPage(origin string, n int) {
	f.fetcher.pages[origin] = PageContent{HTML: "<html>jobs</html>"}
	var jobURLs []string
	for i := 0; i < n; i++ {
		jobURL := fmt.Sprintf("%s/jobs/%d", origin, i)
		jobURLs = append(jobURLs, jobURL)
		f.fetcher.pages[jobURL] = PageContent{HTML: "<html>posting</html>", CanonicalURL: jobURL}
		f.completer.fieldsByURL[jobURL] = RawJobFields{
			Title:           fmt.Sprintf("Engineer %d", i),
			CompanyName:     "Acme",
			JobType:         "Full Time",
			ApplicationLink: jobURL,
		}
	}
	f.completer.urlsByOrigin[origin] = jobURLs
}

func TestRunHappyPath(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.addCareersPage("https://acme.com", 3)

	result, err := f.pipeline.Run(context.Background(), RunRequest{
		CareersURLs: []string{"https://acme.com"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Counters.CareersProcessed)
	require.Equal(t, 3, result.Counters.JobURLsFound)
	require.Equal(t, 3, result.Counters.RowsAppended)
	require.Zero(t, result.Counters.Duplicates)
	require.Zero(t, result.Counters.Errors)
	require.Len(t, f.sink.rows, 3)
	require.Equal(t, 1, f.sink.headerCalls)
}

func TestRunSecondPassIsAllDuplicates(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.addCareersPage("https://acme.com", 3)
	req := RunRequest{CareersURLs: []string{"https://acme.com"}}

	_, err := f.pipeline.Run(context.Background(), req)
	require.NoError(t, err)

	result, err := f.pipeline.Run(context.Background(), req)
	require.NoError(t, err)
	require.Zero(t, result.Counters.RowsAppended)
	require.Equal(t, 3, result.Counters.Duplicates)
	require.Len(t, f.sink.rows, 3, "no new rows on the second run")
}

func TestRunIsolatesJobFailures(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.addCareersPage("https://acme.com", 5)
	f.fetcher.fail["https://acme.com/jobs/2"] = errors.New("status 410")

	result, err := f.pipeline.Run(context.Background(), RunRequest{
		CareersURLs: []string{"https://acme.com"},
	})
	require.NoError(t, err)
	require.Equal(t, 4, result.Counters.RowsAppended)
	require.Equal(t, 1, result.Counters.Errors)
	require.Len(t, result.Errors, 1)
	require.Equal(t, ScopeJob, result.Errors[0].Scope)
	require.Equal(t, "https://acme.com/jobs/2", result.Errors[0].URL)
}

func TestRunIsolatesCareersPageFailures(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.addCareersPage("https://acme.com", 2)
	f.fetcher.fail["https://globex.com"] = errors.New("status 404")

	result, err := f.pipeline.Run(context.Background(), RunRequest{
		CareersURLs: []string{"https://globex.com", "https://acme.com"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Counters.CareersProcessed)
	require.Equal(t, 2, result.Counters.RowsAppended)
	require.Len(t, result.Errors, 1)
	require.Equal(t, ScopeCareers, result.Errors[0].Scope)
	require.Equal(t, "https://globex.com", result.Errors[0].URL)
}

func TestRunRetriesTransientCareersFetch(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.addCareersPage("https://acme.com", 2)
	f.fetcher.transient["https://acme.com"] = 1

	result, err := f.pipeline.Run(context.Background(), RunRequest{
		CareersURLs: []string{"https://acme.com"},
	})
	require.NoError(t, err)
	require.Zero(t, result.Counters.Errors)
	require.Equal(t, 2, result.Counters.RowsAppended)
	require.Equal(t, 2, f.fetcher.calls["https://acme.com"], "careers fetch retried once")
}

func TestRunRetriesTransientResolve(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.addCareersPage("https://acme.com", 2)
	f.completer.failResolve["https://acme.com"] = 1

	result, err := f.pipeline.Run(context.Background(), RunRequest{
		CareersURLs: []string{"https://acme.com"},
	})
	require.NoError(t, err)
	require.Zero(t, result.Counters.Errors)
	require.Equal(t, 2, result.Counters.RowsAppended)
}

func TestRunExhaustedCareersFetchFailsPage(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.addCareersPage("https://acme.com", 2)
	f.fetcher.transient["https://acme.com"] = 5

	result, err := f.pipeline.Run(context.Background(), RunRequest{
		CareersURLs: []string{"https://acme.com"},
	})
	require.NoError(t, err)
	require.Zero(t, result.Counters.CareersProcessed)
	require.Len(t, result.Errors, 1)
	require.Equal(t, ScopeCareers, result.Errors[0].Scope)
	require.Equal(t, 2, f.fetcher.calls["https://acme.com"], "stops at the attempt cap")
}

func TestRunRetriesTransientHeaderFailure(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.addCareersPage("https://acme.com", 2)
	f.sink.headerFailuresLeft = 1
	f.sink.failWith = Transient("sheets read header", errors.New("status 503"))

	result, err := f.pipeline.Run(context.Background(), RunRequest{
		CareersURLs: []string{"https://acme.com"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Counters.RowsAppended)
	require.Equal(t, 2, f.sink.headerCalls)
}

func TestRunMaxJobsCapAcrossPages(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.addCareersPage("https://acme.com", 4)
	f.addCareersPage("https://globex.com", 4)

	result, err := f.pipeline.Run(context.Background(), RunRequest{
		CareersURLs: []string{"https://acme.com", "https://globex.com"},
		MaxJobs:     5,
	})
	require.NoError(t, err)
	require.Equal(t, 5, result.Counters.RowsAppended)
	require.Equal(t, 8, result.Counters.JobURLsFound, "found counts before the cap")
}

func TestRunDryRunCollectsRowsWithoutSink(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.addCareersPage("https://acme.com", 2)

	result, err := f.pipeline.Run(context.Background(), RunRequest{
		CareersURLs: []string{"https://acme.com"},
		DryRun:      true,
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Counters.RowsAppended)
	require.Len(t, result.Rows, 2)
	require.Empty(t, f.sink.rows, "dry run must not touch the sink")
	require.Zero(t, f.sink.headerCalls)
}

func TestRunResumeSkipsSeenURLs(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.addCareersPage("https://acme.com", 3)
	_, err := f.ledger.Mark(context.Background(), LedgerEntry{
		URL:         "https://acme.com/jobs/0",
		Fingerprint: "already-there",
	})
	require.NoError(t, err)

	result, err := f.pipeline.Run(context.Background(), RunRequest{
		CareersURLs: []string{"https://acme.com"},
		Resume:      true,
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Counters.RowsAppended)
	require.Equal(t, 1, result.Counters.Duplicates)
	require.Zero(t, f.fetcher.calls["https://acme.com/jobs/0"], "resume skips before fetching")
}

func TestRunRequiresInput(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	_, err := f.pipeline.Run(context.Background(), RunRequest{})
	require.ErrorIs(t, err, ErrNoInput)
}

func TestRunRequiresSinkUnlessDry(t *testing.T) {
	t.Parallel()

	p, err := New(
		Deps{Fetcher: newFakeFetcher(), LLM: &scriptedCompleter{}, Ledger: newMemoryLedger()},
		Options{},
		nil,
	)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), RunRequest{CareersURLs: []string{"https://acme.com"}})
	require.ErrorIs(t, err, ErrNoSink)
}

func TestRunCompanyOverrideAppliesToAllRows(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	f.addCareersPage("https://acme.com", 2)

	result, err := f.pipeline.Run(context.Background(), RunRequest{
		CareersURLs:     []string{"https://acme.com"},
		CompanyOverride: "Acme GmbH",
		DryRun:          true,
	})
	require.NoError(t, err)
	for _, row := range result.Rows {
		require.Equal(t, "Acme GmbH", row[1])
	}
}

func TestRunUsesATSFastPath(t *testing.T) {
	t.Parallel()

	f := newRunnerFixture(t)
	origin := "https://acme.com"
	jobURL := "https://acme.bamboohr.example/careers/42"
	f.fetcher.pages[origin] = PageContent{HTML: "<html></html>"}
	f.completer.urlsByOrigin[origin] = []string{jobURL}

	remote := true
	ats := &fakeATS{
		handles: func(u string) bool { return strings.Contains(u, "bamboohr") },
		fields: RawJobFields{
			Title:           "Engineer",
			CompanyName:     "Acme",
			RemoteOK:        &remote,
			JobType:         "Full Time",
			ApplicationLink: jobURL,
		},
		canonical: jobURL,
	}
	p, err := New(
		Deps{Fetcher: f.fetcher, LLM: f.completer, Ledger: f.ledger, Sink: f.sink, ATS: ats},
		Options{Retry: NewRetryPolicyWith(1, time.Millisecond, time.Millisecond)},
		nil,
	)
	require.NoError(t, err)

	result, err := p.Run(context.Background(), RunRequest{CareersURLs: []string{origin}})
	require.NoError(t, err)
	require.Equal(t, 1, result.Counters.RowsAppended)
	require.Zero(t, f.fetcher.calls[jobURL], "fast path skips the page fetch")
}

type fakeATS struct {
	handles   func(string) bool
	fields    RawJobFields
	canonical string
}

func (f *fakeATS) CanHandle(url string) bool { return f.handles(url) }

func (f *fakeATS) Parse(_ context.Context, _ string) (RawJobFields, string, error) {
	return f.fields, f.canonical, nil
}
