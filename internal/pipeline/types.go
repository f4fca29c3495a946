// Package pipeline defines the core types shared across subsystems and the
// orchestration that turns a careers page into deduplicated sheet rows.
package pipeline

import (
	"strconv"
	"time"
)

// JobType is the closed employment-type vocabulary written to the sink.
type JobType string

// Job type values as they appear in column E.
const (
	JobTypeFullTime   JobType = "Full Time"
	JobTypePartTime   JobType = "Part Time"
	JobTypeInternship JobType = "Internship"
)

// Anchor is one link on a fetched page: destination plus visible text.
type Anchor struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// PageContent is an immutable snapshot of one fetched URL. It is owned by
// the call that produced it and is never cached across runs.
type PageContent struct {
	HTML         string
	Text         string
	Links        []Anchor
	CanonicalURL string
}

// RawJobFields is the schema-validated but not yet normalized output of the
// field-extraction model call (or of an ATS fast-path parser). RemoteOK is
// tri-state: nil means the source could not tell.
type RawJobFields struct {
	Title           string   `json:"title"`
	CompanyName     string   `json:"company_name"`
	Location        string   `json:"location"`
	RemoteOK        *bool    `json:"remote_ok"`
	JobType         string   `json:"job_type"`
	DescriptionHTML string   `json:"description_html"`
	MinSalary       *float64 `json:"min_salary"`
	MaxSalary       *float64 `json:"max_salary"`
	ApplicationLink string   `json:"application_link"`
}

// JobURLList is the schema-validated output of the job-URL resolver call.
type JobURLList struct {
	Jobs  []string `json:"jobs"`
	Notes string   `json:"notes,omitempty"`
}

// JobRecord is the canonical nine-field row. RemoteOK and JobType are never
// ambiguous here: every record leaving the extractor has a concrete boolean
// and a closed-enum job type.
type JobRecord struct {
	Title           string
	CompanyName     string
	Location        string
	RemoteOK        bool
	JobType         JobType
	DescriptionHTML string
	MinSalary       *float64
	MaxSalary       *float64
	ApplicationLink string
}

// SinkHeader is the fixed column order (A..I) required before any data row.
var SinkHeader = []string{
	"Title",
	"Company Name",
	"Location Name",
	"Remote OK",
	"Job Type",
	"Description",
	"Minimum Salary",
	"Maximum Salary",
	"Application Link",
}

// Row converts the record into the nine-column sink representation.
// Absent salaries become empty cells, never 0.
func (r JobRecord) Row() []string {
	remote := "FALSE"
	if r.RemoteOK {
		remote = "TRUE"
	}
	return []string{
		r.Title,
		r.CompanyName,
		r.Location,
		remote,
		string(r.JobType),
		r.DescriptionHTML,
		formatSalary(r.MinSalary),
		formatSalary(r.MaxSalary),
		r.ApplicationLink,
	}
}

func formatSalary(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// LedgerEntry is the append-only identity record created the first time a
// job record is accepted.
type LedgerEntry struct {
	URL          string
	CanonicalURL string
	Title        string
	Company      string
	Fingerprint  string
	FirstSeen    time.Time
}

// RunCounters accumulates totals for one orchestrator invocation.
type RunCounters struct {
	CareersProcessed int `json:"careers_processed"`
	JobURLsFound     int `json:"job_urls_found"`
	RowsAppended     int `json:"rows_appended"`
	Duplicates       int `json:"duplicates"`
	Errors           int `json:"errors"`
}

// Error scopes recorded in ItemError entries.
const (
	ScopeCareers = "careers"
	ScopeJob     = "job"
)

// ItemError records a single isolated failure without aborting the run.
type ItemError struct {
	Scope   string `json:"scope"`
	URL     string `json:"url"`
	Message string `json:"message"`
}

// RunRequest is the invocation boundary: everything the presentation shell
// may ask of the orchestrator.
type RunRequest struct {
	CareersURLs     []string `json:"urls"`
	CompanyOverride string   `json:"company,omitempty"`
	DryRun          bool     `json:"dry_run"`
	Resume          bool     `json:"resume"`
	Concurrency     int      `json:"concurrency,omitempty"`
	MaxJobs         int      `json:"max_jobs,omitempty"`
}

// RunResult is the run summary. Rows is populated only on dry runs.
type RunResult struct {
	Counters RunCounters `json:"totals"`
	Errors   []ItemError `json:"errors,omitempty"`
	Rows     [][]string  `json:"rows,omitempty"`
}
