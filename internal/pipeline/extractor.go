package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

const extractorSystemPrompt = "You are an expert ATS parser. Return ONLY a JSON object with the job's fields.\n" +
	"Rules: Prefer exact strings from the page for title and location. " +
	"remote_ok must be boolean; use null only if the page truly does not say. " +
	"job_type must be one of: Full Time, Part Time, Internship. " +
	"description_html must be HTML of the job description (not the full page). " +
	"If salary is not present, set both salaries to null. " +
	"application_link should be the primary apply URL; fall back to the job page URL if none. " +
	"Do not include markdown, code fences, or explanations."

// Extractor turns one job page's content into a canonical JobRecord: a
// field-extraction model call followed by deterministic post-processing.
type Extractor struct {
	llm          Completer
	maxHTMLBytes int
	logger       *zap.Logger
}

// NewExtractor constructs an Extractor. maxHTMLBytes caps how much page
// HTML goes into the prompt; zero means the default of 250000.
func NewExtractor(llm Completer, maxHTMLBytes int, logger *zap.Logger) *Extractor {
	if maxHTMLBytes <= 0 {
		maxHTMLBytes = 250_000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		llm:          llm,
		maxHTMLBytes: maxHTMLBytes,
		logger:       logger,
	}
}

type extractorPayload struct {
	JobURL       string `json:"job_url"`
	CanonicalURL string `json:"canonical_url"`
	HTML         string `json:"html"`
	Notes        string `json:"notes"`
}

// Extract runs the model over the page and normalizes the result. Every
// record returned has a concrete remote boolean and a closed-enum job type;
// anything that cannot reach that state is rejected with a SchemaError.
func (e *Extractor) Extract(
	ctx context.Context,
	jobURL, canonicalURL string,
	page PageContent,
	companyOverride string,
) (JobRecord, error) {
	html := page.HTML
	if len(html) > e.maxHTMLBytes {
		html = html[:e.maxHTMLBytes]
	}

	payload := extractorPayload{
		JobURL:       jobURL,
		CanonicalURL: canonicalURL,
		HTML:         html,
		Notes: "Common signals: 'Apply', 'Responsibilities', 'Qualifications'. " +
			"Words like 'Remote'/'Hybrid' may influence remote_ok.",
	}
	user, err := json.Marshal(payload)
	if err != nil {
		return JobRecord{}, fmt.Errorf("marshal extractor payload: %w", err)
	}

	var raw RawJobFields
	if err := e.llm.CompleteJSON(ctx, extractorSystemPrompt, string(user), SchemaJobFields, &raw); err != nil {
		return JobRecord{}, fmt.Errorf("extract job fields: %w", err)
	}

	record, err := Normalize(raw, page.HTML+" "+page.Text, jobURL, canonicalURL, companyOverride)
	if err != nil {
		return JobRecord{}, err
	}

	e.logger.Debug("job fields extracted",
		zap.String("url", jobURL),
		zap.String("title", record.Title),
		zap.String("job_type", string(record.JobType)),
		zap.Bool("remote_ok", record.RemoteOK),
	)
	return record, nil
}
