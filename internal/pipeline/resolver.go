package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

const resolverSystemPrompt = "You are a precise job posting selector. Given a page origin and a list of " +
	"anchors with href and text, return ONLY a JSON object with a 'jobs' array of job posting URLs " +
	"(absolute or relative) and an optional 'notes' string.\n" +
	"CRITICAL RULES:\n" +
	"- Only include anchors that are clearly individual job postings\n" +
	"- Exclude category/team/filter/search/pagination links\n" +
	"- Be conservative - when in doubt, exclude it\n" +
	"- Output must be valid JSON with no markdown or explanations"

// Resolver turns a careers page's anchors into a deduplicated set of
// absolute job-posting URLs via the completion service. The model's output
// is authoritative: no secondary heuristic filter is applied beyond URL
// absolutization and dedup.
type Resolver struct {
	llm         Completer
	anchorLimit int
	logger      *zap.Logger
}

// NewResolver constructs a Resolver. anchorLimit caps how many anchors are
// put in the prompt; zero means the default of 150.
func NewResolver(llm Completer, anchorLimit int, logger *zap.Logger) *Resolver {
	if anchorLimit <= 0 {
		anchorLimit = 150
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		llm:         llm,
		anchorLimit: anchorLimit,
		logger:      logger,
	}
}

type resolverPayload struct {
	Origin      string   `json:"origin"`
	Anchors     []Anchor `json:"anchors"`
	Instruction string   `json:"instruction"`
}

// Resolve asks the model which anchors are individual job postings and
// returns their absolutized, deduplicated URLs. Candidates that fail URI
// parsing are discarded silently.
func (r *Resolver) Resolve(ctx context.Context, baseURL string, anchors []Anchor) ([]string, error) {
	limited := anchors
	if len(limited) > r.anchorLimit {
		limited = limited[:r.anchorLimit]
	}

	payload := resolverPayload{
		Origin:  baseURL,
		Anchors: limited,
		Instruction: "Select ONLY the anchors that are individual job postings. " +
			"Exclude category, team, filter, search, pagination, and general navigation links. " +
			"Focus on links that clearly lead to specific job descriptions.",
	}
	user, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal resolver payload: %w", err)
	}

	var list JobURLList
	if err := r.llm.CompleteJSON(ctx, resolverSystemPrompt, string(user), SchemaJobURLs, &list); err != nil {
		return nil, fmt.Errorf("resolve job urls: %w", err)
	}

	jobURLs := AbsolutizeAndDedupe(baseURL, list.Jobs)
	r.logger.Debug("job urls resolved",
		zap.String("origin", baseURL),
		zap.Int("anchors", len(limited)),
		zap.Int("selected", len(list.Jobs)),
		zap.Int("resolved", len(jobURLs)),
	)
	return jobURLs, nil
}
