package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/industrion/jobharvest/internal/pipeline"
)

const (
	defaultBaseURL     = "https://openrouter.ai/api/v1"
	defaultModel       = "google/gemini-2.5-pro"
	defaultMaxTokens   = 2000
	defaultTemperature = 0.2
	defaultAttempts    = 4
	defaultRPS         = 2
)

// Config holds OpenRouter connection settings. OpenRouter speaks the
// OpenAI chat-completions wire format, so the client rides on the OpenAI
// SDK with a swapped base URL.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int

	// Temperature nil takes the default; an explicit zero is respected.
	Temperature *float32

	// MaxAttempts bounds the conformance loop: how many completions to
	// request before giving up on schema-valid output.
	MaxAttempts int

	// RequestsPerSecond throttles outbound calls across goroutines.
	RequestsPerSecond float64

	// SiteURL and SiteTitle populate the optional OpenRouter attribution
	// headers, which improve routing and rate limits.
	SiteURL   string
	SiteTitle string
}

// Client turns prompts into schema-conformant JSON documents. Output that
// parses but violates its schema is retried with a tightened prompt;
// transport failures are surfaced as retryable for the caller's policy.
type Client struct {
	api         *openai.Client
	schemas     *schemaSet
	model       string
	maxTokens   int
	temperature float32
	maxAttempts int
	limiter     *rate.Limiter
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *zap.Logger
}

// NewClient validates cfg, compiles the embedded response schemas, and
// returns a ready Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openrouter api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature == nil {
		t := float32(defaultTemperature)
		cfg.Temperature = &t
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultAttempts
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRPS
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	schemas, err := loadSchemas()
	if err != nil {
		return nil, err
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	apiCfg.HTTPClient = &http.Client{
		Timeout: 60 * time.Second,
		Transport: &attributionTransport{
			base:      http.DefaultTransport,
			siteURL:   cfg.SiteURL,
			siteTitle: cfg.SiteTitle,
		},
	}

	return &Client{
		api:         openai.NewClientWithConfig(apiCfg),
		schemas:     schemas,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: *cfg.Temperature,
		maxAttempts: cfg.MaxAttempts,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		sleep:       sleepCtx,
		logger:      logger,
	}, nil
}

// CompleteJSON requests a completion and unmarshals the first
// schema-valid JSON object into out. Non-conformant output mutates the
// user prompt with a stricter instruction and tries again, up to the
// attempt budget; exhaustion yields a SchemaError carrying the last raw
// output.
func (c *Client) CompleteJSON(ctx context.Context, system, user string, schema pipeline.SchemaName, out any) error {
	schemaText := c.schemas.text(schema)
	if schemaText == "" {
		return fmt.Errorf("unknown schema %q", schema)
	}
	system = system +
		"\nReturn ONLY a JSON object that conforms to this JSON Schema (Draft 2020-12):\n" +
		schemaText

	var (
		lastDetail string
		lastRaw    string
	)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			MaxTokens:   c.maxTokens,
			Temperature: c.temperature,
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
		})
		if err != nil {
			pipeline.ObserveLLMCall(schema, "transport_error")
			return classifyTransport(err)
		}
		if len(resp.Choices) == 0 {
			pipeline.ObserveLLMCall(schema, "transport_error")
			return pipeline.Transient("llm completion", errors.New("response has no choices"))
		}

		content := resp.Choices[0].Message.Content
		doc := []byte(extractJSONText(content))
		if err := validateDoc(c.schemas, schema, doc); err != nil {
			lastDetail = err.Error()
			lastRaw = content
			pipeline.ObserveLLMCall(schema, "schema_error")
			c.logger.Warn("model output rejected",
				zap.String("schema", string(schema)),
				zap.Int("attempt", attempt),
				zap.String("detail", lastDetail),
			)
			user = user +
				"\n\nReturn ONLY a valid JSON object that conforms to the schema. " +
				"Do not include markdown, code fences, or any explanation."
			if attempt < c.maxAttempts {
				if err := c.sleep(ctx, time.Duration(attempt)*750*time.Millisecond); err != nil {
					return err
				}
			}
			continue
		}

		pipeline.ObserveLLMCall(schema, "ok")
		if err := json.Unmarshal(doc, out); err != nil {
			return fmt.Errorf("decode model output: %w", err)
		}
		return nil
	}

	return &pipeline.SchemaError{Schema: schema, Detail: lastDetail, RawResponse: lastRaw}
}

func validateDoc(schemas *schemaSet, name pipeline.SchemaName, doc []byte) error {
	if !json.Valid(doc) {
		snippet := string(doc)
		if len(snippet) > 280 {
			snippet = snippet[:280]
		}
		return fmt.Errorf("output is not valid JSON: %q", snippet)
	}
	return schemas.validate(name, doc)
}

// classifyTransport maps SDK errors onto the retryable/definitive split:
// rate limits, 5xx, and timeouts retry; other API errors do not.
func classifyTransport(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
			return pipeline.Transient("llm completion", err)
		}
		return fmt.Errorf("llm completion: %w", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pipeline.Transient("llm completion", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pipeline.Transient("llm completion", err)
	}
	return fmt.Errorf("llm completion: %w", err)
}

// extractJSONText pulls the first balanced JSON object or array out of an
// arbitrary model response, stripping code fences and tracking string
// escapes so braces inside strings do not end the scan early.
func extractJSONText(text string) string {
	s := strings.TrimSpace(text)

	if strings.HasPrefix(s, "```") && strings.HasSuffix(s, "```") && len(s) > 6 {
		inner := strings.TrimSpace(s[3 : len(s)-3])
		if nl := strings.IndexByte(inner, '\n'); nl != -1 {
			switch strings.ToLower(strings.TrimSpace(inner[:nl])) {
			case "json", "javascript", "ts", "text":
				inner = inner[nl+1:]
			}
		}
		s = strings.TrimSpace(inner)
	}

	var (
		inString bool
		escape   bool
		depth    int
		start    = -1
		closer   byte
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if start == -1 {
			switch ch {
			case '{':
				start, depth, closer = i, 1, '}'
			case '[':
				start, depth, closer = i, 1, ']'
			}
			continue
		}
		if inString {
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch {
		case ch == '"':
			inString = true
		case (ch == '{' && closer == '}') || (ch == '[' && closer == ']'):
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}

	// Last resort: a fenced block buried mid-response.
	if idx := strings.Index(s, "```json"); idx != -1 {
		rest := s[idx+7:]
		if end := strings.Index(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end])
		}
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// attributionTransport injects the optional OpenRouter attribution
// headers on every request.
type attributionTransport struct {
	base      http.RoundTripper
	siteURL   string
	siteTitle string
}

func (t *attributionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.siteURL != "" {
		req.Header.Set("HTTP-Referer", t.siteURL)
	}
	if t.siteTitle != "" {
		req.Header.Set("X-Title", t.siteTitle)
	}
	return t.base.RoundTrip(req)
}
