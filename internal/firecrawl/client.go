package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/industrion/jobharvest/internal/pipeline"
)

const (
	defaultBaseURL = "https://api.firecrawl.dev"
	defaultTimeout = 30 * time.Second
	defaultRPS     = 1
	userAgent      = "jobharvest/1.0"
)

// Config holds Firecrawl connection and scrape options.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	// MaxAgeMS caps acceptable cache age on the Firecrawl side; zero
	// forces a fresh scrape. Nil leaves the service default.
	MaxAgeMS *int

	// OnlyMainContent asks the service to strip chrome around the page body.
	OnlyMainContent *bool

	// WaitMS inserts a wait action so client-side rendering settles
	// before capture.
	WaitMS int

	RequestsPerSecond float64
}

// Client fetches rendered pages through the Firecrawl scrape API. A
// single scrape returns the rendered HTML, the anchor list, and the
// canonical URL, so downstream stages never touch the target site
// directly.
type Client struct {
	baseURL string
	apiKey  string
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient validates cfg and returns a ready Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("firecrawl api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRPS
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}, nil
}

type scrapeRequest struct {
	URL             string         `json:"url"`
	Formats         []string       `json:"formats"`
	MaxAge          *int           `json:"maxAge,omitempty"`
	OnlyMainContent *bool          `json:"onlyMainContent,omitempty"`
	Actions         []scrapeAction `json:"actions,omitempty"`
}

type scrapeAction struct {
	Type         string `json:"type"`
	Milliseconds int    `json:"milliseconds,omitempty"`
}

type scrapeResponse struct {
	Success *bool      `json:"success"`
	Error   string     `json:"error"`
	Message string     `json:"message"`
	Data    scrapeData `json:"data"`
}

type scrapeData struct {
	HTML     string            `json:"html"`
	Links    []json.RawMessage `json:"links"`
	Metadata struct {
		SourceURL string `json:"sourceURL"`
		Canonical string `json:"canonical"`
	} `json:"metadata"`
}

// Fetch scrapes url and returns its rendered content. Rate limits,
// server errors, and timeouts come back retryable; client errors are
// definitive.
func (c *Client) Fetch(ctx context.Context, url string) (pipeline.PageContent, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return pipeline.PageContent{}, err
	}

	req := scrapeRequest{
		URL:             url,
		Formats:         []string{"html", "links"},
		MaxAge:          c.cfg.MaxAgeMS,
		OnlyMainContent: c.cfg.OnlyMainContent,
	}
	if c.cfg.WaitMS > 0 {
		req.Actions = []scrapeAction{{Type: "wait", Milliseconds: c.cfg.WaitMS}}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return pipeline.PageContent{}, fmt.Errorf("encode scrape request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/scrape", bytes.NewReader(body))
	if err != nil {
		return pipeline.PageContent{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return pipeline.PageContent{}, pipeline.Transient("firecrawl scrape", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return pipeline.PageContent{}, pipeline.Transient("firecrawl scrape", err)
		}
		return pipeline.PageContent{}, fmt.Errorf("firecrawl scrape: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return pipeline.PageContent{}, pipeline.Transient("firecrawl read body", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return pipeline.PageContent{}, pipeline.Transient("firecrawl scrape",
			fmt.Errorf("status %d: %s", resp.StatusCode, snippet(raw)))
	}
	if resp.StatusCode != http.StatusOK {
		return pipeline.PageContent{}, fmt.Errorf("firecrawl scrape: status %d: %s", resp.StatusCode, snippet(raw))
	}

	var decoded scrapeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return pipeline.PageContent{}, fmt.Errorf("decode scrape response for %s: %w; body starts %q", url, err, snippet(raw))
	}
	if decoded.Success != nil && !*decoded.Success {
		msg := decoded.Error
		if msg == "" {
			msg = decoded.Message
		}
		if msg == "" {
			msg = "scrape reported success=false"
		}
		return pipeline.PageContent{}, fmt.Errorf("firecrawl scrape %s: %s", url, msg)
	}

	canonical := decoded.Data.Metadata.SourceURL
	if canonical == "" {
		canonical = decoded.Data.Metadata.Canonical
	}
	page := pipeline.PageContent{
		HTML:         decoded.Data.HTML,
		Links:        normalizeLinks(decoded.Data.Links),
		CanonicalURL: canonical,
	}
	c.logger.Debug("page scraped",
		zap.String("url", url),
		zap.Int("html_bytes", len(page.HTML)),
		zap.Int("links", len(page.Links)),
	)
	return page, nil
}

// normalizeLinks accepts the two link shapes Firecrawl emits, bare href
// strings and objects with varying key names, and folds them into
// anchors. Entries with no usable href are dropped.
func normalizeLinks(raw []json.RawMessage) []pipeline.Anchor {
	anchors := make([]pipeline.Anchor, 0, len(raw))
	for _, item := range raw {
		var href string
		if err := json.Unmarshal(item, &href); err == nil {
			if href != "" {
				anchors = append(anchors, pipeline.Anchor{Href: href})
			}
			continue
		}
		var obj struct {
			Href  string `json:"href"`
			URL   string `json:"url"`
			Link  string `json:"link"`
			Text  string `json:"text"`
			Label string `json:"label"`
			Title string `json:"title"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			continue
		}
		href = firstNonEmpty(obj.Href, obj.URL, obj.Link)
		if href == "" {
			continue
		}
		anchors = append(anchors, pipeline.Anchor{
			Href: href,
			Text: firstNonEmpty(obj.Text, obj.Label, obj.Title),
		})
	}
	return anchors
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
