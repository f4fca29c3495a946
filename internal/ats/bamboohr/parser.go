// Package bamboohr implements a deterministic fast path for
// BambooHR-hosted postings. The hosted careers site exposes JSON
// endpoints with everything the sink needs, so no model call is
// required for these URLs.
package bamboohr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/industrion/jobharvest/internal/pipeline"
)

var jobPathPattern = regexp.MustCompile(`^/careers/(\d+)(?:/.*)?$`)

// Parser resolves *.bamboohr.com job URLs against the hosted JSON API.
// Company info is fetched once per tenant and cached for the parser's
// lifetime.
type Parser struct {
	http   *http.Client
	logger *zap.Logger

	mu        sync.Mutex
	companies map[string]companyInfo
}

// NewParser returns a Parser with the given request timeout.
func NewParser(timeout time.Duration, logger *zap.Logger) *Parser {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
		companies: make(map[string]companyInfo),
	}
}

// CanHandle reports whether rawURL points at a BambooHR job posting.
func (p *Parser) CanHandle(rawURL string) bool {
	_, _, ok := splitJobURL(rawURL)
	return ok
}

// Parse fetches the posting detail and tenant company info and maps them
// onto raw job fields. The second return value is the canonical share
// URL when the tenant publishes one.
func (p *Parser) Parse(ctx context.Context, rawURL string) (pipeline.RawJobFields, string, error) {
	base, jobID, ok := splitJobURL(rawURL)
	if !ok {
		return pipeline.RawJobFields{}, "", fmt.Errorf("not a bamboohr job url: %s", rawURL)
	}

	var detail struct {
		Result struct {
			JobOpening jobOpening `json:"jobOpening"`
		} `json:"result"`
	}
	if err := p.getJSON(ctx, base+"/careers/"+jobID+"/detail", &detail); err != nil {
		return pipeline.RawJobFields{}, "", err
	}
	opening := detail.Result.JobOpening
	if opening.Name == "" && opening.ShareURL == "" {
		return pipeline.RawJobFields{}, "", errors.New("bamboohr detail payload missing jobOpening")
	}

	company, err := p.companyInfo(ctx, base)
	if err != nil {
		return pipeline.RawJobFields{}, "", err
	}

	fields := pipeline.RawJobFields{
		Title:           strings.TrimSpace(opening.Name),
		CompanyName:     strings.TrimSpace(company.Name),
		Location:        composeLocation(opening),
		RemoteOK:        mapLocationType(opening.LocationType),
		JobType:         strings.TrimSpace(opening.EmploymentStatusLabel),
		DescriptionHTML: opening.Description,
		ApplicationLink: opening.ShareURL,
	}
	fields.MinSalary, fields.MaxSalary = opening.Compensation.bounds()

	canonical := opening.ShareURL
	if canonical == "" {
		canonical = rawURL
	}
	p.logger.Debug("bamboohr posting parsed", zap.String("url", rawURL), zap.String("job_id", jobID))
	return fields, canonical, nil
}

func (p *Parser) companyInfo(ctx context.Context, base string) (companyInfo, error) {
	p.mu.Lock()
	cached, ok := p.companies[base]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	var payload struct {
		Result companyInfo `json:"result"`
	}
	if err := p.getJSON(ctx, base+"/careers/company-info", &payload); err != nil {
		return companyInfo{}, err
	}
	if payload.Result.Name == "" {
		return companyInfo{}, errors.New("bamboohr company info missing result")
	}

	p.mu.Lock()
	p.companies[base] = payload.Result
	p.mu.Unlock()
	return payload.Result, nil
}

func (p *Parser) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return pipeline.Transient("bamboohr fetch", err)
		}
		return fmt.Errorf("bamboohr fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return pipeline.Transient("bamboohr read body", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return pipeline.Transient("bamboohr fetch", fmt.Errorf("status %d from %s", resp.StatusCode, u))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bamboohr fetch %s: status %d", u, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return fmt.Errorf("bamboohr %s: invalid json: %w; snippet %q", u, err, snippet)
	}
	return nil
}

func splitJobURL(rawURL string) (base, jobID string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if !strings.HasSuffix(strings.ToLower(u.Host), ".bamboohr.com") {
		return "", "", false
	}
	m := jobPathPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return "", "", false
	}
	return u.Scheme + "://" + u.Host, m[1], true
}

type jobOpening struct {
	Name                  string          `json:"jobOpeningName"`
	Description           string          `json:"description"`
	EmploymentStatusLabel string          `json:"employmentStatusLabel"`
	LocationType          json.RawMessage `json:"locationType"`
	ShareURL              string          `json:"jobOpeningShareUrl"`
	Location              atsLocation     `json:"location"`
	ATSLocation           atsLocation     `json:"atsLocation"`
	Compensation          compensation    `json:"compensation"`
}

type companyInfo struct {
	Name string `json:"name"`
}

type atsLocation struct {
	City           string `json:"city"`
	State          string `json:"state"`
	Province       string `json:"province"`
	AddressCountry string `json:"addressCountry"`
	Country        string `json:"country"`
}

// mapLocationType decodes the tenant location-type flag: 1 is remote, 0
// is on-site, 2 and anything else stays unknown. The API serves it as
// either a number or a string.
func mapLocationType(raw json.RawMessage) *bool {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	switch s {
	case "1":
		v := true
		return &v
	case "0":
		v := false
		return &v
	default:
		return nil
	}
}

func composeLocation(opening jobOpening) string {
	city := firstNonEmpty(opening.Location.City, opening.ATSLocation.City)
	state := firstNonEmpty(opening.Location.State, opening.ATSLocation.State, opening.ATSLocation.Province)
	country := firstNonEmpty(opening.Location.AddressCountry, opening.ATSLocation.Country)

	parts := make([]string, 0, 3)
	for _, part := range []string{city, state} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if country != "" && !contains(parts, country) {
		parts = append(parts, country)
	}
	return strings.Join(parts, ", ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func contains(parts []string, v string) bool {
	for _, p := range parts {
		if p == v {
			return true
		}
	}
	return false
}

// compensation tolerates the two layouts tenants publish: bounds nested
// under "range" or inlined, with numeric or string values.
type compensation struct {
	Range *compRange      `json:"range"`
	Min   json.RawMessage `json:"min"`
	Max   json.RawMessage `json:"max"`
}

type compRange struct {
	Min     json.RawMessage `json:"min"`
	Max     json.RawMessage `json:"max"`
	Minimum json.RawMessage `json:"minimum"`
	Maximum json.RawMessage `json:"maximum"`
}

func (c compensation) bounds() (min, max *float64) {
	if c.Range != nil {
		return coerceNumber(c.Range.Min, c.Range.Minimum), coerceNumber(c.Range.Max, c.Range.Maximum)
	}
	return coerceNumber(c.Min), coerceNumber(c.Max)
}

func coerceNumber(candidates ...json.RawMessage) *float64 {
	for _, raw := range candidates {
		s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
		if s == "" || s == "null" {
			continue
		}
		s = strings.ReplaceAll(s, ",", "")
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return &v
		}
	}
	return nil
}
