package pipeline

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL for dedup comparison.
// It lowercases the scheme and host, removes default ports, drops fragments,
// sorts query parameters, and trims a trailing slash from the path.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	// Sorts query parameters
	q := u.Query()
	u.RawQuery = q.Encode()

	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// AbsolutizeAndDedupe resolves each candidate against base, keeps only
// http(s) URLs, and removes duplicates. Dedup compares normalized forms so
// that case, trailing-slash, and query-order variants collapse to one entry;
// the first absolutized spelling wins. Order is preserved.
func AbsolutizeAndDedupe(base string, candidates []string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		baseURL = nil
	}

	out := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || strings.HasPrefix(c, "#") {
			continue
		}
		ref, err := url.Parse(c)
		if err != nil {
			continue
		}
		abs := ref
		if baseURL != nil {
			abs = baseURL.ResolveReference(ref)
		}
		scheme := strings.ToLower(abs.Scheme)
		if scheme != "http" && scheme != "https" {
			continue
		}
		key, err := NormalizeURL(abs.String())
		if err != nil {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, abs.String())
	}
	return out
}
