package pipeline

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var remotePattern = regexp.MustCompile(`(?i)\b(remote|work from anywhere|wfh)\b`)

// DetectRemote scans page text for explicit remote-indicating terms.
// "Hybrid" alone does not count as remote. Used only to fill an unknown;
// it never overrides a definite model answer.
func DetectRemote(text string) bool {
	if text == "" {
		return false
	}
	return remotePattern.MatchString(text)
}

// NormalizeJobType maps free-text synonyms onto the closed enum. An exact
// enum value passes through; anything unmappable returns false.
func NormalizeJobType(value string) (JobType, bool) {
	switch JobType(strings.TrimSpace(value)) {
	case JobTypeFullTime, JobTypePartTime, JobTypeInternship:
		return JobType(strings.TrimSpace(value)), true
	}
	v := strings.ToLower(strings.TrimSpace(value))
	switch {
	case strings.Contains(v, "full-time"), strings.Contains(v, "full time"), strings.Contains(v, "permanent"):
		return JobTypeFullTime, true
	case strings.Contains(v, "part-time"), strings.Contains(v, "part time"):
		return JobTypePartTime, true
	case strings.Contains(v, "intern"), strings.Contains(v, "co-op"):
		return JobTypeInternship, true
	}
	return "", false
}

// SanitizeApplicationLink selects a usable application link. A mailto
// target is never acceptable; relative links resolve against the canonical
// URL (falling back to the job URL); anything else unusable falls back to
// the job page itself.
func SanitizeApplicationLink(link, jobURL, canonicalURL string) string {
	fallback := canonicalURL
	if fallback == "" {
		fallback = jobURL
	}

	candidate := strings.TrimSpace(link)
	if candidate == "" {
		return fallback
	}
	parsed, err := url.Parse(candidate)
	if err != nil {
		return fallback
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme == "mailto":
		return fallback
	case (scheme == "http" || scheme == "https") && parsed.Host != "":
		return candidate
	case scheme == "":
		base, err := url.Parse(fallback)
		if err != nil || base.Host == "" {
			return fallback
		}
		return base.ResolveReference(parsed).String()
	}
	return fallback
}

// Normalize applies the deterministic post-processing steps to raw model
// (or ATS) output and enforces the output invariants: a concrete remote
// boolean and a closed-enum job type. pageText is whatever page content is
// available for the remote heuristic.
func Normalize(raw RawJobFields, pageText, jobURL, canonicalURL, companyOverride string) (JobRecord, error) {
	remote := false
	if raw.RemoteOK != nil {
		remote = *raw.RemoteOK
	} else {
		remote = DetectRemote(pageText)
	}

	company := strings.TrimSpace(raw.CompanyName)
	if companyOverride != "" {
		company = companyOverride
	}

	jobType, ok := NormalizeJobType(raw.JobType)
	if !ok {
		return JobRecord{}, &SchemaError{
			Schema: SchemaJobFields,
			Detail: fmt.Sprintf("job_type %q does not map to the closed enum", raw.JobType),
		}
	}

	title := strings.TrimSpace(raw.Title)
	if title == "" || company == "" {
		return JobRecord{}, &SchemaError{
			Schema: SchemaJobFields,
			Detail: "title and company_name must be non-empty",
		}
	}

	return JobRecord{
		Title:           title,
		CompanyName:     company,
		Location:        strings.TrimSpace(raw.Location),
		RemoteOK:        remote,
		JobType:         jobType,
		DescriptionHTML: raw.DescriptionHTML,
		MinSalary:       raw.MinSalary,
		MaxSalary:       raw.MaxSalary,
		ApplicationLink: SanitizeApplicationLink(raw.ApplicationLink, jobURL, canonicalURL),
	}, nil
}
