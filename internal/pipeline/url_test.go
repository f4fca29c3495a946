package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Acme.COM/Jobs", "https://acme.com/Jobs"},
		{"strips default https port", "https://acme.com:443/jobs", "https://acme.com/jobs"},
		{"strips default http port", "http://acme.com:80/jobs", "http://acme.com/jobs"},
		{"drops fragment", "https://acme.com/jobs#apply", "https://acme.com/jobs"},
		{"sorts query params", "https://acme.com/jobs?b=2&a=1", "https://acme.com/jobs?a=1&b=2"},
		{"trims trailing slash", "https://acme.com/jobs/", "https://acme.com/jobs"},
		{"keeps root slash", "https://acme.com/", "https://acme.com/"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestAbsolutizeAndDedupe(t *testing.T) {
	t.Parallel()

	base := "https://acme.com/careers"
	candidates := []string{
		"/jobs/1",
		"https://acme.com/jobs/2",
		"HTTPS://ACME.COM/jobs/1", // case variant of the first
		"https://acme.com/jobs/2/",
		"https://acme.com/jobs/3?b=2&a=1",
		"https://acme.com/jobs/3?a=1&b=2", // query-order variant
		"mailto:jobs@acme.com",
		"tel:+15551234",
		"javascript:void(0)",
		"#openings",
		"",
	}

	got := AbsolutizeAndDedupe(base, candidates)
	require.Equal(t, []string{
		"https://acme.com/jobs/1",
		"https://acme.com/jobs/2",
		"https://acme.com/jobs/3?b=2&a=1",
	}, got)
}

func TestAbsolutizeAndDedupeKeepsFirstSpelling(t *testing.T) {
	t.Parallel()

	got := AbsolutizeAndDedupe("https://acme.com", []string{
		"https://acme.com/jobs/9/",
		"https://acme.com/jobs/9",
	})
	require.Equal(t, []string{"https://acme.com/jobs/9/"}, got)
}
