package bamboohr

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/industrion/jobharvest/internal/pipeline"
)

// stubTransport serves canned bodies keyed on request path and counts
// hits so caching behavior is observable.
type stubTransport struct {
	responses map[string]string
	status    map[string]int
	hits      map[string]int
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	path := req.URL.Path
	if s.hits == nil {
		s.hits = make(map[string]int)
	}
	s.hits[path]++

	status := http.StatusOK
	if code, ok := s.status[path]; ok {
		status = code
	}
	body, ok := s.responses[path]
	if !ok && status == http.StatusOK {
		status = http.StatusNotFound
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Request:    req,
	}, nil
}

func newStubbedParser(t *testing.T, transport *stubTransport) *Parser {
	t.Helper()
	p := NewParser(time.Second, nil)
	p.http = &http.Client{Transport: transport}
	return p
}

func TestCanHandle(t *testing.T) {
	t.Parallel()

	p := NewParser(time.Second, nil)
	tests := []struct {
		url  string
		want bool
	}{
		{"https://acme.bamboohr.com/careers/42", true},
		{"https://acme.bamboohr.com/careers/42/detail", true},
		{"https://acme.bamboohr.com/careers/", false},
		{"https://acme.bamboohr.com/jobs/42", false},
		{"https://acme.com/careers/42", false},
		{"not a url", false},
		{"/careers/42", false},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, p.CanHandle(tc.url), tc.url)
	}
}

const detailPayload = `{
	"result": {
		"jobOpening": {
			"jobOpeningName": "Staff Engineer",
			"description": "<p>Build things.</p>",
			"employmentStatusLabel": "Full-Time",
			"locationType": "1",
			"jobOpeningShareUrl": "https://acme.bamboohr.com/careers/42",
			"location": {"city": "Austin", "state": "TX", "addressCountry": "United States"},
			"compensation": {"range": {"min": "120,000", "max": 150000}}
		}
	}
}`

const companyPayload = `{"result": {"name": "Acme Corp"}}`

func TestParseMapsPosting(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{responses: map[string]string{
		"/careers/42/detail":    detailPayload,
		"/careers/company-info": companyPayload,
	}}
	p := newStubbedParser(t, transport)

	fields, canonical, err := p.Parse(context.Background(), "https://acme.bamboohr.com/careers/42?src=board")
	require.NoError(t, err)
	require.Equal(t, "https://acme.bamboohr.com/careers/42", canonical)
	require.Equal(t, "Staff Engineer", fields.Title)
	require.Equal(t, "Acme Corp", fields.CompanyName)
	require.Equal(t, "Austin, TX, United States", fields.Location)
	require.NotNil(t, fields.RemoteOK)
	require.True(t, *fields.RemoteOK)
	require.Equal(t, "Full-Time", fields.JobType)
	require.Equal(t, "<p>Build things.</p>", fields.DescriptionHTML)
	require.NotNil(t, fields.MinSalary)
	require.Equal(t, 120000.0, *fields.MinSalary)
	require.NotNil(t, fields.MaxSalary)
	require.Equal(t, 150000.0, *fields.MaxSalary)
	require.Equal(t, "https://acme.bamboohr.com/careers/42", fields.ApplicationLink)
}

func TestParseCachesCompanyInfo(t *testing.T) {
	t.Parallel()

	transport := &stubTransport{responses: map[string]string{
		"/careers/42/detail":    detailPayload,
		"/careers/43/detail":    detailPayload,
		"/careers/company-info": companyPayload,
	}}
	p := newStubbedParser(t, transport)

	_, _, err := p.Parse(context.Background(), "https://acme.bamboohr.com/careers/42")
	require.NoError(t, err)
	_, _, err = p.Parse(context.Background(), "https://acme.bamboohr.com/careers/43")
	require.NoError(t, err)
	require.Equal(t, 1, transport.hits["/careers/company-info"])
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	t.Run("non bamboohr url", func(t *testing.T) {
		t.Parallel()
		p := NewParser(time.Second, nil)
		_, _, err := p.Parse(context.Background(), "https://acme.com/careers/42")
		require.Error(t, err)
	})

	t.Run("server error is transient", func(t *testing.T) {
		t.Parallel()
		transport := &stubTransport{status: map[string]int{"/careers/42/detail": http.StatusBadGateway}}
		p := newStubbedParser(t, transport)
		_, _, err := p.Parse(context.Background(), "https://acme.bamboohr.com/careers/42")
		require.Error(t, err)
		require.True(t, pipeline.IsTransient(err))
	})

	t.Run("missing opening is definitive", func(t *testing.T) {
		t.Parallel()
		transport := &stubTransport{responses: map[string]string{
			"/careers/42/detail": `{"result":{}}`,
		}}
		p := newStubbedParser(t, transport)
		_, _, err := p.Parse(context.Background(), "https://acme.bamboohr.com/careers/42")
		require.Error(t, err)
		require.False(t, pipeline.IsTransient(err))
	})
}

func TestMapLocationType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want *bool
	}{
		{"numeric remote", `1`, boolPtr(true)},
		{"string remote", `"1"`, boolPtr(true)},
		{"numeric onsite", `0`, boolPtr(false)},
		{"hybrid", `2`, nil},
		{"absent", ``, nil},
		{"null", `null`, nil},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := mapLocationType([]byte(tc.raw))
			if tc.want == nil {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.Equal(t, *tc.want, *got)
		})
	}
}

func TestCompensationBounds(t *testing.T) {
	t.Parallel()

	t.Run("inline bounds", func(t *testing.T) {
		t.Parallel()
		c := compensation{Min: []byte(`"90000"`), Max: []byte(`110000`)}
		min, max := c.bounds()
		require.NotNil(t, min)
		require.Equal(t, 90000.0, *min)
		require.NotNil(t, max)
		require.Equal(t, 110000.0, *max)
	})

	t.Run("range minimum maximum keys", func(t *testing.T) {
		t.Parallel()
		c := compensation{Range: &compRange{Minimum: []byte(`80000`), Maximum: []byte(`95000`)}}
		min, max := c.bounds()
		require.NotNil(t, min)
		require.Equal(t, 80000.0, *min)
		require.NotNil(t, max)
		require.Equal(t, 95000.0, *max)
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		min, max := compensation{}.bounds()
		require.Nil(t, min)
		require.Nil(t, max)
	})
}

func boolPtr(v bool) *bool { return &v }
