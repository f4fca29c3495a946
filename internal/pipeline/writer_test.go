package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSink records appends; optional failures make the first n Append
// (or EnsureHeader) calls fail with the given error.
type fakeSink struct {
	headerCalls        int
	batchSizes         []int
	rows               [][]string
	existing           [][]string
	failuresLeft       int
	headerFailuresLeft int
	failWith           error
}

func (f *fakeSink) EnsureHeader(_ context.Context) error {
	f.headerCalls++
	if f.headerFailuresLeft > 0 {
		f.headerFailuresLeft--
		return f.failWith
	}
	return nil
}

func (f *fakeSink) Append(_ context.Context, rows [][]string) (int, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return 0, f.failWith
	}
	f.batchSizes = append(f.batchSizes, len(rows))
	f.rows = append(f.rows, rows...)
	return len(rows), nil
}

func (f *fakeSink) ExistingRows(_ context.Context) ([][]string, error) {
	return f.existing, nil
}

func makeRecords(n int) []JobRecord {
	records := make([]JobRecord, n)
	for i := range records {
		records[i] = JobRecord{
			Title:           fmt.Sprintf("Engineer %d", i),
			CompanyName:     "Acme",
			JobType:         JobTypeFullTime,
			ApplicationLink: fmt.Sprintf("https://acme.com/jobs/%d", i),
		}
	}
	return records
}

func TestWriterChunksBatches(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	w := NewSinkWriter(sink, 500, NewRetryPolicy(), nil)
	require.NoError(t, w.EnsureHeader(context.Background()))

	appended, skipped, err := w.AppendRecords(context.Background(), makeRecords(1050))
	require.NoError(t, err)
	require.Equal(t, 1050, appended)
	require.Zero(t, skipped)
	require.Equal(t, []int{500, 500, 50}, sink.batchSizes)
}

func TestWriterGuardSkipsExistingRows(t *testing.T) {
	t.Parallel()

	records := makeRecords(3)
	sink := &fakeSink{existing: [][]string{records[1].Row()}}
	w := NewSinkWriter(sink, 500, NewRetryPolicy(), nil)
	require.NoError(t, w.EnsureHeader(context.Background()))

	appended, skipped, err := w.AppendRecords(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, 2, appended)
	require.Equal(t, 1, skipped)
}

func TestWriterGuardSkipsWithinRun(t *testing.T) {
	t.Parallel()

	records := makeRecords(2)
	records = append(records, records[0])
	sink := &fakeSink{}
	w := NewSinkWriter(sink, 500, NewRetryPolicy(), nil)
	require.NoError(t, w.EnsureHeader(context.Background()))

	appended, skipped, err := w.AppendRecords(context.Background(), records)
	require.NoError(t, err)
	require.Equal(t, 2, appended)
	require.Equal(t, 1, skipped)
}

func TestWriterRetriesTransientAppend(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{failuresLeft: 2, failWith: Transient("sheets append", errors.New("status 503"))}
	w := NewSinkWriter(sink, 500, NewRetryPolicyWith(3, time.Millisecond, 2*time.Millisecond), nil)
	require.NoError(t, w.EnsureHeader(context.Background()))

	appended, _, err := w.AppendRecords(context.Background(), makeRecords(10))
	require.NoError(t, err)
	require.Equal(t, 10, appended)
}

func TestWriterSurfacesDefinitiveAppendFailure(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{failuresLeft: 1, failWith: errors.New("status 403")}
	w := NewSinkWriter(sink, 500, NewRetryPolicyWith(3, time.Millisecond, 2*time.Millisecond), nil)
	require.NoError(t, w.EnsureHeader(context.Background()))

	_, _, err := w.AppendRecords(context.Background(), makeRecords(10))
	require.Error(t, err)
}
