// Package sink holds the row destinations: Google Sheets for live runs,
// a CSV file for local output, and an in-memory sink for tests.
package sink

import (
	"context"
	"sync"

	"github.com/industrion/jobharvest/internal/pipeline"
)

// Memory collects appended rows in memory. It records the size of every
// Append call so tests can assert batching behavior.
type Memory struct {
	mu         sync.Mutex
	header     []string
	rows       [][]string
	BatchSizes []int
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) EnsureHeader(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.header == nil {
		m.header = append([]string(nil), pipeline.SinkHeader...)
	}
	return nil
}

func (m *Memory) Append(_ context.Context, rows [][]string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	m.BatchSizes = append(m.BatchSizes, len(rows))
	return len(rows), nil
}

// ExistingRows returns the data rows appended so far.
func (m *Memory) ExistingRows(_ context.Context) ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.rows...), nil
}

// Rows returns a copy of the appended rows.
func (m *Memory) Rows() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.rows...)
}

// HasHeader reports whether EnsureHeader ran.
func (m *Memory) HasHeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header != nil
}
