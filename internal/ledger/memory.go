// Package ledger provides the append-only seen-job store behind dedup:
// an in-memory map for tests and dry runs, Postgres for durable
// deployments, and Redis when several workers share one ledger.
package ledger

import (
	"context"
	"sync"

	"github.com/industrion/jobharvest/internal/pipeline"
)

// Memory is a process-local ledger. Safe for concurrent use.
type Memory struct {
	mu           sync.Mutex
	urls         map[string]struct{}
	fingerprints map[string]struct{}
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		urls:         make(map[string]struct{}),
		fingerprints: make(map[string]struct{}),
	}
}

func (m *Memory) SeenURL(_ context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.urls[url]
	return ok, nil
}

func (m *Memory) SeenFingerprint(_ context.Context, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.fingerprints[fingerprint]
	return ok, nil
}

// Mark records the entry and reports whether this call was the first to
// claim its fingerprint. The check and the insert happen under one lock,
// so exactly one of any set of concurrent callers observes true.
func (m *Memory) Mark(_ context.Context, entry pipeline.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fingerprints[entry.Fingerprint]; ok {
		return false, nil
	}
	m.fingerprints[entry.Fingerprint] = struct{}{}
	m.urls[entry.URL] = struct{}{}
	return true, nil
}
