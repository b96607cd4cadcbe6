package service

import (
	"context"
	"sync"

	"impactos/internal/etl"
)

// ─────────────────────────────────────────────────────────────
// RunObserver: post-run notifications
// ─────────────────────────────────────────────────────────────

// RunObserver is notified once per finished run, whatever its status.
// metrics.Reporter implements it.
type RunObserver interface {
	RunFinished(ctx context.Context, res *etl.SyncResult)
}

// MockObserver is a test-friendly RunObserver that records all calls.
type MockObserver struct {
	mu      sync.Mutex
	Results []*etl.SyncResult
}

func (m *MockObserver) RunFinished(_ context.Context, res *etl.SyncResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Results = append(m.Results, res)
}

// Len returns the number of recorded runs.
func (m *MockObserver) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Results)
}

// Last returns the most recent recorded run, or nil.
func (m *MockObserver) Last() *etl.SyncResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Results) == 0 {
		return nil
	}
	return m.Results[len(m.Results)-1]
}
