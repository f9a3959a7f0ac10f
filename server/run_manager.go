package server

import (
	"context"
	"sync"
)

// RunManager tracks the cancel functions of in-flight runs so that
// cancel_run can reach a run started by another request. Entries are
// removed when the run's goroutine returns.
type RunManager struct {
	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

// NewRunManager creates an empty run manager.
func NewRunManager() *RunManager {
	return &RunManager{cancels: make(map[int64]context.CancelFunc)}
}

// Register stores the cancel function of a started run.
func (m *RunManager) Register(runID int64, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[runID] = cancel
}

// Unregister drops a finished run. The cancel function is invoked to
// release the context's resources; the run is already done by then.
func (m *RunManager) Unregister(runID int64) {
	m.mu.Lock()
	cancel := m.cancels[runID]
	delete(m.cancels, runID)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancel cancels a running run. Returns false when the run is not in
// flight on this process.
func (m *RunManager) Cancel(runID int64) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[runID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// CancelAll cancels every in-flight run. Used during shutdown.
func (m *RunManager) CancelAll() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for _, cancel := range m.cancels {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Active reports how many runs are in flight.
func (m *RunManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}
