// Package statemanager tracks in-process execution-pass state for the
// worker pool: which workflows are being driven right now, how each pass
// ended, and aggregate timings. It is purely observational — the durable
// source of truth stays in the KV store.
package statemanager

import (
	"fmt"
	"sync"
	"time"
)

// Manager handles pass tracking for one worker process. Bounded: once
// maxPasses records exist, the oldest is evicted before a new pass is
// admitted.
type Manager struct {
	mu          sync.RWMutex
	passes      map[string]*PassState
	maxPasses   int
	serviceName string
	seq         uint64
}

// Config for creating a new Manager.
type Config struct {
	ServiceName string
	MaxPasses   int // Keep last N passes, default 1000
}

// New creates a pass-state manager.
func New(cfg Config) *Manager {
	if cfg.MaxPasses == 0 {
		cfg.MaxPasses = 1000
	}
	return &Manager{
		passes:      make(map[string]*PassState),
		maxPasses:   cfg.MaxPasses,
		serviceName: cfg.ServiceName,
	}
}

// StartPass records a new running pass of workflowID by workerID and
// returns it. The returned state's ID is unique per pass, not per
// workflow — the same workflow driven five times yields five records.
func (m *Manager) StartPass(workflowID, workflowName, workerID string) *PassState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.passes) >= m.maxPasses {
		m.evictOldest()
	}

	m.seq++
	pass := &PassState{
		ID:           fmt.Sprintf("%s#%d", workflowID, m.seq),
		ServiceName:  m.serviceName,
		WorkflowID:   workflowID,
		WorkflowName: workflowName,
		WorkerID:     workerID,
		Status:       StatusRunning,
		StartedAt:    time.Now(),
	}

	m.passes[pass.ID] = pass
	return pass
}

// CompletePass marks a pass finished with the given outcome; err, if
// non-nil, flips the status to failed and records the message.
func (m *Manager) CompletePass(id string, outcome Outcome, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pass, exists := m.passes[id]
	if !exists {
		return
	}
	now := time.Now()
	pass.CompletedAt = &now
	pass.Duration = now.Sub(pass.StartedAt).String()
	pass.Outcome = outcome

	if err != nil {
		pass.Status = StatusFailed
		pass.Error = err.Error()
	} else {
		pass.Status = StatusDone
	}
}

// Pass retrieves a pass by ID, or nil if it has been evicted.
func (m *Manager) Pass(id string) *PassState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pass, exists := m.passes[id]; exists {
		passCopy := *pass
		return &passCopy
	}
	return nil
}

// ListPasses returns a copy of every tracked pass.
func (m *Manager) ListPasses() []*PassState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*PassState, 0, len(m.passes))
	for _, pass := range m.passes {
		passCopy := *pass
		out = append(out, &passCopy)
	}
	return out
}

// GetStats returns aggregated statistics over the tracked passes.
func (m *Manager) GetStats() *PassStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &PassStats{
		TotalPasses: len(m.passes),
		ByStatus:    make(map[Status]int),
		ByOutcome:   make(map[Outcome]int),
		ByWorkflow:  make(map[string]int),
	}

	var totalDuration time.Duration
	var finishedCount int

	for _, pass := range m.passes {
		stats.ByStatus[pass.Status]++
		stats.ByWorkflow[pass.WorkflowName]++
		if pass.Outcome != "" {
			stats.ByOutcome[pass.Outcome]++
		}
		if pass.CompletedAt != nil {
			totalDuration += pass.CompletedAt.Sub(pass.StartedAt)
			finishedCount++
		}
	}

	if finishedCount > 0 {
		stats.AverageDuration = (totalDuration / time.Duration(finishedCount)).String()
	}

	return stats
}

// evictOldest removes the oldest pass (must be called with lock held).
func (m *Manager) evictOldest() {
	var oldestID string
	var oldestTime time.Time

	for id, pass := range m.passes {
		if oldestID == "" || pass.StartedAt.Before(oldestTime) {
			oldestID = id
			oldestTime = pass.StartedAt
		}
	}

	if oldestID != "" {
		delete(m.passes, oldestID)
	}
}
