package statemanager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManager_PassLifecycle(t *testing.T) {
	m := New(Config{ServiceName: "test-worker"})

	pass := m.StartPass("wf-1", "Echo", "w0")
	require.Equal(t, StatusRunning, pass.Status)

	m.CompletePass(pass.ID, OutcomeCompleted, nil)

	got := m.Pass(pass.ID)
	require.NotNil(t, got)
	require.Equal(t, StatusDone, got.Status)
	require.Equal(t, OutcomeCompleted, got.Outcome)
	require.NotNil(t, got.CompletedAt)
}

func TestManager_FailedPassRecordsError(t *testing.T) {
	m := New(Config{ServiceName: "test-worker"})

	pass := m.StartPass("wf-1", "Echo", "w0")
	m.CompletePass(pass.ID, OutcomeFailed, errors.New("commit rejected"))

	got := m.Pass(pass.ID)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "commit rejected", got.Error)
}

func TestManager_SamePassIDsAreUniquePerDrive(t *testing.T) {
	m := New(Config{ServiceName: "test-worker"})

	first := m.StartPass("wf-1", "Echo", "w0")
	second := m.StartPass("wf-1", "Echo", "w1")
	require.NotEqual(t, first.ID, second.ID)
	require.Len(t, m.ListPasses(), 2)
}

func TestManager_EvictsOldestAtCapacity(t *testing.T) {
	m := New(Config{ServiceName: "test-worker", MaxPasses: 2})

	first := m.StartPass("wf-1", "Echo", "w0")
	m.StartPass("wf-2", "Echo", "w0")
	m.StartPass("wf-3", "Echo", "w0")

	require.Nil(t, m.Pass(first.ID), "oldest pass should be evicted at capacity")
	require.Len(t, m.ListPasses(), 2)
}

func TestManager_StatsAggregate(t *testing.T) {
	m := New(Config{ServiceName: "test-worker"})

	p1 := m.StartPass("wf-1", "Echo", "w0")
	m.CompletePass(p1.ID, OutcomeCompleted, nil)
	p2 := m.StartPass("wf-2", "LoopTest", "w0")
	m.CompletePass(p2.ID, OutcomeYielded, nil)
	m.StartPass("wf-3", "LoopTest", "w1")

	stats := m.GetStats()
	require.Equal(t, 3, stats.TotalPasses)
	require.Equal(t, 2, stats.ByStatus[StatusDone])
	require.Equal(t, 1, stats.ByStatus[StatusRunning])
	require.Equal(t, 2, stats.ByWorkflow["LoopTest"])
	require.Equal(t, 1, stats.ByOutcome[OutcomeCompleted])
	require.NotEmpty(t, stats.AverageDuration)
}
