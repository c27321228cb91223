package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evalgo/gasoline/examples"
	"github.com/evalgo/gasoline/worker"
	"github.com/evalgo/gasoline/workflow"
)

func newBackground() context.Context { return context.Background() }

func TestSweeper_ReclaimsExpiredLease(t *testing.T) {
	client := newTestClient(t)

	id, err := client.Dispatch("Echo", examples.EchoInput{Value: "x"}, nil)
	require.NoError(t, err)

	_, ok, err := client.TryAcquireLease(id, "stuck-worker", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	inst, err := client.GetInstance(id)
	require.NoError(t, err)
	require.Equal(t, workflow.StateLeased, inst.State)

	time.Sleep(20 * time.Millisecond)

	sweeper := worker.NewSweeper(client, worker.SweeperConfig{
		Interval:     time.Hour,
		Retention:    time.Hour,
		ReclaimBatch: 10,
		PurgeBatch:   10,
	})
	require.NoError(t, sweeper.Sweep(newBackground()))

	inst, err = client.GetInstance(id)
	require.NoError(t, err)
	require.Equal(t, workflow.StatePending, inst.State, "an expired lease must be reclaimed back to pending")
	require.Empty(t, inst.LeaseOwner)
}

func TestSweeper_PurgesTerminalWorkflowsPastRetention(t *testing.T) {
	client := newTestClient(t)

	id, err := client.Dispatch("Echo", examples.EchoInput{Value: "x"}, nil)
	require.NoError(t, err)

	inst, ok, err := client.TryAcquireLease(id, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := client.DriveOnce(newBackground(), inst)
	require.NoError(t, err)
	require.NoError(t, client.CommitPass(result))

	inst, err = client.GetInstance(id)
	require.NoError(t, err)
	require.Equal(t, workflow.StateComplete, inst.State)

	sweeper := worker.NewSweeper(client, worker.SweeperConfig{
		Interval:     time.Hour,
		Retention:    0,
		ReclaimBatch: 10,
		PurgeBatch:   10,
	})
	require.NoError(t, sweeper.Sweep(newBackground()))

	_, err = client.GetInstance(id)
	require.Error(t, err, "a purged workflow's row must no longer be readable")
}

func TestSweeper_RoutesTagAddressedSignalToListener(t *testing.T) {
	client := newTestClient(t)

	tags := map[string]string{"env": "prod"}
	id, err := client.Dispatch("SignalTest", struct{}{}, tags)
	require.NoError(t, err)

	inst, ok, err := client.TryAcquireLease(id, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	result, err := client.DriveOnce(newBackground(), inst)
	require.NoError(t, err)
	require.NoError(t, client.CommitPass(result))

	inst, err = client.GetInstance(id)
	require.NoError(t, err)
	require.Equal(t, workflow.StateAwaitingSignal, inst.State)
	require.Equal(t, tags, inst.AwaitFilter.Tags)

	require.NoError(t, client.Signal(workflow.ToTags(tags), "TestSignal", examples.TestSignal{Value: "tagged"}))

	sweeper := worker.NewSweeper(client, worker.SweeperConfig{
		Interval:     time.Hour,
		Retention:    time.Hour,
		ReclaimBatch: 10,
		PurgeBatch:   10,
	})
	require.NoError(t, sweeper.Sweep(newBackground()))

	inst, ok, err = client.TryAcquireLease(id, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	result, err = client.DriveOnce(newBackground(), inst)
	require.NoError(t, err)
	require.NoError(t, client.CommitPass(result))

	inst, err = client.GetInstance(id)
	require.NoError(t, err)
	require.Equal(t, workflow.StateComplete, inst.State)

	out, err := workflow.DecodeAs[string](inst.Output)
	require.NoError(t, err)
	require.Equal(t, "tagged", out)
}

func TestSweeper_DoesNotTouchFreshWorkflows(t *testing.T) {
	client := newTestClient(t)

	id, err := client.Dispatch("Echo", examples.EchoInput{Value: "x"}, nil)
	require.NoError(t, err)

	sweeper := worker.NewSweeper(client, worker.SweeperConfig{
		Interval:     time.Hour,
		Retention:    time.Hour,
		ReclaimBatch: 10,
		PurgeBatch:   10,
	})
	require.NoError(t, sweeper.Sweep(newBackground()))

	inst, err := client.GetInstance(id)
	require.NoError(t, err)
	require.Equal(t, workflow.StatePending, inst.State)
}
