package worker_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/gasoline/db/kv"
	"github.com/evalgo/gasoline/examples"
	redisindex "github.com/evalgo/gasoline/queue/redis"
	"github.com/evalgo/gasoline/worker"
	"github.com/evalgo/gasoline/workflow"
)

func newCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func newTestClient(t *testing.T) *workflow.Client {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry, err := examples.RegisterAll(workflow.NewBuilder()).Build()
	require.NoError(t, err)

	logger := logrus.NewEntry(logrus.New())
	return workflow.NewClient(store, registry, nil, nil, logger, nil)
}

func waitForTerminal(t *testing.T, client *workflow.Client, id string, timeout time.Duration) *workflow.Instance {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		inst, err := client.GetInstance(id)
		require.NoError(t, err)
		if inst.IsTerminal() {
			return inst
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach a terminal state within %s", id, timeout)
	return nil
}

func TestPool_DrivesDispatchedWorkflowToCompletion(t *testing.T) {
	client := newTestClient(t)

	id, err := client.Dispatch("Echo", examples.EchoInput{Value: "pooled"}, nil)
	require.NoError(t, err)

	pool := worker.NewPool(client, nil, nil, worker.Config{
		Concurrency:  2,
		LeaseTTL:     time.Second,
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
	})

	ctx, cancel := newCtx()
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	inst := waitForTerminal(t, client, id, 2*time.Second)
	require.Equal(t, workflow.StateComplete, inst.State)

	out, err := workflow.DecodeAs[string](inst.Output)
	require.NoError(t, err)
	require.Equal(t, "pooled", out)
}

func TestPool_TwoWorkersDoNotDoubleDriveOneWorkflow(t *testing.T) {
	client := newTestClient(t)

	id, err := client.Dispatch("LoopTest", examples.LoopTestInput{Iterations: 3}, nil)
	require.NoError(t, err)

	pool := worker.NewPool(client, nil, nil, worker.Config{
		Concurrency:  8,
		LeaseTTL:     time.Second,
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
	})

	ctx, cancel := newCtx()
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	inst := waitForTerminal(t, client, id, 2*time.Second)
	require.Equal(t, workflow.StateComplete, inst.State)

	out, err := workflow.DecodeAs[int](inst.Output)
	require.NoError(t, err)
	require.Equal(t, 3, out, "concurrent leasing must not let two workers race the same iteration count")
}

func TestPool_PanickingWorkflowCountsTowardRetryBudget(t *testing.T) {
	client := newTestClient(t)

	id, err := client.Dispatch("PanicTest", struct{}{}, nil)
	require.NoError(t, err)

	pool := worker.NewPool(client, nil, nil, worker.Config{
		Concurrency:  2,
		LeaseTTL:     time.Second,
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
	})

	ctx, cancel := newCtx()
	defer cancel()
	pool.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := client.GetInstance(id)
		require.NoError(t, err)
		if inst.ErrorCount >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	pool.Stop()

	inst, err := client.GetInstance(id)
	require.NoError(t, err)
	require.GreaterOrEqual(t, inst.ErrorCount, 1, "a panicking pass must count toward the retry budget")
	require.Contains(t, inst.ErrorMsg, "panic")
	require.Empty(t, inst.LeaseOwner, "a panicked pass must not leave its lease behind")
	require.NotEqual(t, workflow.StateLeased, inst.State)
	if inst.State != workflow.StateDead {
		require.True(t, inst.WakeTS.After(inst.CreateTS), "a retry with backoff must be scheduled")
	}
}

func TestPool_DrivesWorkflowViaRedisWakeMirror(t *testing.T) {
	client := newTestClient(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	idx, err := redisindex.NewIndex(redisindex.Config{RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	client.Mirror = idx

	id, err := client.Dispatch("Echo", examples.EchoInput{Value: "mirrored"}, nil)
	require.NoError(t, err)

	// The mirror is the pool's only wake source here: if dispatch did not
	// populate it, no worker would ever find the workflow.
	pool := worker.NewPool(client, idx, nil, worker.Config{
		Concurrency:  2,
		LeaseTTL:     time.Second,
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
	})

	ctx, cancel := newCtx()
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	inst := waitForTerminal(t, client, id, 2*time.Second)
	require.Equal(t, workflow.StateComplete, inst.State)

	out, err := workflow.DecodeAs[string](inst.Output)
	require.NoError(t, err)
	require.Equal(t, "mirrored", out)

	due, err := idx.DueWorkflows(context.Background(), time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.NotContains(t, due, id, "completion must clear the mirror entry")
}
