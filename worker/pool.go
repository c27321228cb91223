// Package worker implements the worker loop and leaser: a pool
// of homogeneous workers that lease runnable workflows, drive them to
// their next suspension point via workflow.Client, and commit the result.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evalgo/gasoline/statemanager"
	"github.com/evalgo/gasoline/workflow"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// WakeSource abstracts however the worker finds due workflow ids: either
// the bbolt wake-index fallback (workflow.ScanDueWorkflows) or a faster
// external mirror (queue/redis's Index). Workers are homogeneous and
// don't care which is wired in.
type WakeSource interface {
	DueWorkflows(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

// boltWakeSource adapts workflow.ScanDueWorkflows (no external index
// configured) to WakeSource.
type boltWakeSource struct {
	client *workflow.Client
}

func (b *boltWakeSource) DueWorkflows(_ context.Context, now time.Time, limit int64) ([]string, error) {
	return workflow.ScanDueWorkflows(b.client.Store, now, int(limit))
}

// Config configures a Pool.
type Config struct {
	// Concurrency is the number of worker goroutines leasing and driving
	// workflows in parallel within this process.
	Concurrency int
	// LeaseTTL is how long a lease is held before another worker may
	// reclaim it. Leases are advisory and resolved at commit time.
	LeaseTTL time.Duration
	// PollInterval is how often an idle worker rescans the wake index.
	PollInterval time.Duration
	// BatchSize bounds how many due workflow ids one scan claims a shot
	// at per tick, so a saturated pool leaves rows for other workers.
	BatchSize int64
}

// DefaultConfig returns the worker pool defaults: 5 concurrent workers, a
// 30s lease TTL, and a 1s poll interval.
func DefaultConfig() Config {
	return Config{
		Concurrency:  5,
		LeaseTTL:     30 * time.Second,
		PollInterval: 1 * time.Second,
		BatchSize:    32,
	}
}

// Pool manages a set of workers all driving workflows through the same
// Client. Any worker may lease any workflow — fairness is approximate,
// governed only by wake-index scan order.
type Pool struct {
	client *workflow.Client
	wake   WakeSource
	stats  *statemanager.Manager
	config Config
	logger *logrus.Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool builds a Pool against client. If wake is nil, the pool falls
// back to scanning the bbolt wake index directly via client.Store.
func NewPool(client *workflow.Client, wake WakeSource, stats *statemanager.Manager, config Config) *Pool {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConfig().Concurrency
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if wake == nil {
		wake = &boltWakeSource{client: client}
	}
	if stats == nil {
		stats = statemanager.New(statemanager.Config{ServiceName: "gasoline-worker"})
	}
	return &Pool{
		client: client,
		wake:   wake,
		stats:  stats,
		config: config,
		logger: client.Logger,
		stopCh: make(chan struct{}),
	}
}

// Start launches Concurrency worker goroutines. It returns immediately;
// call Stop to shut the pool down.
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("concurrency", p.config.Concurrency).Info("starting workflow worker pool")

	for i := 0; i < p.config.Concurrency; i++ {
		w := &runner{
			id:     fmt.Sprintf("worker-%d-%s", i, uuid.New().String()[:8]),
			pool:   p,
			logger: p.logger.WithField("worker_id", fmt.Sprintf("w%d", i)),
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.loop(ctx)
		}()
	}
}

// Stop signals every worker goroutine to exit and waits for them to
// finish their current pass.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("workflow worker pool stopped")
}

// Stats returns the pool's in-process pass metrics (statemanager).
func (p *Pool) Stats() *statemanager.PassStats {
	return p.stats.GetStats()
}

// runner is one worker: it repeatedly scans for due workflows, tries to
// lease one, and drives it to its next suspension point.
type runner struct {
	id     string
	pool   *Pool
	logger *logrus.Entry
}

func (w *runner) loop(ctx context.Context) {
	ticker := time.NewTicker(w.pool.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.pool.stopCh:
			return
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				w.logger.WithError(err).Warn("worker tick failed")
			}
		}
	}
}

// tick scans for due workflows and drives as many as this worker can
// successfully lease in one pass.
func (w *runner) tick(ctx context.Context) error {
	now := w.pool.client.Now()
	ids, err := w.pool.wake.DueWorkflows(ctx, now, w.pool.config.BatchSize)
	if err != nil {
		return fmt.Errorf("worker: scan due workflows: %w", err)
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return nil
		case <-w.pool.stopCh:
			return nil
		default:
		}
		w.driveOne(ctx, id)
	}
	return nil
}

// driveOne leases id, runs one pass, and commits the result. Any failure
// to lease (already leased, terminal, gone) is not an error — it just
// means another worker got there first or there's nothing to do.
func (w *runner) driveOne(ctx context.Context, id string) {
	inst, ok, err := w.pool.client.TryAcquireLease(id, w.id, w.pool.config.LeaseTTL)
	if err != nil {
		w.logger.WithError(err).WithField("workflow_id", id).Warn("lease acquisition error")
		return
	}
	if !ok {
		return
	}

	passID := w.pool.stats.StartPass(id, inst.Name, w.id).ID
	outcome := statemanager.OutcomeYielded
	var passErr error
	defer func() {
		if r := recover(); r != nil {
			// A panicked pass counts toward the workflow's retry budget
			// like any other failed pass, so a body that panics every
			// time still reaches Dead instead of being re-leased forever.
			passErr = &workflow.EngineError{
				Kind: workflow.ErrorKindTransient,
				Msg:  fmt.Sprintf("panic driving workflow %s: %v", id, r),
			}
			w.pool.stats.CompletePass(passID, statemanager.OutcomePanicked, passErr)
			if failErr := w.pool.client.FailPass(id, passErr); failErr != nil {
				w.logger.WithError(failErr).Warn("failed to record panicked pass")
			}
			w.logger.WithField("workflow_id", id).WithField("panic", r).Error("workflow pass panicked")
			return
		}
		w.pool.stats.CompletePass(passID, outcome, passErr)
	}()

	result, err := w.pool.client.DriveOnce(ctx, inst)
	if err != nil {
		passErr = err
		outcome = statemanager.OutcomeFailed
		w.logger.WithError(err).WithField("workflow_id", id).Error("drive pass failed before producing a result")
		if failErr := w.pool.client.FailPass(id, err); failErr != nil {
			w.logger.WithError(failErr).Warn("failed to record failed pass")
		}
		return
	}

	if err := w.pool.client.CommitPass(result); err != nil {
		passErr = err
		outcome = statemanager.OutcomeFailed
		w.logger.WithError(err).WithField("workflow_id", id).Error("commit pass failed")
		if failErr := w.pool.client.FailPass(id, err); failErr != nil {
			w.logger.WithError(failErr).Warn("failed to record failed pass")
		}
		return
	}

	switch {
	case result.Completed:
		outcome = statemanager.OutcomeCompleted
		w.logger.WithField("workflow_id", id).Info("workflow completed")
	case result.FailErr != nil:
		passErr = result.FailErr
		outcome = statemanager.OutcomeFailed
		w.logger.WithError(result.FailErr).WithField("workflow_id", id).Warn("workflow pass failed")
	case result.Yielded:
		w.logger.WithField("workflow_id", id).Debug("workflow yielded")
	}
}
