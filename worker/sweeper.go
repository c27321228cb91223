package worker

import (
	"context"
	"time"

	"github.com/evalgo/gasoline/workflow"
	"github.com/sirupsen/logrus"
)

// SweeperConfig configures the GC/timeout sweeper.
type SweeperConfig struct {
	// Interval is how often the sweeper runs one pass.
	Interval time.Duration
	// Retention is how long a Complete/Dead workflow's events and row
	// stay around before PurgeWorkflow removes them.
	Retention time.Duration
	// ReclaimBatch bounds how many expired leases one pass reclaims.
	ReclaimBatch int
	// PurgeBatch bounds how many terminal workflows one pass purges.
	PurgeBatch int
}

// DefaultSweeperConfig sweeps every second with a conservative 24h
// retention window.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:     1 * time.Second,
		Retention:    24 * time.Hour,
		ReclaimBatch: 100,
		PurgeBatch:   50,
	}
}

// Sweeper runs the engine's periodic housekeeping pass:
// reclaiming expired leases, routing tag-addressed signals to the
// workflows listening for them, and purging terminal workflows whose
// retention window has elapsed.
type Sweeper struct {
	client *workflow.Client
	config SweeperConfig
	logger *logrus.Entry
	stopCh chan struct{}
}

// NewSweeper builds a Sweeper driving client.
func NewSweeper(client *workflow.Client, config SweeperConfig) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultSweeperConfig().Interval
	}
	// Zero retention is a valid choice (purge terminal workflows on the
	// next sweep); only a negative value falls back to the default.
	if config.Retention < 0 {
		config.Retention = DefaultSweeperConfig().Retention
	}
	if config.ReclaimBatch <= 0 {
		config.ReclaimBatch = DefaultSweeperConfig().ReclaimBatch
	}
	if config.PurgeBatch <= 0 {
		config.PurgeBatch = DefaultSweeperConfig().PurgeBatch
	}
	return &Sweeper{
		client: client,
		config: config,
		logger: client.Logger.WithField("component", "sweeper"),
		stopCh: make(chan struct{}),
	}
}

// Start runs the sweeper's ticker loop in a new goroutine until ctx is
// done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.Sweep(ctx); err != nil {
					s.logger.WithError(err).Warn("sweep pass failed")
				}
			}
		}
	}()
}

// Stop signals the sweeper's loop to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

// Sweep runs one housekeeping pass synchronously: reclaim expired
// leases, route pending tag signals, and purge retention-expired
// terminal workflows.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.client.Now()

	if err := s.reclaimExpiredLeases(now); err != nil {
		return err
	}
	if err := s.routeTagSignals(ctx, now); err != nil {
		return err
	}
	if err := s.purgeRetired(ctx, now); err != nil {
		return err
	}
	return nil
}

// reclaimExpiredLeases clears the lease on every workflow whose
// leases/(id) record has passed its TTL, returning it to Pending so the
// wake index makes it available to any worker again. Leases are
// advisory and cooperative; expiry never cancels a running pass, it
// only lets another worker win the next commit.
func (s *Sweeper) reclaimExpiredLeases(now time.Time) error {
	ids, err := workflow.ScanExpiredLeases(s.client.Store, now)
	if err != nil {
		return err
	}
	if len(ids) > s.config.ReclaimBatch {
		ids = ids[:s.config.ReclaimBatch]
	}
	for _, id := range ids {
		if err := s.client.ReleaseLease(id); err != nil {
			s.logger.WithError(err).WithField("workflow_id", id).Warn("failed to reclaim expired lease")
			continue
		}
		s.logger.WithField("workflow_id", id).Info("reclaimed expired lease")
	}
	return nil
}

// routeTagSignals scans workflows awaiting a tag-addressed signal and,
// for each, tries to match an unconsumed signal under its tag hash into
// its own mailbox. All tag matching runs through this single sweeper
// pass so routing has one writer; the first matching listener in KV
// scan order wins.
func (s *Sweeper) routeTagSignals(ctx context.Context, now time.Time) error {
	listeners, err := workflow.PendingTagListeners(s.client.Store)
	if err != nil {
		return err
	}
	for _, inst := range listeners {
		tagHash := workflow.HashTags(inst.AwaitFilter.Tags)
		routed, err := workflow.RouteTagSignal(s.client.Store, tagHash, inst.AwaitFilter.SignalName, inst.ID, now)
		if err != nil {
			s.logger.WithError(err).WithField("workflow_id", inst.ID).Warn("tag signal routing failed")
			continue
		}
		if routed {
			if s.client.Mirror != nil {
				if err := s.client.Mirror.MarkWake(ctx, inst.ID, now); err != nil {
					s.logger.WithError(err).WithField("workflow_id", inst.ID).Warn("wake mirror update failed")
				}
			}
			s.logger.WithField("workflow_id", inst.ID).WithField("signal", inst.AwaitFilter.SignalName).Info("routed tag signal")
		}
	}
	return nil
}

// purgeRetired deletes the durable state of any Complete/Dead workflow
// whose retention window has elapsed.
func (s *Sweeper) purgeRetired(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.config.Retention)
	ids, err := workflow.TerminalBefore(s.client.Store, cutoff, s.config.PurgeBatch)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := workflow.PurgeWorkflow(s.client.Store, id); err != nil {
			s.logger.WithError(err).WithField("workflow_id", id).Warn("purge failed")
			continue
		}
		if s.client.Mirror != nil {
			if err := s.client.Mirror.ClearWake(ctx, id); err != nil {
				s.logger.WithError(err).WithField("workflow_id", id).Warn("wake mirror clear failed")
			}
			if err := s.client.Mirror.ClearLease(ctx, id); err != nil {
				s.logger.WithError(err).WithField("workflow_id", id).Warn("lease mirror clear failed")
			}
		}
		s.logger.WithField("workflow_id", id).Debug("purged retired workflow")
	}
	return nil
}
