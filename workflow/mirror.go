package workflow

import (
	"context"
	"time"
)

// WakeMirror is an optional fast external index mirroring the KV wake
// and lease state; queue/redis's Index satisfies it structurally.
// Mirror writes happen after the KV commit and are best-effort: the KV
// store stays the source of truth, so a missed mirror write can only
// delay a pickup until the mirror is rebuilt, never corrupt state.
type WakeMirror interface {
	MarkWake(ctx context.Context, workflowID string, wakeTS time.Time) error
	ClearWake(ctx context.Context, workflowID string) error
	MarkLeased(ctx context.Context, workflowID string, deadline time.Time) error
	ClearLease(ctx context.Context, workflowID string) error
}

func (c *Client) mirrorWake(workflowID string, ts time.Time) {
	if c.Mirror == nil {
		return
	}
	if err := c.Mirror.MarkWake(context.Background(), workflowID, ts); err != nil {
		c.Logger.WithError(err).WithField("workflow_id", workflowID).Warn("wake mirror update failed")
	}
}

func (c *Client) mirrorClearWake(workflowID string) {
	if c.Mirror == nil {
		return
	}
	if err := c.Mirror.ClearWake(context.Background(), workflowID); err != nil {
		c.Logger.WithError(err).WithField("workflow_id", workflowID).Warn("wake mirror clear failed")
	}
}

func (c *Client) mirrorLease(workflowID string, deadline time.Time) {
	if c.Mirror == nil {
		return
	}
	if err := c.Mirror.MarkLeased(context.Background(), workflowID, deadline); err != nil {
		c.Logger.WithError(err).WithField("workflow_id", workflowID).Warn("lease mirror update failed")
	}
}

func (c *Client) mirrorClearLease(workflowID string) {
	if c.Mirror == nil {
		return
	}
	if err := c.Mirror.ClearLease(context.Background(), workflowID); err != nil {
		c.Logger.WithError(err).WithField("workflow_id", workflowID).Warn("lease mirror clear failed")
	}
}
