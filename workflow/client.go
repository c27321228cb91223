package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/evalgo/gasoline/db/kv"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Client is the engine's external surface: dispatch, signal,
// wait_for_workflow, and instance lookups. It also backs
// Context's sub_workflow primitive, which dispatches through the same
// path a hosting service would use.
type Client struct {
	Store    *kv.Store
	Registry *Registry
	Bus      MessageBus
	Cache    Cache
	Now      func() time.Time
	Logger   *logrus.Entry
	// Mirror, when set, receives best-effort wake/lease updates after
	// every KV commit so an external index (queue/redis) can answer
	// DueWorkflows without scanning bbolt. Nil disables mirroring.
	Mirror WakeMirror
}

// NewClient builds a Client. now defaults to time.Now if nil.
func NewClient(store *kv.Store, registry *Registry, bus MessageBus, cache Cache, logger *logrus.Entry, now func() time.Time) *Client {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{Store: store, Registry: registry, Bus: bus, Cache: cache, Now: now, Logger: logger}
}

// Dispatch allocates a workflow id, encodes input, and writes a Pending
// row atomically with a wake-now entry.
func (c *Client) Dispatch(name string, input any, tags map[string]string) (string, error) {
	raw, err := Encode(input)
	if err != nil {
		return "", err
	}
	return c.dispatchRaw(name, raw, tags, "", nil)
}

func (c *Client) dispatchRaw(name string, input json.RawMessage, tags map[string]string, parentID string, parentLoc Location) (string, error) {
	if _, ok := c.Registry.Workflow(name); !ok {
		return "", newError(ErrorKindUnknownHandler, fmt.Sprintf("workflow %q not registered", name), nil)
	}

	id := uuid.New().String()
	now := c.Now()
	inst := &Instance{
		ID:        id,
		Name:      name,
		Input:     input,
		CreateTS:  now,
		Tags:      tags,
		State:     StatePending,
		ParentID:  parentID,
		ParentLoc: parentLoc,
		WakeTS:    now,
	}

	err := c.Store.Transact(func(tx *kv.Tx) error {
		if err := putInstance(tx, inst); err != nil {
			return err
		}
		return setWakeIndex(tx, id, now)
	})
	if err != nil {
		return "", err
	}
	c.mirrorWake(id, now)
	return id, nil
}

// Signal sends name/body toward target, a workflow id or a tag set.
func (c *Client) Signal(target SignalTarget, name string, body any) error {
	raw, err := Encode(body)
	if err != nil {
		return err
	}
	now := c.Now()
	if _, err := SendSignal(c.Store, target, name, raw, now); err != nil {
		return err
	}
	if target.WorkflowID != "" {
		c.mirrorWake(target.WorkflowID, now)
	}
	return nil
}

// GetInstance reads a workflow row by id.
func (c *Client) GetInstance(id string) (*Instance, error) {
	var inst *Instance
	err := c.Store.View(func(tx *kv.Tx) error {
		raw, ok, err := tx.Get(kv.SubWorkflows, []byte(id))
		if err != nil {
			return err
		}
		if !ok {
			return newError(ErrorKindTransient, fmt.Sprintf("workflow %s not found", id), nil)
		}
		var i Instance
		if err := json.Unmarshal(raw, &i); err != nil {
			return err
		}
		inst = &i
		return nil
	})
	return inst, err
}

// WaitForWorkflow polls id until it reaches Complete (returning its
// output) or Dead (returning its recorded error), or ctx is done.
func (c *Client) WaitForWorkflow(ctx context.Context, id string, pollInterval time.Duration) (json.RawMessage, error) {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		inst, err := c.GetInstance(id)
		if err != nil {
			return nil, err
		}
		switch inst.State {
		case StateComplete:
			return inst.Output, nil
		case StateDead:
			return nil, newError(ErrorKindPermanent, fmt.Sprintf("workflow %s dead: %s", id, inst.ErrorMsg), nil)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func putInstance(tx *kv.Tx, inst *Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return tx.Set(kv.SubWorkflows, []byte(inst.ID), data)
}

// PassResult is what DriveOnce produces: the accumulated effect of
// running (or replaying) a workflow body to its next suspension point or
// to completion. The worker commits it atomically.
type PassResult struct {
	Instance  *Instance
	Events    []Event
	ToConsume []consumeRequest
	ToSend    []StoredSignal
	Yielded   bool
	Completed bool
	Output    json.RawMessage
	FailErr   error
}

// DriveOnce loads inst's history, builds a cursor, and runs its
// registered workflow body to the next yield or to completion. The
// pass's events, signal consumptions and sends, and the new instance
// state are not written here — CommitPass performs that durable write.
// The body's primitives still read the KV store during the pass (signal
// mailboxes, child instances), and SubWorkflow dispatches a new child in
// its own transaction.
func (c *Client) DriveOnce(goCtx context.Context, inst *Instance) (*PassResult, error) {
	meta, ok := c.Registry.Workflow(inst.Name)
	if !ok {
		return nil, newError(ErrorKindUnknownHandler, fmt.Sprintf("workflow %q not registered", inst.Name), nil)
	}

	events, err := ScanHistory(c.Store, inst.ID)
	if err != nil {
		return nil, err
	}

	p := &pass{
		instance: inst,
		cursor:   NewCursor(events),
		store:    c.Store,
		bus:      c.Bus,
		cache:    c.Cache,
		registry: c.Registry,
		client:   c,
		now:      c.Now,
		logger:   c.Logger,
	}
	root := newRootContext(goCtx, p)

	output, err := meta.Fn(root, inst.Input)

	result := &PassResult{
		Instance:  inst,
		Events:    p.recorded,
		ToConsume: p.toConsume,
		ToSend:    p.toSend,
	}

	if err != nil {
		if y, ok := IsYield(err); ok {
			_ = y
			result.Yielded = true
			if p.newState != "" {
				inst.State = p.newState
			}
			if p.newWakeTS != nil {
				inst.WakeTS = *p.newWakeTS
			}
			if p.newFilter != nil {
				inst.AwaitFilter = p.newFilter
			}
			return result, nil
		}
		result.FailErr = err
		return result, nil
	}

	completeLoc := root.nextLocation()
	root.record(Event{Location: completeLoc, Kind: KindWorkflowComplete, Body: output})
	result.Events = p.recorded
	result.Completed = true
	result.Output = output
	return result, nil
}

// MaxWorkflowRetries bounds how many failed passes a workflow tolerates
// before the worker marks it Dead. Failures are counted in ErrorCount,
// which a successful pass does not reset.
const MaxWorkflowRetries = 5

// CommitPass writes result atomically: every recorded event, consumed
// signals (re-validated so a racing consumer loses the commit instead of
// silently double-delivering; a signal has at most one consumer), the
// instance's new
// state/wake, and — on completion — the terminal WorkflowComplete event
// and output.
func (c *Client) CommitPass(result *PassResult) error {
	inst := result.Instance

	err := c.Store.Transact(func(tx *kv.Tx) error {
		for _, req := range result.ToConsume {
			if err := ConsumeSignal(tx, req.workflowID, req.signalID, req.loc); err != nil {
				return err
			}
		}
		for _, sig := range result.ToSend {
			if err := InsertSignal(tx, sig); err != nil {
				return err
			}
		}
		for _, ev := range result.Events {
			if err := AppendEvent(tx, inst.ID, ev); err != nil {
				return err
			}
		}
		if n := len(result.Events); n > 0 {
			inst.LastCursor = result.Events[n-1].Location
		}
		if err := clearLeaseRecord(tx, inst.ID); err != nil {
			return err
		}

		switch {
		case result.Completed:
			inst.State = StateComplete
			inst.Output = result.Output
			inst.CompletedTS = c.Now()
			if err := clearWakeIndex(tx, inst.ID); err != nil {
				return err
			}
			inst.LeaseOwner = ""
			inst.LeaseUntil = time.Time{}
		case result.FailErr != nil:
			if err := c.recordPassFailure(tx, inst, result.FailErr); err != nil {
				return err
			}
			inst.LeaseOwner = ""
			inst.LeaseUntil = time.Time{}
		case result.Yielded:
			inst.LeaseOwner = ""
			inst.LeaseUntil = time.Time{}
			if !inst.WakeTS.IsZero() {
				if err := setWakeIndex(tx, inst.ID, inst.WakeTS); err != nil {
					return err
				}
			}
			if inst.AwaitFilter != nil && len(inst.AwaitFilter.Tags) > 0 {
				if err := RegisterTagInterest(tx, HashTags(inst.AwaitFilter.Tags), inst.ID); err != nil {
					return err
				}
			}
		}

		return putInstance(tx, inst)
	})
	if err != nil {
		return err
	}

	c.mirrorClearLease(inst.ID)
	switch {
	case result.Completed:
		c.mirrorClearWake(inst.ID)
	case result.FailErr != nil:
		if inst.State == StateDead {
			c.mirrorClearWake(inst.ID)
		} else {
			c.mirrorWake(inst.ID, inst.WakeTS)
		}
	case result.Yielded:
		if !inst.WakeTS.IsZero() {
			c.mirrorWake(inst.ID, inst.WakeTS)
		}
	}
	for _, sig := range result.ToSend {
		if sig.Target.WorkflowID != "" {
			c.mirrorWake(sig.Target.WorkflowID, sig.CreateTS)
		}
	}
	return nil
}

// recordPassFailure applies one failed pass to inst: bump the error
// count, record the error, and either schedule a backoff retry or move
// the workflow to Dead once the retry budget is exhausted.
func (c *Client) recordPassFailure(tx *kv.Tx, inst *Instance, failErr error) error {
	inst.ErrorCount++
	inst.ErrorMsg = failErr.Error()
	var ee *EngineError
	if errors.As(failErr, &ee) {
		inst.ErrorKind = string(ee.Kind)
	}
	if inst.ErrorCount >= MaxWorkflowRetries {
		inst.State = StateDead
		inst.CompletedTS = c.Now()
		return clearWakeIndex(tx, inst.ID)
	}
	inst.State = StatePending
	next := c.Now().Add(time.Duration(inst.ErrorCount) * time.Second)
	inst.WakeTS = next
	return setWakeIndex(tx, inst.ID, next)
}

// FailPass records a pass that failed outside CommitPass — a panicking
// body, a drive error before any result was produced, or a commit that
// could not be written. The lease is dropped and the failure counts
// toward the workflow's retry budget, so a workflow whose every pass
// panics still reaches Dead instead of being re-leased forever.
func (c *Client) FailPass(workflowID string, failErr error) error {
	var inst Instance
	var found bool
	err := c.Store.Transact(func(tx *kv.Tx) error {
		raw, ok, err := tx.Get(kv.SubWorkflows, []byte(workflowID))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, &inst); err != nil {
			return fmt.Errorf("workflow: decode instance %s: %w", workflowID, err)
		}
		if inst.IsTerminal() {
			return nil
		}
		if err := clearLeaseRecord(tx, workflowID); err != nil {
			return err
		}
		inst.LeaseOwner = ""
		inst.LeaseUntil = time.Time{}
		if err := c.recordPassFailure(tx, &inst, failErr); err != nil {
			return err
		}
		found = true
		return putInstance(tx, &inst)
	})
	if err != nil || !found {
		return err
	}
	c.mirrorClearLease(workflowID)
	if inst.State == StateDead {
		c.mirrorClearWake(workflowID)
	} else {
		c.mirrorWake(workflowID, inst.WakeTS)
	}
	return nil
}
