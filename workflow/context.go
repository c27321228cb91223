package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evalgo/gasoline/db/kv"
	"github.com/sirupsen/logrus"
)

// MessageBus is the send-only, best-effort publish interface the
// message primitive uses. Subject naming is opaque to the
// engine; queue.Bus satisfies this structurally.
type MessageBus interface {
	Publish(subject string, body []byte) error
}

// Cache is the keyed-lookup-with-single-flight interface available to
// activities only; cache.Cache satisfies this structurally.
type Cache interface {
	GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func() ([]byte, error)) ([]byte, error)
}

// YieldError is returned by a primitive that suspended the workflow body
// at this point in a live pass: sleep, listen, listen_with_timeout, and
// sub_workflow when awaiting completion. The worker distinguishes it from
// an ordinary error and commits the accumulated events + new state
// instead of treating the pass as failed.
type YieldError struct {
	Reason string
}

func (y *YieldError) Error() string { return "workflow: yield: " + y.Reason }

// IsYield reports whether err is a YieldError.
func IsYield(err error) (*YieldError, bool) {
	y, ok := err.(*YieldError)
	return y, ok
}

// pass holds the state shared by every Context nested within one
// worker-driven execution of a workflow body: the recorded-so-far events
// (for replay lookups), the events this live pass appends, and the
// collaborators (store/bus/cache/registry) a primitive needs.
type pass struct {
	instance   *Instance
	cursor     *Cursor
	recorded   []Event
	toConsume  []consumeRequest
	toSend     []StoredSignal
	newWakeTS  *time.Time
	newState   State
	newFilter  *SignalFilter
	store      *kv.Store
	bus        MessageBus
	cache      Cache
	registry   *Registry
	client     *Client
	now        func() time.Time
	logger     *logrus.Entry
	stateStore map[string]any
}

type consumeRequest struct {
	signalID   string
	workflowID string
	loc        Location
}

// Context is the workflow body's view into one primitive-call scope. A
// fresh root Context is built at Location{} for each pass; entering a
// loop or listen_with_timeout branch produces a child Context via
// withChild, which shares the pass but has its own location prefix
// and counter.
type Context struct {
	p       *pass
	prefix  Location
	counter uint32
	goCtx   context.Context
}

func newRootContext(goCtx context.Context, p *pass) *Context {
	return &Context{p: p, prefix: Root(), counter: 0, goCtx: goCtx}
}

func (c *Context) withChild(loc Location) *Context {
	return &Context{p: c.p, prefix: loc, counter: 0, goCtx: c.goCtx}
}

// nextLocation consumes and returns the next location at this context's
// level.
func (c *Context) nextLocation() Location {
	loc := c.prefix.Append(c.counter)
	c.counter++
	return loc
}

// Context returns the underlying go context (for cancellation-aware
// calls a primitive makes, e.g. bus publish).
func (c *Context) Context() context.Context { return c.goCtx }

// WorkflowID returns the id of the workflow this context belongs to.
func (c *Context) WorkflowID() string { return c.p.instance.ID }

func (c *Context) record(ev Event) {
	ev.CreateTS = c.p.now()
	c.p.recorded = append(c.p.recorded, ev)
}

// replaying reports whether loc has a recorded event and returns it.
func (c *Context) replaying(loc Location) (Event, bool) {
	return c.p.cursor.Lookup(loc)
}

// Activity invokes the named registered activity with input, returning
// its decoded output. See activity.go for the retry/timeout policy.
func Activity[I any, O any](c *Context, name string, input I) (O, error) {
	var zero O
	loc := c.nextLocation()

	rawInput, err := Encode(input)
	if err != nil {
		return zero, err
	}

	if recorded, ok := c.replaying(loc); ok {
		switch recorded.Kind {
		case KindActivityOutput:
			out, err := DecodeAs[O](recorded.Body)
			return out, err
		case KindActivityError:
			return zero, newError(ErrorKindPermanent, fmt.Sprintf("activity %q recorded terminal failure", name), nil)
		default:
			return zero, expectKind(loc, recorded.Kind, KindActivityOutput, KindActivityError)
		}
	}

	meta, ok := c.p.registry.Activity(name)
	if !ok {
		return zero, newError(ErrorKindUnknownHandler, fmt.Sprintf("activity %q not registered", name), nil)
	}

	c.record(Event{Location: loc, Kind: KindActivityStart, Body: newActivityStartBody(rawInput)})

	actx := &ActivityContext{
		WorkflowID: c.WorkflowID(),
		Store:      c.p.store,
		Cache:      c.p.cache,
		Logger:     c.p.logger,
	}
	output, attemptEvents, err := runActivity(c.goCtx, meta, actx, rawInput)
	// Every retried attempt before the last gets its own sub-location.
	// ActivityStart only transitions to a terminal ActivityOutput or
	// ActivityError at loc itself; a second ActivityError landing on top of
	// the first at loc is not a recognized completion and would
	// divergence-fault the next attempt instead of retrying it. On failure
	// the final attempt's ActivityError completes the ActivityStart at loc;
	// on success there is no terminal error, so every entry is a sub-event.
	for i, ae := range attemptEvents {
		if err != nil && i == len(attemptEvents)-1 {
			ae.Location = loc
		} else {
			ae.Location = loc.Append(uint32(ae.Attempt))
		}
		c.record(ae)
	}
	if err != nil {
		return zero, err
	}

	c.record(Event{Location: loc, Kind: KindActivityOutput, Body: output})
	out, err := DecodeAs[O](output)
	return out, err
}

// Sleep suspends the workflow until duration has elapsed. First call
// records SleepStart and yields; the resuming pass (woken by the wake
// index once the deadline has passed) records SleepComplete and returns.
func (c *Context) Sleep(duration time.Duration) error {
	loc := c.nextLocation()

	if recorded, ok := c.replaying(loc); ok {
		switch recorded.Kind {
		case KindSleepComplete:
			return nil
		case KindSleepStart:
			deadline := c.p.now()
			if err := json.Unmarshal(recorded.Body, &deadline); err == nil && !c.p.now().Before(deadline) {
				c.record(Event{Location: loc, Kind: KindSleepComplete})
				return nil
			}
			return c.yieldSleeping(deadline, "resuming sleep")
		default:
			return expectKind(loc, recorded.Kind, KindSleepStart, KindSleepComplete)
		}
	}

	deadline := c.p.now().Add(duration)
	body, _ := json.Marshal(deadline)
	c.record(Event{Location: loc, Kind: KindSleepStart, Body: body})
	return c.yieldSleeping(deadline, "sleep")
}

func (c *Context) yieldSleeping(deadline time.Time, reason string) error {
	c.p.newState = StateSleeping
	c.p.newWakeTS = &deadline
	return &YieldError{Reason: reason}
}

// Listen waits for a signal named name addressed directly to this
// workflow (or funneled into its mailbox by the tag matcher), returning
// its decoded body.
func Listen[S any](c *Context, name string) (S, error) {
	var zero S
	loc := c.nextLocation()

	if recorded, ok := c.replaying(loc); ok {
		if recorded.Kind != KindSignalReceived {
			return zero, expectKind(loc, recorded.Kind, KindSignalReceived)
		}
		out, err := DecodeAs[S](recorded.Body)
		return out, err
	}

	sig, err := FindUnconsumedForWorkflow(c.p.store, c.WorkflowID(), name)
	if err != nil {
		return zero, err
	}
	if sig == nil {
		c.p.newState = StateAwaitingSignal
		c.p.newFilter = &SignalFilter{SignalName: name, Tags: c.p.instance.Tags}
		return zero, &YieldError{Reason: "awaiting signal " + name}
	}

	c.p.toConsume = append(c.p.toConsume, consumeRequest{signalID: sig.ID, workflowID: c.WorkflowID(), loc: loc})
	c.record(Event{Location: loc, Kind: KindSignalReceived, Body: sig.Body})
	out, err := DecodeAs[S](sig.Body)
	return out, err
}

// ListenWithTimeoutResult is the outcome of ListenWithTimeout: either a
// decoded signal body, or TimedOut=true if none arrived in time.
type ListenWithTimeoutResult[S any] struct {
	Value   S
	TimedOut bool
}

// ListenWithTimeout is Listen bounded by a deadline; on expiry it returns
// TimedOut=true instead of yielding forever.
func ListenWithTimeout[S any](c *Context, name string, timeout time.Duration) (ListenWithTimeoutResult[S], error) {
	var result ListenWithTimeoutResult[S]
	branchLoc := c.nextLocation()
	child := c.withChild(branchLoc)

	signalLoc := child.nextLocation()
	if recorded, ok := child.replaying(signalLoc); ok {
		if recorded.Kind == KindSignalReceived {
			out, err := DecodeAs[S](recorded.Body)
			result.Value = out
			return result, err
		}
		if recorded.Kind != KindSleepStart && recorded.Kind != KindSleepComplete {
			return result, expectKind(signalLoc, recorded.Kind, KindSignalReceived, KindSleepStart, KindSleepComplete)
		}
	} else {
		sig, err := FindUnconsumedForWorkflow(child.p.store, child.WorkflowID(), name)
		if err != nil {
			return result, err
		}
		if sig != nil {
			child.p.toConsume = append(child.p.toConsume, consumeRequest{signalID: sig.ID, workflowID: child.WorkflowID(), loc: signalLoc})
			child.record(Event{Location: signalLoc, Kind: KindSignalReceived, Body: sig.Body})
			out, err := DecodeAs[S](sig.Body)
			result.Value = out
			return result, err
		}
	}

	timeoutLoc := child.nextLocation()
	if recorded, ok := child.replaying(timeoutLoc); ok {
		switch recorded.Kind {
		case KindSleepComplete:
			result.TimedOut = true
			return result, nil
		case KindSleepStart:
			var deadline time.Time
			if err := json.Unmarshal(recorded.Body, &deadline); err == nil && !child.p.now().Before(deadline) {
				child.record(Event{Location: timeoutLoc, Kind: KindSleepComplete})
				result.TimedOut = true
				return result, nil
			}
			return result, child.yieldSleeping(deadline, "resuming listen_with_timeout")
		default:
			return result, expectKind(timeoutLoc, recorded.Kind, KindSleepStart, KindSleepComplete)
		}
	}

	deadline := child.p.now().Add(timeout)
	body, _ := json.Marshal(deadline)
	child.record(Event{Location: timeoutLoc, Kind: KindSleepStart, Body: body})
	child.p.newState = StateAwaitingSignal
	child.p.newFilter = &SignalFilter{SignalName: name, Tags: child.p.instance.Tags}
	child.p.newWakeTS = &deadline
	return result, &YieldError{Reason: "listen_with_timeout " + name}
}

// LoopOutcome is returned by a Loop body to indicate whether iteration
// should continue.
type LoopOutcome int

const (
	Continue LoopOutcome = iota
	Break
)

// Loop runs body once per iteration, each under its own child Location,
// until body returns Break. On replay it re-enters every recorded
// iteration in order, whose primitives then replay from history; prior
// iterations are not skipped. A recorded LoopBreak ends the loop without
// re-entering that iteration.
func Loop(c *Context, body func(iter *Context, n int) (LoopOutcome, error)) error {
	branchLoc := c.nextLocation()
	child := c.withChild(branchLoc)

	for n := 0; ; n++ {
		iterLoc := child.nextLocation()
		if recorded, ok := child.replaying(iterLoc); ok {
			switch recorded.Kind {
			case KindLoopBreak:
				return nil
			case KindLoopIter:
				iterCtx := child.withChild(iterLoc)
				if _, err := body(iterCtx, n); err != nil {
					return err
				}
				continue
			default:
				return expectKind(iterLoc, recorded.Kind, KindLoopIter, KindLoopBreak)
			}
		}

		iterCtx := child.withChild(iterLoc)
		outcome, err := body(iterCtx, n)
		if err != nil {
			return err
		}
		if outcome == Break {
			child.record(Event{Location: iterLoc, Kind: KindLoopBreak})
			return nil
		}
		child.record(Event{Location: iterLoc, Kind: KindLoopIter})
	}
}

// SubWorkflow dispatches a child workflow and suspends until it
// completes, returning its decoded output.
func SubWorkflow[I any, O any](c *Context, name string, input I) (O, error) {
	var zero O
	loc := c.nextLocation()

	if recorded, ok := c.replaying(loc); ok {
		if recorded.Kind != KindSubWorkflowDispatched {
			return zero, expectKind(loc, recorded.Kind, KindSubWorkflowDispatched)
		}
		var childID string
		if err := json.Unmarshal(recorded.Body, &childID); err != nil {
			return zero, err
		}
		outputLoc := loc.Append(0)
		if outRecorded, ok := c.replaying(outputLoc); ok {
			if outRecorded.Kind != KindSubWorkflowOutput {
				return zero, expectKind(outputLoc, outRecorded.Kind, KindSubWorkflowOutput)
			}
			out, err := DecodeAs[O](outRecorded.Body)
			return out, err
		}
		return zero, c.pollChild(childID, loc, outputLoc)
	}

	rawInput, err := Encode(input)
	if err != nil {
		return zero, err
	}
	childID, err := c.p.client.dispatchRaw(name, rawInput, nil, c.WorkflowID(), loc)
	if err != nil {
		return zero, err
	}
	idBody, _ := json.Marshal(childID)
	c.record(Event{Location: loc, Kind: KindSubWorkflowDispatched, Body: idBody})

	outputLoc := loc.Append(0)
	return zero, c.pollChild(childID, loc, outputLoc)
}

// pollChild checks the child workflow's current state: if it has
// completed or died, records SubWorkflowOutput (or returns the
// propagated error) and lets the caller re-decode on the next replay
// pass; otherwise yields so the parent is rescheduled to check again.
func (c *Context) pollChild(childID string, parentLoc, outputLoc Location) error {
	child, err := c.p.client.GetInstance(childID)
	if err != nil {
		return err
	}
	switch child.State {
	case StateComplete:
		c.record(Event{Location: outputLoc, Kind: KindSubWorkflowOutput, Body: child.Output})
		return &YieldError{Reason: "sub_workflow output recorded, re-run pass to decode"}
	case StateDead:
		return newError(ErrorKindPermanent, fmt.Sprintf("sub-workflow %s died: %s", childID, child.ErrorMsg), nil)
	default:
		c.p.newState = StateAwaitingSignal
		c.p.newFilter = &SignalFilter{SignalName: "__sub_workflow__:" + childID}
		deadline := c.p.now().Add(2 * time.Second)
		c.p.newWakeTS = &deadline
		return &YieldError{Reason: "awaiting sub_workflow " + childID}
	}
}

// Signal sends a signal from inside a workflow body toward target,
// recording SignalSent so replay does not send it twice. The insert
// rides the pass's commit transaction: a rolled-back pass sends
// nothing, and a committed pass sends exactly once.
func Signal[S any](c *Context, target SignalTarget, name string, body S) error {
	loc := c.nextLocation()

	if recorded, ok := c.replaying(loc); ok {
		if recorded.Kind != KindSignalSent {
			return expectKind(loc, recorded.Kind, KindSignalSent)
		}
		return nil
	}

	raw, err := Encode(body)
	if err != nil {
		return err
	}
	sig := StoredSignal{
		ID:       newSignalID(),
		Name:     name,
		Body:     raw,
		Target:   target,
		CreateTS: c.p.now(),
	}
	c.p.toSend = append(c.p.toSend, sig)

	record, _ := json.Marshal(sentSignalBody{Target: target, Name: name, Body: raw})
	c.record(Event{Location: loc, Kind: KindSignalSent, Body: record})
	return nil
}

// sentSignalBody is the SignalSent event's recorded body.
type sentSignalBody struct {
	Target SignalTarget    `json:"target"`
	Name   string          `json:"name"`
	Body   json.RawMessage `json:"body"`
}

// Message publishes body to subject via the bus on first execution;
// replay is a no-op since the event is only a record of the publish.
func Message(c *Context, subject string, body []byte) error {
	loc := c.nextLocation()

	if _, ok := c.replaying(loc); ok {
		return nil
	}

	if err := c.p.bus.Publish(subject, body); err != nil {
		return newError(ErrorKindTransient, "message publish failed", err)
	}
	subjectBody, _ := json.Marshal(subject)
	c.record(Event{Location: loc, Kind: KindMessagePublished, Body: subjectBody})
	return nil
}

// State returns workflow-local mutable state held in key, valid only
// within this execution pass — never persisted. Use an activity to
// persist anything that must survive across passes.
func State[T any](c *Context, key string) (T, bool) {
	v, ok := c.p.stateStore[key]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// SetState sets workflow-local mutable state for key, valid only within
// this execution pass.
func SetState[T any](c *Context, key string, value T) {
	if c.p.stateStore == nil {
		c.p.stateStore = make(map[string]any)
	}
	c.p.stateStore[key] = value
}
