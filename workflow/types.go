package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a workflow instance.
type State string

const (
	StatePending        State = "pending"
	StateLeased         State = "leased"
	StateSleeping       State = "sleeping"
	StateAwaitingSignal State = "awaiting_signal"
	StateComplete       State = "complete"
	StateDead           State = "dead"
)

// Instance is a durable workflow row: everything the worker needs to
// resume a body without consulting its history, plus enough metadata to
// address it (tags) and schedule it (wake deadline, lease).
type Instance struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Input       json.RawMessage   `json:"input"`
	Output      json.RawMessage   `json:"output,omitempty"`
	CreateTS    time.Time         `json:"create_ts"`
	Tags        map[string]string `json:"tags,omitempty"`
	State       State             `json:"state"`
	ParentID    string            `json:"parent_id,omitempty"`
	ParentLoc   Location          `json:"parent_location,omitempty"`
	LastCursor  Location          `json:"last_cursor,omitempty"`
	ErrorCount  int               `json:"error_count"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	ErrorMsg    string            `json:"error_msg,omitempty"`
	WakeTS      time.Time         `json:"wake_ts"`
	LeaseOwner  string            `json:"lease_owner,omitempty"`
	LeaseUntil  time.Time         `json:"lease_until,omitempty"`
	AwaitFilter *SignalFilter     `json:"await_filter,omitempty"`
	CompletedTS time.Time         `json:"completed_ts,omitempty"`
}

// SignalFilter describes what a listening workflow is waiting for: either
// a signal addressed directly to it, or one matching a tag set.
type SignalFilter struct {
	SignalName string            `json:"signal_name"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// IsTerminal reports whether the instance is Complete or Dead.
func (i *Instance) IsTerminal() bool {
	return i.State == StateComplete || i.State == StateDead
}

// EventKind enumerates the recorded event shapes.
type EventKind string

const (
	KindActivityStart         EventKind = "ActivityStart"
	KindActivityOutput        EventKind = "ActivityOutput"
	KindActivityError         EventKind = "ActivityError"
	KindSignalReceived        EventKind = "SignalReceived"
	KindSignalSent            EventKind = "SignalSent"
	KindSleepStart            EventKind = "SleepStart"
	KindSleepComplete         EventKind = "SleepComplete"
	KindLoopIter              EventKind = "LoopIter"
	KindLoopBreak             EventKind = "LoopBreak"
	KindSubWorkflowDispatched EventKind = "SubWorkflowDispatched"
	KindSubWorkflowOutput     EventKind = "SubWorkflowOutput"
	KindMessagePublished      EventKind = "MessagePublished"
	KindBranch                EventKind = "Branch"
	KindRemoved               EventKind = "Removed"
	KindWorkflowComplete      EventKind = "WorkflowComplete"
)

// Event is one recorded effect in a workflow's history, keyed by Location.
type Event struct {
	Location   Location        `json:"location"`
	Kind       EventKind       `json:"kind"`
	Body       json.RawMessage `json:"body,omitempty"`
	CreateTS   time.Time       `json:"create_ts"`
	VersionTag string          `json:"version_tag,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
}

// ErrorKind is the engine's internal error taxonomy.
type ErrorKind string

const (
	ErrorKindTransient         ErrorKind = "Transient"
	ErrorKindPermanent         ErrorKind = "Permanent"
	ErrorKindHistoryDivergence ErrorKind = "HistoryDivergence"
	ErrorKindUnknownHandler    ErrorKind = "UnknownHandler"
	ErrorKindCancelled         ErrorKind = "Cancelled"
)

// EngineError carries one of the taxonomy kinds plus a human message,
// wrapping an optional underlying cause so errors.Is/errors.As chains
// through to it.
type EngineError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, Transient) etc. match by kind alone, ignoring
// message and cause.
func (e *EngineError) Is(target error) bool {
	var other *EngineError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newError(kind ErrorKind, msg string, cause error) *EngineError {
	return &EngineError{Kind: kind, Msg: msg, Err: cause}
}

// Sentinel EngineErrors usable with errors.Is to test kind only.
var (
	Transient         = &EngineError{Kind: ErrorKindTransient}
	Permanent         = &EngineError{Kind: ErrorKindPermanent}
	HistoryDivergence = &EngineError{Kind: ErrorKindHistoryDivergence}
	UnknownHandler    = &EngineError{Kind: ErrorKindUnknownHandler}
	Cancelled         = &EngineError{Kind: ErrorKindCancelled}
)

// NonRetriable tags an activity error so the executor short-circuits to a
// terminal ActivityError instead of retrying.
type NonRetriable struct {
	Err error
}

func (n *NonRetriable) Error() string { return n.Err.Error() }
func (n *NonRetriable) Unwrap() error { return n.Err }

// IsNonRetriable reports whether err (or something it wraps) is tagged
// non-retriable.
func IsNonRetriable(err error) bool {
	var nr *NonRetriable
	return errors.As(err, &nr)
}
