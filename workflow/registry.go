package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowFunc is a registered workflow body. It receives a Context
// rooted at the workflow's own Location("[]") and the raw JSON input, and
// returns the raw JSON output. Concrete typed wrappers are expected to be
// generated by callers via Builder (see builder.go).
type WorkflowFunc func(ctx *Context, input json.RawMessage) (json.RawMessage, error)

// ActivityFunc is a registered activity body. It receives a *non-durable*
// ActivityContext (not the workflow Context — activities may not peek at
// history) and the raw JSON input.
type ActivityFunc func(ctx *ActivityContext, input json.RawMessage) (json.RawMessage, error)

// SignalDecoder validates/decodes a signal's raw body; registered purely
// for documentation and early validation, since the engine stores signal
// bodies as opaque bytes.
type SignalDecoder func(body json.RawMessage) error

// WorkflowMeta carries registration metadata for a workflow name.
type WorkflowMeta struct {
	Name string
	Fn   WorkflowFunc
}

// ActivityMeta carries registration metadata for an activity name:
// handler plus its retry/timeout policy.
type ActivityMeta struct {
	Name       string
	Fn         ActivityFunc
	MaxRetries int
	Timeout    time.Duration
}

// SignalMeta carries registration metadata for a signal name.
type SignalMeta struct {
	Name    string
	Decoder SignalDecoder
}

const (
	defaultMaxRetries = 3
	defaultTimeout    = 60 * time.Second
)

// Registry is the process-wide immutable (after startup) name -> handler
// map. It is constructed explicitly by the caller
// and passed into the worker; there is no package-level mutable registry.
type Registry struct {
	workflows  map[string]WorkflowMeta
	activities map[string]ActivityMeta
	signals    map[string]SignalMeta
}

// NewRegistry returns an empty Registry ready for RegisterWorkflow /
// RegisterActivity / RegisterSignal calls.
func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]WorkflowMeta),
		activities: make(map[string]ActivityMeta),
		signals:    make(map[string]SignalMeta),
	}
}

// RegisterWorkflow adds a workflow handler under name. Registering the
// same name twice is a programming error, surfaced immediately rather
// than silently overwriting — unlike a dispatch-time UnknownHandler,
// this is caught at startup.
func (r *Registry) RegisterWorkflow(name string, fn WorkflowFunc) error {
	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("workflow: workflow %q already registered", name)
	}
	r.workflows[name] = WorkflowMeta{Name: name, Fn: fn}
	return nil
}

// RegisterActivity adds an activity handler with defaults for max
// retries (3) and timeout (60s); override with
// RegisterActivityWithOptions.
func (r *Registry) RegisterActivity(name string, fn ActivityFunc) error {
	return r.RegisterActivityWithOptions(name, fn, defaultMaxRetries, defaultTimeout)
}

// RegisterActivityWithOptions adds an activity handler with explicit
// retry/timeout policy.
func (r *Registry) RegisterActivityWithOptions(name string, fn ActivityFunc, maxRetries int, timeout time.Duration) error {
	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("workflow: activity %q already registered", name)
	}
	r.activities[name] = ActivityMeta{Name: name, Fn: fn, MaxRetries: maxRetries, Timeout: timeout}
	return nil
}

// RegisterSignal adds a signal decoder under name.
func (r *Registry) RegisterSignal(name string, decoder SignalDecoder) error {
	if _, exists := r.signals[name]; exists {
		return fmt.Errorf("workflow: signal %q already registered", name)
	}
	r.signals[name] = SignalMeta{Name: name, Decoder: decoder}
	return nil
}

// Workflow looks up a registered workflow by name.
func (r *Registry) Workflow(name string) (WorkflowMeta, bool) {
	m, ok := r.workflows[name]
	return m, ok
}

// Activity looks up a registered activity by name.
func (r *Registry) Activity(name string) (ActivityMeta, bool) {
	m, ok := r.activities[name]
	return m, ok
}

// Signal looks up a registered signal by name.
func (r *Registry) Signal(name string) (SignalMeta, bool) {
	m, ok := r.signals[name]
	return m, ok
}

// Merge returns a new Registry containing the union of r and other.
// Names present in both are an error — callers merging registries from
// independent services are expected to namespace their workflow/activity
// names to avoid this.
func (r *Registry) Merge(other *Registry) (*Registry, error) {
	out := NewRegistry()
	for name, m := range r.workflows {
		out.workflows[name] = m
	}
	for name, m := range other.workflows {
		if _, exists := out.workflows[name]; exists {
			return nil, fmt.Errorf("workflow: merge conflict on workflow %q", name)
		}
		out.workflows[name] = m
	}
	for name, m := range r.activities {
		out.activities[name] = m
	}
	for name, m := range other.activities {
		if _, exists := out.activities[name]; exists {
			return nil, fmt.Errorf("workflow: merge conflict on activity %q", name)
		}
		out.activities[name] = m
	}
	for name, m := range r.signals {
		out.signals[name] = m
	}
	for name, m := range other.signals {
		if _, exists := out.signals[name]; exists {
			return nil, fmt.Errorf("workflow: merge conflict on signal %q", name)
		}
		out.signals[name] = m
	}
	return out, nil
}

// MergeRegistries folds a list of registries into one, left to right.
func MergeRegistries(registries ...*Registry) (*Registry, error) {
	out := NewRegistry()
	for _, r := range registries {
		var err error
		out, err = out.Merge(r)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
