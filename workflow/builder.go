package workflow

import (
	"encoding/json"
	"time"
)

// Builder is a fluent wrapper over Registry registration, matching this
// codebase's ConfigLoader/Validator fluent-builder idiom. It collects
// registration errors instead of returning them from every call so a
// chain of Workflow/Activity/Signal calls can end in one Build() check.
type Builder struct {
	registry *Registry
	errs     []error
}

// NewBuilder starts a fluent registration chain against a fresh Registry.
func NewBuilder() *Builder {
	return &Builder{registry: NewRegistry()}
}

// Workflow registers a workflow handler and returns the Builder for
// chaining.
func (b *Builder) Workflow(name string, fn WorkflowFunc) *Builder {
	if err := b.registry.RegisterWorkflow(name, fn); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// TypedWorkflow registers a workflow whose input/output are a concrete
// type I/O rather than raw JSON, handling the decode/encode at the
// registry boundary.
func TypedWorkflow[I any, O any](b *Builder, name string, fn func(*Context, I) (O, error)) *Builder {
	wrapped := func(ctx *Context, raw json.RawMessage) (json.RawMessage, error) {
		input, err := DecodeAs[I](raw)
		if err != nil {
			return nil, err
		}
		out, err := fn(ctx, input)
		if err != nil {
			return nil, err
		}
		return Encode(out)
	}
	return b.Workflow(name, wrapped)
}

// Activity registers an activity handler with default retry/timeout.
func (b *Builder) Activity(name string, fn ActivityFunc) *Builder {
	if err := b.registry.RegisterActivity(name, fn); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// ActivityWithOptions registers an activity handler with explicit
// max-retries/timeout.
func (b *Builder) ActivityWithOptions(name string, fn ActivityFunc, maxRetries int, timeout time.Duration) *Builder {
	if err := b.registry.RegisterActivityWithOptions(name, fn, maxRetries, timeout); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// Signal registers a signal decoder.
func (b *Builder) Signal(name string, decoder SignalDecoder) *Builder {
	if err := b.registry.RegisterSignal(name, decoder); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// Build returns the assembled Registry, or the first registration error
// encountered during the chain.
func (b *Builder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	return b.registry, nil
}
