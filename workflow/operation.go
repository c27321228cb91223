package workflow

// Operation runs fn against the workflow's bound store/cache handles,
// unrecorded — a non-durable pure query, re-run on every replay pass.
// Unlike Activity, its result is never written to history; it exists for
// cheap idempotent reads (e.g. current config) that don't need
// replay-stability, so calling it costs nothing at the cursor and it
// never participates in divergence detection.
func Operation[I any, O any](c *Context, name string, input I, fn func(*ActivityContext, I) (O, error)) (O, error) {
	actx := &ActivityContext{
		Ctx:        c.goCtx,
		WorkflowID: c.WorkflowID(),
		Store:      c.p.store,
		Cache:      c.p.cache,
		Logger:     c.p.logger,
	}
	return fn(actx, input)
}
