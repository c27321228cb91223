package workflow

// Cursor is the replay pointer into a workflow's history: an immutable
// snapshot of recorded events, loaded once at the start of a pass and
// indexed by Location so each primitive call can check in O(1) whether
// it is replaying or running live.
type Cursor struct {
	events  map[string]Event
	visited map[string]bool
}

// NewCursor builds a Cursor from a history scan. events must already be
// in location order (ScanHistory guarantees this).
func NewCursor(events []Event) *Cursor {
	c := &Cursor{
		events:  make(map[string]Event, len(events)),
		visited: make(map[string]bool, len(events)),
	}
	for _, e := range events {
		c.events[e.Location.String()] = e
	}
	return c
}

// Lookup returns the recorded event at loc, if any, and marks it visited.
func (c *Cursor) Lookup(loc Location) (Event, bool) {
	e, ok := c.events[loc.String()]
	if ok {
		c.visited[loc.String()] = true
	}
	return e, ok
}

// Len reports how many recorded events this cursor holds.
func (c *Cursor) Len() int {
	return len(c.events)
}

// Unvisited returns the locations of recorded events the pass never
// looked up — a non-empty result after a pass completes its replay
// prefix means the body took a different path through its primitives
// than it did when the history was recorded: replay must visit every
// non-Removed event exactly once and in order.
func (c *Cursor) Unvisited() []Location {
	var out []Location
	for _, e := range c.events {
		if !c.visited[e.Location.String()] {
			out = append(out, e.Location)
		}
	}
	return out
}

// expectKind returns a HistoryDivergence error if the recorded event at
// loc is not one of want.
func expectKind(loc Location, recorded EventKind, want ...EventKind) error {
	for _, k := range want {
		if recorded == k {
			return nil
		}
	}
	return newError(ErrorKindHistoryDivergence,
		"location "+loc.String()+" recorded "+string(recorded)+", code expected one of "+joinKinds(want), nil)
}

func joinKinds(kinds []EventKind) string {
	out := ""
	for i, k := range kinds {
		if i > 0 {
			out += "|"
		}
		out += string(k)
	}
	return out
}
