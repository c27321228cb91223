package workflow

import (
	"fmt"
	"strings"

	"github.com/evalgo/gasoline/db/kv"
)

// Location identifies a slot in a workflow's history tree: an ordered
// sequence of non-negative counters. The root body's primitive calls
// live at top-level counters ([0], [1], [2], ...); entering a loop
// iteration, a sub_workflow call, or a listen_with_timeout's internal
// sleep pushes a new level ([0,0], [0,1], ...).
type Location []uint32

// Root is the empty location — not itself an event slot, but the prefix
// every top-level primitive call location is built from.
func Root() Location {
	return Location{}
}

// Append returns a new Location with counter appended as a new level.
func (l Location) Append(counter uint32) Location {
	out := make(Location, len(l)+1)
	copy(out, l)
	out[len(l)] = counter
	return out
}

// Parent returns the location with its last counter dropped.
func (l Location) Parent() Location {
	if len(l) == 0 {
		return Location{}
	}
	out := make(Location, len(l)-1)
	copy(out, l)
	return out
}

// Equal reports whether two locations are identical.
func (l Location) Equal(other Location) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if l[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders a location as e.g. "[0,1]" for logging and error messages.
func (l Location) String() string {
	parts := make([]string, len(l))
	for i, c := range l {
		parts[i] = fmt.Sprintf("%d", c)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Key returns the byte-sortable tuple encoding used as the location
// segments of a history key, one length-prefixed 4-byte segment per
// counter. A location with fewer counters is always a prefix of any of
// its descendants' keys, so a parent's own event sorts immediately before
// all of its children's events under plain byte-string comparison —
// exactly the depth-first order the cursor must visit history in.
func (l Location) Key() []byte {
	segments := make([][]byte, len(l))
	for i, c := range l {
		segments[i] = encodeUint32(c)
	}
	return kv.EncodeTuple(segments...)
}

func encodeUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
