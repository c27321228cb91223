package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/evalgo/gasoline/db/kv"
)

// historyKey builds the (workflow_id, location) key events are stored
// under in the history subspace: a length-prefixed workflow-id segment
// followed directly by the location's own already-segmented bytes (not
// re-wrapped in a further length prefix, which would break the
// depth-first prefix property Location.Key relies on).
func historyKey(workflowID string, loc Location) []byte {
	return append(kv.EncodeTuple([]byte(workflowID)), loc.Key()...)
}

// historyPrefixKey builds the key prefix selecting every event at or
// under prefix within workflowID's history.
func historyPrefixKey(workflowID string, prefix Location) []byte {
	return append(kv.EncodeTuple([]byte(workflowID)), prefix.Key()...)
}

// AppendEvent writes event into workflowID's history within tx. It fails
// with HistoryDivergence if any event already occupies the slot, unless
// the new event completes it (see isCompletionOf: an ActivityOutput/
// ActivityError landing where an ActivityStart sits, or a SleepComplete
// replacing a SleepStart — the location identifies the call, not one
// attempt).
func AppendEvent(tx *kv.Tx, workflowID string, event Event) error {
	key := historyKey(workflowID, event.Location)
	existing, ok, err := tx.GetChunked(kv.SubHistory, key)
	if err != nil {
		return fmt.Errorf("workflow: read history slot %s: %w", event.Location, err)
	}
	if ok {
		var prior Event
		if err := json.Unmarshal(existing, &prior); err != nil {
			return fmt.Errorf("workflow: decode existing history slot %s: %w", event.Location, err)
		}
		if !isCompletionOf(prior.Kind, event.Kind) {
			return newError(ErrorKindHistoryDivergence,
				fmt.Sprintf("location %s already recorded %s, cannot append %s", event.Location, prior.Kind, event.Kind), nil)
		}
		// The completing event replaces the started one wholesale; drop
		// the old chunks so a shorter replacement can't leave a stale
		// tail behind.
		if err := tx.ClearChunked(kv.SubHistory, key); err != nil {
			return err
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("workflow: encode event at %s: %w", event.Location, err)
	}
	return tx.PutChunked(kv.SubHistory, key, data)
}

// isCompletionOf reports whether next is an allowed event to follow prior
// at the same location (e.g. ActivityOutput/ActivityError following an
// ActivityStart).
func isCompletionOf(prior, next EventKind) bool {
	switch prior {
	case KindActivityStart:
		return next == KindActivityOutput || next == KindActivityError
	case KindSleepStart:
		return next == KindSleepComplete
	}
	return false
}

// ScanHistory loads the full ordered event log for workflowID. Raw key
// order is not location order: a slot's chunk-index segment (length
// prefix 8) sorts after the counter segments (length prefix 4) of its
// child locations, so the range scan yields child events before their
// parent's. The events are sorted by locationLess before they are
// returned, giving the depth-first order the cursor replays.
func ScanHistory(store *kv.Store, workflowID string) ([]Event, error) {
	begin, end := kv.BytesPrefixRange(kv.EncodeTuple([]byte(workflowID)))

	var rows []kv.KV
	err := store.View(func(tx *kv.Tx) error {
		var err error
		rows, err = tx.Range(kv.SubHistory, begin, end, 0, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("workflow: scan history for %s: %w", workflowID, err)
	}

	// Each event occupies one chunk row per chunkSize segment of its
	// encoded form; chunk rows for one slot are adjacent and index-ordered
	// in the scan, so reassembly is a single grouping pass over the keys.
	events := make([]Event, 0, len(rows))
	var slotKey []byte
	var buf []byte
	flush := func() error {
		if slotKey == nil {
			return nil
		}
		var ev Event
		if err := json.Unmarshal(buf, &ev); err != nil {
			return fmt.Errorf("workflow: decode history row for %s: %w", workflowID, err)
		}
		if ev.Kind != KindRemoved {
			events = append(events, ev)
		}
		slotKey, buf = nil, nil
		return nil
	}
	for _, row := range rows {
		base, ok := kv.StripChunkIndex(row.Key)
		if !ok {
			continue
		}
		if slotKey == nil || !bytes.Equal(base, slotKey) {
			if err := flush(); err != nil {
				return nil, err
			}
			slotKey = append([]byte(nil), base...)
		}
		buf = append(buf, row.Value...)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	// Key order puts a slot's child locations ahead of the slot itself
	// (see above); sorting restores depth-first location order.
	sort.Slice(events, func(a, b int) bool {
		return locationLess(events[a].Location, events[b].Location)
	})

	return events, nil
}

// MarkRemoved appends a Removed marker over every event under prefix,
// used when a loop branch is skipped or a replaced sub-workflow's
// sub-history is discarded. It does not delete the underlying rows —
// outside gc the log only ever gains Removed markers, never loses rows.
func MarkRemoved(tx *kv.Tx, workflowID string, prefix Location) error {
	begin, end := kv.BytesPrefixRange(historyPrefixKey(workflowID, prefix))

	rows, err := tx.Range(kv.SubHistory, begin, end, 0, false)
	if err != nil {
		return fmt.Errorf("workflow: scan for removal under %s: %w", prefix, err)
	}

	// Collect the affected slot keys first (a slot spans one or more
	// chunk rows), then rewrite each slot as a single Removed marker.
	var slots [][]byte
	for _, row := range rows {
		base, ok := kv.StripChunkIndex(row.Key)
		if !ok {
			continue
		}
		if len(slots) == 0 || !bytes.Equal(slots[len(slots)-1], base) {
			slots = append(slots, append([]byte(nil), base...))
		}
	}
	for _, slot := range slots {
		raw, ok, err := tx.GetChunked(kv.SubHistory, slot)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("workflow: decode row for removal: %w", err)
		}
		ev.Kind = KindRemoved
		ev.Body = nil
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := tx.ClearChunked(kv.SubHistory, slot); err != nil {
			return err
		}
		if err := tx.PutChunked(kv.SubHistory, slot, data); err != nil {
			return err
		}
	}
	return nil
}

// PurgeHistory deletes every event row for workflowID, used by the
// sweeper once a terminal workflow is past its retention window.
func PurgeHistory(tx *kv.Tx, workflowID string) error {
	begin, end := kv.BytesPrefixRange(kv.EncodeTuple([]byte(workflowID)))
	return tx.ClearRange(kv.SubHistory, begin, end)
}

func locationLess(a, b Location) bool {
	la, lb := a.Key(), b.Key()
	n := len(la)
	if len(lb) < n {
		n = len(lb)
	}
	for i := 0; i < n; i++ {
		if la[i] != lb[i] {
			return la[i] < lb[i]
		}
	}
	return len(la) < len(lb)
}
