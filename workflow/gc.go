package workflow

import (
	"encoding/json"
	"time"

	"github.com/evalgo/gasoline/db/kv"
)

// TerminalBefore returns the ids of workflows in Complete or Dead state
// whose CompletedTS is at or before cutoff — candidates for retention
// purge.
func TerminalBefore(store *kv.Store, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := store.View(func(tx *kv.Tx) error {
		rows, err := tx.Range(kv.SubWorkflows, nil, nil, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			var inst Instance
			if err := json.Unmarshal(row.Value, &inst); err != nil {
				continue
			}
			if !inst.IsTerminal() || inst.CompletedTS.IsZero() {
				continue
			}
			if inst.CompletedTS.After(cutoff) {
				continue
			}
			ids = append(ids, inst.ID)
			if limit > 0 && len(ids) >= limit {
				return nil
			}
		}
		return nil
	})
	return ids, err
}

// PurgeWorkflow removes every durable trace of workflowID: its row,
// history, lease record, and any leftover mailbox entries. Called only
// on workflows already Complete/Dead and past their retention window
// (terminal instances are immutable, but their events may be
// garbage-collected).
func PurgeWorkflow(store *kv.Store, workflowID string) error {
	return store.Transact(func(tx *kv.Tx) error {
		if err := PurgeHistory(tx, workflowID); err != nil {
			return err
		}
		if err := clearLeaseRecord(tx, workflowID); err != nil {
			return err
		}
		if err := clearWakeIndex(tx, workflowID); err != nil {
			return err
		}
		begin, end := kv.BytesPrefixRange(kv.EncodeTuple([]byte(workflowID)))
		if err := tx.ClearRange(kv.SubSignalsByWF, begin, end); err != nil {
			return err
		}
		if err := clearTagInterest(tx, workflowID); err != nil {
			return err
		}
		return tx.Clear(kv.SubWorkflows, []byte(workflowID))
	})
}

// clearTagInterest removes every tags/(tag_hash, id) row pointing at
// workflowID.
func clearTagInterest(tx *kv.Tx, workflowID string) error {
	rows, err := tx.Range(kv.SubTags, nil, nil, 0, false)
	if err != nil {
		return err
	}
	for _, row := range rows {
		segments, err := kv.DecodeTuple(row.Key)
		if err != nil || len(segments) < 2 {
			continue
		}
		if string(segments[1]) == workflowID {
			if err := tx.Clear(kv.SubTags, row.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// PendingTagListeners scans SubWorkflows for non-terminal instances
// awaiting a signal under a tag-set filter, used by the sweeper's tag
// matcher; the first matching listener in KV scan order wins.
func PendingTagListeners(store *kv.Store) ([]*Instance, error) {
	var out []*Instance
	err := store.View(func(tx *kv.Tx) error {
		rows, err := tx.Range(kv.SubWorkflows, nil, nil, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			var inst Instance
			if err := json.Unmarshal(row.Value, &inst); err != nil {
				continue
			}
			if inst.State != StateAwaitingSignal || inst.AwaitFilter == nil {
				continue
			}
			if inst.AwaitFilter.Tags == nil {
				continue
			}
			out = append(out, &inst)
		}
		return nil
	})
	return out, err
}

// RouteTagSignal scans the by-tag mailbox for tagHash and, for the first
// unconsumed signal named signalName it finds, rewrites it under
// targetWorkflowID's by-workflow mailbox so the workflow's own Listen can
// pick it up on its next pass. Returns true if a signal was routed.
func RouteTagSignal(store *kv.Store, tagHash, signalName, targetWorkflowID string, now time.Time) (bool, error) {
	routed := false
	err := store.Transact(func(tx *kv.Tx) error {
		begin, end := kv.BytesPrefixRange(kv.EncodeTuple([]byte(tagHash)))
		rows, err := tx.Range(kv.SubSignalsByTag, begin, end, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			var sig StoredSignal
			if err := json.Unmarshal(row.Value, &sig); err != nil {
				continue
			}
			if sig.Consumed || sig.Name != signalName {
				continue
			}

			if err := tx.Clear(kv.SubSignalsByTag, row.Key); err != nil {
				return err
			}
			key := kv.EncodeTuple([]byte(targetWorkflowID), []byte(sig.ID))
			data, err := json.Marshal(sig)
			if err != nil {
				return err
			}
			if err := tx.Set(kv.SubSignalsByWF, key, data); err != nil {
				return err
			}
			if err := bumpWake(tx, targetWorkflowID, now); err != nil {
				return err
			}
			routed = true
			return nil
		}
		return nil
	})
	return routed, err
}
