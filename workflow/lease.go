package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/evalgo/gasoline/db/kv"
)

// ScanDueWorkflows returns distinct workflow ids from the wake index whose
// wake time is at or before now, in wake-time order, capped at limit (0
// means unbounded). This is the bbolt-native fallback path the worker
// uses when no faster external index (e.g. queue/redis's mirror) is
// configured.
func ScanDueWorkflows(store *kv.Store, now time.Time, limit int) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)

	err := store.View(func(tx *kv.Tx) error {
		_, end := kv.BytesPrefixRange(kv.EncodeTuple(encodeTimestamp(now)))
		rows, err := tx.Range(kv.SubWake, nil, end, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			segments, err := kv.DecodeTuple(row.Key)
			if err != nil || len(segments) < 2 {
				continue
			}
			id := string(segments[1])
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				return nil
			}
		}
		return nil
	})
	return ids, err
}

// LeaseRecord is the standalone `leases/(id)` row: a
// scannable record of who holds a workflow's lease and when it expires.
// It is kept alongside (not instead of) the lease fields on Instance
// itself, purely so the sweeper can find expired leases with one bucket
// scan instead of walking every workflow row.
type LeaseRecord struct {
	WorkerID  string    `json:"worker_id"`
	ExpiresTS time.Time `json:"expires_ts"`
}

func putLeaseRecord(tx *kv.Tx, workflowID, owner string, expires time.Time) error {
	data, err := json.Marshal(LeaseRecord{WorkerID: owner, ExpiresTS: expires})
	if err != nil {
		return err
	}
	return tx.Set(kv.SubLeases, []byte(workflowID), data)
}

func clearLeaseRecord(tx *kv.Tx, workflowID string) error {
	return tx.Clear(kv.SubLeases, []byte(workflowID))
}

// ScanExpiredLeases returns workflow ids whose leases/(id) record has
// expired as of now — candidates for the sweeper to reclaim. It does
// not itself reclaim them; TryAcquireLease is still the
// only path that actually re-leases an instance.
func ScanExpiredLeases(store *kv.Store, now time.Time) ([]string, error) {
	var ids []string
	err := store.View(func(tx *kv.Tx) error {
		rows, err := tx.Range(kv.SubLeases, nil, nil, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			var rec LeaseRecord
			if err := json.Unmarshal(row.Value, &rec); err != nil {
				continue
			}
			if !rec.ExpiresTS.After(now) {
				ids = append(ids, string(row.Key))
			}
		}
		return nil
	})
	return ids, err
}

// TryAcquireLease atomically claims workflowID for owner until now+ttl,
// provided the instance is not terminal and not already leased by a
// still-live owner. It reports (instance, true, nil) on success and
// (nil, false, nil) if the lease could not be acquired (already leased,
// terminal, or missing) — neither case is an error, letting
// the worker loop simply move to the next candidate.
func (c *Client) TryAcquireLease(workflowID, owner string, ttl time.Duration) (*Instance, bool, error) {
	var leased *Instance

	err := c.Store.Transact(func(tx *kv.Tx) error {
		raw, ok, err := tx.Get(kv.SubWorkflows, []byte(workflowID))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		var inst Instance
		if err := json.Unmarshal(raw, &inst); err != nil {
			return fmt.Errorf("workflow: decode instance %s: %w", workflowID, err)
		}

		if inst.IsTerminal() {
			return nil
		}
		if inst.LeaseOwner != "" && c.Now().Before(inst.LeaseUntil) {
			return nil
		}

		now := c.Now()
		inst.State = StateLeased
		inst.LeaseOwner = owner
		inst.LeaseUntil = now.Add(ttl)
		if err := putInstance(tx, &inst); err != nil {
			return err
		}
		if err := putLeaseRecord(tx, workflowID, owner, inst.LeaseUntil); err != nil {
			return err
		}
		leased = &inst
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if leased != nil {
		c.mirrorLease(workflowID, leased.LeaseUntil)
	}
	return leased, leased != nil, nil
}

// ReleaseLease clears workflowID's lease fields without counting a
// failure — the sweeper uses it to reclaim an expired lease, where the
// prior worker timing out is not a failed pass. A pass that actually
// failed (panic, drive error, unwritable commit) goes through FailPass
// instead, so it counts toward the retry budget.
func (c *Client) ReleaseLease(workflowID string) error {
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
			return err
		}
		inst.LeaseOwner = ""
		inst.LeaseUntil = time.Time{}
		if inst.State == StateLeased {
			inst.State = StatePending
		}
		if err := clearLeaseRecord(tx, workflowID); err != nil {
			return err
		}
		found = true
		return putInstance(tx, &inst)
	})
	if err != nil || !found {
		return err
	}
	c.mirrorClearLease(workflowID)
	if !inst.IsTerminal() && !inst.WakeTS.IsZero() {
		c.mirrorWake(workflowID, inst.WakeTS)
	}
	return nil
}

// WakeEntries reads the full KV wake index as workflow_id -> earliest
// wake time, used to seed an external mirror at startup (Rebuild) so a
// freshly started process does not miss workflows dispatched before the
// mirror existed.
func WakeEntries(store *kv.Store) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := store.View(func(tx *kv.Tx) error {
		rows, err := tx.Range(kv.SubWake, nil, nil, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			segments, err := kv.DecodeTuple(row.Key)
			if err != nil || len(segments) < 2 {
				continue
			}
			id := string(segments[1])
			ts := decodeTimestamp(segments[0])
			if existing, ok := out[id]; !ok || ts.Before(existing) {
				out[id] = ts
			}
		}
		return nil
	})
	return out, err
}
