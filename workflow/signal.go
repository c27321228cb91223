package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/evalgo/gasoline/db/kv"
	"github.com/google/uuid"
)

// SignalTarget addresses a signal either directly to a workflow id or to
// a tag-set; exactly one should be set.
type SignalTarget struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// ToWorkflow builds a SignalTarget addressing a single workflow.
func ToWorkflow(id string) SignalTarget { return SignalTarget{WorkflowID: id} }

// ToTags builds a SignalTarget addressing any workflow listening on tags.
func ToTags(tags map[string]string) SignalTarget { return SignalTarget{Tags: tags} }

// ConsumedInfo records which (workflow, location) pair consumed a signal.
type ConsumedInfo struct {
	WorkflowID string   `json:"workflow_id"`
	Location   Location `json:"location"`
}

// StoredSignal is the durable record for one signal, shared between the
// by-workflow and by-tag indexes.
type StoredSignal struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Body     json.RawMessage `json:"body"`
	Target   SignalTarget    `json:"target"`
	CreateTS time.Time       `json:"create_ts"`
	Consumed bool            `json:"consumed"`
	By       *ConsumedInfo   `json:"consumed_by,omitempty"`
}

// HashTags returns a stable hash for a tag-set, used as the by-tag
// subspace's partition key so two sends with the same tag-set land in
// the same scan range regardless of map iteration order.
func HashTags(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(tags[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// newSignalID prefixes a random UUID with the current time in
// nanoseconds as zero-padded hex, so signal ids (and the mailbox keys
// built from them) sort in creation order.
func newSignalID() string {
	return fmt.Sprintf("%016x-%s", uint64(time.Now().UnixNano()), uuid.New().String())
}

// SendSignal allocates a signal id and delivers body toward target,
// bumping the target workflow's wake deadline to now when addressed
// directly. Tag-addressed signals are placed in the by-tag index for
// the sweeper's matcher pass to resolve.
func SendSignal(store *kv.Store, target SignalTarget, name string, body json.RawMessage, now time.Time) (string, error) {
	sig := StoredSignal{
		ID:       newSignalID(),
		Name:     name,
		Body:     body,
		Target:   target,
		CreateTS: now,
	}
	err := store.Transact(func(tx *kv.Tx) error {
		return InsertSignal(tx, sig)
	})
	if err != nil {
		return "", err
	}
	return sig.ID, nil
}

// InsertSignal writes sig into the index matching its target within tx,
// so callers composing a larger commit (a workflow pass sending signals)
// get the insert atomically with the rest of their writes.
func InsertSignal(tx *kv.Tx, sig StoredSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("workflow: encode signal: %w", err)
	}
	if sig.Target.WorkflowID != "" {
		key := kv.EncodeTuple([]byte(sig.Target.WorkflowID), []byte(sig.ID))
		if err := tx.Set(kv.SubSignalsByWF, key, data); err != nil {
			return err
		}
		return bumpWake(tx, sig.Target.WorkflowID, sig.CreateTS)
	}
	tagHash := HashTags(sig.Target.Tags)
	key := kv.EncodeTuple([]byte(tagHash), []byte(sig.ID))
	return tx.Set(kv.SubSignalsByTag, key, data)
}

// RegisterTagInterest records that workflowID is listening under tagHash,
// so the sweeper's tag matcher can find it as a candidate for incoming
// tag-addressed signals.
func RegisterTagInterest(tx *kv.Tx, tagHash, workflowID string) error {
	key := kv.EncodeTuple([]byte(tagHash), []byte(workflowID))
	return tx.Set(kv.SubTags, key, []byte{})
}

// FindUnconsumedForWorkflow scans workflowID's by-workflow mailbox for
// the first unconsumed signal named name, in KV insert order, which is
// what fixes delivery order for a single receiving workflow.
func FindUnconsumedForWorkflow(store *kv.Store, workflowID, name string) (*StoredSignal, error) {
	begin, end := kv.BytesPrefixRange(kv.EncodeTuple([]byte(workflowID)))

	var found *StoredSignal
	err := store.View(func(tx *kv.Tx) error {
		rows, err := tx.Range(kv.SubSignalsByWF, begin, end, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			var sig StoredSignal
			if err := json.Unmarshal(row.Value, &sig); err != nil {
				return fmt.Errorf("workflow: decode signal row: %w", err)
			}
			if sig.Consumed || sig.Name != name {
				continue
			}
			found = &sig
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// ConsumeSignal marks signalID consumed by (workflowID, loc) within tx,
// failing if it was already consumed, so the signal/consumer pairing is
// recorded atomically. Call this inside the same transaction that
// appends the consuming SignalReceived event.
func ConsumeSignal(tx *kv.Tx, workflowID, signalID string, loc Location) error {
	key := kv.EncodeTuple([]byte(workflowID), []byte(signalID))
	raw, ok, err := tx.Get(kv.SubSignalsByWF, key)
	if err != nil {
		return err
	}
	if !ok {
		return newError(ErrorKindTransient, fmt.Sprintf("signal %s no longer pending for workflow %s", signalID, workflowID), nil)
	}
	var sig StoredSignal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return fmt.Errorf("workflow: decode signal: %w", err)
	}
	if sig.Consumed {
		return newError(ErrorKindTransient, fmt.Sprintf("signal %s already consumed", signalID), nil)
	}
	sig.Consumed = true
	sig.By = &ConsumedInfo{WorkflowID: workflowID, Location: loc}
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return tx.Set(kv.SubSignalsByWF, key, data)
}

func bumpWake(tx *kv.Tx, workflowID string, ts time.Time) error {
	raw, ok, err := tx.Get(kv.SubWorkflows, []byte(workflowID))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var inst Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return err
	}
	if inst.IsTerminal() {
		return nil
	}
	inst.WakeTS = ts
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if err := tx.Set(kv.SubWorkflows, []byte(workflowID), data); err != nil {
		return err
	}
	return setWakeIndex(tx, workflowID, ts)
}

// setWakeIndex writes the (wake_ts, workflow_id) wake index entry the
// sweeper and worker scan, keyed so entries sort by deadline then id.
func setWakeIndex(tx *kv.Tx, workflowID string, ts time.Time) error {
	key := kv.EncodeTuple(encodeTimestamp(ts), []byte(workflowID))
	return tx.Set(kv.SubWake, key, []byte{})
}

// clearWakeIndex removes every wake entry for workflowID regardless of
// timestamp — used once the workflow is no longer schedulable (complete,
// dead, purged).
func clearWakeIndex(tx *kv.Tx, workflowID string) error {
	begin, end := kv.BytesPrefixRange([]byte{})
	rows, err := tx.Range(kv.SubWake, begin, end, 0, false)
	if err != nil {
		return err
	}
	for _, row := range rows {
		segments, err := splitWakeKey(row.Key)
		if err != nil || len(segments) < 2 {
			continue
		}
		if string(segments[1]) == workflowID {
			if err := tx.Clear(kv.SubWake, row.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitWakeKey(key []byte) ([][]byte, error) {
	return kv.DecodeTuple(key)
}

func encodeTimestamp(ts time.Time) []byte {
	v := ts.UnixNano()
	b := make([]byte, 8)
	u := uint64(v) ^ (1 << 63)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

func decodeTimestamp(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return time.Unix(0, int64(u^(1<<63)))
}

