// Package kv provides an ordered key-value store adapter backed by bbolt.
//
// Subspaces (logically separate keyspaces) are
// realized as top-level bbolt buckets, created once at Open. Keys within
// a subspace are tuples of byte-sortable segments, so a prefix range
// scan returns entries in the same order the engine's Location and
// timestamp ordering requires.
package kv

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Subspace names. Fixed so callers never hardcode a bucket name in two
// places; Keys() returns this same list.
const (
	SubWorkflows    = "workflows"
	SubHistory      = "history"
	SubWake         = "wake"
	SubLeases       = "leases"
	SubSignalsByWF  = "signals_by_wf"
	SubSignalsByTag = "signals_by_tag"
	SubTags         = "tags"
	SubMeta         = "meta"
)

// chunkSize is the threshold above which PutChunked splits a value across
// multiple keys. bbolt has no hard per-value size limit, but chunking
// keeps the store swappable for a distributed backend that does impose
// one.
const chunkSize = 90 * 1024

var allSubspaces = []string{
	SubWorkflows, SubHistory, SubWake, SubLeases,
	SubSignalsByWF, SubSignalsByTag, SubTags, SubMeta,
}

// versionstampKey is the single counter key inside SubMeta used by
// NextVersionstamp.
var versionstampKey = []byte("versionstamp")

// Store wraps a *bbolt.DB and exposes subspace/tuple-keyed operations.
type Store struct {
	db *bolt.DB
}

// Open opens or creates a bbolt database at path and ensures every
// subspace bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allSubspaces {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("kv: create subspace %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Keys returns the fixed list of subspace names.
func (s *Store) Keys() []string {
	out := make([]string, len(allSubspaces))
	copy(out, allSubspaces)
	return out
}

// Tx is the transaction handle passed to Transact's callback. It exposes
// the same Get/Set/Clear/ClearRange/Range/AtomicAdd operations as Store,
// scoped to one bbolt transaction so a caller can compose several
// operations atomically.
type Tx struct {
	tx *bolt.Tx
}

func (t *Tx) bucket(subspace string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(subspace))
	if b == nil {
		return nil, fmt.Errorf("kv: unknown subspace %q", subspace)
	}
	return b, nil
}

// Get reads the raw value at key within subspace. Returns (nil, false, nil)
// if the key is absent.
func (t *Tx) Get(subspace string, key []byte) ([]byte, bool, error) {
	b, err := t.bucket(subspace)
	if err != nil {
		return nil, false, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set writes value at key within subspace.
func (t *Tx) Set(subspace string, key, value []byte) error {
	b, err := t.bucket(subspace)
	if err != nil {
		return err
	}
	return b.Put(key, value)
}

// Clear removes key within subspace.
func (t *Tx) Clear(subspace string, key []byte) error {
	b, err := t.bucket(subspace)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

// ClearRange removes every key in [begin, end) within subspace.
func (t *Tx) ClearRange(subspace string, begin, end []byte) error {
	b, err := t.bucket(subspace)
	if err != nil {
		return err
	}
	c := b.Cursor()
	var toDelete [][]byte
	for k, _ := c.Seek(begin); k != nil && bytesLess(k, end); k, _ = c.Next() {
		kk := make([]byte, len(k))
		copy(kk, k)
		toDelete = append(toDelete, kk)
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// KV is one key/value pair returned by Range.
type KV struct {
	Key   []byte
	Value []byte
}

// Range scans [begin, end) within subspace, returning at most limit pairs
// (0 means unlimited). When reverse is true the scan walks backward from
// the last key less than end.
func (t *Tx) Range(subspace string, begin, end []byte, limit int, reverse bool) ([]KV, error) {
	b, err := t.bucket(subspace)
	if err != nil {
		return nil, err
	}

	var out []KV
	c := b.Cursor()

	add := func(k, v []byte) bool {
		kk := make([]byte, len(k))
		copy(kk, k)
		vv := make([]byte, len(v))
		copy(vv, v)
		out = append(out, KV{Key: kk, Value: vv})
		return limit == 0 || len(out) < limit
	}

	if !reverse {
		for k, v := c.Seek(begin); k != nil && bytesLess(k, end); k, v = c.Next() {
			if !add(k, v) {
				break
			}
		}
		return out, nil
	}

	// reverse: seek to the first key >= end, then step back to the last
	// key strictly less than end, and walk Prev while >= begin.
	k, v := c.Seek(end)
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for k != nil && !bytesLess(k, begin) {
		if !add(k, v) {
			break
		}
		k, v = c.Prev()
	}
	return out, nil
}

// AtomicAdd adds delta to the int64 stored at key within subspace
// (0 if absent) and returns the new value. Must run inside Transact to be
// atomic with respect to other operations in the same transaction; bbolt's
// single-writer model makes the read-modify-write itself safe even
// standalone.
func (t *Tx) AtomicAdd(subspace string, key []byte, delta int64) (int64, error) {
	b, err := t.bucket(subspace)
	if err != nil {
		return 0, err
	}
	cur := decodeInt64(b.Get(key))
	next := cur + delta
	if err := b.Put(key, encodeInt64(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// NextVersionstamp returns a monotonically increasing counter scoped to
// the whole store, used to order events within a Location deterministically
// when wall-clock time is not precise enough.
func (t *Tx) NextVersionstamp() (int64, error) {
	return t.AtomicAdd(SubMeta, versionstampKey, 1)
}

// GetChunked reassembles a value stored by PutChunked.
func (t *Tx) GetChunked(subspace string, key []byte) ([]byte, bool, error) {
	head, ok, err := t.Get(subspace, chunkKey(key, 0))
	if err != nil || !ok {
		return nil, ok, err
	}
	out := append([]byte(nil), head...)
	for i := 1; len(head) == chunkSize; i++ {
		part, ok, err := t.Get(subspace, chunkKey(key, i))
		if err != nil {
			return nil, false, err
		}
		if !ok {
			break
		}
		out = append(out, part...)
		head = part
	}
	return out, true, nil
}

// PutChunked stores value under key, splitting it into chunkSize-byte
// segments addressed by (key, chunk_idx) tuples within subspace.
func (t *Tx) PutChunked(subspace string, key, value []byte) error {
	if len(value) == 0 {
		return t.Set(subspace, chunkKey(key, 0), nil)
	}
	for i, off := 0, 0; off < len(value); i, off = i+1, off+chunkSize {
		end := off + chunkSize
		if end > len(value) {
			end = len(value)
		}
		if err := t.Set(subspace, chunkKey(key, i), value[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// chunkKey appends the chunk index as a further tuple segment on the raw
// key rather than re-wrapping key as a segment of its own, so chunk rows
// stay inside any prefix range built from the original key's leading
// segments (a history scan over one workflow id must see them).
func chunkKey(key []byte, idx int) []byte {
	return append(append([]byte(nil), key...), EncodeTuple(encodeInt64(int64(idx)))...)
}

// ClearChunked removes every chunk row stored under key by PutChunked,
// without touching rows whose keys merely extend key with further tuple
// segments of a different width.
func (t *Tx) ClearChunked(subspace string, key []byte) error {
	prefix := append(append([]byte(nil), key...), 0, 0, 0, 8)
	begin, end := BytesPrefixRange(prefix)
	return t.ClearRange(subspace, begin, end)
}

// StripChunkIndex removes the trailing chunk-index segment from a key
// returned by a raw Range over chunk-stored rows, recovering the logical
// key the value was stored under. Reports false if key is too short to
// carry one.
func StripChunkIndex(key []byte) ([]byte, bool) {
	// 4-byte length prefix + 8-byte index segment.
	if len(key) < 12 {
		return nil, false
	}
	return key[:len(key)-12], true
}

// ChunkIndexOf decodes the trailing chunk-index segment of a chunk row's
// key.
func ChunkIndexOf(key []byte) (int64, bool) {
	if len(key) < 12 {
		return 0, false
	}
	return decodeInt64(key[len(key)-12+4:]), true
}

// Transact runs fn inside a single read-write bbolt transaction. Kept as
// its own call (rather than exposing *bolt.Tx directly) so the KV
// interface can later be backed by a distributed store whose transactions
// need an explicit retry loop; against bbolt, conflicts can only be a
// lock-acquisition timeout (ErrTimeout), which is retried with the same
// min(base*2^n, cap) backoff policy used for activity retries.
func (s *Store) Transact(fn func(*Tx) error) error {
	backoff := 10 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond
	const maxAttempts = 5

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.db.Update(func(btx *bolt.Tx) error {
			return fn(&Tx{tx: btx})
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if err != bolt.ErrTimeout {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("kv: transaction gave up after %d attempts: %w", maxAttempts, lastErr)
}

// View runs fn inside a read-only bbolt transaction.
func (s *Store) View(fn func(*Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

func bytesLess(a, b []byte) bool {
	if b == nil {
		return true
	}
	return string(a) < string(b)
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	u := uint64(v) ^ (1 << 63) // flip sign bit so byte order matches numeric order
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return int64(u ^ (1 << 63))
}
