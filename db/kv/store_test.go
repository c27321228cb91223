package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SetGetClear(t *testing.T) {
	s := openTestStore(t)

	err := s.Transact(func(tx *Tx) error {
		return tx.Set(SubWorkflows, []byte("wf-1"), []byte("payload"))
	})
	require.NoError(t, err)

	err = s.View(func(tx *Tx) error {
		v, ok, err := tx.Get(SubWorkflows, []byte("wf-1"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "payload", string(v))
		return nil
	})
	require.NoError(t, err)

	err = s.Transact(func(tx *Tx) error {
		return tx.Clear(SubWorkflows, []byte("wf-1"))
	})
	require.NoError(t, err)

	err = s.View(func(tx *Tx) error {
		_, ok, err := tx.Get(SubWorkflows, []byte("wf-1"))
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_RangeOrdering(t *testing.T) {
	s := openTestStore(t)

	wfID := []byte("wf-1")
	err := s.Transact(func(tx *Tx) error {
		for i := 0; i < 5; i++ {
			k := EncodeTuple(wfID, encodeInt64(int64(i)))
			if err := tx.Set(SubHistory, k, []byte{byte(i)}); err != nil {
				return err
			}
		}
		// A neighboring workflow's history must never show up in wf-1's scan.
		other := EncodeTuple([]byte("wf-2"), encodeInt64(0))
		return tx.Set(SubHistory, other, []byte("other"))
	})
	require.NoError(t, err)

	begin, end := PrefixRange(wfID)
	err = s.View(func(tx *Tx) error {
		rows, err := tx.Range(SubHistory, begin, end, 0, false)
		require.NoError(t, err)
		require.Len(t, rows, 5)
		for i, row := range rows {
			require.Equal(t, byte(i), row.Value[0])
		}
		return nil
	})
	require.NoError(t, err)
}

func TestStore_RangeReverse(t *testing.T) {
	s := openTestStore(t)

	wfID := []byte("wf-1")
	err := s.Transact(func(tx *Tx) error {
		for i := 0; i < 5; i++ {
			k := EncodeTuple(wfID, encodeInt64(int64(i)))
			if err := tx.Set(SubHistory, k, []byte{byte(i)}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	begin, end := PrefixRange(wfID)
	err = s.View(func(tx *Tx) error {
		rows, err := tx.Range(SubHistory, begin, end, 2, true)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		require.Equal(t, byte(4), rows[0].Value[0])
		require.Equal(t, byte(3), rows[1].Value[0])
		return nil
	})
	require.NoError(t, err)
}

func TestStore_AtomicAddAndVersionstamp(t *testing.T) {
	s := openTestStore(t)

	err := s.Transact(func(tx *Tx) error {
		v1, err := tx.NextVersionstamp()
		require.NoError(t, err)
		require.Equal(t, int64(1), v1)
		v2, err := tx.NextVersionstamp()
		require.NoError(t, err)
		require.Equal(t, int64(2), v2)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ChunkedRoundTrip(t *testing.T) {
	s := openTestStore(t)

	big := make([]byte, 250*1024)
	for i := range big {
		big[i] = byte(i % 251)
	}

	key := []byte("big-blob")
	err := s.Transact(func(tx *Tx) error {
		return tx.PutChunked(SubHistory, key, big)
	})
	require.NoError(t, err)

	err = s.View(func(tx *Tx) error {
		got, ok, err := tx.GetChunked(SubHistory, key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, big, got)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ChunkRowsStayInsideLogicalKeyPrefix(t *testing.T) {
	s := openTestStore(t)

	wfID := []byte("wf-1")
	key := append(EncodeTuple(wfID), EncodeTuple([]byte{0, 0, 0, 7})...)
	value := make([]byte, 2*chunkSize+17)
	for i := range value {
		value[i] = byte(i)
	}

	err := s.Transact(func(tx *Tx) error {
		return tx.PutChunked(SubHistory, key, value)
	})
	require.NoError(t, err)

	// A range scan over the workflow-id prefix must see every chunk row,
	// each carrying a strippable index back to the logical key.
	begin, end := BytesPrefixRange(EncodeTuple(wfID))
	err = s.View(func(tx *Tx) error {
		rows, err := tx.Range(SubHistory, begin, end, 0, false)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		for i, row := range rows {
			base, ok := StripChunkIndex(row.Key)
			require.True(t, ok)
			require.Equal(t, key, base)
			idx, ok := ChunkIndexOf(row.Key)
			require.True(t, ok)
			require.Equal(t, int64(i), idx)
		}
		return nil
	})
	require.NoError(t, err)

	err = s.Transact(func(tx *Tx) error {
		return tx.ClearChunked(SubHistory, key)
	})
	require.NoError(t, err)

	err = s.View(func(tx *Tx) error {
		_, ok, err := tx.GetChunked(SubHistory, key)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestTuple_EncodeDecode(t *testing.T) {
	encoded := EncodeTuple([]byte("wf-1"), []byte("loc"), []byte{0, 1, 2})
	segments, err := DecodeTuple(encoded)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("wf-1"), []byte("loc"), {0, 1, 2}}, segments)
}
