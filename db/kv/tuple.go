package kv

import "fmt"

// EncodeTuple concatenates segments into a single byte-sortable key.
// Each segment is length-prefixed (4-byte big-endian) so DecodeTuple can
// split it back apart and so one segment's bytes are never read as the
// start of a longer segment ("wf-1" and "wf-10" differ in their length
// prefix) — required for subspace prefix scans (e.g. "all history for workflow X") to return exactly the
// intended rows and nothing from a neighboring key.
func EncodeTuple(segments ...[]byte) []byte {
	out := make([]byte, 0, 64)
	for _, seg := range segments {
		n := len(seg)
		out = append(out,
			byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		out = append(out, seg...)
	}
	return out
}

// DecodeTuple splits a key produced by EncodeTuple back into its segments.
func DecodeTuple(key []byte) ([][]byte, error) {
	var segments [][]byte
	for len(key) > 0 {
		if len(key) < 4 {
			return nil, fmt.Errorf("kv: truncated tuple length prefix")
		}
		n := int(key[0])<<24 | int(key[1])<<16 | int(key[2])<<8 | int(key[3])
		key = key[4:]
		if len(key) < n {
			return nil, fmt.Errorf("kv: truncated tuple segment")
		}
		segments = append(segments, key[:n])
		key = key[n:]
	}
	return segments, nil
}

// PrefixRange returns the [begin, end) bounds that select every key whose
// tuple starts with the given encoded prefix segments.
func PrefixRange(segments ...[]byte) (begin, end []byte) {
	return BytesPrefixRange(EncodeTuple(segments...))
}

// BytesPrefixRange returns the [begin, end) bounds that select every key
// starting with the raw byte string prefix. Unlike PrefixRange, prefix is
// used as-is rather than re-encoded as a tuple segment — for keys built
// by concatenating an already-encoded tuple with further raw segments
// (e.g. a workflow-id segment followed by a Location's own segments).
func BytesPrefixRange(prefix []byte) (begin, end []byte) {
	begin = prefix
	end = make([]byte, len(prefix))
	copy(end, prefix)
	// Increment the last byte to get the exclusive upper bound; if every
	// byte is already 0xFF, extend with a single 0x00 so end still sorts
	// after every key starting with prefix (finite key space makes this
	// pathological case unreachable in practice since we always append a
	// length-prefixed byte segment).
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return begin, end
		}
		end[i] = 0x00
	}
	return begin, append(end, 0xFF)
}
