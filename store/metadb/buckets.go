package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketEntries = []byte("entries") // kind|uri|key -> CBOR record

	// Expiry index used by the reaper.
	bucketEntriesByExpiry    = []byte("entries_by_expiry")     // timestamp|kind|uri|key -> kind|uri|key
	bucketEntriesExpiryByKey = []byte("entries_expiry_by_key") // kind|uri|key -> 8-byte timestamp (reverse index)
)

// Entry kinds.
const (
	kindNarInfo   = "narinfo"
	kindCacheInfo = "cache-info"
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeEntryKey creates a compound key.
// Format: [kind][separator][uri][separator][key]
func makeEntryKey(kind, uri, key string) []byte {
	result := make([]byte, 0, len(kind)+1+len(uri)+1+len(key))
	result = append(result, kind...)
	result = append(result, 0)
	result = append(result, uri...)
	result = append(result, 0)
	result = append(result, key...)
	return result
}

// parseEntryKey extracts kind, uri and key from a compound key.
func parseEntryKey(data []byte) (kind, uri, key string) {
	separators := 0
	start := 0
	for i, b := range data {
		if b != 0 {
			continue
		}
		switch separators {
		case 0:
			kind = string(data[start:i])
		case 1:
			uri = string(data[start:i])
			key = string(data[i+1:])
			return kind, uri, key
		}
		separators++
		start = i + 1
	}
	return string(data), "", ""
}

// makeExpiryKey creates a key for the expiry index.
// Format: [8-byte timestamp][compound key]
func makeExpiryKey(expiresAt time.Time, compoundKey []byte) []byte {
	result := make([]byte, 0, 8+len(compoundKey))
	result = append(result, encodeTimestamp(expiresAt)...)
	return append(result, compoundKey...)
}
