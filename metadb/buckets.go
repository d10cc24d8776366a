package metadb

import "encoding/binary"

// Bucket names for bbolt storage.
var (
	bucketEntries     = []byte("entries")       // id(8-byte BE) -> Entry JSON
	bucketBySource    = []byte("by_source")     // source -> id(8-byte BE), active entries only
	bucketByCachePath = []byte("by_cache_path") // cache_path -> JSON array of ids sharing the blob
)

// encodeID converts an id to its fixed-width big-endian key form.
func encodeID(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// decodeID converts a fixed-width big-endian key back to an id.
func decodeID(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
