package cache

// Cache is a key to encoded-bytes store. Keys are canonical tile keys
// (collectionId/timestamp/level/column/row/band). Implementations may evict
// entries at any time; callers must treat a miss as normal.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Has(key string) bool // Check if tile exists without reading it (lightweight check)
	Remove(key string)
	Clear()
}
