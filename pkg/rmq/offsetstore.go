package rmq

// ReadOffsetType selects whether readOffset may answer from the in-memory
// cache or must consult stable storage, per spec.md §4.A.
type ReadOffsetType int

const (
	// ReadFromMemory answers from the in-memory cache only.
	ReadFromMemory ReadOffsetType = iota
	// ReadFromStore answers from memory when the offset is cached there;
	// on a miss the cluster-mode store fetches it from the broker. The
	// local-file store has the file's contents in memory after Load, so
	// it answers from memory for both read types.
	ReadFromStore
)

// OffsetNotFound is the sentinel "no known offset" value, returned by
// ReadOffset when absent (spec.md §4.A).
const OffsetNotFound int64 = -1

// OffsetStore maintains the authoritative consumed-offset per queue for
// one consumer group. Two variants exist: a local-file store for
// broadcast mode and a remote-broker-backed store for cluster mode; both
// satisfy this same interface (spec.md §4.A).
type OffsetStore interface {
	// Load initializes from stable storage. A failure here is a
	// load-error: it is logged and leaves offsets at OffsetNotFound
	// rather than propagating, per spec.md §4.A's failure semantics.
	Load() error

	// ReadOffset returns the last known offset for mq, or
	// OffsetNotFound if absent.
	ReadOffset(mq MessageQueue, typ ReadOffsetType) int64

	// UpdateOffset sets the in-memory offset for mq. If increaseOnly is
	// true, the update is applied only when offset is strictly greater
	// than the current value.
	UpdateOffset(mq MessageQueue, offset int64, increaseOnly bool)

	// Persist flushes mq's in-memory offset to stable storage.
	Persist(mq MessageQueue) error

	// PersistAll flushes every queue in mqs to stable storage in one
	// batch.
	PersistAll(mqs []MessageQueue) error

	// RemoveOffset drops the in-memory record for mq.
	RemoveOffset(mq MessageQueue)
}
