package rmq

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MessageQueue identifies a single partition of a topic on a broker. It is
// immutable once constructed and comparable by value.
type MessageQueue struct {
	Topic      string
	BrokerName string
	QueueID    int32
}

// Key returns the canonical "topic@broker@id" string used to index the
// process-queue table and the pull-from-which-node table.
func (mq MessageQueue) Key() string {
	return fmt.Sprintf("%s@%s@%d", mq.Topic, mq.BrokerName, mq.QueueID)
}

func (mq MessageQueue) String() string { return mq.Key() }

// compare orders MessageQueues by (topic, brokerName, queueID) lexically
// with a numeric tie-break on queueID, matching the sort AllocationStrategy
// requires of its mqList input.
func (mq MessageQueue) compare(other MessageQueue) int {
	if mq.Topic != other.Topic {
		if mq.Topic < other.Topic {
			return -1
		}
		return 1
	}
	if mq.BrokerName != other.BrokerName {
		if mq.BrokerName < other.BrokerName {
			return -1
		}
		return 1
	}
	switch {
	case mq.QueueID < other.QueueID:
		return -1
	case mq.QueueID > other.QueueID:
		return 1
	default:
		return 0
	}
}

// SortMessageQueues sorts mqs in place per the AllocationStrategy contract.
func SortMessageQueues(mqs []MessageQueue) {
	sort.Slice(mqs, func(i, j int) bool { return mqs[i].compare(mqs[j]) < 0 })
}

// ProcessQueue is the per-queue runtime control block. dropped is write-once
// (false -> true); lastPullTimestamp is read by the rebalancer to detect a
// stalled pull worker.
type ProcessQueue struct {
	lastPullTimestamp atomic.Int64 // unix nanos
	dropped           atomic.Bool
}

func newProcessQueue() *ProcessQueue {
	pq := &ProcessQueue{}
	pq.touch()
	return pq
}

func (pq *ProcessQueue) touch() {
	pq.lastPullTimestamp.Store(time.Now().UnixNano())
}

// LastPullTime returns the last time the owning pull worker began a pull.
func (pq *ProcessQueue) LastPullTime() time.Time {
	return time.Unix(0, pq.lastPullTimestamp.Load())
}

// IsDropped reports whether the queue has been revoked by the rebalancer.
func (pq *ProcessQueue) IsDropped() bool { return pq.dropped.Load() }

// drop marks the queue revoked. It is idempotent; only the first call has
// any effect on observers polling IsDropped.
func (pq *ProcessQueue) drop() { pq.dropped.Store(true) }

// IsPullExpired reports whether the queue has gone longer than threshold
// since its last pull attempt, per spec.md's pull-expiry invariant.
func (pq *ProcessQueue) IsPullExpired(threshold time.Duration) bool {
	return time.Since(pq.LastPullTime()) > threshold
}

// DefaultPullExpiryThreshold is the "typically 2 minutes" value from the
// ProcessQueue invariant in spec.md §3.
const DefaultPullExpiryThreshold = 2 * time.Minute

// PullRequest is a single row of the process-queue table: the queue it
// names, its runtime control block, and the next offset to request.
//
// nextOffset is only ever mutated by the row's own pull worker; the
// rebalancer only reads it (e.g. to persist on removal) and never writes
// it, per spec.md §9's "rebalancer never mutates nextOffset" guidance.
type PullRequest struct {
	MessageQueue MessageQueue
	ProcessQueue *ProcessQueue
	nextOffset   atomic.Int64
}

// NextOffset returns the offset the next pull will request.
func (pr *PullRequest) NextOffset() int64 { return pr.nextOffset.Load() }

// SetNextOffset is called only by the pull worker that owns this row.
func (pr *PullRequest) SetNextOffset(offset int64) { pr.nextOffset.Store(offset) }

// PullStatus is the broker's reply tag for a pull RPC.
type PullStatus int

const (
	// PullFound indicates the broker returned at least one message.
	PullFound PullStatus = iota
	// PullNoNewMsg indicates there is nothing new past nextBeginOffset.
	PullNoNewMsg
	// PullNoMatchedMsg indicates messages existed but none matched the
	// subscription's server-side coarse filter.
	PullNoMatchedMsg
	// PullOffsetIllegal indicates the requested offset is out of the
	// broker's valid range for the queue.
	PullOffsetIllegal
)

func (s PullStatus) String() string {
	switch s {
	case PullFound:
		return "FOUND"
	case PullNoNewMsg:
		return "NO_NEW_MSG"
	case PullNoMatchedMsg:
		return "NO_MATCHED_MSG"
	case PullOffsetIllegal:
		return "OFFSET_ILLEGAL"
	default:
		return "UNKNOWN"
	}
}

// PullResult is the decoded reply to a pull RPC, handed back by MQClient.
type PullResult struct {
	Status               PullStatus
	NextBeginOffset      int64
	SuggestWhichBrokerID int32
	MsgFoundList         []*Message
}

// processQueueTable is the concurrent, ordered map from queue key to
// PullRequest row described in SPEC_FULL.md §3: rows are kept in a
// key-sorted slice alongside a lookup map, both guarded by a single mutex,
// so rebalance reconciliation always iterates in a deterministic order.
// The rebalancer holds the lock only across structural insert/delete; pull
// workers address their own row directly via the *PullRequest handle
// returned at insert time and never need the lock to read or write
// nextOffset/dropped.
type processQueueTable struct {
	mu      sync.Mutex
	byKey   map[string]*PullRequest
	ordered []string // sorted keys, kept in sync with byKey
}

func newProcessQueueTable() *processQueueTable {
	return &processQueueTable{byKey: make(map[string]*PullRequest)}
}

// Get returns the row for mq, if present.
func (t *processQueueTable) Get(mq MessageQueue) (*PullRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.byKey[mq.Key()]
	return pr, ok
}

// Insert adds a new row for mq if absent, returning the new row and true;
// if a row for mq already exists (e.g. a concurrent caller beat us to
// it), it returns nil and false.
func (t *processQueueTable) Insert(mq MessageQueue, startOffset int64) (*PullRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := mq.Key()
	if _, ok := t.byKey[key]; ok {
		return nil, false
	}
	pr := &PullRequest{MessageQueue: mq, ProcessQueue: newProcessQueue()}
	pr.SetNextOffset(startOffset)
	t.byKey[key] = pr
	idx := sort.SearchStrings(t.ordered, key)
	t.ordered = append(t.ordered, "")
	copy(t.ordered[idx+1:], t.ordered[idx:])
	t.ordered[idx] = key
	return pr, true
}

// Delete removes the row for mq, if present.
func (t *processQueueTable) Delete(mq MessageQueue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := mq.Key()
	if _, ok := t.byKey[key]; !ok {
		return
	}
	delete(t.byKey, key)
	idx := sort.SearchStrings(t.ordered, key)
	if idx < len(t.ordered) && t.ordered[idx] == key {
		t.ordered = append(t.ordered[:idx], t.ordered[idx+1:]...)
	}
}

// Len reports the number of rows currently in the table.
func (t *processQueueTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

// Snapshot returns every row currently in the table, in ascending key
// order, for use by the rebalancer's reconciliation passes.
func (t *processQueueTable) Snapshot() []*PullRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows := make([]*PullRequest, 0, len(t.ordered))
	for _, key := range t.ordered {
		rows = append(rows, t.byKey[key])
	}
	return rows
}
