package rmq

import (
	"context"
	"sync"
	"time"
)

// MQClient is the transport collaborator this module consumes but does not
// implement: name-server lookup, heartbeat, queue/broker discovery, and
// the raw pull RPC all live on the other side of this interface, per
// spec.md §1's explicit scoping and §6's "MQClient expected methods"
// table. Any method may fail; failures surface through the façade's error
// event rather than panicking internal loops.
type MQClient interface {
	// RegisterConsumer/UnregisterConsumer add/remove this consumer from
	// the process-wide client's bookkeeping under its consumer group.
	RegisterConsumer(group string, c *Consumer) error
	UnregisterConsumer(group string)

	// Ready blocks until the client has completed its initial route and
	// broker discovery, or ctx is done.
	Ready(ctx context.Context) error
	Close() error

	UpdateAllTopicRouterInfo()
	UpdateTopicRouteInfoFromNameServer(ctx context.Context, topic string) error
	SendHeartbeatToAllBroker(ctx context.Context) error
	DoRebalance()

	// FindConsumerIDList returns the client IDs of every live member of
	// group currently consuming topic.
	FindConsumerIDList(ctx context.Context, topic, group string) ([]string, error)

	// QueuesForTopic returns the full MessageQueue set for topic from the
	// cached topic route.
	QueuesForTopic(topic string) ([]MessageQueue, error)

	// FindBrokerAddr resolves brokerName/brokerID to a dialable address.
	// onlyThisBroker restricts the lookup to that exact replica rather
	// than falling back to another replica of the same broker.
	FindBrokerAddr(brokerName string, brokerID int32, onlyThisBroker bool) (addr string, found bool)

	// PullMessage issues the long-poll pull RPC described in spec.md §6.
	PullMessage(ctx context.Context, brokerAddr string, header PullRequestHeader, timeout time.Duration) (*PullResult, error)

	MaxOffset(ctx context.Context, mq MessageQueue) (int64, error)
	SearchOffset(ctx context.Context, mq MessageQueue, timestampMillis int64) (int64, error)

	// FetchConsumerOffset/UpdateConsumerOffset back the remote OffsetStore
	// variant (cluster mode): the broker is the authoritative store.
	FetchConsumerOffset(ctx context.Context, group string, mq MessageQueue) (int64, error)
	UpdateConsumerOffset(ctx context.Context, group string, mq MessageQueue, offset int64) error

	ClientID() string
}

// PullRequestHeader is the pull RPC request header from spec.md §6; its
// field set must match the broker wire contract exactly.
type PullRequestHeader struct {
	ConsumerGroup        string
	Topic                string
	QueueID              int32
	QueueOffset          int64
	MaxMsgNums           int32
	SysFlag              int32
	CommitOffset         int64
	SuspendTimeoutMillis int64
	Subscription         string
	SubVersion           int64
}

// sysFlag bit layout from spec.md §6.
const (
	sysFlagCommitOffset int32 = 1 << 0
	sysFlagSuspend      int32 = 1 << 1
	sysFlagSubscription int32 = 1 << 2
	sysFlagClassFilter  int32 = 1 << 3
)

// clientRegistry is the process-wide, reference-counted MQClient handle
// keyed by a comparable client config, per SPEC_FULL.md §9's replacement
// for the source's ambient import-time singleton: each Consumer.Init
// increments the refcount for its config, and Consumer.Close decrements
// it, closing the underlying MQClient only when the count reaches zero.
type clientRegistry struct {
	mu      sync.Mutex
	entries map[clientConfigKey]*registryEntry
}

type clientConfigKey struct {
	nameServerAddrs string
	instanceName    string
}

type registryEntry struct {
	client   MQClient
	refCount int
}

var globalClientRegistry = &clientRegistry{entries: make(map[clientConfigKey]*registryEntry)}

// acquire returns the shared MQClient for key, constructing one via
// newClient if this is the first acquirer, and bumps its refcount.
func (r *clientRegistry) acquire(key clientConfigKey, newClient func() MQClient) MQClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		entry = &registryEntry{client: newClient()}
		r.entries[key] = entry
	}
	entry.refCount++
	return entry.client
}

// release decrements key's refcount, closing and removing the client once
// it reaches zero.
func (r *clientRegistry) release(key clientConfigKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount > 0 {
		return
	}
	delete(r.entries, key)
	_ = entry.client.Close()
}
