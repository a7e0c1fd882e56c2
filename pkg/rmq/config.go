package rmq

import "time"

// ConsumeFromWhere selects the seed policy computePullFromWhere uses the
// first time a queue is acquired with no known offset (spec.md §4.E).
type ConsumeFromWhere int

const (
	// ConsumeFromLastOffset resumes from the last committed offset, or
	// the tail of the queue (MQClient.MaxOffset) if none is known yet
	// (retry topics seed at 0 instead; see spec.md §4.E's table).
	ConsumeFromLastOffset ConsumeFromWhere = iota
	// ConsumeFromFirstOffset resumes from the last committed offset, or
	// 0 if none is known yet.
	ConsumeFromFirstOffset
	// ConsumeFromTimestamp resumes from the last committed offset, or
	// the offset nearest ConsumeTimestamp if none is known yet (retry
	// topics seed at the tail instead).
	ConsumeFromTimestamp
)

// MessageModel selects broadcast vs. cluster consumption, which in turn
// selects the OffsetStore variant (spec.md §4.A, §6).
type MessageModel int

const (
	// Clustering divides each topic's queues among the group's members
	// and uses RemoteOffsetStore.
	Clustering MessageModel = iota
	// Broadcasting gives every member every queue and uses
	// LocalFileOffsetStore.
	Broadcasting
)

// Config holds every recognized option from spec.md §6, plus the
// SPEC_FULL.md ambient/domain additions. Build one with NewConfig and a
// list of Opt values.
type Config struct {
	ConsumerGroup string
	MessageModel  MessageModel

	// NameServerAddrs identifies which shared MQClient this consumer
	// joins: Consumers in one process with the same NameServerAddrs and
	// the same instance identity acquire the same process-wide client
	// handle from the registry in client.go. In cluster mode the identity
	// matches only when InstanceNameSuffix is the same non-empty value
	// (an empty suffix gets a fresh random uuid per Consumer); in
	// broadcast mode the identity is the host name alone.
	NameServerAddrs string

	ConsumeFromWhere ConsumeFromWhere
	// ConsumeTimestamp is used only when ConsumeFromWhere is
	// ConsumeFromTimestamp; default is now - 30min, set by NewConfig.
	ConsumeTimestamp time.Time

	PullBatchSize int32
	PullInterval  time.Duration

	// PullThresholdForQueue is the soft flow-control ceiling on unacked
	// messages per queue; PullThresholdSizeForQueue is its byte-budget
	// counterpart, and the ForTopic variants are topic-wide budgets that
	// would redistribute across a topic's queues (accepted for
	// forward-compatibility, per SPEC_FULL.md §6; only
	// PullThresholdForQueue gates the pull-worker semaphore today).
	PullThresholdForQueue     int64
	PullThresholdSizeForQueue int
	PullThresholdForTopic     int
	PullThresholdSizeForTopic int

	BrokerSuspendMaxTimeMillis       int64
	ConsumerTimeoutMillisWhenSuspend int64
	PullTimeDelayMillsWhenException  time.Duration
	PostSubscriptionWhenPull         bool
	ConsumeMessageBatchMaxSize       int
	AllocateMessageQueueStrategy     AllocationStrategy
	DeliveryTimeout                  time.Duration
	RebalanceInterval                time.Duration
	OffsetIllegalBackoff             time.Duration

	Logger Logger

	// LocalOffsetStorePath is the file backing LocalFileOffsetStore when
	// MessageModel is Broadcasting. Defaults to a per-group path under
	// the OS temp dir if unset.
	LocalOffsetStorePath string

	// InstanceNameSuffix, when non-empty, overrides the random
	// google/uuid suffix SPEC_FULL.md §4.G adds to the cluster-mode
	// client instance identity; mainly useful to make tests
	// deterministic.
	InstanceNameSuffix string
}

// Opt configures a Config; see the With* functions below.
type Opt func(*Config)

// NewConfig builds a Config from opts, applying every default named in
// spec.md §6.
func NewConfig(consumerGroup string, opts ...Opt) *Config {
	c := &Config{
		ConsumerGroup:                    consumerGroup,
		MessageModel:                     Clustering,
		ConsumeFromWhere:                 ConsumeFromLastOffset,
		ConsumeTimestamp:                 time.Now().Add(-30 * time.Minute),
		PullBatchSize:                    32,
		PullInterval:                     0,
		PullThresholdForQueue:            1000,
		PullThresholdSizeForQueue:        100 * 1024 * 1024,
		PullThresholdForTopic:            -1,
		PullThresholdSizeForTopic:        -1,
		BrokerSuspendMaxTimeMillis:       15000,
		ConsumerTimeoutMillisWhenSuspend: 30000,
		PullTimeDelayMillsWhenException:  3 * time.Second,
		PostSubscriptionWhenPull:         true,
		ConsumeMessageBatchMaxSize:       1,
		AllocateMessageQueueStrategy:     AveragedAllocationStrategy{},
		DeliveryTimeout:                  3 * time.Second,
		RebalanceInterval:                20 * time.Second,
		OffsetIllegalBackoff:             10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithMessageModel(m MessageModel) Opt { return func(c *Config) { c.MessageModel = m } }

func WithConsumeFromWhere(w ConsumeFromWhere) Opt {
	return func(c *Config) { c.ConsumeFromWhere = w }
}

func WithConsumeTimestamp(t time.Time) Opt { return func(c *Config) { c.ConsumeTimestamp = t } }

func WithPullBatchSize(n int32) Opt { return func(c *Config) { c.PullBatchSize = n } }

func WithPullInterval(d time.Duration) Opt { return func(c *Config) { c.PullInterval = d } }

func WithPullThresholdForQueue(n int64) Opt {
	return func(c *Config) { c.PullThresholdForQueue = n }
}

func WithAllocateMessageQueueStrategy(s AllocationStrategy) Opt {
	return func(c *Config) { c.AllocateMessageQueueStrategy = s }
}

func WithDeliveryTimeout(d time.Duration) Opt { return func(c *Config) { c.DeliveryTimeout = d } }

func WithLogger(l Logger) Opt { return func(c *Config) { c.Logger = l } }

func WithLocalOffsetStorePath(path string) Opt {
	return func(c *Config) { c.LocalOffsetStorePath = path }
}

func WithNameServerAddrs(addrs string) Opt {
	return func(c *Config) { c.NameServerAddrs = addrs }
}

func WithInstanceNameSuffix(suffix string) Opt {
	return func(c *Config) { c.InstanceNameSuffix = suffix }
}

// isRetryTopic reports whether topic is a broker-managed retry topic
// (spec.md §6's "%RETRY%" prefix rule).
func isRetryTopic(topic string) bool {
	const retryPrefix = "%RETRY%"
	return len(topic) >= len(retryPrefix) && topic[:len(retryPrefix)] == retryPrefix
}
