package rmq

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Consumer is the façade from spec.md §4.G: lifecycle (Init/Close),
// Subscribe, event dispatch, and the error funnel. It owns the
// subscription table and process-queue table that the Rebalancer and
// pull workers share.
type Consumer struct {
	cfg       *Config
	newClient func() MQClient
	client    MQClient
	logger    Logger

	instanceID string
	clientKey  clientConfigKey

	subs        *subscriptionTable
	table       *processQueueTable
	offsetStore OffsetStore
	nodeTable   *pullNodeTable
	flowControl *flowControlTable

	events *eventEmitter

	lifecycleMu sync.Mutex
	inited      bool
	closed      bool

	rebalanceMu sync.Mutex // serializes doRebalance with itself

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer constructs a Consumer for cfg. newClient builds the
// out-of-scope MQClient collaborator (spec.md §1) the first time any
// Consumer acquires cfg's (NameServerAddrs, instance identity) key; every
// Consumer sharing that key reuses the same MQClient via the registry in
// client.go instead of calling newClient again.
func NewConsumer(cfg *Config, newClient func() MQClient) (*Consumer, error) {
	if cfg.ConsumerGroup == "" {
		return nil, ErrNoConsumerGroup
	}

	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger()
	}

	c := &Consumer{
		cfg:        cfg,
		logger:     logger,
		newClient:  newClient,

		subs:        newSubscriptionTable(),
		table:       newProcessQueueTable(),
		nodeTable:   newPullNodeTable(),
		flowControl: newFlowControlTable(cfg.PullThresholdForQueue),

		events: newEventEmitter(),
	}

	c.instanceID = c.buildInstanceID()
	c.clientKey = clientConfigKey{nameServerAddrs: cfg.NameServerAddrs, instanceName: c.instanceID}

	return c, nil
}

// buildInstanceID implements spec.md §4.G's "cluster mode changes the
// client's instance identity to include the process id" requirement,
// extended per SPEC_FULL.md §4.G with a random uuid suffix to disambiguate
// same-host, same-recycled-PID races.
func (c *Consumer) buildInstanceID() string {
	if c.cfg.MessageModel != Clustering {
		host, _ := os.Hostname()
		return host
	}
	host, _ := os.Hostname()
	suffix := c.cfg.InstanceNameSuffix
	if suffix == "" {
		suffix = uuid.NewString()
	}
	return fmt.Sprintf("%s@%d@%s", host, os.Getpid(), suffix)
}

func defaultLocalOffsetStorePath(group string) string {
	return fmt.Sprintf("%s/rmq-offsets-%s.json", os.TempDir(), group)
}

// Init registers the consumer with the shared MQClient, waits for it to be
// ready, loads the OffsetStore, and starts the periodic rebalance timer
// (spec.md §4.G).
func (c *Consumer) Init(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.inited {
		return nil
	}
	if c.closed {
		return ErrClosed
	}

	c.client = globalClientRegistry.acquire(c.clientKey, c.newClient)

	if c.cfg.MessageModel == Broadcasting {
		path := c.cfg.LocalOffsetStorePath
		if path == "" {
			path = defaultLocalOffsetStorePath(c.cfg.ConsumerGroup)
		}
		c.offsetStore = NewLocalFileOffsetStore(path, c.logger)
	} else {
		c.offsetStore = NewRemoteOffsetStore(c.cfg.ConsumerGroup, c.client, c.logger)
	}

	if err := c.client.RegisterConsumer(c.cfg.ConsumerGroup, c); err != nil {
		globalClientRegistry.release(c.clientKey)
		return fmt.Errorf("rmq: register consumer: %w", err)
	}
	if err := c.client.Ready(ctx); err != nil {
		c.client.UnregisterConsumer(c.cfg.ConsumerGroup)
		globalClientRegistry.release(c.clientKey)
		return fmt.Errorf("rmq: wait for client ready: %w", err)
	}
	if err := c.offsetStore.Load(); err != nil {
		c.logger.Log(LogLevelWarn, "offset store load failed, offsets left unknown", "err", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.ctx = runCtx
	c.cancel = cancel
	c.inited = true

	c.wg.Add(1)
	go c.rebalanceLoop()

	return nil
}

// Subscribe parses expression into SubscriptionData and registers it for
// topic. Re-subscribing an already-subscribed topic swaps in a wholly new
// SubscriptionData under the table's lock rather than editing the live
// one in place, since pull workers read it concurrently via subs.get. If
// the consumer is already inited, this triggers an immediate route
// refresh, heartbeat, and rebalance (spec.md §4.G).
func (c *Consumer) Subscribe(topic, expression string) error {
	sd, err := ParseSubscription(topic, expression)
	if err != nil {
		return err
	}
	c.subs.set(sd)

	c.lifecycleMu.Lock()
	inited := c.inited
	c.lifecycleMu.Unlock()
	if !inited {
		return nil
	}

	go func() {
		ctx := c.ctx
		if err := c.client.UpdateTopicRouteInfoFromNameServer(ctx, topic); err != nil {
			c.events.emitError(fmt.Errorf("rmq: route refresh after subscribe: %w", err))
		}
		if err := c.client.SendHeartbeatToAllBroker(ctx); err != nil {
			c.events.emitError(fmt.Errorf("rmq: heartbeat after subscribe: %w", err))
		}
		c.doRebalance()
	}()
	return nil
}

// OnMessage registers the canonical two-argument delivery callback.
func (c *Consumer) OnMessage(l MessageListener) { c.events.onMessage(l) }

// OnMessageLegacy registers a one-argument, auto-acking delivery callback
// for backwards compatibility (spec.md §4.G, §9).
func (c *Consumer) OnMessageLegacy(l LegacyMessageListener) {
	c.events.onMessage(wrapLegacy(l, func(recovered interface{}) {
		c.events.emitError(fmt.Errorf("rmq: legacy message listener panicked: %v", recovered))
	}))
}

// OnMessageQueueChanged registers a rebalance-diff listener.
func (c *Consumer) OnMessageQueueChanged(l MessageQueueChangedListener) {
	c.events.onMessageQueueChanged(l)
}

// OnError registers a funnel for asynchronous errors (spec.md §4.G, §7).
func (c *Consumer) OnError(l ErrorListener) { c.events.onError(l) }

// Close clears the inited flag, flushes every known offset, unregisters
// from MQClient, and removes all listeners (spec.md §4.G). It is
// idempotent.
func (c *Consumer) Close() error {
	c.lifecycleMu.Lock()
	if c.closed {
		c.lifecycleMu.Unlock()
		return nil
	}
	wasInited := c.inited
	c.inited = false
	c.closed = true
	c.lifecycleMu.Unlock()

	if !wasInited {
		c.events.clear()
		return nil
	}

	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}

	rows := c.table.Snapshot()
	mqs := make([]MessageQueue, len(rows))
	for i, row := range rows {
		mqs[i] = row.MessageQueue
	}
	if err := c.offsetStore.PersistAll(mqs); err != nil {
		c.logger.Log(LogLevelWarn, "final offset flush incomplete", "err", err)
	}

	c.client.UnregisterConsumer(c.cfg.ConsumerGroup)
	globalClientRegistry.release(c.clientKey)
	c.events.clear()
	return nil
}

// rebalanceLoop fires doRebalance on the periodic timer from spec.md
// §4.E's "(e) periodic timer" trigger, until Close cancels the consumer's
// context.
func (c *Consumer) rebalanceLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.doRebalance()
		}
	}
}

// pullNodeTable is PullFromWhichNodeTable from spec.md §3: queue key ->
// broker node id hint, defaulting to the master (0).
type pullNodeTable struct {
	mu   sync.RWMutex
	byMQ map[string]int32
}

func newPullNodeTable() *pullNodeTable { return &pullNodeTable{byMQ: make(map[string]int32)} }

func (t *pullNodeTable) get(mq MessageQueue) int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id, ok := t.byMQ[mq.Key()]; ok {
		return id
	}
	return 0 // master
}

func (t *pullNodeTable) set(mq MessageQueue, brokerID int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byMQ[mq.Key()] = brokerID
}
