package rmq

import (
	"context"
	"testing"
	"time"
)

// newDeliverTestConsumer is like newTestConsumer but leaves ctx live (not
// pre-cancelled), since deliver's select races <-done against <-c.ctx.Done()
// and an already-cancelled context would make the test flaky.
func newDeliverTestConsumer(t *testing.T, cfg *Config) *Consumer {
	t.Helper()
	c := newTestConsumer(t, &fakeMQClient{}, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.ctx = ctx
	return c
}

func TestFilterByTagMatchAllPassesEverything(t *testing.T) {
	sd, err := ParseSubscription("orders", "*")
	if err != nil {
		t.Fatal(err)
	}
	msgs := []*Message{{Tags: "A"}, {Tags: "B"}, {Tags: ""}}
	got := filterByTag(msgs, sd)
	if len(got) != len(msgs) {
		t.Fatalf("filterByTag with match-all = %d messages, want %d", len(got), len(msgs))
	}
}

func TestFilterByTagExcludesNonMatching(t *testing.T) {
	sd, err := ParseSubscription("orders", "TagA || TagB")
	if err != nil {
		t.Fatal(err)
	}
	msgs := []*Message{{Tags: "TagA"}, {Tags: "TagC"}, {Tags: "TagB"}}
	got := filterByTag(msgs, sd)
	if len(got) != 2 {
		t.Fatalf("filterByTag = %d messages, want 2", len(got))
	}
	for _, m := range got {
		if m.Tags != "TagA" && m.Tags != "TagB" {
			t.Errorf("unexpected message with tag %q survived the filter", m.Tags)
		}
	}
}

func TestFilterByTagClassFilterPassesEverything(t *testing.T) {
	sd := &SubscriptionData{
		Topic:           "orders",
		TagsSet:         map[string]struct{}{"TagA": {}},
		ClassFilterMode: true,
	}
	msgs := []*Message{{Tags: "TagA"}, {Tags: "anything"}}
	if got := filterByTag(msgs, sd); len(got) != 2 {
		t.Fatalf("class-filter subscription should pass every message, got %d", len(got))
	}
}

func TestSleepCtxReturnsTrueOnNormalExpiry(t *testing.T) {
	if !sleepCtx(context.Background(), time.Millisecond) {
		t.Fatal("sleepCtx should return true when the timer fires before ctx is done")
	}
}

func TestSleepCtxZeroDurationReturnsImmediately(t *testing.T) {
	start := time.Now()
	if !sleepCtx(context.Background(), 0) {
		t.Fatal("sleepCtx(0) should return true")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("sleepCtx(0) should return immediately")
	}
}

func TestSleepCtxReturnsFalseWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, time.Hour) {
		t.Fatal("sleepCtx should return false when ctx is already done")
	}
}

func TestFlowControlTableAcquireRelease(t *testing.T) {
	table := newFlowControlTable(2)
	mq := MessageQueue{Topic: "orders", BrokerName: "b", QueueID: 0}
	sem := table.forQueue(mq)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx, 2); err != nil {
		t.Fatalf("first Acquire(2) should succeed immediately: %v", err)
	}

	blockedCtx, blockedCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer blockedCancel()
	if err := sem.Acquire(blockedCtx, 1); err == nil {
		t.Fatal("Acquire should block while all credits are held")
	}

	sem.Release(2)
	freshCtx, freshCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer freshCancel()
	if err := sem.Acquire(freshCtx, 2); err != nil {
		t.Fatalf("Acquire should succeed again after Release: %v", err)
	}
}

func TestFlowControlTableReusesSemaphorePerQueue(t *testing.T) {
	table := newFlowControlTable(5)
	mq := MessageQueue{Topic: "orders", BrokerName: "b", QueueID: 0}
	if table.forQueue(mq) != table.forQueue(mq) {
		t.Fatal("forQueue should return the same semaphore for the same queue")
	}
}

func TestFlowControlTableNonPositiveThresholdClampsToOne(t *testing.T) {
	table := newFlowControlTable(0)
	if table.threshold != 1 {
		t.Fatalf("threshold = %d, want 1 for a non-positive input", table.threshold)
	}
}

func TestDeliverChunksByConsumeMessageBatchMaxSizeAndAdvancesPerChunk(t *testing.T) {
	cfg := NewConfig("test-group")
	cfg.ConsumeMessageBatchMaxSize = 2
	cfg.DeliveryTimeout = time.Second
	c := newDeliverTestConsumer(t, cfg)

	mq := MessageQueue{Topic: "orders", BrokerName: "b", QueueID: 0}
	pr, _ := c.table.Insert(mq, 0)

	var gotBatches [][]*Message
	c.events.onMessage(func(_ MessageQueue, batch []*Message, ack AckFunc) {
		gotBatches = append(gotBatches, batch)
		ack()
	})

	msgs := []*Message{
		{Topic: "orders", QueueOffset: 10},
		{Topic: "orders", QueueOffset: 11},
		{Topic: "orders", QueueOffset: 12},
	}
	sem := c.flowControl.forQueue(mq)
	if err := sem.Acquire(c.ctx, 3); err != nil {
		t.Fatal(err)
	}
	c.deliver(mq, pr, sem, 3, msgs, 13)

	if len(gotBatches) != 2 {
		t.Fatalf("got %d delivered chunks, want 2 (batch size 2 over 3 messages)", len(gotBatches))
	}
	if len(gotBatches[0]) != 2 || len(gotBatches[1]) != 1 {
		t.Fatalf("chunk sizes = %d,%d want 2,1", len(gotBatches[0]), len(gotBatches[1]))
	}
	if got := pr.NextOffset(); got != 13 {
		t.Fatalf("NextOffset after both chunks acked = %d, want 13 (last message QueueOffset 12 + 1)", got)
	}
}

func TestDeliverStopsAtFirstUnackedChunk(t *testing.T) {
	cfg := NewConfig("test-group")
	cfg.ConsumeMessageBatchMaxSize = 1
	cfg.DeliveryTimeout = 10 * time.Millisecond
	c := newDeliverTestConsumer(t, cfg)

	mq := MessageQueue{Topic: "orders", BrokerName: "b", QueueID: 0}
	pr, _ := c.table.Insert(mq, 0)

	calls := 0
	c.events.onMessage(func(_ MessageQueue, batch []*Message, ack AckFunc) {
		calls++
		if calls == 1 {
			ack()
		}
		// second chunk is never acked, so deliver should time out and stop.
	})

	msgs := []*Message{
		{Topic: "orders", QueueOffset: 10},
		{Topic: "orders", QueueOffset: 11},
	}
	sem := c.flowControl.forQueue(mq)
	if err := sem.Acquire(c.ctx, 2); err != nil {
		t.Fatal(err)
	}
	c.deliver(mq, pr, sem, 2, msgs, 12)

	if calls != 2 {
		t.Fatalf("listener invoked %d times, want 2 (first acked, second times out)", calls)
	}
	if got := pr.NextOffset(); got != 11 {
		t.Fatalf("NextOffset after a stalled second chunk = %d, want 11 (only the first chunk's ack advanced it)", got)
	}
}
