package rmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// flowControlTable hands out one semaphore.Weighted per queue, sized to
// Config.PullThresholdForQueue, implementing the "soft flow-control
// ceiling on unacked messages per queue" from spec.md §4.F: a worker
// reserves credits for a pull before issuing it and releases them once
// delivery of the corresponding messages ends (acked, timed out, or found
// not to need delivery), so a queue whose consumer falls behind stalls its
// own pull worker rather than the whole client.
type flowControlTable struct {
	mu        sync.Mutex
	byMQ      map[string]*semaphore.Weighted
	threshold int64
}

func newFlowControlTable(threshold int64) *flowControlTable {
	if threshold <= 0 {
		threshold = 1
	}
	return &flowControlTable{byMQ: make(map[string]*semaphore.Weighted), threshold: threshold}
}

func (t *flowControlTable) forQueue(mq MessageQueue) *semaphore.Weighted {
	t.mu.Lock()
	defer t.mu.Unlock()
	sem, ok := t.byMQ[mq.Key()]
	if !ok {
		sem = semaphore.NewWeighted(t.threshold)
		t.byMQ[mq.Key()] = sem
	}
	return sem
}

// spawnPullWorker starts the long-running pull loop that owns pr.
func (c *Consumer) spawnPullWorker(pr *PullRequest) {
	c.wg.Add(1)
	go c.pullLoop(pr)
}

// pullLoop is the per-queue pull worker from spec.md §4.F: on every
// iteration it checks the drop/exit condition before doing any RPC,
// touches the process queue's lastPullTimestamp, resolves the
// subscription and broker address, issues the long-poll pull, and
// branches on PullStatus to advance the offset, deliver a batch, or
// retire the queue on an illegal offset.
func (c *Consumer) pullLoop(pr *PullRequest) {
	defer c.wg.Done()

	mq := pr.MessageQueue
	pq := pr.ProcessQueue
	sem := c.flowControl.forQueue(mq)
	reserve := min(int64(c.cfg.PullBatchSize), c.flowControl.threshold)

	var limiter *rate.Limiter
	if c.cfg.PullInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(c.cfg.PullInterval), 1)
	}

	for {
		if pq.IsDropped() {
			return
		}
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if limiter != nil {
			if err := limiter.Wait(c.ctx); err != nil {
				return
			}
		}

		pq.touch()

		sd, ok := c.subs.get(mq.Topic)
		if !ok {
			if !sleepCtx(c.ctx, c.cfg.PullTimeDelayMillsWhenException) {
				return
			}
			continue
		}

		if err := sem.Acquire(c.ctx, reserve); err != nil {
			return
		}

		result, brokerID, err := c.doPull(mq, pr, sd)
		if err != nil {
			sem.Release(reserve)
			c.events.emitError(fmt.Errorf("rmq: pull %s: %w", mq.Key(), err))
			if !sleepCtx(c.ctx, c.cfg.PullTimeDelayMillsWhenException) {
				return
			}
			continue
		}
		c.nodeTable.set(mq, brokerID)

		switch result.Status {
		case PullFound:
			if pq.IsDropped() {
				sem.Release(reserve)
				return
			}
			held := int64(len(result.MsgFoundList))
			sem.Release(reserve - held)

			batch := filterByTag(result.MsgFoundList, sd)
			if len(batch) == 0 {
				pr.SetNextOffset(result.NextBeginOffset)
				c.offsetStore.UpdateOffset(mq, result.NextBeginOffset, false)
				sem.Release(held)
				continue
			}
			c.deliver(mq, pr, sem, held, batch, result.NextBeginOffset)

		case PullNoNewMsg, PullNoMatchedMsg:
			sem.Release(reserve)
			pr.SetNextOffset(result.NextBeginOffset)
			c.offsetStore.UpdateOffset(mq, result.NextBeginOffset, true)

		case PullOffsetIllegal:
			sem.Release(reserve)
			c.logger.Log(LogLevelWarn, "pull offset illegal, retiring queue",
				"mq", mq.Key(), "nextBeginOffset", result.NextBeginOffset)
			pq.drop()
			c.offsetStore.UpdateOffset(mq, result.NextBeginOffset, false)
			if err := c.offsetStore.Persist(mq); err != nil {
				c.logger.Log(LogLevelWarn, "offset persist after illegal offset failed", "mq", mq.Key(), "err", err)
			}
			c.offsetStore.RemoveOffset(mq)
			c.table.Delete(mq)
			sleepCtx(c.ctx, c.cfg.OffsetIllegalBackoff)
			return
		}
	}
}

// doPull resolves the current broker address for mq (refreshing the
// route once if the cached address is gone), builds the pull RPC header
// per spec.md §6's sysFlag bit layout, and issues the long-poll pull. A
// slave broker (brokerID != 0) never carries the commit-offset bit: only
// the master tracks consumer progress.
func (c *Consumer) doPull(mq MessageQueue, pr *PullRequest, sd *SubscriptionData) (*PullResult, int32, error) {
	brokerID := c.nodeTable.get(mq)
	addr, found := c.client.FindBrokerAddr(mq.BrokerName, brokerID, false)
	if !found {
		if err := c.client.UpdateTopicRouteInfoFromNameServer(c.ctx, mq.Topic); err != nil {
			return nil, 0, fmt.Errorf("route refresh: %w", err)
		}
		addr, found = c.client.FindBrokerAddr(mq.BrokerName, brokerID, false)
		if !found {
			return nil, 0, ErrNoBrokerAddr
		}
	}

	sysFlag := sysFlagSuspend
	var commitOffset int64
	if c.cfg.MessageModel == Clustering && brokerID == 0 {
		sysFlag |= sysFlagCommitOffset
		if off := c.offsetStore.ReadOffset(mq, ReadFromMemory); off > 0 {
			commitOffset = off
		}
	}

	var subExpr string
	if c.cfg.PostSubscriptionWhenPull {
		sysFlag |= sysFlagSubscription
		subExpr = sd.RawExpression
	}
	if sd.ClassFilterMode {
		sysFlag |= sysFlagClassFilter
	}

	header := PullRequestHeader{
		ConsumerGroup:        c.cfg.ConsumerGroup,
		Topic:                mq.Topic,
		QueueID:              mq.QueueID,
		QueueOffset:          pr.NextOffset(),
		MaxMsgNums:           c.cfg.PullBatchSize,
		SysFlag:              sysFlag,
		CommitOffset:         commitOffset,
		SuspendTimeoutMillis: c.cfg.BrokerSuspendMaxTimeMillis,
		Subscription:         subExpr,
		SubVersion:           sd.SubVersion,
	}

	timeout := time.Duration(c.cfg.ConsumerTimeoutMillisWhenSuspend) * time.Millisecond
	result, err := c.client.PullMessage(c.ctx, addr, header, timeout)
	if err != nil {
		return nil, 0, err
	}
	return result, result.SuggestWhichBrokerID, nil
}

// deliver decodes batch's bodies, chunks it into groups of at most
// Config.ConsumeMessageBatchMaxSize, and hands each chunk to every
// registered MessageListener in turn, waiting for its ack up to
// Config.DeliveryTimeout before moving to the next chunk. Each acked
// chunk advances the offset to its last message's QueueOffset + 1 (spec.md
// §4.F step 9); a timed-out or never-acked chunk is reported through the
// error event and stops delivery of the remaining chunks, since nextOffset
// is left at the last successfully acked boundary and everything from
// there on is redelivered on the next pull.
func (c *Consumer) deliver(mq MessageQueue, pr *PullRequest, sem *semaphore.Weighted, held int64, batch []*Message, nextBeginOffset int64) {
	defer sem.Release(held)

	decoded := make([]*Message, 0, len(batch))
	for _, m := range batch {
		body, err := m.DecodeBody()
		if err != nil {
			c.events.emitError(fmt.Errorf("rmq: decode body %s: %w", mq.Key(), err))
			continue
		}
		clone := *m
		clone.Body = body
		decoded = append(decoded, &clone)
	}
	if len(decoded) == 0 {
		pr.SetNextOffset(nextBeginOffset)
		c.offsetStore.UpdateOffset(mq, nextBeginOffset, false)
		return
	}

	chunkSize := c.cfg.ConsumeMessageBatchMaxSize
	if chunkSize <= 0 {
		chunkSize = 1
	}

	for start := 0; start < len(decoded); start += chunkSize {
		end := min(start+chunkSize, len(decoded))
		chunk := decoded[start:end]

		done := make(chan struct{})
		ack := onceAck(func() { close(done) })
		c.events.emitMessage(mq, chunk, ack)

		timer := time.NewTimer(c.cfg.DeliveryTimeout)
		select {
		case <-done:
			timer.Stop()
			next := chunk[len(chunk)-1].QueueOffset + 1
			pr.SetNextOffset(next)
			c.offsetStore.UpdateOffset(mq, next, false)
		case <-timer.C:
			c.events.emitError(fmt.Errorf("rmq: %s: %w", mq.Key(), ErrDeliveryTimeout))
			return
		case <-c.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// filterByTag applies the client-side tag filter from spec.md §4.F: a
// class-filter or match-all subscription passes every message through
// unchanged.
func filterByTag(msgs []*Message, sd *SubscriptionData) []*Message {
	if sd.ClassFilterMode || sd.MatchesAll() {
		return msgs
	}
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if sd.MatchesTag(m.Tags) {
			out = append(out, m)
		}
	}
	return out
}

// sleepCtx sleeps for d, returning false early if ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
