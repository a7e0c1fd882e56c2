package rmq

import (
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// doRebalance is the Rebalancer entry point from spec.md §4.E: it
// recomputes the assignment for every subscribed topic, fanning the
// per-topic work out across an errgroup so a slow FindConsumerIDList call
// for one topic does not stall the others. A mutex serializes doRebalance
// with itself, since the periodic timer, an explicit Subscribe, and a
// route-change notification can all trigger it concurrently.
func (c *Consumer) doRebalance() {
	c.rebalanceMu.Lock()
	defer c.rebalanceMu.Unlock()

	topics := c.subs.topics()
	if len(topics) == 0 {
		return
	}

	var g errgroup.Group
	for _, topic := range topics {
		topic := topic
		g.Go(func() error {
			c.rebalanceByTopic(topic)
			return nil
		})
	}
	_ = g.Wait() // rebalanceByTopic never returns an error; it reports via the error event instead
}

// rebalanceByTopic recomputes the assignment for one topic and reconciles
// the process-queue table against it (spec.md §4.C, §4.E).
func (c *Consumer) rebalanceByTopic(topic string) {
	if _, ok := c.subs.get(topic); !ok {
		return
	}

	mqSet, err := c.client.QueuesForTopic(topic)
	if err != nil {
		c.events.emitError(fmt.Errorf("rmq: rebalance %s: queues for topic: %w", topic, err))
		return
	}
	SortMessageQueues(mqSet)

	var assigned []MessageQueue
	if c.cfg.MessageModel == Broadcasting {
		assigned = mqSet
	} else {
		clientIDs, err := c.client.FindConsumerIDList(c.ctx, topic, c.cfg.ConsumerGroup)
		if err != nil {
			c.events.emitError(fmt.Errorf("rmq: rebalance %s: find consumer id list: %w", topic, err))
			return
		}
		if len(clientIDs) == 0 {
			c.logger.Log(LogLevelWarn, "rebalance: no consumer ids found for topic, skipping", "topic", topic)
			return
		}
		sort.Strings(clientIDs)
		assigned = c.cfg.AllocateMessageQueueStrategy.Allocate(c.cfg.ConsumerGroup, c.instanceID, mqSet, clientIDs)
	}

	if c.updateProcessQueueTable(topic, assigned) {
		c.events.emitMessageQueueChanged(topic, assigned)
	}
}

// updateProcessQueueTable reconciles the process-queue table's rows for
// topic against assigned in two passes (spec.md §4.E):
//
//  1. Remove every row for topic that is either no longer assigned or has
//     gone pull-expired. A row is only deleted once its offset has been
//     persisted; a persist failure leaves the row dropped (so its pull
//     worker still exits) but keeps it in the table for a retry on the
//     next rebalance pass, per SPEC_FULL.md §9's resolution of the
//     source's unconditional-removal behavior.
//  2. Insert a row for every newly assigned queue not already present,
//     seeding its offset via computePullFromWhere and spawning its pull
//     worker.
//
// Returns whether the table actually changed for topic.
func (c *Consumer) updateProcessQueueTable(topic string, assigned []MessageQueue) bool {
	wanted := make(map[string]struct{}, len(assigned))
	for _, mq := range assigned {
		wanted[mq.Key()] = struct{}{}
	}

	changed := false

	for _, row := range c.table.Snapshot() {
		if row.MessageQueue.Topic != topic {
			continue
		}
		_, stillWanted := wanted[row.MessageQueue.Key()]
		expired := row.ProcessQueue.IsPullExpired(DefaultPullExpiryThreshold)
		if stillWanted && !expired {
			continue
		}

		row.ProcessQueue.drop()
		c.offsetStore.UpdateOffset(row.MessageQueue, row.NextOffset(), true)
		if err := c.offsetStore.Persist(row.MessageQueue); err != nil {
			c.logger.Log(LogLevelWarn, "rebalance: offset persist failed during removal, retrying next pass",
				"mq", row.MessageQueue.Key(), "err", err)
			continue
		}
		c.table.Delete(row.MessageQueue)
		c.offsetStore.RemoveOffset(row.MessageQueue)
		changed = true
	}

	for _, mq := range assigned {
		if _, ok := c.table.Get(mq); ok {
			continue
		}
		startOffset := c.computePullFromWhere(mq)
		if startOffset < 0 {
			c.logger.Log(LogLevelWarn, "rebalance: could not determine start offset, skipping until next rebalance", "mq", mq.Key())
			continue
		}
		pr, inserted := c.table.Insert(mq, startOffset)
		if !inserted {
			continue
		}
		changed = true
		c.spawnPullWorker(pr)
	}

	return changed
}

// computePullFromWhere seeds a newly acquired queue's starting offset, per
// spec.md §4.E's table: a previously persisted offset always wins; absent
// that, retry topics seed at the tail for ConsumeFromTimestamp consumers
// and at 0 for every other ConsumeFromWhere value, and ordinary topics
// follow Config.ConsumeFromWhere directly. Any exception resolving a fresh
// seed yields OffsetNotFound (-1): the caller skips the queue this cycle and
// retries on the next rebalance, rather than seeding at 0 and mass-replaying
// the whole queue on a transient broker error.
func (c *Consumer) computePullFromWhere(mq MessageQueue) int64 {
	if existing := c.offsetStore.ReadOffset(mq, ReadFromStore); existing != OffsetNotFound {
		return existing
	}

	if isRetryTopic(mq.Topic) {
		if c.cfg.ConsumeFromWhere == ConsumeFromTimestamp {
			off, err := c.client.MaxOffset(c.ctx, mq)
			if err != nil {
				c.logger.Log(LogLevelWarn, "max offset lookup failed for retry topic, skipping this cycle", "mq", mq.Key(), "err", err)
				return OffsetNotFound
			}
			return off
		}
		return 0
	}

	switch c.cfg.ConsumeFromWhere {
	case ConsumeFromFirstOffset:
		return 0
	case ConsumeFromTimestamp:
		off, err := c.client.SearchOffset(c.ctx, mq, c.cfg.ConsumeTimestamp.UnixMilli())
		if err != nil {
			c.logger.Log(LogLevelWarn, "search offset by timestamp failed, skipping this cycle", "mq", mq.Key(), "err", err)
			return OffsetNotFound
		}
		return off
	default: // ConsumeFromLastOffset
		off, err := c.client.MaxOffset(c.ctx, mq)
		if err != nil {
			c.logger.Log(LogLevelWarn, "max offset lookup failed, skipping this cycle", "mq", mq.Key(), "err", err)
			return OffsetNotFound
		}
		return off
	}
}
