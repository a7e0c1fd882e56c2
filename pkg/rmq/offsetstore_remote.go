package rmq

import (
	"context"
	"sync"
)

// RemoteOffsetStore is the cluster-mode OffsetStore variant: the broker is
// the authoritative store (spec.md §4.A); the in-memory map is a cache
// that ReadOffset fills via MQClient's FetchConsumerOffset RPC, and
// Persist/PersistAll push it upstream via UpdateConsumerOffset.
//
// Unlike the process-queue table, iteration order over this map has no
// observable effect on correctness (persistAll's RPCs are independent and
// idempotent), so a plain mutex-guarded map is used rather than the
// ordered structure queue.go builds for the process-queue table.
type RemoteOffsetStore struct {
	group  string
	client MQClient
	logger Logger

	mu      sync.RWMutex
	offsets map[string]int64
}

// NewRemoteOffsetStore returns a store for group, backed by client.
func NewRemoteOffsetStore(group string, client MQClient, logger Logger) *RemoteOffsetStore {
	if logger == nil {
		logger = nopLogger{}
	}
	return &RemoteOffsetStore{
		group:   group,
		client:  client,
		logger:  logger,
		offsets: make(map[string]int64),
	}
}

// Load is a no-op: the remote store has no bulk-load RPC in the MQClient
// surface (spec.md §6 lists only a per-queue fetch); each queue's offset
// is instead fetched lazily the first time the rebalancer calls
// ReadOffset(mq, ReadFromStore) for it, in computePullFromWhere.
func (s *RemoteOffsetStore) Load() error { return nil }

func (s *RemoteOffsetStore) ReadOffset(mq MessageQueue, typ ReadOffsetType) int64 {
	s.mu.RLock()
	off, ok := s.offsets[mq.Key()]
	s.mu.RUnlock()
	if ok {
		return off
	}
	if typ == ReadFromMemory {
		return OffsetNotFound
	}

	fetched, err := s.client.FetchConsumerOffset(context.Background(), s.group, mq)
	if err != nil {
		s.logger.Log(LogLevelWarn, "offset store: fetch consumer offset failed", "mq", mq.Key(), "err", err)
		return OffsetNotFound
	}
	if fetched < 0 {
		return OffsetNotFound
	}

	s.mu.Lock()
	s.offsets[mq.Key()] = fetched
	s.mu.Unlock()
	return fetched
}

func (s *RemoteOffsetStore) UpdateOffset(mq MessageQueue, offset int64, increaseOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mq.Key()
	if increaseOnly {
		if cur, ok := s.offsets[key]; ok && cur >= offset {
			return
		}
	}
	s.offsets[key] = offset
}

func (s *RemoteOffsetStore) RemoveOffset(mq MessageQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offsets, mq.Key())
}

func (s *RemoteOffsetStore) Persist(mq MessageQueue) error {
	s.mu.RLock()
	offset, ok := s.offsets[mq.Key()]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := s.client.UpdateConsumerOffset(context.Background(), s.group, mq, offset); err != nil {
		s.logger.Log(LogLevelError, "offset store: persist failed, will retry next persistAll", "mq", mq.Key(), "err", err)
		return err
	}
	return nil
}

func (s *RemoteOffsetStore) PersistAll(mqs []MessageQueue) error {
	var firstErr error
	for _, mq := range mqs {
		if err := s.Persist(mq); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
