package rmq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LocalFileOffsetStore is the broadcast-mode OffsetStore variant: a single
// JSON file per consumer group holding {queueKey: offset}, written with
// write-temp-then-rename-then-fsync-directory so a crash mid-write never
// leaves a corrupt file in place (spec.md §4.A / §9's open question on
// fsync discipline, resolved in SPEC_FULL.md §4.A).
type LocalFileOffsetStore struct {
	path   string
	logger Logger

	mu      sync.RWMutex
	offsets map[string]int64 // queue key -> offset
	byKey   map[string]MessageQueue
}

// NewLocalFileOffsetStore returns a store backed by the given file path.
// The file is not read until Load is called.
func NewLocalFileOffsetStore(path string, logger Logger) *LocalFileOffsetStore {
	if logger == nil {
		logger = nopLogger{}
	}
	return &LocalFileOffsetStore{
		path:    path,
		logger:  logger,
		offsets: make(map[string]int64),
		byKey:   make(map[string]MessageQueue),
	}
}

type localFileRecord struct {
	Topic      string `json:"topic"`
	BrokerName string `json:"brokerName"`
	QueueID    int32  `json:"queueId"`
	Offset     int64  `json:"offset"`
}

// Load reads the offset file if it exists. A missing file (cold start) is
// not an error; offsets remain unknown (OffsetNotFound). A file that fails
// to parse is logged and treated the same way, per spec.md's "read errors
// surface -1" contract.
func (s *LocalFileOffsetStore) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		s.logger.Log(LogLevelWarn, "offset store: failed to read local file", "path", s.path, "err", err)
		return nil
	}

	var records []localFileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Log(LogLevelWarn, "offset store: local file is malformed, offsets left unknown", "path", s.path, "err", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		mq := MessageQueue{Topic: rec.Topic, BrokerName: rec.BrokerName, QueueID: rec.QueueID}
		s.offsets[mq.Key()] = rec.Offset
		s.byKey[mq.Key()] = mq
	}
	return nil
}

func (s *LocalFileOffsetStore) ReadOffset(mq MessageQueue, _ ReadOffsetType) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if off, ok := s.offsets[mq.Key()]; ok {
		return off
	}
	return OffsetNotFound
}

func (s *LocalFileOffsetStore) UpdateOffset(mq MessageQueue, offset int64, increaseOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mq.Key()
	if increaseOnly {
		if cur, ok := s.offsets[key]; ok && cur >= offset {
			return
		}
	}
	s.offsets[key] = offset
	s.byKey[key] = mq
}

func (s *LocalFileOffsetStore) RemoveOffset(mq MessageQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offsets, mq.Key())
	delete(s.byKey, mq.Key())
}

// Persist flushes the entire file (the local variant has no cheaper
// single-queue flush than a full rewrite, since the file holds every
// queue for the group).
func (s *LocalFileOffsetStore) Persist(mq MessageQueue) error {
	return s.PersistAll([]MessageQueue{mq})
}

// PersistAll flushes the whole in-memory table to disk. mqs is accepted
// for interface-contract symmetry with the remote variant but the local
// file always writes every known queue, since a partial file would lose
// offsets for queues not in mqs.
func (s *LocalFileOffsetStore) PersistAll(_ []MessageQueue) error {
	s.mu.RLock()
	records := make([]localFileRecord, 0, len(s.offsets))
	for key, off := range s.offsets {
		mq := s.byKey[key]
		records = append(records, localFileRecord{
			Topic:      mq.Topic,
			BrokerName: mq.BrokerName,
			QueueID:    mq.QueueID,
			Offset:     off,
		})
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("rmq: marshal offsets: %w", err)
	}
	if err := atomicWriteFile(s.path, data); err != nil {
		s.logger.Log(LogLevelError, "offset store: persist failed, will retry next persistAll", "path", s.path, "err", err)
		return err
	}
	return nil
}

// atomicWriteFile writes data to path via a temp file in the same
// directory, fsyncs the temp file, renames it over path, then fsyncs the
// directory so the rename itself survives a crash.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("rmq: create temp offset file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("rmq: write temp offset file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("rmq: fsync temp offset file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("rmq: close temp offset file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rmq: rename offset file into place: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		dirFile.Close()
	}
	return nil
}
