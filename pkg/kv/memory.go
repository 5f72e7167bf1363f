// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the in-memory sweeper drops expired
// entries.
const DefaultCleanupInterval = 5 * time.Minute

// timedEntry is a stored value with an optional expiry.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time // zero means no expiry
}

func (e timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore implements Store with process-local maps. It serves
// single-instance dev runs and tests; a Redis store is required whenever
// more than one process shares state.
type MemoryStore struct {
	mu sync.RWMutex

	records  map[string]timedEntry[[]byte]   // primary records, encoded
	consumed map[string]int64                // consumed timestamps for single-use keys
	lists    map[string]timedEntry[[]string] // grant -> full keys
	index    map[string]timedEntry[string]   // secondary key -> id

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCleanupInterval overrides how often expired entries are swept.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStore creates an in-memory store and starts its sweeper.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records:         make(map[string]timedEntry[[]byte]),
		consumed:        make(map[string]int64),
		lists:           make(map[string]timedEntry[[]string]),
		index:           make(map[string]timedEntry[string]),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// cleanupLoop periodically drops expired entries until Close.
func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.removeExpired(time.Now())
		case <-s.stopCleanup:
			return
		}
	}
}

// removeExpired drops every entry past its expiry.
func (s *MemoryStore) removeExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.records {
		if entry.expired(now) {
			delete(s.records, key)
			delete(s.consumed, key)
		}
	}
	for key, entry := range s.lists {
		if entry.expired(now) {
			delete(s.lists, key)
		}
	}
	for key, entry := range s.index {
		if entry.expired(now) {
			delete(s.index, key)
		}
	}
}

func (*MemoryStore) key(kind Kind, id string) string {
	return kind.String() + ":" + id
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, kind Kind, id string, payload Record, ttl time.Duration) error {
	if !kind.Valid() {
		return fmt.Errorf("upsert: invalid kind %s", kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("upsert %s: failed to encode payload: %w", kind, err)
	}

	key := s.key(kind, id)
	expiresAt := expiry(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = timedEntry[[]byte]{value: data, expiresAt: expiresAt}

	if grantID := payload.GrantID(); grantID != "" && kind.Grantable() {
		listKey := "grant:" + grantID
		entry := s.lists[listKey]
		entry.value = append(entry.value, key)
		// The list must outlive its longest-lived member.
		if expiresAt.IsZero() {
			entry.expiresAt = time.Time{}
		} else if entry.expiresAt.IsZero() || expiresAt.After(entry.expiresAt) {
			entry.expiresAt = expiresAt
		}
		s.lists[listKey] = entry
	}

	if uid := payload.UID(); uid != "" {
		s.index["uid:"+uid] = timedEntry[string]{value: id, expiresAt: expiresAt}
	}
	if userCode := payload.UserCode(); userCode != "" {
		s.index["userCode:"+userCode] = timedEntry[string]{value: id, expiresAt: expiresAt}
	}

	return nil
}

// Find implements Store.
func (s *MemoryStore) Find(_ context.Context, kind Kind, id string) (Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("find: invalid kind %s", kind)
	}

	key := s.key(kind, id)

	s.mu.RLock()
	entry, ok := s.records[key]
	consumedAt := s.consumed[key]
	s.mu.RUnlock()

	if !ok || entry.expired(time.Now()) {
		return nil, fmt.Errorf("find %s: %w", kind, ErrNotFound)
	}

	record, err := decodeRecord(entry.value)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", kind, err)
	}
	if consumedAt > 0 {
		record[FieldConsumed] = consumedAt
	}
	return record, nil
}

// FindByUID implements Store.
func (s *MemoryStore) FindByUID(ctx context.Context, kind Kind, uid string) (Record, error) {
	id, err := s.lookupIndex("uid:" + uid)
	if err != nil {
		return nil, fmt.Errorf("find by uid: %w", err)
	}
	return s.Find(ctx, kind, id)
}

// FindByUserCode implements Store.
func (s *MemoryStore) FindByUserCode(ctx context.Context, kind Kind, userCode string) (Record, error) {
	id, err := s.lookupIndex("userCode:" + userCode)
	if err != nil {
		return nil, fmt.Errorf("find by user code: %w", err)
	}
	return s.Find(ctx, kind, id)
}

func (s *MemoryStore) lookupIndex(key string) (string, error) {
	s.mu.RLock()
	entry, ok := s.index[key]
	s.mu.RUnlock()

	if !ok || entry.expired(time.Now()) {
		return "", ErrNotFound
	}
	return entry.value, nil
}

// Destroy implements Store.
func (s *MemoryStore) Destroy(_ context.Context, kind Kind, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("destroy: invalid kind %s", kind)
	}

	key := s.key(kind, id)

	s.mu.Lock()
	delete(s.records, key)
	delete(s.consumed, key)
	s.mu.Unlock()

	return nil
}

// RevokeByGrantID implements Store.
func (s *MemoryStore) RevokeByGrantID(_ context.Context, grantID string) error {
	listKey := "grant:" + grantID

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lists[listKey]
	if ok && !entry.expired(time.Now()) {
		for _, key := range entry.value {
			delete(s.records, key)
			delete(s.consumed, key)
		}
	}
	delete(s.lists, listKey)

	return nil
}

// Consume implements Store.
func (s *MemoryStore) Consume(_ context.Context, kind Kind, id string) error {
	if !kind.SingleUse() {
		return fmt.Errorf("consume %s: %w", kind, ErrNotSingleUse)
	}

	key := s.key(kind, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.records[key]
	if !ok || entry.expired(time.Now()) {
		return fmt.Errorf("consume %s: %w", kind, ErrNotFound)
	}

	s.consumed[key] = time.Now().Unix()
	return nil
}

// Ping implements Store.
func (*MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close stops the sweeper. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
