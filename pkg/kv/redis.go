// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/mcp-auth-proxy/pkg/networking"
)

// revokeGrantScript deletes every key listed under a grant plus the list
// itself in one atomic step.
var revokeGrantScript = redis.NewScript(`
local keys = redis.call('LRANGE', KEYS[1], 0, -1)
for i = 1, #keys do
	redis.call('DEL', keys[i])
end
redis.call('DEL', KEYS[1])
return #keys
`)

// consumeScript marks an existing single-use hash consumed without
// resurrecting records that already expired.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'consumed', ARGV[1])
return 1
`)

// hashPayloadField is the hash field carrying the encoded payload for
// single-use kinds.
const hashPayloadField = "payload"

// RedisStore implements Store on a Redis connection.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ownsConn  bool
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisOptions)

type redisOptions struct {
	allowPlaintext bool
}

// WithPlaintextAllowed permits redis:// URLs pointing at remote hosts.
// Without it, remote stores must use rediss:// (TLS).
func WithPlaintextAllowed() RedisOption {
	return func(o *redisOptions) {
		o.allowPlaintext = true
	}
}

// NewRedisStore connects to the store at redisURL and verifies the
// connection with a PING. The keyPrefix namespaces every key; pass "" for
// the default.
func NewRedisStore(ctx context.Context, redisURL, keyPrefix string, opts ...RedisOption) (*RedisStore, error) {
	options := &redisOptions{}
	for _, opt := range opts {
		opt(options)
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid KV URL: %w", err)
	}

	if redisOpts.TLSConfig == nil && !options.allowPlaintext {
		host, _, splitErr := net.SplitHostPort(redisOpts.Addr)
		if splitErr != nil {
			host = redisOpts.Addr
		}
		if !networking.IsLocalhost(host) {
			return nil, fmt.Errorf("TLS is required for remote KV stores; use rediss:// or opt out explicitly")
		}
	}

	client := redis.NewClient(redisOpts)
	store := newRedisStore(client, keyPrefix)
	store.ownsConn = true

	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return store, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests that run
// against miniredis; the caller keeps ownership of the client.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return newRedisStore(client, keyPrefix)
}

func newRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// key builds the primary key for (kind, id).
func (s *RedisStore) key(kind Kind, id string) string {
	return s.keyPrefix + kind.String() + ":" + id
}

// grantKey builds the key of a grant's token list.
func (s *RedisStore) grantKey(grantID string) string {
	return s.keyPrefix + "grant:" + grantID
}

// uidKey builds the uid secondary key.
func (s *RedisStore) uidKey(uid string) string {
	return s.keyPrefix + "uid:" + uid
}

// userCodeKey builds the userCode secondary key.
func (s *RedisStore) userCodeKey(code string) string {
	return s.keyPrefix + "userCode:" + code
}

// wrapErr classifies a redis error: redis.Nil becomes ErrNotFound, context
// errors pass through, everything else is a store-availability failure.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
}

// Upsert implements Store.
func (s *RedisStore) Upsert(ctx context.Context, kind Kind, id string, payload Record, ttl time.Duration) error {
	if !kind.Valid() {
		return fmt.Errorf("upsert: invalid kind %s", kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("upsert %s: failed to encode payload: %w", kind, err)
	}

	key := s.key(kind, id)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if kind.SingleUse() {
			pipe.HSet(ctx, key, hashPayloadField, data)
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			} else {
				pipe.Persist(ctx, key)
			}
		} else {
			pipe.Set(ctx, key, data, ttl)
		}

		if grantID := payload.GrantID(); grantID != "" && kind.Grantable() {
			listKey := s.grantKey(grantID)
			pipe.RPush(ctx, listKey, key)
			if ttl > 0 {
				// Extend the list's lifetime to at least this record's.
				pipe.ExpireNX(ctx, listKey, ttl)
				pipe.ExpireGT(ctx, listKey, ttl)
			} else {
				pipe.Persist(ctx, listKey)
			}
		}

		if uid := payload.UID(); uid != "" {
			pipe.Set(ctx, s.uidKey(uid), id, ttl)
		}

		if userCode := payload.UserCode(); userCode != "" {
			pipe.Set(ctx, s.userCodeKey(userCode), id, ttl)
		}

		return nil
	})

	return wrapErr(fmt.Sprintf("upsert %s", kind), err)
}

// Find implements Store.
func (s *RedisStore) Find(ctx context.Context, kind Kind, id string) (Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("find: invalid kind %s", kind)
	}

	key := s.key(kind, id)

	if kind.SingleUse() {
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, wrapErr(fmt.Sprintf("find %s", kind), err)
		}
		// HGETALL returns an empty map, not redis.Nil, for missing keys.
		encoded, ok := fields[hashPayloadField]
		if !ok {
			return nil, fmt.Errorf("find %s: %w", kind, ErrNotFound)
		}

		record, err := decodeRecord([]byte(encoded))
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", kind, err)
		}
		if consumed, ok := fields[FieldConsumed]; ok {
			ts, parseErr := strconv.ParseInt(consumed, 10, 64)
			if parseErr == nil {
				record[FieldConsumed] = ts
			}
		}
		return record, nil
	}

	encoded, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("find %s", kind), err)
	}

	record, err := decodeRecord(encoded)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", kind, err)
	}
	return record, nil
}

// FindByUID implements Store.
func (s *RedisStore) FindByUID(ctx context.Context, kind Kind, uid string) (Record, error) {
	id, err := s.client.Get(ctx, s.uidKey(uid)).Result()
	if err != nil {
		return nil, wrapErr("find by uid", err)
	}
	return s.Find(ctx, kind, id)
}

// FindByUserCode implements Store.
func (s *RedisStore) FindByUserCode(ctx context.Context, kind Kind, userCode string) (Record, error) {
	id, err := s.client.Get(ctx, s.userCodeKey(userCode)).Result()
	if err != nil {
		return nil, wrapErr("find by user code", err)
	}
	return s.Find(ctx, kind, id)
}

// Destroy implements Store.
func (s *RedisStore) Destroy(ctx context.Context, kind Kind, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("destroy: invalid kind %s", kind)
	}
	err := s.client.Del(ctx, s.key(kind, id)).Err()
	return wrapErr(fmt.Sprintf("destroy %s", kind), err)
}

// RevokeByGrantID implements Store.
func (s *RedisStore) RevokeByGrantID(ctx context.Context, grantID string) error {
	err := revokeGrantScript.Run(ctx, s.client, []string{s.grantKey(grantID)}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return wrapErr("revoke by grant", err)
	}
	return nil
}

// Consume implements Store.
func (s *RedisStore) Consume(ctx context.Context, kind Kind, id string) error {
	if !kind.SingleUse() {
		return fmt.Errorf("consume %s: %w", kind, ErrNotSingleUse)
	}

	now := time.Now().Unix()
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(kind, id)}, now).Int()
	if err != nil {
		return wrapErr(fmt.Sprintf("consume %s", kind), err)
	}
	if res == 0 {
		return fmt.Errorf("consume %s: %w", kind, ErrNotFound)
	}
	return nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping: %w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if s.ownsConn {
		return s.client.Close()
	}
	return nil
}

// decodeRecord parses an encoded payload.
func decodeRecord(data []byte) (Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return record, nil
}

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)
