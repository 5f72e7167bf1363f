// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory builds a fresh store per test so both implementations run the
// same conformance suite.
type storeFactory struct {
	name  string
	build func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{
			name: "memory",
			build: func(t *testing.T) Store {
				t.Helper()
				s := NewMemoryStore()
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
		{
			name: "redis",
			build: func(t *testing.T) Store {
				t.Helper()
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { _ = client.Close() })
				return NewRedisStoreWithClient(client, "")
			},
		},
	}
}

func requireNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpsertAndFind(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			ctx := context.Background()

			payload := Record{
				"jti":       "access-1",
				"client_id": "client-1",
				"scope":     "openid offline_access",
				"extra":     map[string]any{"instance_url": "https://idp.example.com"},
			}
			require.NoError(t, s.Upsert(ctx, KindAccessToken, "access-1", payload, time.Hour))

			got, err := s.Find(ctx, KindAccessToken, "access-1")
			require.NoError(t, err)
			assert.Equal(t, "access-1", got["jti"])
			assert.Equal(t, "client-1", got["client_id"])
			extra, ok := got["extra"].(map[string]any)
			require.True(t, ok, "nested objects must round-trip")
			assert.Equal(t, "https://idp.example.com", extra["instance_url"])
		})
	}
}

func TestStore_FindMissing(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)

			_, err := s.Find(context.Background(), KindClient, "missing")
			requireNotFound(t, err)

			_, err = s.Find(context.Background(), KindAuthorizationCode, "missing")
			requireNotFound(t, err)
		})
	}
}

func TestStore_UpsertOverwrites(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			ctx := context.Background()

			require.NoError(t, s.Upsert(ctx, KindClient, "client-1", Record{"client_name": "first"}, 0))
			require.NoError(t, s.Upsert(ctx, KindClient, "client-1", Record{"client_name": "second"}, 0))

			got, err := s.Find(ctx, KindClient, "client-1")
			require.NoError(t, err)
			assert.Equal(t, "second", got["client_name"])
		})
	}
}

func TestStore_FindByUID(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			ctx := context.Background()

			payload := Record{FieldUID: "uid-1", "account": "user-1"}
			require.NoError(t, s.Upsert(ctx, KindSession, "sess-1", payload, time.Hour))

			got, err := s.FindByUID(ctx, KindSession, "uid-1")
			require.NoError(t, err)
			assert.Equal(t, "user-1", got["account"])

			_, err = s.FindByUID(ctx, KindSession, "missing")
			requireNotFound(t, err)
		})
	}
}

func TestStore_FindByUserCode(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			ctx := context.Background()

			payload := Record{FieldUserCode: "WDJB-MJHT", "jti": "device-1"}
			require.NoError(t, s.Upsert(ctx, KindDeviceCode, "device-1", payload, time.Hour))

			got, err := s.FindByUserCode(ctx, KindDeviceCode, "WDJB-MJHT")
			require.NoError(t, err)
			assert.Equal(t, "device-1", got["jti"])

			_, err = s.FindByUserCode(ctx, KindDeviceCode, "XXXX-XXXX")
			requireNotFound(t, err)
		})
	}
}

func TestStore_Destroy(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			ctx := context.Background()

			require.NoError(t, s.Upsert(ctx, KindClient, "client-1", Record{"client_id": "client-1"}, 0))
			require.NoError(t, s.Destroy(ctx, KindClient, "client-1"))

			_, err := s.Find(ctx, KindClient, "client-1")
			requireNotFound(t, err)

			// Destroying an absent record is not an error.
			require.NoError(t, s.Destroy(ctx, KindClient, "client-1"))
		})
	}
}

func TestStore_DestroyLeavesDanglingSecondary(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			ctx := context.Background()

			require.NoError(t, s.Upsert(ctx, KindSession, "sess-1", Record{FieldUID: "uid-1"}, time.Hour))
			require.NoError(t, s.Destroy(ctx, KindSession, "sess-1"))

			// The uid key still resolves to the id, but the record is gone.
			_, err := s.FindByUID(ctx, KindSession, "uid-1")
			requireNotFound(t, err)
		})
	}
}

func TestStore_Consume(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			ctx := context.Background()

			require.NoError(t, s.Upsert(ctx, KindAuthorizationCode, "code-1", Record{"jti": "code-1"}, time.Minute))
			require.NoError(t, s.Consume(ctx, KindAuthorizationCode, "code-1"))

			got, err := s.Find(ctx, KindAuthorizationCode, "code-1")
			require.NoError(t, err, "consumed records stay readable")
			assert.True(t, got.IsConsumed())
			assert.InDelta(t, time.Now().Unix(), got.Consumed(), 5)
			assert.Equal(t, "code-1", got["jti"], "payload survives consumption")
		})
	}
}

func TestStore_ConsumeMissing(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)

			err := s.Consume(context.Background(), KindAuthorizationCode, "missing")
			requireNotFound(t, err)
		})
	}
}

func TestStore_ConsumeWrongKind(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			ctx := context.Background()

			require.NoError(t, s.Upsert(ctx, KindAccessToken, "at-1", Record{"jti": "at-1"}, time.Hour))

			err := s.Consume(ctx, KindAccessToken, "at-1")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNotSingleUse)
		})
	}
}

func TestStore_UpsertKeepsConsumedMark(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			ctx := context.Background()

			require.NoError(t, s.Upsert(ctx, KindAuthorizationCode, "code-1", Record{"jti": "code-1"}, time.Minute))
			require.NoError(t, s.Consume(ctx, KindAuthorizationCode, "code-1"))
			require.NoError(t, s.Upsert(ctx, KindAuthorizationCode, "code-1", Record{"jti": "code-1", "touched": true}, time.Minute))

			got, err := s.Find(ctx, KindAuthorizationCode, "code-1")
			require.NoError(t, err)
			assert.True(t, got.IsConsumed(), "rewriting the payload must not resurrect a consumed record")
			assert.Equal(t, true, got["touched"])
		})
	}
}

func TestStore_RevokeByGrantID(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			ctx := context.Background()

			require.NoError(t, s.Upsert(ctx, KindAccessToken, "at-1", Record{FieldGrantID: "grant-1"}, time.Hour))
			require.NoError(t, s.Upsert(ctx, KindRefreshToken, "rt-1", Record{FieldGrantID: "grant-1"}, time.Hour))
			require.NoError(t, s.Upsert(ctx, KindAuthorizationCode, "code-1", Record{FieldGrantID: "grant-1"}, time.Hour))
			require.NoError(t, s.Upsert(ctx, KindAccessToken, "at-2", Record{FieldGrantID: "grant-2"}, time.Hour))

			require.NoError(t, s.RevokeByGrantID(ctx, "grant-1"))

			_, err := s.Find(ctx, KindAccessToken, "at-1")
			requireNotFound(t, err)
			_, err = s.Find(ctx, KindRefreshToken, "rt-1")
			requireNotFound(t, err)
			_, err = s.Find(ctx, KindAuthorizationCode, "code-1")
			requireNotFound(t, err)

			got, err := s.Find(ctx, KindAccessToken, "at-2")
			require.NoError(t, err, "other grants stay intact")
			assert.Equal(t, "grant-2", got.GrantID())
		})
	}
}

func TestStore_RevokeByGrantID_Idempotent(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			ctx := context.Background()

			require.NoError(t, s.RevokeByGrantID(ctx, "unknown-grant"))

			require.NoError(t, s.Upsert(ctx, KindAccessToken, "at-1", Record{FieldGrantID: "grant-1"}, time.Hour))
			require.NoError(t, s.RevokeByGrantID(ctx, "grant-1"))
			require.NoError(t, s.RevokeByGrantID(ctx, "grant-1"))
		})
	}
}

func TestStore_GrantListIgnoresNonGrantableKinds(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			ctx := context.Background()

			// Interactions reference a grant but are not revoked with it.
			require.NoError(t, s.Upsert(ctx, KindInteraction, "inter-1", Record{FieldGrantID: "grant-1"}, time.Hour))
			require.NoError(t, s.Upsert(ctx, KindAccessToken, "at-1", Record{FieldGrantID: "grant-1"}, time.Hour))

			require.NoError(t, s.RevokeByGrantID(ctx, "grant-1"))

			_, err := s.Find(ctx, KindAccessToken, "at-1")
			requireNotFound(t, err)

			got, err := s.Find(ctx, KindInteraction, "inter-1")
			require.NoError(t, err)
			assert.Equal(t, "grant-1", got.GrantID())
		})
	}
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			require.NoError(t, s.Ping(context.Background()))
		})
	}
}

func TestStore_ConcurrentUpserts(t *testing.T) {
	t.Parallel()
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			s := f.build(t)
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					id := fmt.Sprintf("at-%d", i)
					_ = s.Upsert(ctx, KindAccessToken, id, Record{"jti": id, FieldGrantID: "grant-1"}, time.Hour)
				}(i)
			}
			wg.Wait()

			require.NoError(t, s.RevokeByGrantID(ctx, "grant-1"))
			for i := 0; i < 50; i++ {
				_, err := s.Find(ctx, KindAccessToken, fmt.Sprintf("at-%d", i))
				requireNotFound(t, err)
			}
		})
	}
}
