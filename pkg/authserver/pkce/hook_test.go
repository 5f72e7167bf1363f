// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pkce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	"github.com/stacklok/mcp-auth-proxy/pkg/kv"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return storage.New(store)
}

func seedInteraction(t *testing.T, s *storage.Storage, uid, clientID string) {
	t.Helper()
	ctx := context.Background()
	if clientID != "" {
		require.NoError(t, s.CreateClient(ctx, &storage.Client{
			ID:                      clientID,
			RedirectURIs:            []string{"http://127.0.0.1/callback"},
			TokenEndpointAuthMethod: "none",
		}))
	}
	require.NoError(t, s.CreateInteraction(ctx, &storage.Interaction{
		UID:      uid,
		Prompt:   storage.PromptLogin,
		ClientID: clientID,
	}))
}

func TestStoreOnClientAndRetrieveOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	seedInteraction(t, s, "uid-1", "client-1")

	hook := NewHook(s, false)
	expiresAt := time.Now().Add(10 * time.Minute)
	require.NoError(t, hook.Store(ctx, "uid-1", "uid-1", "verifier-secret", expiresAt))

	// The verifier lands on the client record, not the fallback map.
	client, err := s.GetDownstreamClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "verifier-secret", client.PKCEVerifier)
	assert.Equal(t, "uid-1", client.PKCEState)

	verifier, err := hook.Retrieve(ctx, "uid-1", "uid-1")
	require.NoError(t, err)
	assert.Equal(t, "verifier-secret", verifier)

	// Consumed on success: the replay sees nothing.
	_, err = hook.Retrieve(ctx, "uid-1", "uid-1")
	assert.ErrorIs(t, err, ErrVerifierNotFound)

	client, err = s.GetDownstreamClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Empty(t, client.PKCEVerifier)
	assert.Empty(t, client.PKCEState)
}

func TestRetrieveStateMismatchConsumes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	seedInteraction(t, s, "uid-1", "client-1")

	hook := NewHook(s, false)
	require.NoError(t, hook.Store(ctx, "uid-1", "uid-1", "verifier-secret", time.Now().Add(time.Minute)))

	_, err := hook.Retrieve(ctx, "uid-1", "attacker-state")
	assert.ErrorIs(t, err, ErrVerifierNotFound)

	// The mismatch consumed the record: the right state no longer works.
	_, err = hook.Retrieve(ctx, "uid-1", "uid-1")
	assert.ErrorIs(t, err, ErrVerifierNotFound)
}

func TestFallbackStoreAndRetrieve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	// No interaction exists, so the verifier goes to the fallback map.
	hook := NewHook(s, false)
	require.NoError(t, hook.Store(ctx, "uid-orphan", "uid-orphan", "fallback-verifier", time.Now().Add(time.Minute)))

	verifier, err := hook.Retrieve(ctx, "uid-orphan", "uid-orphan")
	require.NoError(t, err)
	assert.Equal(t, "fallback-verifier", verifier)

	_, err = hook.Retrieve(ctx, "uid-orphan", "uid-orphan")
	assert.ErrorIs(t, err, ErrVerifierNotFound)
}

func TestFallbackExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	hook := NewHook(s, false, WithClock(func() time.Time { return now }))
	require.NoError(t, hook.Store(ctx, "uid-1", "uid-1", "verifier", now.Add(time.Minute)))

	// Jump past the expiry; the entry is consumed and reported absent.
	now = now.Add(2 * time.Minute)
	_, err := hook.Retrieve(ctx, "uid-1", "uid-1")
	assert.ErrorIs(t, err, ErrVerifierNotFound)
}

func TestProductionDisablesFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	hook := NewHook(s, true)
	err := hook.Store(ctx, "uid-orphan", "uid-orphan", "verifier", time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFallbackDisabled)
	assert.Contains(t, err.Error(), "cannot store PKCE state: fallback storage is disabled in production")

	// The client path still works in production.
	seedInteraction(t, s, "uid-1", "client-1")
	require.NoError(t, hook.Store(ctx, "uid-1", "uid-1", "verifier", time.Now().Add(time.Minute)))
	verifier, err := hook.Retrieve(ctx, "uid-1", "uid-1")
	require.NoError(t, err)
	assert.Equal(t, "verifier", verifier)
}

func TestCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	hook := NewHook(s, false, WithClock(func() time.Time { return now }))
	require.NoError(t, hook.Store(ctx, "old", "old", "v1", now.Add(-time.Minute)))
	require.NoError(t, hook.Store(ctx, "fresh", "fresh", "v2", now.Add(time.Minute)))

	hook.Cleanup(now)

	_, err := hook.Retrieve(ctx, "old", "old")
	assert.ErrorIs(t, err, ErrVerifierNotFound)

	verifier, err := hook.Retrieve(ctx, "fresh", "fresh")
	require.NoError(t, err)
	assert.Equal(t, "v2", verifier)
}
