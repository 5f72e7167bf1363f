// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pkce persists the upstream PKCE verifier across the authorization
// redirect. The verifier normally lands on the downstream client record so
// it survives process restarts and is visible to every replica; a
// process-local fallback map covers interactions that have no client yet,
// and is disabled outright in production.
package pkce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// ErrFallbackDisabled is returned by Store in production when the verifier
// cannot be written to a client record.
var ErrFallbackDisabled = errors.New("cannot store PKCE state: fallback storage is disabled in production")

// ErrVerifierNotFound is returned by Retrieve when no usable verifier
// exists: unknown interaction, state mismatch, or expiry.
var ErrVerifierNotFound = errors.New("pkce: verifier not found")

// ClientStore is the slice of the storage layer the hook needs.
type ClientStore interface {
	GetInteraction(ctx context.Context, uid string) (*storage.Interaction, error)
	GetDownstreamClient(ctx context.Context, id string) (*storage.Client, error)
	UpdateClient(ctx context.Context, client *storage.Client) error
}

// fallbackEntry lives in the in-memory map only.
type fallbackEntry struct {
	state     string
	verifier  string
	expiresAt time.Time
}

// Hook stores and retrieves PKCE verifiers for upstream authorization
// round trips.
type Hook struct {
	store      ClientStore
	production bool
	now        func() time.Time

	mu       sync.Mutex
	fallback map[string]fallbackEntry
}

// Option configures a Hook.
type Option func(*Hook)

// WithClock overrides the time source in tests.
func WithClock(now func() time.Time) Option {
	return func(h *Hook) { h.now = now }
}

// NewHook creates a Hook. production disables the in-memory fallback.
func NewHook(store ClientStore, production bool, opts ...Option) *Hook {
	h := &Hook{
		store:      store,
		production: production,
		now:        time.Now,
		fallback:   make(map[string]fallbackEntry),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Store persists (state, verifier, expiresAt) for the interaction. The
// client record is preferred; the fallback map is used only outside
// production.
func (h *Hook) Store(ctx context.Context, interactionID, state, verifier string, expiresAt time.Time) error {
	interaction, err := h.store.GetInteraction(ctx, interactionID)
	if err == nil && interaction.ClientID != "" {
		client, cerr := h.store.GetDownstreamClient(ctx, interaction.ClientID)
		if cerr == nil {
			client.PKCEVerifier = verifier
			client.PKCEState = state
			if uerr := h.store.UpdateClient(ctx, client); uerr != nil {
				return fmt.Errorf("failed to persist PKCE state on client: %w", uerr)
			}
			return nil
		}
		logger.Debugw("PKCE client lookup failed, using fallback", "client_id", interaction.ClientID, "error", cerr)
	}

	if h.production {
		return ErrFallbackDisabled
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.fallback[interactionID] = fallbackEntry{
		state:     state,
		verifier:  verifier,
		expiresAt: expiresAt,
	}
	return nil
}

// Retrieve returns the verifier when the presented state matches the stored
// one and the entry has not expired. The record is consumed on success and
// on mismatch alike; a replay sees nothing.
func (h *Hook) Retrieve(ctx context.Context, interactionID, state string) (string, error) {
	if !h.production {
		if verifier, found := h.retrieveFallback(interactionID, state); found {
			return verifier, nil
		}
	}

	interaction, err := h.store.GetInteraction(ctx, interactionID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrVerifierNotFound, err)
	}
	if interaction.ClientID == "" {
		return "", ErrVerifierNotFound
	}

	client, err := h.store.GetDownstreamClient(ctx, interaction.ClientID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrVerifierNotFound, err)
	}

	verifier, storedState := client.PKCEVerifier, client.PKCEState
	client.ClearPKCE()
	if uerr := h.store.UpdateClient(ctx, client); uerr != nil {
		return "", fmt.Errorf("failed to consume PKCE state on client: %w", uerr)
	}

	if verifier == "" || storedState != state {
		return "", ErrVerifierNotFound
	}
	return verifier, nil
}

// retrieveFallback consumes the map entry whatever the outcome, and reports
// whether a valid verifier was found.
func (h *Hook) retrieveFallback(interactionID, state string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.fallback[interactionID]
	if !ok {
		return "", false
	}
	delete(h.fallback, interactionID)

	if entry.state != state || !h.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.verifier, true
}

// Cleanup drops fallback entries that expired before the given time.
func (h *Hook) Cleanup(before time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, entry := range h.fallback {
		if entry.expiresAt.Before(before) {
			delete(h.fallback, id)
		}
	}
}

// StartJanitor runs Cleanup on a ticker until the context is cancelled.
func (h *Hook) StartJanitor(ctx context.Context, interval time.Duration) {
	if h.production {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Cleanup(h.now())
			}
		}
	}()
}
