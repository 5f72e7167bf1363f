// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ory/fosite"

	"github.com/stacklok/mcp-auth-proxy/pkg/kv"
)

// Default lifetimes. Token TTLs yield to the expiry fosite recorded on the
// session; entity TTLs are ours alone.
const (
	DefaultAuthorizeCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL   = time.Hour
	DefaultRefreshTokenTTL  = 14 * 24 * time.Hour
	DefaultClientTTL        = 30 * 24 * time.Hour
	DefaultGrantTTL         = 30 * 24 * time.Hour
	DefaultInteractionTTL   = time.Hour
	DefaultSessionTTL       = 14 * 24 * time.Hour
	DefaultPKCESessionTTL   = 10 * time.Minute
	DefaultOIDCSessionTTL   = 10 * time.Minute

	// jtiBlocklistTTL bounds replayed client assertion ids. The token
	// endpoint only admits public clients, so this is belt and braces.
	jtiBlocklistTTL = time.Hour
)

// ErrNotFound mirrors kv.ErrNotFound for callers that do not want to import
// the kv package directly.
var ErrNotFound = kv.ErrNotFound

// Storage adapts kv.Store to the fosite storage contracts and the entity
// APIs of the interaction handlers. All methods are safe for concurrent use;
// the consistency story is the store's.
type Storage struct {
	store kv.Store

	clientTTL      time.Duration
	grantTTL       time.Duration
	interactionTTL time.Duration
	sessionTTL     time.Duration
}

// Option configures a Storage.
type Option func(*Storage)

// WithClientTTL overrides the downstream client lifetime.
func WithClientTTL(ttl time.Duration) Option {
	return func(s *Storage) { s.clientTTL = ttl }
}

// WithGrantTTL overrides the grant lifetime.
func WithGrantTTL(ttl time.Duration) Option {
	return func(s *Storage) { s.grantTTL = ttl }
}

// WithInteractionTTL overrides the interaction lifetime.
func WithInteractionTTL(ttl time.Duration) Option {
	return func(s *Storage) { s.interactionTTL = ttl }
}

// WithSessionTTL overrides the browser session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Storage) { s.sessionTTL = ttl }
}

// New creates a Storage over the given store.
func New(store kv.Store, opts ...Option) *Storage {
	s := &Storage{
		store:          store,
		clientTTL:      DefaultClientTTL,
		grantTTL:       DefaultGrantTTL,
		interactionTTL: DefaultInteractionTTL,
		sessionTTL:     DefaultSessionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying kv.Store for health checks.
func (s *Storage) Store() kv.Store {
	return s.store
}

// -----------------------
// fosite.ClientManager
// -----------------------

// GetClient implements fosite.ClientManager.
func (s *Storage) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	client, err := s.GetDownstreamClient(ctx, id)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// GetDownstreamClient returns the concrete client entity with its upstream
// token bag.
func (s *Storage) GetDownstreamClient(ctx context.Context, id string) (*Client, error) {
	rec, err := s.store.Find(ctx, kv.KindClient, id)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", kv.ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client Client
	if err := decodeRecord(rec, &client); err != nil {
		return nil, fmt.Errorf("failed to decode client: %w", err)
	}
	return &client, nil
}

// CreateClient persists a dynamically registered client.
func (s *Storage) CreateClient(ctx context.Context, client *Client) error {
	if client.ID == "" {
		return errors.New("client id cannot be empty")
	}
	rec, err := encodeRecord(client)
	if err != nil {
		return fmt.Errorf("failed to encode client: %w", err)
	}
	return s.store.Upsert(ctx, kv.KindClient, client.ID, rec, s.clientTTL)
}

// UpdateClient rewrites the client, refreshing its TTL. Used whenever the
// upstream token bag changes.
func (s *Storage) UpdateClient(ctx context.Context, client *Client) error {
	return s.CreateClient(ctx, client)
}

// DeleteClient removes the client.
func (s *Storage) DeleteClient(ctx context.Context, id string) error {
	return s.store.Destroy(ctx, kv.KindClient, id)
}

// ClientAssertionJWTValid implements fosite.ClientManager. A known jti means
// the assertion is replayed.
func (s *Storage) ClientAssertionJWTValid(ctx context.Context, jti string) error {
	_, err := s.store.Find(ctx, kv.KindRequestIndex, jtiKey(jti))
	if err == nil {
		return fosite.ErrJTIKnown
	}
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("failed to check client assertion jti: %w", err)
}

// SetClientAssertionJWT implements fosite.ClientManager.
func (s *Storage) SetClientAssertionJWT(ctx context.Context, jti string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 || ttl > jtiBlocklistTTL {
		ttl = jtiBlocklistTTL
	}
	rec := kv.Record{"jti": jti, "expires_at": exp.Unix()}
	return s.store.Upsert(ctx, kv.KindRequestIndex, jtiKey(jti), rec, ttl)
}

func jtiKey(jti string) string {
	return "jti:" + jti
}

// -----------------------
// Record codec
// -----------------------

// encodeRecord JSON round-trips a struct into a kv.Record so the store sees
// the tagged field names (grant_id, uid, ...) it keys its indexes on.
func encodeRecord(v any) (kv.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec kv.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// decodeRecord is the inverse of encodeRecord.
func decodeRecord(rec kv.Record, v any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
