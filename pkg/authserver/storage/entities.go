// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/mcp-auth-proxy/pkg/kv"
)

// Interaction prompt names.
const (
	PromptConfirmLogin = "confirm-login"
	PromptLogin        = "login"
)

// Interaction is the per-authorization state machine record. Its id doubles
// as the OAuth state parameter toward the upstream IdP, so the identity
// callback can find its way back with nothing but the state query member.
type Interaction struct {
	// UID is both the record id and the kv secondary key.
	UID string `json:"uid"`

	// Prompt names the next step: confirm-login or login.
	Prompt string `json:"prompt"`

	// ClientID is the downstream client being authorized.
	ClientID string `json:"interaction_client_id"`

	// Params is the full authorize request form, kept verbatim so the
	// callback can rebuild the fosite authorize request.
	Params url.Values `json:"params"`

	CreatedAt time.Time `json:"created_at"`
}

// CreateInteraction persists the interaction under its uid.
func (s *Storage) CreateInteraction(ctx context.Context, interaction *Interaction) error {
	if interaction.UID == "" {
		return errors.New("interaction uid cannot be empty")
	}
	if interaction.CreatedAt.IsZero() {
		interaction.CreatedAt = time.Now()
	}
	rec, err := encodeRecord(interaction)
	if err != nil {
		return fmt.Errorf("failed to encode interaction: %w", err)
	}
	return s.store.Upsert(ctx, kv.KindInteraction, interaction.UID, rec, s.interactionTTL)
}

// GetInteraction loads an interaction by uid.
func (s *Storage) GetInteraction(ctx context.Context, uid string) (*Interaction, error) {
	rec, err := s.store.Find(ctx, kv.KindInteraction, uid)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: interaction %q", kv.ErrNotFound, uid)
		}
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}
	var interaction Interaction
	if err := decodeRecord(rec, &interaction); err != nil {
		return nil, fmt.Errorf("failed to decode interaction: %w", err)
	}
	return &interaction, nil
}

// GetInteractionByState resolves the upstream callback's state parameter.
// The state is the interaction uid, so this is a plain lookup.
func (s *Storage) GetInteractionByState(ctx context.Context, state string) (*Interaction, error) {
	return s.GetInteraction(ctx, state)
}

// UpdateInteraction rewrites the interaction, refreshing its TTL.
func (s *Storage) UpdateInteraction(ctx context.Context, interaction *Interaction) error {
	return s.CreateInteraction(ctx, interaction)
}

// FinishInteraction removes a completed or aborted interaction.
func (s *Storage) FinishInteraction(ctx context.Context, uid string) error {
	return s.DeleteInteraction(ctx, uid)
}

// DeleteInteraction removes the interaction record.
func (s *Storage) DeleteInteraction(ctx context.Context, uid string) error {
	return s.store.Destroy(ctx, kv.KindInteraction, uid)
}

// BrowserSession is the cookie-identified browser session. Access tokens
// record its uid so a compromised upstream session can be torn down from the
// proxy side.
type BrowserSession struct {
	// ID is the cookie value.
	ID string `json:"session_id"`

	// UID is the kv secondary key recorded on issued tokens.
	UID string `json:"uid"`

	CreatedAt time.Time `json:"created_at"`
}

// EnsureSession returns the session identified by the cookie value, creating
// a fresh one when the id is empty or stale.
func (s *Storage) EnsureSession(ctx context.Context, id string) (*BrowserSession, error) {
	if id != "" {
		session, err := s.GetSession(ctx, id)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, kv.ErrNotFound) {
			return nil, err
		}
	}

	session := &BrowserSession{
		ID:        uuid.NewString(),
		UID:       uuid.NewString(),
		CreatedAt: time.Now(),
	}
	rec, err := encodeRecord(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.store.Upsert(ctx, kv.KindSession, session.ID, rec, s.sessionTTL); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession loads a browser session by its cookie value.
func (s *Storage) GetSession(ctx context.Context, id string) (*BrowserSession, error) {
	rec, err := s.store.Find(ctx, kv.KindSession, id)
	if err != nil {
		return nil, err
	}
	var session BrowserSession
	if err := decodeRecord(rec, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// GetSessionByUID resolves a session through the uid recorded on tokens.
func (s *Storage) GetSessionByUID(ctx context.Context, uid string) (*BrowserSession, error) {
	rec, err := s.store.FindByUID(ctx, kv.KindSession, uid)
	if err != nil {
		return nil, err
	}
	var session BrowserSession
	if err := decodeRecord(rec, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// DeleteSession removes a browser session by id.
func (s *Storage) DeleteSession(ctx context.Context, id string) error {
	return s.store.Destroy(ctx, kv.KindSession, id)
}

// DeleteSessionByUID removes a browser session through its uid.
func (s *Storage) DeleteSessionByUID(ctx context.Context, uid string) error {
	session, err := s.GetSessionByUID(ctx, uid)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.DeleteSession(ctx, session.ID)
}

// Grant records that a subject authorized a downstream client for a scope
// set. Every token minted under the grant joins its revocation list.
type Grant struct {
	ID string `json:"grant_record_id"`

	// UID is the (subject, client) lookup key.
	UID string `json:"uid"`

	// Subject is the upstream user id.
	Subject string `json:"subject"`

	ClientID string   `json:"grant_client_id"`
	Scopes   []string `json:"scopes"`

	CreatedAt time.Time `json:"created_at"`
}

// grantLookupUID builds the (subject, client) secondary key.
func grantLookupUID(subject, clientID string) string {
	return "grant:" + subject + "|" + clientID
}

// FindGrant returns the existing grant for (subject, clientID), or
// kv.ErrNotFound.
func (s *Storage) FindGrant(ctx context.Context, subject, clientID string) (*Grant, error) {
	rec, err := s.store.FindByUID(ctx, kv.KindGrant, grantLookupUID(subject, clientID))
	if err != nil {
		return nil, err
	}
	var grant Grant
	if err := decodeRecord(rec, &grant); err != nil {
		return nil, fmt.Errorf("failed to decode grant: %w", err)
	}
	return &grant, nil
}

// CreateGrant persists a new grant. A zero ID gets a fresh uuid.
func (s *Storage) CreateGrant(ctx context.Context, grant *Grant) error {
	if grant.Subject == "" || grant.ClientID == "" {
		return errors.New("grant subject and client id are required")
	}
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now()
	}
	grant.UID = grantLookupUID(grant.Subject, grant.ClientID)

	rec, err := encodeRecord(grant)
	if err != nil {
		return fmt.Errorf("failed to encode grant: %w", err)
	}
	return s.store.Upsert(ctx, kv.KindGrant, grant.ID, rec, s.grantTTL)
}

// UpdateGrant rewrites the grant, refreshing its TTL.
func (s *Storage) UpdateGrant(ctx context.Context, grant *Grant) error {
	return s.CreateGrant(ctx, grant)
}

// DestroyGrant revokes every token issued under the grant and removes the
// grant record itself.
func (s *Storage) DestroyGrant(ctx context.Context, id string) error {
	if err := s.store.RevokeByGrantID(ctx, id); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("failed to revoke grant tokens: %w", err)
	}
	if err := s.store.Destroy(ctx, kv.KindGrant, id); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	return nil
}
