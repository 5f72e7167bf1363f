// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/handler/openid"
	"github.com/ory/fosite/handler/pkce"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/server/session"
	"github.com/stacklok/mcp-auth-proxy/pkg/kv"
)

// Request-id index prefixes under kv.KindRequestIndex. Revocation by request
// id walks these to find the token signatures it owns.
const (
	indexAccessPrefix  = "access:"
	indexRefreshPrefix = "refresh:"
)

// storedRequester is the serializable form of a fosite.Requester. The
// session travels as raw JSON so its claims survive the round trip intact.
type storedRequester struct {
	RequestID         string              `json:"request_id"`
	RequestedAt       time.Time           `json:"requested_at"`
	ClientID          string              `json:"request_client_id"`
	RequestedScopes   []string            `json:"requested_scopes"`
	GrantedScopes     []string            `json:"granted_scopes"`
	RequestedAudience []string            `json:"requested_audience"`
	GrantedAudience   []string            `json:"granted_audience"`
	Form              map[string][]string `json:"form"`
	Session           json.RawMessage     `json:"session,omitempty"`
}

func serializeRequester(request fosite.Requester) (map[string]any, error) {
	stored := storedRequester{
		RequestID:         request.GetID(),
		RequestedAt:       request.GetRequestedAt(),
		ClientID:          request.GetClient().GetID(),
		RequestedScopes:   request.GetRequestedScopes(),
		GrantedScopes:     request.GetGrantedScopes(),
		RequestedAudience: request.GetRequestedAudience(),
		GrantedAudience:   request.GetGrantedAudience(),
		Form:              request.GetRequestForm(),
	}

	if sess := request.GetSession(); sess != nil {
		raw, err := json.Marshal(sess)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session: %w", err)
		}
		stored.Session = raw
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) deserializeRequester(ctx context.Context, rec kv.Record) (fosite.Requester, error) {
	raw, ok := rec["requester"]
	if !ok {
		return nil, errors.New("stored record has no requester")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	var stored storedRequester
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal requester: %w", err)
	}

	client, err := s.GetClient(ctx, stored.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client for stored request: %w", err)
	}

	sess := session.New("", "", "", "")
	if len(stored.Session) > 0 {
		if err := json.Unmarshal(stored.Session, sess); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session: %w", err)
		}
	}

	return &fosite.Request{
		ID:                stored.RequestID,
		RequestedAt:       stored.RequestedAt,
		Client:            client,
		RequestedScope:    fosite.Arguments(stored.RequestedScopes),
		GrantedScope:      fosite.Arguments(stored.GrantedScopes),
		RequestedAudience: fosite.Arguments(stored.RequestedAudience),
		GrantedAudience:   fosite.Arguments(stored.GrantedAudience),
		Form:              url.Values(stored.Form),
		Session:           sess,
	}, nil
}

// tokenRecord wraps the serialized requester with the fields revocation and
// session teardown key on.
func tokenRecord(request fosite.Requester) (kv.Record, error) {
	requester, err := serializeRequester(request)
	if err != nil {
		return nil, err
	}

	rec := kv.Record{"requester": requester}
	if sess, ok := request.GetSession().(*session.Session); ok {
		if sess.GrantID != "" {
			rec[kv.FieldGrantID] = sess.GrantID
		}
		if sess.SessionUID != "" {
			rec["session_uid"] = sess.SessionUID
		}
		if sess.ClientID != "" {
			rec["token_client_id"] = sess.ClientID
		}
		if jti := sess.JTI(); jti != "" {
			rec["jti"] = jti
		}
	}
	return rec, nil
}

// requestTTL prefers the expiry fosite set on the session over the default.
func requestTTL(request fosite.Requester, tokenType fosite.TokenType, defaultTTL time.Duration) time.Duration {
	sess := request.GetSession()
	if sess == nil {
		return defaultTTL
	}
	exp := sess.GetExpiresAt(tokenType)
	if exp.IsZero() {
		return defaultTTL
	}
	if ttl := time.Until(exp); ttl > 0 {
		return ttl
	}
	return defaultTTL
}

// -----------------------
// oauth2.AuthorizeCodeStorage
// -----------------------

// CreateAuthorizeCodeSession stores the authorization request under the code
// signature.
func (s *Storage) CreateAuthorizeCodeSession(ctx context.Context, code string, request fosite.Requester) error {
	if code == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	rec, err := tokenRecord(request)
	if err != nil {
		return fmt.Errorf("failed to encode authorize code session: %w", err)
	}
	return s.store.Upsert(ctx, kv.KindAuthorizationCode, code, rec, requestTTL(request, fosite.AuthorizeCode, DefaultAuthorizeCodeTTL))
}

// GetAuthorizeCodeSession returns the stored request. A consumed code still
// yields the request, wrapped in fosite.ErrInvalidatedAuthorizeCode so the
// token endpoint can revoke everything minted from it.
func (s *Storage) GetAuthorizeCodeSession(ctx context.Context, code string, _ fosite.Session) (fosite.Requester, error) {
	rec, err := s.store.Find(ctx, kv.KindAuthorizationCode, code)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", kv.ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	request, err := s.deserializeRequester(ctx, rec)
	if err != nil {
		return nil, err
	}

	if rec.IsConsumed() {
		return request, fosite.ErrInvalidatedAuthorizeCode
	}
	return request, nil
}

// InvalidateAuthorizeCodeSession marks the code consumed. The record stays
// until its TTL so replays are detected, not mistaken for unknown codes.
func (s *Storage) InvalidateAuthorizeCodeSession(ctx context.Context, code string) error {
	if err := s.store.Consume(ctx, kv.KindAuthorizationCode, code); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("%w: %w", kv.ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
		}
		return fmt.Errorf("failed to invalidate authorization code: %w", err)
	}
	return nil
}

// -----------------------
// oauth2.AccessTokenStorage
// -----------------------

// CreateAccessTokenSession stores the access token session and indexes it by
// request id for revocation.
func (s *Storage) CreateAccessTokenSession(ctx context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("access token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	rec, err := tokenRecord(request)
	if err != nil {
		return fmt.Errorf("failed to encode access token session: %w", err)
	}
	ttl := requestTTL(request, fosite.AccessToken, DefaultAccessTokenTTL)

	if err := s.store.Upsert(ctx, kv.KindAccessToken, signature, rec, ttl); err != nil {
		return err
	}
	if err := s.appendRequestIndex(ctx, indexAccessPrefix, request.GetID(), signature, ttl); err != nil {
		// Keep tokens and index consistent: a token we cannot revoke by
		// request id must not exist.
		_ = s.store.Destroy(ctx, kv.KindAccessToken, signature)
		return err
	}
	return nil
}

// GetAccessTokenSession returns the stored request for an access token.
func (s *Storage) GetAccessTokenSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	rec, err := s.store.Find(ctx, kv.KindAccessToken, signature)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", kv.ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	return s.deserializeRequester(ctx, rec)
}

// DeleteAccessTokenSession removes the access token and its index entry.
func (s *Storage) DeleteAccessTokenSession(ctx context.Context, signature string) error {
	rec, err := s.store.Find(ctx, kv.KindAccessToken, signature)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("%w: %w", kv.ErrNotFound, fosite.ErrNotFound.WithHint("Access token not found"))
		}
		return fmt.Errorf("failed to get access token: %w", err)
	}

	if err := s.store.Destroy(ctx, kv.KindAccessToken, signature); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}

	// Index cleanup is best effort.
	if requestID := storedRequestID(rec); requestID != "" {
		_ = s.removeFromRequestIndex(ctx, indexAccessPrefix, requestID, signature)
	}
	return nil
}

// AccessTokenInfo is the slice of a stored access token the proxy needs:
// enough to find the client, tear down the grant, and cross-check the jti.
type AccessTokenInfo struct {
	GrantID    string
	SessionUID string
	ClientID   string
	JTI        string
}

// GetAccessTokenInfo reads the token's binding fields without rebuilding the
// fosite request.
func (s *Storage) GetAccessTokenInfo(ctx context.Context, signature string) (*AccessTokenInfo, error) {
	rec, err := s.store.Find(ctx, kv.KindAccessToken, signature)
	if err != nil {
		return nil, err
	}
	info := &AccessTokenInfo{
		GrantID:    rec.GrantID(),
		SessionUID: recString(rec, "session_uid"),
		ClientID:   recString(rec, "token_client_id"),
		JTI:        recString(rec, "jti"),
	}
	return info, nil
}

// -----------------------
// oauth2.RefreshTokenStorage / TokenRevocationStorage
// -----------------------

// CreateRefreshTokenSession stores the refresh token session. The access
// token signature fosite passes alongside is tracked through the request-id
// index instead.
func (s *Storage) CreateRefreshTokenSession(ctx context.Context, signature string, _ string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	rec, err := tokenRecord(request)
	if err != nil {
		return fmt.Errorf("failed to encode refresh token session: %w", err)
	}
	ttl := requestTTL(request, fosite.RefreshToken, DefaultRefreshTokenTTL)

	if err := s.store.Upsert(ctx, kv.KindRefreshToken, signature, rec, ttl); err != nil {
		return err
	}
	if err := s.appendRequestIndex(ctx, indexRefreshPrefix, request.GetID(), signature, ttl); err != nil {
		_ = s.store.Destroy(ctx, kv.KindRefreshToken, signature)
		return err
	}
	return nil
}

// GetRefreshTokenSession returns the stored request. A rotated (consumed)
// token yields the request with fosite.ErrInactiveToken, which triggers
// fosite's reuse detection.
func (s *Storage) GetRefreshTokenSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	rec, err := s.store.Find(ctx, kv.KindRefreshToken, signature)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", kv.ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	request, err := s.deserializeRequester(ctx, rec)
	if err != nil {
		return nil, err
	}

	if rec.IsConsumed() {
		return request, fosite.ErrInactiveToken
	}
	return request, nil
}

// DeleteRefreshTokenSession removes the refresh token and its index entry.
func (s *Storage) DeleteRefreshTokenSession(ctx context.Context, signature string) error {
	rec, err := s.store.Find(ctx, kv.KindRefreshToken, signature)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("%w: %w", kv.ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
		}
		return fmt.Errorf("failed to get refresh token: %w", err)
	}

	if err := s.store.Destroy(ctx, kv.KindRefreshToken, signature); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}

	if requestID := storedRequestID(rec); requestID != "" {
		_ = s.removeFromRequestIndex(ctx, indexRefreshPrefix, requestID, signature)
	}
	return nil
}

// RotateRefreshToken consumes the used refresh token and drops the access
// tokens minted with it. The consumed record stays visible so a replay is
// recognized as reuse rather than an unknown token.
func (s *Storage) RotateRefreshToken(ctx context.Context, requestID string, refreshTokenSignature string) error {
	if err := s.store.Consume(ctx, kv.KindRefreshToken, refreshTokenSignature); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("failed to consume refresh token: %w", err)
	}

	signatures, err := s.requestIndexSignatures(ctx, indexAccessPrefix, requestID)
	if err != nil {
		return err
	}
	for _, sig := range signatures {
		_ = s.store.Destroy(ctx, kv.KindAccessToken, sig)
	}
	_ = s.store.Destroy(ctx, kv.KindRequestIndex, indexAccessPrefix+requestID)
	return nil
}

// RevokeAccessToken drops every access token issued for the request id.
func (s *Storage) RevokeAccessToken(ctx context.Context, requestID string) error {
	signatures, err := s.requestIndexSignatures(ctx, indexAccessPrefix, requestID)
	if err != nil {
		return err
	}
	for _, sig := range signatures {
		_ = s.store.Destroy(ctx, kv.KindAccessToken, sig)
	}
	return s.store.Destroy(ctx, kv.KindRequestIndex, indexAccessPrefix+requestID)
}

// RevokeRefreshToken drops every refresh token issued for the request id.
func (s *Storage) RevokeRefreshToken(ctx context.Context, requestID string) error {
	signatures, err := s.requestIndexSignatures(ctx, indexRefreshPrefix, requestID)
	if err != nil {
		return err
	}
	for _, sig := range signatures {
		_ = s.store.Destroy(ctx, kv.KindRefreshToken, sig)
	}
	return s.store.Destroy(ctx, kv.KindRequestIndex, indexRefreshPrefix+requestID)
}

// RevokeRefreshTokenMaybeGracePeriod revokes immediately; no grace period.
func (s *Storage) RevokeRefreshTokenMaybeGracePeriod(ctx context.Context, requestID string, _ string) error {
	return s.RevokeRefreshToken(ctx, requestID)
}

// -----------------------
// pkce.PKCERequestStorage
// -----------------------

// CreatePKCERequestSession stores the downstream PKCE request.
func (s *Storage) CreatePKCERequestSession(ctx context.Context, signature string, request fosite.Requester) error {
	if signature == "" {
		return fosite.ErrInvalidRequest.WithHint("PKCE signature cannot be empty")
	}
	if request == nil {
		return fosite.ErrInvalidRequest.WithHint("request cannot be nil")
	}

	requester, err := serializeRequester(request)
	if err != nil {
		return fmt.Errorf("failed to encode PKCE session: %w", err)
	}
	rec := kv.Record{"requester": requester}
	return s.store.Upsert(ctx, kv.KindPKCERequest, signature, rec, requestTTL(request, fosite.AuthorizeCode, DefaultPKCESessionTTL))
}

// GetPKCERequestSession returns the stored PKCE request.
func (s *Storage) GetPKCERequestSession(ctx context.Context, signature string, _ fosite.Session) (fosite.Requester, error) {
	rec, err := s.store.Find(ctx, kv.KindPKCERequest, signature)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", kv.ErrNotFound, fosite.ErrNotFound.WithHint("PKCE request not found"))
		}
		return nil, fmt.Errorf("failed to get PKCE request: %w", err)
	}
	return s.deserializeRequester(ctx, rec)
}

// DeletePKCERequestSession removes the PKCE request.
func (s *Storage) DeletePKCERequestSession(ctx context.Context, signature string) error {
	if err := s.store.Destroy(ctx, kv.KindPKCERequest, signature); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("%w: %w", kv.ErrNotFound, fosite.ErrNotFound.WithHint("PKCE request not found"))
		}
		return err
	}
	return nil
}

// -----------------------
// openid.OpenIDConnectRequestStorage
// -----------------------

// CreateOpenIDConnectSession stores the OIDC session keyed by the authorize
// code.
func (s *Storage) CreateOpenIDConnectSession(ctx context.Context, authorizeCode string, requester fosite.Requester) error {
	serialized, err := serializeRequester(requester)
	if err != nil {
		return fmt.Errorf("failed to encode OIDC session: %w", err)
	}
	rec := kv.Record{"requester": serialized}
	return s.store.Upsert(ctx, kv.KindOIDCSession, authorizeCode, rec, requestTTL(requester, fosite.AuthorizeCode, DefaultOIDCSessionTTL))
}

// GetOpenIDConnectSession returns the stored OIDC request for the code.
func (s *Storage) GetOpenIDConnectSession(ctx context.Context, authorizeCode string, _ fosite.Requester) (fosite.Requester, error) {
	rec, err := s.store.Find(ctx, kv.KindOIDCSession, authorizeCode)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, openid.ErrNoSessionFound
		}
		return nil, fmt.Errorf("failed to get OIDC session: %w", err)
	}
	return s.deserializeRequester(ctx, rec)
}

// DeleteOpenIDConnectSession removes the OIDC session.
func (s *Storage) DeleteOpenIDConnectSession(ctx context.Context, authorizeCode string) error {
	return s.store.Destroy(ctx, kv.KindOIDCSession, authorizeCode)
}

// -----------------------
// Request-id index helpers
// -----------------------

func (s *Storage) appendRequestIndex(ctx context.Context, prefix, requestID, signature string, ttl time.Duration) error {
	id := prefix + requestID
	rec, err := s.store.Find(ctx, kv.KindRequestIndex, id)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		rec = kv.Record{}
	}

	signatures := indexSignatures(rec)
	for _, sig := range signatures {
		if sig == signature {
			return nil
		}
	}
	rec["signatures"] = append(signatures, signature)
	return s.store.Upsert(ctx, kv.KindRequestIndex, id, rec, ttl)
}

func (s *Storage) removeFromRequestIndex(ctx context.Context, prefix, requestID, signature string) error {
	id := prefix + requestID
	rec, err := s.store.Find(ctx, kv.KindRequestIndex, id)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return err
	}

	signatures := indexSignatures(rec)
	kept := signatures[:0]
	for _, sig := range signatures {
		if sig != signature {
			kept = append(kept, sig)
		}
	}
	if len(kept) == 0 {
		return s.store.Destroy(ctx, kv.KindRequestIndex, id)
	}
	rec["signatures"] = kept
	return s.store.Upsert(ctx, kv.KindRequestIndex, id, rec, 0)
}

func (s *Storage) requestIndexSignatures(ctx context.Context, prefix, requestID string) ([]string, error) {
	rec, err := s.store.Find(ctx, kv.KindRequestIndex, prefix+requestID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return indexSignatures(rec), nil
}

// indexSignatures tolerates both the freshly written []string and the
// []any the JSON round trip produces.
func indexSignatures(rec kv.Record) []string {
	switch v := rec["signatures"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func storedRequestID(rec kv.Record) string {
	raw, ok := rec["requester"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := raw["request_id"].(string)
	return id
}

func recString(rec kv.Record, field string) string {
	v, _ := rec[field].(string)
	return v
}

// Compile-time interface compliance checks.
var (
	_ fosite.ClientManager               = (*Storage)(nil)
	_ oauth2.AuthorizeCodeStorage        = (*Storage)(nil)
	_ oauth2.AccessTokenStorage          = (*Storage)(nil)
	_ oauth2.RefreshTokenStorage         = (*Storage)(nil)
	_ oauth2.TokenRevocationStorage      = (*Storage)(nil)
	_ pkce.PKCERequestStorage            = (*Storage)(nil)
	_ openid.OpenIDConnectRequestStorage = (*Storage)(nil)
)
