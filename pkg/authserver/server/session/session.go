// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session defines the fosite session minted for every downstream
// grant. Access tokens are JWTs, so the session embeds the JWT claims; the
// OpenID Connect claims ride along for clients that requested an id_token.
package session

import (
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/handler/oauth2"
	"github.com/ory/fosite/token/jwt"
)

// Session binds the issued tokens to the grant, the browser session, and
// the downstream client. Those three ids are what the proxy later needs to
// tear everything down when the upstream session dies.
type Session struct {
	*oauth2.JWTSession

	// IDClaims feed the id_token for openid-scoped grants.
	IDClaims  *jwt.IDTokenClaims `json:"id_claims,omitempty"`
	IDHeaders *jwt.Headers       `json:"id_headers,omitempty"`

	// GrantID ties every token minted from this session to its grant.
	GrantID string `json:"grant_id,omitempty"`

	// SessionUID identifies the browser session that produced the grant.
	SessionUID string `json:"session_uid,omitempty"`

	// ClientID is the downstream client the tokens were issued to.
	ClientID string `json:"client_id,omitempty"`
}

// New creates a session for the given subject. All four values may be empty
// when the session is only a deserialization template for the token
// endpoint.
func New(subject, grantID, sessionUID, clientID string) *Session {
	return &Session{
		JWTSession: &oauth2.JWTSession{
			JWTClaims: &jwt.JWTClaims{
				Subject: subject,
				Extra: map[string]any{
					"grant_id":  grantID,
					"azp":       clientID,
					"client_id": clientID,
				},
			},
			JWTHeader: &jwt.Headers{
				Extra: map[string]any{},
			},
			Subject: subject,
		},
		IDClaims: &jwt.IDTokenClaims{
			Subject: subject,
			Extra:   map[string]any{},
		},
		IDHeaders: &jwt.Headers{
			Extra: map[string]any{},
		},
		GrantID:    grantID,
		SessionUID: sessionUID,
		ClientID:   clientID,
	}
}

// IDTokenClaims implements openid.Session.
func (s *Session) IDTokenClaims() *jwt.IDTokenClaims {
	if s.IDClaims == nil {
		s.IDClaims = &jwt.IDTokenClaims{Extra: map[string]any{}}
	}
	return s.IDClaims
}

// IDTokenHeaders implements openid.Session.
func (s *Session) IDTokenHeaders() *jwt.Headers {
	if s.IDHeaders == nil {
		s.IDHeaders = &jwt.Headers{Extra: map[string]any{}}
	}
	return s.IDHeaders
}

// Clone deep-copies the session so fosite's request mutation never leaks
// across stored requesters.
func (s *Session) Clone() fosite.Session {
	if s == nil {
		return nil
	}

	clone := &Session{
		GrantID:    s.GrantID,
		SessionUID: s.SessionUID,
		ClientID:   s.ClientID,
	}
	if s.JWTSession != nil {
		clone.JWTSession = s.JWTSession.Clone().(*oauth2.JWTSession)
	}
	if s.IDClaims != nil {
		copied := *s.IDClaims
		copied.Extra = cloneMap(s.IDClaims.Extra)
		copied.Audience = append([]string(nil), s.IDClaims.Audience...)
		copied.AuthenticationMethodsReferences = append([]string(nil), s.IDClaims.AuthenticationMethodsReferences...)
		clone.IDClaims = &copied
	}
	if s.IDHeaders != nil {
		clone.IDHeaders = &jwt.Headers{Extra: cloneMap(s.IDHeaders.Extra)}
	}
	return clone
}

// JTI returns the access token's JWT id, set by the signing strategy.
func (s *Session) JTI() string {
	if s.JWTSession == nil || s.JWTSession.JWTClaims == nil {
		return ""
	}
	return s.JWTSession.JWTClaims.JTI
}

// SetExpiry records the token expiry used for storage TTLs.
func (s *Session) SetExpiry(tokenType fosite.TokenType, at time.Time) {
	s.SetExpiresAt(tokenType, at)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
