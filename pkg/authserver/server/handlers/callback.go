// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/server/session"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/upstream"
	"github.com/stacklok/mcp-auth-proxy/pkg/kv"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// SharedCallbackHandler handles the redirect path registered with the IdP.
// The IdP knows a single redirect URI; the OAuth state is the interaction id
// and routes the browser on to the per-interaction callback.
func (h *Handler) SharedCallbackHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	state := req.URL.Query().Get("state")
	if state == "" {
		redirectReset(w, req)
		return
	}

	interaction, err := h.store.GetInteractionByState(ctx, state)
	if err != nil {
		logger.Debugw("no interaction for callback state",
			"state", state,
		)
		redirectReset(w, req)
		return
	}

	target := h.cfg.UniqueCallbackURL(interaction.UID)
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}
	http.Redirect(w, req, target, http.StatusFound)
}

// IdentityCallbackHandler handles GET /interaction/{uid}/identity/callback:
// the return leg from the upstream IdP. It exchanges the code, persists the
// upstream token bag, establishes the grant and writes the downstream
// authorize response.
func (h *Handler) IdentityCallbackHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	uid := chi.URLParam(req, "uid")
	query := req.URL.Query()

	interaction, err := h.store.GetInteraction(ctx, uid)
	if err != nil {
		redirectReset(w, req)
		return
	}

	ar, err := h.rebuildAuthorizeRequest(ctx, interaction)
	if err != nil {
		redirectReset(w, req)
		return
	}

	if errCode := query.Get("error"); errCode != "" {
		logger.Infow("upstream IdP returned an error",
			"interaction_id", uid,
			"error", errCode,
		)
		h.finishInteraction(ctx, uid)
		h.provider.WriteAuthorizeError(ctx, w, ar,
			fosite.ErrAccessDenied.WithDescription("Upstream identity provider denied the request"))
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		redirectReset(w, req)
		return
	}

	verifier, err := h.pkce.Retrieve(ctx, uid, state)
	if err != nil {
		logger.Warnw("PKCE verifier unavailable for interaction",
			"interaction_id", uid,
			"error", err.Error(),
		)
		redirectReset(w, req)
		return
	}

	token, err := h.upstream.ExchangeCode(ctx, code, verifier, h.cfg.CallbackURL())
	if err != nil {
		logger.Errorw("upstream code exchange failed",
			"interaction_id", uid,
			"error", err.Error(),
		)
		h.finishInteraction(ctx, uid)
		h.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.
			WithDescription("Token exchange with the upstream identity provider failed"))
		return
	}

	subject := token.UserID()
	if subject == "" {
		h.finishInteraction(ctx, uid)
		h.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError.
			WithDescription("Upstream identity provider did not identify the user"))
		return
	}

	client, err := h.store.GetDownstreamClient(ctx, interaction.ClientID)
	if err != nil {
		redirectReset(w, req)
		return
	}
	applyTokenResponse(client, token, subject)
	if err := h.store.UpdateClient(ctx, client); err != nil {
		logger.Errorw("failed to persist upstream tokens",
			"client_id", client.ID,
			"error", err.Error(),
		)
		h.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError)
		return
	}

	grant, err := h.ensureGrant(ctx, subject, client.ID)
	if err != nil {
		h.provider.WriteAuthorizeError(ctx, w, ar, fosite.ErrServerError)
		return
	}

	browserSession, err := h.store.GetSession(ctx, sessionCookieID(req))
	if err != nil {
		logger.Debugw("browser session lost during interaction",
			"interaction_id", uid,
		)
		redirectReset(w, req)
		return
	}

	for _, scope := range ar.GetRequestedScopes() {
		if slices.Contains(h.cfg.ProxyScopes, scope) {
			ar.GrantScope(scope)
		}
	}

	sess := session.New(subject, grant.ID, browserSession.UID, client.ID)
	response, err := h.provider.NewAuthorizeResponse(ctx, ar, sess)
	if err != nil {
		logger.Errorw("failed to build authorize response",
			"interaction_id", uid,
			"error", err.Error(),
		)
		h.provider.WriteAuthorizeError(ctx, w, ar, err)
		return
	}

	h.finishInteraction(ctx, uid)

	logger.Infow("authorization granted",
		"client_id", client.ID,
		"grant_id", grant.ID,
	)

	// The browser session served its purpose; the next client on this
	// browser starts a fresh one.
	h.clearSessionCookie(w)
	h.provider.WriteAuthorizeResponse(ctx, w, ar, response)
}

// ensureGrant reuses the existing grant for (subject, clientID) or creates
// one carrying the configured proxy scopes.
func (h *Handler) ensureGrant(ctx context.Context, subject, clientID string) (*storage.Grant, error) {
	grant, err := h.store.FindGrant(ctx, subject, clientID)
	if err == nil {
		return grant, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}

	grant = &storage.Grant{
		Subject:   subject,
		ClientID:  clientID,
		Scopes:    h.cfg.ProxyScopes,
		CreatedAt: time.Now(),
	}
	if err := h.store.CreateGrant(ctx, grant); err != nil {
		logger.Errorw("failed to create grant",
			"client_id", clientID,
			"error", err.Error(),
		)
		return nil, err
	}
	return grant, nil
}

// finishInteraction deletes the interaction, tolerating a concurrent finish.
func (h *Handler) finishInteraction(ctx context.Context, uid string) {
	if err := h.store.FinishInteraction(ctx, uid); err != nil && !errors.Is(err, kv.ErrNotFound) {
		logger.Debugw("failed to finish interaction",
			"interaction_id", uid,
			"error", err.Error(),
		)
	}
}

// applyTokenResponse copies the upstream token bag onto the client record.
func applyTokenResponse(client *storage.Client, token *upstream.TokenResponse, subject string) {
	client.UpstreamAccessToken = token.AccessToken
	client.UpstreamRefreshToken = token.RefreshToken
	client.UpstreamTokenType = token.TokenType
	client.UpstreamScope = token.Scope
	client.UpstreamIDToken = token.IDToken
	client.UpstreamIssuedAt = token.IssuedAt
	client.UpstreamExpiresIn = token.ExpiresIn
	client.UpstreamID = subject
	client.UpstreamInstanceURL = userDataString(token, "instance_url")
	client.UpstreamSignature = userDataString(token, "signature")
	client.UpstreamSessionNonce = userDataString(token, "session_nonce")
}

func userDataString(token *upstream.TokenResponse, key string) string {
	if v, ok := token.UserData[key].(string); ok {
		return v
	}
	return ""
}
