// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers implements the HTTP surface of the authorization server:
// the authorize/interaction/callback state machine, the token endpoints,
// dynamic client registration, userinfo, discovery and session end.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/pkce"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/server/keys"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/upstream"
	"github.com/stacklok/mcp-auth-proxy/pkg/config"
)

// Cookie names. The session cookie outlives a single authorization; the
// interaction cookie is scoped to one interaction's path.
const (
	SessionCookieName     = "_session"
	InteractionCookieName = "_interaction"
)

// interactionCookieTTL bounds how long an abandoned interaction stays
// resumable in the browser.
const interactionCookieTTL = 10 * time.Minute

// SessionResetPath is where interaction failures send the browser; pkg/proxy
// serves it.
const SessionResetPath = "/session/reset"

// Handler coordinates the authorization server endpoints.
type Handler struct {
	provider fosite.OAuth2Provider
	cfg      *config.Config
	store    *storage.Storage
	upstream *upstream.Client
	pkce     *pkce.Hook
	keys     *keys.Provider
}

// New creates a Handler wiring the fosite provider to storage, the upstream
// IdP client and the PKCE hook.
func New(
	provider fosite.OAuth2Provider,
	cfg *config.Config,
	store *storage.Storage,
	upstreamClient *upstream.Client,
	pkceHook *pkce.Hook,
	keyProvider *keys.Provider,
) *Handler {
	return &Handler{
		provider: provider,
		cfg:      cfg,
		store:    store,
		upstream: upstreamClient,
		pkce:     pkceHook,
		keys:     keyProvider,
	}
}

// Routes registers the OAuth and interaction endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/auth", h.AuthorizeHandler)
	r.Get("/interaction/{uid}", h.InteractionHandler)
	r.Post("/interaction/{uid}/confirm", h.ConfirmHandler)
	r.Get("/interaction/{uid}/abort", h.AbortHandler)
	r.Get(h.cfg.UniqueCallbackRoutePattern(), h.IdentityCallbackHandler)
	r.Get(h.cfg.IDP.CallbackPath, h.SharedCallbackHandler)
	r.Post("/token", h.TokenHandler)
	r.Post("/token/introspection", h.IntrospectionHandler)
	r.Post("/token/revocation", h.RevocationHandler)
	r.Get("/me", h.UserInfoHandler)
	r.Post("/me", h.UserInfoHandler)
	r.Get("/jwks", h.JWKSHandler)
	r.Post("/reg", h.RegisterClientHandler)
	r.Get("/session/end", h.SessionEndHandler)
}

// WellKnownRoutes registers the discovery endpoints on r.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", h.OAuthMetadataHandler)
	r.Get("/.well-known/openid-configuration", h.OIDCMetadataHandler)
}

// CookieNames lists every cookie this server sets, for the session reset
// endpoint to clear.
func (h *Handler) CookieNames() []string {
	return []string{SessionCookieName, InteractionCookieName}
}

// setSessionCookie (re)issues the browser session cookie.
func (h *Handler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(storage.DefaultSessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   !h.cfg.LocalInsecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie expires the browser session cookie so the next
// authorization on this browser starts clean.
func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !h.cfg.LocalInsecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// setInteractionCookie scopes a short-lived cookie to one interaction path.
func (h *Handler) setInteractionCookie(w http.ResponseWriter, uid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     InteractionCookieName,
		Value:    uid,
		Path:     "/interaction/" + uid,
		MaxAge:   int(interactionCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   !h.cfg.LocalInsecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// sessionCookieID returns the browser session id from the request, or "".
func sessionCookieID(req *http.Request) string {
	cookie, err := req.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// redirectReset sends the browser to the session reset endpoint. Used when
// an interaction, session or grant cannot be recovered.
func redirectReset(w http.ResponseWriter, req *http.Request) {
	http.Redirect(w, req, SessionResetPath, http.StatusFound)
}
