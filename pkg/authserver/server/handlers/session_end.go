// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/stacklok/mcp-auth-proxy/pkg/kv"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

var signedOutTemplate = template.Must(template.New("signedout").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body><p>You have been signed out.</p></body>
</html>
`))

// SessionEndHandler handles GET /session/end (RP-initiated logout). The
// browser session cookie is always cleared; the post-logout redirect is only
// honored when the client registered it.
func (h *Handler) SessionEndHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	query := req.URL.Query()

	if id := sessionCookieID(req); id != "" {
		if err := h.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, kv.ErrNotFound) {
			logger.Debugw("failed to delete browser session",
				"error", err.Error(),
			)
		}
	}
	h.clearSessionCookie(w)

	redirectURI := query.Get("post_logout_redirect_uri")
	clientID := query.Get("client_id")
	if redirectURI != "" && clientID != "" {
		client, err := h.store.GetDownstreamClient(ctx, clientID)
		if err == nil && client.MatchPostLogoutRedirectURI(redirectURI) {
			http.Redirect(w, req, redirectURI, http.StatusFound)
			return
		}
		logger.Debugw("ignoring unregistered post_logout_redirect_uri",
			"client_id", clientID,
		)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := signedOutTemplate.Execute(w, struct{ Title string }{h.cfg.Branding.Title}); err != nil {
		logger.Debugw("failed to render signed-out page",
			"error", err.Error(),
		)
	}
}
