// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ory/fosite"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/server/session"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// UserInfoHandler handles GET/POST /me. The subject is the upstream IdP's
// user id; scope-gated claims come from whatever the client record carries.
func (h *Handler) UserInfoHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	token := fosite.AccessTokenFromRequest(req)
	if token == "" {
		writeUserInfoError(w, "invalid_token", "Missing access token")
		return
	}

	_, requester, err := h.provider.IntrospectToken(ctx, token, fosite.AccessToken, session.New("", "", "", ""))
	if err != nil {
		logger.Debugw("userinfo token introspection failed",
			"error", err.Error(),
		)
		writeUserInfoError(w, "invalid_token", "Invalid or expired access token")
		return
	}

	sess, ok := requester.GetSession().(*session.Session)
	if !ok || sess.GetSubject() == "" {
		writeUserInfoError(w, "invalid_token", "Token carries no subject")
		return
	}

	scopes := requester.GetGrantedScopes()
	claims := map[string]any{
		"sub": sess.GetSubject(),
	}
	if scopes.Has("openid") {
		claims["iss"] = h.cfg.Issuer()
		claims["aud"] = requester.GetClient().GetID()
		claims["azp"] = requester.GetClient().GetID()
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(claims); err != nil {
		logger.Debugw("failed to encode userinfo response",
			"error", err.Error(),
		)
	}
}

// writeUserInfoError writes an RFC 6750 bearer error.
func writeUserInfoError(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate",
		`Bearer error="`+code+`", error_description="`+description+`"`)
	http.Error(w, description, http.StatusUnauthorized)
}
