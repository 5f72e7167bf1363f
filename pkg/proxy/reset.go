// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/mcp-auth-proxy/pkg/config"
)

// resetPath is where failed authorization state sends the browser.
const resetPath = "/session/reset"

// Reset clears the authorization server's cookies and tells the client to
// start over.
type Reset struct {
	cfg         *config.Config
	cookieNames []string
}

// NewReset builds the session reset endpoints. cookieNames comes from the
// authorization server's cookie registry.
func NewReset(cfg *config.Config, cookieNames []string) *Reset {
	return &Reset{cfg: cfg, cookieNames: cookieNames}
}

// Routes registers the reset endpoints on r.
func (s *Reset) Routes(r chi.Router) {
	r.Get("/session/reset", s.ResetHandler)
	r.Get("/session/reset/done", s.ResetDoneHandler)
}

// ResetHandler handles GET /session/reset: every known cookie is expired,
// then the browser lands on the terminal 401.
func (s *Reset) ResetHandler(w http.ResponseWriter, req *http.Request) {
	for _, name := range s.cookieNames {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   !s.cfg.LocalInsecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	http.Redirect(w, req, resetPath+"/done", http.StatusFound)
}

// ResetDoneHandler handles GET /session/reset/done: a 401 that points the
// client at the authorization endpoint to start a fresh flow.
func (s *Reset) ResetDoneHandler(w http.ResponseWriter, _ *http.Request) {
	authorizeURL := s.cfg.Issuer() + "/auth"

	w.Header().Set("WWW-Authenticate",
		`Bearer error="invalid_client", error_description="Session reset", authorization_uri="`+authorizeURL+`"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             "session_expired",
		"error_description": "Session reset",
		"error_uri":         authorizeURL,
	})
}
