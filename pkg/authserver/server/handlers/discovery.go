// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ory/fosite"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/server/crypto"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// Cache-Control max-age for the discovery and JWKS endpoints (1 hour),
// balancing caching against key-rotation propagation.
const discoveryCacheMaxAge = 3600

// serverMetadata is the OAuth 2.0 Authorization Server Metadata (RFC 8414).
type serverMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// oidcDiscovery extends the RFC 8414 metadata with the OIDC fields.
type oidcDiscovery struct {
	serverMetadata

	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

func (h *Handler) buildMetadata() serverMetadata {
	issuer := h.cfg.Issuer()

	return serverMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/auth",
		TokenEndpoint:         issuer + "/token",
		IntrospectionEndpoint: issuer + "/token/introspection",
		RevocationEndpoint:    issuer + "/token/revocation",
		UserinfoEndpoint:      issuer + "/me",
		JWKSURI:               issuer + "/jwks",
		RegistrationEndpoint:  issuer + "/reg",
		EndSessionEndpoint:    issuer + "/session/end",
		ScopesSupported:       h.cfg.ProxyScopes,
		// "code token" is advertised for native clients that probe for
		// hybrid support; only the code flow is actually served.
		ResponseTypesSupported: []string{"code", "code token"},
		GrantTypesSupported: []string{
			string(fosite.GrantTypeAuthorizationCode),
			string(fosite.GrantTypeRefreshToken),
		},
		CodeChallengeMethodsSupported:     []string{crypto.PKCEChallengeMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
}

// OAuthMetadataHandler handles GET /.well-known/oauth-authorization-server.
func (h *Handler) OAuthMetadataHandler(w http.ResponseWriter, _ *http.Request) {
	writeDiscoveryJSON(w, h.buildMetadata())
}

// OIDCMetadataHandler handles GET /.well-known/openid-configuration.
func (h *Handler) OIDCMetadataHandler(w http.ResponseWriter, _ *http.Request) {
	writeDiscoveryJSON(w, oidcDiscovery{
		serverMetadata:                   h.buildMetadata(),
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"EdDSA"},
	})
}

// JWKSHandler handles GET /jwks with the Ed25519 verification keys.
func (h *Handler) JWKSHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(h.keys.PublicJWKS())
}

func writeDiscoveryJSON(w http.ResponseWriter, doc any) {
	data, err := json.Marshal(doc)
	if err != nil {
		logger.Errorw("failed to encode discovery document",
			"error", err.Error(),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
