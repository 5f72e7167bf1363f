// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"net"
	"net/url"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/ory/fosite"
)

// Client is a dynamically registered downstream OAuth client. Beyond the
// RFC 7591 metadata it carries the upstream auth bag: the identity-provider
// tokens obtained on the client's behalf, persisted here so the proxy can
// inject and refresh them without a separate token table.
type Client struct {
	ID            string   `json:"client_id"`
	Name          string   `json:"client_name,omitempty"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	Scopes        []string `json:"scope_list,omitempty"`
	Audience      []string `json:"audience,omitempty"`

	TokenEndpointAuthMethod  string `json:"token_endpoint_auth_method"`
	ApplicationType          string `json:"application_type,omitempty"`
	IDTokenSignedResponseAlg string `json:"id_token_signed_response_alg,omitempty"`

	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// LoginConfirmed skips the confirm page on repeat authorizations.
	LoginConfirmed bool `json:"login_confirmed,omitempty"`

	// PKCE state toward the upstream IdP, parked here between the
	// authorize redirect and the identity callback.
	PKCEVerifier string `json:"pkce_verifier,omitempty"`
	PKCEState    string `json:"pkce_state,omitempty"`

	// Upstream token bag.
	UpstreamAccessToken  string `json:"upstream_access_token,omitempty"`
	UpstreamRefreshToken string `json:"upstream_refresh_token,omitempty"`
	UpstreamTokenType    string `json:"upstream_token_type,omitempty"`
	UpstreamScope        string `json:"upstream_scope,omitempty"`
	UpstreamIDToken      string `json:"upstream_id_token,omitempty"`
	UpstreamIssuedAt     int64  `json:"upstream_issued_at,omitempty"`
	UpstreamExpiresIn    int64  `json:"upstream_expires_in,omitempty"`
	UpstreamID           string `json:"upstream_id,omitempty"`
	UpstreamInstanceURL  string `json:"upstream_instance_url,omitempty"`
	UpstreamSignature    string `json:"upstream_signature,omitempty"`
	UpstreamSessionNonce string `json:"upstream_session_nonce,omitempty"`
}

// GetID implements fosite.Client.
func (c *Client) GetID() string { return c.ID }

// GetHashedSecret implements fosite.Client. Registered clients are public
// native apps, so there is never a secret.
func (*Client) GetHashedSecret() []byte { return nil }

// GetRedirectURIs implements fosite.Client.
func (c *Client) GetRedirectURIs() []string { return c.RedirectURIs }

// GetGrantTypes implements fosite.Client.
func (c *Client) GetGrantTypes() fosite.Arguments {
	if len(c.GrantTypes) == 0 {
		return fosite.Arguments{"authorization_code"}
	}
	return fosite.Arguments(c.GrantTypes)
}

// GetResponseTypes implements fosite.Client.
func (c *Client) GetResponseTypes() fosite.Arguments {
	if len(c.ResponseTypes) == 0 {
		return fosite.Arguments{"code"}
	}
	return fosite.Arguments(c.ResponseTypes)
}

// GetScopes implements fosite.Client.
func (c *Client) GetScopes() fosite.Arguments { return fosite.Arguments(c.Scopes) }

// IsPublic implements fosite.Client.
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod == "" || c.TokenEndpointAuthMethod == "none"
}

// GetAudience implements fosite.Client.
func (c *Client) GetAudience() fosite.Arguments { return fosite.Arguments(c.Audience) }

// GetRequestURIs implements fosite.OpenIDConnectClient. Request objects by
// reference are not supported.
func (*Client) GetRequestURIs() []string { return nil }

// GetJSONWebKeys implements fosite.OpenIDConnectClient.
func (*Client) GetJSONWebKeys() *jose.JSONWebKeySet { return nil }

// GetJSONWebKeysURI implements fosite.OpenIDConnectClient.
func (*Client) GetJSONWebKeysURI() string { return "" }

// GetRequestObjectSigningAlgorithm implements fosite.OpenIDConnectClient.
func (*Client) GetRequestObjectSigningAlgorithm() string { return "" }

// GetTokenEndpointAuthMethod implements fosite.OpenIDConnectClient.
func (c *Client) GetTokenEndpointAuthMethod() string {
	if c.TokenEndpointAuthMethod == "" {
		return "none"
	}
	return c.TokenEndpointAuthMethod
}

// GetTokenEndpointAuthSigningAlgorithm implements fosite.OpenIDConnectClient.
func (*Client) GetTokenEndpointAuthSigningAlgorithm() string { return "" }

// HasUpstreamTokens reports whether the upstream bag holds a usable access
// token.
func (c *Client) HasUpstreamTokens() bool {
	return c.UpstreamAccessToken != ""
}

// ClearPKCE drops the parked upstream PKCE state after the callback consumed
// it.
func (c *Client) ClearPKCE() {
	c.PKCEVerifier = ""
	c.PKCEState = ""
}

// MatchPostLogoutRedirectURI checks a post_logout_redirect_uri against the
// registered ones with RFC 8252 section 7.3 loopback matching: for http URIs
// on 127.0.0.1, [::1], or localhost any port is accepted while scheme, host,
// path, and query must match exactly. Authorization-time redirect matching
// is fosite's own, which applies the same loopback rule to IP literals.
func (c *Client) MatchPostLogoutRedirectURI(requestedURI string) bool {
	for _, registered := range c.PostLogoutRedirectURIs {
		if matchesRedirectURI(requestedURI, registered) {
			return true
		}
	}
	return false
}

func matchesRedirectURI(requestedURI, registeredURI string) bool {
	if requestedURI == registeredURI {
		return true
	}
	return matchesAsLoopback(requestedURI, registeredURI)
}

// matchesAsLoopback applies the RFC 8252 loopback rules: http scheme, both
// hosts loopback and equal, path and query exact, port free.
func matchesAsLoopback(requestedURI, registeredURI string) bool {
	requested, err := url.Parse(requestedURI)
	if err != nil {
		return false
	}
	registered, err := url.Parse(registeredURI)
	if err != nil {
		return false
	}

	if requested.Scheme != "http" || registered.Scheme != "http" {
		return false
	}
	if !IsLoopbackHost(requested.Hostname()) || !IsLoopbackHost(registered.Hostname()) {
		return false
	}
	if !hostnamesMatch(requested.Hostname(), registered.Hostname()) {
		return false
	}
	if requested.Path != registered.Path {
		return false
	}
	if requested.RawQuery != registered.RawQuery {
		return false
	}
	return true
}

// IsLoopbackHost reports whether the hostname is 127.0.0.1, ::1, or
// localhost. Exported for DCR redirect URI validation.
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

// hostnamesMatch treats localhost case-insensitively; 127.0.0.1 and
// localhost stay distinct hostnames.
func hostnamesMatch(requested, registered string) bool {
	if strings.EqualFold(requested, "localhost") && strings.EqualFold(registered, "localhost") {
		return true
	}
	return requested == registered
}

// Compile-time interface compliance checks.
var (
	_ fosite.Client              = (*Client)(nil)
	_ fosite.OpenIDConnectClient = (*Client)(nil)
)
