// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/stacklok/mcp-auth-proxy/pkg/networking"
)

// Metadata is the subset of the provider's server metadata (RFC 8414 /
// OIDC discovery) the client needs.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri,omitempty"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
}

// Validate checks the fields required for the authorization-code flow.
func (m *Metadata) Validate() error {
	if m.Issuer == "" {
		return errors.New("metadata is missing issuer")
	}
	if m.AuthorizationEndpoint == "" {
		return errors.New("metadata is missing authorization_endpoint")
	}
	if m.TokenEndpoint == "" {
		return errors.New("metadata is missing token_endpoint")
	}
	for name, endpoint := range map[string]string{
		"authorization_endpoint": m.AuthorizationEndpoint,
		"token_endpoint":         m.TokenEndpoint,
		"userinfo_endpoint":      m.UserinfoEndpoint,
		"jwks_uri":               m.JWKSURI,
	} {
		if endpoint == "" {
			continue
		}
		if err := validateEndpointOrigin(endpoint, m.Issuer); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Discover fetches the provider's metadata from
// {issuer}/.well-known/openid-configuration.
func Discover(ctx context.Context, issuer string, httpClient *http.Client) (*Metadata, error) {
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover upstream IdP endpoints: %w", err)
	}

	// go-oidc validates the issuer but not the endpoint origins.
	meta := &Metadata{}
	if err := provider.Claims(meta); err != nil {
		return nil, fmt.Errorf("failed to extract provider metadata: %w", err)
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	return meta, nil
}

// LoadMetadataFile reads a pre-written server-metadata JSON document,
// bypassing discovery. Used for providers that do not serve a well-known
// endpoint or for air-gapped deployments.
func LoadMetadataFile(path string) (*Metadata, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator's config
	if err != nil {
		return nil, fmt.Errorf("failed to read IdP metadata file: %w", err)
	}

	meta := &Metadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("failed to parse IdP metadata file %s: %w", path, err)
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid IdP metadata file %s: %w", path, err)
	}

	return meta, nil
}

// validateEndpointOrigin rejects endpoints that would downgrade the flow to
// plaintext. Loopback issuers may use HTTP, but then every endpoint must be
// loopback too; everything else must be HTTPS. Host equality is deliberately
// not enforced: major providers serve token endpoints from different hosts
// than the issuer.
func validateEndpointOrigin(endpoint, issuer string) error {
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if networking.IsLocalhost(issuerURL.Host) {
		if !networking.IsLocalhost(endpointURL.Host) {
			return fmt.Errorf("issuer is loopback but endpoint host is %q", endpointURL.Host)
		}
		return nil
	}

	if endpointURL.Scheme != "https" {
		return fmt.Errorf("endpoint %q must use https", endpoint)
	}
	return nil
}
