// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registration implements RFC 7591 Dynamic Client Registration for
// public native clients: request validation, the loopback-only redirect URI
// policy, and construction of the stored client record.
package registration

import (
	"net/url"
	"slices"
	"time"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
)

// DCR error codes per RFC 7591 Section 3.2.2.
const (
	// DCRErrorInvalidRedirectURI indicates that one or more redirect_uris
	// are invalid.
	DCRErrorInvalidRedirectURI = "invalid_redirect_uri"

	// DCRErrorInvalidClientMetadata indicates an invalid client metadata
	// field.
	DCRErrorInvalidClientMetadata = "invalid_client_metadata"
)

// Validation limits to keep registration payloads bounded.
const (
	// MaxRedirectURICount caps redirect_uris per client.
	MaxRedirectURICount = 10

	// MaxClientNameLength caps the human-readable client name.
	MaxClientNameLength = 256
)

// DCRRequest is an RFC 7591 registration request.
type DCRRequest struct {
	// RedirectURIs is required for public clients.
	RedirectURIs []string `json:"redirect_uris"`

	// ClientName is a human-readable name for the client.
	ClientName string `json:"client_name,omitempty"`

	// TokenEndpointAuthMethod must be "none"; only public clients register.
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	// GrantTypes defaults to authorization_code + refresh_token.
	GrantTypes []string `json:"grant_types,omitempty"`

	// ResponseTypes defaults to ["code"].
	ResponseTypes []string `json:"response_types,omitempty"`

	// PostLogoutRedirectURIs are honored by the session end endpoint.
	PostLogoutRedirectURIs []string `json:"post_logout_redirect_uris,omitempty"`

	// ApplicationType must be "native" when present.
	ApplicationType string `json:"application_type,omitempty"`
}

// DCRResponse is a successful registration response (RFC 7591 Section 3.2.1).
type DCRResponse struct {
	ClientID                 string   `json:"client_id"`
	ClientIDIssuedAt         int64    `json:"client_id_issued_at,omitempty"`
	RedirectURIs             []string `json:"redirect_uris"`
	ClientName               string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod  string   `json:"token_endpoint_auth_method"`
	GrantTypes               []string `json:"grant_types"`
	ResponseTypes            []string `json:"response_types"`
	PostLogoutRedirectURIs   []string `json:"post_logout_redirect_uris,omitempty"`
	ApplicationType          string   `json:"application_type"`
	IDTokenSignedResponseAlg string   `json:"id_token_signed_response_alg"`
}

// DCRError is a registration error response (RFC 7591 Section 3.2.2).
type DCRError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

var defaultGrantTypes = []string{"authorization_code", "refresh_token"}

var allowedGrantTypes = map[string]bool{
	"authorization_code": true,
	"refresh_token":      true,
}

var defaultResponseTypes = []string{"code"}

// allowedResponseTypes includes "code token" for native clients that probe
// for hybrid support; only the code flow is served.
var allowedResponseTypes = map[string]bool{
	"code":       true,
	"code token": true,
}

// ValidateDCRRequest validates a registration request and applies defaults.
func ValidateDCRRequest(req *DCRRequest) (*DCRRequest, *DCRError) {
	if len(req.RedirectURIs) == 0 {
		return nil, &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: "redirect_uris is required",
		}
	}
	if len(req.RedirectURIs) > MaxRedirectURICount {
		return nil, &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: "too many redirect_uris (maximum 10)",
		}
	}
	for _, uri := range req.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	if len(req.PostLogoutRedirectURIs) > MaxRedirectURICount {
		return nil, &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: "too many post_logout_redirect_uris (maximum 10)",
		}
	}
	for _, uri := range req.PostLogoutRedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	if len(req.ClientName) > MaxClientNameLength {
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "client_name too long (maximum 256 characters)",
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	if authMethod != "none" {
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "token_endpoint_auth_method must be 'none' for public clients",
		}
	}

	applicationType := req.ApplicationType
	if applicationType == "" {
		applicationType = "native"
	}
	if applicationType != "native" {
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "application_type must be 'native'",
		}
	}

	grantTypes, dcrErr := validateGrantTypes(req.GrantTypes)
	if dcrErr != nil {
		return nil, dcrErr
	}

	responseTypes, dcrErr := validateResponseTypes(req.ResponseTypes)
	if dcrErr != nil {
		return nil, dcrErr
	}

	return &DCRRequest{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		PostLogoutRedirectURIs:  req.PostLogoutRedirectURIs,
		ApplicationType:         applicationType,
	}, nil
}

func validateGrantTypes(grantTypes []string) ([]string, *DCRError) {
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	// Require authorization_code explicitly - provides a clearer error for
	// the "refresh_token only" case that would otherwise pass the allowlist.
	if !slices.Contains(grantTypes, "authorization_code") {
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "grant_types must include 'authorization_code'",
		}
	}
	for _, gt := range grantTypes {
		if !allowedGrantTypes[gt] {
			return nil, &DCRError{
				Error:            DCRErrorInvalidClientMetadata,
				ErrorDescription: "unsupported grant_type: " + gt,
			}
		}
	}
	return grantTypes, nil
}

func validateResponseTypes(responseTypes []string) ([]string, *DCRError) {
	if len(responseTypes) == 0 {
		responseTypes = defaultResponseTypes
	}
	if !slices.Contains(responseTypes, "code") {
		return nil, &DCRError{
			Error:            DCRErrorInvalidClientMetadata,
			ErrorDescription: "response_types must include 'code'",
		}
	}
	for _, rt := range responseTypes {
		if !allowedResponseTypes[rt] {
			return nil, &DCRError{
				Error:            DCRErrorInvalidClientMetadata,
				ErrorDescription: "unsupported response_type: " + rt,
			}
		}
	}
	return responseTypes, nil
}

// ValidateRedirectURI enforces RFC 8252: HTTPS for any host, HTTP only for
// loopback addresses. Private-use schemes are not accepted.
func ValidateRedirectURI(uri string) *DCRError {
	parsed, err := url.Parse(uri)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: "redirect URI must be an absolute URL: " + uri,
		}
	}
	if parsed.Fragment != "" {
		return &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: "redirect URI must not contain a fragment: " + uri,
		}
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if storage.IsLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: "http redirect URIs are only allowed for loopback addresses: " + uri,
		}
	default:
		return &DCRError{
			Error:            DCRErrorInvalidRedirectURI,
			ErrorDescription: "unsupported redirect URI scheme: " + parsed.Scheme,
		}
	}
}

// NewClient builds the stored client record for a validated request. Scopes
// are server policy, not client choice.
func NewClient(id string, validated *DCRRequest, scopes []string) *storage.Client {
	return &storage.Client{
		ID:                       id,
		Name:                     validated.ClientName,
		RedirectURIs:             validated.RedirectURIs,
		GrantTypes:               validated.GrantTypes,
		ResponseTypes:            validated.ResponseTypes,
		Scopes:                   scopes,
		TokenEndpointAuthMethod:  validated.TokenEndpointAuthMethod,
		ApplicationType:          validated.ApplicationType,
		IDTokenSignedResponseAlg: "EdDSA",
		PostLogoutRedirectURIs:   validated.PostLogoutRedirectURIs,
		CreatedAt:                time.Now(),
	}
}
