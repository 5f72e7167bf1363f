// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/server/crypto"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
	"github.com/stacklok/mcp-auth-proxy/pkg/networking"
)

// maxResponseSize caps token-endpoint response bodies (1 MiB).
const maxResponseSize = 1 << 20

// pkceEntryTTL bounds how long a stored verifier stays retrievable. The
// browser round-trip through the IdP normally completes in seconds.
const pkceEntryTTL = 10 * time.Minute

// DefaultScopes are requested when the operator configures none.
var DefaultScopes = []string{"openid", "profile", "email"}

// PKCEStore persists the verifier across the authorization redirect.
// Implemented by pkg/authserver/pkce.
type PKCEStore interface {
	Store(ctx context.Context, interactionID, state, verifier string, expiresAt time.Time) error
}

// Config holds the registered OAuth client credentials for the upstream IdP.
type Config struct {
	// Issuer is the IdP base URL. Required unless Metadata is injected.
	Issuer string

	ClientID     string
	ClientSecret string

	// Scopes requested from the IdP; DefaultScopes when empty.
	Scopes []string
}

// Client brokers the authorization-code and refresh-token flows with the
// upstream IdP.
type Client struct {
	cfg        Config
	meta       *Metadata
	httpClient *http.Client
	pkce       PKCEStore
	verifier   *oidc.IDTokenVerifier
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMetadata bypasses discovery with pre-resolved metadata.
func WithMetadata(meta *Metadata) Option {
	return func(c *Client) {
		c.meta = meta
	}
}

// NewClient builds the upstream IdP client. Unless metadata is injected via
// WithMetadata, the endpoints are resolved by OIDC discovery against
// cfg.Issuer.
func NewClient(ctx context.Context, cfg Config, store PKCEStore, opts ...Option) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("upstream client_id is required")
	}
	if store == nil {
		return nil, errors.New("PKCE store is required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}

	c := &Client{
		cfg:  cfg,
		pkce: store,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		// Loopback IdPs (dev, tests) may be plain HTTP; remote ones are
		// forced to HTTPS by the transport.
		httpClient, err := networking.NewHttpClientBuilder().
			WithTimeout(networking.HttpTimeout).
			WithInsecureHTTP(true).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP client: %w", err)
		}
		c.httpClient = httpClient
	}

	if c.meta == nil {
		if cfg.Issuer == "" {
			return nil, errors.New("upstream issuer is required when no metadata is provided")
		}
		meta, err := Discover(ctx, cfg.Issuer, c.httpClient)
		if err != nil {
			return nil, err
		}
		c.meta = meta
	}

	// ID-token verification needs the provider's signing keys; without a
	// jwks_uri the id_token is stored opaquely and never introspected.
	if c.meta.JWKSURI != "" {
		keySet := oidc.NewRemoteKeySet(oidc.ClientContext(ctx, c.httpClient), c.meta.JWKSURI)
		c.verifier = oidc.NewVerifier(c.meta.Issuer, keySet, &oidc.Config{ClientID: cfg.ClientID})
	}

	logger.Infow("upstream IdP client ready",
		"issuer", c.meta.Issuer,
		"token_endpoint", c.meta.TokenEndpoint,
		"scopes", strings.Join(cfg.Scopes, " "),
	)

	return c, nil
}

// Metadata returns the resolved provider metadata.
func (c *Client) Metadata() *Metadata {
	return c.meta
}

// BuildAuthorizeURL generates a PKCE pair, persists the verifier keyed by
// the interaction id, and returns the upstream authorization URL plus the
// verifier. The OAuth state sent upstream equals interactionID: the IdP
// returns the browser to a cookie-less shared callback path, and the state
// is the only handle that finds the interaction again.
func (c *Client) BuildAuthorizeURL(ctx context.Context, interactionID, redirectURI string) (string, string, error) {
	if interactionID == "" {
		return "", "", errors.New("interaction id is required")
	}

	verifier := crypto.GeneratePKCEVerifier()
	challenge := crypto.ComputePKCEChallenge(verifier)

	expiresAt := c.now().Add(pkceEntryTTL)
	if err := c.pkce.Store(ctx, interactionID, interactionID, verifier, expiresAt); err != nil {
		return "", "", fmt.Errorf("failed to store PKCE verifier: %w", err)
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {c.cfg.ClientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {strings.Join(c.cfg.Scopes, " ")},
		"code_challenge":        {challenge},
		"code_challenge_method": {crypto.PKCEChallengeMethodS256},
		"state":                 {interactionID},
	}

	sep := "?"
	if strings.Contains(c.meta.AuthorizationEndpoint, "?") {
		sep = "&"
	}
	return c.meta.AuthorizationEndpoint + sep + params.Encode(), verifier, nil
}

// ExchangeCode redeems an authorization code at the upstream token endpoint.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*TokenResponse, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	params := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {c.cfg.ClientID},
	}
	if c.cfg.ClientSecret != "" {
		params.Set("client_secret", c.cfg.ClientSecret)
	}
	if verifier != "" {
		params.Set("code_verifier", verifier)
	}

	resp, err := c.tokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	c.resolveUserID(ctx, resp)

	logger.Infow("upstream code exchange succeeded",
		"has_refresh_token", resp.RefreshToken != "",
		"has_id_token", resp.IDToken != "",
	)
	return resp, nil
}

// Refresh trades a refresh token for fresh upstream tokens. Failures come
// back as *RefreshError. A response without a refresh_token member is
// normal; the caller keeps the one it has.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, &RefreshError{Class: RefreshTokenExpired, Err: errors.New("no refresh token available")}
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.ClientID},
	}
	if c.cfg.ClientSecret != "" {
		params.Set("client_secret", c.cfg.ClientSecret)
	}

	resp, err := c.tokenRequest(ctx, params)
	if err != nil {
		var tokenErr *TokenError
		if errors.As(err, &tokenErr) {
			return nil, classifyRefreshError(nil, tokenErr)
		}
		return nil, classifyRefreshError(err, nil)
	}

	logger.Debugw("upstream token refresh succeeded",
		"has_new_refresh_token", resp.RefreshToken != "",
	)
	return resp, nil
}

// tokenRequest posts the form to the token endpoint and normalizes the
// response. Client credentials travel in the body (AuthStyleInParams) for
// consistent behavior across IdP implementations.
func (c *Client) tokenRequest(ctx context.Context, params url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.meta.TokenEndpoint,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	return c.parseTokenResponse(body, resp.StatusCode)
}

// resolveUserID backfills user_id from the verified ID token's sub claim
// when the provider's response carried neither id nor user_id. Nothing is
// guessed: whatever the provider did return stays untouched.
func (c *Client) resolveUserID(ctx context.Context, resp *TokenResponse) {
	if resp.UserID() != "" || resp.IDToken == "" || c.verifier == nil {
		return
	}

	idToken, err := c.verifier.Verify(ctx, resp.IDToken)
	if err != nil {
		logger.Warnw("upstream ID token failed verification, leaving user identity unresolved",
			"error", err.Error(),
		)
		return
	}
	if resp.UserData == nil {
		resp.UserData = map[string]any{}
	}
	resp.UserData["user_id"] = idToken.Subject
}

// TokenError is an OAuth error response from the upstream token endpoint.
type TokenError struct {
	// Code is the error member (e.g. invalid_grant).
	Code string

	// Description is the error_description member, when present.
	Description string

	// StatusCode is the HTTP status of the response.
	StatusCode int
}

// Error implements the error interface.
func (e *TokenError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("upstream token endpoint returned %d: %s (%s)", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("upstream token endpoint returned %d: %s", e.StatusCode, e.Code)
}

// TokenResponse is the normalized shape of an upstream token-endpoint
// response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string

	// TokenType defaults to Bearer.
	TokenType string

	// Scope as granted by the IdP, space-joined.
	Scope string

	// IssuedAt in unix seconds; now when the provider omits it.
	IssuedAt int64

	// ExpiresIn is the access-token lifetime in seconds, 0 when unknown.
	ExpiresIn int64

	IDToken string

	// UserData holds every non-standard top-level response member
	// untouched: id, user_id, signature, instance_url, session_nonce and
	// whatever else the provider invents.
	UserData map[string]any
}

// userDataString reads a string member of the bag, tolerating absence.
func (t *TokenResponse) userDataString(key string) string {
	if v, ok := t.UserData[key].(string); ok {
		return v
	}
	return ""
}

// UserID returns the provider's subject identifier, preferring id over
// user_id, or "" when the provider sent neither.
func (t *TokenResponse) UserID() string {
	if id := t.userDataString("id"); id != "" {
		return id
	}
	return t.userDataString("user_id")
}

// standardTokenMembers are the response members parsed into typed fields;
// everything else lands in UserData.
var standardTokenMembers = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"token_type":    true,
	"scope":         true,
	"expires_in":    true,
	"issued_at":     true,
	"id_token":      true,
}

// parseTokenResponse normalizes a token-endpoint response body. Error
// responses become *TokenError.
func (c *Client) parseTokenResponse(body []byte, statusCode int) (*TokenResponse, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		if statusCode >= 400 {
			return nil, &TokenError{Code: "invalid_response", StatusCode: statusCode}
		}
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if statusCode >= 400 {
		tokenErr := &TokenError{StatusCode: statusCode, Code: "unknown_error"}
		if code, ok := raw["error"].(string); ok && code != "" {
			tokenErr.Code = code
		}
		if desc, ok := raw["error_description"].(string); ok {
			tokenErr.Description = desc
		}
		return nil, tokenErr
	}

	resp := &TokenResponse{
		TokenType: "Bearer",
		IssuedAt:  c.now().Unix(),
		UserData:  map[string]any{},
	}

	for key, value := range raw {
		if !standardTokenMembers[key] {
			resp.UserData[key] = value
			continue
		}
		switch key {
		case "access_token":
			resp.AccessToken, _ = value.(string)
		case "refresh_token":
			resp.RefreshToken, _ = value.(string)
		case "token_type":
			if s, ok := value.(string); ok && s != "" {
				resp.TokenType = s
			}
		case "scope":
			resp.Scope, _ = value.(string)
		case "id_token":
			resp.IDToken, _ = value.(string)
		case "expires_in":
			resp.ExpiresIn = asInt64(value)
		case "issued_at":
			if ts := asInt64(value); ts > 0 {
				resp.IssuedAt = normalizeIssuedAt(ts)
			}
		}
	}

	if resp.AccessToken == "" {
		return nil, fmt.Errorf("token response is missing access_token")
	}

	return resp, nil
}

// asInt64 coerces the number formats providers actually send: JSON numbers
// and numeric strings (Salesforce sends issued_at as a string).
func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

// normalizeIssuedAt converts millisecond timestamps to seconds. Anything
// past the year 33658 in seconds is assumed to be milliseconds.
func normalizeIssuedAt(ts int64) int64 {
	const msThreshold = int64(1) << 40
	if ts > msThreshold {
		return ts / 1000
	}
	return ts
}
