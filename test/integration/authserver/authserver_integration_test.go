// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// End-to-end tests that drive the full proxy against a real OIDC provider
// (mockoidc): dynamic registration, the browser authorization flow, token
// exchange, userinfo and an authorized proxied request carrying the
// provider's access token.
package authserver_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver"
	"github.com/stacklok/mcp-auth-proxy/pkg/config"
	"github.com/stacklok/mcp-auth-proxy/pkg/kv"
	"github.com/stacklok/mcp-auth-proxy/pkg/proxy"
)

const (
	e2eSubject        = "mock-user-sub-123"
	e2eClientRedirect = "http://127.0.0.1:48621/cb"
)

// startMockOIDC starts a mockoidc server with a queued test user.
func startMockOIDC(t *testing.T) *mockoidc.MockOIDC {
	t.Helper()

	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, m.Shutdown())
	})

	m.QueueUser(&mockoidc.MockUser{
		Subject: e2eSubject,
		Email:   "testuser@example.com",
	})
	return m
}

// switchableHandler lets the test server URL exist before the router that
// serves it, so the router can be built with BaseURL already known.
type switchableHandler struct {
	mu sync.Mutex
	h  http.Handler
}

func (s *switchableHandler) set(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

func (s *switchableHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	if h == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	h.ServeHTTP(w, req)
}

// recordedRequest captures what the protected upstream saw.
type recordedRequest struct {
	Path          string
	Authorization string
	DynamicClient string
	AuthScope     string
}

type e2eEnv struct {
	t    *testing.T
	ts   *httptest.Server
	m    *mockoidc.MockOIDC
	cfg  *config.Config
	auth *authserver.AuthServer

	client *http.Client

	mu       sync.Mutex
	upstream []recordedRequest
}

func newE2EEnv(t *testing.T) *e2eEnv {
	t.Helper()

	m := startMockOIDC(t)
	env := &e2eEnv{t: t, m: m}

	// Protected upstream the proxy fronts. Records the headers the proxy
	// injected and answers a fixed JSON body.
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		env.mu.Lock()
		env.upstream = append(env.upstream, recordedRequest{
			Path:          req.URL.Path,
			Authorization: req.Header.Get("Authorization"),
			DynamicClient: req.Header.Get("X-Dynamic-Client-Id"),
			AuthScope:     req.Header.Get("X-Authorization-Scope"),
		})
		env.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	t.Cleanup(upstreamSrv.Close)

	sw := &switchableHandler{}
	ts := httptest.NewServer(sw)
	t.Cleanup(ts.Close)

	baseURL, err := url.Parse(ts.URL)
	require.NoError(t, err)
	upstreamURL, err := url.Parse(upstreamSrv.URL + "/mcp")
	require.NoError(t, err)

	cfg := &config.Config{
		BaseURL: baseURL,
		Port:    config.DefaultPort,
		Upstream: config.Upstream{
			URL: upstreamURL,
		},
		IDP: config.IDP{
			ServerURL:          m.Issuer(),
			ClientID:           m.Config().ClientID,
			ClientSecret:       m.Config().ClientSecret,
			Scopes:             []string{"openid", "email", "profile"},
			CallbackPath:       config.DefaultIDPCallbackPath,
			UniqueCallbackPath: config.DefaultUniqueCallbackPath,
		},
		RateLimit: config.RateLimit{
			MaxRequests:   config.DefaultMaxRequests,
			RequestWindow: config.DefaultMaxRequestsWindow,
		},
		Branding: config.Branding{
			Title: "E2E Proxy",
		},
		ProxyScopes:   []string{"openid", "offline_access"},
		LocalInsecure: true,
	}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	auth, err := authserver.New(ctx, cfg, kv.NewMemoryStore())
	require.NoError(t, err)

	proxyHandler := proxy.New(cfg, auth.Storage, auth.Upstream, auth.Keys)

	// Same surface the production server assembles, minus middleware that
	// is exercised in the server package tests.
	r := chi.NewRouter()
	auth.WellKnownRoutes(r)
	auth.Routes(r)
	proxy.NewReset(cfg, auth.CookieNames()).Routes(r)
	r.Handle("/mcp", proxyHandler)
	r.Handle("/mcp/*", proxyHandler)
	sw.set(r)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	env.ts = ts
	env.cfg = cfg
	env.auth = auth
	env.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return env
}

func (e *e2eEnv) get(rawURL string) *http.Response {
	e.t.Helper()
	resp, err := e.client.Get(rawURL)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *e2eEnv) postForm(rawURL string, form url.Values) *http.Response {
	e.t.Helper()
	resp, err := e.client.PostForm(rawURL, form)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func location(t *testing.T, resp *http.Response) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := resp.Location()
	require.NoError(t, err)
	return loc
}

func (e *e2eEnv) registerClient() string {
	e.t.Helper()
	resp, err := e.client.Post(e.ts.URL+"/reg", "application/json",
		strings.NewReader(`{"redirect_uris":["`+e2eClientRedirect+`"],"client_name":"E2E CLI"}`))
	require.NoError(e.t, err)
	defer resp.Body.Close()
	require.Equal(e.t, http.StatusCreated, resp.StatusCode)

	var body map[string]any
	require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&body))
	clientID, _ := body["client_id"].(string)
	require.NotEmpty(e.t, clientID)
	return clientID
}

// authorize walks the browser half of the flow through the real provider:
// /auth, the confirmation page, mockoidc's authorization endpoint and both
// callbacks. Returns the code delivered to the downstream redirect URI.
func (e *e2eEnv) authorize(clientID, verifier, state string) string {
	e.t.Helper()
	t := e.t

	challenge := oauth2.S256ChallengeFromVerifier(verifier)
	authQuery := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {e2eClientRedirect},
		"scope":                 {"openid offline_access"},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}

	resp := e.get(e.ts.URL + "/auth?" + authQuery.Encode())
	interactionURL := location(t, resp)
	require.Regexp(t, `^/interaction/[^/]+$`, interactionURL.Path)

	resp = e.get(e.ts.URL + interactionURL.Path)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.postForm(e.ts.URL+interactionURL.Path+"/confirm", url.Values{"confirmed": {"true"}})
	require.Equal(t, http.StatusFound, resp.StatusCode)

	resp = e.get(e.ts.URL + interactionURL.Path)
	idpAuthorizeURL := location(t, resp)
	require.Equal(t, e.m.AuthorizationEndpoint(), idpAuthorizeURL.Scheme+"://"+idpAuthorizeURL.Host+idpAuthorizeURL.Path)
	require.Equal(t, "S256", idpAuthorizeURL.Query().Get("code_challenge_method"))

	// mockoidc pops the queued user and redirects straight back with a code.
	resp = e.get(idpAuthorizeURL.String())
	sharedCallbackURL := location(t, resp)
	require.NotEmpty(t, sharedCallbackURL.Query().Get("code"))

	resp = e.get(sharedCallbackURL.String())
	uniqueCallbackURL := location(t, resp)
	require.Contains(t, uniqueCallbackURL.Path, "/identity/callback")

	resp = e.get(uniqueCallbackURL.String())
	clientRedirect := location(t, resp)
	require.Equal(t, "127.0.0.1:48621", clientRedirect.Host)
	require.Equal(t, state, clientRedirect.Query().Get("state"))

	code := clientRedirect.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (e *e2eEnv) exchangeCode(clientID, code, verifier string) map[string]any {
	e.t.Helper()
	resp := e.postForm(e.ts.URL+"/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {e2eClientRedirect},
		"code_verifier": {verifier},
	})
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	return decodeJSON(e.t, resp)
}

func (e *e2eEnv) lastUpstreamRequest() (recordedRequest, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.upstream)
	if n == 0 {
		return recordedRequest{}, 0
	}
	return e.upstream[n-1], n
}

func TestEndToEndAuthorizedProxying(t *testing.T) {
	env := newE2EEnv(t)

	clientID := env.registerClient()
	verifier := oauth2.GenerateVerifier()
	code := env.authorize(clientID, verifier, "e2e-state-0001")

	tokens := env.exchangeCode(clientID, code, verifier)
	accessToken, _ := tokens["access_token"].(string)
	require.NotEmpty(t, accessToken)
	require.Equal(t, 2, strings.Count(accessToken, "."), "access token should be a JWT")
	refreshToken, _ := tokens["refresh_token"].(string)
	require.NotEmpty(t, refreshToken)

	// Identity comes from the provider's ID token.
	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claims := decodeJSON(t, resp)
	assert.Equal(t, e2eSubject, claims["sub"])

	// The proxied request carries the provider's access token, not ours.
	req, err = http.NewRequest(http.MethodPost, env.ts.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err = env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"jsonrpc"`)

	seen, hits := env.lastUpstreamRequest()
	require.Equal(t, 1, hits)
	assert.Equal(t, "/mcp", seen.Path)
	assert.True(t, strings.HasPrefix(seen.Authorization, "Bearer "), "upstream should receive a bearer token")
	assert.NotEqual(t, "Bearer "+accessToken, seen.Authorization, "our own token must never reach the upstream")
	assert.Equal(t, clientID, seen.DynamicClient)
}

func TestEndToEndRefreshGrant(t *testing.T) {
	env := newE2EEnv(t)

	clientID := env.registerClient()
	verifier := oauth2.GenerateVerifier()
	code := env.authorize(clientID, verifier, "e2e-state-0002")

	tokens := env.exchangeCode(clientID, code, verifier)
	firstAccess, _ := tokens["access_token"].(string)
	refreshToken, _ := tokens["refresh_token"].(string)
	require.NotEmpty(t, refreshToken)

	resp := env.postForm(env.ts.URL+"/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	refreshed := decodeJSON(t, resp)

	secondAccess, _ := refreshed["access_token"].(string)
	require.NotEmpty(t, secondAccess)
	assert.NotEqual(t, firstAccess, secondAccess)

	// Refresh tokens rotate: the old one must be rejected.
	resp = env.postForm(env.ts.URL+"/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	})
	require.GreaterOrEqual(t, resp.StatusCode, 400)
}

func TestEndToEndReplayedCodeRejected(t *testing.T) {
	env := newE2EEnv(t)

	clientID := env.registerClient()
	verifier := oauth2.GenerateVerifier()
	code := env.authorize(clientID, verifier, "e2e-state-0003")

	_ = env.exchangeCode(clientID, code, verifier)

	resp := env.postForm(env.ts.URL+"/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {e2eClientRedirect},
		"code_verifier": {verifier},
	})
	require.GreaterOrEqual(t, resp.StatusCode, 400)
	body := decodeJSON(t, resp)
	assert.NotEmpty(t, body["error"])
}
