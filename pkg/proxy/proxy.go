// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the authorizing reverse proxy: it verifies the
// downstream bearer token, swaps it for the client's upstream access token,
// forwards the request with an allow-listed header set, and retries once
// through a token refresh when the upstream answers 401.
package proxy

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/server/keys"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/upstream"
	"github.com/stacklok/mcp-auth-proxy/pkg/config"
	"github.com/stacklok/mcp-auth-proxy/pkg/kv"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
	"github.com/stacklok/mcp-auth-proxy/pkg/networking"
)

// defaultUserAgent is forwarded upstream when the client sent none.
const defaultUserAgent = "MCP-Auth-Proxy"

// relayBufferSize is the copy chunk for streamed response bodies.
const relayBufferSize = 32 * 1024

// forwardedRequestHeaders is the inbound header allow-list. Everything else,
// cookies and the downstream Authorization included, stays on this side.
var forwardedRequestHeaders = []string{
	"User-Agent",
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Content-Type",
	"X-Request-Id",
}

// relayedResponseHeaders is the response header allow-list.
var relayedResponseHeaders = []string{
	"Content-Type",
	"Date",
	"Transfer-Encoding",
}

// Handler proxies authorized requests to the configured upstream.
type Handler struct {
	cfg        *config.Config
	store      *storage.Storage
	upstream   *upstream.Client
	keys       *keys.Provider
	httpClient *http.Client
}

// New builds the proxy handler. The HTTP client has no global timeout:
// streamed responses stay open as long as the inbound request context does.
func New(
	cfg *config.Config,
	store *storage.Storage,
	upstreamClient *upstream.Client,
	keyProvider *keys.Provider,
) *Handler {
	return &Handler{
		cfg:        cfg,
		store:      store,
		upstream:   upstreamClient,
		keys:       keyProvider,
		httpClient: &http.Client{Transport: networking.NewProxyTransport()},
	}
}

// ServeHTTP implements the authorized relay.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	authz := req.Header.Get("Authorization")
	if authz == "" {
		writeBearerError(w, "Missing Authorization header")
		return
	}
	rawToken, ok := bearerToken(authz)
	if !ok {
		writeBearerError(w, "Invalid Authorization header format")
		return
	}

	signature, jti, err := h.verifyToken(rawToken)
	if err != nil {
		logger.Debugw("rejecting proxied request",
			"error", err.Error(),
		)
		writeBearerError(w, "Invalid access token, may be expired")
		return
	}

	info, err := h.store.GetAccessTokenInfo(ctx, signature)
	if err != nil {
		writeBearerError(w, "Invalid access token, may be expired")
		return
	}
	if info.JTI != "" && info.JTI != jti {
		writeBearerError(w, "Invalid access token, may be expired")
		return
	}

	client, err := h.store.GetDownstreamClient(ctx, info.ClientID)
	if err != nil || !client.HasUpstreamTokens() {
		logger.Infow("client lost its upstream tokens, destroying access",
			"client_id", info.ClientID,
		)
		h.destroyAccess(ctx, info, signature)
		http.Redirect(w, req, resetPath, http.StatusFound)
		return
	}

	body, err := bufferBody(req)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	retried := false
	for {
		upReq, err := h.buildUpstreamRequest(ctx, req, client, body)
		if err != nil {
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp, err := h.httpClient.Do(upReq)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}

		if resp.StatusCode == http.StatusUnauthorized {
			_ = resp.Body.Close()
			if retried {
				logger.Infow("upstream rejected the refreshed token, destroying access",
					"client_id", client.ID,
				)
				h.destroyAccess(ctx, info, signature)
				http.Redirect(w, req, resetPath, http.StatusFound)
				return
			}
			if err := h.refreshAndPersist(ctx, client); err != nil {
				logger.Warnw("upstream token refresh failed, destroying access",
					"client_id", client.ID,
					"error", err.Error(),
				)
				h.destroyAccess(ctx, info, signature)
				http.Redirect(w, req, resetPath, http.StatusFound)
				return
			}
			retried = true
			continue
		}

		relayResponse(w, resp)
		return
	}
}

// bearerToken extracts the bearer credential from a non-empty Authorization
// header value.
func bearerToken(authz string) (string, bool) {
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// verifyToken checks the JWT against the server's own Ed25519 keys and
// returns the fosite signature segment plus the jti claim.
func (h *Handler) verifyToken(rawToken string) (signature, jti string, err error) {
	token, err := jwt.Parse(rawToken, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		pub, ok := h.keys.PublicKey(kid)
		if !ok {
			return ed25519.PublicKey(nil), fmt.Errorf("unknown key id %q", kid)
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return "", "", err
	}

	segments := strings.Split(rawToken, ".")
	if len(segments) != 3 {
		return "", "", errors.New("malformed token")
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		jti, _ = claims["jti"].(string)
	}
	return segments[2], jti, nil
}

// buildUpstreamRequest assembles the outbound request with allow-listed
// headers and the client's upstream credential.
func (h *Handler) buildUpstreamRequest(
	ctx context.Context,
	req *http.Request,
	client *storage.Client,
	body []byte,
) (*http.Request, error) {
	target := h.upstreamTarget(req.URL)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	upReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), reader)
	if err != nil {
		return nil, err
	}

	for _, name := range forwardedRequestHeaders {
		if v := req.Header.Get(name); v != "" {
			upReq.Header.Set(name, v)
		}
	}
	if upReq.Header.Get("User-Agent") == "" {
		upReq.Header.Set("User-Agent", defaultUserAgent)
	}
	if body != nil {
		upReq.ContentLength = int64(len(body))
	}

	if client.UpstreamScope != "" {
		upReq.Header.Set("X-Authorization-Scope", client.UpstreamScope)
	}
	upReq.Header.Set("X-Dynamic-Client-Id", client.ID)
	upReq.Header.Set("Authorization", "Bearer "+client.UpstreamAccessToken)

	return upReq, nil
}

// upstreamTarget maps the inbound path onto the configured upstream URL,
// keeping any path suffix beyond the mount prefix and the query string.
func (h *Handler) upstreamTarget(inbound *url.URL) *url.URL {
	target := *h.cfg.Upstream.URL

	prefix := strings.TrimRight(target.Path, "/")
	if suffix := strings.TrimPrefix(inbound.Path, prefix); suffix != inbound.Path && suffix != "" {
		target.Path = prefix + suffix
	}
	target.RawQuery = inbound.RawQuery

	return &target
}

// bufferBody reads the request body for methods that carry one, so the
// request can be replayed after a refresh.
func bufferBody(req *http.Request) ([]byte, error) {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, nil
	}
	defer func() { _ = req.Body.Close() }()
	return io.ReadAll(req.Body)
}

// refreshAndPersist exchanges the stored refresh token and merges the result
// onto the client record: a missing refresh token keeps the previous one, a
// missing scope keeps the previous scope.
func (h *Handler) refreshAndPersist(ctx context.Context, client *storage.Client) error {
	if client.UpstreamRefreshToken == "" {
		return errors.New("no upstream refresh token on record")
	}

	token, err := h.upstream.Refresh(ctx, client.UpstreamRefreshToken)
	if err != nil {
		return err
	}

	client.UpstreamAccessToken = token.AccessToken
	if token.RefreshToken != "" {
		client.UpstreamRefreshToken = token.RefreshToken
	}
	client.UpstreamTokenType = token.TokenType
	if token.Scope != "" {
		client.UpstreamScope = token.Scope
	}
	client.UpstreamIssuedAt = token.IssuedAt
	client.UpstreamExpiresIn = token.ExpiresIn

	return h.store.UpdateClient(ctx, client)
}

// destroyAccess tears down everything reachable from the access token: the
// client, its grant with every issued token, the access token record and the
// browser session. Best effort, records may already be gone.
func (h *Handler) destroyAccess(ctx context.Context, info *storage.AccessTokenInfo, signature string) {
	if err := h.store.DeleteClient(ctx, info.ClientID); err != nil && !errors.Is(err, kv.ErrNotFound) {
		logger.Debugw("destroy access: failed to delete client", "error", err.Error())
	}
	if info.GrantID != "" {
		if err := h.store.DestroyGrant(ctx, info.GrantID); err != nil && !errors.Is(err, kv.ErrNotFound) {
			logger.Debugw("destroy access: failed to destroy grant", "error", err.Error())
		}
	}
	if err := h.store.DeleteAccessTokenSession(ctx, signature); err != nil && !errors.Is(err, kv.ErrNotFound) {
		logger.Debugw("destroy access: failed to delete access token", "error", err.Error())
	}
	if info.SessionUID != "" {
		if err := h.store.DeleteSessionByUID(ctx, info.SessionUID); err != nil && !errors.Is(err, kv.ErrNotFound) {
			logger.Debugw("destroy access: failed to delete session", "error", err.Error())
		}
	}
}

// relayResponse copies the status, the allow-listed headers and the body,
// flushing after every chunk so streamed upstream responses flow through.
func relayResponse(w http.ResponseWriter, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()

	for _, name := range relayedResponseHeaders {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, relayBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// writeBearerError writes the RFC 6750 401 for missing or invalid tokens.
func writeBearerError(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate",
		`Bearer error="invalid_token", error_description="`+description+`"`)
	http.Error(w, description, http.StatusUnauthorized)
}

// writeUpstreamError maps transport failures to 502/504 so they are never
// mistaken for authorization failures.
func writeUpstreamError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	code := "UpstreamConnectError"

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		status = http.StatusGatewayTimeout
		code = "UpstreamTimeout"
	}

	logger.Warnw("upstream request failed",
		"error", err.Error(),
		"code", code,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": "The upstream server could not be reached",
	})
}
