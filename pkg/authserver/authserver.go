// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ory/fosite"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/pkce"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/server/handlers"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/server/keys"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/upstream"
	"github.com/stacklok/mcp-auth-proxy/pkg/config"
	"github.com/stacklok/mcp-auth-proxy/pkg/kv"
)

// pkceJanitorInterval paces the fallback-map sweep.
const pkceJanitorInterval = time.Minute

// AuthServer bundles the authorization server components.
type AuthServer struct {
	Provider fosite.OAuth2Provider
	Storage  *storage.Storage
	Keys     *keys.Provider
	Upstream *upstream.Client
	PKCE     *pkce.Hook

	handler *handlers.Handler
}

// New assembles the authorization server from configuration and a KV store.
// The context governs upstream IdP discovery and the PKCE janitor.
func New(ctx context.Context, cfg *config.Config, store kv.Store) (*AuthServer, error) {
	stor := storage.New(store)

	keyProvider, err := keys.Load(cfg.ProviderJWKS)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}

	pkceHook := pkce.NewHook(stor, cfg.IsProduction())
	pkceHook.StartJanitor(ctx, pkceJanitorInterval)

	var upstreamOpts []upstream.Option
	if cfg.IDP.MetadataFile != "" {
		meta, err := upstream.LoadMetadataFile(cfg.IDP.MetadataFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load IdP metadata: %w", err)
		}
		upstreamOpts = append(upstreamOpts, upstream.WithMetadata(meta))
	}

	upstreamClient, err := upstream.NewClient(ctx, upstream.Config{
		Issuer:       cfg.IDP.ServerURL,
		ClientID:     cfg.IDP.ClientID,
		ClientSecret: cfg.IDP.ClientSecret,
		Scopes:       cfg.IDP.Scopes,
	}, pkceHook, upstreamOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream IdP client: %w", err)
	}

	provider, _, err := NewProvider(ProviderConfig{Issuer: cfg.Issuer()}, stor, keyProvider)
	if err != nil {
		return nil, err
	}

	return &AuthServer{
		Provider: provider,
		Storage:  stor,
		Keys:     keyProvider,
		Upstream: upstreamClient,
		PKCE:     pkceHook,
		handler:  handlers.New(provider, cfg, stor, upstreamClient, pkceHook, keyProvider),
	}, nil
}

// Routes registers the OAuth and interaction endpoints.
func (a *AuthServer) Routes(r chi.Router) {
	a.handler.Routes(r)
}

// WellKnownRoutes registers the discovery endpoints.
func (a *AuthServer) WellKnownRoutes(r chi.Router) {
	a.handler.WellKnownRoutes(r)
}

// CookieNames lists the cookies the server sets, for session reset.
func (a *AuthServer) CookieNames() []string {
	return a.handler.CookieNames()
}
