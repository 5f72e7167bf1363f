// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the embedded OAuth 2.1/OIDC authorization
// server: the fosite provider, its storage, the upstream IdP client, and the
// HTTP handlers.
package authserver

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/ory/fosite"
	"github.com/ory/fosite/compose"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/server/keys"
	"github.com/stacklok/mcp-auth-proxy/pkg/authserver/storage"
)

// ProviderConfig carries the settings for the fosite composition.
type ProviderConfig struct {
	// Issuer is the external origin of this server.
	Issuer string

	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	AuthorizeCodeTTL time.Duration
	IDTokenTTL       time.Duration

	// GlobalSecret is the HMAC secret for authorization codes and refresh
	// tokens. Instances sharing a KV store must use the same secret. When
	// empty it is derived from the signing key, or generated randomly for
	// ephemeral keys.
	GlobalSecret []byte
}

func (c *ProviderConfig) applyDefaults() {
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = storage.DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = storage.DefaultRefreshTokenTTL
	}
	if c.AuthorizeCodeTTL == 0 {
		c.AuthorizeCodeTTL = storage.DefaultAuthorizeCodeTTL
	}
	if c.IDTokenTTL == 0 {
		c.IDTokenTTL = c.AccessTokenTTL
	}
}

// NewProvider builds the fosite OAuth2 provider: JWT access tokens and ID
// tokens signed with the Ed25519 key, HMAC-based codes and refresh tokens.
func NewProvider(
	cfg ProviderConfig,
	store *storage.Storage,
	keyProvider *keys.Provider,
) (fosite.OAuth2Provider, *fosite.Config, error) {
	if cfg.Issuer == "" {
		return nil, nil, fmt.Errorf("issuer is required")
	}
	cfg.applyDefaults()

	secret, err := resolveGlobalSecret(cfg.GlobalSecret, keyProvider)
	if err != nil {
		return nil, nil, err
	}

	fositeConfig := &fosite.Config{
		AccessTokenIssuer:           cfg.Issuer,
		IDTokenIssuer:               cfg.Issuer,
		AccessTokenLifespan:         cfg.AccessTokenTTL,
		RefreshTokenLifespan:        cfg.RefreshTokenTTL,
		AuthorizeCodeLifespan:       cfg.AuthorizeCodeTTL,
		IDTokenLifespan:             cfg.IDTokenTTL,
		GlobalSecret:                secret,
		TokenURL:                    cfg.Issuer + "/token",
		ScopeStrategy:               fosite.ExactScopeStrategy,
		EnforcePKCEForPublicClients: true,
	}

	keyGetter := func(context.Context) (interface{}, error) {
		return keyProvider.FositeKey(), nil
	}

	jwtStrategy := compose.NewOAuth2JWTStrategy(
		keyGetter,
		compose.NewOAuth2HMACStrategy(fositeConfig),
		fositeConfig,
	)
	oidcStrategy := compose.NewOpenIDConnectStrategy(keyGetter, fositeConfig)

	provider := compose.Compose(
		fositeConfig,
		store,
		&compose.CommonStrategy{
			CoreStrategy:               jwtStrategy,
			OpenIDConnectTokenStrategy: oidcStrategy,
		},
		compose.OAuth2AuthorizeExplicitFactory,
		compose.OAuth2RefreshTokenGrantFactory,
		compose.OAuth2PKCEFactory,
		compose.OAuth2TokenIntrospectionFactory,
		compose.OAuth2TokenRevocationFactory,
		compose.OpenIDConnectExplicitFactory,
		compose.OpenIDConnectRefreshFactory,
	)

	return provider, fositeConfig, nil
}

// resolveGlobalSecret picks the HMAC secret. Configured keys yield a secret
// derived from the signing key so that codes minted by one instance verify on
// another sharing the KV store; ephemeral keys get a random secret since
// nothing outlives the process anyway.
func resolveGlobalSecret(configured []byte, keyProvider *keys.Provider) ([]byte, error) {
	if len(configured) > 0 {
		return configured, nil
	}

	if keyProvider.Ephemeral() {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate HMAC secret: %w", err)
		}
		return secret, nil
	}

	sum := sha256.Sum256(append([]byte("token-hmac/"), keyProvider.SigningKey().Seed()...))
	return sum[:], nil
}
