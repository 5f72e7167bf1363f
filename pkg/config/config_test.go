// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Tests mutate the process environment via t.Setenv and therefore must not
// run in parallel.
//
//nolint:paralleltest // t.Setenv is incompatible with parallel subtests
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setValidEnv seeds the minimum required settings and blanks every optional
// one so ambient environment values cannot leak into assertions.
func setValidEnv(t *testing.T) {
	t.Helper()

	t.Setenv(EnvBaseURL, "https://proxy.example.com")
	t.Setenv(EnvUpstreamServerURL, "http://127.0.0.1:9000/mcp")
	t.Setenv(EnvIDPServerURL, "https://idp.example.com")
	t.Setenv(EnvIDPClientID, "idp-client")
	t.Setenv(EnvIDPClientSecret, "idp-secret")

	optional := []string{
		EnvPort, EnvUpstreamRunCommand, EnvUpstreamRunArgsJSON,
		EnvUpstreamRunDir, EnvUpstreamRunEnvJSON, EnvIDPScope,
		EnvIDPServerMetadataFile, EnvIDPCallbackPath, EnvIDPUniqueCallbackPath,
		EnvProxyScope, EnvOIDCProviderJWKS, EnvKVURL, EnvKVPrefix,
		EnvMaxRequests, EnvMaxRequestsWindow, EnvLocalInsecure,
		EnvDeploymentEnv, EnvBrandingTitle, EnvBrandingLogoURI,
		EnvBrandingPolicyURI, EnvBrandingTOSURI,
	}
	for _, key := range optional {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://proxy.example.com", cfg.BaseURL.String())
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "http://127.0.0.1:9000/mcp", cfg.Upstream.URL.String())
	assert.Equal(t, []string{"openid", "profile", "email"}, cfg.IDP.Scopes)
	assert.Equal(t, []string{"openid", "offline_access"}, cfg.ProxyScopes)
	assert.Equal(t, DefaultIDPCallbackPath, cfg.IDP.CallbackPath)
	assert.Equal(t, DefaultUniqueCallbackPath, cfg.IDP.UniqueCallbackPath)
	assert.Equal(t, DefaultKVPrefix, cfg.KV.Prefix)
	assert.Empty(t, cfg.KV.URL)
	assert.Equal(t, DefaultMaxRequests, cfg.RateLimit.MaxRequests)
	assert.Equal(t, DefaultMaxRequestsWindow, cfg.RateLimit.RequestWindow)
	assert.False(t, cfg.LocalInsecure)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, DefaultBrandingTitle, cfg.Branding.Title)
}

func TestLoad_FullEnvironment(t *testing.T) {
	setValidEnv(t)
	t.Setenv(EnvBaseURL, "https://proxy.example.com/")
	t.Setenv(EnvPort, "3000")
	t.Setenv(EnvUpstreamRunCommand, "node")
	t.Setenv(EnvUpstreamRunArgsJSON, `["server.js","--port","9000"]`)
	t.Setenv(EnvUpstreamRunDir, "/srv/app")
	t.Setenv(EnvUpstreamRunEnvJSON, `{"NODE_ENV":"production"}`)
	t.Setenv(EnvIDPScope, "openid,profile")
	t.Setenv(EnvProxyScope, "openid offline_access custom:scope")
	t.Setenv(EnvKVURL, "redis://127.0.0.1:6379")
	t.Setenv(EnvKVPrefix, "authproxy:")
	t.Setenv(EnvMaxRequests, "5")
	t.Setenv(EnvMaxRequestsWindow, "10000")
	t.Setenv(EnvLocalInsecure, "true")
	t.Setenv(EnvDeploymentEnv, "production")
	t.Setenv(EnvBrandingTitle, "Example Proxy")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://proxy.example.com", cfg.BaseURL.String(), "trailing slash is trimmed")
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "node", cfg.Upstream.RunCommand)
	assert.Equal(t, []string{"server.js", "--port", "9000"}, cfg.Upstream.RunArgs)
	assert.Equal(t, "/srv/app", cfg.Upstream.RunDir)
	assert.Equal(t, map[string]string{"NODE_ENV": "production"}, cfg.Upstream.RunEnv)
	assert.Equal(t, []string{"openid", "profile"}, cfg.IDP.Scopes)
	assert.Equal(t, []string{"openid", "offline_access", "custom:scope"}, cfg.ProxyScopes)
	assert.Equal(t, "redis://127.0.0.1:6379", cfg.KV.URL)
	assert.Equal(t, "authproxy:", cfg.KV.Prefix)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.RequestWindow)
	assert.True(t, cfg.LocalInsecure)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "Example Proxy", cfg.Branding.Title)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(t *testing.T)
		wantErr string
	}{
		{
			name:    "missing base URL",
			mutate:  func(t *testing.T) { t.Setenv(EnvBaseURL, "") },
			wantErr: "invalid BASE_URL",
		},
		{
			name:    "relative base URL",
			mutate:  func(t *testing.T) { t.Setenv(EnvBaseURL, "proxy.example.com") },
			wantErr: "invalid BASE_URL",
		},
		{
			name:    "non-http base URL",
			mutate:  func(t *testing.T) { t.Setenv(EnvBaseURL, "ftp://proxy.example.com") },
			wantErr: "invalid BASE_URL",
		},
		{
			name:    "missing upstream URL",
			mutate:  func(t *testing.T) { t.Setenv(EnvUpstreamServerURL, "") },
			wantErr: "invalid UPSTREAM_SERVER_URL",
		},
		{
			name:    "malformed run args",
			mutate:  func(t *testing.T) { t.Setenv(EnvUpstreamRunArgsJSON, "not-json") },
			wantErr: "invalid UPSTREAM_SERVER_RUN_ARGS_JSON",
		},
		{
			name:    "malformed run env",
			mutate:  func(t *testing.T) { t.Setenv(EnvUpstreamRunEnvJSON, `["list"]`) },
			wantErr: "invalid UPSTREAM_SERVER_RUN_ENV_JSON",
		},
		{
			name: "no IdP at all",
			mutate: func(t *testing.T) {
				t.Setenv(EnvIDPServerURL, "")
				t.Setenv(EnvIDPServerMetadataFile, "")
			},
			wantErr: "one of IDP_SERVER_URL or IDP_SERVER_METADATA_FILE is required",
		},
		{
			name:    "missing IdP client id",
			mutate:  func(t *testing.T) { t.Setenv(EnvIDPClientID, "") },
			wantErr: "IDP_CLIENT_ID is required",
		},
		{
			name:    "port out of range",
			mutate:  func(t *testing.T) { t.Setenv(EnvPort, "70000") },
			wantErr: "invalid PORT",
		},
		{
			name:    "unique callback path without uid segment",
			mutate:  func(t *testing.T) { t.Setenv(EnvIDPUniqueCallbackPath, "/callback") },
			wantErr: "must contain",
		},
		{
			name:    "zero rate limit",
			mutate:  func(t *testing.T) { t.Setenv(EnvMaxRequests, "0") },
			wantErr: "invalid MAX_REQUESTS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setValidEnv(t)
			tt.mutate(t)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MetadataFileSatisfiesIDPRequirement(t *testing.T) {
	setValidEnv(t)
	t.Setenv(EnvIDPServerURL, "")
	t.Setenv(EnvIDPServerMetadataFile, "/etc/idp/metadata.json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/etc/idp/metadata.json", cfg.IDP.MetadataFile)
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"production", true},
		{"Production", false},
		{"PRODUCTION", false},
		{"prod", false},
		{"staging", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run("env="+tt.env, func(t *testing.T) {
			setValidEnv(t)
			t.Setenv(EnvDeploymentEnv, tt.env)

			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.IsProduction())
		})
	}
}

func TestConfig_CallbackHelpers(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://proxy.example.com", cfg.Issuer())
	assert.Equal(t, "https://proxy.example.com/interaction/identity/callback", cfg.CallbackURL())
	assert.Equal(t, "https://proxy.example.com/interaction/abc-123/identity/callback", cfg.UniqueCallbackURL("abc-123"))
	assert.Equal(t, "/interaction/{uid}/identity/callback", cfg.UniqueCallbackRoutePattern())
}

func TestConfig_UniqueCallbackURLEscapesUID(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t,
		"https://proxy.example.com/interaction/a%2Fb/identity/callback",
		cfg.UniqueCallbackURL("a/b"))
}

func TestSplitScopes(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"openid profile email", []string{"openid", "profile", "email"}},
		{"openid,profile,email", []string{"openid", "profile", "email"}},
		{"openid, profile", []string{"openid", "profile"}},
		{"  openid   profile  ", []string{"openid", "profile"}},
		{"openid", []string{"openid"}},
		{"", nil},
		{" , ", nil},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitScopes(tt.in), "input %q", tt.in)
	}
}
