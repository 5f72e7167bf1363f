// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the proxy's environment-driven
// configuration.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment variable names recognized by Load.
const (
	EnvBaseURL = "BASE_URL"
	EnvPort    = "PORT"

	EnvUpstreamServerURL      = "UPSTREAM_SERVER_URL"
	EnvUpstreamRunCommand     = "UPSTREAM_SERVER_RUN_COMMAND"
	EnvUpstreamRunArgsJSON    = "UPSTREAM_SERVER_RUN_ARGS_JSON"
	EnvUpstreamRunDir         = "UPSTREAM_SERVER_RUN_DIR"
	EnvUpstreamRunEnvJSON     = "UPSTREAM_SERVER_RUN_ENV_JSON"
	EnvIDPServerURL           = "IDP_SERVER_URL"
	EnvIDPClientID            = "IDP_CLIENT_ID"
	EnvIDPClientSecret        = "IDP_CLIENT_SECRET" //nolint:gosec // env var name, not a credential
	EnvIDPScope               = "IDP_SCOPE"
	EnvIDPServerMetadataFile  = "IDP_SERVER_METADATA_FILE"
	EnvIDPCallbackPath        = "IDP_CALLBACK_PATH"
	EnvIDPUniqueCallbackPath  = "IDP_UNIQUE_CALLBACK_PATH"
	EnvProxyScope             = "PROXY_SCOPE"
	EnvOIDCProviderJWKS       = "OIDC_PROVIDER_JWKS"
	EnvKVURL                  = "KV_URL"
	EnvKVPrefix               = "KV_PREFIX"
	EnvMaxRequests            = "MAX_REQUESTS"
	EnvMaxRequestsWindow      = "MAX_REQUESTS_WINDOW"
	EnvLocalInsecure          = "LOCAL_INSECURE"
	EnvDeploymentEnv          = "DEPLOYMENT_ENV"
	EnvBrandingTitle          = "BRANDING_TITLE"
	EnvBrandingLogoURI        = "BRANDING_LOGO_URI"
	EnvBrandingPolicyURI      = "BRANDING_POLICY_URI"
	EnvBrandingTOSURI         = "BRANDING_TOS_URI"
)

// Defaults for optional settings.
const (
	DefaultPort               = 3000
	DefaultIDPScope           = "openid profile email"
	DefaultProxyScope         = "openid offline_access"
	DefaultIDPCallbackPath    = "/interaction/identity/callback"
	DefaultUniqueCallbackPath = "/interaction/:uid/identity/callback"
	DefaultKVPrefix           = "oidc:"
	DefaultMaxRequests        = 60
	DefaultMaxRequestsWindow  = 60 * time.Second
	DefaultBrandingTitle      = "MCP Auth Proxy"
)

// productionEnv is the exact DEPLOYMENT_ENV value that hardens runtime
// behavior (PKCE fallback storage is refused).
const productionEnv = "production"

// uidPlaceholder marks the interaction id segment in the unique callback
// path template.
const uidPlaceholder = ":uid"

// Config is the validated runtime configuration.
type Config struct {
	// BaseURL is this proxy's external origin, without a trailing slash.
	BaseURL *url.URL

	// Port the HTTP listener binds.
	Port int

	Upstream  Upstream
	IDP       IDP
	KV        KV
	RateLimit RateLimit
	Branding  Branding

	// ProxyScopes are the downstream-facing scopes advertised in discovery
	// and bound to grants.
	ProxyScopes []string

	// ProviderJWKS is the raw JSON array of private JWKs used to sign
	// tokens. Empty means an ephemeral key is generated at boot.
	ProviderJWKS string

	// LocalInsecure disables the HTTPS redirect for local runs.
	LocalInsecure bool

	// DeploymentEnv labels the runtime environment.
	DeploymentEnv string
}

// Upstream describes the resource server requests are proxied to, plus the
// optional child process that serves it.
type Upstream struct {
	// URL is the full URL, including path, of the upstream resource server.
	URL *url.URL

	// RunCommand, when set, is a child process the proxy supervises; the
	// upstream URL is expected to come up once it runs.
	RunCommand string
	RunArgs    []string
	RunDir     string
	RunEnv     map[string]string
}

// IDP holds the upstream identity provider client settings.
type IDP struct {
	ServerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// MetadataFile, when set, bypasses OIDC discovery with a static
	// server-metadata document.
	MetadataFile string

	// CallbackPath is the shared redirect path registered with the IdP.
	CallbackPath string

	// UniqueCallbackPath is the per-interaction redirect path template;
	// ":uid" marks the interaction id segment.
	UniqueCallbackPath string
}

// KV holds the shared store settings. An empty URL selects the in-process
// store.
type KV struct {
	URL    string
	Prefix string
}

// RateLimit configures the fixed-window limiter on the metadata endpoint.
type RateLimit struct {
	MaxRequests   int
	RequestWindow time.Duration
}

// Branding feeds the interaction page template. Cosmetic only.
type Branding struct {
	Title     string
	LogoURI   string
	PolicyURI string
	TOSURI    string
}

// Load reads the environment, applies defaults, and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(EnvPort, DefaultPort)
	v.SetDefault(EnvIDPScope, DefaultIDPScope)
	v.SetDefault(EnvProxyScope, DefaultProxyScope)
	v.SetDefault(EnvIDPCallbackPath, DefaultIDPCallbackPath)
	v.SetDefault(EnvIDPUniqueCallbackPath, DefaultUniqueCallbackPath)
	v.SetDefault(EnvKVPrefix, DefaultKVPrefix)
	v.SetDefault(EnvMaxRequests, DefaultMaxRequests)
	v.SetDefault(EnvMaxRequestsWindow, int(DefaultMaxRequestsWindow.Milliseconds()))
	v.SetDefault(EnvBrandingTitle, DefaultBrandingTitle)

	cfg := &Config{
		Port: v.GetInt(EnvPort),
		Upstream: Upstream{
			RunCommand: v.GetString(EnvUpstreamRunCommand),
			RunDir:     v.GetString(EnvUpstreamRunDir),
		},
		IDP: IDP{
			ServerURL:          strings.TrimRight(v.GetString(EnvIDPServerURL), "/"),
			ClientID:           v.GetString(EnvIDPClientID),
			ClientSecret:       v.GetString(EnvIDPClientSecret),
			Scopes:             SplitScopes(v.GetString(EnvIDPScope)),
			MetadataFile:       v.GetString(EnvIDPServerMetadataFile),
			CallbackPath:       v.GetString(EnvIDPCallbackPath),
			UniqueCallbackPath: v.GetString(EnvIDPUniqueCallbackPath),
		},
		KV: KV{
			URL:    v.GetString(EnvKVURL),
			Prefix: v.GetString(EnvKVPrefix),
		},
		RateLimit: RateLimit{
			MaxRequests:   v.GetInt(EnvMaxRequests),
			RequestWindow: time.Duration(v.GetInt64(EnvMaxRequestsWindow)) * time.Millisecond,
		},
		Branding: Branding{
			Title:     v.GetString(EnvBrandingTitle),
			LogoURI:   v.GetString(EnvBrandingLogoURI),
			PolicyURI: v.GetString(EnvBrandingPolicyURI),
			TOSURI:    v.GetString(EnvBrandingTOSURI),
		},
		ProxyScopes:   SplitScopes(v.GetString(EnvProxyScope)),
		ProviderJWKS:  v.GetString(EnvOIDCProviderJWKS),
		LocalInsecure: v.GetBool(EnvLocalInsecure),
		DeploymentEnv: v.GetString(EnvDeploymentEnv),
	}

	baseURL, err := parseAbsoluteURL(v.GetString(EnvBaseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvBaseURL, err)
	}
	baseURL.Path = strings.TrimRight(baseURL.Path, "/")
	cfg.BaseURL = baseURL

	upstreamURL, err := parseAbsoluteURL(v.GetString(EnvUpstreamServerURL))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvUpstreamServerURL, err)
	}
	cfg.Upstream.URL = upstreamURL

	if raw := v.GetString(EnvUpstreamRunArgsJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Upstream.RunArgs); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvUpstreamRunArgsJSON, err)
		}
	}
	if raw := v.GetString(EnvUpstreamRunEnvJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Upstream.RunEnv); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvUpstreamRunEnvJSON, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints. Load calls it; callers that build
// a Config by hand (tests) should too.
func (c *Config) Validate() error {
	if c.BaseURL == nil {
		return fmt.Errorf("%s is required", EnvBaseURL)
	}
	if c.Upstream.URL == nil {
		return fmt.Errorf("%s is required", EnvUpstreamServerURL)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid %s: %d is out of range", EnvPort, c.Port)
	}
	if c.IDP.ServerURL == "" && c.IDP.MetadataFile == "" {
		return fmt.Errorf("one of %s or %s is required", EnvIDPServerURL, EnvIDPServerMetadataFile)
	}
	if c.IDP.ClientID == "" {
		return fmt.Errorf("%s is required", EnvIDPClientID)
	}
	if !strings.Contains(c.IDP.UniqueCallbackPath, uidPlaceholder) {
		return fmt.Errorf("%s must contain the %q segment", EnvIDPUniqueCallbackPath, uidPlaceholder)
	}
	if c.RateLimit.MaxRequests < 1 {
		return fmt.Errorf("invalid %s: must be positive", EnvMaxRequests)
	}
	if c.RateLimit.RequestWindow <= 0 {
		return fmt.Errorf("invalid %s: must be positive", EnvMaxRequestsWindow)
	}
	return nil
}

// IsProduction reports whether the deployment environment is exactly
// "production". Anything else, including "Production", keeps the dev
// affordances on.
func (c *Config) IsProduction() bool {
	return c.DeploymentEnv == productionEnv
}

// Issuer is the OAuth issuer identifier, which equals the external origin.
func (c *Config) Issuer() string {
	return c.BaseURL.String()
}

// CallbackURL is the absolute shared redirect URI registered with the IdP.
func (c *Config) CallbackURL() string {
	return c.BaseURL.String() + c.IDP.CallbackPath
}

// UniqueCallbackURL is the absolute per-interaction redirect URI for uid.
func (c *Config) UniqueCallbackURL(uid string) string {
	return c.BaseURL.String() + strings.Replace(c.IDP.UniqueCallbackPath, uidPlaceholder, url.PathEscape(uid), 1)
}

// UniqueCallbackRoutePattern rewrites the ":uid" template segment into the
// router's "{uid}" parameter syntax.
func (c *Config) UniqueCallbackRoutePattern() string {
	return strings.Replace(c.IDP.UniqueCallbackPath, uidPlaceholder, "{uid}", 1)
}

// SplitScopes splits a space- or comma-separated scope list, dropping
// empty entries.
func SplitScopes(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	})
	return fields
}

// parseAbsoluteURL parses a required absolute http(s) URL.
func parseAbsoluteURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("value is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%q has no host", raw)
	}
	return u, nil
}
