// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking provides the shared HTTP client plumbing for outbound
// requests: pooled transports with sane timeouts, HTTPS enforcement for
// remote endpoints, and size-limited JSON fetching.
package networking

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HttpTimeout is the timeout for outgoing HTTP requests
const HttpTimeout = 30 * time.Second

// HTTPClient is the minimal client interface used by this package.
// *http.Client satisfies it; tests may substitute their own.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ValidatingTransport is for validating URLs prior to request
type ValidatingTransport struct {
	Transport http.RoundTripper

	// AllowHTTP permits plain-HTTP requests to loopback hosts. Remote
	// endpoints must always be HTTPS.
	AllowHTTP bool
}

// RoundTrip validates the request URL prior to forwarding
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	parsedUrl, err := url.Parse(req.URL.String())
	if err != nil {
		return nil, fmt.Errorf("the supplied URL %s is malformed", req.URL.String())
	}

	if parsedUrl.Scheme != "https" {
		if !(t.AllowHTTP && IsLocalhost(parsedUrl.Hostname())) {
			return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL.String())
		}
	}

	return t.Transport.RoundTrip(req)
}

// IsLocalhost reports whether the host is a loopback address.
func IsLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// HttpClientBuilder provides a fluent interface for building HTTP clients
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	allowHTTP             bool
	skipValidation        bool
}

// NewHttpClientBuilder returns a new HttpClientBuilder
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout overrides the overall client timeout.
func (b *HttpClientBuilder) WithTimeout(d time.Duration) *HttpClientBuilder {
	b.clientTimeout = d
	return b
}

// WithInsecureHTTP permits plain-HTTP requests to loopback hosts.
// Intended for local development against a mock IdP.
func (b *HttpClientBuilder) WithInsecureHTTP(allow bool) *HttpClientBuilder {
	b.allowHTTP = allow
	return b
}

// WithoutSchemeValidation disables HTTPS enforcement entirely.
// Only used by tests that stand up plain-HTTP servers on random hosts.
func (b *HttpClientBuilder) WithoutSchemeValidation() *HttpClientBuilder {
	b.skipValidation = true
	return b
}

// Build creates the configured HTTP client
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}

	var clientTransport http.RoundTripper = transport
	if !b.skipValidation {
		clientTransport = &ValidatingTransport{
			Transport: transport,
			AllowHTTP: b.allowHTTP,
		}
	}

	return &http.Client{
		Transport: clientTransport,
		Timeout:   b.clientTimeout,
	}, nil
}

// NewProxyTransport returns a pooled keep-alive transport for proxied
// upstream traffic. Unlike Build, it carries no overall timeout: streaming
// responses are bounded by the inbound request context instead.
func NewProxyTransport() *http.Transport {
	return &http.Transport{
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
}
