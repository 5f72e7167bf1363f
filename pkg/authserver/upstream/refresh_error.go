// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// RefreshErrorClass tags a refresh failure with how the caller should react.
type RefreshErrorClass int

const (
	// RefreshUnknownError covers everything the other classes do not.
	// Not recoverable, not retryable.
	RefreshUnknownError RefreshErrorClass = iota

	// RefreshTokenExpired means the IdP rejected the refresh token
	// (invalid_grant or invalid_token). The session is dead; the user
	// has to authenticate again. Retrying would burn the grant.
	RefreshTokenExpired

	// RefreshNetworkError is a transport failure: dial, DNS, reset,
	// timeout. The token may still be good; a later retry can succeed.
	RefreshNetworkError

	// RefreshServerError is an IdP-side 5xx. Same retry semantics as a
	// network failure.
	RefreshServerError
)

// String returns the class name used in logs.
func (c RefreshErrorClass) String() string {
	switch c {
	case RefreshTokenExpired:
		return "token_expired"
	case RefreshNetworkError:
		return "network_error"
	case RefreshServerError:
		return "server_error"
	default:
		return "unknown_error"
	}
}

// RefreshError is the classified failure returned by Client.Refresh.
type RefreshError struct {
	// Class drives the caller's reaction.
	Class RefreshErrorClass

	// OAuthError is the error member of the IdP's response, when the
	// failure was an OAuth error response.
	OAuthError string

	// StatusCode is the HTTP status of the IdP's response, 0 for
	// transport failures.
	StatusCode int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *RefreshError) Error() string {
	if e.OAuthError != "" {
		return fmt.Sprintf("upstream token refresh failed (%s): %s", e.Class, e.OAuthError)
	}
	return fmt.Sprintf("upstream token refresh failed (%s): %v", e.Class, e.Err)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether re-authenticating the end-user fixes the
// failure. Only an expired refresh token is recoverable that way.
func (e *RefreshError) Recoverable() bool {
	return e.Class == RefreshTokenExpired
}

// Retryable reports whether retrying the refresh later can succeed without
// user involvement.
func (e *RefreshError) Retryable() bool {
	return e.Class == RefreshNetworkError || e.Class == RefreshServerError
}

// classifyRefreshError maps a raw refresh failure onto a RefreshError.
// tokenErr is non-nil when the IdP answered with an OAuth error response;
// err is non-nil for transport-level failures.
func classifyRefreshError(err error, tokenErr *TokenError) *RefreshError {
	if tokenErr != nil {
		switch tokenErr.Code {
		case "invalid_grant", "invalid_token":
			return &RefreshError{
				Class:      RefreshTokenExpired,
				OAuthError: tokenErr.Code,
				StatusCode: tokenErr.StatusCode,
				Err:        tokenErr,
			}
		}
		if tokenErr.StatusCode >= 500 {
			return &RefreshError{
				Class:      RefreshServerError,
				OAuthError: tokenErr.Code,
				StatusCode: tokenErr.StatusCode,
				Err:        tokenErr,
			}
		}
		return &RefreshError{
			Class:      RefreshUnknownError,
			OAuthError: tokenErr.Code,
			StatusCode: tokenErr.StatusCode,
			Err:        tokenErr,
		}
	}

	if isNetworkError(err) {
		return &RefreshError{Class: RefreshNetworkError, Err: err}
	}
	return &RefreshError{Class: RefreshUnknownError, Err: err}
}

// isNetworkError reports whether err is a transport failure: connection
// refused/reset, DNS resolution, or a timeout.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// url.Error wraps the transport error; the checks above usually
		// catch it, but some proxies surface plain string errors.
		msg := urlErr.Err.Error()
		return strings.Contains(msg, "connection refused") ||
			strings.Contains(msg, "connection reset") ||
			strings.Contains(msg, "no such host")
	}

	return false
}
