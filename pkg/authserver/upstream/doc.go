// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream is the OAuth client talking to the upstream identity
// provider. It resolves the provider's endpoints (OIDC discovery or a static
// metadata file), builds the authorization redirect with a fresh PKCE pair,
// exchanges authorization codes, and refreshes tokens.
//
// Token responses are normalized into TokenResponse: the standard OAuth
// members are parsed, every non-standard top-level member is passed through
// untouched in UserData. Refresh failures are classified into the four
// RefreshErrorClass values so callers can tell "re-authenticate" apart from
// "retry later".
package upstream
