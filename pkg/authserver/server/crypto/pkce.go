// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto holds the PKCE primitives shared by the upstream IdP
// client and the discovery metadata.
package crypto

import (
	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the only challenge method this server sends
// upstream or advertises downstream (RFC 7636 section 4.2).
const PKCEChallengeMethodS256 = "S256"

// GeneratePKCEVerifier returns a fresh RFC 7636 code_verifier: 43 base64url
// characters from 32 random bytes. Panics only if crypto/rand fails.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge derives the S256 code_challenge for a verifier.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
