// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import "fmt"

// Kind identifies an entity namespace in the store. The set is closed;
// dispatching on it replaces string-keyed behavior.
type Kind int

// Entity kinds persisted through the store.
const (
	// KindUnknown is the zero value and never stored.
	KindUnknown Kind = iota

	// KindClient holds dynamically registered downstream clients.
	KindClient

	// KindGrant ties an account subject to a downstream client.
	KindGrant

	// KindSession holds browser sessions for the authorization endpoints.
	KindSession

	// KindInteraction holds per-authorization interaction state.
	KindInteraction

	// KindAccessToken holds issued access tokens.
	KindAccessToken

	// KindAuthorizationCode holds single-use authorization codes.
	KindAuthorizationCode

	// KindRefreshToken holds refresh tokens.
	KindRefreshToken

	// KindDeviceCode holds device authorization codes.
	KindDeviceCode

	// KindBackchannelAuthenticationRequest holds CIBA requests.
	KindBackchannelAuthenticationRequest

	// KindPKCERequest holds downstream PKCE parameters keyed by code
	// signature while an authorization code is outstanding.
	KindPKCERequest

	// KindOIDCSession holds OpenID Connect sessions keyed by code
	// signature so the token endpoint can mint ID tokens.
	KindOIDCSession

	// KindRequestIndex maps token-request IDs to signatures so revocation
	// by request ID can locate both halves of a token pair.
	KindRequestIndex
)

// kindNames are the key segments used in the persisted layout. They are part
// of the wire format shared by every process on the same store; do not
// rename them.
var kindNames = map[Kind]string{
	KindClient:                           "Client",
	KindGrant:                            "Grant",
	KindSession:                          "Session",
	KindInteraction:                      "Interaction",
	KindAccessToken:                      "AccessToken",
	KindAuthorizationCode:                "AuthorizationCode",
	KindRefreshToken:                     "RefreshToken",
	KindDeviceCode:                       "DeviceCode",
	KindBackchannelAuthenticationRequest: "BackchannelAuthenticationRequest",
	KindPKCERequest:                      "PKCERequest",
	KindOIDCSession:                      "OIDCSession",
	KindRequestIndex:                     "RequestIndex",
}

// String returns the key segment for the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid reports whether the kind belongs to the closed set.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Grantable reports whether records of this kind participate in grant
// revocation: an upsert whose payload carries a grant_id appends the record
// key to the grant's list, and RevokeByGrantID deletes it.
func (k Kind) Grantable() bool {
	switch k {
	case KindAccessToken, KindAuthorizationCode, KindRefreshToken,
		KindDeviceCode, KindBackchannelAuthenticationRequest:
		return true
	default:
		return false
	}
}

// SingleUse reports whether records of this kind are stored as hashes with a
// consumed timestamp field that Consume sets atomically.
func (k Kind) SingleUse() bool {
	switch k {
	case KindAuthorizationCode, KindRefreshToken, KindDeviceCode,
		KindBackchannelAuthenticationRequest:
		return true
	default:
		return false
	}
}
