// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package kv defines the typed key-value contract every OAuth entity is
// persisted through, plus its Redis and in-memory implementations.
//
// Layout, shared by all processes on the same store:
//
//	{prefix}{Kind}:{id}        primary record (hash for single-use kinds)
//	{prefix}grant:{grantID}    list of full primary keys owned by a grant
//	{prefix}uid:{uid}          secondary key -> record id
//	{prefix}userCode:{code}    secondary key -> record id
package kv

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when a record does not exist or has expired.
	ErrNotFound = errors.New("kv: record not found")

	// ErrStoreUnavailable wraps connection-class failures. The process
	// treats these as fatal; re-exec is the recovery path.
	ErrStoreUnavailable = errors.New("kv: store unavailable")

	// ErrNotSingleUse is returned by Consume for kinds that have no
	// consumed field.
	ErrNotSingleUse = errors.New("kv: kind is not single-use")
)

// DefaultKeyPrefix namespaces every key when no prefix is configured.
const DefaultKeyPrefix = "oidc:"

// Store is the persistence contract for OAuth entities.
//
// Secondary lookups are kind-scoped: the uid and userCode keys store only the
// record id, and the caller names the kind to resolve it under.
type Store interface {
	// Upsert stores payload under (kind, id) with the given TTL
	// (0 means no expiry). Grantable payloads carrying a grant_id are
	// appended to the grant's revocation list, whose TTL is extended to at
	// least ttl. Payloads carrying uid or user_code get secondary keys with
	// the same TTL.
	Upsert(ctx context.Context, kind Kind, id string, payload Record, ttl time.Duration) error

	// Find returns the stored payload. Single-use records that have been
	// consumed are still returned, with the consumed field merged in;
	// interpreting consumption is the caller's job. Absent or expired
	// records yield ErrNotFound.
	Find(ctx context.Context, kind Kind, id string) (Record, error)

	// FindByUID resolves a record through its uid secondary key.
	FindByUID(ctx context.Context, kind Kind, uid string) (Record, error)

	// FindByUserCode resolves a record through its userCode secondary key.
	FindByUserCode(ctx context.Context, kind Kind, userCode string) (Record, error)

	// Destroy deletes the primary key only. Secondary keys are left to
	// expire with their own TTLs.
	Destroy(ctx context.Context, kind Kind, id string) error

	// RevokeByGrantID atomically deletes every key listed under the grant
	// plus the list itself.
	RevokeByGrantID(ctx context.Context, grantID string) error

	// Consume marks a single-use record consumed (consumed = now, unix
	// seconds). Repeat calls refresh the timestamp; the record never
	// becomes usable again. ErrNotFound when the record is absent.
	Consume(ctx context.Context, kind Kind, id string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connection or stops the sweeper.
	Close() error
}
