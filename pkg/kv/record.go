// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import "encoding/json"

// Well-known payload fields with store-level semantics. Everything else in a
// Record is opaque to the store.
const (
	// FieldGrantID links a token record to its grant; grantable kinds with
	// this field set are appended to the grant's revocation list.
	FieldGrantID = "grant_id"

	// FieldUID is a secondary lookup key (sessions, interactions).
	FieldUID = "uid"

	// FieldUserCode is the device-flow user code secondary key.
	FieldUserCode = "user_code"

	// FieldConsumed is the unix-seconds timestamp set by Consume on
	// single-use records.
	FieldConsumed = "consumed"
)

// Record is a JSON-object payload persisted in the store. The encoded form
// is the wire format shared across processes; it must stay stable.
type Record map[string]any

// str reads a string field, tolerating absence.
func (r Record) str(field string) string {
	if v, ok := r[field].(string); ok {
		return v
	}
	return ""
}

// GrantID returns the grant this record belongs to, or "".
func (r Record) GrantID() string {
	return r.str(FieldGrantID)
}

// UID returns the secondary uid key, or "".
func (r Record) UID() string {
	return r.str(FieldUID)
}

// UserCode returns the device-flow user code, or "".
func (r Record) UserCode() string {
	return r.str(FieldUserCode)
}

// Consumed returns the unix-seconds consumption timestamp, or 0 when the
// record has not been consumed. JSON round-trips land numbers as float64;
// the store may also merge the field in as an int64 or string-free number.
func (r Record) Consumed() int64 {
	switch v := r[FieldConsumed].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// IsConsumed reports whether Consume has marked this record.
func (r Record) IsConsumed() bool {
	return r.Consumed() > 0
}

// Clone returns a shallow copy. Callers that mutate a Record obtained from a
// shared cache must clone it first.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
