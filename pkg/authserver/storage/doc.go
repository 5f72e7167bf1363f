// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage implements the fosite storage contracts plus the entity
// APIs the interaction handlers need (clients, grants, interactions, browser
// sessions), all on top of the kv.Store contract so a single Redis (or the
// in-memory store) backs every process.
//
// Tokens carry their grant id in the stored payload, which enrolls them in
// the grant's revocation list; destroying a grant tears down every token it
// ever issued in one atomic step.
package storage
