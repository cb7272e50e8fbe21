// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package database

import "errors"

// Sentinel errors surfaced by the storage layer.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrStateConflict indicates an optimistic concurrency conflict on a
	// policy_arm_state row; callers retry with a fresh read.
	ErrStateConflict = errors.New("state row version conflict")

	// ErrAlreadyAttributed indicates the serve event already carries a
	// reward; reward writes happen at most once.
	ErrAlreadyAttributed = errors.New("serve event already attributed")

	// ErrDuplicate indicates a primary-key collision on an append-only
	// table.
	ErrDuplicate = errors.New("duplicate row")
)
