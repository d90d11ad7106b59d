// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crabtree

import "errors"

// Sentinel errors returned by the public API, per spec.md §7. Callers
// compare against these with errors.Is; collaborator errors (block cache,
// allocator, persistent memory) are wrapped around ErrIO with
// github.com/pkg/errors context before reaching the core.
var (
	// ErrNotFound indicates the key is absent (lookup/update/delete/dirty)
	// or that a range operation found nothing left to return.
	ErrNotFound = errors.New("crabtree: key not found")

	// ErrExists indicates insert collided with an existing key.
	ErrExists = errors.New("crabtree: key exists")

	// ErrNoSpace indicates the allocator refused a block, or hole found
	// no free key in the requested range.
	ErrNoSpace = errors.New("crabtree: no space")

	// ErrIO indicates a block read/write/allocator failure, or a
	// structural validation failure (e.g. misaligned block).
	ErrIO = errors.New("crabtree: I/O error")

	// ErrInternal indicates an invariant violation that should be
	// impossible if the tree and collaborators are implemented
	// correctly. Returning it rather than corrupting state is the goal;
	// it is never expected in normal operation.
	ErrInternal = errors.New("crabtree: internal invariant violation")

	// ErrInvalid indicates an invalid argument: a value too large to ever
	// fit in one block was passed to Insert (per spec.md §9, oversize
	// inserts are rejected at the API boundary rather than left
	// undefined), or New was given a nil Cache or Root.
	ErrInvalid = errors.New("crabtree: invalid argument")
)
