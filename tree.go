// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crabtree implements a copy-on-write B-tree for filesystem
// metadata storage, using lock crabbing during descent and proactive
// splits and merges so that no separate rebalance pass is ever needed.
package crabtree

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// A Tree is a copy-on-write B-tree over fixed-width [Key]s and
// variable-length values, backed by a [Cache] and a shared [RootHolder]
// (spec.md §2, §4). A Tree holds no buffers between calls; each
// operation descends from the current root while holding the root lock
// only as long as the descent needs it (spec.md §5).
type Tree struct {
	cache     Cache
	root      *RootHolder
	freeLimit int
	log       *zap.Logger
}

// Options configures [New]. Cache and Root are required; the rest have
// useful zero values. Options is a plain struct, not functional options,
// so that New performs no ambient configuration lookups of its own
// (spec.md §9's note on global state): every Tree's collaborators are
// named explicitly by its caller.
type Options struct {
	// Cache is the block cache and allocator. Required.
	Cache Cache

	// Root is the shared root reference. Required. A given RootHolder
	// must not be used by more than one Tree concurrently.
	Root *RootHolder

	// FreeLimit overrides the reclaimable-free threshold tryMerge uses
	// to decide whether a block needs items pulled in from a sibling
	// (spec.md §4.C). Zero means defaultFreeLimit(Cache.BlockSize()).
	FreeLimit int

	// Log receives structured diagnostics. Nil means a no-op logger.
	Log *zap.Logger
}

// New returns a Tree over the given collaborators. It performs no I/O:
// opts.Root may already describe a non-empty tree, in which case New
// simply continues using it.
func New(opts Options) (*Tree, error) {
	if opts.Cache == nil {
		return nil, errors.Wrap(ErrInvalid, "crabtree.New: nil Cache")
	}
	if opts.Root == nil {
		return nil, errors.Wrap(ErrInvalid, "crabtree.New: nil Root")
	}

	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	freeLimit := opts.FreeLimit
	if freeLimit <= 0 {
		freeLimit = defaultFreeLimit(opts.Cache.BlockSize())
	}

	return &Tree{
		cache:     opts.Cache,
		root:      opts.Root,
		freeLimit: freeLimit,
		log:       log,
	}, nil
}

// BlockSize returns the fixed block size of t's underlying cache.
func (t *Tree) BlockSize() int { return t.cache.BlockSize() }

// Height reports the current root height: 0 means the tree is empty, 1
// means a single leaf block, and each level above that adds 1.
func (t *Tree) Height() uint32 { return t.root.Height() }

// rootRef returns the current root BlockRef and whether the tree is
// non-empty.
func (t *Tree) rootRef() (BlockRef, bool) {
	ref := t.root.Ref()
	return ref, !ref.IsZero()
}
