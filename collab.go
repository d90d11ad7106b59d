// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crabtree

import "sync"

// Cache is the block cache and allocator interface the core consumes
// (spec.md §4.F). It is the one seam between the descent engine and
// however blocks are actually stored; [NewMemCache] and the pmem-backed
// cache in pmemcache.go are the two implementations this module ships,
// but callers may supply their own.
type Cache interface {
	// BlockSize returns the fixed block size blocks are allocated with.
	BlockSize() int

	// AllocDirty allocates a new block, marks it dirty in the current
	// transaction, and returns a buffer pinned for writing. The block's
	// blkno and seq are set and the rest of it is zeroed; it is not yet
	// initialized as a tree block.
	AllocDirty() (*blockBuf, error)

	// DirtyRef fetches the block at ref and marks it dirty.
	DirtyRef(ref BlockRef) (*blockBuf, error)

	// ReadRef fetches the block at ref for read-only access.
	ReadRef(ref BlockRef) (*blockBuf, error)

	// Put releases a reference obtained from AllocDirty, DirtyRef, or
	// ReadRef. It does not affect the buffer's lock.
	Put(buf *blockBuf)

	// Free releases blkno back to the allocator. The caller guarantees
	// the block is already dirty in the current transaction, so Free is
	// expected to succeed; failure is an [ErrInternal] condition.
	Free(blkno uint64) error
}

// A blockBuf is a pinned, lockable reference to one block's backing
// bytes, as returned by a [Cache]. Exactly one blockBuf pins a given
// block at a time per the per-buffer exclusive lock (spec.md §5); the
// lock is acquired with lock() and released with unlock(), matching the
// original's lock_buffer/unlock_buffer.
type blockBuf struct {
	blk block
	mu  *sync.Mutex
}

func (bb *blockBuf) lock()   { bb.mu.Lock() }
func (bb *blockBuf) unlock() { bb.mu.Unlock() }

func (bb *blockBuf) ref() BlockRef {
	return BlockRef{Blkno: bb.blk.blkno(), Seq: bb.blk.seq()}
}

// A RootHolder is the one shared singleton of the tree: the persistent
// root reference (height and BlockRef), guarded by a reader-writer lock.
// It is passed explicitly into every [Tree], rather than kept as an
// ambient global, so that multiple independent trees can be exercised
// side by side (spec.md §9's note on global mutable state).
type RootHolder struct {
	mu     sync.RWMutex
	height uint32
	ref    BlockRef
}

// NewRootHolder returns a RootHolder for an empty tree (height 0).
func NewRootHolder() *RootHolder {
	return &RootHolder{}
}

// Height and Ref return the current root state. The caller must be
// holding the RootHolder's lock (via a Tree operation) for the value to
// be meaningful beyond the instant of the call; RootHolder does not lock
// internally since [Tree] manages the root lock across an entire descent.
func (h *RootHolder) Height() uint32  { return h.height }
func (h *RootHolder) Ref() BlockRef   { return h.ref }

func (h *RootHolder) set(height uint32, ref BlockRef) {
	h.height = height
	h.ref = ref
}
