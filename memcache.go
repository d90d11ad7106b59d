// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crabtree

import "sync"

// A MemCache is a [Cache] backed entirely by process memory: every block
// is a Go byte slice, and "transactions" are simply a monotonic seq
// counter bumped by each [MemCache.BeginTxn] call and stamped into every
// block dirtied after it. It has no persistence and
// is meant for tests and for embedding a tree in a process that rolls
// its own durability, the way the teacher's in-memory tree (mem.go)
// stood in for its disk-backed counterpart.
type MemCache struct {
	mu        sync.Mutex
	blockSize int
	seq       uint64
	nextBlkno uint64
	blocks    map[uint64][]byte
	locks     map[uint64]*sync.Mutex
	free      map[uint64]bool
}

// NewMemCache returns a MemCache allocating blocks of the given size.
func NewMemCache(blockSize int) *MemCache {
	return &MemCache{
		blockSize: blockSize,
		nextBlkno: 1,
		blocks:    make(map[uint64][]byte),
		locks:     make(map[uint64]*sync.Mutex),
		free:      make(map[uint64]bool),
	}
}

func (c *MemCache) BlockSize() int { return c.blockSize }

// BeginTxn advances the dirty sequence returned by subsequent
// AllocDirty/DirtyRef calls. Callers that want scoutfs-style "everything
// dirtied in this transaction shares a seq" semantics call this once per
// transaction; MemCache does not call it implicitly.
func (c *MemCache) BeginTxn() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *MemCache) lockFor(blkno uint64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.locks[blkno]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[blkno] = mu
	}
	return mu
}

func (c *MemCache) AllocDirty() (*blockBuf, error) {
	c.mu.Lock()
	blkno := c.nextBlkno
	c.nextBlkno++
	data := make([]byte, c.blockSize)
	c.blocks[blkno] = data
	seq := c.seq
	c.mu.Unlock()

	blk := block{data: data}
	blk.setBlkno(blkno)
	blk.setSeq(seq)
	return &blockBuf{blk: blk, mu: c.lockFor(blkno)}, nil
}

func (c *MemCache) DirtyRef(ref BlockRef) (*blockBuf, error) {
	c.mu.Lock()
	data, ok := c.blocks[ref.Blkno]
	if !ok {
		c.mu.Unlock()
		return nil, ErrIO
	}
	seq := c.seq
	c.mu.Unlock()

	blk := block{data: data}
	blk.setSeq(seq)
	return &blockBuf{blk: blk, mu: c.lockFor(ref.Blkno)}, nil
}

func (c *MemCache) ReadRef(ref BlockRef) (*blockBuf, error) {
	c.mu.Lock()
	data, ok := c.blocks[ref.Blkno]
	c.mu.Unlock()
	if !ok {
		return nil, ErrIO
	}
	return &blockBuf{blk: block{data: data}, mu: c.lockFor(ref.Blkno)}, nil
}

func (c *MemCache) Put(buf *blockBuf) {}

func (c *MemCache) Free(blkno uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.blocks[blkno]; !ok {
		return ErrInternal
	}
	delete(c.blocks, blkno)
	delete(c.locks, blkno)
	c.free[blkno] = true
	return nil
}

// Freed reports whether blkno has been returned to the allocator,
// exposed for the testable-property assertions in spec.md §8 (#4).
func (c *MemCache) Freed(blkno uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.free[blkno]
}
