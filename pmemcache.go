// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crabtree

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"crabtree.dev/crabtree/internal/pmem"
)

// A PMemCache is a [Cache] backed by a [pmem.Mem] image: blocks live at
// fixed offsets within the memory-mapped, checksummed, patch-logged
// region the teacher's internal/pmem package maintains.
//
// Only block contents are stored in the image: every dirty block is
// written to it via [pmem.Mem.Mutate] when its buffer is released with
// Put. Block allocation bookkeeping (the next free blkno, the free list)
// is kept in process memory only, and the tree's root lives in the
// [RootHolder], not in the image. A new PMemCache over an existing image
// therefore allocates from blkno 1 again, and reopening an image does not
// recover a tree built on it.
type PMemCache struct {
	mu        sync.Mutex
	mem       *pmem.Mem
	log       *zap.Logger
	blockSize int
	nextBlkno uint64
	free      []uint64
	freed     map[uint64]bool
	locks     map[uint64]*sync.Mutex
	seq       uint64
}

// NewPMemCache returns a PMemCache storing fixed blockSize blocks inside
// mem, block blkno at offset (blkno-1)*blockSize. log may be nil.
func NewPMemCache(mem *pmem.Mem, blockSize int, log *zap.Logger) *PMemCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &PMemCache{
		mem:       mem,
		log:       log,
		blockSize: blockSize,
		nextBlkno: 1,
		freed:     make(map[uint64]bool),
		locks:     make(map[uint64]*sync.Mutex),
	}
}

func (c *PMemCache) BlockSize() int { return c.blockSize }

// BeginTxn advances the dirty sequence stamped into blocks by subsequent
// AllocDirty/DirtyRef calls.
func (c *PMemCache) BeginTxn() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *PMemCache) offset(blkno uint64) int64 {
	return int64(blkno-1) * int64(c.blockSize)
}

// checkAlignment is the Go analogue of the original's check_bh_alignment:
// it rejects an offset that doesn't land on a block boundary inside the
// pmem image before the cache ever hands back a view into it. The
// in-memory cache has no addressable image to misalign against, so only
// PMemCache carries this check.
func (c *PMemCache) checkAlignment(off int64) error {
	if off < 0 || off%int64(c.blockSize) != 0 {
		return errors.Wrapf(ErrIO, "crabtree: block offset %d is not %d-byte aligned", off, c.blockSize)
	}
	return nil
}

func (c *PMemCache) lockFor(blkno uint64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.locks[blkno]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[blkno] = mu
	}
	return mu
}

// allocBlkno pops a free blkno if one exists, else bumps nextBlkno.
func (c *PMemCache) allocBlkno() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.free); n > 0 {
		blkno := c.free[n-1]
		c.free = c.free[:n-1]
		delete(c.freed, blkno)
		return blkno
	}
	blkno := c.nextBlkno
	c.nextBlkno++
	return blkno
}

func (c *PMemCache) AllocDirty() (*blockBuf, error) {
	blkno := c.allocBlkno()
	end := c.offset(blkno) + int64(c.blockSize)
	if _, err := c.mem.Expand(int(end)); err != nil {
		return nil, errors.Wrapf(ErrIO, "crabtree: pmem expand for new block: %v", err)
	}

	data := make([]byte, c.blockSize)
	blk := block{data: data}
	blk.setBlkno(blkno)
	c.mu.Lock()
	blk.setSeq(c.seq)
	c.mu.Unlock()

	c.log.Debug("alloc dirty block", zap.Uint64("blkno", blkno))
	return &blockBuf{blk: blk, mu: c.lockFor(blkno)}, nil
}

func (c *PMemCache) DirtyRef(ref BlockRef) (*blockBuf, error) {
	off := c.offset(ref.Blkno)
	if err := c.checkAlignment(off); err != nil {
		return nil, err
	}
	mem := c.mem.Data()
	if int(off)+c.blockSize > len(mem) {
		return nil, errors.Wrap(ErrIO, "crabtree: dirty ref out of range")
	}

	data := make([]byte, c.blockSize)
	copy(data, mem[off:int(off)+c.blockSize])
	blk := block{data: data}
	c.mu.Lock()
	blk.setSeq(c.seq)
	c.mu.Unlock()

	return &blockBuf{blk: blk, mu: c.lockFor(ref.Blkno)}, nil
}

func (c *PMemCache) ReadRef(ref BlockRef) (*blockBuf, error) {
	off := c.offset(ref.Blkno)
	if err := c.checkAlignment(off); err != nil {
		return nil, err
	}
	mem := c.mem.Data()
	if int(off)+c.blockSize > len(mem) {
		return nil, errors.Wrap(ErrIO, "crabtree: read ref out of range")
	}
	blk := block{data: mem[off : int(off)+c.blockSize]}
	return &blockBuf{blk: blk, mu: c.lockFor(ref.Blkno)}, nil
}

// Put commits a dirtied block's staging buffer into the pmem image via
// Mutate, so the write is patch-logged and durable across reload. Blocks
// returned by ReadRef already point directly into the image (Offset
// succeeds on them) and need no commit.
func (c *PMemCache) Put(buf *blockBuf) {
	if _, ok := c.mem.Offset(buf.blk.data); ok {
		return // read-only buffer, views the image directly
	}
	blkno := buf.blk.blkno()
	off := c.offset(blkno)
	mem := c.mem.Data()
	dst := mem[off : int(off)+c.blockSize]
	if err := c.mem.Mutate(dst, buf.blk.data); err != nil {
		c.log.Error("pmem mutate failed", zap.Uint64("blkno", blkno), zap.Error(err))
	}
}

func (c *PMemCache) Free(blkno uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed[blkno] {
		return ErrInternal
	}
	c.freed[blkno] = true
	c.free = append(c.free, blkno)
	return nil
}

// Freed reports whether blkno has been returned to the allocator.
func (c *PMemCache) Freed(blkno uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freed[blkno]
}
