// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crabtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crabtree.dev/crabtree/internal/pmem"
)

func newTestPMemCache(t *testing.T, blockSize int) *PMemCache {
	t.Helper()
	mem, err := pmem.Create("crabtree-test", pmem.DevNull(), pmem.DevNull(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Release() })
	return NewPMemCache(mem, blockSize, nil)
}

func TestCheckAlignmentRejectsMisalignedOffsets(t *testing.T) {
	c := newTestPMemCache(t, 64)

	assert.NoError(t, c.checkAlignment(0))
	assert.NoError(t, c.checkAlignment(64))
	assert.NoError(t, c.checkAlignment(1280))

	assert.ErrorIs(t, c.checkAlignment(-64), ErrIO)
	assert.ErrorIs(t, c.checkAlignment(1), ErrIO)
	assert.ErrorIs(t, c.checkAlignment(37), ErrIO)
}

func TestDirtyRefAndReadRefRejectOutOfRangeBlkno(t *testing.T) {
	c := newTestPMemCache(t, 64)

	_, err := c.ReadRef(BlockRef{Blkno: 0})
	assert.ErrorIs(t, err, ErrIO, "blkno 0 maps to a negative offset")

	_, err = c.DirtyRef(BlockRef{Blkno: 9999})
	assert.ErrorIs(t, err, ErrIO, "blkno far past the image's current length")
}
