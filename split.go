// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crabtree

// defaultFreeLimit is the threshold below which tryMerge leaves a block
// alone rather than pulling items in from a sibling (spec.md §4.C). It
// is tuned to roughly a quarter of the block size, as the spec suggests.
func defaultFreeLimit(blockSize int) int { return blockSize / 4 }

// createParentItem inserts an internal item in parent at pos that
// references child, with the given key. The value is child's BlockRef.
func createParentItem(parent block, pos int, child block, key Key) {
	it := parent.insertAt(pos, key, parent.seq(), blockRefSize)
	it.setBlockRef(BlockRef{Blkno: child.blkno(), Seq: child.seq()})
}

// growTree allocates a new root block above the current one and links it
// to child with the right-spine key MaxKey, so that an insert extending
// the tree's maximum never needs to update a parent key.
func (t *Tree) growTree(child block) (*blockBuf, error) {
	p, err := t.cache.AllocDirty()
	if err != nil {
		return nil, err
	}
	p.blk.initEmpty()
	t.root.set(t.root.height+1, p.ref())
	createParentItem(p.blk, 0, child, MaxKey)
	return p, nil
}

// trySplit is called while descending for insert, before locking the
// child the descent is about to visit. It ensures the returned block has
// room for an insertion of valLen bytes at the given key, splitting off
// a new left sibling and/or growing the tree if compaction alone isn't
// enough (spec.md §4.C).
//
// level is the level of right in the tree (0 = leaf); for level > 0,
// valLen is forced to the size of a BlockRef, matching internal items.
//
// parent may be nil if right is the root. On return the caller locks
// whichever buffer is returned: either right unchanged, right after
// compaction, or the new left sibling.
func (t *Tree) trySplit(level int, key Key, valLen int, parent *blockBuf, parentPos int, right *blockBuf) (*blockBuf, error) {
	if level > 0 {
		valLen = blockRefSize
	}
	need := allValBytes(valLen)

	if right.blk.contigFree() >= need {
		return right, nil
	}
	if right.blk.reclaimableFree() >= need {
		right.blk.compact()
		return right, nil
	}

	left, err := t.cache.AllocDirty()
	if err != nil {
		t.cache.Put(right)
		return nil, err
	}
	left.blk.initEmpty()

	var par *blockBuf
	if parent == nil {
		par, err = t.growTree(right.blk)
		if err != nil {
			if ferr := t.cache.Free(left.blk.blkno()); ferr != nil {
				t.log.Sugar().Errorw("free after failed tree growth", "err", ferr)
			}
			t.cache.Put(left)
			t.cache.Put(right)
			return nil, err
		}
		parent = par
		parentPos = 0
	}

	moveItems(left.blk, right.blk, moveLeft, right.blk.usedTotal()/2)
	createParentItem(parent.blk, parentPos, left.blk, left.blk.greatestKey())

	var result *blockBuf
	if key.Cmp(left.blk.greatestKey()) <= 0 {
		t.cache.Put(right)
		result = left
	} else {
		t.cache.Put(left)
		if right.blk.contigFree() < need {
			right.blk.compact()
		}
		result = right
	}

	if par != nil {
		t.cache.Put(par)
	}
	return result, nil
}

// tryMerge is called while descending for delete, once a parent exists,
// to pull items in from a sibling if buf has accumulated too much
// reclaimable free space (spec.md §4.C). It may delete the sibling
// entirely, and if parentIsRoot and that leaves parent with a single
// item, shrinks the tree by one level (spec.md §4.C step 8: the shrink
// is conditioned on parent actually being the root, not just any
// ancestor that happens to end up with one child).
func (t *Tree) tryMerge(parent *blockBuf, pos int, buf *blockBuf, parentIsRoot bool) (*blockBuf, error) {
	if buf.blk.reclaimableFree() <= t.freeLimit {
		return buf, nil
	}

	var sibPos int
	var moveToRight bool
	if pos > 0 {
		sibPos, moveToRight = pos-1, true
	} else {
		sibPos, moveToRight = pos+1, false
	}
	sibItem := parent.blk.posItem(sibPos)
	sibRef := sibItem.blockRef()

	sib, err := t.cache.DirtyRef(sibRef)
	if err != nil {
		t.cache.Put(buf)
		return nil, err
	}

	var toMove int
	if sib.blk.usedTotal() <= buf.blk.reclaimableFree()-t.freeLimit {
		toMove = sib.blk.usedTotal()
	} else {
		toMove = buf.blk.reclaimableFree() - t.freeLimit
	}

	if buf.blk.contigFree() < toMove {
		buf.blk.compact()
	}

	dir := moveLeft
	if moveToRight {
		dir = moveRight
	}
	moveItems(buf.blk, sib.blk, dir, toMove)

	if !moveToRight {
		parent.blk.posItem(pos).setKey(buf.blk.greatestKey())
	}

	if sib.blk.nrItems() == 0 {
		blkno := sib.blk.blkno()
		parent.blk.deleteAt(sibPos)
		if err := t.cache.Free(blkno); err != nil {
			t.cache.Put(sib)
			t.cache.Put(buf)
			return nil, err
		}
	} else if moveToRight {
		sibItem.setKey(sib.blk.greatestKey())
	}
	t.cache.Put(sib)

	if parentIsRoot && parent.blk.nrItems() == 1 {
		t.root.set(t.root.height-1, buf.ref())
		if err := t.cache.Free(parent.blk.blkno()); err != nil {
			t.cache.Put(buf)
			return nil, err
		}
	}

	return buf, nil
}
