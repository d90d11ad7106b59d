// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crabtree

import "go.uber.org/zap"

// walkOp selects the behavior of a single descent, matching scoutfs's
// WALK_INSERT/WALK_DELETE/WALK_NEXT/WALK_NEXT_SEQ/WALK_DIRTY.
type walkOp int

const (
	walkRead walkOp = iota
	walkInsert
	walkDelete
	walkDirty
	walkNext
	walkNextSeq
)

// dirty reports whether op requires a write-locked path and a root write
// lock (spec.md §4.D, §5).
func (op walkOp) dirty() bool {
	return op == walkInsert || op == walkDelete || op == walkDirty
}

// walk descends from the root to the leaf that should contain key,
// applying trySplit or tryMerge as it goes, and returns that leaf holding
// its exclusive per-buffer lock (the same lock for every op; only the
// root lock differs between dirty and read ops). The caller releases the
// returned buffer's lock and unpins it with t.cache.Put.
//
// If nextKey is non-nil it is set to MaxKey before descending and
// updated at each internal level to the successor of the parent item's
// key, so iteration can resume at the next sibling subtree once this
// leaf is exhausted (spec.md §4.D step 7).
func (t *Tree) walk(key Key, nextKey *Key, valLen int, seq uint64, op walkOp) (*blockBuf, error) {
	dirty := op.dirty()

	if dirty {
		t.root.mu.Lock()
		defer t.root.mu.Unlock()
	} else {
		t.root.mu.RLock()
		defer t.root.mu.RUnlock()
	}

	if nextKey != nil {
		*nextKey = MaxKey
	}

	if t.root.height == 0 {
		if op == walkInsert {
			buf, err := t.cache.AllocDirty()
			if err != nil {
				return nil, err
			}
			buf.blk.initEmpty()
			t.root.set(1, buf.ref())
			buf.lock()
			return buf, nil
		}
		return nil, ErrNotFound
	}

	if op == walkNextSeq && t.root.ref.Seq < seq {
		return nil, ErrNotFound
	}

	ref := t.root.ref
	level := t.root.height - 1
	rootLevel := level

	var parent *blockBuf
	var parentLevel uint32
	var pos int

	for {
		var buf *blockBuf
		var err error
		if dirty {
			buf, err = t.cache.DirtyRef(ref)
		} else {
			buf, err = t.cache.ReadRef(ref)
		}
		if err != nil {
			if parent != nil {
				parent.unlock()
				t.cache.Put(parent)
			}
			return nil, err
		}
		t.logDescent(op, int(level), buf.blk.blkno())

		// Dirtying stamped buf with the current seq; carry it into the
		// reference that points at buf so seq-pruned walks see it.
		if dirty {
			if parent == nil {
				t.root.set(t.root.height, buf.ref())
			} else {
				parent.blk.posItem(pos).setBlockRef(buf.ref())
			}
		}

		if op == walkInsert {
			buf, err = t.trySplit(int(level), key, valLen, parent, pos, buf)
		} else if op == walkDelete && parent != nil {
			buf, err = t.tryMerge(parent, pos, buf, parentLevel == rootLevel)
		}
		if err != nil {
			if parent != nil {
				parent.unlock()
				t.cache.Put(parent)
			}
			return nil, err
		}

		buf.lock()

		if level == 0 {
			if parent != nil {
				parent.unlock()
				t.cache.Put(parent)
			}
			return buf, nil
		}

		if parent != nil {
			parent.unlock()
			t.cache.Put(parent)
		}
		parent = buf
		parentLevel = level

		pos = findPosAfterSeq(parent.blk, key, int(level), seq, op)
		if pos >= parent.blk.nrItems() {
			parent.unlock()
			t.cache.Put(parent)
			if op == walkNextSeq {
				return nil, ErrNotFound
			}
			return nil, ErrIO
		}

		item := parent.blk.posItem(pos)
		if nextKey != nil {
			*nextKey = item.key().Inc()
		}
		ref = item.blockRef()
		level--
	}
}

// skipPosSeq reports whether the item at pos should be skipped during a
// NEXT_SEQ walk because its ref-seq (internal) or item-seq (leaf) is
// below the query floor.
func skipPosSeq(b block, pos int, level int, seq uint64, op walkOp) bool {
	if op != walkNextSeq || pos >= b.nrItems() {
		return false
	}
	it := b.posItem(pos)
	if level > 0 {
		return it.blockRef().Seq < seq
	}
	return it.seq() < seq
}

// nextPosSeq returns the next sorted position after pos, skipping those
// skipPosSeq rejects.
func nextPosSeq(b block, pos int, level int, seq uint64, op walkOp) int {
	for {
		pos++
		if !skipPosSeq(b, pos, level, seq, op) {
			return pos
		}
	}
}

// findPosAfterSeq returns the first slot at or after key that passes
// skipPosSeq, or the ordinary findPos result for any other op.
func findPosAfterSeq(b block, key Key, level int, seq uint64, op walkOp) int {
	pos, _ := b.findPos(key)
	if skipPosSeq(b, pos, level, seq, op) {
		pos = nextPosSeq(b, pos, level, seq, op)
	}
	return pos
}

// logDescent emits a debug trace of one descent step. walk calls it on
// every step; zap checks the level before encoding the fields, so it
// writes nothing unless t.log has DebugLevel enabled.
func (t *Tree) logDescent(op walkOp, level int, blkno uint64) {
	t.log.Debug("descend",
		zap.Int("op", int(op)),
		zap.Int("level", level),
		zap.Uint64("blkno", blkno),
	)
}
