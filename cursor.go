// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crabtree

// A Cursor pins a single leaf buffer at a position, either for read or
// for write. Its zero value is a cursor that owns nothing; this mirrors
// scoutfs's DECLARE_SCOUTFS_BTREE_CURSOR, so a Cursor is always safe to
// pass to [Cursor.Release] even if the call that was meant to fill it
// never succeeded (spec.md §9's note on cursor lifetime).
type Cursor struct {
	tree  *Tree
	buf   *blockBuf
	pos   int
	write bool

	// Key, Seq, and Val describe the pinned item and are only valid
	// while the cursor is live (buf != nil).
	Key Key
	Seq uint64
	Val []byte
}

// Live reports whether c currently pins an item.
func (c *Cursor) Live() bool { return c.buf != nil }

func (c *Cursor) set(buf *blockBuf, pos int, write bool) {
	it := buf.blk.posItem(pos)
	c.buf = buf
	c.pos = pos
	c.write = write
	c.Key = it.key()
	c.Seq = it.seq()
	c.Val = it.val()
}

// Release unlocks and unpins whatever buffer c holds, if any. It is safe
// to call on an already-released or zero-value Cursor.
func (c *Cursor) Release() {
	if c.buf == nil {
		return
	}
	c.buf.unlock()
	c.tree.cache.Put(c.buf)
	c.buf = nil
}

// releaseBuf unlocks and unpins buf directly, for operations that fetch
// a buffer via walk but don't end up pinning it in a Cursor.
func releaseBuf(t *Tree, buf *blockBuf) {
	buf.unlock()
	t.cache.Put(buf)
}

// Lookup descends read-only and points c at the item with key, if
// present. c must not already be live.
func (t *Tree) Lookup(key Key, c *Cursor) error {
	buf, err := t.walk(key, nil, 0, 0, walkRead)
	if err != nil {
		return err
	}
	pos, cmp := buf.blk.findPos(key)
	if cmp != 0 {
		releaseBuf(t, buf)
		return ErrNotFound
	}
	c.tree = t
	c.set(buf, pos, false)
	return nil
}

// Insert descends for insertion and, if key is absent, creates a new
// item of valLen bytes and points c at it for the caller to fill in via
// c.Val. c must not already be live.
func (t *Tree) Insert(key Key, valLen int, c *Cursor) error {
	if valLen > MaxValLen(t.cache.BlockSize()) {
		return ErrInvalid
	}
	buf, err := t.walk(key, nil, valLen, 0, walkInsert)
	if err != nil {
		return err
	}
	pos, cmp := buf.blk.findPos(key)
	if cmp == 0 {
		releaseBuf(t, buf)
		return ErrExists
	}
	it := buf.blk.insertAt(pos, key, buf.blk.seq(), valLen)
	c.tree = t
	c.set(buf, pos, true)
	c.Val = it.val()
	return nil
}

// Update descends to dirty the path to key and, if present, refreshes
// the item's seq and points c at its value for the caller to overwrite
// in place; the value's length cannot change. c must not already be
// live. Update cannot fail with [ErrIO] if the containing leaf was
// already dirtied in the current transaction (e.g. via [Tree.Dirty]).
func (t *Tree) Update(key Key, c *Cursor) error {
	buf, err := t.walk(key, nil, 0, 0, walkDirty)
	if err != nil {
		return err
	}
	pos, cmp := buf.blk.findPos(key)
	if cmp != 0 {
		releaseBuf(t, buf)
		return ErrNotFound
	}
	it := buf.blk.posItem(pos)
	it.setSeq(buf.blk.seq())
	c.tree = t
	c.set(buf, pos, true)
	return nil
}

// Delete removes the item with key. If its leaf becomes empty and was
// the root, the tree shrinks to height 0 under the root write lock
// already held by the descent (spec.md §9).
func (t *Tree) Delete(key Key) error {
	buf, err := t.walk(key, nil, 0, 0, walkDelete)
	if err != nil {
		return err
	}
	defer releaseBuf(t, buf)

	pos, cmp := buf.blk.findPos(key)
	if cmp != 0 {
		return ErrNotFound
	}
	buf.blk.deleteAt(pos)

	if buf.blk.nrItems() == 0 && t.root.height == 1 {
		blkno := buf.blk.blkno()
		t.root.set(0, BlockRef{})
		if err := t.cache.Free(blkno); err != nil {
			return ErrInternal
		}
	}
	return nil
}

// Dirty ensures every block on the path to key is dirty in the current
// transaction, without returning a pin. A subsequent [Tree.Update] for
// the same key is then guaranteed not to fail with an I/O error.
func (t *Tree) Dirty(key Key) error {
	buf, err := t.walk(key, nil, 0, 0, walkDirty)
	if err != nil {
		return err
	}
	defer releaseBuf(t, buf)

	_, cmp := buf.blk.findPos(key)
	if cmp != 0 {
		return ErrNotFound
	}
	return nil
}

// Next advances c to the next item with key in [first, last], in
// ascending order. On the first call for a range, pass a zero-value c.
// Next returns [ErrNotFound] once the range is exhausted, releasing c.
func (t *Tree) Next(first, last Key, c *Cursor) error {
	return t.next(first, last, 0, walkNext, c)
}

// Since is like Next but restricts results to items (or, while
// descending, subtrees) whose seq is at least floor. It returns a
// superset of items with seq >= floor present at the time of the call;
// it never returns an item with seq < floor.
func (t *Tree) Since(first, last Key, floor uint64, c *Cursor) error {
	return t.next(first, last, floor, walkNextSeq, c)
}

func (t *Tree) next(first, last Key, seq uint64, op walkOp, c *Cursor) error {
	if first.Cmp(last) > 0 {
		c.Release()
		return ErrNotFound
	}

	key := first
	if c.Live() {
		key = c.Key.Inc()
		c.tree = t
		c.pos = nextPosSeq(c.buf.blk, c.pos, 0, seq, op)
		if c.pos < c.buf.blk.nrItems() {
			c.set(c.buf, c.pos, c.write)
			if c.Key.Cmp(last) <= 0 {
				return nil
			}
			c.Release()
			return ErrNotFound
		}
		c.Release()
		if c.Key == MaxKey {
			return ErrNotFound
		}
	}

	for key.Cmp(last) <= 0 {
		var nextKey Key
		buf, err := t.walk(key, &nextKey, 0, seq, op)
		if err != nil {
			if err == ErrNotFound {
				if key == MaxKey {
					break
				}
				key = nextKey
				continue
			}
			return err
		}

		pos := findPosAfterSeq(buf.blk, key, 0, seq, op)
		if pos >= buf.blk.nrItems() {
			releaseBuf(t, buf)
			if key == MaxKey {
				break
			}
			key = nextKey
			continue
		}

		c.tree = t
		c.set(buf, pos, false)
		break
	}

	if c.Live() && c.Key.Cmp(last) <= 0 {
		return nil
	}
	c.Release()
	return ErrNotFound
}

// Hole returns the smallest key in [first, last] absent from the tree,
// or [ErrNoSpace] if every key in the range is present.
func (t *Tree) Hole(first, last Key) (Key, error) {
	var c Cursor
	hole := first
	for {
		err := t.Next(first, last, &c)
		if err == ErrNotFound {
			break
		}
		if err != nil {
			c.Release()
			return Key{}, err
		}
		if hole.Cmp(c.Key) < 0 {
			break
		}
		hole = c.Key.Inc()
	}
	c.Release()

	if hole.Cmp(last) <= 0 {
		return hole, nil
	}
	return Key{}, ErrNoSpace
}
