// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crabtree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crabtree.dev/crabtree/internal/pmem"
)

// txnCache is the subset of a concrete cache implementation the test
// suite drives directly: BeginTxn stamps a fresh dirty seq, and Freed
// lets a test assert a blkno was actually returned to the allocator
// (spec.md §8 property #4).
type txnCache interface {
	Cache
	BeginTxn() uint64
	Freed(blkno uint64) bool
}

func newMemTestCache(blockSize int) txnCache {
	return NewMemCache(blockSize)
}

func newPMemTestCache(t *testing.T, blockSize int) txnCache {
	t.Helper()
	mem, err := pmem.Create("crabtree-test", pmem.DevNull(), pmem.DevNull(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Release() })
	return NewPMemCache(mem, blockSize, nil)
}

// testImpls runs run once per [Cache] implementation this module ships,
// mirroring the teacher's own impl=mem/impl=disk split in tree_test.go.
func testImpls(t *testing.T, blockSize int, run func(t *testing.T, cache txnCache)) {
	t.Run("impl=mem", func(t *testing.T) { run(t, newMemTestCache(blockSize)) })
	t.Run("impl=pmem", func(t *testing.T) { run(t, newPMemTestCache(t, blockSize)) })
}

func newTestTree(t *testing.T, cache txnCache) *Tree {
	t.Helper()
	tree, err := New(Options{Cache: cache, Root: NewRootHolder()})
	require.NoError(t, err)
	return tree
}

// Scenario 1: small sequential insert, then a full range scan.
func TestScenarioSequentialInsertAndNext(t *testing.T) {
	testImpls(t, 4096, func(t *testing.T, cache txnCache) {
		tree := newTestTree(t, cache)
		cache.BeginTxn()

		vals := []string{"aaaa", "bbbb", "cccc"}
		for i, v := range vals {
			var c Cursor
			require.NoError(t, tree.Insert(keyN(i+1), len(v), &c))
			copy(c.Val, v)
			c.Release()
		}

		var c Cursor
		var got []string
		for {
			err := tree.Next(keyN(0), MaxKey, &c)
			if err == ErrNotFound {
				break
			}
			require.NoError(t, err)
			got = append(got, fmt.Sprintf("(%d,%s)", c.Key.Uint64(), c.Val))
		}
		assert.Equal(t, []string{"(1,aaaa)", "(2,bbbb)", "(3,cccc)"}, got)
		assert.Equal(t, uint32(1), tree.Height())
	})
}

// Scenario 2: overflow one leaf and verify the tree grows to height 2
// with keys split roughly in half. Keys are inserted one at a time,
// stopping the instant the tree grows past height 1, so the leaf has
// overflowed exactly once (spec.md §8 scenario 2's "smallest count that
// overflows one leaf") regardless of the exact per-item record size.
func TestScenarioOverflowOneLeaf(t *testing.T) {
	testImpls(t, 4096, func(t *testing.T, cache txnCache) {
		tree := newTestTree(t, cache)
		cache.BeginTxn()

		n := 0
		for tree.Height() < 2 {
			n++
			var c Cursor
			require.NoError(t, tree.Insert(keyN(n), 4, &c))
			copy(c.Val, "aaaa")
			c.Release()
		}
		require.Equal(t, uint32(2), tree.Height())
		require.Greater(t, n, 1)

		for i := 1; i <= n; i++ {
			var c Cursor
			require.NoError(t, tree.Lookup(keyN(i), &c))
			c.Release()
		}

		ref, ok := tree.rootRef()
		require.True(t, ok)
		root, err := cache.ReadRef(ref)
		require.NoError(t, err)
		require.Equal(t, 2, root.blk.nrItems(), "exactly one split happened")

		leftGreatest := root.blk.posItem(0).key().Uint64()
		assert.InDelta(t, n/2, leftGreatest, float64(n)/4+1, "left child splits roughly in half")
		assert.Equal(t, MaxKey, root.blk.posItem(1).key(), "rightmost item keeps the spine's MaxKey")

		rightRef := root.blk.posItem(1).blockRef()
		right, err := cache.ReadRef(rightRef)
		require.NoError(t, err)
		assert.Equal(t, keyN(n), right.blk.greatestKey(), "right leaf holds the largest inserted key")
		cache.Put(right)
		cache.Put(root)
	})
}

// Scenario 3: delete evens, then odds, down to an empty tree, and
// verify the tree's first leaf block is returned to the allocator
// (spec.md §8 property #4) and the tree shrinks back to height 0.
func TestScenarioDeleteMergeAndShrink(t *testing.T) {
	testImpls(t, 4096, func(t *testing.T, cache txnCache) {
		tree := newTestTree(t, cache)
		cache.BeginTxn()

		const n = 400
		for i := 1; i <= n; i++ {
			var c Cursor
			require.NoError(t, tree.Insert(keyN(i), 4, &c))
			copy(c.Val, "aaaa")
			c.Release()
		}
		require.Equal(t, uint32(2), tree.Height())
		firstBlkno := uint64(1) // the tree's very first leaf, allocated before any split

		cache.BeginTxn()
		for i := 2; i <= n; i += 2 {
			require.NoError(t, tree.Delete(keyN(i)))
		}
		require.NotEqual(t, uint32(0), tree.Height(), "half the keys remain")

		for i := 1; i <= n; i += 2 {
			require.NoError(t, tree.Delete(keyN(i)))
		}

		assert.Equal(t, uint32(0), tree.Height(), "deleting every key shrinks the tree back to empty")
		assert.True(t, cache.Freed(firstBlkno), "the original leaf block must be returned to the allocator")

		var c Cursor
		err := tree.Next(keyN(0), MaxKey, &c)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// Regression for a merge-driven shrink that collapsed a non-root
// ancestor into the root: build a tree at least 3 levels deep (using a
// tiny block size so fan-out stays low and height grows fast), then
// delete every other key so that leaf merges cascade into internal
// nodes well below the root. Every surviving key must still be
// reachable and the full range scan must yield exactly the survivors,
// in order — if a non-root internal node were ever mistaken for the
// root and collapsed into, the tree would lose or misroute the subtree
// under whichever ancestor got freed.
func TestScenarioDeepMergeDoesNotCorruptNonRootAncestors(t *testing.T) {
	testImpls(t, 128, func(t *testing.T, cache txnCache) {
		tree := newTestTree(t, cache)
		cache.BeginTxn()

		n := 0
		for tree.Height() < 3 {
			n++
			var c Cursor
			require.NoError(t, tree.Insert(keyN(n), 4, &c))
			copy(c.Val, "aaaa")
			c.Release()
		}
		// pad a bit past the threshold so deletion has real width to work with
		for i := 0; i < n/2; i++ {
			n++
			var c Cursor
			require.NoError(t, tree.Insert(keyN(n), 4, &c))
			copy(c.Val, "aaaa")
			c.Release()
		}
		require.GreaterOrEqual(t, tree.Height(), uint32(3))

		cache.BeginTxn()
		for i := 2; i <= n; i += 2 {
			require.NoError(t, tree.Delete(keyN(i)))
		}
		require.NotEqual(t, uint32(0), tree.Height(), "odd keys remain")

		for i := 1; i <= n; i += 2 {
			var c Cursor
			require.NoError(t, tree.Lookup(keyN(i), &c), "surviving key %d must still be reachable", i)
			assert.Equal(t, []byte("aaaa"), c.Val)
			c.Release()
		}
		for i := 2; i <= n; i += 2 {
			var c Cursor
			err := tree.Lookup(keyN(i), &c)
			assert.ErrorIs(t, err, ErrNotFound, "deleted key %d must not resurface", i)
		}

		var c Cursor
		var got []uint64
		for {
			err := tree.Next(keyN(0), MaxKey, &c)
			if err == ErrNotFound {
				break
			}
			require.NoError(t, err)
			got = append(got, c.Key.Uint64())
		}
		var want []uint64
		for i := 1; i <= n; i += 2 {
			want = append(want, uint64(i))
		}
		assert.Equal(t, want, got, "range scan must see exactly the surviving odd keys, in order")
	})
}

// Scenario 4: dirty+update within a transaction stamps the leaf with
// the transaction's seq.
func TestScenarioDirtyThenUpdate(t *testing.T) {
	testImpls(t, 4096, func(t *testing.T, cache txnCache) {
		tree := newTestTree(t, cache)
		cache.BeginTxn()

		var ins Cursor
		require.NoError(t, tree.Insert(keyN(42), 32, &ins))
		copy(ins.Val, "orig")
		ins.Release()

		txnSeq := cache.BeginTxn()
		require.NoError(t, tree.Dirty(keyN(42)))

		var lookup Cursor
		err := tree.Lookup(keyN(1000), &lookup)
		assert.ErrorIs(t, err, ErrNotFound, "interleaved unrelated read")

		var upd Cursor
		require.NoError(t, tree.Update(keyN(42), &upd))
		val := make([]byte, 32)
		copy(val, "a new thirty-two byte value....")
		copy(upd.Val, val)
		leafSeq := upd.Seq
		upd.Release()

		assert.Equal(t, txnSeq, leafSeq)

		var c Cursor
		require.NoError(t, tree.Lookup(keyN(42), &c))
		assert.Equal(t, val, c.Val)
		c.Release()
	})
}

// advanceSeqTo calls BeginTxn until the cache's dirty seq reaches
// target, which BeginTxn always hits exactly since it increments by 1.
func advanceSeqTo(cache txnCache, target uint64) uint64 {
	var s uint64
	for s < target {
		s = cache.BeginTxn()
	}
	return s
}

// Scenario 5: seq-filtered Since with two different floors.
func TestScenarioSinceFloors(t *testing.T) {
	testImpls(t, 8192, func(t *testing.T, cache txnCache) {
		tree := newTestTree(t, cache)

		advanceSeqTo(cache, 10)
		for i := 1; i <= 100; i++ {
			var c Cursor
			require.NoError(t, tree.Insert(keyN(i), 4, &c))
			copy(c.Val, "aaaa")
			c.Release()
		}

		advanceSeqTo(cache, 20)
		require.NoError(t, tree.Delete(keyN(50)))
		var ins Cursor
		require.NoError(t, tree.Insert(keyN(50), 4, &ins))
		copy(ins.Val, "bbbb")
		ins.Release()

		var c Cursor
		var since15 []uint64
		for {
			err := tree.Since(keyN(1), keyN(100), 15, &c)
			if err == ErrNotFound {
				break
			}
			require.NoError(t, err)
			since15 = append(since15, c.Key.Uint64())
		}
		assert.Equal(t, []uint64{50}, since15)

		var since5 []uint64
		for {
			err := tree.Since(keyN(1), keyN(100), 5, &c)
			if err == ErrNotFound {
				break
			}
			require.NoError(t, err)
			since5 = append(since5, c.Key.Uint64())
		}
		assert.Len(t, since5, 100)
	})
}

// Scenario 6: hole-finding with and without gaps.
func TestScenarioHole(t *testing.T) {
	testImpls(t, 4096, func(t *testing.T, cache txnCache) {
		tree := newTestTree(t, cache)
		cache.BeginTxn()

		for _, k := range []int{1, 2, 4, 5} {
			var c Cursor
			require.NoError(t, tree.Insert(keyN(k), 4, &c))
			copy(c.Val, "aaaa")
			c.Release()
		}
		hole, err := tree.Hole(keyN(1), keyN(5))
		require.NoError(t, err)
		assert.Equal(t, keyN(3), hole)

		var c Cursor
		require.NoError(t, tree.Insert(keyN(3), 4, &c))
		copy(c.Val, "aaaa")
		c.Release()

		_, err = tree.Hole(keyN(1), keyN(5))
		assert.ErrorIs(t, err, ErrNoSpace)
	})
}

// Round-trip and idempotence laws (spec.md §8).
func TestRoundTripLaws(t *testing.T) {
	testImpls(t, 4096, func(t *testing.T, cache txnCache) {
		tree := newTestTree(t, cache)
		cache.BeginTxn()

		var c Cursor
		require.NoError(t, tree.Insert(keyN(7), 4, &c))
		copy(c.Val, "aaaa")
		c.Release()

		require.NoError(t, tree.Lookup(keyN(7), &c))
		assert.Equal(t, []byte("aaaa"), c.Val)
		c.Release()

		require.NoError(t, tree.Delete(keyN(7)))
		err := tree.Lookup(keyN(7), &c)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, tree.Insert(keyN(8), 4, &c))
		copy(c.Val, "bbbb")
		c.Release()
		err = tree.Insert(keyN(8), 4, &c)
		assert.ErrorIs(t, err, ErrExists)

		require.NoError(t, tree.Lookup(keyN(8), &c))
		assert.Equal(t, []byte("bbbb"), c.Val)
		c.Release()
	})
}

func TestInsertRejectsOversizeValue(t *testing.T) {
	testImpls(t, 256, func(t *testing.T, cache txnCache) {
		tree := newTestTree(t, cache)
		cache.BeginTxn()

		var c Cursor
		err := tree.Insert(keyN(1), 1000, &c)
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

// A value of exactly MaxValLen bytes must be insertable into an empty
// block, per MaxValLen's own godoc; one byte more must not.
func TestInsertAcceptsExactMaxValLen(t *testing.T) {
	testImpls(t, 256, func(t *testing.T, cache txnCache) {
		tree := newTestTree(t, cache)
		cache.BeginTxn()

		max := MaxValLen(tree.BlockSize())

		var c Cursor
		require.NoError(t, tree.Insert(keyN(1), max, &c))
		want := make([]byte, max)
		for i := range want {
			want[i] = byte(i)
		}
		copy(c.Val, want)
		c.Release()

		var lookup Cursor
		require.NoError(t, tree.Lookup(keyN(1), &lookup))
		assert.Equal(t, want, lookup.Val)
		lookup.Release()

		var c2 Cursor
		err := tree.Insert(keyN(2), max+1, &c2)
		assert.ErrorIs(t, err, ErrInvalid)
	})
}
