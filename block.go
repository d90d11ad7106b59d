// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crabtree

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Block layout (spec.md §3, §4.A, §6), all integers little-endian:
//
//	blkno        u64
//	seq          u64
//	freeEnd      u16
//	freeReclaim  u16
//	nrItems      u16
//	item_offs[nrItems]  u16 each
//	... free region ...
//	items, packed from the high end of the block:
//	  key     [KeySize]byte
//	  seq     u64
//	  valLen  u16
//	  val     [valLen]byte
const (
	hdrBlkno       = 0
	hdrSeq         = 8
	hdrFreeEnd     = 16
	hdrFreeReclaim = 18
	hdrNrItems     = 20
	hdrSize        = 22

	itemKeyOff    = 0
	itemSeqOff    = KeySize
	itemValLenOff = KeySize + 8
	itemHeaderSz  = KeySize + 8 + 2 // key + seq + val_len
)

// valBytes returns the number of bytes an item record occupies given its
// value length: the item header plus the value itself.
func valBytes(valLen int) int { return itemHeaderSz + valLen }

// allValBytes returns the total footprint of an item with the given value
// length, including its slot in item_offs.
func allValBytes(valLen int) int { return 2 + valBytes(valLen) }

// MaxValLen returns the largest value length that can ever be inserted
// into a block of the given size, per spec.md §9's "unbounded val_len"
// note: callers must pre-check this rather than rely on undefined
// oversize behavior.
func MaxValLen(blockSize int) int {
	return blockSize - hdrSize - allValBytes(0)
}

// A block is an in-memory view over one fixed-size page of tree storage.
// It is not safe for concurrent use; callers serialize access with the
// per-buffer lock carried by the surrounding [blockBuf].
type block struct {
	data []byte // length is always the tree's block size
}

func (b block) size() int { return len(b.data) }

func (b block) blkno() uint64 { return binary.LittleEndian.Uint64(b.data[hdrBlkno:]) }
func (b block) setBlkno(v uint64) {
	binary.LittleEndian.PutUint64(b.data[hdrBlkno:], v)
}

func (b block) seq() uint64 { return binary.LittleEndian.Uint64(b.data[hdrSeq:]) }
func (b block) setSeq(v uint64) {
	binary.LittleEndian.PutUint64(b.data[hdrSeq:], v)
}

func (b block) freeEnd() int { return int(binary.LittleEndian.Uint16(b.data[hdrFreeEnd:])) }
func (b block) setFreeEnd(v int) {
	binary.LittleEndian.PutUint16(b.data[hdrFreeEnd:], uint16(v))
}

func (b block) freeReclaim() int { return int(binary.LittleEndian.Uint16(b.data[hdrFreeReclaim:])) }
func (b block) setFreeReclaim(v int) {
	binary.LittleEndian.PutUint16(b.data[hdrFreeReclaim:], uint16(v))
}

func (b block) nrItems() int { return int(binary.LittleEndian.Uint16(b.data[hdrNrItems:])) }
func (b block) setNrItems(v int) {
	binary.LittleEndian.PutUint16(b.data[hdrNrItems:], uint16(v))
}

// initEmpty resets b to an empty block of the given size, ready to
// receive items. It does not touch blkno or seq.
func (b block) initEmpty() {
	b.setFreeEnd(b.size())
	b.setFreeReclaim(0)
	b.setNrItems(0)
}

func (b block) offsBase() int { return hdrSize }

func (b block) offAt(pos int) int {
	off := b.offsBase() + 2*pos
	return int(binary.LittleEndian.Uint16(b.data[off:]))
}

func (b block) setOffAt(pos int, v int) {
	off := b.offsBase() + 2*pos
	binary.LittleEndian.PutUint16(b.data[off:], uint16(v))
}

// item is a view over a single item record at a known block offset.
type item struct {
	data []byte // data[0:] is the record: key, seq, valLen, val...
}

func (b block) itemAt(off int) item { return item{b.data[off:]} }
func (b block) posItem(pos int) item { return b.itemAt(b.offAt(pos)) }

func (it item) key() Key {
	var k Key
	copy(k[:], it.data[itemKeyOff:itemKeyOff+KeySize])
	return k
}

func (it item) setKey(k Key) { copy(it.data[itemKeyOff:itemKeyOff+KeySize], k[:]) }

func (it item) seq() uint64 {
	return binary.LittleEndian.Uint64(it.data[itemSeqOff:])
}

func (it item) setSeq(v uint64) {
	binary.LittleEndian.PutUint64(it.data[itemSeqOff:], v)
}

func (it item) valLen() int {
	return int(binary.LittleEndian.Uint16(it.data[itemValLenOff:]))
}

func (it item) setValLen(n int) {
	binary.LittleEndian.PutUint16(it.data[itemValLenOff:], uint16(n))
}

func (it item) val() []byte {
	n := it.valLen()
	return it.data[itemHeaderSz : itemHeaderSz+n]
}

func (it item) recordSize() int { return valBytes(it.valLen()) }

// blockRef interprets it's value as a BlockRef, for internal items.
func (it item) blockRef() BlockRef { return decodeBlockRef(it.val()) }

func (it item) setBlockRef(r BlockRef) { r.encode(it.val()) }

// contigFree returns the contiguous free region between the end of
// item_offs and the first (lowest-offset) live item.
func (b block) contigFree() int {
	return b.freeEnd() - (b.offsBase() + 2*b.nrItems())
}

// reclaimableFree is the free space available after compaction: the
// contiguous free region plus the fragmented gaps left by deletions.
func (b block) reclaimableFree() int {
	return b.contigFree() + b.freeReclaim()
}

// usedTotal is the space occupied by live item offsets, headers, and
// values (i.e. everything except the header and reclaimable free space).
func (b block) usedTotal() int {
	return b.size() - hdrSize - b.reclaimableFree()
}

// greatestKey returns the key of the last (highest-keyed) item in b.
// The block must be non-empty.
func (b block) greatestKey() Key {
	return b.posItem(b.nrItems() - 1).key()
}

// findPos performs a binary search of b's items by key, matching the
// original scoutfs find_pos: it returns the position the key occupies or
// should be inserted at. cmp is 0 on an exact match and -1 on any miss:
// key then sorts before the item at pos, or pos == nrItems when key is
// greater than every item, which the caller must check.
func (b block) findPos(key Key) (pos int, cmp int) {
	start, end := 0, b.nrItems()
	for start < end {
		mid := start + (end-start)/2
		c := key.Cmp(b.posItem(mid).key())
		switch {
		case c < 0:
			end = mid
		case c > 0:
			start = mid + 1
		default:
			return mid, 0
		}
	}
	return start, -1
}

// insertAt allocates and inserts a new item at pos with the given key,
// sequence, and value length, returning the item so the caller can write
// its value. The caller must have already ensured contigFree() >=
// allValBytes(valLen).
func (b block) insertAt(pos int, key Key, seq uint64, valLen int) item {
	n := b.nrItems()
	if pos < n {
		b.shiftOffs(pos+1, pos, n-pos)
	}
	b.setFreeEnd(b.freeEnd() - valBytes(valLen))
	b.setOffAt(pos, b.freeEnd())
	b.setNrItems(n + 1)

	it := b.posItem(pos)
	it.setKey(key)
	it.setSeq(seq)
	it.setValLen(valLen)
	return it
}

// deleteAt removes the item at pos, recording its space as reclaimable
// and zeroing the record so deleted data doesn't linger in the block.
func (b block) deleteAt(pos int) {
	it := b.posItem(pos)
	sz := it.recordSize()
	n := b.nrItems()
	if pos < n-1 {
		b.shiftOffs(pos, pos+1, n-1-pos)
	}
	b.setFreeReclaim(b.freeReclaim() + sz)
	b.setNrItems(n - 1)
	clear(it.data[:sz])
}

// shiftOffs moves nr item_offs entries from src to dst (dst and src may
// overlap; copy handles that correctly for both insert's right-shift and
// delete's left-shift).
func (b block) shiftOffs(dst, src, nr int) {
	base := b.offsBase()
	d := b.data[base+2*dst : base+2*(dst+nr)]
	s := b.data[base+2*src : base+2*(src+nr)]
	copy(d, s)
}

// compact packs all live items against the high end of the block, keeping
// their existing relative order by offset, eliminating fragmentation
// recorded in freeReclaim. It is the Go
// analogue of scoutfs compact_items: instead of sorting item_offs in
// place by masking a pointer back to the containing block (not expressible
// safely in Go), it sorts a slice of positions with a closure comparator
// bound to b, then rewrites item_offs from the sorted result.
func (b block) compact() {
	n := b.nrItems()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	// Walk items from the highest offset down, repacking each against
	// the current high-water mark, matching scoutfs's descending pass.
	sort.Slice(order, func(i, j int) bool {
		return b.offAt(order[i]) > b.offAt(order[j])
	})

	end := b.size()
	newOff := make([]int, n)
	for _, pos := range order {
		off := b.offAt(pos)
		it := b.itemAt(off)
		sz := it.recordSize()
		end -= sz
		if off != end {
			copy(b.data[end:end+sz], b.data[off:off+sz])
		}
		newOff[pos] = end
	}
	for pos, off := range newOff {
		b.setOffAt(pos, off)
	}
	b.setFreeEnd(end)
	b.setFreeReclaim(0)
}

// direction selects which end of the source block moveItems draws from.
type direction int

const (
	// moveLeft takes items from the head of src and appends them to dst.
	moveLeft direction = iota
	// moveRight takes items from the tail of src and prepends them to dst.
	moveRight
)

// moveItems transfers items between dst and src until budget bytes (of
// total record+slot size) have moved or src is empty. The caller must
// have ensured dst has enough contigFree for the move (compacting first
// if necessary); moveItems does not compact.
func moveItems(dst, src block, dir direction, budget int) {
	var f, t int
	if dir == moveRight {
		f = src.nrItems() - 1
		t = 0
	} else {
		f = 0
		t = dst.nrItems()
	}

	for f >= 0 && f < src.nrItems() && budget > 0 {
		from := src.posItem(f)
		key := from.key()
		valLen := from.valLen()
		seq := from.seq()

		to := dst.insertAt(t, key, seq, valLen)
		copy(to.val(), from.val())
		budget -= allValBytes(valLen)

		src.deleteAt(f)
		if dir == moveRight {
			f--
		} else {
			t++
		}
	}
}

func (b block) String() string {
	return fmt.Sprintf("block{blkno=%d seq=%d nrItems=%d freeEnd=%d freeReclaim=%d}",
		b.blkno(), b.seq(), b.nrItems(), b.freeEnd(), b.freeReclaim())
}
