// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crabtree

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
)

// KeySize is the fixed width, in bytes, of every [Key] stored in a tree.
const KeySize = 16

// A Key is an opaque, fixed-width, totally ordered value used to sort
// items in a tree. Keys compare as big-endian byte strings, so callers
// that want integer ordering should pack integers big-endian into the
// key (see [Uint64Key]).
type Key [KeySize]byte

// MaxKey compares greater than every other [Key]. The rightmost item at
// every internal level of a tree has MaxKey as its key, so that inserts
// past the current maximum never require updating a parent key.
var MaxKey = func() Key {
	var k Key
	for i := range k {
		k[i] = 0xff
	}
	return k
}()

// Uint64Key packs n into the low 8 bytes of a [Key], leaving the
// remaining high-order bytes zero. Keys built this way sort the same as
// the integers they encode.
func Uint64Key(n uint64) Key {
	var k Key
	binary.BigEndian.PutUint64(k[KeySize-8:], n)
	return k
}

// Uint64 unpacks the low 8 bytes of k as a big-endian integer. It is the
// inverse of [Uint64Key] and is meaningless for keys not built that way.
func (k Key) Uint64() uint64 {
	return binary.BigEndian.Uint64(k[KeySize-8:])
}

// Cmp returns -1, 0, or +1 as k is less than, equal to, or greater than k2.
func (k Key) Cmp(k2 Key) int {
	return bytes.Compare(k[:], k2[:])
}

// Inc returns the successor of k: the smallest key greater than k.
// Inc of [MaxKey] returns MaxKey unchanged, since there is no greater key;
// callers that walk ranges must stop at MaxKey rather than rely on Inc to
// signal overflow.
func (k Key) Inc() Key {
	if k == MaxKey {
		return k
	}
	inc := k
	for i := len(inc) - 1; i >= 0; i-- {
		inc[i]++
		if inc[i] != 0 {
			break
		}
	}
	return inc
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// A BlockRef identifies a child block and the dirty sequence it had the
// last time its contents were written. Internal items store a BlockRef
// as their value; leaf items store a user value instead.
type BlockRef struct {
	Blkno uint64
	Seq   uint64
}

// blockRefSize is the on-disk size of a BlockRef: two little-endian u64s.
const blockRefSize = 16

func (r BlockRef) encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], r.Blkno)
	binary.LittleEndian.PutUint64(b[8:16], r.Seq)
}

func decodeBlockRef(b []byte) BlockRef {
	return BlockRef{
		Blkno: binary.LittleEndian.Uint64(b[0:8]),
		Seq:   binary.LittleEndian.Uint64(b[8:16]),
	}
}

// IsZero reports whether r is the zero BlockRef, used to represent an
// absent root.
func (r BlockRef) IsZero() bool {
	return r.Blkno == 0 && r.Seq == 0
}
