package bops

import (
	"bytes"
	"encoding/binary"
	"sort"
)

type (
	// NodeLayout decides, given a block's raw content, whether it is a
	// branch or a leaf and performs all byte-level node operations. The
	// resolution and apply code in ops.go never touches node bytes
	// directly.
	NodeLayout interface {
		InitLeaf(p []byte)
		InitBranch(p []byte)
		IsLeaf(p []byte) bool
		NKeys(p []byte) int

		Search(p, k []byte) (i int, eq bool)
		Key(p []byte, i int, buf []byte) []byte

		// branch nodes
		Route(p, k []byte) int
		Child(p []byte, i int) BlockID
		SetChild(p []byte, i int, id BlockID)
		InsertLink(p []byte, i int, k []byte, id BlockID) error

		// leaf nodes
		Value(p []byte, i int, buf []byte) []byte
		Insert(p []byte, i int, k, v []byte) error

		Delete(p []byte, i int)

		Free(p []byte) int
		Underfull(p []byte) bool
		Split(p, right []byte) error
		Merge(p, right []byte) error

		MaxKeyLen() int
		WorstLeafInsert(s ValueSizer) int
		WorstLinkInsert() int
	}

	KVNode struct { // header [16]byte, offsets [nkeys]int16, cells from the page end down
		page int64
	}
)

/*
	Node page layout

	00: reserved for crc32
	04: branch bit (0x80) | nkeys high
	05: nkeys low
	06: data start offset (cells grow down from the page end)
	08: reserved

	Leaf cell:   klen byte | vlen uint16 | key | value
	Branch cell: klen byte | child int64 | key

	The offsets index is sorted by key. A branch link's key is the
	greatest key of the child's subtree; routing picks the first link
	with key >= target, the last link absorbs everything greater.
*/

const nodeHdr = 0x10

func NewKVNode(page int64) *KVNode {
	if page&(page-1) != 0 || page < 0x40 || page > 0x8000 {
		panic(page)
	}

	return &KVNode{page: page}
}

var _ NodeLayout = &KVNode{}

func (n *KVNode) isbranch(p []byte) bool { return p[4]&0x80 != 0 }

func (n *KVNode) nkeys(p []byte) int { return int(p[4])&^0x80<<8 | int(p[5]) }

func (n *KVNode) setnkeys(p []byte, v int) {
	p[4] = p[4]&0x80 | byte(v>>8&^0x80)
	p[5] = byte(v)
}

func (n *KVNode) dataStart(p []byte) int { return int(binary.BigEndian.Uint16(p[6:])) }

func (n *KVNode) setDataStart(p []byte, v int) { binary.BigEndian.PutUint16(p[6:], uint16(v)) }

func (n *KVNode) offget(p []byte, i int) int {
	return int(binary.BigEndian.Uint16(p[nodeHdr+2*i:]))
}

func (n *KVNode) offput(p []byte, i, off int) {
	binary.BigEndian.PutUint16(p[nodeHdr+2*i:], uint16(off))
}

func (n *KVNode) init(p []byte, branch bool) {
	if int64(len(p)) != n.page {
		panic(len(p))
	}

	for i := 0; i < nodeHdr; i++ {
		p[i] = 0
	}
	if branch {
		p[4] = 0x80
	}
	n.setDataStart(p, len(p))
}

func (n *KVNode) InitLeaf(p []byte) { n.init(p, false) }

func (n *KVNode) InitBranch(p []byte) { n.init(p, true) }

func (n *KVNode) IsLeaf(p []byte) bool { return !n.isbranch(p) }

func (n *KVNode) NKeys(p []byte) int { return n.nkeys(p) }

func (n *KVNode) keyat(p []byte, i int) []byte {
	off := n.offget(p, i)
	kl := int(p[off])
	st := off + 1 + 2
	if n.isbranch(p) {
		st = off + 1 + 8
	}
	return p[st : st+kl]
}

func (n *KVNode) cellsize(p []byte, i int) int {
	off := n.offget(p, i)
	kl := int(p[off])
	if n.isbranch(p) {
		return 1 + 8 + kl
	}
	vl := int(binary.BigEndian.Uint16(p[off+1:]))
	return 1 + 2 + kl + vl
}

func (n *KVNode) Search(p, k []byte) (i int, eq bool) {
	nk := n.nkeys(p)

	i = sort.Search(nk, func(i int) bool {
		return bytes.Compare(n.keyat(p, i), k) >= 0
	})

	eq = i < nk && bytes.Equal(n.keyat(p, i), k)

	return i, eq
}

func (n *KVNode) Key(p []byte, i int, buf []byte) []byte {
	return append(buf, n.keyat(p, i)...)
}

func (n *KVNode) Value(p []byte, i int, buf []byte) []byte {
	if n.isbranch(p) {
		panic("value of a branch node")
	}

	off := n.offget(p, i)
	kl := int(p[off])
	vl := int(binary.BigEndian.Uint16(p[off+1:]))

	return append(buf, p[off+3+kl:off+3+kl+vl]...)
}

// Route returns the index of the child whose range covers k. Every key
// is covered by exactly one child: the first link with key >= k, or the
// last link if k is greater than all of them.
func (n *KVNode) Route(p, k []byte) int {
	if !n.isbranch(p) {
		panic("routing through a leaf")
	}

	nk := n.nkeys(p)
	if nk == 0 {
		panic("routing through an empty branch")
	}

	i, _ := n.Search(p, k)
	if i == nk {
		i = nk - 1
	}

	return i
}

func (n *KVNode) Child(p []byte, i int) BlockID {
	if !n.isbranch(p) {
		panic("child of a leaf node")
	}

	off := n.offget(p, i)

	return BlockID(binary.BigEndian.Uint64(p[off+1:]))
}

func (n *KVNode) SetChild(p []byte, i int, id BlockID) {
	if !n.isbranch(p) {
		panic("child of a leaf node")
	}

	off := n.offget(p, i)

	binary.BigEndian.PutUint64(p[off+1:], uint64(id))
}

func (n *KVNode) InsertLink(p []byte, i int, k []byte, id BlockID) error {
	if !n.isbranch(p) {
		panic("link into a leaf node")
	}

	var cell [1 + 8]byte
	cell[0] = byte(len(k))
	binary.BigEndian.PutUint64(cell[1:], uint64(id))

	return n.insert(p, i, cell[:], k, nil)
}

func (n *KVNode) Insert(p []byte, i int, k, v []byte) error {
	if n.isbranch(p) {
		panic("kv into a branch node")
	}

	var cell [1 + 2]byte
	cell[0] = byte(len(k))
	binary.BigEndian.PutUint16(cell[1:], uint16(len(v)))

	return n.insert(p, i, cell[:], k, v)
}

func (n *KVNode) insert(p []byte, i int, hdr, k, v []byte) error {
	if len(k) > n.MaxKeyLen() {
		return ErrKeyTooLong
	}

	size := len(hdr) + len(k) + len(v)
	nk := n.nkeys(p)

	if n.free(p) < size+2 {
		if n.Free(p) < size+2 {
			return ErrPageFull
		}
		n.compact(p)
	}

	st := n.dataStart(p) - size
	copy(p[st:], hdr)
	copy(p[st+len(hdr):], k)
	copy(p[st+len(hdr)+len(k):], v)
	n.setDataStart(p, st)

	copy(p[nodeHdr+2*(i+1):], p[nodeHdr+2*i:nodeHdr+2*nk])
	n.offput(p, i, st)
	n.setnkeys(p, nk+1)

	return nil
}

func (n *KVNode) Delete(p []byte, i int) {
	nk := n.nkeys(p)

	copy(p[nodeHdr+2*i:], p[nodeHdr+2*(i+1):nodeHdr+2*nk])
	n.setnkeys(p, nk-1)

	// the cell bytes stay as garbage until the next compaction
}

// free is the gap between the offsets index and the cell area, not
// counting garbage cells.
func (n *KVNode) free(p []byte) int {
	return n.dataStart(p) - nodeHdr - 2*n.nkeys(p)
}

// Free is the space an insert could use after compaction.
func (n *KVNode) Free(p []byte) int {
	return len(p) - nodeHdr - n.used(p)
}

func (n *KVNode) used(p []byte) (s int) {
	nk := n.nkeys(p)
	s = 2 * nk
	for i := 0; i < nk; i++ {
		s += n.cellsize(p, i)
	}
	return s
}

func (n *KVNode) Underfull(p []byte) bool {
	return n.used(p) < (len(p)-nodeHdr)/4
}

func (n *KVNode) compact(p []byte) {
	nk := n.nkeys(p)
	b := make([]byte, len(p))

	st := len(p)
	for i := 0; i < nk; i++ {
		size := n.cellsize(p, i)
		st -= size
		copy(b[st:], p[n.offget(p, i):n.offget(p, i)+size])
		n.offput(p, i, st)
	}

	copy(p[st:], b[st:])
	n.setDataStart(p, st)
}

// Split moves the upper half of p into right. right must be a fresh
// page of the same size.
func (n *KVNode) Split(p, right []byte) error {
	nk := n.nkeys(p)
	if nk < 2 {
		return ErrPageFull // cannot split a near-empty page any further
	}

	n.init(right, n.isbranch(p))

	m := nk / 2

	for i := m; i < nk; i++ {
		off := n.offget(p, i)
		size := n.cellsize(p, i)

		st := n.dataStart(right) - size
		copy(right[st:], p[off:off+size])
		n.setDataStart(right, st)
		n.offput(right, i-m, st)
	}
	n.setnkeys(right, nk-m)

	n.setnkeys(p, m)
	n.compact(p)

	return nil
}

// Merge appends every cell of right into p. The keys of right are all
// greater than the keys of p.
func (n *KVNode) Merge(p, right []byte) error {
	nk := n.nkeys(right)

	need := 0
	for i := 0; i < nk; i++ {
		need += n.cellsize(right, i) + 2
	}
	if n.Free(p) < need {
		return ErrPageFull
	}

	for i := 0; i < nk; i++ {
		off := n.offget(right, i)
		size := n.cellsize(right, i)

		var err error
		if n.isbranch(p) {
			kl := int(right[off])
			err = n.insert(p, n.nkeys(p), right[off:off+1+8], right[off+1+8:off+1+8+kl], nil)
		} else {
			kl := int(right[off])
			vl := size - 3 - kl
			err = n.insert(p, n.nkeys(p), right[off:off+3], right[off+3:off+3+kl], right[off+3+kl:off+3+kl+vl])
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (n *KVNode) MaxKeyLen() int {
	if m := int(n.page) / 8; m < 0xff {
		return m
	}
	return 0xff
}

func (n *KVNode) WorstLeafInsert(s ValueSizer) int {
	return 2 + 1 + 2 + n.MaxKeyLen() + s.MaxSize()
}

func (n *KVNode) WorstLinkInsert() int {
	return 2 + 1 + 8 + n.MaxKeyLen()
}
