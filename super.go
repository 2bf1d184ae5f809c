package bops

import (
	"encoding/binary"

	"tlog.app/go/errors"
)

type (
	// Superblock is the tree's root-pointer holder, the starting point
	// of every operation. Two implementations exist: RealSuperblock over
	// an actual locked block and VirtualSuperblock for trees nested
	// inside another structure's value.
	Superblock interface {
		// Release gives the lock up if any is held. Idempotent.
		Release()
		// SwapBuf exchanges the backing block lock with swapee. A
		// virtual superblock swaps in an empty lock.
		SwapBuf(swapee *BufLock)
		RootBlock() BlockID
		SetRootBlock(id BlockID)
		DeleteQueueBlock() BlockID
	}

	RealSuperblock struct {
		buf BufLock
	}

	// VirtualSuperblock is an in-memory superblock stand-in for a tree
	// nested inside some super value. After write operations finish, the
	// caller must check RootBlock and, if it changed, store the new id
	// back into the enclosing value.
	VirtualSuperblock struct {
		root BlockID
	}

	// GotSuperblock pairs the transaction with an exclusively owned
	// superblock. Only the acquiring operation may mutate or release the
	// superblock.
	GotSuperblock struct {
		Txn    *Txn
		Sb     Superblock
		Layout NodeLayout
	}
)

var (
	_ Superblock = &RealSuperblock{}
	_ Superblock = &VirtualSuperblock{}
)

// NewRealSuperblock takes ownership of the superblock's block lock.
func NewRealSuperblock(buf *BufLock) *RealSuperblock {
	sb := &RealSuperblock{}
	sb.buf.Swap(buf)

	return sb
}

func (sb *RealSuperblock) Release() { sb.buf.Release() }

func (sb *RealSuperblock) SwapBuf(swapee *BufLock) { sb.buf.Swap(swapee) }

func (sb *RealSuperblock) RootBlock() BlockID {
	return BlockID(binary.BigEndian.Uint64(sb.buf.Data()[hdrRootOff:]))
}

func (sb *RealSuperblock) SetRootBlock(id BlockID) {
	binary.BigEndian.PutUint64(sb.buf.Data()[hdrRootOff:], uint64(id))
	sb.buf.SetDirty()

	if tl.V("super") != nil {
		tl.Printf("super root %3x", id)
	}
}

func (sb *RealSuperblock) DeleteQueueBlock() BlockID {
	return BlockID(binary.BigEndian.Uint64(sb.buf.Data()[hdrDelQueueOff:]))
}

func NewVirtualSuperblock(root BlockID) *VirtualSuperblock {
	return &VirtualSuperblock{root: root}
}

func (sb *VirtualSuperblock) Release() {}

func (sb *VirtualSuperblock) SwapBuf(swapee *BufLock) {
	// there is nothing to hand over, the swapee gets an empty lock
	var tmp BufLock
	tmp.Swap(swapee)
	tmp.Release()
}

func (sb *VirtualSuperblock) RootBlock() BlockID { return sb.root }

func (sb *VirtualSuperblock) SetRootBlock(id BlockID) { sb.root = id }

func (sb *VirtualSuperblock) DeleteQueueBlock() BlockID { return NilBlock }

// AcquireSuperblockForRead obtains a read transaction ordered by token
// and a read-locked superblock.
func (sl *Slice) AcquireSuperblockForRead(token OrderToken) (g GotSuperblock, err error) {
	tx := sl.c.Begin(token)

	buf, err := tx.AcquireInPlace(sl.sb, ReadAccess)
	if err != nil {
		tx.Done()
		return g, errors.Wrap(err, "superblock")
	}

	sl.metric(mSbRead, 1)

	return GotSuperblock{Txn: tx, Sb: NewRealSuperblock(&buf), Layout: sl.l}, nil
}

// AcquireSuperblockForWrite obtains a write transaction and a
// write-locked superblock. expectedChanges hints how many blocks the
// operation will touch; tstamp is stamped on every block it dirties.
func (sl *Slice) AcquireSuperblockForWrite(expectedChanges int, tstamp Timestamp, token OrderToken) (g GotSuperblock, err error) {
	tx := sl.c.BeginWrite(expectedChanges, tstamp, token)

	buf, err := tx.AcquireInPlace(sl.sb, WriteAccess)
	if err != nil {
		tx.Abort()
		return g, errors.Wrap(err, "superblock")
	}

	sl.metric(mSbWrite, 1)

	return GotSuperblock{Txn: tx, Sb: NewRealSuperblock(&buf), Layout: sl.l}, nil
}
