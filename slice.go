package bops

import (
	"bytes"
	"encoding/binary"
	"sync"

	"tlog.app/go/errors"
)

/*
	Header block layout (block 0, the real superblock)

	00: bops<VVV>\n // VVV - Version
	08: page size
	10: root block
	18: delete queue block
*/

const (
	hdrMagicOff    = 0x00
	hdrPageOff     = 0x08
	hdrRootOff     = 0x10
	hdrDelQueueOff = 0x18
)

const ( // metric keys
	mSbRead       = "superblock.read"
	mSbWrite      = "superblock.write"
	mResolveRead  = "resolve.read"
	mResolveWrite = "resolve.write"
	mFound        = "resolve.found"
	mAbsent       = "resolve.absent"
)

type (
	// Slice is the per-tree handle: the cache holding the tree's blocks,
	// the node layout and the block id of the tree's superblock.
	Slice struct {
		c  *Cache
		l  NodeLayout
		sb BlockID

		mu    sync.Mutex
		stats map[string]int64
	}
)

func hdrMagic() []byte { return []byte("bops" + Version + "\n") }

// NewSlice opens the tree stored in the cache, initializing an empty one
// if the backing storage is fresh.
func NewSlice(c *Cache, l NodeLayout) (_ *Slice, err error) {
	if l == nil {
		l = NewKVNode(c.page)
	}

	sl := &Slice{
		c:     c,
		l:     l,
		sb:    0,
		stats: make(map[string]int64),
	}

	if c.b.Size() == 0 {
		err = sl.initEmpty()
	} else {
		err = sl.initExisting()
	}
	if err != nil {
		return nil, err
	}

	return sl, nil
}

func (sl *Slice) initEmpty() (err error) {
	tx := sl.c.BeginWrite(1, 0, NoToken)

	buf, err := tx.Alloc()
	if err != nil {
		tx.Abort()
		return errors.Wrap(err, "alloc superblock")
	}

	if buf.ID() != sl.sb {
		panic(buf.ID())
	}

	none := NilBlock

	p := buf.Data()
	copy(p[hdrMagicOff:], hdrMagic())
	binary.BigEndian.PutUint64(p[hdrPageOff:], uint64(sl.c.page))
	binary.BigEndian.PutUint64(p[hdrRootOff:], uint64(none))
	binary.BigEndian.PutUint64(p[hdrDelQueueOff:], uint64(none))
	buf.SetDirty()

	buf.Release()

	err = tx.Commit()
	if err != nil {
		return errors.Wrap(err, "commit superblock")
	}

	return nil
}

func (sl *Slice) initExisting() (err error) {
	tx := sl.c.Begin(NoToken)
	defer tx.Done()

	buf, err := tx.AcquireInPlace(sl.sb, ReadAccess)
	if err != nil {
		return errors.Wrap(err, "superblock")
	}
	defer buf.Release()

	p := buf.Data()

	if !bytes.Equal(p[hdrMagicOff:hdrMagicOff+8], hdrMagic()) {
		return ErrFileFormat
	}
	if page := int64(binary.BigEndian.Uint64(p[hdrPageOff:])); page != sl.c.page {
		return errors.Wrap(ErrFileFormat, "page size %x, file has %x", sl.c.page, page)
	}

	return nil
}

// ReadHeaderPageSize reads the page size out of an existing file so the
// cache can be sized before opening it.
func ReadHeaderPageSize(b Back) (page int64, err error) {
	if b.Size() < 0x20 {
		return 0, ErrFileFormat
	}

	b.Access(0, 0x20, func(p []byte) {
		if !bytes.Equal(p[hdrMagicOff:hdrMagicOff+8], hdrMagic()) {
			err = ErrFileFormat
			return
		}

		page = int64(binary.BigEndian.Uint64(p[hdrPageOff:]))
	})

	return page, err
}

func (sl *Slice) Cache() *Cache { return sl.c }

// RootBlock reads the current root block id under a short read
// transaction.
func (sl *Slice) RootBlock() (_ BlockID, err error) {
	tx := sl.c.Begin(NoToken)
	defer tx.Done()

	buf, err := tx.AcquireInPlace(sl.sb, ReadAccess)
	if err != nil {
		return NilBlock, errors.Wrap(err, "superblock")
	}

	sb := NewRealSuperblock(&buf)
	root := sb.RootBlock()
	sb.Release()

	return root, nil
}

// TreeStats walks the whole tree holding one node lock at a time and
// reports its depth, number of keys and number of leaves.
func (sl *Slice) TreeStats() (depth int, keys, leaves int64, err error) {
	root, err := sl.RootBlock()
	if err != nil || root == NilBlock {
		return 0, 0, 0, err
	}

	tx := sl.c.Begin(NoToken)
	defer tx.Done()

	err = sl.treeStats(tx, root, 1, &depth, &keys, &leaves)

	return depth, keys, leaves, err
}

func (sl *Slice) treeStats(tx *Txn, id BlockID, d int, depth *int, keys, leaves *int64) (err error) {
	l := sl.l

	buf, err := tx.Acquire(id, ReadAccess)
	if err != nil {
		return errors.Wrap(err, "node %x", id)
	}

	p := buf.Data()
	n := l.NKeys(p)

	if l.IsLeaf(p) {
		if d > *depth {
			*depth = d
		}
		*keys += int64(n)
		*leaves++

		buf.Release()
		return nil
	}

	children := make([]BlockID, n)
	for i := 0; i < n; i++ {
		children[i] = l.Child(p, i)
	}

	buf.Release()

	for _, c := range children {
		err = sl.treeStats(tx, c, d+1, depth, keys, leaves)
		if err != nil {
			return err
		}
	}

	return nil
}

func (sl *Slice) Layout() NodeLayout { return sl.l }

func (sl *Slice) metric(k string, v int64) {
	defer sl.mu.Unlock()
	sl.mu.Lock()

	sl.stats[k] += v
}

// Stats is a copy of the slice's operation counters.
func (sl *Slice) Stats() map[string]int64 {
	defer sl.mu.Unlock()
	sl.mu.Lock()

	s := make(map[string]int64, len(sl.stats))
	for k, v := range sl.stats {
		s[k] = v
	}

	return s
}
