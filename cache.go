package bops

import (
	"math"
	"sync"
	"sync/atomic"

	"tlog.app/go/errors"
)

type (
	// Cache is the transactional block-locking buffer cache.
	//
	// Blocks are page-sized and identified by BlockID (block 0 is the
	// file header / superblock by convention, see slice.go). A write
	// transaction never rewrites a committed block in place: acquiring a
	// committed block under write access transparently clones it and the
	// caller gets a lock on the clone (copy-on-write). Replaced blocks
	// are retired at commit and reused once no read snapshot can still
	// reach them.
	Cache struct {
		b    Back
		page int64

		NoSync bool

		mu      sync.Mutex
		ver     int64 // last version assigned to a write txn
		safe    int64 // last committed version
		keepl   map[int64]int
		blocks  map[BlockID]*block
		nblocks BlockID
		flist   []BlockID
		retired map[int64][]BlockID
	}

	block struct {
		mu     sync.RWMutex
		ver    int64
		tstamp Timestamp
		d      []byte
	}

	// Txn is an in-flight transaction context. It is a shared handle:
	// every structure resolved within one logical operation keeps the
	// same *Txn so all block accesses are ordered and committed or
	// aborted together.
	Txn struct {
		c      *Cache
		mode   Access
		token  OrderToken
		tstamp Timestamp
		ver    int64

		dirty    map[BlockID]struct{}
		created  []BlockID
		replaced []BlockID

		nheld, maxheld int32

		done bool
	}

	// BufLock is a scoped mode-tagged hold on one cache block.
	//
	// It is a move-only resource: use Swap to transfer it, never copy a
	// held BufLock. The zero value is an empty lock. Release is
	// idempotent.
	BufLock struct {
		tx   *Txn
		blk  *block
		id   BlockID
		mode Access
		held bool
	}
)

func NewCache(b Back, page int64) (*Cache, error) {
	if page&(page-1) != 0 || page < 0x40 {
		panic(page)
	}

	c := &Cache{
		b:       b,
		page:    page,
		keepl:   make(map[int64]int),
		blocks:  make(map[BlockID]*block),
		nblocks: BlockID(b.Size() / page),
		retired: make(map[int64][]BlockID),
	}

	return c, nil
}

func (c *Cache) Page() int64 { return c.page }

// Begin starts a read transaction ordered by the given token. The token
// is recorded and forwarded, never interpreted.
func (c *Cache) Begin(token OrderToken) *Txn {
	defer c.mu.Unlock()
	c.mu.Lock()

	c.keepl[c.safe]++

	tx := &Txn{
		c:     c,
		mode:  ReadAccess,
		token: token,
		ver:   c.safe,
		dirty: make(map[BlockID]struct{}),
	}

	if tl.V("txn") != nil {
		tl.Printf("txn begin  read   ver %3d  token %x", tx.ver, token)
	}

	return tx
}

// BeginWrite starts a write transaction. expected hints how many blocks
// the operation is going to dirty; it only presizes bookkeeping, a wrong
// hint costs allocation, never correctness. tstamp is stamped on every
// block the transaction dirties.
func (c *Cache) BeginWrite(expected int, tstamp Timestamp, token OrderToken) *Txn {
	defer c.mu.Unlock()
	c.mu.Lock()

	c.ver++

	if expected < 0 {
		expected = 0
	}

	tx := &Txn{
		c:      c,
		mode:   WriteAccess,
		token:  token,
		tstamp: tstamp,
		ver:    c.ver,
		dirty:  make(map[BlockID]struct{}, expected),
	}

	if tl.V("txn") != nil {
		tl.Printf("txn begin  write  ver %3d  token %x  expected %d", tx.ver, token, expected)
	}

	return tx
}

func (t *Txn) Mode() Access      { return t.mode }
func (t *Txn) Token() OrderToken { return t.token }

// Acquire locks block id under the requested access mode. It blocks
// until the cache grants the lock.
//
// Under write access a committed block is cloned first and the returned
// lock refers to the clone; the caller must compare BufLock.ID with the
// id it asked for and patch the referencing pointer if they differ.
func (t *Txn) Acquire(id BlockID, mode Access) (l BufLock, err error) {
	if t.done {
		return l, ErrTxnDone
	}
	if mode == WriteAccess && t.mode != WriteAccess {
		return l, ErrReadOnly
	}

	blk := t.c.get(id)

	if mode == WriteAccess {
		blk.mu.Lock()
	} else {
		blk.mu.RLock()
	}

	if mode == WriteAccess && blk.ver != t.ver {
		// committed block, still reachable from an earlier
		// snapshot. clone and mutate the clone.
		nid, nblk := t.c.clone(t, id, blk)

		blk.mu.Unlock()

		t.replaced = append(t.replaced, id)

		if tl.V("cache,cow") != nil {
			tl.Printf("cache cow  %3x <- %3x  ver %3d", nid, id, t.ver)
		}

		id, blk = nid, nblk
	}

	t.hold(1)

	if tl.V("cache,acquire") != nil {
		tl.Printf("cache acq  %3x %v  held %d", id, mode, t.nheld)
	}

	return BufLock{tx: t, blk: blk, id: id, mode: mode, held: true}, nil
}

// AcquireInPlace locks block id like Acquire but never clones it: the
// block is updated in place under its write lock. Only the root-pointer
// holder block uses it, its id must survive commits so the tree can be
// found again.
func (t *Txn) AcquireInPlace(id BlockID, mode Access) (l BufLock, err error) {
	if t.done {
		return l, ErrTxnDone
	}
	if mode == WriteAccess && t.mode != WriteAccess {
		return l, ErrReadOnly
	}

	blk := t.c.get(id)

	if mode == WriteAccess {
		blk.mu.Lock()
	} else {
		blk.mu.RLock()
	}

	t.hold(1)

	return BufLock{tx: t, blk: blk, id: id, mode: mode, held: true}, nil
}

// Alloc allocates a fresh zeroed block write-locked by this transaction.
func (t *Txn) Alloc() (l BufLock, err error) {
	if t.done {
		return l, ErrTxnDone
	}
	if t.mode != WriteAccess {
		return l, ErrReadOnly
	}

	c := t.c

	c.mu.Lock()
	var id BlockID
	if n := len(c.flist); n != 0 {
		id = c.flist[n-1]
		c.flist = c.flist[:n-1]
	} else {
		id = c.nblocks
		c.nblocks++
	}

	blk := &block{
		ver: t.ver,
		d:   make([]byte, c.page),
	}
	c.blocks[id] = blk
	c.mu.Unlock()

	blk.mu.Lock()

	t.created = append(t.created, id)
	t.dirty[id] = struct{}{}
	blk.tstamp = t.tstamp

	t.hold(1)

	if tl.V("cache,alloc") != nil {
		tl.Printf("cache allo %3x  ver %3d", id, t.ver)
	}

	return BufLock{tx: t, blk: blk, id: id, mode: WriteAccess, held: true}, nil
}

// Free removes the block from the tree. The id is retired at commit and
// reused once no snapshot needs it. Consumes the lock.
func (t *Txn) Free(l *BufLock) error {
	if !l.held {
		panic("free of an empty lock")
	}
	if l.mode != WriteAccess {
		return ErrReadOnly
	}

	id := l.id

	delete(t.dirty, id)
	t.replaced = append(t.replaced, id)

	l.Release()

	if tl.V("cache,free") != nil {
		tl.Printf("cache free %3x", id)
	}

	return nil
}

// Commit persists every dirty block and publishes the transaction's
// version. Finishes the transaction.
func (t *Txn) Commit() (err error) {
	if t.done {
		return ErrTxnDone
	}
	if t.nheld != 0 {
		panic("commit with locks held")
	}

	return t.commit()
}

// CommitWith commits while l, the write lock every writer is admitted
// through, is still held: the next writer starts only after the flush
// completes, so nothing mutates or allocates blocks under it. l is
// released in any case, an empty l is allowed.
func (t *Txn) CommitWith(l *BufLock) (err error) {
	if t.done {
		l.Release()
		return ErrTxnDone
	}

	var held int32
	if l.Held() {
		held = 1
	}
	if t.nheld != held {
		panic("commit with locks held")
	}

	err = t.commit()

	l.Release()

	return err
}

func (t *Txn) commit() (err error) {
	if t.mode != WriteAccess {
		return ErrReadOnly
	}

	t.done = true
	c := t.c

	c.mu.Lock()
	size := int64(c.nblocks) * c.page
	c.mu.Unlock()

	if c.b.Size() < size {
		err = c.b.Truncate(size)
		if err != nil {
			return errors.Wrap(err, "grow")
		}
	}

	// every dirty block is either created by this transaction or still
	// write-held by it (CommitWith), no one else can touch the bytes
	for id := range t.dirty {
		c.mu.Lock()
		blk := c.blocks[id]
		c.mu.Unlock()

		c.b.Access(int64(id)*c.page, c.page, func(p []byte) {
			copy(p, blk.d)
		})
	}

	if !c.NoSync {
		err = c.b.Sync()
		if err != nil {
			return errors.Wrap(err, "sync")
		}
	}

	c.mu.Lock()
	if t.ver > c.safe {
		c.safe = t.ver
	}
	if len(t.replaced) != 0 {
		c.retired[t.ver] = append(c.retired[t.ver], t.replaced...)
	}
	c.reclaim()
	c.mu.Unlock()

	if tl.V("txn") != nil {
		tl.Printf("txn commit ver %3d  dirty %d  replaced %d", t.ver, len(t.dirty), len(t.replaced))
	}

	return nil
}

// Abort drops the transaction. Blocks it allocated or cloned are
// returned to the free list; committed state is untouched.
func (t *Txn) Abort() {
	if t.done {
		return
	}
	if t.nheld != 0 {
		panic("abort with locks held")
	}

	t.abort()
}

// AbortWith aborts while l is still held, the CommitWith counterpart:
// blocks the transaction dirtied in place roll back before the next
// writer is admitted past l. l is released in any case.
func (t *Txn) AbortWith(l *BufLock) {
	if t.done {
		l.Release()
		return
	}

	var held int32
	if l.Held() {
		held = 1
	}
	if t.nheld != held {
		panic("abort with locks held")
	}

	t.abort()

	l.Release()
}

func (t *Txn) abort() {
	t.done = true
	c := t.c

	c.mu.Lock()
	for _, id := range t.created {
		delete(t.dirty, id)
		delete(c.blocks, id)
		c.flist = append(c.flist, id)
	}
	c.mu.Unlock()

	// blocks dirtied in place roll back to the committed bytes
	for id := range t.dirty {
		blk := c.get(id)

		for i := range blk.d {
			blk.d[i] = 0
		}

		if (int64(id)+1)*c.page <= c.b.Size() {
			c.b.Access(int64(id)*c.page, c.page, func(p []byte) {
				copy(blk.d, p)
			})
		}
	}

	if tl.V("txn") != nil {
		tl.Printf("txn abort  ver %3d", t.ver)
	}
}

// Done finishes a read transaction, releasing its snapshot.
func (t *Txn) Done() {
	if t.done {
		return
	}
	if t.mode == WriteAccess {
		t.Abort()
		return
	}
	if t.nheld != 0 {
		panic("done with locks held")
	}

	t.done = true
	c := t.c

	c.mu.Lock()
	c.keepl[t.ver]--
	if c.keepl[t.ver] == 0 {
		delete(c.keepl, t.ver)
	}
	c.reclaim()
	c.mu.Unlock()
}

func (t *Txn) hold(d int32) {
	n := atomic.AddInt32(&t.nheld, d)
	if d > 0 {
		for {
			m := atomic.LoadInt32(&t.maxheld)
			if n <= m || atomic.CompareAndSwapInt32(&t.maxheld, m, n) {
				break
			}
		}
	}
}

func (c *Cache) get(id BlockID) *block {
	defer c.mu.Unlock()
	c.mu.Lock()

	if id < 0 || id >= c.nblocks {
		panic(id)
	}

	blk, ok := c.blocks[id]
	if ok {
		return blk
	}

	blk = &block{
		d: make([]byte, c.page),
	}

	if (int64(id)+1)*c.page <= c.b.Size() {
		c.b.Access(int64(id)*c.page, c.page, func(p []byte) {
			copy(blk.d, p)
		})
	}

	c.blocks[id] = blk

	return blk
}

// clone is called with src's write lock held.
func (c *Cache) clone(t *Txn, id BlockID, src *block) (BlockID, *block) {
	c.mu.Lock()
	var nid BlockID
	if n := len(c.flist); n != 0 {
		nid = c.flist[n-1]
		c.flist = c.flist[:n-1]
	} else {
		nid = c.nblocks
		c.nblocks++
	}

	nblk := &block{
		ver:    t.ver,
		tstamp: t.tstamp,
		d:      make([]byte, c.page),
	}
	c.blocks[nid] = nblk
	c.mu.Unlock()

	nblk.mu.Lock() // uncontended, the block is not published yet

	copy(nblk.d, src.d)

	t.created = append(t.created, nid)
	t.dirty[nid] = struct{}{}

	return nid, nblk
}

// reclaim moves retired blocks whose version no live snapshot precedes
// onto the free list. Called under c.mu.
func (c *Cache) reclaim() {
	ms := int64(math.MaxInt64)
	for k := range c.keepl {
		if k < ms {
			ms = k
		}
	}

	for v, ids := range c.retired {
		if v > c.safe || v > ms {
			continue
		}

		c.flist = append(c.flist, ids...)
		delete(c.retired, v)

		if tl.V("cache,reclaim") != nil {
			tl.Printf("cache recl ver %3d  blocks %x", v, ids)
		}
	}
}

func (l *BufLock) Held() bool { return l.held }

func (l *BufLock) ID() BlockID {
	if !l.held {
		return NilBlock
	}
	return l.id
}

func (l *BufLock) Mode() Access { return l.mode }

// Data is the block's in-memory copy. Valid only while the lock is held;
// mutating it requires write access and a SetDirty call.
func (l *BufLock) Data() []byte {
	if !l.held {
		panic("access to an unlocked block")
	}
	return l.blk.d
}

// SetDirty records the block for flush at commit and stamps it with the
// transaction's mutation timestamp.
func (l *BufLock) SetDirty() {
	if !l.held || l.mode != WriteAccess {
		panic("dirtying without a write lock")
	}

	l.tx.dirty[l.id] = struct{}{}
	l.blk.tstamp = l.tx.tstamp
}

func (l *BufLock) Timestamp() Timestamp {
	if !l.held {
		return 0
	}
	return l.blk.tstamp
}

// Release gives the lock up. Idempotent.
func (l *BufLock) Release() {
	if !l.held {
		return
	}

	l.held = false

	if l.mode == WriteAccess {
		l.blk.mu.Unlock()
	} else {
		l.blk.mu.RUnlock()
	}

	l.tx.hold(-1)

	if tl.V("cache,acquire") != nil {
		tl.Printf("cache rel  %3x %v  held %d", l.id, l.mode, l.tx.nheld)
	}

	l.blk = nil
	l.tx = nil
}

// Swap exchanges two locks, possibly empty ones. This is the move
// operation: detach a lock from a structure without releasing it.
func (l *BufLock) Swap(r *BufLock) {
	*l, *r = *r, *l
}
