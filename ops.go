package bops

import (
	"bytes"

	"tlog.app/go/errors"
)

type (
	// KeyValueLocation is the resolved position of a key: the leaf block
	// believed to own it, the leaf's parent if the leaf is not the root,
	// and a copy of the key's prior value if one existed.
	//
	// The aggregate is move-only, its locks cannot be duplicated. The
	// leaf lock must stay held for as long as Value is inspected or
	// edited, releasing it early drops the guarantee that Value reflects
	// the on-disk state.
	KeyValueLocation struct {
		Txn *Txn
		Sb  Superblock

		// LastBuf locks the parent of Buf, if Buf is not the root node.
		LastBuf BufLock

		// Buf locks the leaf which owns the key.
		Buf BufLock

		Found bool
		// Value is a copy of the prior value if Found, nil otherwise.
		// Edit, replace or nil it and hand the location to ApplyChange.
		Value []byte

		l NodeLayout
	}
)

// Release drops every lock the location still holds. Idempotent; does
// not finish the transaction, which is shared.
func (loc *KeyValueLocation) Release() {
	loc.Buf.Release()
	loc.LastBuf.Release()
	if loc.Sb != nil {
		loc.Sb.Release()
	}
}

// ResolveForRead descends from the superblock to the leaf owning k using
// lock coupling: a child is read-locked before its parent is released,
// so no more than two tree locks are ever held. The superblock is
// released as soon as the root is locked. On return only the leaf lock
// is held.
func ResolveForRead(sizer ValueSizer, got *GotSuperblock, k []byte) (_ *KeyValueLocation, err error) {
	loc := &KeyValueLocation{
		Txn: got.Txn,
		Sb:  got.Sb,
		l:   got.Layout,
	}

	if len(k) > loc.l.MaxKeyLen() {
		loc.Release()
		return nil, ErrKeyTooLong
	}

	root := loc.Sb.RootBlock()
	if root == NilBlock {
		loc.Sb.Release()
		return loc, nil
	}

	cur, err := loc.Txn.Acquire(root, ReadAccess)
	if err != nil {
		loc.Release()
		return nil, errors.Wrap(err, "root")
	}

	loc.Sb.Release()

	err = descend(loc, &cur, k, nil)
	if err != nil {
		cur.Release()
		loc.Release()
		return nil, err
	}

	loc.Buf.Swap(&cur)
	loc.LastBuf.Release() // read mode never patches the parent

	resolveValue(sizer, loc, k)

	return loc, nil
}

// ResolveForWrite is the write-mode descent: locks are write locks, the
// leaf's parent is retained in LastBuf for copy-on-write pointer
// patching, and the superblock is retained because a root change must be
// written back into it. Blocks cloned on the way down are stamped with
// tstamp.
func ResolveForWrite(sizer ValueSizer, got *GotSuperblock, k []byte, tstamp Timestamp) (_ *KeyValueLocation, err error) {
	loc := &KeyValueLocation{
		Txn: got.Txn,
		Sb:  got.Sb,
		l:   got.Layout,
	}

	tx, l := loc.Txn, loc.l

	if len(k) > l.MaxKeyLen() {
		loc.Release()
		return nil, ErrKeyTooLong
	}

	tx.tstamp = tstamp

	root := loc.Sb.RootBlock()

	var cur BufLock
	if root == NilBlock {
		cur, err = tx.Alloc()
		if err != nil {
			loc.Release()
			return nil, errors.Wrap(err, "alloc root")
		}

		l.InitLeaf(cur.Data())
		loc.Sb.SetRootBlock(cur.ID())
	} else {
		cur, err = tx.Acquire(root, WriteAccess)
		if err != nil {
			loc.Release()
			return nil, errors.Wrap(err, "root")
		}

		if cur.ID() != root {
			loc.Sb.SetRootBlock(cur.ID())
		}
	}

	// a branch root left with a single link is collapsed before descent
	for !l.IsLeaf(cur.Data()) && l.NKeys(cur.Data()) == 1 {
		child := l.Child(cur.Data(), 0)

		next, err := tx.Acquire(child, WriteAccess)
		if err != nil {
			cur.Release()
			loc.Release()
			return nil, errors.Wrap(err, "collapse root")
		}

		loc.Sb.SetRootBlock(next.ID())
		_ = tx.Free(&cur)
		cur = next

		if tl.V("resolve") != nil {
			tl.Printf("root collapsed into %3x", next.ID())
		}
	}

	// grow a new root above while the superblock is still the parent
	if l.Free(cur.Data()) < worstInsert(l, sizer, cur.Data()) {
		cur, err = growRoot(sizer, loc, &cur)
		if err != nil {
			loc.Release()
			return nil, err
		}
	}

	err = descend(loc, &cur, k, sizer)
	if err != nil {
		cur.Release()
		loc.Release()
		return nil, err
	}

	loc.Buf.Swap(&cur)

	resolveValue(sizer, loc, k)

	return loc, nil
}

// descend is the traversal core shared by both modes. It walks cur down
// to the leaf covering k with lock coupling, leaving the leaf in cur and
// its parent, if any, in loc.LastBuf. A non-nil sizer selects write
// mode: children are write-locked, clone-on-write moves are patched into
// the parent, and any child too full to take a worst-case insert is
// split while its parent is still held.
func descend(loc *KeyValueLocation, cur *BufLock, k []byte, sizer ValueSizer) (err error) {
	tx, l := loc.Txn, loc.l

	mode := ReadAccess
	if sizer != nil {
		mode = WriteAccess
	}

	for !l.IsLeaf(cur.Data()) {
		// the grandparent is not needed once cur is safely locked
		loc.LastBuf.Release()

		i := l.Route(cur.Data(), k)
		child := l.Child(cur.Data(), i)

		next, err := tx.Acquire(child, mode)
		if err != nil {
			return errors.Wrap(err, "child %x", child)
		}

		if next.ID() != child {
			l.SetChild(cur.Data(), i, next.ID())
			cur.SetDirty()
		}

		if mode == WriteAccess && l.Free(next.Data()) < worstInsert(l, sizer, next.Data()) {
			err = splitChild(loc, cur, &next, i, k)
			if err != nil {
				next.Release()
				return err
			}
		}

		loc.LastBuf.Swap(cur)
		*cur = next
	}

	return nil
}

// splitChild splits next in half while cur, its parent, is held. cur is
// guaranteed room for one more link by the same check one level up.
// next ends up as whichever half covers k.
func splitChild(loc *KeyValueLocation, cur, next *BufLock, i int, k []byte) (err error) {
	tx, l := loc.Txn, loc.l

	right, err := tx.Alloc()
	if err != nil {
		return errors.Wrap(err, "alloc split")
	}

	err = l.Split(next.Data(), right.Data())
	if err != nil {
		right.Release()
		return errors.Wrap(err, "split %x", next.ID())
	}

	next.SetDirty()

	lk := l.Key(next.Data(), l.NKeys(next.Data())-1, nil)
	rk := l.Key(right.Data(), l.NKeys(right.Data())-1, nil)

	l.Delete(cur.Data(), i)

	err = l.InsertLink(cur.Data(), i, lk, next.ID())
	if err == nil {
		err = l.InsertLink(cur.Data(), i+1, rk, right.ID())
	}
	if err != nil {
		// the parent was checked for room one level up
		panic(err)
	}

	cur.SetDirty()

	if tl.V("resolve,split") != nil {
		tl.Printf("split %3x -> %3x %3x  under %3x", next.ID(), next.ID(), right.ID(), cur.ID())
	}

	if bytes.Compare(k, lk) > 0 {
		next.Swap(&right)
	}

	right.Release()

	return nil
}

// growRoot allocates a branch above a too-full root and splits the old
// root under it. The superblock gets the new root id. Returns the new
// root locked; the halves are released and re-acquired by the descent.
func growRoot(sizer ValueSizer, loc *KeyValueLocation, cur *BufLock) (_ BufLock, err error) {
	tx, l := loc.Txn, loc.l

	nr, err := tx.Alloc()
	if err != nil {
		cur.Release()
		return nr, errors.Wrap(err, "alloc root")
	}

	l.InitBranch(nr.Data())

	right, err := tx.Alloc()
	if err != nil {
		cur.Release()
		nr.Release()
		return nr, errors.Wrap(err, "alloc split")
	}

	err = l.Split(cur.Data(), right.Data())
	if err != nil {
		cur.Release()
		right.Release()
		nr.Release()
		return nr, errors.Wrap(err, "split root %x", cur.ID())
	}

	cur.SetDirty()

	lk := l.Key(cur.Data(), l.NKeys(cur.Data())-1, nil)
	rk := l.Key(right.Data(), l.NKeys(right.Data())-1, nil)

	err = l.InsertLink(nr.Data(), 0, lk, cur.ID())
	if err == nil {
		err = l.InsertLink(nr.Data(), 1, rk, right.ID())
	}
	if err != nil {
		panic(err) // two links always fit in a fresh branch
	}

	loc.Sb.SetRootBlock(nr.ID())

	if tl.V("resolve,split") != nil {
		tl.Printf("root grown  %3x over %3x %3x", nr.ID(), cur.ID(), right.ID())
	}

	cur.Release()
	right.Release()

	return nr, nil
}

func worstInsert(l NodeLayout, sizer ValueSizer, p []byte) int {
	if l.IsLeaf(p) {
		return l.WorstLeafInsert(sizer)
	}
	return l.WorstLinkInsert()
}

func resolveValue(sizer ValueSizer, loc *KeyValueLocation, k []byte) {
	l := loc.l

	i, eq := l.Search(loc.Buf.Data(), k)
	if !eq {
		return
	}

	// empty values stay non-nil, nil Value means deletion to ApplyChange
	v := l.Value(loc.Buf.Data(), i, []byte{})
	if n := sizer.Size(v); n != len(v) {
		panic("value size mismatch") // malformed leaf, not recoverable
	}

	loc.Found = true
	loc.Value = v
}

// ApplyChange writes the location's (possibly absent) final value back
// into the tree: delete if Value is nil and the key existed, insert or
// update otherwise. Structural fallout is bounded: descent pre-split
// guarantees the leaf takes any sized value, an underfull leaf is merged
// into a sibling while the retained parent is patched. Every block it
// dirties is stamped with tstamp and commits atomically with the
// location's transaction.
func ApplyChange(sizer ValueSizer, loc *KeyValueLocation, k []byte, tstamp Timestamp) (err error) {
	l, tx := loc.l, loc.Txn

	if !loc.Buf.Held() {
		panic("apply to a released location")
	}

	tx.tstamp = tstamp

	p := loc.Buf.Data()
	i, eq := l.Search(p, k)

	if eq != loc.Found {
		panic("leaf changed under a held lock")
	}

	switch {
	case loc.Value == nil && !eq:
		// was absent, left absent
		return nil
	case loc.Value == nil:
		l.Delete(p, i)
		loc.Buf.SetDirty()

		if tl.V("apply") != nil {
			tl.Printf("apply del  %q from %3x", k, loc.Buf.ID())
		}
	default:
		if sizer.Size(loc.Value) > sizer.MaxSize() {
			return ErrValueTooLarge
		}

		if eq {
			l.Delete(p, i)
		}

		err = l.Insert(p, i, k, loc.Value)
		if err != nil {
			// the leaf was kept roomy at resolution
			panic(err)
		}

		loc.Buf.SetDirty()

		if tl.V("apply") != nil {
			tl.Printf("apply put  %q -> %q to %3x", k, loc.Value, loc.Buf.ID())
		}
	}

	if loc.LastBuf.Held() && l.Underfull(p) {
		err = mergeLeaf(loc, k)
		if err != nil {
			return errors.Wrap(err, "merge")
		}
	}

	return nil
}

// mergeLeaf folds an underfull leaf into an adjacent sibling and drops
// the spare link from the parent. Skipped when the combined load does
// not fit. The sibling lock is taken below the held parent, which keeps
// the root-to-leaf lock order.
func mergeLeaf(loc *KeyValueLocation, k []byte) (err error) {
	l, tx := loc.l, loc.Txn

	pp := loc.LastBuf.Data()

	n := l.NKeys(pp)
	if n < 2 {
		return nil
	}

	i := l.Route(pp, k)
	if l.Child(pp, i) != loc.Buf.ID() {
		panic("parent link does not match the held leaf")
	}

	j := i + 1
	if j == n {
		j = i - 1
	}

	cid := l.Child(pp, j)

	sib, err := tx.Acquire(cid, WriteAccess)
	if err != nil {
		return errors.Wrap(err, "sibling %x", cid)
	}

	if sib.ID() != cid {
		l.SetChild(pp, j, sib.ID())
		loc.LastBuf.SetDirty()
	}

	li, ri := i, j
	swapped := false
	if j < i {
		li, ri = j, i
		loc.Buf.Swap(&sib) // loc.Buf becomes the left half
		swapped = true
	}

	err = l.Merge(loc.Buf.Data(), sib.Data())
	if err != nil {
		if swapped {
			loc.Buf.Swap(&sib)
		}
		sib.Release()
		return nil // does not fit, leave the leaf underfull
	}

	loc.Buf.SetDirty()

	lk := l.Key(loc.Buf.Data(), l.NKeys(loc.Buf.Data())-1, nil)

	l.Delete(pp, ri)
	l.Delete(pp, li)

	err = l.InsertLink(pp, li, lk, loc.Buf.ID())
	if err != nil {
		panic(err) // two links were just removed
	}

	loc.LastBuf.SetDirty()

	_ = tx.Free(&sib)

	if tl.V("apply,merge") != nil {
		tl.Printf("merged %3x under %3x", loc.Buf.ID(), loc.LastBuf.ID())
	}

	return nil
}
