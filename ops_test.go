package bops

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRoundTrip(t *testing.T) {
	initLogger(t)

	sl, _ := testSlice(t, 0x100)
	sizer := testSizer(sl)

	vt, err := sl.GetValueWrite(sizer, []byte("key_a"), 1, NoToken)
	require.NoError(t, err)

	assert.False(t, vt.Found())
	assert.Nil(t, vt.Value())

	vt.SetValue([]byte("value_a"))
	require.NoError(t, vt.Finish())

	loc, err := sl.GetValueRead(sizer, []byte("key_a"), NoToken)
	require.NoError(t, err)

	assert.True(t, loc.Found)
	assert.Equal(t, []byte("value_a"), loc.Value)
	assert.Equal(t, Timestamp(1), loc.Buf.Timestamp())

	loc.Release()
	loc.Txn.Done()
}

func TestResolveLockCoupling(t *testing.T) {
	initLogger(t)

	sl, _ := testSlice(t, 0x100)
	sizer := testSizer(sl)

	for i := 0; i < 300; i++ {
		put(t, sl, []byte(fmt.Sprintf("key_%04d", i)), []byte("v"))
	}

	depth, _, _, err := sl.TreeStats()
	require.NoError(t, err)
	require.Greater(t, depth, 1, "the tree must have branch levels for the walk to couple locks")

	// read descent: never more than two tree locks at once
	got, err := sl.AcquireSuperblockForRead(NoToken)
	require.NoError(t, err)

	loc, err := ResolveForRead(sizer, &got, []byte("key_0155"))
	require.NoError(t, err)

	assert.True(t, loc.Found)
	assert.False(t, loc.LastBuf.Held(), "read mode drops the parent")

	loc.Release()
	assert.Zero(t, got.Txn.nheld, "release must return every lock")
	assert.LessOrEqual(t, got.Txn.maxheld, int32(2))

	got.Txn.Done()

	// write descent: superblock, parent and child
	got, err = sl.AcquireSuperblockForWrite(1, 2, NoToken)
	require.NoError(t, err)

	loc, err = ResolveForWrite(sizer, &got, []byte("key_0155"), 2)
	require.NoError(t, err)

	assert.True(t, loc.Found)
	assert.True(t, loc.LastBuf.Held(), "write mode keeps the parent for pointer patching")

	loc.Release()
	assert.Zero(t, got.Txn.nheld)

	// superblock, parent, child, plus a fresh page while a node splits
	assert.LessOrEqual(t, got.Txn.maxheld, int32(4))

	got.Txn.Abort()
}

func TestResolveSharedReaders(t *testing.T) {
	initLogger(t)

	sl, _ := testSlice(t, 0x100)

	put(t, sl, []byte("key_a"), []byte("value_a"))

	sizer := testSizer(sl)

	// read locks are shared: both resolutions hold the same leaf at once
	loc1, err := sl.GetValueRead(sizer, []byte("key_a"), NoToken)
	require.NoError(t, err)

	loc2, err := sl.GetValueRead(sizer, []byte("key_a"), NoToken)
	require.NoError(t, err)

	assert.Equal(t, loc1.Buf.ID(), loc2.Buf.ID())
	assert.Equal(t, loc1.Value, loc2.Value)

	loc1.Release()
	loc1.Txn.Done()
	loc2.Release()
	loc2.Txn.Done()
}

func TestResolveCopyOnWritePatch(t *testing.T) {
	initLogger(t)

	sl, _ := testSlice(t, 0x100)
	c := sl.Cache()

	put(t, sl, []byte("key_a"), []byte("value_1"))

	r1, err := sl.RootBlock()
	require.NoError(t, err)

	put(t, sl, []byte("key_a"), []byte("value_2"))

	r2, err := sl.RootBlock()
	require.NoError(t, err)

	assert.NotEqual(t, r1, r2, "an update must move the root to a clone")

	v, ok := get(t, sl, []byte("key_a"))
	assert.True(t, ok)
	assert.Equal(t, []byte("value_2"), v)

	// with no reader snapshots left the old version is reclaimed
	c.mu.Lock()
	reclaimed := false
	for _, f := range c.flist {
		if f == r1 {
			reclaimed = true
		}
	}
	c.mu.Unlock()

	assert.True(t, reclaimed, "the replaced root must return to the free list")
}

func TestResolveKeyTooLong(t *testing.T) {
	sl, _ := testSlice(t, 0x100)
	sizer := testSizer(sl)

	k := make([]byte, sl.Layout().MaxKeyLen()+1)

	_, err := sl.GetValueRead(sizer, k, NoToken)
	assert.ErrorIs(t, err, ErrKeyTooLong)

	_, err = sl.GetValueWrite(sizer, k, 1, NoToken)
	assert.ErrorIs(t, err, ErrKeyTooLong)
}

func TestResolveValueTooLarge(t *testing.T) {
	sl, _ := testSlice(t, 0x100)
	sizer := testSizer(sl)

	err := sl.WithValue(sizer, []byte("key_a"), 1, NoToken, func(vt *ValueTxn) error {
		vt.SetValue(make([]byte, sizer.MaxSize()+1))
		return nil
	})
	assert.ErrorIs(t, err, ErrValueTooLarge)

	_, ok := get(t, sl, []byte("key_a"))
	assert.False(t, ok)
}

func TestVirtualSuperblockTree(t *testing.T) {
	initLogger(t)

	const Page = 0x100

	sl, _ := testSlice(t, Page)
	sizer := testSizer(sl)
	l := sl.Layout()

	// a side tree rooted in memory instead of the header block
	vsb := NewVirtualSuperblock(NilBlock)

	tx := sl.Cache().BeginWrite(0x40, 1, NoToken)

	for i := 0; i < 0x40; i++ {
		k := []byte(fmt.Sprintf("key_%04d", i))

		got := GotSuperblock{Txn: tx, Sb: vsb, Layout: l}

		loc, err := ResolveForWrite(sizer, &got, k, 1)
		require.NoError(t, err)

		vt := NewValueTxn(k, sizer, loc, 1)
		vt.SetValue([]byte("v"))
		require.NoError(t, vt.Finish())
	}

	root := vsb.RootBlock()
	require.NotEqual(t, NilBlock, root)

	// enough keys for a page to overflow: the root must have split,
	// and the split must have landed in the virtual superblock
	buf, err := tx.Acquire(root, ReadAccess)
	require.NoError(t, err)

	assert.False(t, l.IsLeaf(buf.Data()), "the root must be a branch after splits")
	buf.Release()

	// the side tree reads back through the same transaction
	for i := 0; i < 0x40; i++ {
		k := []byte(fmt.Sprintf("key_%04d", i))

		got := GotSuperblock{Txn: tx, Sb: vsb, Layout: l}

		loc, err := ResolveForRead(sizer, &got, k)
		require.NoError(t, err)

		assert.True(t, loc.Found, "key %s", k)
		loc.Release()
	}

	tx.Abort()
}
