package bops

import (
	"bytes"
	"flag"
	"fmt"
	"sync"
	"testing"

	"github.com/nikandfor/tlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var flagv = flag.String("tlog-v", "", "tlog verbocity topics")

func initLogger(t testing.TB) {
	if *flagv == "" {
		return
	}

	tl = tlog.New(tlog.NewConsoleWriter(tlog.Stderr, tlog.LdetFlags))
	tl.SetFilter(*flagv)
}

func testSlice(t testing.TB, page int64) (*Slice, *MemBack) {
	b := NewMemBack(0)

	c, err := NewCache(b, page)
	require.NoError(t, err)

	sl, err := NewSlice(c, nil)
	require.NoError(t, err)

	return sl, b
}

func testSizer(sl *Slice) ByteSizer {
	return ByteSizer{Page: sl.c.page}
}

func put(t testing.TB, sl *Slice, k, v []byte) {
	err := sl.WithValue(testSizer(sl), k, 1, NoToken, func(vt *ValueTxn) error {
		vt.SetValue(v)
		return nil
	})
	require.NoError(t, err, "put %q", k)
}

func del(t testing.TB, sl *Slice, k []byte) {
	err := sl.WithValue(testSizer(sl), k, 1, NoToken, func(vt *ValueTxn) error {
		vt.Clear()
		return nil
	})
	require.NoError(t, err, "del %q", k)
}

func get(t testing.TB, sl *Slice, k []byte) ([]byte, bool) {
	loc, err := sl.GetValueRead(testSizer(sl), k, NoToken)
	require.NoError(t, err, "get %q", k)

	v, ok := loc.Value, loc.Found

	loc.Release()
	loc.Txn.Done()

	return v, ok
}

func TestSmoke(t *testing.T) {
	initLogger(t)

	sl, _ := testSlice(t, 0x100)

	put(t, sl, []byte("a"), []byte("v1"))

	v, ok := get(t, sl, []byte("a"))
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	_, ok = get(t, sl, []byte("b"))
	assert.False(t, ok)

	put(t, sl, []byte("a"), []byte("v2"))

	v, ok = get(t, sl, []byte("a"))
	assert.True(t, ok)
	assert.Equal(t, []byte("v2"), v)

	del(t, sl, []byte("a"))

	_, ok = get(t, sl, []byte("a"))
	assert.False(t, ok)
}

func TestManyKeysSplits(t *testing.T) {
	initLogger(t)

	const Page = 0x100
	const N = 300

	sl, _ := testSlice(t, Page)

	for i := 0; i < N; i++ {
		k := []byte(fmt.Sprintf("key_%04d", i))
		v := []byte(fmt.Sprintf("value_%04d", i))

		put(t, sl, k, v)
	}

	depth, keys, leaves, err := sl.TreeStats()
	require.NoError(t, err)
	assert.Equal(t, int64(N), keys)
	assert.Greater(t, depth, 1, "expected the tree to split")
	assert.Greater(t, leaves, int64(1))

	for i := 0; i < N; i++ {
		k := []byte(fmt.Sprintf("key_%04d", i))

		v, ok := get(t, sl, k)
		require.True(t, ok, "key %q", k)
		require.Equal(t, []byte(fmt.Sprintf("value_%04d", i)), v)
	}

	for i := 0; i < N; i++ {
		del(t, sl, []byte(fmt.Sprintf("key_%04d", i)))
	}

	for i := 0; i < N; i++ {
		_, ok := get(t, sl, []byte(fmt.Sprintf("key_%04d", i)))
		require.False(t, ok)
	}

	_, keys, _, err = sl.TreeStats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), keys)
}

func TestConcurrentOps(t *testing.T) {
	initLogger(t)

	const (
		Page    = 0x100
		Writers = 4
		Readers = 4
		N       = 0x80
	)

	sl, _ := testSlice(t, Page)
	sizer := testSizer(sl)

	errc := make(chan error, Writers+Readers)

	var wg sync.WaitGroup
	wg.Add(Writers + Readers)

	for w := 0; w < Writers; w++ {
		go func(w int) {
			defer wg.Done()

			for i := 0; i < N; i++ {
				k := []byte(fmt.Sprintf("key_%d_%04d", w, i))
				v := []byte(fmt.Sprintf("value_%d_%04d", w, i))

				err := sl.WithValue(sizer, k, Timestamp(i), NoToken, func(vt *ValueTxn) error {
					vt.SetValue(v)
					return nil
				})
				if err != nil {
					errc <- fmt.Errorf("put %s: %w", k, err)
					return
				}
			}

			// every odd key goes away again
			for i := 1; i < N; i += 2 {
				k := []byte(fmt.Sprintf("key_%d_%04d", w, i))

				err := sl.WithValue(sizer, k, Timestamp(N+i), NoToken, func(vt *ValueTxn) error {
					vt.Clear()
					return nil
				})
				if err != nil {
					errc <- fmt.Errorf("del %s: %w", k, err)
					return
				}
			}
		}(w)
	}

	for r := 0; r < Readers; r++ {
		go func(r int) {
			defer wg.Done()

			for i := r; i < Writers*N; i++ {
				w, j := i%Writers, i%N
				k := []byte(fmt.Sprintf("key_%d_%04d", w, j))

				loc, err := sl.GetValueRead(sizer, k, NoToken)
				if err != nil {
					errc <- fmt.Errorf("get %s: %w", k, err)
					return
				}

				// a key is either not there yet, or carries its own value
				if loc.Found && !bytes.Equal(loc.Value, []byte(fmt.Sprintf("value_%d_%04d", w, j))) {
					errc <- fmt.Errorf("get %s: wrong value %q", k, loc.Value)
				}

				loc.Release()
				loc.Txn.Done()
			}
		}(r)
	}

	wg.Wait()
	close(errc)

	for err := range errc {
		require.NoError(t, err)
	}

	for w := 0; w < Writers; w++ {
		for i := 0; i < N; i += 2 {
			k := []byte(fmt.Sprintf("key_%d_%04d", w, i))

			v, ok := get(t, sl, k)
			require.True(t, ok, "key %q", k)
			require.Equal(t, []byte(fmt.Sprintf("value_%d_%04d", w, i)), v)
		}
	}

	_, keys, _, err := sl.TreeStats()
	require.NoError(t, err)
	assert.Equal(t, int64(Writers*(N-N/2)), keys)
}

func TestReopen(t *testing.T) {
	initLogger(t)

	const Page = 0x100
	const N = 50

	sl, b := testSlice(t, Page)

	for i := 0; i < N; i++ {
		put(t, sl, []byte(fmt.Sprintf("key_%04d", i)), []byte(fmt.Sprintf("value_%04d", i)))
	}

	// reopen the same backing storage from scratch
	c, err := NewCache(b, Page)
	require.NoError(t, err)

	sl2, err := NewSlice(c, nil)
	require.NoError(t, err)

	for i := 0; i < N; i++ {
		v, ok := get(t, sl2, []byte(fmt.Sprintf("key_%04d", i)))
		require.True(t, ok)
		require.Equal(t, []byte(fmt.Sprintf("value_%04d", i)), v)
	}
}

func TestReopenBadPage(t *testing.T) {
	sl, b := testSlice(t, 0x100)

	put(t, sl, []byte("key_a"), []byte("value_a"))

	c, err := NewCache(b, 0x200)
	require.NoError(t, err)

	_, err = NewSlice(c, nil)
	assert.ErrorIs(t, err, ErrFileFormat)
}
