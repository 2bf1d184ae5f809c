//go:build linux || darwin
// +build linux darwin

package benchmarks

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"nikand.dev/go/bops"
)

func BenchmarkShortBops(b *testing.B) {
	benchmarkBops(b, []byte("value_00"))
}

func BenchmarkShortBBolt(b *testing.B) {
	benchmarkBBolt(b, []byte("value_00"))
}

func BenchmarkMiddleBops(b *testing.B) {
	benchmarkBops(b, longval(500, "value_00"))
}

func BenchmarkMiddleBBolt(b *testing.B) {
	benchmarkBBolt(b, longval(500, "value_00"))
}

func benchmarkBops(b *testing.B, v []byte) {
	b.ReportAllocs()

	f, err := file("bops", len(v))
	require.NoError(b, err)
	defer os.Remove(f.Name())

	bk, err := bops.MmapFile(f, true)
	require.NoError(b, err)
	defer bk.Close()

	c, err := bops.NewCache(bk, bops.DefaultPageSize)
	require.NoError(b, err)
	c.NoSync = true

	sl, err := bops.NewSlice(c, nil)
	require.NoError(b, err)

	sizer := bops.ByteSizer{Page: bops.DefaultPageSize}

	k := []byte("key_000")

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		tokey(k, i)

		err = sl.WithValue(sizer, k, bops.Timestamp(i), bops.NoToken, func(vt *bops.ValueTxn) error {
			vt.SetValue(v)
			return nil
		})

		if err != nil {
			b.Errorf("put: %v", err)
			break
		}
	}
}

func benchmarkBBolt(b *testing.B, v []byte) {
	b.ReportAllocs()

	f, err := file("bbolt", len(v))
	require.NoError(b, err)

	fname := f.Name()

	err = f.Close()
	require.NoError(b, err)

	defer os.Remove(fname)

	db, err := bbolt.Open(fname, 0644, &bbolt.Options{NoSync: true})
	require.NoError(b, err)

	defer db.Close()

	bn := []byte("bucket0")
	k := []byte("key_000")

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		err = db.Update(func(tx *bbolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists(bn)
			if err != nil {
				return err
			}

			tokey(k, i)

			return b.Put(k, v)
		})

		if err != nil {
			b.Errorf("update: %v", err)
			break
		}
	}
}

func file(n string, d int) (f *os.File, err error) {
	fn := fmt.Sprintf("bench_%06x.%v", d, n)

	f, err = os.Create(fn)

	return
}

func longval(l int, v string) (r []byte) {
	r = make([]byte, l)
	copy(r, v)
	return
}

func tokey(k []byte, i int) {
	l := len(k) - 1
	for i != 0 {
		k[l] = "0123456789abcdef"[i&0xf]
		l--
		i >>= 4
	}
}
