package bops

import "sync"

type (
	// Back is the raw storage under the buffer cache. Access runs f over
	// the requested span while the storage is pinned in place; the span
	// must not escape f.
	Back interface {
		Access(off, len int64, f func(p []byte))
		Size() int64
		Truncate(size int64) error
		Sync() error
	}

	// MemBack keeps the whole file in one byte slice. Tests and
	// benchmarks use it in place of a real file.
	MemBack struct {
		mu sync.RWMutex
		d  []byte
	}
)

var _ Back = &MemBack{}

func NewMemBack(size int64) *MemBack {
	return &MemBack{
		d: make([]byte, size),
	}
}

func (b *MemBack) Access(off, l int64, f func(p []byte)) {
	defer b.mu.RUnlock()
	b.mu.RLock()

	if off < 0 || int(off+l) > len(b.d) {
		panic("span out of range")
	}

	f(b.d[off : off+l : off+l])
}

func (b *MemBack) Truncate(s int64) error {
	defer b.mu.Unlock()
	b.mu.Lock()

	if int(s) <= cap(b.d) {
		d := b.d[:s]

		// the tail beyond the old length reads zeros again
		for i := len(b.d); i < int(s); i++ {
			d[i] = 0
		}

		b.d = d

		return nil
	}

	d := make([]byte, s)
	copy(d, b.d)
	b.d = d

	return nil
}

func (b *MemBack) Size() int64 {
	defer b.mu.RUnlock()
	b.mu.RLock()

	return int64(len(b.d))
}

func (b *MemBack) Sync() error {
	return nil
}

// Load copies a span out, the test-side counterpart of Access.
func (b *MemBack) Load(off, l int64) []byte {
	r := make([]byte, l)

	b.Access(off, l, func(p []byte) {
		copy(r, p)
	})

	return r
}
