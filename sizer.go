package bops

type (
	// ValueSizer computes the on-block byte size of a logical value. It
	// bounds leaf storage so the resolution code can keep nodes large
	// enough for any value before the value itself is known.
	ValueSizer interface {
		Size(v []byte) int
		MaxSize() int
	}

	// ByteSizer sizes variable-length byte values, capped at a fraction
	// of the page so a leaf always holds several entries.
	ByteSizer struct {
		Page int64
	}

	// FixedSizer sizes fixed-width values.
	FixedSizer struct {
		N int
	}
)

var (
	_ ValueSizer = ByteSizer{}
	_ ValueSizer = FixedSizer{}
)

func (s ByteSizer) Size(v []byte) int { return len(v) }

func (s ByteSizer) MaxSize() int { return int(s.Page) / 4 }

func (s FixedSizer) Size(v []byte) int {
	if len(v) != s.N {
		panic(len(v))
	}
	return s.N
}

func (s FixedSizer) MaxSize() int { return s.N }
