package bops

import (
	"fmt"
	"io"

	"tlog.app/go/loc"
)

// DebugDump prints the whole tree, one node per line group. It runs its
// own read transaction and holds one node lock at a time.
func DebugDump(w io.Writer, sl *Slice) {
	if tl.V("dump") != nil {
		tl.Printf("dump from %v", loc.Caller(1))
	}

	tx := sl.c.Begin(NoToken)
	defer tx.Done()

	buf, err := tx.AcquireInPlace(sl.sb, ReadAccess)
	if err != nil {
		fmt.Fprintf(w, "superblock: %v\n", err)
		return
	}

	sb := NewRealSuperblock(&buf)
	root := sb.RootBlock()
	sb.Release()

	fmt.Fprintf(w, "root %3x\n", root)

	if root == NilBlock {
		return
	}

	debugDump(w, sl, tx, root, 0)
}

func debugDump(w io.Writer, sl *Slice, tx *Txn, id BlockID, d int) {
	const pad = "                                                              "
	l := sl.l

	buf, err := tx.Acquire(id, ReadAccess)
	if err != nil {
		fmt.Fprintf(w, "%v%3x: %v\n", pad[:d*4], id, err)
		return
	}

	p := buf.Data()
	n := l.NKeys(p)

	if l.IsLeaf(p) {
		fmt.Fprintf(w, "%vleaf   %3x  nkeys %2d  free %3x\n", pad[:d*4], id, n, l.Free(p))

		for i := 0; i < n; i++ {
			k := l.Key(p, i, nil)
			v := l.Value(p, i, nil)
			fmt.Fprintf(w, "%v  %-20.20q -> %.40q (%d)\n", pad[:d*4], k, v, len(v))
		}

		buf.Release()
		return
	}

	fmt.Fprintf(w, "%vbranch %3x  nkeys %2d  free %3x\n", pad[:d*4], id, n, l.Free(p))

	type link struct {
		k  []byte
		id BlockID
	}

	links := make([]link, n)
	for i := 0; i < n; i++ {
		links[i] = link{k: l.Key(p, i, nil), id: l.Child(p, i)}
	}

	buf.Release() // children are visited one lock at a time

	for _, ln := range links {
		fmt.Fprintf(w, "%v<= %-20.20q\n", pad[:d*4], ln.k)
		debugDump(w, sl, tx, ln.id, d+1)
	}
}
