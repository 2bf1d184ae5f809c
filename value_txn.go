package bops

type (
	// ValueTxn is the scoped mutation of one key's value. Between
	// construction and Finish it exposes the resolved prior value for
	// editing; Finish applies the final state back into the tree exactly
	// once. The write side of an operation can neither forget its edit
	// nor apply it twice.
	//
	// Use WithValue unless the location was resolved by hand: it calls
	// Finish on every exit path of the callback, panics included.
	ValueTxn struct {
		key    []byte
		sizer  ValueSizer
		loc    *KeyValueLocation
		tstamp Timestamp

		owntx bool
		done  bool
	}
)

// NewValueTxn arms a mutation over a write-mode resolved location. The
// location's locks are consumed by Finish or Abort.
func NewValueTxn(k []byte, sizer ValueSizer, loc *KeyValueLocation, tstamp Timestamp) *ValueTxn {
	return &ValueTxn{
		key:    k,
		sizer:  sizer,
		loc:    loc,
		tstamp: tstamp,
	}
}

// Value is the current edit state: the prior value if the key existed,
// nil otherwise. Mutating the returned slice edits the value in place.
func (t *ValueTxn) Value() []byte { return t.loc.Value }

// Found reports whether a value existed before this operation.
func (t *ValueTxn) Found() bool { return t.loc.Found }

// SetValue replaces the edit state: an insert if the key was absent, an
// update otherwise.
func (t *ValueTxn) SetValue(v []byte) { t.loc.Value = v }

// Clear marks the key for deletion (no-op if it was absent).
func (t *ValueTxn) Clear() { t.loc.Value = nil }

func (t *ValueTxn) Location() *KeyValueLocation { return t.loc }

// Finish applies the edit via ApplyChange and releases the location.
// The second call returns ErrTxnDone without touching the tree.
func (t *ValueTxn) Finish() (err error) {
	if t.done {
		return ErrTxnDone
	}
	t.done = true

	err = ApplyChange(t.sizer, t.loc, t.key, t.tstamp)

	if !t.owntx {
		t.loc.Release()
		return err
	}

	t.loc.Buf.Release()
	t.loc.LastBuf.Release()

	// the superblock write lock is held through the commit flush, the
	// next writer is admitted only after the committed bytes are down
	var sbuf BufLock
	t.loc.Sb.SwapBuf(&sbuf)

	if err != nil {
		t.loc.Txn.AbortWith(&sbuf)
		return err
	}

	return t.loc.Txn.CommitWith(&sbuf)
}

// Abort abandons the edit: locks are released, nothing is applied.
func (t *ValueTxn) Abort() {
	if t.done {
		return
	}
	t.done = true

	if !t.owntx {
		t.loc.Release()
		return
	}

	t.loc.Buf.Release()
	t.loc.LastBuf.Release()

	var sbuf BufLock
	t.loc.Sb.SwapBuf(&sbuf)

	t.loc.Txn.AbortWith(&sbuf)
}

// GetValueWrite acquires a write superblock, resolves k and arms a
// mutation in one step. The returned ValueTxn owns the transaction:
// Finish commits it, Abort drops it.
func (sl *Slice) GetValueWrite(sizer ValueSizer, k []byte, tstamp Timestamp, token OrderToken) (_ *ValueTxn, err error) {
	got, err := sl.AcquireSuperblockForWrite(1, tstamp, token)
	if err != nil {
		return nil, err
	}

	loc, err := ResolveForWrite(sizer, &got, k, tstamp)
	if err != nil {
		got.Txn.Abort()
		return nil, err
	}

	sl.metric(mResolveWrite, 1)
	sl.foundMetric(loc.Found)

	vt := NewValueTxn(k, sizer, loc, tstamp)
	vt.owntx = true

	return vt, nil
}

// GetValueRead acquires a read superblock and resolves k. The caller
// inspects Found and Value, then releases the location and finishes
// loc.Txn with Done.
func (sl *Slice) GetValueRead(sizer ValueSizer, k []byte, token OrderToken) (_ *KeyValueLocation, err error) {
	got, err := sl.AcquireSuperblockForRead(token)
	if err != nil {
		return nil, err
	}

	loc, err := ResolveForRead(sizer, &got, k)
	if err != nil {
		got.Txn.Done()
		return nil, err
	}

	sl.metric(mResolveRead, 1)
	sl.foundMetric(loc.Found)

	return loc, nil
}

// WithValue runs f over an armed mutation of k and guarantees the edit
// is applied exactly once on every exit path: normal return, early
// return and panic unwind alike.
func (sl *Slice) WithValue(sizer ValueSizer, k []byte, tstamp Timestamp, token OrderToken, f func(vt *ValueTxn) error) (err error) {
	vt, err := sl.GetValueWrite(sizer, k, tstamp, token)
	if err != nil {
		return err
	}

	defer func() {
		if vt.done {
			return
		}

		e := vt.Finish()
		if err == nil {
			err = e
		}
	}()

	return f(vt)
}

func (sl *Slice) foundMetric(found bool) {
	if found {
		sl.metric(mFound, 1)
	} else {
		sl.metric(mAbsent, 1)
	}
}
