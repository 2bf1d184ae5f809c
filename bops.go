// bops implements single-key location resolution and mutation for a
// disk-backed copy-on-write B-tree on top of a transactional
// block-locking buffer cache.
//
// The entry points are AcquireSuperblockForRead / AcquireSuperblockForWrite,
// ResolveForRead / ResolveForWrite, ApplyChange and the scoped ValueTxn
// wrapper. Node byte layout, value sizing and raw storage are collaborators
// (NodeLayout, ValueSizer, Back) selected at Slice construction.
package bops

import (
	"errors"

	"github.com/nikandfor/tlog"
)

const Version = "000"

const (
	B = 1 << (10 * iota)
	KB
	MB
	GB
	TB
)

type (
	// BlockID identifies one cache block. NilBlock is the null sentinel.
	BlockID int64

	// Timestamp is the mutation timestamp stamped on every block an
	// operation dirties.
	Timestamp int64

	// OrderToken is an externally issued causal ordering marker. It is
	// forwarded to the cache admission unmodified and never interpreted
	// here.
	OrderToken int64

	// Access is a block or transaction lock mode.
	Access int
)

const NilBlock BlockID = -1

const NoToken OrderToken = 0

const (
	ReadAccess Access = iota
	WriteAccess
)

var DefaultPageSize int64 = 4 * KB

var ( // errors
	ErrPageFull      = errors.New("page full")
	ErrKeyTooLong    = errors.New("key too long")
	ErrValueTooLarge = errors.New("value too large")
	ErrTxnDone       = errors.New("transaction already finished")
	ErrReadOnly      = errors.New("read-only transaction")
	ErrFileFormat    = errors.New("file format mismatch")
)

var tl *tlog.Logger // test and debug logger

func (a Access) String() string {
	if a == WriteAccess {
		return "write"
	}
	return "read"
}
