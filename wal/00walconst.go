//  wal implements a redo journal over the buffer cache.
//
//  The layout of the log region:
//  [ header | log block 0 | log block 1 | ... | log block size-2 ]
//   ^        ^
//   start    start+1
//
//  The header records n and the home block number of each of the first n
//  log blocks. A transaction is durable once its header is on disk (the
//  commit point); recovery copies the n log blocks back to their homes and
//  clears the header, which can be repeated any number of times with the
//  same result.
//
//  Blocks registered with LogWrite stay pinned in the cache until their
//  transaction commits, so uncommitted data never reaches a home block.
package wal

import (
	"errors"

	"github.com/mit-pdos/blkjournal/common"
	"github.com/mit-pdos/blkjournal/util"
)

const (
	HDRMETA  = uint64(4) // space for n
	HDRADDRS = common.LOGMAXBLKS
	HDRSIZE  = HDRMETA + 4*HDRADDRS
)

var (
	ErrLogFull       = errors.New("wal: transaction at log capacity")
	ErrInvalidHeader = errors.New("wal: invalid log header")
	ErrNoTxn         = errors.New("wal: no open transaction")
	ErrGeometry      = errors.New("wal: bad log geometry")
)

// capacity is the number of blocks one transaction may log in a region of
// size blocks.
func capacity(size uint64) uint64 {
	return util.Min(HDRADDRS, size-1)
}
