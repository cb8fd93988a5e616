package addr

import (
	"fmt"

	"github.com/mit-pdos/blkjournal/common"
)

// Addr identifies a block: the device it lives on and its block number
// there. It is the key of the buffer cache.
type Addr struct {
	Dev   common.Dev
	Blkno common.Bnum
}

func MkAddr(dev common.Dev, blkno common.Bnum) Addr {
	return Addr{Dev: dev, Blkno: blkno}
}

// Bucket hashes a into one of nbucket chains; nbucket must be a power of two.
func (a Addr) Bucket(nbucket uint64) uint64 {
	return uint64(a.Dev^a.Blkno) & (nbucket - 1)
}

// Flatid packs a into a single uint64, unique per (device, block).
func (a Addr) Flatid() uint64 {
	return uint64(a.Dev)<<32 | uint64(a.Blkno)
}

func (a Addr) String() string {
	return fmt.Sprintf("%d:%d", a.Dev, a.Blkno)
}
