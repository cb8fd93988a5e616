package disk

import (
	"errors"

	"github.com/mit-pdos/blkjournal/common"
)

// Block is a BlockSize-byte buffer
type Block = []byte

const BlockSize = common.BlockSize

var (
	ErrOutOfRange = errors.New("disk: block out of range")
	ErrBlockSize  = errors.New("disk: buffer is not block-sized")
	ErrNoDevice   = errors.New("disk: no such device")
	ErrBusy       = errors.New("disk: device already attached")
	ErrInjected   = errors.New("disk: injected failure")
)

// Device is the boundary the buffer cache performs all of its I/O through.
// Both calls are synchronous.
type Device interface {
	// Read fills out, which must be BlockSize bytes, with block bn of dev.
	Read(dev common.Dev, bn common.Bnum, out Block) error

	// Write stores data, which must be BlockSize bytes, into block bn of dev.
	Write(dev common.Dev, bn common.Bnum, data Block) error
}

// A Barrierer is a Device that can wait for its writes to be durable.
type Barrierer interface {
	Barrier(dev common.Dev) error
}

// Disk provides access to a single logical block-based disk
type Disk interface {
	// ReadTo reads the disk block at a and stores the result in b
	ReadTo(a uint64, b Block) error

	// Write updates a disk block by address
	Write(a uint64, v Block) error

	// Size reports how big the disk is, in blocks
	Size() uint64

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}

// Read reads a whole block of d into a fresh buffer.
func Read(d Disk, a uint64) (Block, error) {
	buf := make(Block, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func checkAccess(d Disk, a uint64, b Block) error {
	if uint64(len(b)) != BlockSize {
		return ErrBlockSize
	}
	if a >= d.Size() {
		return ErrOutOfRange
	}
	return nil
}
