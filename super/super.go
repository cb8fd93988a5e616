// Package super reads and writes the superblock, which records the layout of
// a formatted device: where the log lives and where the inode and data
// regions begin.
//
// Layout of a device of Size blocks:
//
//	[ boot | super | log | inode bitmap | block bitmap | inode table | data ]
//	  0      1       2
package super

import (
	"errors"
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/blkjournal/bcache"
	"github.com/mit-pdos/blkjournal/common"
	"github.com/mit-pdos/blkjournal/disk"
	"github.com/mit-pdos/blkjournal/util"
)

const (
	INODESZ   uint64 = 256 // on-disk inode size
	NBITBLOCK uint64 = common.BlockSize * 8
	INODEBLK  uint64 = common.BlockSize / INODESZ
)

var (
	ErrBadMagic     = errors.New("super: bad magic")
	ErrBadVersion   = errors.New("super: unsupported version")
	ErrBadBlockSize = errors.New("super: block size mismatch")
	ErrBadLayout    = errors.New("super: regions overlap or exceed device")
)

type FsSuper struct {
	Magic            uint32
	Version          uint32
	BlockSize        uint32
	Size             uint32 // total blocks
	NInodes          uint32
	NFreeInodes      uint32
	NFreeBlocks      uint32
	LogStart         common.Bnum
	LogSize          uint32 // header plus data blocks
	InodeBitmapStart common.Bnum
	InodeBitmapSize  uint32
	BlockBitmapStart common.Bnum
	BlockBitmapSize  uint32
	InodeTableStart  common.Bnum
	InodeTableSize   uint32
	DataStart        common.Bnum
	RootInode        uint32
}

// MkFsSuper lays out a device of size blocks with ninode inodes and the
// default log region.
func MkFsSuper(size uint32, ninode uint32) *FsSuper {
	return MkFsSuperLog(size, ninode, uint32(common.LOGSIZE))
}

// MkFsSuperLog is MkFsSuper with a log region of logSize blocks.
func MkFsSuperLog(size uint32, ninode uint32, logSize uint32) *FsSuper {
	sb := &FsSuper{
		Magic:     common.MAGIC,
		Version:   common.VERSION,
		BlockSize: uint32(common.BlockSize),
		Size:      size,
		NInodes:   ninode,
		LogStart:  common.LOGSTART,
		LogSize:   logSize,
		RootInode: common.ROOTINUM,
	}
	sb.InodeBitmapStart = sb.LogStart + sb.LogSize
	sb.InodeBitmapSize = uint32(util.RoundUp(uint64(ninode), NBITBLOCK))
	sb.BlockBitmapStart = sb.InodeBitmapStart + sb.InodeBitmapSize
	sb.BlockBitmapSize = uint32(util.RoundUp(uint64(size), NBITBLOCK))
	sb.InodeTableStart = sb.BlockBitmapStart + sb.BlockBitmapSize
	sb.InodeTableSize = uint32(util.RoundUp(uint64(ninode), INODEBLK))
	sb.DataStart = sb.InodeTableStart + sb.InodeTableSize
	if sb.DataStart < size {
		sb.NFreeBlocks = size - sb.DataStart
	}
	if ninode > sb.RootInode {
		// inode 0 is never used and the root inode is allocated at format time
		sb.NFreeInodes = ninode - 1 - sb.RootInode
	}
	return sb
}

func (sb *FsSuper) fields() []*uint32 {
	return []*uint32{
		&sb.Magic, &sb.Version, &sb.BlockSize, &sb.Size,
		&sb.NInodes, &sb.NFreeInodes, &sb.NFreeBlocks,
		&sb.LogStart, &sb.LogSize,
		&sb.InodeBitmapStart, &sb.InodeBitmapSize,
		&sb.BlockBitmapStart, &sb.BlockBitmapSize,
		&sb.InodeTableStart, &sb.InodeTableSize,
		&sb.DataStart, &sb.RootInode,
	}
}

// Encode packs the superblock into a block as little-endian u32 fields in
// declaration order.
func (sb *FsSuper) Encode() disk.Block {
	enc := marshal.NewEnc(common.BlockSize)
	for _, f := range sb.fields() {
		enc.PutInt32(*f)
	}
	return enc.Finish()
}

// Decode unpacks a superblock and validates it.
func Decode(blk disk.Block) (*FsSuper, error) {
	sb := &FsSuper{}
	dec := marshal.NewDec(blk)
	for _, f := range sb.fields() {
		*f = dec.GetInt32()
	}
	if err := sb.Check(); err != nil {
		return nil, err
	}
	return sb, nil
}

// Check validates the identifying fields and that the regions are in order
// and fit on the device.
func (sb *FsSuper) Check() error {
	if sb.Magic != common.MAGIC {
		return fmt.Errorf("%w: %#x", ErrBadMagic, sb.Magic)
	}
	if sb.Version != common.VERSION {
		return fmt.Errorf("%w: %d", ErrBadVersion, sb.Version)
	}
	if uint64(sb.BlockSize) != common.BlockSize {
		return fmt.Errorf("%w: %d", ErrBadBlockSize, sb.BlockSize)
	}
	regions := []struct {
		start common.Bnum
		size  uint32
	}{
		{sb.LogStart, sb.LogSize},
		{sb.InodeBitmapStart, sb.InodeBitmapSize},
		{sb.BlockBitmapStart, sb.BlockBitmapSize},
		{sb.InodeTableStart, sb.InodeTableSize},
	}
	next := uint64(common.SUPERBLOCK) + 1
	for _, r := range regions {
		if uint64(r.start) < next {
			return fmt.Errorf("%w: region at %d overlaps %d", ErrBadLayout, r.start, next)
		}
		next = uint64(r.start) + uint64(r.size)
	}
	if sb.LogSize < 2 || uint64(sb.DataStart) < next || sb.DataStart > sb.Size {
		return fmt.Errorf("%w: log size %d, data %d, size %d",
			ErrBadLayout, sb.LogSize, sb.DataStart, sb.Size)
	}
	return nil
}

func (sb *FsSuper) String() string {
	return fmt.Sprintf("super{size %d log [%d,+%d) ibitmap %d bbitmap %d itable %d data %d"+
		" free blocks %d inodes %d}",
		sb.Size, sb.LogStart, sb.LogSize, sb.InodeBitmapStart,
		sb.BlockBitmapStart, sb.InodeTableStart, sb.DataStart,
		sb.NFreeBlocks, sb.NFreeInodes)
}

// Read loads and validates the superblock of dev through c.
func Read(c *bcache.Cache, dev common.Dev) (*FsSuper, error) {
	b, err := c.Get(dev, common.SUPERBLOCK)
	if err != nil {
		return nil, err
	}
	defer c.Put(b)
	sb, err := Decode(b.Data())
	if err != nil {
		return nil, fmt.Errorf("dev %d: %w", dev, err)
	}
	return sb, nil
}

// Write stores sb as the superblock of dev and syncs it.
func (sb *FsSuper) Write(c *bcache.Cache, dev common.Dev) error {
	return writeSync(c, dev, common.SUPERBLOCK, sb.Encode())
}

// Format writes sb and an empty log header to dev. Nothing else on the
// device is touched.
func Format(c *bcache.Cache, dev common.Dev, sb *FsSuper) error {
	if err := sb.Check(); err != nil {
		return err
	}
	if err := writeSync(c, dev, sb.LogStart, make(disk.Block, common.BlockSize)); err != nil {
		return fmt.Errorf("format log: %w", err)
	}
	if err := sb.Write(c, dev); err != nil {
		return fmt.Errorf("format super: %w", err)
	}
	util.DPrintf(1, "format dev %d: %v\n", dev, sb)
	return nil
}

func writeSync(c *bcache.Cache, dev common.Dev, bn common.Bnum, data disk.Block) error {
	b, err := c.Get(dev, bn)
	if err != nil {
		return err
	}
	defer c.Put(b)
	if err := b.Write(data); err != nil {
		return err
	}
	return c.Sync(b)
}
