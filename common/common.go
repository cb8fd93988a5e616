package common

import (
	"github.com/tchajed/goose/machine/disk"
)

const (
	BlockSize uint64 = disk.BlockSize

	// LOGMAXBLKS is the most blocks a single transaction can record, bounded
	// by the fixed target array in the log header.
	LOGMAXBLKS uint64 = 64

	SUPERBLOCK Bnum   = 1
	LOGSTART   Bnum   = 2
	LOGSIZE    uint64 = 30 // header block plus data blocks

	NBUF    uint64 = 128
	NBUCKET uint64 = 64

	MAGIC   uint32 = 0x4D594653
	VERSION uint32 = 1
)

// Dev names a block device attached to the device table.
type Dev = uint32

// Bnum is a block number on a device.
type Bnum = uint32

const (
	NULLBNUM Bnum = 0
	ROOTINUM uint32 = 1
)
