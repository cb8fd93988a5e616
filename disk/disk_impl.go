package disk

import (
	"fmt"

	gdisk "github.com/tchajed/goose/machine/disk"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/blkjournal/util"
)

var _ Disk = FileDisk{}

// FileDisk is a disk image in a regular file (or a raw block device).
type FileDisk struct {
	fd        int
	numBlocks uint64
}

func NewFileDisk(path string, numBlocks uint64) (FileDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return FileDisk{}, err
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return FileDisk{}, err
	}
	if (stat.Mode&unix.S_IFMT) == unix.S_IFREG && uint64(stat.Size) != numBlocks*BlockSize {
		err = unix.Ftruncate(fd, int64(numBlocks*BlockSize))
		if err != nil {
			unix.Close(fd)
			return FileDisk{}, err
		}
	}
	return FileDisk{fd, numBlocks}, nil
}

// OpenFileDisk opens an existing image and sizes the disk from the file.
func OpenFileDisk(path string) (FileDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return FileDisk{}, err
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return FileDisk{}, err
	}
	return FileDisk{fd, uint64(stat.Size) / BlockSize}, nil
}

func (d FileDisk) ReadTo(a uint64, buf Block) error {
	if err := checkAccess(d, a, buf); err != nil {
		return fmt.Errorf("read %d: %w", a, err)
	}
	n, err := unix.Pread(d.fd, buf, int64(a*BlockSize))
	if err != nil {
		return fmt.Errorf("read %d: %w", a, err)
	}
	// a short read past the end of a sparse image reads as zeros
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	util.DPrintf(20, "read: %v\n", a)
	return nil
}

func (d FileDisk) Write(a uint64, v Block) error {
	if err := checkAccess(d, a, v); err != nil {
		return fmt.Errorf("write %d: %w", a, err)
	}
	_, err := unix.Pwrite(d.fd, v, int64(a*BlockSize))
	if err != nil {
		return fmt.Errorf("write %d: %w", a, err)
	}
	util.DPrintf(20, "write: %v\n", a)
	return nil
}

func (d FileDisk) Size() uint64 {
	return d.numBlocks
}

func (d FileDisk) Barrier() error {
	// NOTE: on macOS, this flushes to the drive but doesn't actually issue a
	// disk barrier; the correct replacement is fcntl with F_FULLFSYNC.
	return unix.Fsync(d.fd)
}

func (d FileDisk) Close() error {
	return unix.Close(d.fd)
}

var _ Disk = MemDisk{}

// MemDisk keeps its blocks in a goose in-memory disk; a crash is simulated by
// dropping every cache layered on top of it and keeping the MemDisk.
type MemDisk struct {
	gooseDisk
}

func NewMemDisk(numBlocks uint64) MemDisk {
	return MemDisk{gooseDisk{d: gdisk.NewMemDisk(numBlocks)}}
}
