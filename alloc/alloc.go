package alloc

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/mit-pdos/blkjournal/common"
	"github.com/mit-pdos/blkjournal/disk"
	"github.com/mit-pdos/blkjournal/jrnl"
	"github.com/mit-pdos/blkjournal/super"
	"github.com/mit-pdos/blkjournal/util"
)

const (
	NBITBLOCK uint64 = common.BlockSize * 8
)

var (
	ErrNoSpace = errors.New("alloc: no free numbers")
	ErrRange   = errors.New("alloc: number out of range")
	ErrNotUsed = errors.New("alloc: freeing a free number")
)

// Alloc uses an on-disk bitmap to allocate and free numbers 1..max-1. Bit n
// of the bitmap corresponds to number n; number 0 is never handed out.
// Bitmap blocks are read and written through journal operations, so an
// allocation commits together with the operation that uses it.
//
// An allocator made from a superblock also keeps the superblock's free
// count in step, in the same operation. The superblock is locked before any
// bitmap block, so allocating operations never deadlock on each other.
type Alloc struct {
	lock  *sync.Mutex // protects next
	start common.Bnum
	len   uint64 // bitmap blocks
	max   uint64
	next  uint64 // first number to try
	count func(sb *super.FsSuper) *uint32
}

func MkAlloc(start common.Bnum, len uint64, max uint64) *Alloc {
	if max > len*NBITBLOCK {
		max = len * NBITBLOCK
	}
	return &Alloc{
		lock:  new(sync.Mutex),
		start: start,
		len:   len,
		max:   max,
	}
}

// MkBlockAlloc allocates block numbers of the device described by sb.
func MkBlockAlloc(sb *super.FsSuper) *Alloc {
	a := MkAlloc(sb.BlockBitmapStart, uint64(sb.BlockBitmapSize), uint64(sb.Size))
	a.count = func(sb *super.FsSuper) *uint32 { return &sb.NFreeBlocks }
	return a
}

// MkInodeAlloc allocates inode numbers of the device described by sb.
func MkInodeAlloc(sb *super.FsSuper) *Alloc {
	a := MkAlloc(sb.InodeBitmapStart, uint64(sb.InodeBitmapSize), uint64(sb.NInodes))
	a.count = func(sb *super.FsSuper) *uint32 { return &sb.NFreeInodes }
	return a
}

// superBuf locks the superblock in op and decodes it. It returns nil for an
// allocator that keeps no count.
func (a *Alloc) superBuf(op *jrnl.Op) (*jrnl.Buf, *super.FsSuper, error) {
	if a.count == nil {
		return nil, nil, nil
	}
	b, err := op.ReadBuf(common.SUPERBLOCK)
	if err != nil {
		return nil, nil, err
	}
	sb, err := super.Decode(b.Data)
	if err != nil {
		return nil, nil, err
	}
	return b, sb, nil
}

// setCount stores n as the free count in op.
func (a *Alloc) setCount(b *jrnl.Buf, sb *super.FsSuper, n uint32) {
	if b == nil {
		return
	}
	*a.count(sb) = n
	copy(b.Data, sb.Encode())
	b.SetDirty()
}

func (a *Alloc) addCount(b *jrnl.Buf, sb *super.FsSuper, delta int64) {
	if b == nil {
		return
	}
	n := int64(*a.count(sb)) + delta
	if n < 0 {
		util.Warnf("alloc: free count of %v out of step with bitmap", sb)
		n = 0
	}
	a.setCount(b, sb, uint32(n))
}

func (a *Alloc) incNext() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.next = a.next + 1
	if a.next >= a.max {
		a.next = 1
	}
	return a.next
}

// bitBuf returns the bitmap block holding bit n, locked by op, and the
// position of the bit in it.
func (a *Alloc) bitBuf(op *jrnl.Op, n uint64) (*jrnl.Buf, uint64, error) {
	if n == 0 || n >= a.max {
		return nil, 0, fmt.Errorf("%d: %w", n, ErrRange)
	}
	b, err := op.ReadBuf(a.start + common.Bnum(n/NBITBLOCK))
	if err != nil {
		return nil, 0, err
	}
	return b, n % NBITBLOCK, nil
}

func isSet(b *jrnl.Buf, bit uint64) bool {
	return b.Data[bit/8]&(1<<(bit%8)) != 0
}

func setBit(b *jrnl.Buf, bit uint64) {
	b.Data[bit/8] |= 1 << (bit % 8)
	b.SetDirty()
}

func clearBit(b *jrnl.Buf, bit uint64) {
	b.Data[bit/8] &^= 1 << (bit % 8)
	b.SetDirty()
}

// AllocNum finds a free number, marks it used in op and returns it.
func (a *Alloc) AllocNum(op *jrnl.Op) (uint64, error) {
	if a.max < 2 {
		return 0, ErrNoSpace
	}
	sbuf, sb, err := a.superBuf(op)
	if err != nil {
		return 0, err
	}
	num := a.incNext()
	start := num
	for {
		b, bit, err := a.bitBuf(op, num)
		if err != nil {
			return 0, err
		}
		util.DPrintf(10, "AllocNum: s %d num %d byte 0x%x\n", start, num, b.Data[bit/8])
		if !isSet(b, bit) {
			setBit(b, bit)
			a.addCount(sbuf, sb, -1)
			return num, nil
		}
		num = a.incNext()
		if num == start {
			return 0, ErrNoSpace
		}
	}
}

// FreeNum marks num free in op.
func (a *Alloc) FreeNum(op *jrnl.Op, num uint64) error {
	sbuf, sb, err := a.superBuf(op)
	if err != nil {
		return err
	}
	b, bit, err := a.bitBuf(op, num)
	if err != nil {
		return err
	}
	if !isSet(b, bit) {
		util.Defect("alloc: FreeNum %d not allocated", num)
		return fmt.Errorf("%d: %w", num, ErrNotUsed)
	}
	clearBit(b, bit)
	a.addCount(sbuf, sb, 1)
	return nil
}

// MarkUsed marks num used in op whether or not it was free.
func (a *Alloc) MarkUsed(op *jrnl.Op, num uint64) error {
	sbuf, sb, err := a.superBuf(op)
	if err != nil {
		return err
	}
	b, bit, err := a.bitBuf(op, num)
	if err != nil {
		return err
	}
	if !isSet(b, bit) {
		setBit(b, bit)
		a.addCount(sbuf, sb, -1)
	}
	return nil
}

// Recount sets the free count from the bitmap.
func (a *Alloc) Recount(op *jrnl.Op) error {
	sbuf, sb, err := a.superBuf(op)
	if err != nil {
		return err
	}
	n, err := a.NumFree(op)
	if err != nil {
		return err
	}
	a.setCount(sbuf, sb, uint32(n))
	return nil
}

func popCnt(b byte) uint64 {
	return uint64(bits.OnesCount8(b))
}

// NumFree counts the free numbers in the bitmap as seen by op.
func (a *Alloc) NumFree(op *jrnl.Op) (uint64, error) {
	if _, _, err := a.superBuf(op); err != nil {
		return 0, err
	}
	var used uint64
	for i := uint64(0); i < a.len; i++ {
		b, err := op.ReadBuf(a.start + common.Bnum(i))
		if err != nil {
			return 0, err
		}
		for _, x := range b.Data {
			used += popCnt(x)
		}
	}
	return a.max - 1 - used, nil
}

// Reset clears the whole bitmap in op.
func (a *Alloc) Reset(op *jrnl.Op) error {
	zero := make(disk.Block, common.BlockSize)
	for i := uint64(0); i < a.len; i++ {
		if err := op.OverWrite(a.start+common.Bnum(i), zero); err != nil {
			return err
		}
	}
	return nil
}

// FormatBitmaps clears both bitmaps of a freshly formatted device, marks
// the metadata blocks and the root inode as used and sets the superblock's
// free counts, in one operation.
func FormatBitmaps(j *jrnl.Jrnl, sb *super.FsSuper) error {
	balloc := MkBlockAlloc(sb)
	ialloc := MkInodeAlloc(sb)
	op := jrnl.Begin(j)
	err := func() error {
		if _, err := op.ReadBuf(common.SUPERBLOCK); err != nil {
			return err
		}
		if err := balloc.Reset(op); err != nil {
			return err
		}
		if err := ialloc.Reset(op); err != nil {
			return err
		}
		for bn := uint64(1); bn < uint64(sb.DataStart); bn++ {
			if err := balloc.MarkUsed(op, bn); err != nil {
				return err
			}
		}
		if sb.NInodes > sb.RootInode {
			if err := ialloc.MarkUsed(op, uint64(sb.RootInode)); err != nil {
				return err
			}
		}
		if err := balloc.Recount(op); err != nil {
			return err
		}
		return ialloc.Recount(op)
	}()
	if err != nil {
		op.Abort()
		return err
	}
	return op.CommitWait(true)
}
