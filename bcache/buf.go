package bcache

import (
	"fmt"

	"github.com/mit-pdos/blkjournal/addr"
	"github.com/mit-pdos/blkjournal/disk"
)

// A Buf is one pin on a cached block, returned by Get and given back with
// Put. Two Gets of the same block return two Bufs sharing one slot.
type Buf struct {
	c        *Cache
	idx      int32
	gen      uint64
	a        addr.Addr
	released bool // guarded by c.mu
}

func (b *Buf) Addr() addr.Addr {
	return b.a
}

// Data is the cached content of the block. Callers that modify it must call
// SetDirty, and must serialize their modifications among themselves.
func (b *Buf) Data() disk.Block {
	return b.c.slots[b.idx].data
}

// SetDirty records that Data differs from the device.
func (b *Buf) SetDirty() error {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	s, err := b.c.live(b, "setdirty")
	if err != nil {
		return err
	}
	if !s.valid {
		return fmt.Errorf("setdirty %v: %w", b.a, ErrInvalid)
	}
	s.dirty = true
	return nil
}

func (b *Buf) IsDirty() bool {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	return b.c.slots[b.idx].dirty
}

// Err reports whether the last I/O on this block failed.
func (b *Buf) Err() bool {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	return b.c.slots[b.idx].ioerr
}

// Write copies data into the block and marks it dirty.
func (b *Buf) Write(data []byte) error {
	copy(b.Data(), data)
	return b.SetDirty()
}

func (b *Buf) String() string {
	return fmt.Sprintf("buf{%v slot %d}", b.a, b.idx)
}
