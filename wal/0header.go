package wal

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/blkjournal/bcache"
	"github.com/mit-pdos/blkjournal/common"
	"github.com/mit-pdos/blkjournal/disk"
)

// Header is the decoded first block of the log region.
type Header struct {
	N       uint32
	Targets []common.Bnum // the first min(N, HDRADDRS) recorded homes
}

func mkHeader(blks []common.Bnum) *Header {
	return &Header{N: uint32(len(blks)), Targets: blks}
}

// encode packs the header as little-endian u32 fields; unused targets and the
// rest of the block are zero.
func (h *Header) encode() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt32(h.N)
	for i := uint64(0); i < HDRADDRS; i++ {
		var bn common.Bnum
		if i < uint64(len(h.Targets)) {
			bn = h.Targets[i]
		}
		enc.PutInt32(bn)
	}
	return enc.Finish()
}

func decodeHeader(blk disk.Block) *Header {
	dec := marshal.NewDec(blk)
	n := dec.GetInt32()
	targets := make([]common.Bnum, HDRADDRS)
	for i := range targets {
		targets[i] = dec.GetInt32()
	}
	if uint64(n) < HDRADDRS {
		targets = targets[:n]
	}
	return &Header{N: n, Targets: targets}
}

// Valid checks the header against the geometry of the region it was read
// from. An empty header is valid.
func (h *Header) Valid(start common.Bnum, size uint64) error {
	if uint64(h.N) > capacity(size) {
		return fmt.Errorf("%w: n=%d, capacity %d", ErrInvalidHeader, h.N, capacity(size))
	}
	for i, bn := range h.Targets {
		if bn >= start && uint64(bn) < uint64(start)+size {
			return fmt.Errorf("%w: target %d (%d) inside log", ErrInvalidHeader, i, bn)
		}
	}
	return nil
}

func (h *Header) String() string {
	return fmt.Sprintf("hdr{n %d targets %v}", h.N, h.Targets)
}

// ReadHeader reads the log header at start of dev through c without
// validating it.
func ReadHeader(c *bcache.Cache, dev common.Dev, start common.Bnum) (*Header, error) {
	b, err := c.Get(dev, start)
	if err != nil {
		return nil, err
	}
	h := decodeHeader(b.Data())
	return h, c.Put(b)
}

// writeHeader writes h at start of dev and waits for it to reach the device.
func writeHeader(c *bcache.Cache, dev common.Dev, start common.Bnum, h *Header) error {
	b, err := c.Get(dev, start)
	if err != nil {
		return err
	}
	if err := b.Write(h.encode()); err != nil {
		c.Put(b)
		return err
	}
	err = c.Sync(b)
	if perr := c.Put(b); err == nil {
		err = perr
	}
	return err
}
