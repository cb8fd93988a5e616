// Package repblock keeps a value replicated in two adjacent blocks. Every
// write updates both copies in one journal operation, so after any crash the
// two copies are equal.
package repblock

import (
	"sync"

	"github.com/mit-pdos/blkjournal/common"
	"github.com/mit-pdos/blkjournal/disk"
	"github.com/mit-pdos/blkjournal/jrnl"
	"github.com/mit-pdos/blkjournal/util"
)

type RepBlock struct {
	j *jrnl.Jrnl

	m  *sync.Mutex
	a0 common.Bnum
	a1 common.Bnum
}

// Open uses blocks a and a+1.
func Open(j *jrnl.Jrnl, a common.Bnum) *RepBlock {
	return &RepBlock{
		j:  j,
		m:  new(sync.Mutex),
		a0: a,
		a1: a + 1,
	}
}

// Read returns the primary copy.
func (rb *RepBlock) Read() (disk.Block, error) {
	rb.m.Lock()
	defer rb.m.Unlock()
	op := jrnl.Begin(rb.j)
	buf, err := op.ReadBuf(rb.a0)
	if err != nil {
		op.Abort()
		return nil, err
	}
	b := util.CloneByteSlice(buf.Data)
	return b, op.CommitWait(true)
}

// ReadBoth returns both copies, for checking that they agree.
func (rb *RepBlock) ReadBoth() (disk.Block, disk.Block, error) {
	rb.m.Lock()
	defer rb.m.Unlock()
	op := jrnl.Begin(rb.j)
	var copies [2]disk.Block
	for i, a := range []common.Bnum{rb.a0, rb.a1} {
		buf, err := op.ReadBuf(a)
		if err != nil {
			op.Abort()
			return nil, nil, err
		}
		copies[i] = util.CloneByteSlice(buf.Data)
	}
	return copies[0], copies[1], op.CommitWait(true)
}

func (rb *RepBlock) Write(b disk.Block) error {
	rb.m.Lock()
	defer rb.m.Unlock()
	op := jrnl.Begin(rb.j)
	if err := op.OverWrite(rb.a0, b); err != nil {
		op.Abort()
		return err
	}
	if err := op.OverWrite(rb.a1, b); err != nil {
		op.Abort()
		return err
	}
	return op.CommitWait(true)
}
