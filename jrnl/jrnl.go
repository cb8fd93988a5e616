// Package jrnl is the top-level journal API.
//
// It provides atomic operations over whole blocks. The caller begins an
// operation Op, reads and writes blocks within it, and finally commits it.
// Writes are buffered in the Op and reach the cache only at commit, so an
// operation that is aborted, or that does not fit in the log, has no effect.
//
// Every block an operation touches is locked until the operation ends. This
// gives operations a consistent view of the blocks they read, and keeps a
// block from changing between its registration with the log and the commit
// that captures it.
//
// All operations that are open at the same time commit as one group when the
// last of them ends. CommitWait(true) returns once the group holding the
// operation's writes is durable, or has failed; CommitWait(false) returns as
// soon as the writes are registered.
package jrnl

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mit-pdos/blkjournal/addr"
	"github.com/mit-pdos/blkjournal/bcache"
	"github.com/mit-pdos/blkjournal/common"
	"github.com/mit-pdos/blkjournal/disk"
	"github.com/mit-pdos/blkjournal/lockmap"
	"github.com/mit-pdos/blkjournal/super"
	"github.com/mit-pdos/blkjournal/util"
	"github.com/mit-pdos/blkjournal/wal"
)

var (
	ErrTooBig = errors.New("jrnl: operation does not fit in the log")
	ErrDone   = errors.New("jrnl: operation already ended")
)

// Jrnl runs operations against one device.
type Jrnl struct {
	mu    *sync.Mutex // serializes registration so room checks hold
	cache *bcache.Cache
	log   *wal.Log
	locks *lockmap.LockMap
	dev   common.Dev
}

func MkJrnl(c *bcache.Cache, dev common.Dev, log *wal.Log) *Jrnl {
	return &Jrnl{
		mu:    new(sync.Mutex),
		cache: c,
		log:   log,
		locks: lockmap.MkLockMap(),
		dev:   dev,
	}
}

// Open reads the superblock of dev and sets up its log, recovering it.
func Open(c *bcache.Cache, dev common.Dev) (*Jrnl, *super.FsSuper, error) {
	sb, err := super.Read(c, dev)
	if err != nil {
		return nil, nil, err
	}
	log, err := wal.MkLogFromSuper(c, dev, sb)
	if err != nil {
		return nil, nil, err
	}
	return MkJrnl(c, dev, log), sb, nil
}

func (j *Jrnl) Log() *wal.Log {
	return j.log
}

// Buf is an operation's private copy of a block.
type Buf struct {
	Bn    common.Bnum
	Data  disk.Block
	dirty bool
}

func (b *Buf) SetDirty() {
	b.dirty = true
}

func (b *Buf) IsDirty() bool {
	return b.dirty
}

// Op is an in-progress journal operation.
//
// Call CommitWait to persist the operation's writes, or Abort to drop them.
type Op struct {
	j    *Jrnl
	bufs map[common.Bnum]*Buf
	done bool
}

// Begin starts an operation, waiting out a commit in progress.
func Begin(j *Jrnl) *Op {
	j.log.Begin()
	op := &Op{
		j:    j,
		bufs: make(map[common.Bnum]*Buf),
	}
	util.DPrintf(3, "Begin: %p\n", op)
	return op
}

func (op *Op) lock(bn common.Bnum) error {
	if op.j.log.InLog(bn) {
		return fmt.Errorf("block %d: %w", bn, wal.ErrGeometry)
	}
	op.j.locks.Acquire(addr.MkAddr(op.j.dev, bn))
	return nil
}

// ReadBuf locks bn and returns the operation's copy of it. Callers that
// modify Data must call SetDirty.
func (op *Op) ReadBuf(bn common.Bnum) (*Buf, error) {
	if op.done {
		return nil, ErrDone
	}
	if b, ok := op.bufs[bn]; ok {
		return b, nil
	}
	if err := op.lock(bn); err != nil {
		return nil, err
	}
	cb, err := op.j.cache.Get(op.j.dev, bn)
	if err != nil {
		op.j.locks.Release(addr.MkAddr(op.j.dev, bn))
		return nil, err
	}
	b := &Buf{Bn: bn, Data: util.CloneByteSlice(cb.Data())}
	op.j.cache.Put(cb)
	op.bufs[bn] = b
	return b, nil
}

// OverWrite replaces the content of bn without reading it.
func (op *Op) OverWrite(bn common.Bnum, data []byte) error {
	if op.done {
		return ErrDone
	}
	if uint64(len(data)) != common.BlockSize {
		return fmt.Errorf("overwrite %d: %w", bn, disk.ErrBlockSize)
	}
	b, ok := op.bufs[bn]
	if !ok {
		if err := op.lock(bn); err != nil {
			return err
		}
		b = &Buf{Bn: bn, Data: make(disk.Block, common.BlockSize)}
		op.bufs[bn] = b
	}
	copy(b.Data, data)
	b.SetDirty()
	return nil
}

// NDirty reports the number of blocks this operation will log.
func (op *Op) NDirty() uint64 {
	var n uint64
	for _, b := range op.bufs {
		if b.dirty {
			n++
		}
	}
	return n
}

func (op *Op) dirtyBufs() []*Buf {
	var bufs []*Buf
	for _, b := range op.bufs {
		if b.dirty {
			bufs = append(bufs, b)
		}
	}
	sort.Slice(bufs, func(i, k int) bool { return bufs[i].Bn < bufs[k].Bn })
	return bufs
}

// release ends the log transaction and unlocks every block.
func (op *Op) release() error {
	op.done = true
	err := op.j.log.End()
	for bn := range op.bufs {
		op.j.locks.Release(addr.MkAddr(op.j.dev, bn))
	}
	return err
}

// Abort ends the operation without applying its writes.
func (op *Op) Abort() error {
	if op.done {
		return ErrDone
	}
	util.DPrintf(3, "Abort %p\n", op)
	return op.release()
}

// needed counts the blocks of bufs the open group has not registered yet.
func needed(pending []common.Bnum, bufs []*Buf) uint64 {
	in := make(map[common.Bnum]bool, len(pending))
	for _, bn := range pending {
		in[bn] = true
	}
	var n uint64
	for _, b := range bufs {
		if !in[b.Bn] {
			n++
		}
	}
	return n
}

// register copies the dirty bufs into the cache and adds them to the open
// group. Every block is pinned before any is modified, so a failed read
// leaves the cache untouched.
func (op *Op) register(bufs []*Buf) error {
	log := op.j.log
	pending := log.Pending()
	if uint64(len(pending))+needed(pending, bufs) > log.Capacity() {
		return fmt.Errorf("%d blocks, %d of %d in use: %w: %w",
			len(bufs), len(pending), log.Capacity(), ErrTooBig, wal.ErrLogFull)
	}
	cbufs := make([]*bcache.Buf, 0, len(bufs))
	defer func() {
		for _, cb := range cbufs {
			op.j.cache.Put(cb)
		}
	}()
	for _, b := range bufs {
		cb, err := op.j.cache.Get(op.j.dev, b.Bn)
		if err != nil {
			return err
		}
		cbufs = append(cbufs, cb)
	}
	for i, b := range bufs {
		if err := cbufs[i].Write(b.Data); err != nil {
			return err
		}
		if err := log.LogWrite(b.Bn); err != nil {
			return err
		}
	}
	return nil
}

// CommitWait registers the operation's writes with the log and ends the
// operation. If it fails before registering, the operation has no effect.
//
// wait=true returns once the writes are durable. wait=false returns once
// they are registered; they commit with the rest of the group. If the group
// fails before its commit point, wait=true returns that error and the writes
// stay registered for the next group.
func (op *Op) CommitWait(wait bool) error {
	if op.done {
		return ErrDone
	}
	util.DPrintf(3, "Commit %p w %v\n", op, wait)
	bufs := op.dirtyBufs()
	if len(bufs) == 0 {
		return op.release()
	}

	op.j.mu.Lock()
	err := op.register(bufs)
	seq := op.j.log.Attempts()
	op.j.mu.Unlock()
	if err != nil {
		op.release()
		return err
	}

	if err := op.release(); err != nil {
		return err
	}
	if wait {
		return op.j.log.WaitCommit(seq)
	}
	return nil
}
