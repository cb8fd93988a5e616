// Package bcache is a fixed-size cache of disk blocks.
//
// The cache owns a slab of nbuf slots that are never freed, only re-bound to
// a new (device, block) when evicted. Slots are found through a hash table of
// index-linked chains keyed by addr.Addr, and evicted in approximate LRU
// order: on a miss the cache scans from the least recently used end and takes
// the first slot with no pins. Pinning is a hard exclusion, not a priority; a
// pinned slot is never chosen, and when every slot is pinned Get fails with
// ErrCacheExhausted.
//
// A single mutex guards the whole cache and is held across device I/O on the
// miss path, so a slow device serializes all cache traffic. An
// implementation with a real asynchronous device should instead mark the slot
// as loading, drop the mutex during I/O, and block only concurrent loaders of
// the same block.
package bcache

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/mit-pdos/blkjournal/addr"
	"github.com/mit-pdos/blkjournal/common"
	"github.com/mit-pdos/blkjournal/disk"
	"github.com/mit-pdos/blkjournal/util"
)

var (
	ErrCacheExhausted = errors.New("bcache: all buffers pinned")
	ErrDeviceRead     = errors.New("bcache: device read failed")
	ErrDeviceWrite    = errors.New("bcache: device write failed")
	ErrNotPinned      = errors.New("bcache: buffer not pinned")
	ErrInvalid        = errors.New("bcache: buffer content not valid")
)

type slot struct {
	addr  addr.Addr
	bound bool
	data  disk.Block
	dirty bool // differs from the device's copy; implies valid
	valid bool // data holds a successful load
	ioerr bool // the last I/O on this slot failed
	ref   uint64
	gen   uint64 // bumped every time the slot is bound to a new block
	hnext int32
}

type cstats struct {
	hits   util.Counter
	misses util.Counter
	reads  util.Counter
	writes util.Counter
}

type Cache struct {
	mu      *sync.Mutex
	d       disk.Device
	slots   []slot
	buckets []int32
	nbucket uint64
	lru     *lruList
	stats   cstats
}

// MkCache creates a cache of nbuf block buffers over d. nbucket is rounded up
// to a power of two.
func MkCache(d disk.Device, nbuf uint64, nbucket uint64) *Cache {
	if nbuf == 0 || nbuf >= math.MaxInt32 {
		panic(fmt.Sprintf("bcache: bad buffer count %d", nbuf))
	}
	nbucket = util.NextPow2(nbucket)
	c := &Cache{
		mu:      new(sync.Mutex),
		d:       d,
		slots:   make([]slot, nbuf),
		buckets: make([]int32, nbucket),
		nbucket: nbucket,
		lru:     mkLruList(int(nbuf)),
	}
	for b := range c.buckets {
		c.buckets[b] = nilIdx
	}
	for i := range c.slots {
		c.slots[i].data = make(disk.Block, common.BlockSize)
		c.slots[i].hnext = nilIdx
		c.lru.pushLRU(int32(i))
	}
	util.DPrintf(1, "bcache: %d bufs, %d buckets, block=%d\n",
		nbuf, nbucket, common.BlockSize)
	return c
}

func MkDefaultCache(d disk.Device) *Cache {
	return MkCache(d, common.NBUF, common.NBUCKET)
}

func (c *Cache) mkBuf(i int32) *Buf {
	return &Buf{c: c, idx: i, gen: c.slots[i].gen, a: c.slots[i].addr}
}

// load reads slot i's block from the device. Assumes c.mu is held.
func (c *Cache) load(i int32) error {
	s := &c.slots[i]
	err := c.d.Read(s.addr.Dev, s.addr.Blkno, s.data)
	c.stats.reads.Inc()
	if err != nil {
		s.valid = false
		s.ioerr = true
		util.Warnf("bcache: read failed %v: %v", s.addr, err)
		return fmt.Errorf("load %v: %w: %w", s.addr, ErrDeviceRead, err)
	}
	s.valid = true
	s.ioerr = false
	return nil
}

// writeback writes slot i to the device and marks it clean. Assumes c.mu is
// held and that the slot is dirty and valid.
func (c *Cache) writeback(i int32) error {
	s := &c.slots[i]
	err := c.d.Write(s.addr.Dev, s.addr.Blkno, s.data)
	c.stats.writes.Inc()
	if err != nil {
		s.ioerr = true
		util.Warnf("bcache: writeback failed %v: %v", s.addr, err)
		return fmt.Errorf("writeback %v: %w: %w", s.addr, ErrDeviceWrite, err)
	}
	s.dirty = false
	s.ioerr = false
	return nil
}

// victim picks the least recently used unpinned slot. Assumes c.mu is held.
func (c *Cache) victim() int32 {
	return c.lru.coldest(func(i int32) bool {
		return c.slots[i].ref == 0
	})
}

// Get returns block bn of dev, pinned. The caller must Put it when done.
func (c *Cache) Get(dev common.Dev, bn common.Bnum) (*Buf, error) {
	a := addr.MkAddr(dev, bn)
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.lookup(a); i != nilIdx {
		c.stats.hits.Inc()
		s := &c.slots[i]
		if !s.valid {
			// an earlier load of this block failed
			if err := c.load(i); err != nil {
				return nil, err
			}
		}
		s.ref++
		c.lru.remove(i)
		c.lru.pushMRU(i)
		return c.mkBuf(i), nil
	}

	c.stats.misses.Inc()
	i := c.victim()
	if i == nilIdx {
		util.DPrintf(1, "bcache: no victim available for %v\n", a)
		return nil, fmt.Errorf("get %v: %w", a, ErrCacheExhausted)
	}
	s := &c.slots[i]
	if s.bound && s.dirty && s.valid {
		if err := c.writeback(i); err != nil {
			return nil, fmt.Errorf("evict for %v: %w", a, err)
		}
	}
	if s.bound {
		c.hashRemove(i)
	}
	c.lru.remove(i)

	s.addr = a
	s.bound = true
	s.gen++
	s.ref = 1
	s.dirty = false
	s.valid = false
	s.ioerr = false
	c.hashInsert(i)
	c.lru.pushMRU(i)

	if err := c.load(i); err != nil {
		s.ref = 0
		return nil, err
	}
	return c.mkBuf(i), nil
}

// live finds b's slot, reporting a defect if b was already released. Assumes
// c.mu is held.
func (c *Cache) live(b *Buf, op string) (*slot, error) {
	s := &c.slots[b.idx]
	if b.released || s.gen != b.gen || s.ref == 0 {
		util.Defect("bcache: %s on unpinned buffer %v", op, b.a)
		return nil, fmt.Errorf("%s %v: %w", op, b.a, ErrNotPinned)
	}
	return s, nil
}

// Put releases one pin on b and makes it the next eviction candidate.
// b must not be used afterwards.
func (c *Cache) Put(b *Buf) error {
	if b == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.live(b, "put")
	if err != nil {
		return err
	}
	b.released = true
	s.ref--
	c.lru.remove(b.idx)
	c.lru.pushLRU(b.idx)
	return nil
}

// Sync writes b back to the device if it is dirty.
func (c *Cache) Sync(b *Buf) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.live(b, "sync")
	if err != nil {
		return err
	}
	if s.dirty && s.valid {
		return c.writeback(b.idx)
	}
	return nil
}

// Flush syncs every dirty buffer of dev. It attempts all of them and returns
// the failures joined.
func (c *Cache) Flush(dev common.Dev) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for i := range c.slots {
		s := &c.slots[i]
		if s.bound && s.addr.Dev == dev && s.dirty && s.valid {
			if err := c.writeback(int32(i)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Barrier waits for writes already issued to dev to become durable, if the
// device supports it.
func (c *Cache) Barrier(dev common.Dev) error {
	if b, ok := c.d.(disk.Barrierer); ok {
		return b.Barrier(dev)
	}
	return nil
}

// Available reports the number of unpinned buffers.
func (c *Cache) Available() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n uint64
	for i := range c.slots {
		if c.slots[i].ref == 0 {
			n++
		}
	}
	return n
}

// Size reports the number of buffers in the cache.
func (c *Cache) Size() uint64 {
	return uint64(len(c.slots))
}
