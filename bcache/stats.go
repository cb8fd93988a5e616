package bcache

import (
	"fmt"

	"github.com/mit-pdos/blkjournal/addr"
)

// Stats is a snapshot of the cache's monotonic counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Reads  uint64 // device reads issued
	Writes uint64 // device writes issued
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.stats.hits.Get(),
		Misses: c.stats.misses.Get(),
		Reads:  c.stats.reads.Get(),
		Writes: c.stats.writes.Get(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("\n\t#hits: %d\n\t#misses: %d\n\t#reads: %d\n\t#writes: %d\n",
		s.Hits, s.Misses, s.Reads, s.Writes)
}

// checkInvariants verifies the slab's structural invariants. Tests call it
// after every step.
func (c *Cache) checkInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bound := make(map[addr.Addr]int32)
	for i := range c.slots {
		s := &c.slots[i]
		if s.dirty && !s.valid {
			return fmt.Errorf("slot %d dirty but not valid", i)
		}
		if !s.bound {
			continue
		}
		if j, ok := bound[s.addr]; ok {
			return fmt.Errorf("slots %d and %d both bound to %v", j, i, s.addr)
		}
		bound[s.addr] = int32(i)
		if c.lookup(s.addr) != int32(i) {
			return fmt.Errorf("slot %d (%v) not on its hash chain", i, s.addr)
		}
	}
	var chained int
	for b := range c.buckets {
		for i := c.buckets[b]; i != nilIdx; i = c.slots[i].hnext {
			chained++
			if !c.slots[i].bound {
				return fmt.Errorf("unbound slot %d on chain %d", i, b)
			}
			if c.slots[i].addr.Bucket(c.nbucket) != uint64(b) {
				return fmt.Errorf("slot %d on wrong chain %d", i, b)
			}
		}
	}
	if chained != len(bound) {
		return fmt.Errorf("%d slots chained, %d bound", chained, len(bound))
	}
	if n := len(c.lru.order()); n != len(c.slots) {
		return fmt.Errorf("lru holds %d of %d slots", n, len(c.slots))
	}
	return nil
}
