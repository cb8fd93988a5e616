package bcache

import (
	"github.com/mit-pdos/blkjournal/addr"
)

const nilIdx int32 = -1

// The LRU ordering is a circular doubly-linked list over slab indices with a
// sentinel at index len(slots): sentinel.next is the most recently used slot
// and sentinel.prev the least recently used one.
type lruList struct {
	next []int32
	prev []int32
}

func mkLruList(n int) *lruList {
	l := &lruList{
		next: make([]int32, n+1),
		prev: make([]int32, n+1),
	}
	head := int32(n)
	l.next[head] = head
	l.prev[head] = head
	return l
}

func (l *lruList) head() int32 {
	return int32(len(l.next) - 1)
}

func (l *lruList) remove(i int32) {
	l.next[l.prev[i]] = l.next[i]
	l.prev[l.next[i]] = l.prev[i]
	l.next[i] = nilIdx
	l.prev[i] = nilIdx
}

func (l *lruList) pushMRU(i int32) {
	h := l.head()
	l.next[i] = l.next[h]
	l.prev[i] = h
	l.prev[l.next[h]] = i
	l.next[h] = i
}

func (l *lruList) pushLRU(i int32) {
	h := l.head()
	l.next[i] = h
	l.prev[i] = l.prev[h]
	l.next[l.prev[h]] = i
	l.prev[h] = i
}

// coldest walks from the least recently used end toward the most recently
// used one until f returns true, and returns that index (or nilIdx).
func (l *lruList) coldest(f func(int32) bool) int32 {
	h := l.head()
	for i := l.prev[h]; i != h; i = l.prev[i] {
		if f(i) {
			return i
		}
	}
	return nilIdx
}

// order lists slots from most to least recently used.
func (l *lruList) order() []int32 {
	var o []int32
	h := l.head()
	for i := l.next[h]; i != h; i = l.next[i] {
		o = append(o, i)
	}
	return o
}

//
// hash chains: buckets[b] is the first slot of chain b, slot.hnext the rest
//

func (c *Cache) lookup(a addr.Addr) int32 {
	for i := c.buckets[a.Bucket(c.nbucket)]; i != nilIdx; i = c.slots[i].hnext {
		s := &c.slots[i]
		if s.bound && s.addr == a {
			return i
		}
	}
	return nilIdx
}

func (c *Cache) hashInsert(i int32) {
	s := &c.slots[i]
	b := s.addr.Bucket(c.nbucket)
	s.hnext = c.buckets[b]
	c.buckets[b] = i
}

func (c *Cache) hashRemove(i int32) {
	s := &c.slots[i]
	b := s.addr.Bucket(c.nbucket)
	if c.buckets[b] == i {
		c.buckets[b] = s.hnext
	} else {
		for p := c.buckets[b]; p != nilIdx; p = c.slots[p].hnext {
			if c.slots[p].hnext == i {
				c.slots[p].hnext = s.hnext
				break
			}
		}
	}
	s.hnext = nilIdx
}
