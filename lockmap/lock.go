// Package lockmap provides a lock for every block address.
//
// The map behaves as if it held one lock per addr.Addr. It only keeps state
// for locks that are held or waited on, spread over NSHARD shards by the
// address's flat id; acquiring a lock synchronizes only with threads using
// the same shard.
package lockmap

import (
	"sync"

	"github.com/mit-pdos/blkjournal/addr"
)

type lockState struct {
	held    bool
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[uint64]*lockState
}

func mkLockShard() *lockShard {
	return &lockShard{
		mu:    new(sync.Mutex),
		state: make(map[uint64]*lockState),
	}
}

func (sh *lockShard) acquire(id uint64) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for {
		state, ok := sh.state[id]
		if !ok {
			state = &lockState{cond: sync.NewCond(sh.mu)}
			sh.state[id] = state
		}
		if !state.held {
			state.held = true
			return
		}
		state.waiters++
		state.cond.Wait()
		// the state is kept while anyone waits on it
		state.waiters--
	}
}

func (sh *lockShard) release(id uint64) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	state, ok := sh.state[id]
	if !ok || !state.held {
		return false
	}
	state.held = false
	if state.waiters > 0 {
		state.cond.Signal()
	} else {
		delete(sh.state, id)
	}
	return true
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	shards := make([]*lockShard, NSHARD)
	for i := range shards {
		shards[i] = mkLockShard()
	}
	return &LockMap{shards: shards}
}

func (lmap *LockMap) shard(a addr.Addr) *lockShard {
	return lmap.shards[a.Flatid()%NSHARD]
}

// Acquire blocks until the lock for a is free and takes it.
func (lmap *LockMap) Acquire(a addr.Addr) {
	lmap.shard(a).acquire(a.Flatid())
}

// Release frees the lock for a. It reports false if the lock was not held.
func (lmap *LockMap) Release(a addr.Addr) bool {
	return lmap.shard(a).release(a.Flatid())
}
