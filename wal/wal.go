package wal

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/blkjournal/bcache"
	"github.com/mit-pdos/blkjournal/common"
	"github.com/mit-pdos/blkjournal/super"
	"github.com/mit-pdos/blkjournal/util"
)

type lstats struct {
	commits    util.Counter
	logged     util.Counter
	absorbed   util.Counter
	installs   util.Counter
	recoveries util.Counter
	dropped    util.Counter
}

// Log is the journal of one device. All transactions opened between two
// commits form one group that commits atomically.
//
// mu guards the transaction state below it. mu is never held while calling
// into the cache.
type Log struct {
	mu         *sync.Mutex
	condCommit *sync.Cond
	cache      *bcache.Cache
	dev        common.Dev
	start      common.Bnum
	size       uint64

	outstanding uint64
	committing  bool
	pending     []common.Bnum
	pins        map[common.Bnum]*bcache.Buf
	ncommit     uint64 // commits that reached the commit point
	nattempt    uint64 // commits run, whether or not they reached it
	lastAbsorb  uint64 // number of the latest attempt that reached it
	attemptErr  error  // error of the latest attempt that did not

	// hdrStale is set when a header write failed, so the header on disk may
	// still name the log blocks. Only the committer touches it.
	hdrStale bool

	stats lstats
}

// MkLog sets up the journal occupying [start, start+size) of dev and replays
// any transaction a crash left committed but not installed.
func MkLog(c *bcache.Cache, dev common.Dev, start common.Bnum, size uint64) (*Log, error) {
	if size < 2 || size > uint64(^uint32(0)) || util.SumOverflows32(start, uint32(size)) {
		return nil, fmt.Errorf("%w: start %d size %d", ErrGeometry, start, size)
	}
	mu := new(sync.Mutex)
	l := &Log{
		mu:         mu,
		condCommit: sync.NewCond(mu),
		cache:      c,
		dev:        dev,
		start:      start,
		size:       size,
		pins:       make(map[common.Bnum]*bcache.Buf),
	}
	util.DPrintf(1, "MkLog: dev %d start %d size %d cap %d\n",
		dev, start, size, l.Capacity())
	skipped, err := l.quiesceAndRecover()
	if err != nil {
		return nil, err
	}
	if skipped != nil {
		util.Warnf("wal: recovery incomplete: %v", skipped)
	}
	return l, nil
}

// MkLogFromSuper sets up the journal described by a superblock.
func MkLogFromSuper(c *bcache.Cache, dev common.Dev, sb *super.FsSuper) (*Log, error) {
	return MkLog(c, dev, sb.LogStart, uint64(sb.LogSize))
}

// Capacity is the maximum number of distinct blocks in one transaction.
func (l *Log) Capacity() uint64 {
	return capacity(l.size)
}

// InLog reports whether bn belongs to the log region.
func (l *Log) InLog(bn common.Bnum) bool {
	return bn >= l.start && uint64(bn) < uint64(l.start)+l.size
}

// Begin opens a transaction, waiting out a commit in progress.
func (l *Log) Begin() {
	l.mu.Lock()
	for l.committing {
		l.condCommit.Wait()
	}
	l.outstanding++
	util.DPrintf(5, "Begin: outstanding %d\n", l.outstanding)
	l.mu.Unlock()
}

func (l *Log) isPending(bn common.Bnum) bool {
	for _, p := range l.pending {
		if p == bn {
			return true
		}
	}
	return false
}

func (l *Log) dropPending(bn common.Bnum) {
	for i, p := range l.pending {
		if p == bn {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}

// LogWrite adds bn to the open transaction. The caller must already have
// modified bn through the cache and marked it dirty, or do so before End.
// Registering a block twice is a no-op; a block over capacity is refused with
// ErrLogFull and the transaction goes on without it.
func (l *Log) LogWrite(bn common.Bnum) error {
	l.mu.Lock()
	if l.outstanding == 0 {
		l.mu.Unlock()
		util.Defect("wal: LogWrite %d outside of transaction", bn)
		return fmt.Errorf("logwrite %d: %w", bn, ErrNoTxn)
	}
	if l.InLog(bn) {
		l.mu.Unlock()
		return fmt.Errorf("logwrite %d: %w: block inside log", bn, ErrGeometry)
	}
	if l.isPending(bn) {
		l.mu.Unlock()
		l.stats.absorbed.Inc()
		util.DPrintf(5, "LogWrite: absorb %d\n", bn)
		return nil
	}
	if uint64(len(l.pending)) >= l.Capacity() {
		n := len(l.pending)
		l.mu.Unlock()
		l.stats.dropped.Inc()
		util.Warnf("wal: transaction full (%d blocks), dropping %d", n, bn)
		return fmt.Errorf("logwrite %d: %w", bn, ErrLogFull)
	}
	// reserve the slot, then pin without holding mu
	l.pending = append(l.pending, bn)
	l.mu.Unlock()

	b, err := l.cache.Get(l.dev, bn)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.dropPending(bn)
		return fmt.Errorf("logwrite %d: %w", bn, err)
	}
	l.pins[bn] = b
	l.stats.logged.Inc()
	return nil
}

// End closes a transaction. The last one out commits the group.
func (l *Log) End() error {
	l.mu.Lock()
	if l.outstanding == 0 {
		l.mu.Unlock()
		util.Defect("wal: End without Begin")
		return fmt.Errorf("end: %w", ErrNoTxn)
	}
	l.outstanding--
	if l.outstanding > 0 || len(l.pending) == 0 {
		if l.outstanding == 0 {
			// Recover waits for quiescence
			l.condCommit.Broadcast()
		}
		l.mu.Unlock()
		return nil
	}
	l.committing = true
	blks := make([]common.Bnum, len(l.pending))
	copy(blks, l.pending)
	l.mu.Unlock()

	absorbed, err := l.commitPhases(blks, phaseClear)
	if err != nil {
		err = fmt.Errorf("commit of %d blocks: %w", len(blks), err)
	}

	l.mu.Lock()
	l.nattempt++
	var pins []*bcache.Buf
	if absorbed {
		for _, bn := range blks {
			pins = append(pins, l.pins[bn])
			delete(l.pins, bn)
		}
		l.pending = nil
		l.ncommit++
		l.lastAbsorb = l.nattempt
		l.stats.commits.Inc()
	} else {
		l.attemptErr = err
	}
	l.committing = false
	l.condCommit.Broadcast()
	l.mu.Unlock()

	for _, b := range pins {
		l.cache.Put(b)
	}
	return err
}

// Commits reports how many commits have reached the commit point.
func (l *Log) Commits() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ncommit
}

// Attempts reports how many commits have run. Blocks registered by an open
// transaction are carried by attempt Attempts()+1, and by later attempts
// while those fail before the commit point.
func (l *Log) Attempts() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nattempt
}

// WaitCommit waits for commit attempt n+1 to finish. It returns nil if the
// blocks registered before that attempt are durable, and otherwise the error
// of the latest failed attempt; those blocks stay pending.
func (l *Log) WaitCommit(n uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.nattempt <= n {
		l.condCommit.Wait()
	}
	if l.lastAbsorb > n {
		return nil
	}
	return l.attemptErr
}

// Pending lists the blocks registered since the last commit.
func (l *Log) Pending() []common.Bnum {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := make([]common.Bnum, len(l.pending))
	copy(p, l.pending)
	return p
}

// Stats is a snapshot of the journal's counters.
type Stats struct {
	Commits    uint64
	Logged     uint64 // blocks registered
	Absorbed   uint64 // registrations of already pending blocks
	Installs   uint64 // home blocks written from the log
	Recoveries uint64 // recoveries that replayed a transaction
	Dropped    uint64 // registrations refused at capacity
}

func (l *Log) Stats() Stats {
	return Stats{
		Commits:    l.stats.commits.Get(),
		Logged:     l.stats.logged.Get(),
		Absorbed:   l.stats.absorbed.Get(),
		Installs:   l.stats.installs.Get(),
		Recoveries: l.stats.recoveries.Get(),
		Dropped:    l.stats.dropped.Get(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("\n\t#commits: %d\n\t#logged: %d\n\t#absorbed: %d"+
		"\n\t#installs: %d\n\t#recoveries: %d\n\t#dropped: %d\n",
		s.Commits, s.Logged, s.Absorbed, s.Installs, s.Recoveries, s.Dropped)
}
