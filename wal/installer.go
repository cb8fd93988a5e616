package wal

import (
	"errors"
	"fmt"

	"github.com/mit-pdos/blkjournal/common"
	"github.com/mit-pdos/blkjournal/util"
)

// installBlock copies log block i to its home bn and syncs the home block.
func (l *Log) installBlock(i int, bn common.Bnum) error {
	lb, err := l.cache.Get(l.dev, l.logBnum(i))
	if err != nil {
		return err
	}
	defer l.cache.Put(lb)
	home, err := l.cache.Get(l.dev, bn)
	if err != nil {
		return err
	}
	defer l.cache.Put(home)
	util.DPrintf(5, "installBlocks: write log block %d to %d\n", l.logBnum(i), bn)
	if err := home.Write(lb.Data()); err != nil {
		return err
	}
	return l.cache.Sync(home)
}

// installBlocks installs every recorded block, skipping the ones that fail.
// A skipped block keeps its error flag in the cache.
func (l *Log) installBlocks(blks []common.Bnum) error {
	var errs []error
	for i, bn := range blks {
		if err := l.installBlock(i, bn); err != nil {
			util.Warnf("wal: install of %d skipped: %v", bn, err)
			errs = append(errs, fmt.Errorf("install %d: %w", bn, err))
			continue
		}
		l.stats.installs.Inc()
	}
	return errors.Join(errs...)
}

// clearHeader empties the header and waits for it to be durable. Until that
// succeeds the log blocks must not be overwritten.
func (l *Log) clearHeader() error {
	err := writeHeader(l.cache, l.dev, l.start, mkHeader(nil))
	if err == nil {
		err = l.cache.Barrier(l.dev)
	}
	l.hdrStale = err != nil
	return err
}

// Recover replays a committed transaction found in the log header, if any,
// and clears the header. It waits for open transactions and commits to
// finish, so it must not be called from inside a transaction. An empty or
// implausible header is left alone. Blocks that fail to install are skipped
// and reported in the returned error.
func (l *Log) Recover() error {
	skipped, err := l.quiesceAndRecover()
	return errors.Join(skipped, err)
}

func (l *Log) quiesceAndRecover() (skipped error, err error) {
	l.mu.Lock()
	for l.committing || l.outstanding > 0 {
		l.condCommit.Wait()
	}
	l.committing = true
	l.mu.Unlock()

	skipped, err = l.recover()

	l.mu.Lock()
	l.committing = false
	l.condCommit.Broadcast()
	l.mu.Unlock()
	return skipped, err
}

// recover returns install failures separately from failures to read or
// clear the header.
func (l *Log) recover() (skipped error, err error) {
	h, err := ReadHeader(l.cache, l.dev, l.start)
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}
	if h.N == 0 {
		util.DPrintf(1, "recover: log empty\n")
		return nil, nil
	}
	if err := h.Valid(l.start, l.size); err != nil {
		util.Warnf("wal: ignoring log header: %v", err)
		return nil, nil
	}
	util.DPrintf(1, "recover: replaying %v\n", h)
	l.stats.recoveries.Inc()
	skipped = l.installBlocks(h.Targets)
	if err := l.clearHeader(); err != nil {
		return skipped, fmt.Errorf("recover: %w", err)
	}
	return skipped, nil
}
