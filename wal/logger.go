package wal

import (
	"errors"

	"github.com/mit-pdos/blkjournal/common"
	"github.com/mit-pdos/blkjournal/util"
)

type phase int

const (
	phaseCopy phase = iota
	phaseCommit
	phaseInstall
	phaseClear
)

func (l *Log) logBnum(i int) common.Bnum {
	return l.start + 1 + common.Bnum(i)
}

// logBlocks copies the cached content of each home block in blks to its log
// block and syncs it.
func (l *Log) logBlocks(blks []common.Bnum) error {
	for i, bn := range blks {
		home, err := l.cache.Get(l.dev, bn)
		if err != nil {
			return err
		}
		lb, err := l.cache.Get(l.dev, l.logBnum(i))
		if err != nil {
			l.cache.Put(home)
			return err
		}
		util.DPrintf(5, "logBlocks: %d to log block %d\n", bn, l.logBnum(i))
		err = lb.Write(home.Data())
		if err == nil {
			err = l.cache.Sync(lb)
		}
		l.cache.Put(lb)
		l.cache.Put(home)
		if err != nil {
			return err
		}
	}
	return nil
}

// commitPhases runs the commit protocol for blks up to and including last.
// absorbed reports whether the header reached the device, after which the
// transaction survives any crash.
//
// Stopping before phaseClear leaves the disk in the state of a crash at that
// point.
func (l *Log) commitPhases(blks []common.Bnum, last phase) (absorbed bool, err error) {
	if l.hdrStale {
		// the log blocks may still be named by a committed header
		if err := l.clearHeader(); err != nil {
			util.Warnf("wal: commit aborted clearing stale header: %v", err)
			return false, err
		}
	}
	err = l.logBlocks(blks)
	if err == nil {
		err = l.cache.Barrier(l.dev)
	}
	if err != nil {
		util.Warnf("wal: commit aborted before commit point: %v", err)
		return false, err
	}
	if last == phaseCopy {
		return false, nil
	}

	err = writeHeader(l.cache, l.dev, l.start, mkHeader(blks))
	if err == nil {
		err = l.cache.Barrier(l.dev)
	}
	if err != nil {
		l.hdrStale = true
		util.Warnf("wal: commit aborted writing header: %v", err)
		return false, err
	}
	util.DPrintf(1, "commit: %d blocks durable\n", len(blks))
	if last == phaseCommit {
		return true, nil
	}

	var errs []error
	if err := l.installBlocks(blks); err != nil {
		errs = append(errs, err)
	}
	if last == phaseInstall {
		return true, errors.Join(errs...)
	}

	if err := l.clearHeader(); err != nil {
		errs = append(errs, err)
	}
	return true, errors.Join(errs...)
}
