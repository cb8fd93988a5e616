package wal

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/blkjournal/bcache"
	"github.com/mit-pdos/blkjournal/common"
	"github.com/mit-pdos/blkjournal/disk"
	"github.com/mit-pdos/blkjournal/util"
)

type logWrapper struct {
	assert *assert.Assertions
	c      *bcache.Cache
	*Log
}

// write stages data as the new content of bn and registers it.
func (l logWrapper) write(bn common.Bnum, data []byte) {
	b, err := l.c.Get(0, bn)
	l.assert.NoError(err)
	copy(b.Data(), data)
	l.assert.NoError(b.SetDirty())
	l.assert.NoError(l.LogWrite(bn), "log write %d", bn)
	l.assert.NoError(l.c.Put(b))
}

func (l logWrapper) read(bn common.Bnum) disk.Block {
	b, err := l.c.Get(0, bn)
	l.assert.NoError(err)
	blk := util.CloneByteSlice(b.Data())
	l.assert.NoError(l.c.Put(b))
	return blk
}

// crashAt runs the pending transaction's commit only through phase last.
func (l logWrapper) crashAt(last phase) bool {
	absorbed, err := l.commitPhases(l.Pending(), last)
	l.assert.NoError(err)
	return absorbed
}

type WalSuite struct {
	suite.Suite
	d     disk.MemDisk
	fault *disk.FaultDevice
	l     logWrapper
}

func (suite *WalSuite) SetupTest() {
	util.PanicOnDefect = false
	suite.d = disk.NewMemDisk(1000)
	suite.restart()
}

// restart drops all in-memory state, as a crash would, and recovers from
// what reached the disk.
func (suite *WalSuite) restart() {
	suite.fault = disk.MkFaultDevice(disk.Single(suite.d))
	c := bcache.MkDefaultCache(suite.fault)
	l, err := MkLog(c, 0, common.LOGSTART, common.LOGSIZE)
	suite.Require().NoError(err)
	suite.l = logWrapper{assert: suite.Assert(), c: c, Log: l}
}

func (suite *WalSuite) onDisk(bn common.Bnum) disk.Block {
	blk, err := disk.Read(suite.d, uint64(bn))
	suite.Require().NoError(err)
	return blk
}

func (suite *WalSuite) diskHeader() *Header {
	return decodeHeader(suite.onDisk(common.LOGSTART))
}

func TestWal(t *testing.T) {
	suite.Run(t, new(WalSuite))
}

func mkData(b byte) []byte {
	data := make([]byte, disk.BlockSize)
	for i := range data {
		data[i] = b
	}
	return data
}

func (suite *WalSuite) TestCommit() {
	l := suite.l
	l.Begin()
	l.write(100, mkData(1))
	l.write(101, mkData(2))
	suite.Equal(mkData(0), suite.onDisk(100), "nothing written before commit")
	suite.NoError(l.End())

	suite.Equal(mkData(1), suite.onDisk(100))
	suite.Equal(mkData(2), suite.onDisk(101))
	suite.Equal(uint32(0), suite.diskHeader().N, "header cleared")
	suite.Equal(mkData(1), suite.onDisk(common.LOGSTART+1), "log block 0")
	suite.Empty(l.Pending())
	suite.Equal(common.NBUF, l.c.Available(), "pins released")
	suite.Equal(Stats{Commits: 1, Logged: 2, Installs: 2}, l.Stats())
}

func (suite *WalSuite) TestAbsorb() {
	l := suite.l
	l.Begin()
	l.write(100, mkData(1))
	l.write(100, mkData(2))
	suite.Equal([]common.Bnum{100}, l.Pending())
	suite.NoError(l.End())
	suite.Equal(mkData(2), suite.onDisk(100), "last write wins")
	suite.Equal(uint64(1), l.Stats().Absorbed)
}

func (suite *WalSuite) TestEmptyTxn() {
	l := suite.l
	l.Begin()
	suite.NoError(l.End())
	suite.Equal(uint64(0), l.Stats().Commits)
	suite.Equal(uint64(0), suite.fault.Writes())
}

func (suite *WalSuite) TestGroupCommit() {
	l := suite.l
	l.Begin()
	l.Begin()
	l.write(100, mkData(1))
	suite.NoError(l.End())
	suite.Equal(mkData(0), suite.onDisk(100), "group still open")
	suite.Equal(uint64(0), l.Commits())
	l.write(101, mkData(2))
	suite.NoError(l.End())
	suite.Equal(uint64(1), l.Commits())
	suite.Equal(uint64(1), l.Attempts())
	suite.NoError(l.WaitCommit(0))
	suite.Equal(mkData(1), suite.onDisk(100))
	suite.Equal(mkData(2), suite.onDisk(101))
	suite.Equal(uint64(1), l.Stats().Commits)
}

func (suite *WalSuite) TestRecoverIdempotent() {
	suite.NoError(suite.l.Recover())
	suite.Equal(uint64(0), suite.l.Stats().Recoveries)

	suite.l.Begin()
	suite.l.write(100, mkData(1))
	suite.True(suite.l.crashAt(phaseCommit))
	suite.restart()
	suite.Equal(uint64(1), suite.l.Stats().Recoveries)
	suite.Equal(mkData(1), suite.onDisk(100))

	writes := suite.fault.Writes()
	suite.NoError(suite.l.Recover())
	suite.NoError(suite.l.Recover())
	suite.Equal(writes, suite.fault.Writes(), "nothing left to replay")
	suite.Equal(mkData(1), suite.onDisk(100))
	suite.Equal(uint64(1), suite.l.Stats().Recoveries)
}

// A crash after install but before the header is cleared replays blocks
// that are already home.
func (suite *WalSuite) TestReplayAfterInstall() {
	suite.l.Begin()
	suite.l.write(100, mkData(1))
	suite.l.write(101, mkData(2))
	suite.True(suite.l.crashAt(phaseInstall))
	suite.Equal(uint32(2), suite.diskHeader().N, "header not yet cleared")
	suite.restart()
	suite.Equal(mkData(1), suite.onDisk(100))
	suite.Equal(mkData(2), suite.onDisk(101))
	suite.Equal(uint32(0), suite.diskHeader().N)
}

func (suite *WalSuite) TestAtomicAfterCommitPoint() {
	l := suite.l
	l.Begin()
	l.write(200, mkData(1))
	l.write(300, mkData(2))
	suite.True(l.crashAt(phaseCommit))
	suite.Equal(mkData(0), suite.onDisk(200), "not installed yet")
	suite.Equal(mkData(0), suite.onDisk(300))

	suite.restart()
	suite.Equal(mkData(1), suite.l.read(200))
	suite.Equal(mkData(2), suite.l.read(300))
}

func (suite *WalSuite) TestLostBeforeCommitPoint() {
	l := suite.l
	l.Begin()
	l.write(200, mkData(1))
	l.write(300, mkData(2))
	suite.False(l.crashAt(phaseCopy))
	suite.Equal(mkData(1), suite.onDisk(common.LOGSTART+1), "log block written")

	suite.restart()
	suite.Equal(mkData(0), suite.l.read(200))
	suite.Equal(mkData(0), suite.l.read(300))
	suite.Equal(uint64(0), suite.l.Stats().Recoveries)
}

func (suite *WalSuite) TestBeforeAfter() {
	const before, after = "BEFORE", "AFTER"
	l := suite.l
	for _, bn := range []common.Bnum{500, 501} {
		b, err := l.c.Get(0, bn)
		suite.Require().NoError(err)
		suite.NoError(b.Write([]byte(before)))
		suite.NoError(l.c.Sync(b))
		suite.NoError(l.c.Put(b))
	}
	suite.Equal(before, string(suite.onDisk(500)[:len(before)]))

	l.Begin()
	for _, bn := range []common.Bnum{500, 501} {
		blk := l.read(bn)
		copy(blk, after)
		l.write(bn, blk)
	}
	suite.True(l.crashAt(phaseCommit))
	// the crash leaves the home blocks damaged
	suite.Require().NoError(suite.d.Write(500, mkData(0)))
	suite.Require().NoError(suite.d.Write(501, mkData(0)))

	suite.restart()
	for _, bn := range []common.Bnum{500, 501} {
		blk := suite.l.read(bn)
		suite.Equal(after, string(blk[:len(after)]), "block %d", bn)
		suite.Equal(byte('E'), blk[len(after)], "rest of BEFORE is kept")
	}
}

func (suite *WalSuite) TestCapacity() {
	c := suite.l.c
	l, err := MkLog(c, 0, common.LOGSTART, common.LOGMAXBLKS+1)
	suite.Require().NoError(err)
	suite.Equal(common.LOGMAXBLKS, l.Capacity())
	lw := logWrapper{assert: suite.Assert(), c: c, Log: l}

	lw.Begin()
	base := common.Bnum(100)
	for i := uint64(0); i < common.LOGMAXBLKS; i++ {
		lw.write(base+common.Bnum(i), mkData(byte(i)))
	}
	extra := base + common.Bnum(common.LOGMAXBLKS)
	b, err := c.Get(0, extra)
	suite.Require().NoError(err)
	suite.NoError(b.Write(mkData(0xff)))
	suite.ErrorIs(lw.LogWrite(extra), ErrLogFull)
	suite.NoError(c.Put(b))
	suite.Equal(uint64(1), lw.Stats().Dropped)
	suite.Len(lw.Pending(), int(common.LOGMAXBLKS))
	suite.NotContains(lw.Pending(), extra)

	suite.NoError(lw.End())
	for i := uint64(0); i < common.LOGMAXBLKS; i++ {
		suite.Equal(mkData(byte(i)), suite.onDisk(base+common.Bnum(i)))
	}
}

func (suite *WalSuite) TestDefaultCapacity() {
	suite.Equal(common.LOGSIZE-1, suite.l.Capacity())
}

func (suite *WalSuite) TestMisuse() {
	l := suite.l
	suite.ErrorIs(l.LogWrite(100), ErrNoTxn)
	suite.ErrorIs(l.End(), ErrNoTxn)

	l.Begin()
	suite.ErrorIs(l.LogWrite(common.LOGSTART+3), ErrGeometry)
	suite.NoError(l.End())

	util.PanicOnDefect = true
	defer func() { util.PanicOnDefect = false }()
	suite.Panics(func() { l.End() })
}

func (suite *WalSuite) TestGeometry() {
	c := suite.l.c
	_, err := MkLog(c, 0, 10, 1)
	suite.ErrorIs(err, ErrGeometry)
	_, err = MkLog(c, 0, math.MaxUint32-2, 10)
	suite.ErrorIs(err, ErrGeometry)
}

func (suite *WalSuite) TestInvalidHeader() {
	// n beyond capacity
	h := &Header{N: 1000}
	suite.Require().NoError(suite.d.Write(uint64(common.LOGSTART), h.encode()))
	suite.restart()
	suite.Equal(uint64(0), suite.l.Stats().Recoveries)
	rh, err := ReadHeader(suite.l.c, 0, common.LOGSTART)
	suite.Require().NoError(err)
	suite.Equal(uint32(1000), rh.N)
	suite.ErrorIs(rh.Valid(common.LOGSTART, common.LOGSIZE), ErrInvalidHeader)

	// target inside the log region
	h = mkHeader([]common.Bnum{common.LOGSTART + 1})
	suite.Require().NoError(suite.d.Write(uint64(common.LOGSTART), h.encode()))
	suite.Require().NoError(suite.d.Write(uint64(common.LOGSTART+1), mkData(7)))
	suite.restart()
	suite.Equal(uint64(0), suite.l.Stats().Recoveries)
	suite.Equal(mkData(7), suite.onDisk(common.LOGSTART+1))

	// a later commit replaces the garbage
	suite.l.Begin()
	suite.l.write(100, mkData(1))
	suite.NoError(suite.l.End())
	suite.Equal(uint32(0), suite.diskHeader().N)
}

func (suite *WalSuite) TestCommitFailsBeforeCommitPoint() {
	l := suite.l
	suite.fault.FailWrite(0, common.LOGSTART, true)
	l.Begin()
	l.write(100, mkData(1))
	suite.ErrorIs(l.End(), bcache.ErrDeviceWrite)
	suite.Equal([]common.Bnum{100}, l.Pending(), "kept for the next commit")
	suite.Equal(common.NBUF-1, l.c.Available(), "still pinned")
	suite.Equal(mkData(0), suite.onDisk(100))

	suite.fault.Heal()
	l.Begin()
	suite.NoError(l.End())
	suite.Equal(mkData(1), suite.onDisk(100))
	suite.Empty(l.Pending())
	suite.Equal(common.NBUF, l.c.Available())
}

func (suite *WalSuite) TestInstallFailure() {
	l := suite.l
	suite.fault.FailWrite(0, 101, true)
	l.Begin()
	l.write(100, mkData(1))
	l.write(101, mkData(2))
	l.write(102, mkData(3))
	err := l.End()
	suite.ErrorIs(err, bcache.ErrDeviceWrite)
	suite.ErrorIs(err, disk.ErrInjected)
	suite.Empty(l.Pending(), "transaction absorbed")
	suite.Equal(uint64(1), l.Stats().Commits)
	suite.Equal(uint64(2), l.Stats().Installs)
	suite.Equal(mkData(1), suite.onDisk(100))
	suite.Equal(mkData(0), suite.onDisk(101), "skipped")
	suite.Equal(mkData(3), suite.onDisk(102), "install continued past the failure")

	b, err := l.c.Get(0, 101)
	suite.Require().NoError(err)
	suite.True(b.Err())
	suite.True(b.IsDirty())
	suite.NoError(l.c.Put(b))

	suite.fault.Heal()
	suite.NoError(l.c.Flush(0))
	suite.Equal(mkData(2), suite.onDisk(101))
}

// After a failed clear, the old header still names the log blocks. The next
// commit must not reuse them until the header is empty on disk.
func (suite *WalSuite) TestClearFailureThenCrash() {
	l := suite.l
	l.Begin()
	l.write(100, mkData(1))
	// log block, header and install get through, the clear does not
	suite.fault.CrashAfter(3)
	suite.Error(l.End())
	suite.Equal(uint32(1), suite.diskHeader().N)
	suite.Equal(mkData(1), suite.onDisk(100))

	suite.fault.Heal()
	l.Begin()
	l.write(200, mkData(9))
	// only the header clear gets through
	suite.fault.CrashAfter(1)
	suite.ErrorIs(l.End(), disk.ErrInjected)
	suite.Equal(uint32(0), suite.diskHeader().N, "cleared before copying")
	suite.Equal(mkData(1), suite.onDisk(common.LOGSTART+1), "log block untouched")

	suite.restart()
	suite.Equal(mkData(1), suite.onDisk(100))
	suite.Equal(mkData(0), suite.onDisk(200))
	suite.Equal(uint64(0), suite.l.Stats().Recoveries)
}

func (suite *WalSuite) TestClearRetriedAfterFailure() {
	l := suite.l
	l.Begin()
	l.write(100, mkData(1))
	suite.fault.CrashAfter(3)
	suite.Error(l.End())
	suite.fault.Heal()

	l.Begin()
	l.write(200, mkData(2))
	suite.NoError(l.End())
	suite.Equal(uint32(0), suite.diskHeader().N)
	suite.Equal(mkData(2), suite.onDisk(200))
	suite.restart()
	suite.Equal(mkData(1), suite.onDisk(100))
	suite.Equal(mkData(2), suite.onDisk(200))
}

// A transaction waiting on its group learns when the group's commit fails,
// and its blocks commit with the next group.
func (suite *WalSuite) TestWaitCommitFailure() {
	l := suite.l
	l.Begin()
	l.Begin()
	l.write(100, mkData(1))
	suite.NoError(l.End())
	n := l.Attempts()
	done := make(chan error)
	go func() {
		done <- l.WaitCommit(n)
	}()

	suite.fault.FailWrite(0, common.LOGSTART+1, true)
	l.write(101, mkData(2))
	suite.ErrorIs(l.End(), bcache.ErrDeviceWrite)
	suite.ErrorIs(<-done, bcache.ErrDeviceWrite)
	suite.Equal(uint64(0), l.Commits())
	suite.Equal([]common.Bnum{100, 101}, l.Pending())

	suite.fault.Heal()
	l.Begin()
	suite.NoError(l.End())
	suite.NoError(l.WaitCommit(n), "carried by a later commit")
	suite.Equal(mkData(1), suite.onDisk(100))
	suite.Equal(mkData(2), suite.onDisk(101))
}

func (suite *WalSuite) TestRecoverWaitsForTxn() {
	l := suite.l
	l.Begin()
	done := make(chan error)
	go func() {
		done <- l.Recover()
	}()
	select {
	case <-done:
		suite.Fail("recover ran inside an open transaction")
	case <-time.After(50 * time.Millisecond):
	}
	suite.NoError(l.End())
	suite.NoError(<-done)
}

func (suite *WalSuite) TestCrashDuringCopy() {
	l := suite.l
	l.Begin()
	l.write(100, mkData(1))
	l.write(101, mkData(2))
	suite.fault.CrashAfter(1)
	suite.Error(l.End())
	suite.restart()
	suite.Equal(mkData(0), suite.onDisk(100))
	suite.Equal(mkData(0), suite.onDisk(101))
}

func (suite *WalSuite) TestCrashDuringInstall() {
	l := suite.l
	l.Begin()
	l.write(100, mkData(1))
	l.write(101, mkData(2))
	// two log blocks and the header get through
	suite.fault.CrashAfter(3)
	suite.Error(l.End())
	suite.Equal(mkData(0), suite.onDisk(100))
	suite.restart()
	suite.Equal(mkData(1), suite.onDisk(100))
	suite.Equal(mkData(2), suite.onDisk(101))
}

// Writers never share a block, and the group can hold every block they
// write, so no registration is refused.
func (suite *WalSuite) TestConcurrentTxns() {
	const nthread, nop = 8, 5
	c := suite.l.c
	l, err := MkLog(c, 0, common.LOGSTART, common.LOGMAXBLKS+1)
	suite.Require().NoError(err)
	var eg errgroup.Group
	for g := 0; g < nthread; g++ {
		g := g
		eg.Go(func() error {
			for i := 0; i < nop; i++ {
				bn := common.Bnum(100 + g*nop + i)
				l.Begin()
				b, err := c.Get(0, bn)
				if err != nil {
					return err
				}
				err = b.Write(mkData(byte(g + 1)))
				if err == nil {
					err = l.LogWrite(bn)
				}
				c.Put(b)
				if err != nil {
					return err
				}
				if err := l.End(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	suite.Require().NoError(eg.Wait())
	for g := 0; g < nthread; g++ {
		for i := 0; i < nop; i++ {
			bn := common.Bnum(100 + g*nop + i)
			suite.Equal(mkData(byte(g+1)), suite.onDisk(bn), "block %d", bn)
		}
	}
	suite.Empty(l.Pending())
	suite.Equal(common.NBUF, c.Available())
	st := l.Stats()
	suite.Equal(uint64(nthread*nop), st.Logged)
	suite.Equal(uint64(nthread*nop), st.Installs)
	suite.GreaterOrEqual(st.Commits, uint64(1))
}

func TestHeaderEncoding(t *testing.T) {
	assert := assert.New(t)
	h := mkHeader([]common.Bnum{500, 501})
	blk := h.encode()
	assert.Equal(common.BlockSize, uint64(len(blk)))
	assert.Equal([]byte{2, 0, 0, 0, 0xf4, 1, 0, 0, 0xf5, 1, 0, 0}, []byte(blk[:12]))
	assert.Equal(make([]byte, common.BlockSize-12), []byte(blk[12:]), "unused targets zero")
	assert.Equal(h, decodeHeader(blk))

	assert.Equal(uint32(0), decodeHeader(make(disk.Block, common.BlockSize)).N)
	assert.Empty(decodeHeader(make(disk.Block, common.BlockSize)).Targets)
}
