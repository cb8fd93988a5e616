package disk

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/blkjournal/addr"
	"github.com/mit-pdos/blkjournal/common"
)

// FaultDevice wraps a Device and fails chosen operations. Tests use it to
// exercise I/O error paths and to cut a commit short at a given write.
type FaultDevice struct {
	Device

	mu         *sync.Mutex
	badReads   map[addr.Addr]bool
	badWrites  map[addr.Addr]bool
	writeLimit int64 // writes allowed before every write fails; -1 is unlimited
	nwrite     uint64
	nread      uint64
}

func MkFaultDevice(d Device) *FaultDevice {
	return &FaultDevice{
		Device:     d,
		mu:         new(sync.Mutex),
		badReads:   make(map[addr.Addr]bool),
		badWrites:  make(map[addr.Addr]bool),
		writeLimit: -1,
	}
}

func (f *FaultDevice) FailRead(dev common.Dev, bn common.Bnum, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.badReads[addr.MkAddr(dev, bn)] = fail
}

func (f *FaultDevice) FailWrite(dev common.Dev, bn common.Bnum, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.badWrites[addr.MkAddr(dev, bn)] = fail
}

// CrashAfter lets n more writes through and fails every later one, which
// looks to the layers above like the machine stopped at that point.
func (f *FaultDevice) CrashAfter(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeLimit = n
}

// Heal clears every injected failure.
func (f *FaultDevice) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.badReads = make(map[addr.Addr]bool)
	f.badWrites = make(map[addr.Addr]bool)
	f.writeLimit = -1
}

func (f *FaultDevice) Writes() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nwrite
}

func (f *FaultDevice) Reads() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nread
}

func (f *FaultDevice) Read(dev common.Dev, bn common.Bnum, out Block) error {
	f.mu.Lock()
	f.nread++
	bad := f.badReads[addr.MkAddr(dev, bn)]
	f.mu.Unlock()
	if bad {
		return fmt.Errorf("read %d:%d: %w", dev, bn, ErrInjected)
	}
	return f.Device.Read(dev, bn, out)
}

func (f *FaultDevice) Write(dev common.Dev, bn common.Bnum, data Block) error {
	f.mu.Lock()
	f.nwrite++
	bad := f.badWrites[addr.MkAddr(dev, bn)]
	if f.writeLimit == 0 {
		bad = true
	} else if f.writeLimit > 0 {
		f.writeLimit--
	}
	f.mu.Unlock()
	if bad {
		return fmt.Errorf("write %d:%d: %w", dev, bn, ErrInjected)
	}
	return f.Device.Write(dev, bn, data)
}
