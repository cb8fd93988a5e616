package disk

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/blkjournal/common"
)

// Table routes Device calls to the disk attached under each device number.
type Table struct {
	mu    *sync.RWMutex
	disks map[common.Dev]Disk
}

var _ Device = (*Table)(nil)

func MkTable() *Table {
	return &Table{
		mu:    new(sync.RWMutex),
		disks: make(map[common.Dev]Disk),
	}
}

// Attach mounts d as device dev.
func (t *Table) Attach(dev common.Dev, d Disk) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.disks[dev]; ok {
		return fmt.Errorf("attach %d: %w", dev, ErrBusy)
	}
	t.disks[dev] = d
	return nil
}

// Detach removes dev from the table and returns the disk that was attached.
func (t *Table) Detach(dev common.Dev) (Disk, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.disks[dev]
	if !ok {
		return nil, fmt.Errorf("detach %d: %w", dev, ErrNoDevice)
	}
	delete(t.disks, dev)
	return d, nil
}

func (t *Table) lookup(dev common.Dev) (Disk, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.disks[dev]
	if !ok {
		return nil, fmt.Errorf("dev %d: %w", dev, ErrNoDevice)
	}
	return d, nil
}

func (t *Table) Read(dev common.Dev, bn common.Bnum, out Block) error {
	d, err := t.lookup(dev)
	if err != nil {
		return err
	}
	return d.ReadTo(uint64(bn), out)
}

func (t *Table) Write(dev common.Dev, bn common.Bnum, data Block) error {
	d, err := t.lookup(dev)
	if err != nil {
		return err
	}
	return d.Write(uint64(bn), data)
}

// Barrier issues a barrier to the disk attached as dev.
func (t *Table) Barrier(dev common.Dev) error {
	d, err := t.lookup(dev)
	if err != nil {
		return err
	}
	return d.Barrier()
}

// Single attaches d as device 0 of a fresh table.
func Single(d Disk) *Table {
	t := MkTable()
	t.disks[0] = d
	return t
}
