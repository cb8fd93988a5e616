package disk

import (
	"fmt"

	gdisk "github.com/tchajed/goose/machine/disk"
)

type gooseDisk struct {
	d gdisk.Disk
}

// FromGoose adapts a goose disk, whose operations panic on misuse, to Disk by
// checking bounds before every access.
func FromGoose(d gdisk.Disk) Disk {
	return gooseDisk{d: d}
}

func (g gooseDisk) ReadTo(a uint64, b Block) error {
	if err := checkAccess(g, a, b); err != nil {
		return fmt.Errorf("read %d: %w", a, err)
	}
	copy(b, g.d.Read(a))
	return nil
}

func (g gooseDisk) Write(a uint64, v Block) error {
	if err := checkAccess(g, a, v); err != nil {
		return fmt.Errorf("write %d: %w", a, err)
	}
	g.d.Write(a, v)
	return nil
}

func (g gooseDisk) Size() uint64 {
	return g.d.Size()
}

func (g gooseDisk) Barrier() error {
	g.d.Barrier()
	return nil
}

func (g gooseDisk) Close() error {
	g.d.Close()
	return nil
}
