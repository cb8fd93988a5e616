package util

import (
	"sync/atomic"
)

// Counter is a monotonically increasing statistic, safe to bump without
// holding any lock.
type Counter struct {
	n uint64
}

func (c *Counter) Inc() {
	atomic.AddUint64(&c.n, 1)
}

func (c *Counter) Add(m uint64) {
	atomic.AddUint64(&c.n, m)
}

func (c *Counter) Get() uint64 {
	return atomic.LoadUint64(&c.n)
}
