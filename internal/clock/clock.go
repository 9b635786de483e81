// Package clock provides the deterministic virtual time source used for all
// lease-expiry decisions. It never reads the wall clock.
package clock

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/lease-recovery/pkg/types"
)

// ErrNegativeAdvance is returned when Advance is asked to move time backwards.
var ErrNegativeAdvance = errors.New("clock: cannot advance by a negative duration")

// Source is the read side of a clock. Components that only compare lease
// expiry against "now" depend on this.
type Source interface {
	Now() types.VirtualTime
}

// Virtual is a monotonic, externally advanced clock.
//
// Reads and writes are atomic, so worker goroutines may read it while the
// driver advances it.
type Virtual struct {
	now atomic.Int64
}

// New creates a clock positioned at start.
func New(start types.VirtualTime) *Virtual {
	c := &Virtual{}
	c.now.Store(int64(start))
	return c
}

// Now returns the current virtual time.
func (c *Virtual) Now() types.VirtualTime {
	return types.VirtualTime(c.now.Load())
}

// Advance moves the clock forward by d. A zero d is allowed.
func (c *Virtual) Advance(d time.Duration) error {
	if d < 0 {
		return ErrNegativeAdvance
	}
	c.now.Add(int64(d))
	return nil
}

// Set moves the clock to t if t is later than the current time. It is used
// when restoring persisted state; the clock never moves backwards.
func (c *Virtual) Set(t types.VirtualTime) {
	for {
		cur := c.now.Load()
		if int64(t) <= cur {
			return
		}
		if c.now.CompareAndSwap(cur, int64(t)) {
			return
		}
	}
}
