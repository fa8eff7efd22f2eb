package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/jobala/petro/storage/disk"
	"github.com/jobala/petro/util"
)

// Frame is a slot in the buffer pool. It holds at most one page's
// bytes at a time; the page latch (mu) is separate from the BPM's coarse
// mutex and is taken by page guards outside it.
type Frame struct {
	mu     sync.RWMutex
	id     int
	Data   []byte
	pins   atomic.Int32
	dirty  bool
	pageId int64
}

func (f *Frame) pin() {
	f.pins.Add(1)
}

// unpin decrements the pin count and returns the new value, or fails with
// util.ErrPinCountUnderflow without decrementing if it's already at zero.
func (f *Frame) unpin() (int32, error) {
	for {
		cur := f.pins.Load()
		if cur <= 0 {
			return cur, util.ErrPinCountUnderflow
		}
		if f.pins.CompareAndSwap(cur, cur-1) {
			return cur - 1, nil
		}
	}
}

func (f *Frame) reset() {
	f.dirty = false
	f.pins.Store(0)
	f.Data = make([]byte, disk.PAGE_SIZE)
}
