package buffer

// BasicPageGuard is the common shape shared by ReadPageGuard and
// WritePageGuard: an unpin-on-drop handle to a fetched frame. Go has no
// move constructors, so "move-only" here means "returned by pointer and
// never copied by the caller"; Drop is written to be idempotent (safe to
// call twice, safe to call on a guard that was never populated) so a
// defer plus an explicit early Drop can coexist the way a moved-from
// destructor would in the source material.
type BasicPageGuard struct {
	frame *Frame
	bpm   *BufferpoolManager
}

// PageId returns the guarded page's id, or disk.INVALID_PAGE_ID if the
// guard has already been dropped.
func (g *BasicPageGuard) PageId() int64 {
	if g.frame == nil {
		return -1
	}
	return g.frame.pageId
}

// NewReadPageGuard wraps frame, already read-latched, as a ReadPageGuard.
func NewReadPageGuard(frame *Frame, bpm *BufferpoolManager) *ReadPageGuard {
	return &ReadPageGuard{BasicPageGuard{frame: frame, bpm: bpm}}
}

// NewWritePageGuard wraps frame, already write-latched, as a WritePageGuard.
func NewWritePageGuard(frame *Frame, bpm *BufferpoolManager) *WritePageGuard {
	return &WritePageGuard{BasicPageGuard{frame: frame, bpm: bpm}}
}

// ReadPageGuard holds a frame's read latch and an implicit pin. Dropping it
// releases both.
type ReadPageGuard struct {
	BasicPageGuard
}

// WritePageGuard holds a frame's write latch and an implicit pin. Dropping
// it releases both, leaving the page marked dirty.
type WritePageGuard struct {
	BasicPageGuard
}

// GetData returns the frame's page bytes for reading.
func (pg *ReadPageGuard) GetData() []byte {
	return pg.frame.Data
}

// Drop releases the read latch and unpins the frame. Safe to call more
// than once.
func (pg *ReadPageGuard) Drop() {
	if pg == nil || pg.frame == nil {
		return
	}
	frame := pg.frame
	pg.frame = nil

	frame.mu.RUnlock()
	if err := pg.bpm.unpin(frame, false); err != nil {
		log.Error().Err(err).Msg("read guard drop: unpin failed")
	}
}

// GetData returns the frame's page bytes for reading.
func (pg *WritePageGuard) GetData() []byte {
	return pg.frame.Data
}

// GetDataMut returns a pointer to the frame's page bytes for in-place
// mutation.
func (pg *WritePageGuard) GetDataMut() *[]byte {
	return &pg.frame.Data
}

// Drop releases the write latch and unpins the frame, leaving it marked
// dirty. Safe to call more than once.
func (pg *WritePageGuard) Drop() {
	if pg == nil || pg.frame == nil {
		return
	}
	frame := pg.frame
	pg.frame = nil

	frame.mu.Unlock()
	if err := pg.bpm.unpin(frame, true); err != nil {
		log.Error().Err(err).Msg("write guard drop: unpin failed")
	}
}
