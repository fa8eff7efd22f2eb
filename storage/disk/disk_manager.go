package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrPageNotAllocated is returned by ReadPage/WritePage when the page id
// was never handed out by AllocatePage (or was already deallocated).
var ErrPageNotAllocated = errors.New("disk: page not allocated")

// Option configures a DiskManager at construction time.
type Option func(*DiskManager)

// WithSync controls whether every WritePage is followed by an fdatasync of
// the backing file. Defaults to true; tests that don't care about
// durability across a crash can pass WithSync(false) to run faster.
func WithSync(sync bool) Option {
	return func(dm *DiskManager) { dm.sync = sync }
}

// DiskManager is a page-addressable block store over a single OS file.
// Callers address pages by an opaque, monotonically allocated id and never
// see byte offsets.
type DiskManager struct {
	mu           sync.Mutex
	dbFile       *os.File
	pages        map[int64]int64 // page id -> byte offset
	freeSlots    []int64
	pageCapacity int64
	nextPageID   int64
	sync         bool
	numReads     int64
	numWrites    int64
	locked       bool
}

// NewDiskManager opens dbFile as the backing store, takes an advisory
// exclusive lock on it (so a second process can't open the same file and
// corrupt it), and reserves page id 0 for the B+ tree header page by
// convention.
func NewDiskManager(dbFile *os.File, opts ...Option) (*DiskManager, error) {
	dm := &DiskManager{
		dbFile:       dbFile,
		pageCapacity: DEFAULT_PAGE_CAPACITY,
		pages:        make(map[int64]int64),
		sync:         true,
	}
	for _, opt := range opts {
		opt(dm)
	}

	if err := unix.Flock(int(dbFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return nil, fmt.Errorf("disk: lock db file %q: %w", dbFile.Name(), err)
	}
	dm.locked = true

	if _, err := dm.allocatePage(); err != nil {
		return nil, fmt.Errorf("disk: reserve header page: %w", err)
	}

	return dm, nil
}

// Close releases the advisory file lock and closes the backing file. It
// does not flush any in-memory state; callers must flush their buffer pool
// first.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.locked {
		_ = unix.Flock(int(dm.dbFile.Fd()), unix.LOCK_UN)
		dm.locked = false
	}
	return dm.dbFile.Close()
}

// AllocatePage hands out a fresh page id and reserves disk space for it,
// growing the backing file if necessary.
func (dm *DiskManager) AllocatePage() (int64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.allocatePage()
}

func (dm *DiskManager) allocatePage() (int64, error) {
	var offset int64
	if len(dm.freeSlots) > 0 {
		offset = dm.freeSlots[0]
		dm.freeSlots = dm.freeSlots[1:]
	} else {
		count := int64(len(dm.pages))
		if count+1 > dm.pageCapacity {
			dm.pageCapacity *= 2
			if err := dm.dbFile.Truncate(dm.pageCapacity * PAGE_SIZE); err != nil {
				return 0, fmt.Errorf("disk: resize db file: %w", err)
			}
		}
		offset = count * PAGE_SIZE
	}

	id := dm.nextPageID
	dm.nextPageID++
	dm.pages[id] = offset
	return id, nil
}

// DeallocatePage returns a page's disk space to the free list. It is a
// no-op if the page id is unknown, matching the analogous buffer pool
// operation's semantics.
func (dm *DiskManager) DeallocatePage(pageID int64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	offset, ok := dm.pages[pageID]
	if !ok {
		return nil
	}
	dm.freeSlots = append(dm.freeSlots, offset)
	delete(dm.pages, pageID)
	return nil
}

// ReadPage reads the full PAGE_SIZE contents of pageID into a fresh buffer.
func (dm *DiskManager) ReadPage(pageID int64) ([]byte, error) {
	dm.mu.Lock()
	offset, ok := dm.pages[pageID]
	dm.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: page %d", ErrPageNotAllocated, pageID)
	}

	buf := make([]byte, PAGE_SIZE)
	if _, err := dm.dbFile.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("disk: read page %d at offset %d: %w", pageID, offset, err)
	}

	dm.mu.Lock()
	dm.numReads++
	dm.mu.Unlock()
	return buf, nil
}

// WritePage writes data (must be exactly PAGE_SIZE bytes) to pageID's slot,
// fsyncing the file afterward unless WithSync(false) was used.
func (dm *DiskManager) WritePage(pageID int64, data []byte) error {
	dm.mu.Lock()
	offset, ok := dm.pages[pageID]
	dm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: page %d", ErrPageNotAllocated, pageID)
	}
	if len(data) != PAGE_SIZE {
		return fmt.Errorf("disk: write page %d: expected %d bytes, got %d", pageID, PAGE_SIZE, len(data))
	}

	if _, err := dm.dbFile.WriteAt(data, offset); err != nil {
		return fmt.Errorf("disk: write page %d at offset %d: %w", pageID, offset, err)
	}
	if dm.sync {
		if err := unix.Fdatasync(int(dm.dbFile.Fd())); err != nil {
			return fmt.Errorf("disk: fdatasync page %d: %w", pageID, err)
		}
	}

	dm.mu.Lock()
	dm.numWrites++
	dm.mu.Unlock()
	return nil
}

// Stats returns cumulative read/write counts, mainly for tests and the CLI.
func (dm *DiskManager) Stats() (reads, writes int64) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numReads, dm.numWrites
}
