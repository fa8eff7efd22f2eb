package disk

// DiskScheduler fronts a DiskManager with a request/response channel so
// that callers (the buffer pool manager, in particular) can hand off I/O
// and continue without holding any of their own locks across the disk
// access. Requests are served strictly in submission order by a single
// background goroutine; disk I/O only needs to happen off the buffer
// pool's coarse mutex, not run in parallel across distinct pages, so a
// single dispatcher keeps this correct without the page-queue-per-worker
// lifecycle races that a naive fan-out design
// invites (workers that both decide "the queue is empty, I should exit" at
// the same moment a new request arrives for that page).
type DiskScheduler struct {
	reqCh       chan DiskReq
	diskManager *DiskManager
	done        chan struct{}
}

// DiskReq is a single scheduled disk operation. Write requests carry the
// full page payload in Data; read requests leave it nil and expect the
// response to carry the page's contents.
type DiskReq struct {
	PageId int64
	Data   []byte
	Write  bool
	RespCh chan DiskResp
}

// DiskResp is the outcome of a DiskReq.
type DiskResp struct {
	Success bool
	Data    []byte
	Err     error
}

// NewScheduler starts a DiskScheduler backed by diskManager.
func NewScheduler(diskManager *DiskManager) *DiskScheduler {
	ds := &DiskScheduler{
		reqCh:       make(chan DiskReq, 128),
		diskManager: diskManager,
		done:        make(chan struct{}),
	}

	go ds.run()
	return ds
}

// NewRequest builds a DiskReq for pageId. Set isWrite to true for a write
// (data is required) or false for a read.
func NewRequest(pageId int64, data []byte, isWrite bool) DiskReq {
	return DiskReq{
		PageId: pageId,
		Data:   data,
		Write:  isWrite,
		RespCh: make(chan DiskResp, 1),
	}
}

// Schedule enqueues req and returns its response channel. Schedule itself
// never blocks on disk I/O; it only blocks if the internal request queue is
// full, which only happens under extreme backlog.
func (ds *DiskScheduler) Schedule(req DiskReq) <-chan DiskResp {
	ds.reqCh <- req
	return req.RespCh
}

// Shutdown stops the dispatcher goroutine. Any requests already enqueued
// are drained before it exits.
func (ds *DiskScheduler) Shutdown() {
	close(ds.reqCh)
	<-ds.done
}

// AllocatePage hands out a fresh page id. Unlike Schedule this is a
// metadata-only operation guarded by the DiskManager's own mutex, not
// queued disk I/O, so it does not go through reqCh.
func (ds *DiskScheduler) AllocatePage() (int64, error) {
	return ds.diskManager.AllocatePage()
}

// DeallocatePage returns pageID's disk space to the free list.
func (ds *DiskScheduler) DeallocatePage(pageID int64) error {
	return ds.diskManager.DeallocatePage(pageID)
}

func (ds *DiskScheduler) run() {
	defer close(ds.done)
	for req := range ds.reqCh {
		if req.Write {
			err := ds.diskManager.WritePage(req.PageId, req.Data)
			req.RespCh <- DiskResp{Success: err == nil, Err: err}
			continue
		}

		data, err := ds.diskManager.ReadPage(req.PageId)
		req.RespCh <- DiskResp{Success: err == nil, Data: data, Err: err}
	}
}
