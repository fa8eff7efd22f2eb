package buffer

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/jobala/petro/storage/disk"
	"github.com/jobala/petro/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolManager(t *testing.T) {
	t.Run("pin accounting: pool exhausts then recovers on unpin", func(t *testing.T) {
		bpm, _ := newTestBufferpoolManager(t, 5, 2)

		var guards []*WritePageGuard
		for i := 0; i < 5; i++ {
			_, g, err := bpm.NewPage()
			require.NoError(t, err)
			guards = append(guards, g)
		}

		_, _, err := bpm.NewPage()
		assert.ErrorIs(t, err, util.ErrOutOfMemory)

		guards[0].Drop()

		_, g, err := bpm.NewPage()
		require.NoError(t, err)
		g.Drop()
	})

	t.Run("fetch loads a page from disk", func(t *testing.T) {
		bpm, diskScheduler := newTestBufferpoolManager(t, 5, 2)

		id, err := diskScheduler.AllocatePage()
		require.NoError(t, err)

		data := make([]byte, disk.PAGE_SIZE)
		copy(data, []byte("hello, world!"))
		syncWrite(id, data, diskScheduler)

		guard, err := bpm.FetchPage(id)
		require.NoError(t, err)
		defer guard.Drop()

		assert.Equal(t, data, guard.GetData())
	})

	t.Run("a page created by NewPage round-trips through FlushPage and FetchPage", func(t *testing.T) {
		bpm, _ := newTestBufferpoolManager(t, 5, 2)

		id, guard, err := bpm.NewPage()
		require.NoError(t, err)
		copy(*guard.GetDataMut(), []byte("hi"))
		guard.Drop()

		require.NoError(t, bpm.FlushPage(id))

		readGuard, err := bpm.FetchPage(id)
		require.NoError(t, err)
		defer readGuard.Drop()
		assert.Equal(t, "hi", string(bytes.Trim(readGuard.GetData(), "\x00")))
	})

	t.Run("evicts a frame with fewer than k accesses before a fully accessed one", func(t *testing.T) {
		bpm, _ := newTestBufferpoolManager(t, 2, 2)

		ids := make([]int64, 3)
		for i, content := range []string{"1", "2", "3"} {
			id, guard, err := bpm.NewPage()
			require.NoError(t, err)
			copy(*guard.GetDataMut(), []byte(content))
			guard.Drop()
			ids[i] = id
		}

		// access page[1] many times, so its frame reaches k accesses; page[0]
		// was evicted by the third NewPage and is reloaded with one access
		for i := 0; i < 5; i++ {
			g, err := bpm.FetchPage(ids[1])
			require.NoError(t, err)
			g.Drop()
		}
		g, err := bpm.FetchPage(ids[0])
		require.NoError(t, err)
		g.Drop()

		// fetching page[2] evicts page[0]: although it was used most recently,
		// its frame has fewer than k accesses, and LRU-K evicts that class first
		g, err = bpm.FetchPage(ids[2])
		require.NoError(t, err)
		assert.Equal(t, "3", string(bytes.Trim(g.GetData(), "\x00")))
		g.Drop()

		bpm.mu.Lock()
		_, resident := bpm.pageTable[ids[0]]
		bpm.mu.Unlock()
		assert.False(t, resident)
	})

	t.Run("dirty evicted pages are flushed to disk", func(t *testing.T) {
		bpm, diskScheduler := newTestBufferpoolManager(t, 2, 2)

		var firstId int64
		for i, content := range []string{"1", "2", "3"} {
			id, guard, err := bpm.NewPage()
			require.NoError(t, err)
			copy(*guard.GetDataMut(), []byte(content))
			guard.Drop()
			if i == 0 {
				firstId = id
			}
		}

		res := syncRead(firstId, diskScheduler)
		assert.Equal(t, "1", string(bytes.Trim(res, "\x00")))
	})

	t.Run("DeletePage requires pin count zero and frees the frame", func(t *testing.T) {
		bpm, _ := newTestBufferpoolManager(t, 5, 2)

		id, guard, err := bpm.NewPage()
		require.NoError(t, err)

		_, err = bpm.DeletePage(id)
		assert.ErrorIs(t, err, util.ErrInvalidPageID)

		guard.Drop()
		ok, err := bpm.DeletePage(id)
		assert.NoError(t, err)
		assert.True(t, ok)

		bpm.mu.Lock()
		_, resident := bpm.pageTable[id]
		bpm.mu.Unlock()
		assert.False(t, resident)
	})

	t.Run("DeletePage is a no-op for an unresident page", func(t *testing.T) {
		bpm, _ := newTestBufferpoolManager(t, 5, 2)
		ok, err := bpm.DeletePage(9999)
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("UnpinPage ORs in the dirty hint and marks evictable at zero pins", func(t *testing.T) {
		bpm, _ := newTestBufferpoolManager(t, 5, 2)

		id, guard, err := bpm.NewPage()
		require.NoError(t, err)
		guard.Drop()
		require.NoError(t, bpm.FlushPage(id))

		_, err = bpm.FetchPage(id)
		require.NoError(t, err)

		assert.True(t, bpm.UnpinPage(id, true))
		bpm.mu.Lock()
		frame := bpm.frames[bpm.pageTable[id]]
		evictable := bpm.replacer.size()
		bpm.mu.Unlock()
		assert.True(t, frame.dirty)
		assert.Equal(t, 1, evictable)
		assert.False(t, bpm.UnpinPage(9999, false))
	})

	t.Run("UnpinPage fails once a resident page's pin count reaches zero", func(t *testing.T) {
		bpm, _ := newTestBufferpoolManager(t, 5, 2)

		id, guard, err := bpm.NewPage()
		require.NoError(t, err)
		guard.Drop()

		assert.False(t, bpm.UnpinPage(id, false), "unpinning an already-unpinned page must fail, not silently succeed")
	})
}

func newTestBufferpoolManager(t *testing.T, size, k int) (*BufferpoolManager, *disk.DiskScheduler) {
	t.Helper()

	file := createDbFile(t)
	dm, err := disk.NewDiskManager(file, disk.WithSync(false))
	require.NoError(t, err)

	diskScheduler := disk.NewScheduler(dm)
	t.Cleanup(diskScheduler.Shutdown)

	return NewBufferpoolManager(size, k, diskScheduler, nil), diskScheduler
}

func createDbFile(t *testing.T) *os.File {
	t.Helper()
	dbFile := path.Join(t.TempDir(), "test.db")

	file, err := os.OpenFile(dbFile, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		panic(fmt.Sprintf("failed creating db file\n%v", err))
	}
	t.Cleanup(func() { _ = os.Remove(dbFile) })

	require.NoError(t, os.Truncate(file.Name(), disk.PAGE_SIZE))
	return file
}

func syncWrite(pageId int64, data []byte, diskScheduler *disk.DiskScheduler) {
	respCh := diskScheduler.Schedule(disk.NewRequest(pageId, data, true))
	<-respCh
}

func syncRead(pageId int64, diskScheduler *disk.DiskScheduler) []byte {
	respCh := diskScheduler.Schedule(disk.NewRequest(pageId, nil, false))
	res := <-respCh
	return res.Data
}
