package disk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskScheduler(t *testing.T) {
	t.Run("schedule does not block on disk I/O", func(t *testing.T) {
		dm := newTestDiskManager(t)
		id, err := dm.AllocatePage()
		require.NoError(t, err)

		ds := NewScheduler(dm)
		t.Cleanup(ds.Shutdown)

		data := make([]byte, PAGE_SIZE)
		copy(data, []byte("hello world"))

		start := time.Now()
		respCh := ds.Schedule(NewRequest(id, data, true))
		elapsed := time.Since(start)

		assert.Less(t, elapsed, time.Millisecond)
		resp := <-respCh
		assert.True(t, resp.Success)
	})

	t.Run("serves read and write requests in submission order", func(t *testing.T) {
		dm := newTestDiskManager(t)
		id, err := dm.AllocatePage()
		require.NoError(t, err)

		ds := NewScheduler(dm)
		t.Cleanup(ds.Shutdown)

		data := make([]byte, PAGE_SIZE)
		copy(data, []byte("hello world"))

		writeResp := ds.Schedule(NewRequest(id, data, true))
		readResp := ds.Schedule(NewRequest(id, nil, false))

		w := <-writeResp
		require.True(t, w.Success)

		r := <-readResp
		require.True(t, r.Success)
		assert.Equal(t, data, r.Data)
	})

	t.Run("surfaces disk errors on the response", func(t *testing.T) {
		dm := newTestDiskManager(t)
		ds := NewScheduler(dm)
		t.Cleanup(ds.Shutdown)

		resp := <-ds.Schedule(NewRequest(9999, nil, false))
		assert.False(t, resp.Success)
		assert.ErrorIs(t, resp.Err, ErrPageNotAllocated)
	})
}
