package buffer

// INVALID_FRAME_ID is the sentinel frame id returned when there is nothing
// to evict.
const INVALID_FRAME_ID = -1

// lrukNode tracks one resident frame's access history for the LRU-K
// eviction policy: the last K access timestamps (oldest first), capped at
// K entries, plus whether the frame currently participates in eviction.
type lrukNode struct {
	frameId     int
	k           int
	history     []int
	isEvictable bool
}

// hasKAccess reports whether the node has accumulated a full K-entry
// history yet ("full" bucket) or still has fewer than K accesses ("cold"
// bucket, +∞ backward k-distance).
func (n *lrukNode) hasKAccess() bool {
	return len(n.history) >= n.k
}

// kthAccess returns the timestamp of the oldest entry still tracked: for a
// cold node this is its single earliest access; for a full node this is
// its K-th most recent access, the value the LRU-K distance is computed
// from. Returns -1 if the node has no history yet.
func (n *lrukNode) kthAccess() int {
	if len(n.history) == 0 {
		return -1
	}
	return n.history[0]
}

func (n *lrukNode) addTimestamp(timestamp int) {
	if len(n.history) < n.k {
		n.history = append(n.history, timestamp)
		return
	}
	n.history = append(n.history[1:], timestamp)
}
