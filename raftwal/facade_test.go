package raftwal

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/appcoreopc/incubator-ratis/raftwal/segment"
	"github.com/appcoreopc/incubator-ratis/raftwal/types"
)

// fakeServerFacade satisfies types.ServerFacade for eviction and
// truncation tests: every bound is far ahead so nothing pins the cache.
type fakeServerFacade struct {
	mu     sync.Mutex
	failed []types.LogEntry
}

func (f *fakeServerFacade) ID() string { return "s1" }

func (f *fakeServerFacade) FollowerNextIndices() map[string]uint64 {
	return map[string]uint64{"f1": 1 << 40}
}

func (f *fakeServerFacade) LastAppliedIndex() uint64 { return 1 << 40 }

func (f *fakeServerFacade) FailClientRequest(entry types.LogEntry, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, entry)
}

func (f *fakeServerFacade) failedIndices() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, 0, len(f.failed))
	for _, e := range f.failed {
		out = append(out, e.Index)
	}
	return out
}

func openTestLog(t *testing.T, dir string, opts ...Option) *Log {
	t.Helper()
	allOpts := append([]Option{WithRegisterer(prometheus.NewRegistry())}, opts...)
	l, err := Open(dir, 0, nil, allOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndGet(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	for i := uint64(1); i <= 5; i++ {
		fut, err := l.AppendEntry(types.LogEntry{Term: 1, Index: i, Data: []byte("entry")})
		require.NoError(t, err)
		_, err = fut.Wait()
		require.NoError(t, err)
	}

	entry, ok, err := l.Get(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), entry.Index)

	_, ok, err = l.Get(99)
	require.NoError(t, err)
	require.False(t, ok)

	term, idx, ok := l.GetLastEntryTermIndex()
	require.True(t, ok)
	require.Equal(t, uint64(1), term)
	require.Equal(t, uint64(5), idx)
}

func TestSegmentRollsOnTermChange(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	for i := uint64(1); i <= 2; i++ {
		fut, err := l.AppendEntry(types.LogEntry{Term: 1, Index: i, Data: []byte("e")})
		require.NoError(t, err)
		_, err = fut.Wait()
		require.NoError(t, err)
	}

	fut, err := l.AppendEntry(types.LogEntry{Term: 2, Index: 3, Data: []byte("e")})
	require.NoError(t, err)
	_, err = fut.Wait()
	require.NoError(t, err)

	l.mu.RLock()
	segCount := 0
	it := l.cache.segments.Iterator()
	for !it.Done() {
		it.Next()
		segCount++
	}
	l.mu.RUnlock()
	require.Equal(t, 2, segCount, "a term change must roll to a new segment")
}

func TestSegmentRollsOnSize(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, WithSegmentSize(512))

	payload := make([]byte, 50)
	for i := uint64(1); i <= 40; i++ {
		fut, err := l.AppendEntry(types.LogEntry{Term: 1, Index: i, Data: payload})
		require.NoError(t, err)
		_, err = fut.Wait()
		require.NoError(t, err)
	}

	l.mu.RLock()
	closed := 0
	it := l.cache.segments.Iterator()
	for !it.Done() {
		_, cs, _ := it.Next()
		if !cs.info.IsOpen() {
			closed++
		}
	}
	l.mu.RUnlock()
	require.GreaterOrEqual(t, closed, 2, "~2000 bytes of entries at a 512-byte segment.size.max must roll at least twice")

	entry, ok, err := l.Get(40)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(40), entry.Index)
}

func TestTruncateDropsDivergentSuffix(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	for i := uint64(1); i <= 5; i++ {
		fut, err := l.AppendEntry(types.LogEntry{Term: 1, Index: i, Data: []byte("e")})
		require.NoError(t, err)
		_, err = fut.Wait()
		require.NoError(t, err)
	}

	fut, err := l.Truncate(3)
	require.NoError(t, err)
	_, err = fut.Wait()
	require.NoError(t, err)

	_, ok, err := l.Get(3)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = l.Get(2)
	require.NoError(t, err)
	require.True(t, ok)

	// The log must remain appendable past the truncation point.
	fut, err = l.AppendEntry(types.LogEntry{Term: 1, Index: 3, Data: []byte("new")})
	require.NoError(t, err)
	_, err = fut.Wait()
	require.NoError(t, err)

	entry, ok, err := l.Get(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(entry.Data))
}

func TestAppendTruncatesDivergentSuffix(t *testing.T) {
	dir := t.TempDir()
	server := &fakeServerFacade{}
	l := openTestLog(t, dir, WithServerFacade(server))

	for i := uint64(1); i <= 10; i++ {
		fut, err := l.AppendEntry(types.LogEntry{Term: 1, Index: i, Data: []byte("old")})
		require.NoError(t, err)
		_, err = fut.Wait()
		require.NoError(t, err)
	}

	// Index 9 matches, index 10's term diverges: 10 is truncated and the
	// leader's entries take its place.
	futs, err := l.Append([]types.LogEntry{
		{Term: 1, Index: 9, Data: []byte("old")},
		{Term: 2, Index: 10, Data: []byte("new")},
		{Term: 2, Index: 11, Data: []byte("new")},
	})
	require.NoError(t, err)
	for _, fut := range futs {
		_, err := fut.Wait()
		require.NoError(t, err)
	}

	term, ok, err := l.GetTermIndex(9)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), term)

	for _, idx := range []uint64{10, 11} {
		term, ok, err := l.GetTermIndex(idx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(2), term)

		entry, found, err := l.Get(idx)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "new", string(entry.Data))
	}

	_, idx, ok := l.GetLastEntryTermIndex()
	require.True(t, ok)
	require.Equal(t, uint64(11), idx)

	// The truncated entry's client request was failed through the server
	// facade.
	require.Equal(t, []uint64{10}, server.failedIndices())
}

func TestCacheEvictionAndSlowPathReload(t *testing.T) {
	dir := t.TempDir()
	server := &fakeServerFacade{}
	l := openTestLog(t, dir,
		WithServerFacade(server),
		WithSegmentSize(256),
		WithMaxCachedSegments(1))

	payload := make([]byte, 50)
	for i := uint64(1); i <= 30; i++ {
		fut, err := l.AppendEntry(types.LogEntry{Term: 1, Index: i, Data: payload})
		require.NoError(t, err)
		_, err = fut.Wait()
		require.NoError(t, err)
	}

	l.mu.RLock()
	require.LessOrEqual(t, l.cache.materializedCount, 2,
		"eviction must keep the materialized count near maxCached")
	l.mu.RUnlock()

	// An evicted index is still readable: the slow path reloads the
	// segment's entries from disk without holding the lock.
	entry, ok, err := l.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), entry.Index)
}

func TestTruncateReopensClosedSegmentAsTail(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	for i := uint64(1); i <= 3; i++ {
		fut, err := l.AppendEntry(types.LogEntry{Term: 1, Index: i, Data: []byte("e")})
		require.NoError(t, err)
		_, err = fut.Wait()
		require.NoError(t, err)
	}
	// Term change rolls segment 1 (indices 1-3) closed and opens segment 2.
	fut, err := l.AppendEntry(types.LogEntry{Term: 2, Index: 4, Data: []byte("e")})
	require.NoError(t, err)
	_, err = fut.Wait()
	require.NoError(t, err)

	// Truncating into the closed segment must reopen it as the tail.
	fut, err = l.Truncate(2)
	require.NoError(t, err)
	_, err = fut.Wait()
	require.NoError(t, err)

	_, ok, err := l.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = l.Get(2)
	require.NoError(t, err)
	require.False(t, ok)

	fut, err = l.AppendEntry(types.LogEntry{Term: 1, Index: 2, Data: []byte("reopened")})
	require.NoError(t, err)
	_, err = fut.Wait()
	require.NoError(t, err)

	entry, ok, err := l.Get(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "reopened", string(entry.Data))
}

func TestTruncateEverythingStartsFreshTail(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	for i := uint64(1); i <= 3; i++ {
		fut, err := l.AppendEntry(types.LogEntry{Term: 1, Index: i, Data: []byte("e")})
		require.NoError(t, err)
		_, err = fut.Wait()
		require.NoError(t, err)
	}

	fut, err := l.Truncate(1)
	require.NoError(t, err)
	_, err = fut.Wait()
	require.NoError(t, err)

	_, ok, err := l.Get(1)
	require.NoError(t, err)
	require.False(t, ok)

	fut, err = l.AppendEntry(types.LogEntry{Term: 1, Index: 1, Data: []byte("fresh")})
	require.NoError(t, err)
	_, err = fut.Wait()
	require.NoError(t, err)

	entry, ok, err := l.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh", string(entry.Data))
}

func TestAppendFuturesCompleteInIndexOrder(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	var futs []*Future
	for i := uint64(1); i <= 20; i++ {
		fut, err := l.AppendEntry(types.LogEntry{Term: 1, Index: i, Data: []byte("e")})
		require.NoError(t, err)
		futs = append(futs, fut)
	}

	// The worker completes futures FIFO: once the last one is done, every
	// earlier one must already be done.
	_, err := futs[len(futs)-1].Wait()
	require.NoError(t, err)
	for i, fut := range futs {
		require.True(t, fut.Done(), "future for index %d not complete before a later one", i+1)
	}
}

func TestReopenRecoversEntries(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	for i := uint64(1); i <= 4; i++ {
		fut, err := l.AppendEntry(types.LogEntry{Term: 1, Index: i, Data: []byte("persisted")})
		require.NoError(t, err)
		_, err = fut.Wait()
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l2, err := Open(dir, 0, nil, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer l2.Close()

	entry, ok, err := l2.Get(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "persisted", string(entry.Data))

	_, _, ok = l2.GetLastEntryTermIndex()
	require.True(t, ok)
}

func TestOpenClearsLogBehindSnapshot(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	for i := uint64(1); i <= 3; i++ {
		fut, err := l.AppendEntry(types.LogEntry{Term: 1, Index: i, Data: []byte("stale")})
		require.NoError(t, err)
		_, err = fut.Wait()
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// A snapshot at index 10 has closed over everything this log holds;
	// keeping indices 1..3 would leave a gap at 4..10.
	var replayed int
	l2, err := Open(dir, 10, func(types.LogEntry) error {
		replayed++
		return nil
	}, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer l2.Close()
	require.Zero(t, replayed)

	_, ok, err := l2.Get(2)
	require.NoError(t, err)
	require.False(t, ok)

	fut, err := l2.AppendEntry(types.LogEntry{Term: 2, Index: 11, Data: []byte("post-snapshot")})
	require.NoError(t, err)
	_, err = fut.Wait()
	require.NoError(t, err)

	entry, ok, err := l2.Get(11)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "post-snapshot", string(entry.Data))
}

func TestSyncWithSnapshotPurgesObsoleteSegments(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	// Two term changes leave two closed segments (1-2 and 3-4) plus an
	// open tail at 5.
	for i, term := range []uint64{1, 1, 2, 2, 3} {
		fut, err := l.AppendEntry(types.LogEntry{Term: term, Index: uint64(i + 1), Data: []byte("e")})
		require.NoError(t, err)
		_, err = fut.Wait()
		require.NoError(t, err)
	}

	closed1 := filepath.Join(dir, "current", segment.ClosedName(1, 2))
	_, err := os.Stat(closed1)
	require.NoError(t, err)

	fut, err := l.SyncWithSnapshot(5)
	require.NoError(t, err)
	_, err = fut.Wait()
	require.NoError(t, err)

	// Both closed segments end below the snapshot index; the tail at 5
	// survives.
	_, err = os.Stat(closed1)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "current", segment.ClosedName(3, 4)))
	require.True(t, os.IsNotExist(err))

	entry, ok, err := l.Get(5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), entry.Index)
}

func TestReopenSkipsTornTailWrite(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	for i := uint64(1); i <= 10; i++ {
		fut, err := l.AppendEntry(types.LogEntry{Term: 1, Index: i, Data: []byte("payload")})
		require.NoError(t, err)
		_, err = fut.Wait()
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Chop bytes off the tail file, as a crash mid-append would.
	tail := filepath.Join(dir, "current", segment.OpenName(1))
	fi, err := os.Stat(tail)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(tail, fi.Size()-5))

	var replayed []uint64
	l2, err := Open(dir, 0, func(e types.LogEntry) error {
		replayed = append(replayed, e.Index)
		return nil
	}, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer l2.Close()

	// Entry 10's record lost its last 5 bytes; 1..9 must survive and the
	// log must accept a new entry 10.
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9}, replayed)

	fut, err := l2.AppendEntry(types.LogEntry{Term: 1, Index: 10, Data: []byte("fresh")})
	require.NoError(t, err)
	_, err = fut.Wait()
	require.NoError(t, err)

	entry, ok, err := l2.Get(10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh", string(entry.Data))
}
