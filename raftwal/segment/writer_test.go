package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/appcoreopc/incubator-ratis/raftwal/types"
)

func TestWriterAppendAndGetLog(t *testing.T) {
	dir := t.TempDir()
	info := types.SegmentInfo{ID: 1, StartIndex: 1, SizeLimit: 1024}
	path := filepath.Join(dir, OpenName(1))

	w, err := CreateFile(path, info)
	require.NoError(t, err)
	defer w.Close()

	entries := []types.LogEntry{
		{Term: 1, Index: 1, Data: []byte("one")},
		{Term: 1, Index: 2, Data: []byte("two")},
		{Term: 2, Index: 3, Data: []byte("three")},
	}
	_, err = w.Append(entries)
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	var got types.LogEntry
	require.NoError(t, w.GetLog(2, &got))
	require.Equal(t, "two", string(got.Data))
	require.Equal(t, uint64(1), got.Term)

	lastIdx, lastTerm := w.LastIndexTerm()
	require.Equal(t, uint64(3), lastIdx)
	require.Equal(t, uint64(2), lastTerm)
}

func TestWriterTruncateAt(t *testing.T) {
	dir := t.TempDir()
	info := types.SegmentInfo{ID: 1, StartIndex: 1, SizeLimit: 1024}
	path := filepath.Join(dir, OpenName(1))

	w, err := CreateFile(path, info)
	require.NoError(t, err)
	defer w.Close()

	for i := uint64(1); i <= 5; i++ {
		_, err := w.Append([]types.LogEntry{{Term: 1, Index: i, Data: []byte("x")}})
		require.NoError(t, err)
	}

	_, err = w.TruncateAt(3)
	require.NoError(t, err)

	var got types.LogEntry
	require.NoError(t, w.GetLog(2, &got))
	require.Error(t, w.GetLog(3, &got))

	lastIdx, _ := w.LastIndexTerm()
	require.Equal(t, uint64(2), lastIdx)
}

// TestRecoverFileSkipsTornWrite simulates a crash mid-append: a partial
// frame left dangling at the end of the file must be dropped, and every
// record before it must survive.
func TestRecoverFileSkipsTornWrite(t *testing.T) {
	dir := t.TempDir()
	info := types.SegmentInfo{ID: 1, StartIndex: 1, SizeLimit: 1024}
	path := filepath.Join(dir, OpenName(1))

	w, err := CreateFile(path, info)
	require.NoError(t, err)
	for i := uint64(1); i <= 3; i++ {
		_, err := w.Append([]types.LogEntry{{Term: 1, Index: i, Data: []byte("payload")}})
		require.NoError(t, err)
	}
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	// Append a truncated frame directly, simulating a torn write.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o640)
	require.NoError(t, err)
	full := EncodeFrame(nil, 1, 4, []byte("more payload"))
	_, err = f.Write(full[:len(full)-2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, result, err := RecoverFile(path, info)
	require.NoError(t, err)
	defer w2.Close()

	require.Len(t, result.Records, 3)
	lastIdx, _ := w2.LastIndexTerm()
	require.Equal(t, uint64(3), lastIdx)

	// The recovered writer must still be appendable past the dropped tail.
	_, err = w2.Append([]types.LogEntry{{Term: 1, Index: 4, Data: []byte("fresh")}})
	require.NoError(t, err)
	var got types.LogEntry
	require.NoError(t, w2.GetLog(4, &got))
	require.Equal(t, "fresh", string(got.Data))
}
