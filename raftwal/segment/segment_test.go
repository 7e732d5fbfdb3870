package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNameRoundTrip(t *testing.T) {
	closed := ClosedName(10, 20)
	p, ok := ParseName(closed)
	require.True(t, ok)
	require.False(t, p.IsOpen)
	require.Equal(t, uint64(10), p.Start)
	require.Equal(t, uint64(20), p.End)

	open := OpenName(21)
	p, ok = ParseName(open)
	require.True(t, ok)
	require.True(t, p.IsOpen)
	require.Equal(t, uint64(21), p.Start)
}

func TestParseNameRejectsUnrelatedFiles(t *testing.T) {
	for _, name := range []string{"raft-meta", "snapshot.123", "segment-catalog.db", ""} {
		_, ok := ParseName(name)
		require.False(t, ok, "expected %q to be rejected", name)
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{ClosedName(1, 10), ClosedName(11, 20), OpenName(21), "raft-meta"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o640))
	}

	parsed, err := List(dir)
	require.NoError(t, err)
	require.Len(t, parsed, 3)
}
