// Package segment implements the on-disk layout and record framing for a
// single log segment file: an 8-byte magic header followed by a sequence
// of length-prefixed, checksummed records.
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Magic is the fixed 8-byte header every segment file begins with.
const Magic = "RAFTLOG1"

const (
	closedPrefix = "log_"
	openPrefix   = "log_inprogress_"
)

// ErrCorrupt is not returned by this package's readers: a record that
// fails its checksum or length check ends the scan without an error
// (the prefix before it is kept), and a bad header or unreadable record
// is reported with types.ErrCorrupt.
var ErrCorrupt = errors.New("segment: corrupt record")

// ClosedName returns the file name for a closed segment spanning
// [start, end] inclusive.
func ClosedName(start, end uint64) string {
	return fmt.Sprintf("%s%d-%d", closedPrefix, start, end)
}

// OpenName returns the file name for the open (tail) segment starting at
// start.
func OpenName(start uint64) string {
	return fmt.Sprintf("%s%d", openPrefix, start)
}

// Parsed describes what a file name in the storage directory means.
type Parsed struct {
	IsOpen bool
	Start  uint64
	End    uint64 // only valid when !IsOpen
}

// ParseName parses a segment file's base name, returning ok=false for
// anything that isn't one of our two naming schemes (e.g. raft-meta,
// snapshot.*, or stray files left by another process).
func ParseName(name string) (Parsed, bool) {
	if strings.HasPrefix(name, openPrefix) {
		startStr := strings.TrimPrefix(name, openPrefix)
		start, err := strconv.ParseUint(startStr, 10, 64)
		if err != nil {
			return Parsed{}, false
		}
		return Parsed{IsOpen: true, Start: start}, true
	}
	if strings.HasPrefix(name, closedPrefix) {
		rest := strings.TrimPrefix(name, closedPrefix)
		parts := strings.SplitN(rest, "-", 2)
		if len(parts) != 2 {
			return Parsed{}, false
		}
		start, err1 := strconv.ParseUint(parts[0], 10, 64)
		end, err2 := strconv.ParseUint(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return Parsed{}, false
		}
		return Parsed{IsOpen: false, Start: start, End: end}, true
	}
	return Parsed{}, false
}

// List scans dir and returns every recognized segment file, not including
// raft-meta or snapshot.* entries.
func List(dir string) ([]Parsed, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]Parsed, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if p, ok := ParseName(e.Name()); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Path joins dir with a parsed segment's file name.
func Path(dir string, p Parsed) string {
	if p.IsOpen {
		return filepath.Join(dir, OpenName(p.Start))
	}
	return filepath.Join(dir, ClosedName(p.Start, p.End))
}
