package segment

import (
	"fmt"
	"os"

	"github.com/appcoreopc/incubator-ratis/raftwal/types"
)

// Reader allows reading logs from a sealed segment file. There is no
// on-disk index block to trust: the in-memory record index is rebuilt by
// scanning the file once at Open, so the frame codec is the only format
// recovery depends on.
type Reader struct {
	f       *os.File
	records []types.RecordMeta
}

// OpenFile opens a sealed segment file at path and scans it to build the
// in-memory record index (and, if keepEntries, the materialized entries).
func OpenFile(path string, keepEntries bool) (*Reader, types.SegmentLoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.SegmentLoadResult{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		f.Close()
		return nil, types.SegmentLoadResult{}, err
	}
	if len(data) < len(Magic) || string(data[:len(Magic)]) != Magic {
		f.Close()
		return nil, types.SegmentLoadResult{}, fmt.Errorf("%w: bad magic header in %s", types.ErrCorrupt, path)
	}

	result, records, _, _, _ := scan(data[len(Magic):], len(Magic), keepEntries)
	r := &Reader{f: f, records: records}
	return r, result, nil
}

// Close implements io.Closer.
func (r *Reader) Close() error { return r.f.Close() }

// GetLog returns the raw log entry associated with idx. If the log
// doesn't exist in this segment, types.ErrNotFound is returned.
func (r *Reader) GetLog(idx uint64, le *types.LogEntry) error {
	rec, ok := findRecord(r.records, idx)
	if !ok {
		return types.ErrNotFound
	}
	buf := make([]byte, rec.Length)
	if _, err := r.f.ReadAt(buf, rec.Offset); err != nil {
		return err
	}
	term, index, data, _, ok := DecodeFrame(buf)
	if !ok || index != idx {
		return fmt.Errorf("%w: record at offset %d unreadable", types.ErrCorrupt, rec.Offset)
	}
	le.Term, le.Index = term, index
	le.Data = append(le.Data[:0], data...)
	return nil
}
