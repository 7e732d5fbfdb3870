package segment

import (
	"fmt"
	"os"
	"sync"

	"github.com/appcoreopc/incubator-ratis/raftwal/types"
)

// Writer is the handle the worker owns for the currently open (tail)
// segment file. It keeps its own in-memory record index since a segment
// that is still open has no on-disk index block: a crash must recover
// whatever was durably appended, not whatever an index says.
type Writer struct {
	info types.SegmentInfo
	f    *os.File

	mu      sync.RWMutex
	records []types.RecordMeta
	size    int64
	lastIdx uint64
	lastTrm uint64

	scratch []byte
}

// CreateFile makes a brand-new open segment file at path, writing the
// magic header, and returns a Writer ready for appends.
func CreateFile(path string, info types.SegmentInfo) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write([]byte(Magic)); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{info: info, f: f, size: int64(len(Magic))}, nil
}

// RecoverFile reopens an existing open segment file after a restart,
// scanning it and truncating it to the last valid record boundary so a
// torn write from a crash mid-append does not corrupt subsequent appends.
func RecoverFile(path string, info types.SegmentInfo) (*Writer, types.SegmentLoadResult, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o640)
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

	result, records, validLen, lastIdx, lastTrm := scan(data[len(Magic):], len(Magic), true)
	if err := f.Truncate(int64(validLen)); err != nil {
		f.Close()
		return nil, types.SegmentLoadResult{}, err
	}
	if _, err := f.Seek(int64(validLen), 0); err != nil {
		f.Close()
		return nil, types.SegmentLoadResult{}, err
	}

	w := &Writer{
		info:    info,
		f:       f,
		records: records,
		size:    int64(validLen),
		lastIdx: lastIdx,
		lastTrm: lastTrm,
	}
	return w, result, nil
}

// scan parses frames out of buf (which begins immediately after the
// header, at file offset baseOffset), stopping at the first malformed
// record and treating everything before it as the recovered suffix.
func scan(buf []byte, baseOffset int, keepEntries bool) (types.SegmentLoadResult, []types.RecordMeta, int, uint64, uint64) {
	var result types.SegmentLoadResult
	var records []types.RecordMeta
	offset := baseOffset
	pos := 0
	var lastIdx, lastTerm uint64

	for {
		term, index, data, n, ok := DecodeFrame(buf[pos:])
		if !ok {
			break
		}
		records = append(records, types.RecordMeta{Term: term, Index: index, Offset: int64(offset), Length: n})
		if keepEntries {
			cp := make([]byte, len(data))
			copy(cp, data)
			result.Entries = append(result.Entries, types.LogEntry{Term: term, Index: index, Data: cp})
		}
		lastIdx, lastTerm = index, term
		pos += n
		offset += n
	}
	result.Records = records
	result.LastTerm = lastTerm
	return result, records, offset, lastIdx, lastTerm
}

// Append serializes and writes entries to the end of the file, returning
// the number of bytes added. It does not fsync; callers (the worker) batch
// fsyncs per the configured flush policy.
func (w *Writer) Append(entries []types.LogEntry) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cap(w.scratch) == 0 {
		w.scratch = make([]byte, 0, 4096)
	}
	buf := w.scratch[:0]
	startOffset := w.size
	for _, e := range entries {
		recOffset := startOffset + int64(len(buf))
		before := len(buf)
		buf = EncodeFrame(buf, e.Term, e.Index, e.Data)
		w.records = append(w.records, types.RecordMeta{Term: e.Term, Index: e.Index, Offset: recOffset, Length: len(buf) - before})
		w.lastIdx = e.Index
		w.lastTrm = e.Term
	}
	n, err := w.f.Write(buf)
	w.scratch = buf[:0]
	if err != nil {
		return n, err
	}
	w.size += int64(n)
	return n, nil
}

// GetLog returns the entry at index by re-reading it from the file at its
// recorded offset.
func (w *Writer) GetLog(index uint64, out *types.LogEntry) error {
	w.mu.RLock()
	rec, ok := findRecord(w.records, index)
	w.mu.RUnlock()
	if !ok {
		return types.ErrNotFound
	}
	buf := make([]byte, rec.Length)
	if _, err := w.f.ReadAt(buf, rec.Offset); err != nil {
		return err
	}
	term, idx, data, _, ok := DecodeFrame(buf)
	if !ok || idx != index {
		return fmt.Errorf("%w: record at offset %d unreadable", types.ErrCorrupt, rec.Offset)
	}
	out.Term, out.Index = term, idx
	out.Data = append(out.Data[:0], data...)
	return nil
}

func (w *Writer) Sync() error { return w.f.Sync() }

// TruncateAt drops every record with index >= index, truncating the file
// to the byte offset of the first dropped record.
func (w *Writer) TruncateAt(index uint64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cut := len(w.records)
	for i, r := range w.records {
		if r.Index >= index {
			cut = i
			break
		}
	}
	var newSize int64
	if cut == 0 {
		newSize = int64(len(Magic))
	} else {
		last := w.records[cut-1]
		newSize = last.Offset + int64(last.Length)
	}
	if err := w.f.Truncate(newSize); err != nil {
		return 0, err
	}
	if _, err := w.f.Seek(newSize, 0); err != nil {
		return 0, err
	}
	w.records = w.records[:cut]
	w.size = newSize
	if cut == 0 {
		w.lastIdx, w.lastTrm = 0, 0
	} else {
		last := w.records[cut-1]
		w.lastIdx, w.lastTrm = last.Index, last.Term
	}
	return newSize, nil
}

func (w *Writer) Size() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// LastIndexTerm reports the last appended (index, term). The facade's
// roll decision reads the last term from the cache's records, not from
// here.
func (w *Writer) LastIndexTerm() (uint64, uint64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastIdx, w.lastTrm
}

func (w *Writer) Close() error { return w.f.Close() }

func findRecord(records []types.RecordMeta, index uint64) (types.RecordMeta, bool) {
	// Linear scan is fine: the tail segment holds at most SegmentSize
	// bytes worth of records, a small bound, and this is only hit by
	// GetLog, not the hot append path.
	for _, r := range records {
		if r.Index == index {
			return r, true
		}
	}
	return types.RecordMeta{}, false
}
