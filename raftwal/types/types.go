// Package types holds the data model and collaborator interfaces shared
// between the raftwal facade and its segment subpackage, kept separate so
// neither package needs to import the other.
package types

import (
	"errors"
	"time"
)

// LogEntry is a single replicated log record.
type LogEntry struct {
	Term  uint64
	Index uint64
	Data  []byte
}

// SegmentInfo describes one segment file, open or closed.
type SegmentInfo struct {
	ID         uint64
	StartIndex uint64
	EndIndex   uint64 // valid only once sealed (SealTime non-zero) or for the tail's committed view
	SizeLimit  uint32
	CreateTime time.Time
	SealTime   time.Time // zero value means still open
}

// IsOpen reports whether the segment is still the mutable tail.
func (si SegmentInfo) IsOpen() bool { return si.SealTime.IsZero() }

// PersistentState is the segment catalog committed to the bbolt-backed
// MetaStore: the next segment id to allocate and the ordered set of
// segments known to exist on disk.
type PersistentState struct {
	NextSegmentID uint64
	Segments      []SegmentInfo
}

// MetaStore persists the segment catalog. It is distinct from the
// raft-meta (term/votedFor) file, whose two-line wire format is fixed;
// the catalog's format is the store's own business.
type MetaStore interface {
	Load(dir string) (PersistentState, error)
	CommitState(PersistentState) error
	Close() error
}

// SegmentWriter is the handle the worker owns for the open (tail) segment.
type SegmentWriter interface {
	// Append writes entries to the end of the segment, returning the
	// number of bytes added to the file.
	Append(entries []LogEntry) (int, error)
	// GetLog reads an entry out of this segment's in-memory or on-disk
	// state (used while it is still the tail and has no on-disk index).
	GetLog(index uint64, out *LogEntry) error
	// Sync forces the segment's data durably to disk.
	Sync() error
	// TruncateAt drops every frame whose index is >= index, leaving the
	// file usable for further appends. Returns the new size in bytes.
	TruncateAt(index uint64) (int64, error)
	// Size is the current on-disk size of the segment.
	Size() int64
	Close() error
}

// SegmentReader is the handle used for sealed segments reopened from disk.
type SegmentReader interface {
	GetLog(index uint64, out *LogEntry) error
	Close() error
}

// SegmentFiler creates, recovers, opens and deletes segment files. It is
// the storage-directory collaborator: the only code that knows how segment
// files are named and laid out on disk.
type SegmentFiler interface {
	// Create makes a brand new segment file for info (which must not yet
	// exist) and returns a writer for it.
	Create(info SegmentInfo) (SegmentWriter, error)
	// RecoverTail reopens an existing open segment file after a restart,
	// scanning it and keeping only the prefix of valid records.
	RecoverTail(info SegmentInfo) (SegmentWriter, SegmentLoadResult, error)
	// Open reopens a sealed segment file for reading, scanning it to
	// build the in-memory record index.
	Open(info SegmentInfo) (SegmentReader, SegmentLoadResult, error)
	// List enumerates segment files found on disk. File names carry no
	// id, so the map is keyed by start index and each value is that same
	// start index.
	List() (map[uint64]uint64, error)
	// Delete removes a segment file by id/start index.
	Delete(id, startIndex uint64) error
}

// SegmentLoadResult is what scanning a segment file produces: the recovered
// entries (if requested) or just their index metadata, plus the byte
// offset each record starts at (needed for TruncateAt and for rebuilding
// an in-memory record index without entries materialized).
type SegmentLoadResult struct {
	Records  []RecordMeta
	Entries  []LogEntry // populated only when keepEntries was requested
	LastTerm uint64
}

// RecordMeta is the (term, index, offset, length) tuple the cache keeps
// for segments that are not fully materialized in memory.
type RecordMeta struct {
	Term   uint64
	Index  uint64
	Offset int64
	Length int
}

// EntryApplier is the opaque state-machine replay callback invoked by
// Open for every recovered entry beyond the snapshot index.
type EntryApplier func(LogEntry) error

// ServerFacade is the subset of the Raft server the log core calls back
// into. It is implemented and owned outside this package.
type ServerFacade interface {
	ID() string
	FollowerNextIndices() map[string]uint64
	LastAppliedIndex() uint64
	FailClientRequest(entry LogEntry, err error)
}

var (
	// ErrNotFound is returned by a segment reader's or writer's GetLog
	// when the index is not in that segment. Log.Get reports a missing
	// index as ok=false with a nil error instead.
	ErrNotFound = errors.New("raftwal: index not found")
	// ErrCorrupt is returned when a segment's header or a record fails
	// validation in a way recovery cannot route around.
	ErrCorrupt = errors.New("raftwal: segment corrupt")
	// ErrClosed is returned by the log's checked operations once the log
	// has been explicitly closed. After a fatal worker error they return
	// the worker's RaftLogIOError instead.
	ErrClosed = errors.New("raftwal: log closed")
	// ErrOutOfRange is the error handed to ServerFacade.FailClientRequest
	// for each entry that Append removes when it truncates a divergent
	// suffix.
	ErrOutOfRange = errors.New("raftwal: index out of range")
	// ErrTermRegression means AppendEntry was asked to persist a term
	// lower than the open segment's last term, which only a bug in the
	// caller can produce.
	ErrTermRegression = errors.New("raftwal: term moved backward")
)

// RaftLogIOError wraps a fatal I/O failure from the worker. Once surfaced,
// the log refuses all further writes until reopened.
type RaftLogIOError struct {
	Cause error
}

func (e *RaftLogIOError) Error() string { return "raftwal: fatal I/O error: " + e.Cause.Error() }
func (e *RaftLogIOError) Unwrap() error { return e.Cause }
