// Package raftwal implements a segmented durable Raft log: entries live
// in a sequence of segment files, reads go through an in-memory segment
// cache with bounded materialization, and all disk I/O funnels through a
// single background worker that batches fsyncs and publishes the flushed
// index. Log is the read/write entry point: it serializes writers via a
// write lock, readers via a read lock, dispatches durability work to the
// worker, and returns futures resolved on flush.
package raftwal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/appcoreopc/incubator-ratis/raftwal/segment"
	"github.com/appcoreopc/incubator-ratis/raftwal/types"
)

// Re-exported so callers of this package don't need to import
// raftwal/types directly for common sentinel checks.
var (
	ErrNotFound       = types.ErrNotFound
	ErrCorrupt        = types.ErrCorrupt
	ErrClosed         = types.ErrClosed
	ErrOutOfRange     = types.ErrOutOfRange
	ErrTermRegression = types.ErrTermRegression
)

// RaftLogIOError wraps a fatal I/O failure surfaced by the worker.
type RaftLogIOError = types.RaftLogIOError

// DefaultSegmentSize is the default cap on a single segment file.
const DefaultSegmentSize = 8 * 1024 * 1024

// Log is the segmented durable log facade. One writer at a time
// (mu.Lock), any number of concurrent readers (mu.RLock); the Get slow
// path releases the lock before touching the disk.
type Log struct {
	dir string

	mu        sync.RWMutex
	cacheCond *sync.Cond

	cache  *segmentCache
	worker *logWorker
	filer  *segment.Filer
	meta   types.MetaStore

	server types.ServerFacade

	segmentMaxSize uint32
	maxCached      int
	flush          flushPolicy

	logger  log.Logger
	metrics *walMetrics

	nextSegmentID uint64
	closed        atomic.Bool
}

// Option configures Open.
type Option func(*openConfig)

type openConfig struct {
	segmentMaxSize uint32
	maxCached      int
	flush          flushPolicy
	logger         log.Logger
	registerer     prometheus.Registerer
	server         types.ServerFacade
}

// WithSegmentSize sets the maximum size in bytes of one segment file.
func WithSegmentSize(n uint32) Option { return func(c *openConfig) { c.segmentMaxSize = n } }

// WithMaxCachedSegments bounds how many segments keep their full entry
// slices in memory.
func WithMaxCachedSegments(n int) Option { return func(c *openConfig) { c.maxCached = n } }

// WithFlushPolicy sets the fsync batching policy: fsync after maxBatch
// entries or maxDelay, whichever comes first.
func WithFlushPolicy(maxBatch int, maxDelay time.Duration) Option {
	return func(c *openConfig) { c.flush = flushPolicy{MaxBatch: maxBatch, MaxDelay: maxDelay} }
}

// WithLogger sets the go-kit logger used for worker/eviction diagnostics.
func WithLogger(l log.Logger) Option { return func(c *openConfig) { c.logger = l } }

// WithRegisterer sets the prometheus.Registerer metrics are registered
// against.
func WithRegisterer(r prometheus.Registerer) Option { return func(c *openConfig) { c.registerer = r } }

// WithServerFacade wires the ServerFacade collaborator used for
// follower-progress-aware eviction and failing client requests on
// truncation.
func WithServerFacade(s types.ServerFacade) Option { return func(c *openConfig) { c.server = s } }

func defaultConfig() openConfig {
	return openConfig{
		segmentMaxSize: DefaultSegmentSize,
		maxCached:      4,
		flush:          flushPolicy{MaxBatch: 128, MaxDelay: 5 * time.Millisecond},
		logger:         log.NewNopLogger(),
		registerer:     prometheus.NewRegistry(),
	}
}

// Open loads every segment in dir/current in order, replays entries with
// index > lastIndexInSnapshot through consumer, and returns a ready-to-use
// Log. If the recovered end index is strictly less than
// lastIndexInSnapshot there would be a gap between snapshot and log, so
// the cache is cleared and the stale segment files are purged.
func Open(dir string, lastIndexInSnapshot uint64, consumer types.EntryApplier, opts ...Option) (*Log, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	current := filepath.Join(dir, "current")
	if err := os.MkdirAll(current, 0o750); err != nil {
		return nil, err
	}

	filer := segment.NewFiler(current)
	metaStore, err := newBoltMetaStore(current)
	if err != nil {
		return nil, err
	}

	metrics := newWALMetrics(cfg.registerer)
	l := &Log{
		dir:            current,
		cache:          newSegmentCache(filer, cfg.maxCached),
		filer:          filer,
		meta:           metaStore,
		server:         cfg.server,
		segmentMaxSize: cfg.segmentMaxSize,
		maxCached:      cfg.maxCached,
		flush:          cfg.flush,
		logger:         cfg.logger,
		metrics:        metrics,
	}
	l.cacheCond = sync.NewCond(&l.mu)

	persisted, err := metaStore.Load(current)
	if err != nil {
		return nil, err
	}
	l.nextSegmentID = persisted.NextSegmentID

	onDisk, err := segment.List(current)
	if err != nil {
		return nil, err
	}
	byStart := make(map[uint64]segment.Parsed, len(onDisk))
	for _, p := range onDisk {
		byStart[p.Start] = p
	}

	var tailWriter *segment.Writer
	for _, si := range persisted.Segments {
		if si.IsOpen() {
			w, result, rerr := filer.RecoverTail(si)
			if rerr != nil {
				if os.IsNotExist(rerr) {
					nw, cerr := filer.Create(si)
					if cerr != nil {
						return nil, cerr
					}
					w = nw
					result = types.SegmentLoadResult{}
				} else {
					return nil, rerr
				}
			}
			tailWriter = w.(*segment.Writer)
			cs := &cacheSegment{info: si, entries: []types.LogEntry{}, records: result.Records}
			if len(result.Records) > 0 {
				cs.info.EndIndex = result.Records[len(result.Records)-1].Index
			} else {
				// The catalog's end index may be ahead of what a torn write
				// left recoverable; the scanned file is the source of truth.
				cs.info.EndIndex = si.StartIndex - 1
			}
			if len(result.Entries) > 0 {
				cs.entries = append(cs.entries, result.Entries...)
			} else if len(result.Records) > 0 {
				// segment.RecoverFile returns entries along with records; if
				// records come back without entries, reload them so the open
				// segment (always fully materialized per cache.go) is
				// consistent after a restart.
				if es, lerr := l.cache.loadEntriesFromDisk(cs); lerr == nil {
					cs.entries = es
				}
			}
			l.cache.set(cs)
			l.cache.materializedCount++
		} else {
			r, result, oerr := filer.OpenKeepEntries(si)
			if oerr != nil {
				return nil, oerr
			}
			r.Close()
			cs := &cacheSegment{info: si, records: result.Records}
			if si.EndIndex >= lastIndexInSnapshot {
				cs.entries = result.Entries
				l.cache.materializedCount++
			}
			l.cache.set(cs)
		}
		delete(byStart, si.StartIndex)
	}

	if tailWriter == nil {
		// No open segment recovered: create a fresh one, baseIndex 1 unless
		// we already have closed segments.
		nextIdx := uint64(1)
		if cs, ok := l.cache.lastSegment(); ok {
			nextIdx = cs.info.EndIndex + 1
		}
		id := l.nextSegmentID
		l.nextSegmentID++
		info := types.SegmentInfo{ID: id, StartIndex: nextIdx, EndIndex: nextIdx - 1, SizeLimit: l.segmentMaxSize, CreateTime: time.Now()}
		w, cerr := filer.Create(info)
		if cerr != nil {
			return nil, cerr
		}
		tailWriter = w.(*segment.Writer)
		l.cache.startSegment(id, nextIdx, l.segmentMaxSize)
		if err := l.commitCatalog(); err != nil {
			return nil, err
		}
	}

	l.worker = newLogWorker(filer, metaStore, cfg.flush, cfg.logger, metrics)
	l.worker.onFlush = l.cacheCond.Broadcast
	l.worker.adoptTail(tailWriter)
	if cs, ok := l.cache.lastSegment(); ok {
		l.worker.flushedIndex.Store(cs.info.EndIndex)
	}

	// Replay entries beyond the snapshot.
	if consumer != nil {
		it := l.cache.segments.Iterator()
		for !it.Done() {
			_, cs, _ := it.Next()
			for _, e := range cs.entries {
				if e.Index > lastIndexInSnapshot {
					if err := consumer(e); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	// Gap check: if the recovered end index is strictly less than the
	// snapshot's index, there is a gap the snapshot has already closed
	// over. Clear the cache and purge the stale segment files.
	if last, ok := l.cache.lastSegment(); ok && last.info.EndIndex < lastIndexInSnapshot && lastIndexInSnapshot > 0 {
		level.Warn(l.logger).Log("msg", "log behind snapshot, clearing", "lastIndex", last.info.EndIndex, "snapshot", lastIndexInSnapshot)
		if err := l.resetAfterSnapshotGap(lastIndexInSnapshot); err != nil {
			return nil, err
		}
	}

	for _, p := range byStart {
		_ = filer.Delete(0, p.Start)
	}

	return l, nil
}

func (l *Log) resetAfterSnapshotGap(lastIndexInSnapshot uint64) error {
	it := l.cache.segments.Iterator()
	var toDelete []types.SegmentInfo
	for !it.Done() {
		_, cs, _ := it.Next()
		toDelete = append(toDelete, cs.info)
	}
	for _, info := range toDelete {
		l.cache.delete(info.StartIndex)
		if info.IsOpen() {
			// Close and remove the stale tail before creating the new one;
			// the replacement may reuse its file name.
			fut := l.worker.submit(&ioTask{kind: taskRetireTail, info: info})
			if _, err := fut.Wait(); err != nil {
				return err
			}
		}
	}
	id := l.nextSegmentID
	l.nextSegmentID++
	nextIdx := lastIndexInSnapshot + 1
	info := types.SegmentInfo{ID: id, StartIndex: nextIdx, EndIndex: nextIdx - 1, SizeLimit: l.segmentMaxSize, CreateTime: time.Now()}
	w, err := l.filer.Create(info)
	if err != nil {
		return err
	}
	l.cache.startSegment(id, nextIdx, l.segmentMaxSize)
	adoptFut := l.worker.submit(&ioTask{kind: taskAdoptTail, newTail: w.(*segment.Writer)})
	if _, err := adoptFut.Wait(); err != nil {
		return err
	}
	// Everything at or below the snapshot index is durable in the snapshot
	// itself.
	l.worker.flushedIndex.Store(lastIndexInSnapshot)
	if err := l.commitCatalog(); err != nil {
		return err
	}
	fut := l.worker.submit(&ioTask{kind: taskDeleteSegments, deletes: toDelete})
	_, err = fut.Wait()
	return err
}

// checkClosed returns ErrClosed if the log has been closed, or the
// worker's RaftLogIOError if it has been poisoned by a fatal I/O error.
func (l *Log) checkClosed() error {
	if l.closed.Load() {
		return ErrClosed
	}
	if l.worker != nil {
		if failed, err := l.worker.Failed(); failed {
			return err
		}
	}
	return nil
}

// Get returns the entry at index, or (zero, false, nil) if index has no
// entry. The fast path runs entirely under the read lock; the slow path
// (entries evicted from memory) releases the lock before doing file I/O.
func (l *Log) Get(index uint64) (types.LogEntry, bool, error) {
	if err := l.checkClosed(); err != nil {
		return types.LogEntry{}, false, err
	}

	l.mu.RLock()
	cs, ok := l.cache.getSegment(index)
	if !ok {
		l.mu.RUnlock()
		return types.LogEntry{}, false, nil
	}
	if cs.materialized() {
		for _, e := range cs.entries {
			if e.Index == index {
				out := types.LogEntry{Term: e.Term, Index: e.Index, Data: append([]byte(nil), e.Data...)}
				l.mu.RUnlock()
				l.metrics.entriesRead.Inc()
				l.metrics.entryBytesRead.Add(float64(len(out.Data)))
				return out, true, nil
			}
		}
		l.mu.RUnlock()
		return types.LogEntry{}, false, nil
	}
	info := cs.info
	l.mu.RUnlock()

	// Slow path: reload this segment's entries from disk without holding
	// the lock, then re-acquire the write lock to install them and run
	// eviction bookkeeping.
	entries, err := l.cache.loadEntriesFromDisk(&cacheSegment{info: info})
	if err != nil {
		return types.LogEntry{}, false, err
	}

	l.mu.Lock()
	if cur, ok := l.cache.segments.Get(info.StartIndex); ok && !cur.materialized() {
		cur.entries = entries
		l.cache.materializedCount++
		l.maybeEvictLocked()
	}
	l.mu.Unlock()

	for _, e := range entries {
		if e.Index == index {
			l.metrics.entriesRead.Inc()
			l.metrics.entryBytesRead.Add(float64(len(e.Data)))
			return e, true, nil
		}
	}
	return types.LogEntry{}, false, nil
}

// GetTermIndex returns the term stored at index.
func (l *Log) GetTermIndex(index uint64) (uint64, bool, error) {
	if err := l.checkClosed(); err != nil {
		return 0, false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.cache.getLogRecord(index)
	if !ok {
		return 0, false, nil
	}
	return rec.Term, true, nil
}

// GetEntries returns the (term, index) metadata pairs for [lo, hi].
func (l *Log) GetEntries(lo, hi uint64) ([]types.LogEntry, error) {
	if err := l.checkClosed(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cache.getTermIndices(lo, hi), nil
}

// GetLastEntryTermIndex returns the (term, index) of the last entry in
// the log, or ok=false if the log is empty.
func (l *Log) GetLastEntryTermIndex() (term, index uint64, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cs, found := l.cache.lastSegment()
	if !found || cs.info.EndIndex < cs.info.StartIndex {
		return 0, 0, false
	}
	for i := len(cs.records) - 1; i >= 0; i-- {
		if cs.records[i].Index == cs.info.EndIndex {
			return cs.records[i].Term, cs.records[i].Index, true
		}
	}
	return 0, 0, false
}

// AppendEntry appends a single entry, rolling the open segment first if
// the segment has already reached its size limit (and the entry fits in a
// fresh segment) or entry's term differs from the open segment's last
// term. A term moving backward is a bug in the
// caller and panics.
func (l *Log) AppendEntry(entry types.LogEntry) (*Future, error) {
	if err := l.checkClosed(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.maybeRollLocked(entry); err != nil {
		return nil, err
	}
	l.waitForCacheRoomLocked()

	if err := l.cache.appendEntry(entry); err != nil {
		return nil, err
	}
	l.metrics.appends.Inc()
	l.metrics.bytesWritten.Add(float64(len(entry.Data)))

	fut := l.worker.submit(&ioTask{kind: taskWriteEntry, entries: []types.LogEntry{entry}})
	return fut, nil
}

// maybeRollLocked decides whether entry forces a roll. mu must be held
// for writing.
func (l *Log) maybeRollLocked(entry types.LogEntry) error {
	cs, ok := l.cache.openSegment()
	if !ok {
		return fmt.Errorf("raftwal: no open segment")
	}
	lastTerm := uint64(0)
	if len(cs.records) > 0 {
		lastTerm = cs.records[len(cs.records)-1].Term
	}
	if len(cs.records) > 0 && entry.Term < lastTerm {
		panic(fmt.Errorf("%w: open segment last term %d, new entry term %d", ErrTermRegression, lastTerm, entry.Term))
	}

	needsRoll := len(cs.records) > 0 && entry.Term != lastTerm

	curSize := int64(len(segment.Magic))
	for _, r := range cs.records {
		curSize += int64(r.Length)
	}
	entrySize := int64(segment.FrameSize(entry.Term, entry.Index, len(entry.Data)))
	if curSize >= int64(cs.info.SizeLimit) && entrySize <= int64(l.segmentMaxSize) {
		needsRoll = true
	}
	if !needsRoll {
		return nil
	}
	return l.rollLocked(entry.Index)
}

// rollLocked closes the current open segment and starts a new one at
// newStart. mu must be held for writing.
func (l *Log) rollLocked(newStart uint64) error {
	open, ok := l.cache.openSegment()
	if !ok {
		return fmt.Errorf("raftwal: no open segment to roll")
	}
	openInfoBefore := open.info
	closedSeg, err := l.cache.rollOpenSegment()
	if err != nil {
		return err
	}
	closedInfo := closedSeg.info

	id := l.nextSegmentID
	l.nextSegmentID++
	newInfo := types.SegmentInfo{ID: id, StartIndex: newStart, EndIndex: newStart - 1, SizeLimit: l.segmentMaxSize, CreateTime: time.Now()}

	fut := l.worker.submit(&ioTask{kind: taskRollSegment, rollInfo: rollRequest{open: openInfoBefore, closed: closedInfo}})
	if _, err := fut.Wait(); err != nil {
		return err
	}
	if !closedInfo.CreateTime.IsZero() {
		l.metrics.lastSegmentAgeSeconds.Set(closedInfo.SealTime.Sub(closedInfo.CreateTime).Seconds())
	}

	startFut := l.worker.submit(&ioTask{kind: taskStartSegment, info: newInfo})
	if _, err := startFut.Wait(); err != nil {
		return err
	}

	l.cache.startSegment(id, newStart, l.segmentMaxSize)
	return l.commitCatalog()
}

// waitForCacheRoomLocked blocks on cacheCond until the cache has room for
// another materialized segment. If no follower, flush, or apply progress
// ever frees a slot this waits forever; the warning below makes that
// visible. mu must be held; it is released while waiting and reacquired
// before returning.
func (l *Log) waitForCacheRoomLocked() {
	start := time.Now()
	blocked := false
	for l.cache.shouldEvict() {
		if failed, _ := l.worker.Failed(); failed || l.closed.Load() {
			// The submit below will surface the error; don't wait on a
			// flush that will never come.
			break
		}
		if evicted := l.evictLocked(); evicted > 0 {
			l.metrics.cacheEvictions.Add(float64(evicted))
			continue
		}
		if !blocked {
			level.Warn(l.logger).Log("msg", "append blocked: cache saturated and nothing evictable")
			blocked = true
		}
		l.cacheCond.Wait()
	}
	if blocked {
		l.metrics.appendBlockedSeconds.Add(time.Since(start).Seconds())
	}
}

// evictLocked runs one eviction pass. Without a ServerFacade there are no
// followers and no state machine to protect, so the flushed index is the
// only bound. mu must be held for writing.
func (l *Log) evictLocked() int {
	flushed := l.worker.FlushedIndex()
	var next map[string]uint64
	applied := flushed
	if l.server != nil {
		next = l.server.FollowerNextIndices()
		applied = l.server.LastAppliedIndex()
	}
	return l.cache.evictCache(next, flushed, applied)
}

func (l *Log) maybeEvictLocked() {
	if !l.cache.shouldEvict() {
		return
	}
	if evicted := l.evictLocked(); evicted > 0 {
		l.metrics.cacheEvictions.Add(float64(evicted))
		l.cacheCond.Broadcast()
	}
}

// Append is the bulk write path: it walks existing indices
// in parallel with supplied entries, and on the first index where the
// term differs, truncates from that index (failing any client requests
// associated with the truncated entries via the ServerFacade) before
// appending the remaining entries.
func (l *Log) Append(entries []types.LogEntry) ([]*Future, error) {
	if err := l.checkClosed(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	l.mu.RLock()
	divergeAt := uint64(0)
	diverges := false
	for _, e := range entries {
		rec, ok := l.cache.getLogRecord(e.Index)
		if !ok {
			break
		}
		if rec.Term != e.Term {
			divergeAt = e.Index
			diverges = true
			break
		}
	}
	l.mu.RUnlock()

	if diverges {
		if _, err := l.truncateInternal(divergeAt, true); err != nil {
			return nil, err
		}
	}

	var futs []*Future
	for _, e := range entries {
		l.mu.RLock()
		_, exists := l.cache.getLogRecord(e.Index)
		l.mu.RUnlock()
		if exists {
			continue
		}
		fut, err := l.AppendEntry(e)
		if err != nil {
			return futs, err
		}
		futs = append(futs, fut)
	}
	return futs, nil
}

// Truncate removes every entry with index >= index.
func (l *Log) Truncate(index uint64) (*Future, error) {
	if err := l.checkClosed(); err != nil {
		return nil, err
	}
	return l.truncateInternal(index, false)
}

func (l *Log) truncateInternal(index uint64, failClientRequests bool) (*Future, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var toDelete []types.SegmentInfo
	var truncateSeg *cacheSegment
	var truncateSegDiskInfo types.SegmentInfo // on-disk name before the cache mutates EndIndex
	it := l.cache.segments.Iterator()
	for !it.Done() {
		start, cs, _ := it.Next()
		if start >= index {
			toDelete = append(toDelete, cs.info)
			continue
		}
		if cs.info.EndIndex >= index {
			truncateSeg = cs
			truncateSegDiskInfo = cs.info
		}
	}

	if failClientRequests && l.server != nil {
		for _, info := range toDelete {
			cs, ok := l.cache.segments.Get(info.StartIndex)
			if !ok {
				continue
			}
			for _, e := range cs.entries {
				l.server.FailClientRequest(e, ErrOutOfRange)
			}
		}
		if truncateSeg != nil {
			for _, e := range truncateSeg.entries {
				if e.Index >= index {
					l.server.FailClientRequest(e, ErrOutOfRange)
				}
			}
		}
	}

	for _, info := range toDelete {
		if info.EndIndex >= info.StartIndex {
			l.metrics.entriesTruncated.WithLabelValues("back").Add(float64(info.EndIndex - info.StartIndex + 1))
		}
		l.cache.delete(info.StartIndex)
	}

	var wasOpen bool
	if truncateSeg != nil {
		wasOpen = truncateSeg.info.IsOpen()
		var newEntries []types.LogEntry
		for _, e := range truncateSeg.entries {
			if e.Index < index {
				newEntries = append(newEntries, e)
			}
		}
		truncateSeg.entries = newEntries
		var newRecords []types.RecordMeta
		dropped := 0
		for _, r := range truncateSeg.records {
			if r.Index < index {
				newRecords = append(newRecords, r)
			} else {
				dropped++
			}
		}
		l.metrics.entriesTruncated.WithLabelValues("back").Add(float64(dropped))
		truncateSeg.records = newRecords
		if len(newRecords) > 0 {
			truncateSeg.info.EndIndex = newRecords[len(newRecords)-1].Index
		} else {
			truncateSeg.info.EndIndex = truncateSeg.info.StartIndex - 1
		}
	}

	task := &ioTask{kind: taskTruncate, truncIdx: index, deletes: toDelete}
	if truncateSeg != nil && !wasOpen {
		// The segment being partially truncated is closed on disk but not
		// the worker's open tail; reopen it as the new tail so future
		// appends continue from here.
		if err := l.reopenAsTailLocked(truncateSeg, truncateSegDiskInfo); err != nil {
			return nil, err
		}
	} else if truncateSeg == nil && len(toDelete) > 0 {
		// Truncating everything: retire the old tail first (the fresh
		// segment may reuse its start index and therefore its file name),
		// then start over at index. The retired tail's file is already gone
		// and its name may now belong to the fresh tail, so the truncate
		// task must not delete it again.
		var rest []types.SegmentInfo
		for _, info := range toDelete {
			if info.IsOpen() {
				retireFut := l.worker.submit(&ioTask{kind: taskRetireTail, info: info})
				if _, err := retireFut.Wait(); err != nil {
					return nil, err
				}
				continue
			}
			rest = append(rest, info)
		}
		task.deletes = rest
		id := l.nextSegmentID
		l.nextSegmentID++
		info := types.SegmentInfo{ID: id, StartIndex: index, EndIndex: index - 1, SizeLimit: l.segmentMaxSize, CreateTime: time.Now()}
		w, err := l.filer.Create(info)
		if err != nil {
			return nil, err
		}
		adoptFut := l.worker.submit(&ioTask{kind: taskAdoptTail, newTail: w.(*segment.Writer)})
		if _, err := adoptFut.Wait(); err != nil {
			return nil, err
		}
		l.cache.startSegment(id, index, l.segmentMaxSize)
	}

	if err := l.commitCatalog(); err != nil {
		return nil, err
	}
	fut := l.worker.submit(task)
	return fut, nil
}

// reopenAsTailLocked converts a sealed segment back into the open tail
// after it was the target of a partial truncation that cut into it.
// diskInfo is the segment's identity as it still exists on disk (closed
// name); the file moves back to its in-progress name before recovery.
// mu must be held for writing.
func (l *Log) reopenAsTailLocked(cs *cacheSegment, diskInfo types.SegmentInfo) error {
	if err := l.filer.RenameToOpen(diskInfo); err != nil {
		return err
	}
	cs.info.SealTime = time.Time{}
	w, _, err := l.filer.RecoverTail(cs.info)
	if err != nil {
		return err
	}
	adoptFut := l.worker.submit(&ioTask{kind: taskAdoptTail, newTail: w.(*segment.Writer)})
	if _, err := adoptFut.Wait(); err != nil {
		return err
	}
	l.cache.set(cs)
	return nil
}

// WriteMetadata persists (currentTerm, votedFor) atomically.
func (l *Log) WriteMetadata(term uint64, votedFor string) error {
	if err := l.checkClosed(); err != nil {
		return err
	}
	return writeRaftMeta(l.dir, RaftMeta{CurrentTerm: term, VotedFor: votedFor})
}

// LoadMetadata reads (currentTerm, votedFor).
func (l *Log) LoadMetadata() (RaftMeta, error) {
	return loadRaftMeta(l.dir)
}

// SyncWithSnapshot forces an fsync, aligning durability with a
// just-installed snapshot, and purges every closed segment whose
// EndIndex < lastSnapshotIndex.
func (l *Log) SyncWithSnapshot(lastSnapshotIndex uint64) (*Future, error) {
	if err := l.checkClosed(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	var toDelete []types.SegmentInfo
	it := l.cache.segments.Iterator()
	for !it.Done() {
		_, cs, _ := it.Next()
		if !cs.info.IsOpen() && cs.info.EndIndex < lastSnapshotIndex {
			toDelete = append(toDelete, cs.info)
		}
	}
	for _, info := range toDelete {
		l.cache.delete(info.StartIndex)
	}
	if len(toDelete) > 0 {
		if err := l.commitCatalog(); err != nil {
			l.mu.Unlock()
			return nil, err
		}
	}
	l.mu.Unlock()

	fut := l.worker.submit(&ioTask{kind: taskSync, syncIdx: lastSnapshotIndex, deletes: toDelete})
	return fut, nil
}

// commitCatalog persists the current segment set to the bbolt-backed
// MetaStore. mu must be held.
func (l *Log) commitCatalog() error {
	var infos []types.SegmentInfo
	it := l.cache.segments.Iterator()
	for !it.Done() {
		_, cs, _ := it.Next()
		infos = append(infos, cs.info)
	}
	return l.meta.CommitState(types.PersistentState{NextSegmentID: l.nextSegmentID, Segments: infos})
}

// Close stops the worker and releases the metadata store. It must be
// called with no outstanding operations in flight.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	l.cacheCond.Broadcast()
	l.mu.Unlock()
	if l.worker != nil {
		l.worker.Close()
	}
	return l.meta.Close()
}
