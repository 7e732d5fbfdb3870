package raftwal

import (
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/immutable"

	"github.com/appcoreopc/incubator-ratis/raftwal/segment"
	"github.com/appcoreopc/incubator-ratis/raftwal/types"
)

// cacheSegment is the cache's bookkeeping for one segment file. entries is
// nil for a closed segment whose content has been evicted; records (the
// term/index/offset/length index) is always populated once the segment
// has been loaded at least once, so a Get() slow path only needs to
// re-read bytes off disk, not re-scan the whole file.
type cacheSegment struct {
	info    types.SegmentInfo
	entries []types.LogEntry
	records []types.RecordMeta
}

func (cs *cacheSegment) materialized() bool { return cs.entries != nil }

// segmentCache is the ordered collection of segments, a bounded number of
// which keep their full entry slices in memory. It is not safe for
// concurrent use: the facade serializes all mutation under its write lock
// and all reads under its read lock.
type segmentCache struct {
	// segments is keyed by StartIndex and holds both closed segments and,
	// if present, the single open (tail) segment. A Set/exact Get plus
	// ascending iteration is all the cache needs once the parallel
	// `starts` slice (below) handles floor-lookup.
	segments *immutable.SortedMap[uint64, *cacheSegment]
	// starts is segments' keys kept sorted ascending, for binary search
	// over segment start indices.
	// Rebuilt whenever segments' key set changes; segment counts are
	// small (bounded by maxCached plus a handful of un-materialized
	// closed segments) so this is cheap.
	starts []uint64

	openStart uint64
	hasOpen   bool

	maxCached int
	filer     *segment.Filer

	materializedCount int
}

func newSegmentCache(filer *segment.Filer, maxCached int) *segmentCache {
	if maxCached < 1 {
		maxCached = 1
	}
	return &segmentCache{
		segments:  &immutable.SortedMap[uint64, *cacheSegment]{},
		maxCached: maxCached,
		filer:     filer,
	}
}

func (c *segmentCache) rebuildStarts() {
	c.starts = c.starts[:0]
	it := c.segments.Iterator()
	for !it.Done() {
		k, _, _ := it.Next()
		c.starts = append(c.starts, k)
	}
}

func (c *segmentCache) set(cs *cacheSegment) {
	_, existed := c.segments.Get(cs.info.StartIndex)
	c.segments = c.segments.Set(cs.info.StartIndex, cs)
	if !existed {
		c.rebuildStarts()
	}
	if cs.info.IsOpen() {
		c.openStart = cs.info.StartIndex
		c.hasOpen = true
	}
}

func (c *segmentCache) delete(start uint64) {
	if cs, ok := c.segments.Get(start); ok && cs.materialized() {
		c.materializedCount--
	}
	c.segments = c.segments.Delete(start)
	c.rebuildStarts()
	if c.hasOpen && c.openStart == start {
		c.hasOpen = false
	}
}

// floor returns the segment whose StartIndex is the greatest one <= index,
// or nil if index is before the first segment.
func (c *segmentCache) floor(index uint64) *cacheSegment {
	i := sort.Search(len(c.starts), func(i int) bool { return c.starts[i] > index })
	if i == 0 {
		return nil
	}
	cs, _ := c.segments.Get(c.starts[i-1])
	return cs
}

// getSegment returns the segment covering index, if any.
func (c *segmentCache) getSegment(index uint64) (*cacheSegment, bool) {
	cs := c.floor(index)
	if cs == nil {
		return nil, false
	}
	if index > cs.info.EndIndex && !(cs.info.IsOpen() && index <= c.lastIndexOf(cs)) {
		return nil, false
	}
	return cs, true
}

func (c *segmentCache) lastIndexOf(cs *cacheSegment) uint64 {
	if len(cs.entries) > 0 {
		return cs.entries[len(cs.entries)-1].Index
	}
	if len(cs.records) > 0 {
		return cs.records[len(cs.records)-1].Index
	}
	return cs.info.EndIndex
}

// getLogRecord returns the record metadata for index, without requiring
// entries to be materialized.
func (c *segmentCache) getLogRecord(index uint64) (types.RecordMeta, bool) {
	cs, ok := c.getSegment(index)
	if !ok {
		return types.RecordMeta{}, false
	}
	for _, r := range cs.records {
		if r.Index == index {
			return r, true
		}
	}
	return types.RecordMeta{}, false
}

// getTermIndices returns the (term, index) pairs for entries in [lo, hi].
func (c *segmentCache) getTermIndices(lo, hi uint64) []types.LogEntry {
	var out []types.LogEntry
	for idx := lo; idx <= hi; idx++ {
		cs, ok := c.getSegment(idx)
		if !ok {
			continue
		}
		for _, r := range cs.records {
			if r.Index == idx {
				out = append(out, types.LogEntry{Term: r.Term, Index: r.Index})
				break
			}
		}
	}
	return out
}

// openSegment returns the current open (tail) segment, if any.
func (c *segmentCache) openSegment() (*cacheSegment, bool) {
	if !c.hasOpen {
		return nil, false
	}
	cs, ok := c.segments.Get(c.openStart)
	return cs, ok
}

// lastSegment returns the highest-keyed segment (open if present, else the
// last closed one), used for LastEntryTermIndex.
func (c *segmentCache) lastSegment() (*cacheSegment, bool) {
	if len(c.starts) == 0 {
		return nil, false
	}
	cs, _ := c.segments.Get(c.starts[len(c.starts)-1])
	return cs, true
}

// appendEntry appends entry to the open segment's in-memory view. The
// caller (the facade) has already decided no roll is needed. Offset/Length
// are derived from the frame wire size so maybeRollLocked's running byte
// count (summed from records) matches what the worker actually writes to
// disk.
func (c *segmentCache) appendEntry(entry types.LogEntry) error {
	cs, ok := c.openSegment()
	if !ok {
		return fmt.Errorf("raftwal: no open segment to append to")
	}
	offset := int64(len(segment.Magic))
	for _, r := range cs.records {
		offset += int64(r.Length)
	}
	length := segment.FrameSize(entry.Term, entry.Index, len(entry.Data))
	cs.entries = append(cs.entries, entry)
	cs.records = append(cs.records, types.RecordMeta{
		Term:   entry.Term,
		Index:  entry.Index,
		Offset: offset,
		Length: length,
	})
	cs.info.EndIndex = entry.Index
	return nil
}

// startSegment installs a brand-new open segment, used both at Open() for
// an empty log and after rollOpenSegment.
func (c *segmentCache) startSegment(id, startIndex uint64, sizeLimit uint32) *cacheSegment {
	cs := &cacheSegment{
		info: types.SegmentInfo{
			ID:         id,
			StartIndex: startIndex,
			EndIndex:   startIndex - 1, // empty: end < start until first append
			SizeLimit:  sizeLimit,
			CreateTime: time.Now(),
		},
		entries: []types.LogEntry{},
		records: []types.RecordMeta{},
	}
	c.set(cs)
	c.materializedCount++
	return cs
}

// rollOpenSegment marks the current open segment closed. The facade is
// responsible for telling the worker to rename the file; this only
// updates the cache's view.
func (c *segmentCache) rollOpenSegment() (*cacheSegment, error) {
	cs, ok := c.openSegment()
	if !ok {
		return nil, fmt.Errorf("raftwal: no open segment to roll")
	}
	cs.info.SealTime = time.Now()
	c.hasOpen = false
	return cs, nil
}

// shouldEvict reports whether the cache holds more materialized segments
// than maxCached allows.
func (c *segmentCache) shouldEvict() bool {
	return c.materializedCount > c.maxCached
}

// evictCache drops in-memory entries of closed segments below every
// durability/replication/apply bound. It never touches
// the open segment. It returns the number of segments evicted.
//
// A follower's next index is the first entry it still needs, so a segment
// is safe once EndIndex < nextIndex; flushedIndex and lastAppliedIndex
// name the last entry already handled, so those bounds are inclusive:
// a segment whose EndIndex equals flushedIndex is fully durable and may
// go.
func (c *segmentCache) evictCache(followerNextIndices map[string]uint64, flushedIndex, lastAppliedIndex uint64) int {
	bound := flushedIndex + 1
	if lastAppliedIndex+1 < bound {
		bound = lastAppliedIndex + 1
	}
	for _, ni := range followerNextIndices {
		if ni < bound {
			bound = ni
		}
	}

	evicted := 0
	for _, start := range c.starts {
		cs, _ := c.segments.Get(start)
		if cs.info.IsOpen() || !cs.materialized() {
			continue
		}
		if cs.info.EndIndex < bound {
			cs.entries = nil
			c.materializedCount--
			evicted++
		}
	}
	return evicted
}

// loadEntriesFromDisk reloads a closed segment's entries from disk after
// they have been evicted, for the facade's Get() slow path. The caller
// must not hold the facade's lock while calling this.
func (c *segmentCache) loadEntriesFromDisk(cs *cacheSegment) ([]types.LogEntry, error) {
	r, result, err := c.filer.OpenKeepEntries(cs.info)
	if err != nil {
		return nil, err
	}
	r.Close()
	return result.Entries, nil
}
