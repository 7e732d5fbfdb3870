package raftwal

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/appcoreopc/incubator-ratis/raftwal/segment"
	"github.com/appcoreopc/incubator-ratis/raftwal/types"
)

// taskKind enumerates the I/O work the worker performs.
type taskKind int

const (
	taskWriteEntry taskKind = iota
	taskStartSegment
	taskRollSegment
	taskTruncate
	taskSync
	taskDeleteSegments
	taskAdoptTail
	taskRetireTail
)

// Future is the channel-backed completion handle durability work returns:
// it completes exactly once, in index order, after the batch containing
// its write has been fsynced.
type Future struct {
	done  chan struct{}
	index uint64
	err   error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) complete(index uint64, err error) {
	f.index, f.err = index, err
	close(f.done)
}

// Wait blocks until the future completes and returns its result.
func (f *Future) Wait() (uint64, error) {
	<-f.done
	return f.index, f.err
}

// Done reports whether the future has completed without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// ioTask is one unit of durability work, processed strictly FIFO by the
// worker.
type ioTask struct {
	kind     taskKind
	entries  []types.LogEntry // WriteEntry
	info     types.SegmentInfo
	truncIdx uint64 // Truncate
	rollInfo rollRequest
	syncIdx  uint64 // Sync
	deletes  []types.SegmentInfo
	newTail  *segment.Writer // AdoptTail
	fut      *Future
}

// rollRequest carries the (open-info, closed-info) pair a roll needs to
// fsync, close and rename the tail file.
type rollRequest struct {
	open   types.SegmentInfo
	closed types.SegmentInfo
}

// flushPolicy controls how writes batch into an fsync: after MaxBatch
// entries or MaxDelay, whichever comes first.
type flushPolicy struct {
	MaxBatch int
	MaxDelay time.Duration
}

// logWorker is the single background goroutine that consumes I/O tasks
// FIFO. It exclusively owns file handles for the active open segment
// (via the current segment.Writer) and publishes flushedIndex.
type logWorker struct {
	filer   *segment.Filer
	meta    types.MetaStore
	policy  flushPolicy
	logger  log.Logger
	metrics *walMetrics

	tasks chan *ioTask

	flushedIndex atomic.Uint64
	failed       atomic.Bool
	failErr      atomic.Value // error

	// onFlush, if set, is called each time flushedIndex advances; the
	// facade uses it to wake appends blocked on cache saturation, whose
	// eviction bound depends on flushedIndex.
	onFlush func()

	tail *segment.Writer

	done chan struct{}
}

func newLogWorker(filer *segment.Filer, meta types.MetaStore, policy flushPolicy, logger log.Logger, metrics *walMetrics) *logWorker {
	w := &logWorker{
		filer:   filer,
		meta:    meta,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		tasks:   make(chan *ioTask, 256),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// adoptTail lets the facade hand the worker the segment.Writer it already
// opened/created during Open, so the worker doesn't have to reopen files it
// doesn't need to. It writes w.tail directly with no synchronization, so it
// is only safe to call before the worker's goroutine can have any task in
// flight for this worker, i.e. immediately after newLogWorker, before the
// first submit. Once the worker is live, a tail swap must go through
// taskAdoptTail instead, so the worker goroutine itself performs the
// assignment and a concurrently-running taskWriteEntry can't race it.
func (w *logWorker) adoptTail(tail *segment.Writer) {
	w.tail = tail
}

func (w *logWorker) submit(t *ioTask) *Future {
	if w.failed.Load() {
		fut := newFuture()
		fut.complete(0, &RaftLogIOError{Cause: w.loadErr()})
		return fut
	}
	t.fut = newFuture()
	w.tasks <- t
	return t.fut
}

func (w *logWorker) loadErr() error {
	if e, ok := w.failErr.Load().(error); ok {
		return e
	}
	return ErrClosed
}

func (w *logWorker) run() {
	defer close(w.done)
	var pendingBatch []*ioTask
	flushTimer := time.NewTimer(w.policy.MaxDelay)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}
	timerArmed := false

	flush := func() {
		if len(pendingBatch) == 0 {
			return
		}
		if w.tail != nil {
			if err := w.tail.Sync(); err != nil {
				w.fail(err, pendingBatch)
				pendingBatch = nil
				return
			}
		}
		var lastIdx uint64
		for _, t := range pendingBatch {
			if n := len(t.entries); n > 0 {
				lastIdx = t.entries[n-1].Index
			}
			t.fut.complete(lastIdx, nil)
		}
		if lastIdx > 0 {
			w.flushedIndex.Store(lastIdx)
			if w.metrics != nil {
				w.metrics.flushedIndex.Set(float64(lastIdx))
			}
			if w.onFlush != nil {
				w.onFlush()
			}
		}
		pendingBatch = pendingBatch[:0]
	}

	for {
		select {
		case t, ok := <-w.tasks:
			if !ok {
				flush()
				if w.tail != nil {
					w.tail.Sync()
					w.tail.Close()
					w.tail = nil
				}
				return
			}
			if w.failed.Load() {
				// A submit that raced the failure still gets an answer, and
				// the poisoned worker never touches the disk again.
				t.fut.complete(0, w.loadErr())
				continue
			}
			switch t.kind {
			case taskWriteEntry:
				if w.tail == nil {
					t.fut.complete(0, fmt.Errorf("raftwal: write with no open segment"))
					continue
				}
				if _, err := w.tail.Append(t.entries); err != nil {
					w.fail(err, append(pendingBatch, t))
					pendingBatch = nil
					continue
				}
				if w.metrics != nil {
					w.metrics.entriesWritten.Add(float64(len(t.entries)))
				}
				pendingBatch = append(pendingBatch, t)
				if len(pendingBatch) >= w.policy.MaxBatch {
					flush()
				} else if !timerArmed {
					flushTimer.Reset(w.policy.MaxDelay)
					timerArmed = true
				}

			case taskStartSegment:
				nw, err := w.filer.Create(t.info)
				if err != nil {
					w.fail(err, append(pendingBatch, t))
					pendingBatch = nil
					continue
				}
				w.tail = nw.(*segment.Writer)
				t.fut.complete(0, nil)

			case taskRollSegment:
				if w.tail != nil {
					if err := w.tail.Sync(); err != nil {
						w.fail(err, append(pendingBatch, t))
						pendingBatch = nil
						continue
					}
					if err := w.tail.Close(); err != nil {
						w.fail(err, append(pendingBatch, t))
						pendingBatch = nil
						continue
					}
				}
				if err := w.filer.Rename(t.rollInfo.open, t.rollInfo.closed); err != nil {
					w.fail(err, append(pendingBatch, t))
					pendingBatch = nil
					continue
				}
				if w.metrics != nil {
					w.metrics.segmentRotations.Inc()
				}
				w.tail = nil
				t.fut.complete(0, nil)

			case taskTruncate:
				if w.tail != nil {
					if err := w.tail.Sync(); err != nil {
						w.fail(err, append(pendingBatch, t))
						pendingBatch = nil
						continue
					}
					if _, err := w.tail.TruncateAt(t.truncIdx); err != nil {
						w.fail(err, append(pendingBatch, t))
						pendingBatch = nil
						continue
					}
				}
				for _, del := range t.deletes {
					if err := w.filer.DeleteInfo(del); err != nil {
						level.Error(w.logger).Log("msg", "failed to delete truncated segment", "start", del.StartIndex, "err", err)
					}
				}
				if w.metrics != nil {
					w.metrics.truncations.WithLabelValues("success").Inc()
				}
				t.fut.complete(t.truncIdx, nil)

			case taskDeleteSegments:
				for _, del := range t.deletes {
					if err := w.filer.DeleteInfo(del); err != nil {
						level.Error(w.logger).Log("msg", "failed to delete purged segment", "start", del.StartIndex, "err", err)
					}
				}
				t.fut.complete(0, nil)

			case taskAdoptTail:
				if w.tail != nil && w.tail != t.newTail {
					w.tail.Close()
				}
				w.tail = t.newTail
				t.fut.complete(0, nil)

			case taskRetireTail:
				// The tail is being discarded wholesale (a truncation at or
				// before its start index); its file name may be reused by the
				// replacement, so close and delete before the facade creates
				// the new file.
				if w.tail != nil {
					w.tail.Close()
					w.tail = nil
				}
				if err := w.filer.DeleteInfo(t.info); err != nil {
					level.Error(w.logger).Log("msg", "failed to delete retired tail segment", "start", t.info.StartIndex, "err", err)
				}
				t.fut.complete(0, nil)

			case taskSync:
				if w.tail != nil {
					if err := w.tail.Sync(); err != nil {
						w.fail(err, append(pendingBatch, t))
						pendingBatch = nil
						continue
					}
				}
				flush()
				// Purge happens strictly after the fsync so a crash between
				// the two leaves extra files, never missing entries.
				for _, del := range t.deletes {
					if err := w.filer.DeleteInfo(del); err != nil {
						level.Error(w.logger).Log("msg", "failed to delete obsolete segment", "start", del.StartIndex, "err", err)
					}
				}
				if t.syncIdx > w.flushedIndex.Load() {
					w.flushedIndex.Store(t.syncIdx)
					if w.metrics != nil {
						w.metrics.flushedIndex.Set(float64(t.syncIdx))
					}
					if w.onFlush != nil {
						w.onFlush()
					}
				}
				t.fut.complete(t.syncIdx, nil)
			}

		case <-flushTimer.C:
			timerArmed = false
			flush()
		}
	}
}

// fail marks the worker permanently failed and completes every task in
// batch plus every task still queued with the same error: any I/O error
// is fatal to the worker.
func (w *logWorker) fail(err error, batch []*ioTask) {
	wrapped := &RaftLogIOError{Cause: err}
	w.failErr.Store(error(wrapped))
	w.failed.Store(true)
	level.Error(w.logger).Log("msg", "fatal log worker error", "err", err)
	if w.onFlush != nil {
		// Wake any append blocked on cache saturation so it observes the
		// failure instead of waiting for a flush that will never come.
		w.onFlush()
	}
	for _, t := range batch {
		t.fut.complete(0, wrapped)
	}
	// Drain and fail everything already queued so no caller blocks forever.
	for {
		select {
		case t := <-w.tasks:
			t.fut.complete(0, wrapped)
		default:
			return
		}
	}
}

func (w *logWorker) FlushedIndex() uint64 { return w.flushedIndex.Load() }

func (w *logWorker) Failed() (bool, error) {
	if w.failed.Load() {
		return true, w.loadErr()
	}
	return false, nil
}

// Close stops the worker. It must be called with no further submits in
// flight; the facade is responsible for that via its write lock.
func (w *logWorker) Close() {
	close(w.tasks)
	<-w.done
}
