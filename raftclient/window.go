package raftclient

import "sync"

// Future is the handle returned to callers of the async Send* methods.
// It completes exactly once, carrying either a payload or a terminal
// error.
type Future struct {
	done    chan struct{}
	payload []byte
	err     error
	cancel  func()
}

func newClientFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) complete(payload []byte, err error) {
	f.payload, f.err = payload, err
	close(f.done)
}

// Wait blocks until the future completes.
func (f *Future) Wait() ([]byte, error) {
	<-f.done
	return f.payload, f.err
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

// Cancel gives up on the request. Its semaphore permit is released
// immediately; the future itself resolves with ErrCanceled once every
// lower-seqNum request in its window has delivered, preserving the
// window's ordering invariant. Any reply that arrives later is dropped.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

// pendingRequest is one in-flight request tracked by a window.
type pendingRequest struct {
	seqNum  uint64
	req     *Request
	future  *Future
	resend  func(req *Request) // re-invokes the send-with-retry callback
	result  *windowResult      // set once a terminal/delivered reply exists
	release func()             // returns the outstanding-request permit, at most once
}

type windowResult struct {
	payload []byte
	err     error
}

// window is the per-target sliding window: it assigns each request a
// monotonically increasing seqNum and delivers replies to their futures
// strictly in seqNum order, holding back a reply that arrived out of
// order until every lower-seqNum request in the window has completed.
//
// resetFirstSeqNum, triggered on a leader change, re-sends every request
// still outstanding at or above the new firstSeqNum; this is safe because
// the server-side retry cache (keyed by clientId/callId) dedupes replays.
type window struct {
	mu sync.Mutex

	firstSeqNum uint64
	nextSeqNum  uint64
	pending     map[uint64]*pendingRequest
}

func newWindow() *window {
	return &window{pending: make(map[uint64]*pendingRequest)}
}

// submit assigns the next seqNum to req and registers it as pending.
// release and makeResend are both applied while still holding the
// window's lock, so neither is ever observed unset by the window's own
// resetFirstSeqNum: submitting and registering a request ready to retry
// is one atomic step, not several.
func (w *window) submit(req *Request, release func(), makeResend func(pr *pendingRequest) func(*Request)) (*pendingRequest, *Future) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.nextSeqNum
	w.nextSeqNum++
	req.SeqNum = seq
	fut := newClientFuture()
	pr := &pendingRequest{seqNum: seq, req: req, future: fut, release: release}
	pr.resend = makeResend(pr)
	fut.cancel = func() {
		pr.release()
		w.complete(seq, nil, ErrCanceled)
	}
	w.pending[seq] = pr
	return pr, fut
}

// complete records the outcome for seqNum and delivers it, and every
// following contiguous completed seqNum, to their futures in order. A
// seqNum that already has a result keeps it: a duplicate reply for the
// same (clientId, callId), meaning a retry the server answered twice, or
// a reply racing a cancellation is dropped, so the caller observes
// exactly one outcome.
func (w *window) complete(seqNum uint64, payload []byte, err error) {
	w.mu.Lock()
	pr, ok := w.pending[seqNum]
	if !ok || pr.result != nil {
		w.mu.Unlock()
		return
	}
	pr.result = &windowResult{payload: payload, err: err}

	var toDeliver []*pendingRequest
	for {
		next, ok := w.pending[w.firstSeqNum]
		if !ok || next.result == nil {
			break
		}
		toDeliver = append(toDeliver, next)
		delete(w.pending, w.firstSeqNum)
		w.firstSeqNum++
	}
	w.mu.Unlock()

	for _, p := range toDeliver {
		p.future.complete(p.result.payload, p.result.err)
	}
}

// resetFirstSeqNum re-sends every pending request at or above the current
// firstSeqNum with its original seqNum.
func (w *window) resetFirstSeqNum() {
	w.mu.Lock()
	var toResend []*pendingRequest
	for seq := w.firstSeqNum; seq < w.nextSeqNum; seq++ {
		if pr, ok := w.pending[seq]; ok && pr.result == nil {
			toResend = append(toResend, pr)
		}
	}
	w.mu.Unlock()

	for _, pr := range toResend {
		pr.resend(pr.req)
	}
}

// settled reports whether seqNum already has an outcome (delivered,
// canceled, or terminally failed); retries check it before re-sending so
// a canceled request stops generating traffic.
func (w *window) settled(seqNum uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	pr, ok := w.pending[seqNum]
	return !ok || pr.result != nil
}
