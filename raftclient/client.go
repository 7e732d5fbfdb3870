package raftclient

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrClosed is returned by every Send* method once Close has been called.
var ErrClosed = errors.New("raftclient: client closed")

// ErrCanceled resolves a future whose caller called Cancel on it.
var ErrCanceled = errors.New("raftclient: request canceled")

const raftWindowKey = "RAFT"

// Client is the retry/ordering layer in front of a Raft cluster: every
// async outbound call acquires a permit from the outstanding-request
// semaphore (blocking variants do not), every call gets a globally unique
// callId, is handed to the right sliding window
// (the shared "RAFT" window for leader-targeted calls, a per-peer window
// for stale reads), and is retried according to the state machine in
// invoke until a terminal reply or error arrives.
type Client struct {
	id        string
	transport Transport

	peers  *peerSet
	leader leaderHint

	windowsMu sync.Mutex
	windows   map[string]*window

	callSeq atomic.Uint64

	sem           chan struct{}
	scheduler     *retryScheduler
	retryInterval time.Duration

	logger  log.Logger
	metrics *clientMetrics

	closed atomic.Bool
}

// ClientOption configures New.
type ClientOption func(*clientConfig)

type clientConfig struct {
	maxOutstanding   int
	schedulerThreads int
	retryInterval    time.Duration
	logger           log.Logger
	registerer       prometheus.Registerer
}

// WithMaxOutstanding caps how many async requests may be in flight at
// once.
func WithMaxOutstanding(n int) ClientOption { return func(c *clientConfig) { c.maxOutstanding = n } }

// WithSchedulerThreads sets the size of the retry-timer worker pool.
func WithSchedulerThreads(n int) ClientOption {
	return func(c *clientConfig) { c.schedulerThreads = n }
}

// WithRetryInterval sets the delay before a transient failure is retried.
func WithRetryInterval(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.retryInterval = d }
}

// WithClientLogger sets the go-kit logger used for leader-change and retry
// diagnostics.
func WithClientLogger(l log.Logger) ClientOption { return func(c *clientConfig) { c.logger = l } }

// WithClientRegisterer sets the prometheus.Registerer metrics register
// against.
func WithClientRegisterer(r prometheus.Registerer) ClientOption {
	return func(c *clientConfig) { c.registerer = r }
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		maxOutstanding:   64,
		schedulerThreads: 4,
		retryInterval:    100 * time.Millisecond,
		logger:           log.NewNopLogger(),
		registerer:       prometheus.NewRegistry(),
	}
}

// New constructs a Client identified by id, initially aware of peers, that
// sends requests through transport.
func New(id string, peers []string, transport Transport, opts ...ClientOption) *Client {
	cfg := defaultClientConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Client{
		id:            id,
		transport:     transport,
		peers:         newPeerSet(peers),
		windows:       make(map[string]*window),
		sem:           make(chan struct{}, cfg.maxOutstanding),
		scheduler:     newRetryScheduler(cfg.schedulerThreads),
		retryInterval: cfg.retryInterval,
		logger:        cfg.logger,
		metrics:       newClientMetrics(cfg.registerer),
	}
}

func (c *Client) windowFor(key string) *window {
	c.windowsMu.Lock()
	defer c.windowsMu.Unlock()
	w, ok := c.windows[key]
	if !ok {
		w = newWindow()
		c.windows[key] = w
	}
	return w
}

func (c *Client) nextCallID() uint64 { return c.callSeq.Add(1) }

func (c *Client) acquireSemaphore() error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.sem <- struct{}{}
	c.metrics.outstandingRequests.Inc()
	return nil
}

func (c *Client) releaseSemaphore() {
	select {
	case <-c.sem:
		c.metrics.outstandingRequests.Dec()
	default:
	}
}

// sendAsync is the shared entry point all six public operations route
// through. The blocking wrappers pass withPermit=false: they already
// bound their own concurrency by parking the caller's goroutine, and
// competing for the same bounded pool as async callers would let a
// blocking Send deadlock behind maxOutstanding already-parked async
// requests.
func (c *Client) sendAsync(kind RequestKind, target, group string, setPeers []string, minIndex uint64, payload []byte, withPermit bool) (*Future, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if withPermit {
		if err := c.acquireSemaphore(); err != nil {
			return nil, err
		}
	}
	c.metrics.requests.WithLabelValues(kind.String()).Inc()

	windowKey := raftWindowKey
	if kind == KindStaleRead {
		windowKey = target
	}
	win := c.windowFor(windowKey)

	req := &Request{
		ClientID: c.id,
		CallID:   c.nextCallID(),
		Kind:     kind,
		Target:   target,
		Peers:    setPeers,
		Group:    group,
		MinIndex: minIndex,
		Payload:  payload,
	}

	release := func() {}
	if withPermit {
		release = sync.OnceFunc(c.releaseSemaphore)
	}
	pr, fut := win.submit(req, release, func(pr *pendingRequest) func(*Request) {
		// Resends triggered by a window reset go through the scheduler
		// like any other retry, so a string of failed leaders backs off at
		// retryInterval instead of spinning.
		return func(*Request) { c.scheduleRetry(win, pr) }
	})

	go c.invoke(win, pr)
	return fut, nil
}

// resolveTarget picks the peer a request is actually sent to: the
// request's explicit Target for stale reads/reinitialize/info, otherwise
// the tracked leader hint (which may be empty, meaning "let the transport
// pick").
func (c *Client) resolveTarget(req *Request) string {
	if req.Kind == KindStaleRead || req.Kind == KindReinitialize || req.Kind == KindServerInformation {
		return req.Target
	}
	return c.leader.get()
}

// invoke is the send-with-retry callback: one attempt, followed by either
// delivering a result or scheduling a retry according to the error kind.
func (c *Client) invoke(win *window, pr *pendingRequest) {
	if win.settled(pr.seqNum) {
		return
	}
	target := c.resolveTarget(pr.req)
	reply, err := c.transport.SendRequest(target, pr.req)

	if err == nil {
		if reply == nil {
			c.scheduleRetry(win, pr)
			return
		}
		pr.release()
		win.complete(pr.seqNum, reply.Payload, nil)
		return
	}

	switch e := err.(type) {
	case *NotLeaderError:
		c.transport.HandleException(target, err, true)
		if e.Peers != nil {
			c.peers.set(e.Peers)
			c.transport.AddServers(e.Peers)
		}
		c.leader.set(e.SuggestedLeader)
		c.metrics.leaderChanges.Inc()
		level.Debug(c.logger).Log("msg", "not leader, refreshing", "suggested", e.SuggestedLeader)
		win.resetFirstSeqNum()

	case *LeaderNotReadyError:
		c.transport.HandleException(target, err, false)
		c.scheduleRetry(win, pr)

	case *GroupMismatchError, *StateMachineError:
		c.transport.HandleException(target, err, false)
		c.metrics.terminalErrors.WithLabelValues(pr.req.Kind.String()).Inc()
		pr.release()
		win.complete(pr.seqNum, nil, err)

	default:
		c.transport.HandleException(target, err, false)
		if c.leader.get() == target {
			c.pickRandomDifferentLeader(target)
			c.metrics.leaderChanges.Inc()
		}
		win.resetFirstSeqNum()
	}
}

func (c *Client) scheduleRetry(win *window, pr *pendingRequest) {
	if c.closed.Load() {
		pr.release()
		win.complete(pr.seqNum, nil, ErrClosed)
		return
	}
	c.metrics.retries.Inc()
	c.scheduler.schedule(c.retryInterval, func() { c.invoke(win, pr) })
}

// pickRandomDifferentLeader handles a generic I/O error against the
// recorded leader: some other peer may have taken over, so guess a random
// different one and let NotLeader redirects correct it.
func (c *Client) pickRandomDifferentLeader(current string) {
	candidates := c.peers.get()
	if len(candidates) == 0 {
		return
	}
	choices := make([]string, 0, len(candidates))
	for _, p := range candidates {
		if p != current {
			choices = append(choices, p)
		}
	}
	if len(choices) == 0 {
		return
	}
	c.leader.set(choices[rand.Intn(len(choices))])
}

// Send is the blocking WRITE variant. Blocking variants do not take an
// outstanding-request permit; see sendAsync.
func (c *Client) Send(payload []byte) ([]byte, error) {
	fut, err := c.sendAsync(KindWrite, "", "", nil, 0, payload, false)
	if err != nil {
		return nil, err
	}
	return fut.Wait()
}

// SendAsync is the async WRITE variant.
func (c *Client) SendAsync(payload []byte) (*Future, error) {
	return c.sendAsync(KindWrite, "", "", nil, 0, payload, true)
}

// SendReadOnly is the blocking consensus-read variant.
func (c *Client) SendReadOnly(payload []byte) ([]byte, error) {
	fut, err := c.sendAsync(KindRead, "", "", nil, 0, payload, false)
	if err != nil {
		return nil, err
	}
	return fut.Wait()
}

// SendReadOnlyAsync is the async consensus-read variant.
func (c *Client) SendReadOnlyAsync(payload []byte) (*Future, error) {
	return c.sendAsync(KindRead, "", "", nil, 0, payload, true)
}

// SendStaleRead reads directly from server once its applied index is at
// least minIndex, bypassing consensus.
func (c *Client) SendStaleRead(payload []byte, minIndex uint64, server string) ([]byte, error) {
	fut, err := c.sendAsync(KindStaleRead, server, "", nil, minIndex, payload, false)
	if err != nil {
		return nil, err
	}
	return fut.Wait()
}

// SendStaleReadAsync is the async variant of SendStaleRead.
func (c *Client) SendStaleReadAsync(payload []byte, minIndex uint64, server string) (*Future, error) {
	return c.sendAsync(KindStaleRead, server, "", nil, minIndex, payload, true)
}

// SetConfiguration requests a membership change.
func (c *Client) SetConfiguration(peers []string) ([]byte, error) {
	fut, err := c.sendAsync(KindSetConfiguration, "", "", peers, 0, nil, false)
	if err != nil {
		return nil, err
	}
	return fut.Wait()
}

// SetConfigurationAsync is the async variant of SetConfiguration.
func (c *Client) SetConfigurationAsync(peers []string) (*Future, error) {
	return c.sendAsync(KindSetConfiguration, "", "", peers, 0, nil, true)
}

// Reinitialize forces server to join group.
func (c *Client) Reinitialize(group, server string) ([]byte, error) {
	fut, err := c.sendAsync(KindReinitialize, server, group, nil, 0, nil, false)
	if err != nil {
		return nil, err
	}
	return fut.Wait()
}

// ReinitializeAsync is the async variant of Reinitialize.
func (c *Client) ReinitializeAsync(group, server string) (*Future, error) {
	return c.sendAsync(KindReinitialize, server, group, nil, 0, nil, true)
}

// ServerInformation queries server's status.
func (c *Client) ServerInformation(server string) ([]byte, error) {
	fut, err := c.sendAsync(KindServerInformation, server, "", nil, 0, nil, false)
	if err != nil {
		return nil, err
	}
	return fut.Wait()
}

// ServerInformationAsync is the async variant of ServerInformation.
func (c *Client) ServerInformationAsync(server string) (*Future, error) {
	return c.sendAsync(KindServerInformation, server, "", nil, 0, nil, true)
}

// Peers returns the client's current view of the cluster membership.
func (c *Client) Peers() []string { return c.peers.get() }

// LeaderID returns the client's current leader hint, which may be empty.
func (c *Client) LeaderID() string { return c.leader.get() }

// Close stops the retry scheduler and the transport. Close does not cancel
// outstanding requests; a request that reaches a retry after Close
// completes with ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.scheduler.close()
	return c.transport.Close()
}
