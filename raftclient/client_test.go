package raftclient

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	attempts map[uint64]int
	handler  func(peerID string, req *Request, attempt int) (*Reply, error)

	addedServers [][]string
	closed       bool
}

func newFakeTransport(handler func(string, *Request, int) (*Reply, error)) *fakeTransport {
	return &fakeTransport{attempts: make(map[uint64]int), handler: handler}
}

func (f *fakeTransport) SendRequest(peerID string, req *Request) (*Reply, error) {
	f.mu.Lock()
	f.attempts[req.CallID]++
	attempt := f.attempts[req.CallID]
	f.mu.Unlock()
	return f.handler(peerID, req, attempt)
}

func (f *fakeTransport) AddServers(peers []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addedServers = append(f.addedServers, peers)
}

func (f *fakeTransport) HandleException(peerID string, err error, changeLeader bool) {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestClient(t *testing.T, transport Transport) *Client {
	t.Helper()
	c := New("client-1", []string{"a", "b", "c"}, transport,
		WithRetryInterval(time.Millisecond),
		WithClientRegisterer(prometheus.NewRegistry()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSendSucceedsFirstTry(t *testing.T) {
	transport := newFakeTransport(func(peerID string, req *Request, attempt int) (*Reply, error) {
		return &Reply{Payload: []byte("ok")}, nil
	})
	c := newTestClient(t, transport)

	payload, err := c.Send([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "ok", string(payload))
}

func TestSendRetriesOnNilReply(t *testing.T) {
	var calls atomic.Int32
	transport := newFakeTransport(func(peerID string, req *Request, attempt int) (*Reply, error) {
		calls.Add(1)
		if attempt < 3 {
			return nil, nil
		}
		return &Reply{Payload: []byte("done")}, nil
	})
	c := newTestClient(t, transport)

	payload, err := c.Send([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "done", string(payload))
	require.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestSendFollowsLeaderRedirect(t *testing.T) {
	transport := newFakeTransport(func(peerID string, req *Request, attempt int) (*Reply, error) {
		if attempt == 1 {
			return nil, &NotLeaderError{Peers: []string{"a", "b", "c"}, SuggestedLeader: "b"}
		}
		return &Reply{Payload: []byte("ok-from-" + peerID)}, nil
	})
	c := newTestClient(t, transport)

	_, err := c.Send([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "b", c.LeaderID())
}

func TestSendTerminalStateMachineError(t *testing.T) {
	wantErr := &StateMachineError{Cause: assert.AnError}
	transport := newFakeTransport(func(peerID string, req *Request, attempt int) (*Reply, error) {
		return nil, wantErr
	})
	c := newTestClient(t, transport)

	_, err := c.Send([]byte("hello"))
	require.ErrorIs(t, err, assert.AnError)
}

func TestSendRetriesWhileLeaderNotReady(t *testing.T) {
	transport := newFakeTransport(func(peerID string, req *Request, attempt int) (*Reply, error) {
		if attempt < 3 {
			return nil, &LeaderNotReadyError{}
		}
		return &Reply{Payload: []byte("ready")}, nil
	})
	c := newTestClient(t, transport)

	payload, err := c.Send([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "ready", string(payload))
	// LeaderNotReady must not change the tracked leader.
	require.Equal(t, "", c.LeaderID())
}

func TestGroupMismatchIsTerminal(t *testing.T) {
	transport := newFakeTransport(func(peerID string, req *Request, attempt int) (*Reply, error) {
		return nil, &GroupMismatchError{Group: "other"}
	})
	c := newTestClient(t, transport)

	_, err := c.Reinitialize("other", "a")
	var gm *GroupMismatchError
	require.ErrorAs(t, err, &gm)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	for _, attempts := range transport.attempts {
		require.Equal(t, 1, attempts, "a group mismatch must not be retried")
	}
}

func TestSemaphoreBoundsOutstandingAndCancelReleases(t *testing.T) {
	// The transport never replies: a nil reply keeps every request in its
	// retry loop, so permits stay held.
	transport := newFakeTransport(func(peerID string, req *Request, attempt int) (*Reply, error) {
		return nil, nil
	})
	c := New("client-1", []string{"a", "b", "c"}, transport,
		WithRetryInterval(time.Millisecond),
		WithMaxOutstanding(2),
		WithClientRegisterer(prometheus.NewRegistry()))
	t.Cleanup(func() { c.Close() })

	fut1, err := c.SendAsync([]byte("r1"))
	require.NoError(t, err)
	fut2, err := c.SendAsync([]byte("r2"))
	require.NoError(t, err)

	thirdStarted := make(chan struct{})
	thirdReturned := make(chan *Future, 1)
	go func() {
		close(thirdStarted)
		fut, err := c.SendAsync([]byte("r3"))
		if err != nil {
			t.Error(err)
			return
		}
		thirdReturned <- fut
	}()

	<-thirdStarted
	select {
	case <-thirdReturned:
		t.Fatal("third SendAsync must block on the semaphore")
	case <-time.After(50 * time.Millisecond):
	}

	// Cancelling one of the first two frees a permit; the third proceeds.
	fut1.Cancel()
	select {
	case fut3 := <-thirdReturned:
		require.False(t, fut3.Done())
	case <-time.After(time.Second):
		t.Fatal("third SendAsync still blocked after a cancellation")
	}
	require.False(t, fut2.Done())
}

func TestStaleReadUsesPerPeerWindow(t *testing.T) {
	var gotTarget string
	transport := newFakeTransport(func(peerID string, req *Request, attempt int) (*Reply, error) {
		gotTarget = peerID
		return &Reply{Payload: []byte("stale")}, nil
	})
	c := newTestClient(t, transport)

	payload, err := c.SendStaleRead([]byte("q"), 5, "peer-7")
	require.NoError(t, err)
	require.Equal(t, "stale", string(payload))
	require.Equal(t, "peer-7", gotTarget)

	c.windowsMu.Lock()
	defer c.windowsMu.Unlock()
	require.Contains(t, c.windows, "peer-7")
	require.NotContains(t, c.windows, raftWindowKey)
}
