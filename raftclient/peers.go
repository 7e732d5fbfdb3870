package raftclient

import "sync/atomic"

// peerSet is the copy-on-write shared peer list: mutated by a single
// atomic swap, read lock-free from any goroutine, so a reader never
// observes a partially updated list.
type peerSet struct {
	peers atomic.Pointer[[]string]
}

func newPeerSet(initial []string) *peerSet {
	ps := &peerSet{}
	cp := append([]string(nil), initial...)
	ps.peers.Store(&cp)
	return ps
}

func (p *peerSet) get() []string {
	v := p.peers.Load()
	if v == nil {
		return nil
	}
	return *v
}

func (p *peerSet) set(peers []string) {
	cp := append([]string(nil), peers...)
	p.peers.Store(&cp)
}

// leaderHint is the "currently believed leader" cell: written by whoever
// learns of a leader change, readable concurrently without a lock.
type leaderHint struct {
	v atomic.Value // string
}

func (h *leaderHint) get() string {
	s, _ := h.v.Load().(string)
	return s
}

func (h *leaderHint) set(id string) { h.v.Store(id) }
