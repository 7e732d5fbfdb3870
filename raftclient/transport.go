// Package raftclient implements the client side of a Raft service: a
// sliding-window per-target request pipeline with leader-hint tracking,
// retries on transient failures, and at-most-once reply delivery. It has
// no dependency on raftwal and talks to the cluster only through the
// Transport collaborator below.
package raftclient

// RequestKind enumerates the client's operation kinds.
type RequestKind int

const (
	// KindWrite is a WRITE routed to the current leader.
	KindWrite RequestKind = iota
	// KindRead is a READ served through consensus.
	KindRead
	// KindStaleRead is a READ served by a specific peer once its applied
	// index reaches MinIndex.
	KindStaleRead
	// KindSetConfiguration requests a membership change.
	KindSetConfiguration
	// KindReinitialize forces a target peer to join a new group.
	KindReinitialize
	// KindServerInformation queries a peer's status.
	KindServerInformation
)

func (k RequestKind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindRead:
		return "read"
	case KindStaleRead:
		return "stale_read"
	case KindSetConfiguration:
		return "set_configuration"
	case KindReinitialize:
		return "reinitialize"
	case KindServerInformation:
		return "server_information"
	default:
		return "unknown"
	}
}

// Request is one outbound call, addressed either to "the current leader"
// (Target empty) or to a specific peer (stale reads, reinitialize).
type Request struct {
	ClientID string
	CallID   uint64
	SeqNum   uint64
	Kind     RequestKind

	Target string // peer id; empty means "send to the leader"
	Peers  []string
	Group  string

	MinIndex uint64
	Payload  []byte
}

// Reply is what a Transport call returns on success. A nil Reply with a
// nil error is treated as a timeout and retried.
type Reply struct {
	Payload []byte
}

// Transport is the RPC collaborator the client core is built against.
// It is implemented and owned outside this package.
type Transport interface {
	// SendRequest performs req against peerID (or the leader, if peerID is
	// empty) and blocks for a reply.
	SendRequest(peerID string, req *Request) (*Reply, error)
	// AddServers informs the transport of a new peer set, e.g. after a
	// NotLeaderError changes the known membership.
	AddServers(peers []string)
	// HandleException lets the transport react to a failed call, e.g. to
	// drop a cached connection when changeLeader is true.
	HandleException(peerID string, err error, changeLeader bool)
	Close() error
}
