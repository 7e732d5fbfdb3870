package raftclient

import "fmt"

// NotLeaderError is returned by a Transport call when the target wasn't
// the leader; it carries the refreshed peer set and, if known, the
// suggested leader id.
type NotLeaderError struct {
	Peers           []string
	SuggestedLeader string
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("raftclient: not leader, suggested=%q, peers=%v", e.SuggestedLeader, e.Peers)
}

// LeaderNotReadyError means the target is the leader but isn't ready to
// serve yet (e.g. still replaying its log); retried without a leader
// change.
type LeaderNotReadyError struct{}

func (e *LeaderNotReadyError) Error() string { return "raftclient: leader not ready" }

// GroupMismatchError is terminal: the caller addressed the wrong group.
type GroupMismatchError struct {
	Group string
}

func (e *GroupMismatchError) Error() string {
	return fmt.Sprintf("raftclient: group mismatch: %s", e.Group)
}

// StateMachineError is terminal: the state machine rejected the request.
// Cause is surfaced to the caller unchanged.
type StateMachineError struct {
	Cause error
}

func (e *StateMachineError) Error() string { return "raftclient: state machine error: " + e.Cause.Error() }
func (e *StateMachineError) Unwrap() error { return e.Cause }
