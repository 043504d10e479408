package raft

import (
	"context"
	"time"

	"raftdfs/internal/pubsub"
	"raftdfs/internal/rpcpb"
)

// NodeID is the id of a node in the cluster
type NodeID string

// A Role is the role of a node at any given point: leader, follower, or candidate
type Role uint64

const (
	Follower Role = iota
	Candidate
	Leader
)

// String returns the name used on the wire by GetRole
func (r Role) String() string {
	switch r {
	case Leader:
		return "LEADER"
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	default:
		return "UNKNOWN"
	}
}

const (
	// RoleChanged is published whenever the node changes role. Payload: RoleChange.
	RoleChanged pubsub.EventType = iota
	// PeerContact is published when a follower hears from its leader or a leader gets an AppendEntries reply from a
	// peer. Payload: NodeID of the peer.
	PeerContact
)

// RoleChange travels with RoleChanged events.
type RoleChange struct {
	Term uint64
	From Role
	To   Role
}

// Transport sends consensus RPCs to peers. Implementations must honour ctx cancellation and deadlines.
type Transport interface {
	RequestVote(ctx context.Context, peer NodeID, req *rpcpb.RequestVoteRequest) (*rpcpb.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peer NodeID, req *rpcpb.AppendEntriesRequest) (*rpcpb.AppendEntriesResponse, error)
}

// StateMachine receives committed log entries, in log order, exactly once per node lifetime.
type StateMachine interface {
	Apply(entry *rpcpb.LogEntry)
}

// MetricsCollector is an optional interface for collecting consensus metrics
type MetricsCollector interface {
	RecordElection()
	RecordElectionDuration(duration time.Duration)
	RecordCommandCommitted()
}

// Status is a point-in-time snapshot of a node's consensus state.
type Status struct {
	ID           NodeID `json:"id"`
	Role         string `json:"role"`
	Term         uint64 `json:"term"`
	LeaderID     NodeID `json:"leader_id,omitempty"`
	CommitIndex  uint64 `json:"commit_index"`
	LastApplied  uint64 `json:"last_applied"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}
