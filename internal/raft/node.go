package raft

import (
	"context"
	"fmt"
	"sync"
	"time"

	"raftdfs/internal/hlc"
	"raftdfs/internal/logging"
	"raftdfs/internal/pubsub"
	"raftdfs/internal/rpcpb"
)

// Node is a single member of the consensus group. It owns the term, role, vote, log and commit index of the node;
// every mutation of those happens under mu, which serializes inbound RPC handling, timer firings, election outcomes
// and proposals against one another.
type Node struct {
	config    *Config
	id        NodeID
	peers     []NodeID
	transport Transport
	logger    logging.Logger

	// Optional collaborators. Set before Start.
	stateMachine StateMachine
	clock        *hlc.Clock
	pubSub       *pubsub.PubSubClient
	metrics      MetricsCollector

	// Protects all fields below
	mu sync.Mutex

	role Role
	// The latest term this node has seen. Starts at 0 and increases monotonically.
	currentTerm uint64
	// The candidate this node voted for in currentTerm, nil if none
	votedFor *NodeID
	// The leader of currentTerm as far as this node knows
	leaderID NodeID
	log      memoryLog
	// Highest log index known to be replicated on a majority
	commitIndex uint64
	// Highest log index handed to the state machine
	lastApplied uint64

	// Leader-only replication state, reinitialized on every election win
	nextIndex  map[NodeID]uint64
	matchIndex map[NodeID]uint64
	inflight   map[NodeID]bool

	// electionTimer is the single pending election timeout. electionGen invalidates timers that fired after being
	// replaced or stopped.
	electionTimer   *time.Timer
	electionGen     uint64
	heartbeatCancel context.CancelFunc

	applyCh     chan struct{}
	replicateCh chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewNode creates a node in the Follower role at term 0 with an empty log. The node does nothing until Start is
// called.
func NewNode(config *Config, transport Transport, pubSub *pubsub.PubSubClient) (*Node, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if transport == nil && len(config.Peers) > 0 {
		return nil, fmt.Errorf("invalid config: a transport is required with %d peers", len(config.Peers))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		config:      config,
		id:          config.ID,
		peers:       append([]NodeID(nil), config.Peers...),
		transport:   transport,
		logger:      logging.OrNop(config.Logger),
		pubSub:      pubSub,
		role:        Follower,
		applyCh:     make(chan struct{}, 1),
		replicateCh: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// SetStateMachine sets the receiver of committed entries
func (n *Node) SetStateMachine(sm StateMachine) {
	n.stateMachine = sm
}

// SetClock sets the hybrid logical clock used to stamp log entries and merge the leader's time
func (n *Node) SetClock(clock *hlc.Clock) {
	n.clock = clock
}

func (n *Node) SetMetrics(metrics MetricsCollector) {
	n.metrics = metrics
}

// Start arms the election timer and starts applying committed entries.
func (n *Node) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started || n.stopped {
		return
	}
	n.started = true

	n.wg.Add(1)
	go n.runApplier()

	n.resetElectionTimerLocked()
	n.logger.Infof("[RAFT] [NODE-%s] Started as %v with peers %v", n.id, n.role, n.peers)
}

// Stop cancels all timers and background work and waits for them to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.stopElectionTimerLocked()
	n.stopHeartbeatsLocked()
	n.cancel()
	n.mu.Unlock()

	n.wg.Wait()
	n.logger.Infof("[RAFT] [NODE-%s] Stopped", n.id)
}

// ID returns the ID of the node
func (n *Node) ID() NodeID {
	return n.id
}

// Peers returns the IDs of the other cluster members
func (n *Node) Peers() []NodeID {
	return append([]NodeID(nil), n.peers...)
}

func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

func (n *Node) IsLeader() bool {
	return n.Role() == Leader
}

func (n *Node) CurrentTerm() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// LeaderID returns the leader of the current term, or "" if unknown
func (n *Node) LeaderID() NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:           n.id,
		Role:         n.role.String(),
		Term:         n.currentTerm,
		LeaderID:     n.leaderID,
		CommitIndex:  n.commitIndex,
		LastApplied:  n.lastApplied,
		LastLogIndex: n.log.lastIndex(),
		LastLogTerm:  n.log.lastTerm(),
	}
}

// Entry returns the log entry at index
func (n *Node) Entry(index uint64) (*rpcpb.LogEntry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.log.entry(index)
}

// RequestVote handles the RequestVote RPC from a candidate.
func (n *Node) RequestVote(_ context.Context, req *rpcpb.RequestVoteRequest) (*rpcpb.RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	// Stale candidates are rejected without touching any state
	if req.Term < n.currentTerm {
		return &rpcpb.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	// A newer term is adopted, and the vote cleared, before deciding on the grant
	if req.Term > n.currentTerm {
		n.logger.Infof("[RAFT] [NODE-%s] [TERM-%d] RequestVote from %s carries newer term %d",
			n.id, n.currentTerm, req.CandidateId, req.Term)
		n.stepDownLocked(req.Term, "")
	}

	candidate := NodeID(req.CandidateId)
	canVote := n.votedFor == nil || *n.votedFor == candidate
	if !canVote {
		return &rpcpb.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	if !n.isLogUpToDateLocked(req.LastLogTerm, req.LastLogIndex) {
		n.logger.Debugf("[RAFT] [NODE-%s] [TERM-%d] Denied vote to %s: its log (%d/%d) is behind ours (%d/%d)",
			n.id, n.currentTerm, candidate, req.LastLogIndex, req.LastLogTerm, n.log.lastIndex(), n.log.lastTerm())
		return &rpcpb.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	n.votedFor = &candidate
	// Granting a vote counts as hearing from a prospective leader
	n.resetElectionTimerLocked()
	n.logger.Infof("[RAFT] [NODE-%s] [TERM-%d] Granted vote to %s", n.id, n.currentTerm, candidate)
	return &rpcpb.RequestVoteResponse{Term: n.currentTerm, VoteGranted: true}, nil
}

// isLogUpToDateLocked reports whether a candidate's log is at least as up-to-date as ours: a higher last term wins,
// and with equal last terms the longer log wins.
func (n *Node) isLogUpToDateLocked(lastLogTerm, lastLogIndex uint64) bool {
	ourTerm := n.log.lastTerm()
	if lastLogTerm != ourTerm {
		return lastLogTerm > ourTerm
	}
	return lastLogIndex >= n.log.lastIndex()
}

// AppendEntries handles the AppendEntries RPC from a leader, heartbeats included.
func (n *Node) AppendEntries(_ context.Context, req *rpcpb.AppendEntriesRequest) (*rpcpb.AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &rpcpb.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
	}

	leader := NodeID(req.LeaderId)
	n.stepDownLocked(req.Term, leader)
	n.resetElectionTimerLocked()

	if n.clock != nil && !req.LeaderStamp.IsZero() {
		n.clock.Update(req.LeaderStamp)
	}
	n.publish(PeerContact, leader)

	// Log consistency check: we must hold the entry preceding the new ones, with the same term
	prevTerm, ok := n.log.termAt(req.PrevLogIndex)
	if !ok || prevTerm != req.PrevLogTerm {
		n.logger.Debugf("[RAFT] [NODE-%s] [TERM-%d] Rejecting AppendEntries from %s: no entry %d with term %d",
			n.id, n.currentTerm, leader, req.PrevLogIndex, req.PrevLogTerm)
		return &rpcpb.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
	}

	for _, entry := range req.Entries {
		existingTerm, exists := n.log.termAt(entry.Index)
		switch {
		case exists && existingTerm == entry.Term:
			// Already stored, e.g. a retransmission
			continue
		case exists && entry.Index <= n.commitIndex:
			// Committed entries are never rewritten. A leader that disagrees with one violates the election
			// restriction.
			n.logger.Errorf("[RAFT] [NODE-%s] [TERM-%d] Leader %s conflicts with committed entry %d (term %d vs %d)",
				n.id, n.currentTerm, leader, entry.Index, existingTerm, entry.Term)
			return &rpcpb.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
		case exists:
			// An uncommitted leftover of a deposed leader; the current leader's entries replace it
			n.logger.Warnf("[RAFT] [NODE-%s] [TERM-%d] Log conflict at index %d: have term %d, leader %s sent term %d, "+
				"dropping %d uncommitted entries", n.id, n.currentTerm, entry.Index, existingTerm, leader, entry.Term,
				n.log.lastIndex()-entry.Index+1)
			n.log.truncateFrom(entry.Index)
		case entry.Index != n.log.lastIndex()+1:
			return &rpcpb.AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
		}

		n.log.append(&rpcpb.LogEntry{
			Index:   entry.Index,
			Term:    entry.Term,
			Command: entry.Command,
			Stamp:   entry.Stamp,
		})
		if n.clock != nil && !entry.Stamp.IsZero() {
			n.clock.Update(entry.Stamp)
		}
	}

	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if req.LeaderCommit > n.commitIndex {
		newCommit := min(req.LeaderCommit, lastNew)
		if newCommit > n.commitIndex {
			n.commitIndex = newCommit
			n.signal(n.applyCh)
		}
	}

	return &rpcpb.AppendEntriesResponse{Term: n.currentTerm, Success: true}, nil
}

// Propose appends command to the log if this node is the leader. It returns the index and term of the new entry, and
// false without touching the log when the node is not the leader. Callers are responsible for redirecting to the
// leader.
func (n *Node) Propose(command string) (uint64, uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != Leader {
		return 0, 0, false
	}

	entry := &rpcpb.LogEntry{
		Index:   n.log.lastIndex() + 1,
		Term:    n.currentTerm,
		Command: command,
	}
	if n.clock != nil {
		entry.Stamp = n.clock.Now()
	}
	n.log.append(entry)
	n.logger.Debugf("[RAFT] [NODE-%s] [TERM-%d] Appended entry %d: %s", n.id, n.currentTerm, entry.Index, command)

	// Single-node clusters commit right away; otherwise push the entry without waiting for the next tick
	n.advanceCommitIndexLocked()
	n.signal(n.replicateCh)

	return entry.Index, entry.Term, true
}

// stepDownLocked adopts term if it is newer (clearing the vote), records the known leader and moves to Follower.
func (n *Node) stepDownLocked(term uint64, leader NodeID) {
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = nil
		n.leaderID = ""
	}
	if leader != "" {
		n.leaderID = leader
	}
	if n.role == Follower {
		return
	}

	n.stopHeartbeatsLocked()
	n.setRoleLocked(Follower)
	// Candidates and leaders have no election timer running
	n.resetElectionTimerLocked()
}

func (n *Node) setRoleLocked(role Role) {
	if n.role == role {
		return
	}
	change := RoleChange{Term: n.currentTerm, From: n.role, To: role}
	n.role = role
	n.logger.Infof("[RAFT] [NODE-%s] [TERM-%d] %v -> %v", n.id, n.currentTerm, change.From, change.To)
	n.publish(RoleChanged, change)
}

func (n *Node) quorumSize() int {
	return (len(n.peers)+1)/2 + 1
}

// advanceCommitIndexLocked moves commitIndex to the highest entry of the current term stored on a majority. Entries
// of earlier terms are committed indirectly, as Raft never commits them by counting replicas.
func (n *Node) advanceCommitIndexLocked() {
	for index := n.log.lastIndex(); index > n.commitIndex; index-- {
		term, _ := n.log.termAt(index)
		if term != n.currentTerm {
			// Terms are non-decreasing along the log, nothing lower can be of the current term
			return
		}

		replicas := 1
		for _, peer := range n.peers {
			if n.matchIndex[peer] >= index {
				replicas++
			}
		}
		if replicas >= n.quorumSize() {
			committed := index - n.commitIndex
			n.commitIndex = index
			if n.metrics != nil {
				for i := uint64(0); i < committed; i++ {
					n.metrics.RecordCommandCommitted()
				}
			}
			n.signal(n.applyCh)
			return
		}
	}
}

// runApplier hands committed entries to the state machine in log order.
func (n *Node) runApplier() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.applyCh:
		}

		n.mu.Lock()
		commitIndex := n.commitIndex
		entries := n.log.slice(n.lastApplied+1, commitIndex)
		n.mu.Unlock()

		for _, entry := range entries {
			if n.stateMachine != nil {
				n.stateMachine.Apply(entry)
			}
		}

		n.mu.Lock()
		if commitIndex > n.lastApplied {
			n.lastApplied = commitIndex
		}
		n.mu.Unlock()
	}
}

func (n *Node) resetElectionTimerLocked() {
	if !n.started || n.stopped {
		return
	}
	n.stopElectionTimerLocked()

	gen := n.electionGen
	n.electionTimer = time.AfterFunc(n.config.randomElectionTimeout(), func() {
		n.onElectionTimeout(gen)
	})
}

func (n *Node) stopElectionTimerLocked() {
	n.electionGen++
	if n.electionTimer != nil {
		n.electionTimer.Stop()
		n.electionTimer = nil
	}
}

func (n *Node) stopHeartbeatsLocked() {
	if n.heartbeatCancel != nil {
		n.heartbeatCancel()
		n.heartbeatCancel = nil
	}
}

// signal performs a non-blocking send on a wake-up channel of capacity 1
func (n *Node) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (n *Node) publish(eventType pubsub.EventType, payload any) {
	if n.pubSub == nil {
		return
	}
	switch p := payload.(type) {
	case RoleChange:
		pubsub.Publish(n.pubSub, pubsub.NewEvent(eventType, p))
	case NodeID:
		pubsub.Publish(n.pubSub, pubsub.NewEvent(eventType, p))
	}
}
