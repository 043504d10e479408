package raft

import (
	"context"
	"time"

	"raftdfs/internal/rpcpb"
)

type voteResult struct {
	peer NodeID
	resp *rpcpb.RequestVoteResponse
	err  error
}

// onElectionTimeout fires when no leader contact was seen within the election timeout. gen identifies the timer that
// fired; a mismatch means it was rearmed or stopped in the meantime and the firing is stale.
func (n *Node) onElectionTimeout(gen uint64) {
	n.mu.Lock()
	if n.stopped || gen != n.electionGen || n.role == Leader {
		n.mu.Unlock()
		return
	}

	n.currentTerm++
	self := n.id
	n.votedFor = &self
	n.leaderID = ""
	n.setRoleLocked(Candidate)
	// No timer runs while the election is in flight; the outcome rearms it
	n.stopElectionTimerLocked()

	term := n.currentTerm
	req := &rpcpb.RequestVoteRequest{
		Term:         term,
		CandidateId:  string(n.id),
		LastLogIndex: n.log.lastIndex(),
		LastLogTerm:  n.log.lastTerm(),
	}
	n.wg.Add(1)
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.RecordElection()
	}
	n.logger.Infof("[RAFT] [NODE-%s] [TERM-%d] Election timeout, starting election", n.id, term)

	go func() {
		defer n.wg.Done()
		n.runElection(term, req)
	}()
}

// runElection asks every peer for a vote concurrently and waits up to ElectionWait for the replies. It becomes leader
// as soon as a majority is reached; otherwise the election timer is rearmed once the wait is over.
func (n *Node) runElection(term uint64, req *rpcpb.RequestVoteRequest) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(n.ctx, n.config.ElectionWait)
	defer cancel()

	// Buffered so that late replies never block a sender after we stop listening
	results := make(chan voteResult, len(n.peers))
	for _, peer := range n.peers {
		go func(peer NodeID) {
			resp, err := n.transport.RequestVote(ctx, peer, req)
			results <- voteResult{peer: peer, resp: resp, err: err}
		}(peer)
	}

	votes := 1 // our own
	quorum := n.quorumSize()
	pending := len(n.peers)

	for votes < quorum && pending > 0 {
		select {
		case <-ctx.Done():
			pending = 0
			continue
		case res := <-results:
			pending--
			if res.err != nil {
				n.logger.Debugf("[RAFT] [NODE-%s] [TERM-%d] RequestVote to %s failed: %v", n.id, term, res.peer, res.err)
				continue
			}

			n.mu.Lock()
			if res.resp.Term > n.currentTerm {
				n.logger.Infof("[RAFT] [NODE-%s] [TERM-%d] %s reported newer term %d, abandoning election",
					n.id, term, res.peer, res.resp.Term)
				n.stepDownLocked(res.resp.Term, "")
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()

			if res.resp.VoteGranted {
				votes++
			}
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// The world may have moved on while we waited: a newer term, a valid leader, or Stop
	if n.stopped || n.currentTerm != term || n.role != Candidate {
		return
	}

	if votes >= quorum {
		n.logger.Infof("[RAFT] [NODE-%s] [TERM-%d] Won election with %d/%d votes", n.id, term, votes, len(n.peers)+1)
		if n.metrics != nil {
			n.metrics.RecordElectionDuration(time.Since(start))
		}
		n.becomeLeaderLocked()
		return
	}

	n.logger.Infof("[RAFT] [NODE-%s] [TERM-%d] Lost election with %d/%d votes, will retry", n.id, term, votes,
		len(n.peers)+1)
	n.resetElectionTimerLocked()
}

func (n *Node) becomeLeaderLocked() {
	n.stopElectionTimerLocked()
	n.leaderID = n.id
	n.setRoleLocked(Leader)

	n.nextIndex = make(map[NodeID]uint64, len(n.peers))
	n.matchIndex = make(map[NodeID]uint64, len(n.peers))
	n.inflight = make(map[NodeID]bool, len(n.peers))
	for _, peer := range n.peers {
		n.nextIndex[peer] = n.log.lastIndex() + 1
		n.matchIndex[peer] = 0
	}

	// A lone node is its own majority
	n.advanceCommitIndexLocked()

	ctx, cancel := context.WithCancel(n.ctx)
	n.heartbeatCancel = cancel
	n.wg.Add(1)
	go n.runHeartbeats(ctx, n.currentTerm)
}
