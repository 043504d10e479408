package raft

import (
	"context"
	"time"

	"raftdfs/internal/hlc"
	"raftdfs/internal/rpcpb"
)

// runHeartbeats is the leader loop. It broadcasts AppendEntries every HeartbeatInterval, and immediately whenever a
// new entry is proposed. ctx is cancelled the moment the node leaves the Leader role.
func (n *Node) runHeartbeats(ctx context.Context, term uint64) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	n.logger.Debugf("[RAFT] [NODE-%s] [TERM-%d] Heartbeat loop started", n.id, term)
	n.broadcastAppendEntries(ctx, term)

	for {
		select {
		case <-ctx.Done():
			n.logger.Debugf("[RAFT] [NODE-%s] [TERM-%d] Heartbeat loop stopped", n.id, term)
			return
		case <-ticker.C:
		case <-n.replicateCh:
		}
		n.broadcastAppendEntries(ctx, term)
	}
}

// broadcastAppendEntries sends one AppendEntries to every peer that has no request outstanding. Each request carries
// the entries the peer is missing, up to MaxEntriesPerAppend; a peer that is up to date gets a plain heartbeat.
func (n *Node) broadcastAppendEntries(ctx context.Context, term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped || n.role != Leader || n.currentTerm != term {
		return
	}

	var stamp hlc.Stamp
	if n.clock != nil {
		stamp = n.clock.Now()
	}
	for _, peer := range n.peers {
		if n.inflight[peer] {
			continue
		}

		next := max(n.nextIndex[peer], 1)
		prevIndex := next - 1
		prevTerm, _ := n.log.termAt(prevIndex)

		var entries []*rpcpb.LogEntry
		if next <= n.log.lastIndex() {
			last := min(n.log.lastIndex(), next+uint64(n.config.MaxEntriesPerAppend)-1)
			entries = n.log.slice(next, last)
		}

		req := &rpcpb.AppendEntriesRequest{
			Term:         term,
			LeaderId:     string(n.id),
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: n.commitIndex,
			LeaderStamp:  stamp,
		}

		n.inflight[peer] = true
		n.wg.Add(1)
		go n.sendAppendEntries(ctx, peer, req)
	}
}

// sendAppendEntries performs a single AppendEntries call and folds the reply into the leader's replication state.
// Failures are not retried; the next tick sends a fresh request.
func (n *Node) sendAppendEntries(ctx context.Context, peer NodeID, req *rpcpb.AppendEntriesRequest) {
	defer n.wg.Done()

	rpcCtx, cancel := context.WithTimeout(ctx, n.config.RPCTimeout)
	resp, err := n.transport.AppendEntries(rpcCtx, peer, req)
	cancel()

	n.mu.Lock()
	defer n.mu.Unlock()

	// Requests of an earlier leadership belong to a map that has since been replaced
	if n.currentTerm == req.Term {
		n.inflight[peer] = false
	}

	if err != nil {
		n.logger.Debugf("[RAFT] [NODE-%s] [TERM-%d] AppendEntries to %s failed: %v", n.id, req.Term, peer, err)
		return
	}

	if resp.Term > n.currentTerm {
		n.logger.Infof("[RAFT] [NODE-%s] [TERM-%d] %s reported newer term %d, stepping down",
			n.id, n.currentTerm, peer, resp.Term)
		n.stepDownLocked(resp.Term, "")
		return
	}
	if n.role != Leader || n.currentTerm != req.Term {
		return
	}

	n.publish(PeerContact, peer)

	if !resp.Success {
		// The peer lacks the entry preceding what we sent; back up one entry and try again on the next round
		if n.nextIndex[peer] > 1 {
			n.nextIndex[peer]--
		}
		n.logger.Debugf("[RAFT] [NODE-%s] [TERM-%d] %s rejected entries after %d, nextIndex now %d",
			n.id, n.currentTerm, peer, req.PrevLogIndex, n.nextIndex[peer])
		return
	}

	match := req.PrevLogIndex + uint64(len(req.Entries))
	if match > n.matchIndex[peer] {
		n.matchIndex[peer] = match
	}
	n.nextIndex[peer] = n.matchIndex[peer] + 1

	if len(req.Entries) > 0 {
		n.advanceCommitIndexLocked()
	}
	if n.nextIndex[peer] <= n.log.lastIndex() {
		n.signal(n.replicateCh)
	}
}
