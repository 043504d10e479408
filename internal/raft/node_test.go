package raft

import (
	"context"
	"errors"
	"testing"
	"time"

	"raftdfs/internal/hlc"
	"raftdfs/internal/mocks"
	"raftdfs/internal/pubsub"
	"raftdfs/internal/rpcpb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) RequestVote(ctx context.Context, peer NodeID, req *rpcpb.RequestVoteRequest) (*rpcpb.RequestVoteResponse, error) {
	args := m.Called(ctx, peer, req)
	resp, _ := args.Get(0).(*rpcpb.RequestVoteResponse)
	return resp, args.Error(1)
}

func (m *mockTransport) AppendEntries(ctx context.Context, peer NodeID, req *rpcpb.AppendEntriesRequest) (*rpcpb.AppendEntriesResponse, error) {
	args := m.Called(ctx, peer, req)
	resp, _ := args.Get(0).(*rpcpb.AppendEntriesResponse)
	return resp, args.Error(1)
}

// testConfig keeps election timers out of the way of tests that drive the node by hand
func testConfig(id NodeID, peers ...NodeID) *Config {
	config := DefaultConfig()
	config.ID = id
	config.Peers = peers
	config.ElectionTimeoutMin = 10 * time.Second
	config.ElectionTimeoutMax = 20 * time.Second
	config.HeartbeatInterval = 20 * time.Millisecond
	return config
}

func newTestNode(t *testing.T, transport Transport, id NodeID, peers ...NodeID) *Node {
	t.Helper()
	n, err := NewNode(testConfig(id, peers...), transport, nil)
	require.NoError(t, err)
	t.Cleanup(n.Stop)
	return n
}

// seedLog appends entries with the given terms, starting at index 1
func seedLog(n *Node, terms ...uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, term := range terms {
		n.log.append(&rpcpb.LogEntry{Index: n.log.lastIndex() + 1, Term: term, Command: "seed"})
	}
}

// becomeCandidate puts n in the state onElectionTimeout leaves it in, and returns the vote request to run with
func becomeCandidate(n *Node) (uint64, *rpcpb.RequestVoteRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.currentTerm++
	self := n.id
	n.votedFor = &self
	n.setRoleLocked(Candidate)
	return n.currentTerm, &rpcpb.RequestVoteRequest{
		Term:         n.currentTerm,
		CandidateId:  string(n.id),
		LastLogIndex: n.log.lastIndex(),
		LastLogTerm:  n.log.lastTerm(),
	}
}

func TestNewNode(t *testing.T) {
	t.Run("starts as follower at term 0", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2", "n3")

		status := n.Status()
		assert.Equal(t, "FOLLOWER", status.Role)
		assert.Equal(t, uint64(0), status.Term)
		assert.Equal(t, uint64(0), status.LastLogIndex)
		assert.Equal(t, NodeID(""), n.LeaderID())
		assert.Equal(t, []NodeID{"n2", "n3"}, n.Peers())
	})

	t.Run("rejects invalid configs", func(t *testing.T) {
		_, err := NewNode(testConfig(""), nil, nil)
		assert.Error(t, err)

		_, err = NewNode(testConfig("n1", "n1"), &mockTransport{}, nil)
		assert.Error(t, err)

		_, err = NewNode(testConfig("n1", "n2"), nil, nil)
		assert.Error(t, err, "peers need a transport")

		config := testConfig("n1")
		config.HeartbeatInterval = config.ElectionTimeoutMin
		_, err = NewNode(config, nil, nil)
		assert.Error(t, err)
	})
}

func TestRequestVote(t *testing.T) {
	t.Run("stale term is rejected without state change", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2")
		n.currentTerm = 3

		resp, err := n.RequestVote(context.Background(), &rpcpb.RequestVoteRequest{Term: 2, CandidateId: "n2"})
		require.NoError(t, err)

		assert.False(t, resp.VoteGranted)
		assert.Equal(t, uint64(3), resp.Term)
		assert.Nil(t, n.votedFor)
	})

	t.Run("at most one candidate per term", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2", "n3")

		resp, _ := n.RequestVote(context.Background(), &rpcpb.RequestVoteRequest{Term: 1, CandidateId: "n2"})
		assert.True(t, resp.VoteGranted)

		resp, _ = n.RequestVote(context.Background(), &rpcpb.RequestVoteRequest{Term: 1, CandidateId: "n3"})
		assert.False(t, resp.VoteGranted)

		// Re-granting to the same candidate is idempotent
		resp, _ = n.RequestVote(context.Background(), &rpcpb.RequestVoteRequest{Term: 1, CandidateId: "n2"})
		assert.True(t, resp.VoteGranted)

		// A new term clears the vote
		resp, _ = n.RequestVote(context.Background(), &rpcpb.RequestVoteRequest{Term: 2, CandidateId: "n3"})
		assert.True(t, resp.VoteGranted)
		assert.Equal(t, uint64(2), resp.Term)
	})

	t.Run("higher term demotes a leader before the grant", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2")
		n.currentTerm = 5
		self := n.id
		n.votedFor = &self
		n.role = Leader

		resp, err := n.RequestVote(context.Background(), &rpcpb.RequestVoteRequest{Term: 6, CandidateId: "n2"})
		require.NoError(t, err)

		assert.True(t, resp.VoteGranted)
		assert.Equal(t, uint64(6), resp.Term)
		assert.Equal(t, Follower, n.Role())
		require.NotNil(t, n.votedFor)
		assert.Equal(t, NodeID("n2"), *n.votedFor)
	})

	t.Run("candidate with an older log is denied but its term is adopted", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2")
		seedLog(n, 1, 2)
		n.currentTerm = 2

		resp, _ := n.RequestVote(context.Background(), &rpcpb.RequestVoteRequest{
			Term: 3, CandidateId: "n2", LastLogIndex: 5, LastLogTerm: 1,
		})
		assert.False(t, resp.VoteGranted)
		assert.Equal(t, uint64(3), n.CurrentTerm())

		resp, _ = n.RequestVote(context.Background(), &rpcpb.RequestVoteRequest{
			Term: 3, CandidateId: "n2", LastLogIndex: 1, LastLogTerm: 2,
		})
		assert.False(t, resp.VoteGranted, "same last term but shorter log")

		resp, _ = n.RequestVote(context.Background(), &rpcpb.RequestVoteRequest{
			Term: 3, CandidateId: "n2", LastLogIndex: 2, LastLogTerm: 2,
		})
		assert.True(t, resp.VoteGranted)
	})
}

func TestAppendEntries(t *testing.T) {
	t.Run("stale term is rejected", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2")
		n.currentTerm = 4

		resp, err := n.AppendEntries(context.Background(), &rpcpb.AppendEntriesRequest{Term: 3, LeaderId: "n2"})
		require.NoError(t, err)

		assert.False(t, resp.Success)
		assert.Equal(t, uint64(4), resp.Term)
		assert.Equal(t, NodeID(""), n.LeaderID())
	})

	t.Run("leader at term 5 demoted by term 7", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2", "n3")
		n.currentTerm = 5
		n.role = Leader
		n.leaderID = "n1"

		resp, err := n.AppendEntries(context.Background(), &rpcpb.AppendEntriesRequest{Term: 7, LeaderId: "n3"})
		require.NoError(t, err)
		assert.True(t, resp.Success)

		status := n.Status()
		assert.Equal(t, "FOLLOWER", status.Role)
		assert.Equal(t, uint64(7), status.Term)
		assert.Equal(t, NodeID("n3"), status.LeaderID)
	})

	t.Run("candidate yields to a leader of the same term", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2")
		becomeCandidate(n)

		resp, _ := n.AppendEntries(context.Background(), &rpcpb.AppendEntriesRequest{Term: 1, LeaderId: "n2"})
		assert.True(t, resp.Success)
		assert.Equal(t, Follower, n.Role())
		assert.Equal(t, uint64(1), n.CurrentTerm())
	})

	t.Run("appends entries and follows the leader's commit index", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2")
		sm := mocks.NewMockStateMachine()
		n.SetStateMachine(sm)
		n.Start()

		resp, _ := n.AppendEntries(context.Background(), &rpcpb.AppendEntriesRequest{
			Term:     1,
			LeaderId: "n2",
			Entries: []*rpcpb.LogEntry{
				{Index: 1, Term: 1, Command: "a"},
				{Index: 2, Term: 1, Command: "b"},
			},
			LeaderCommit: 1,
		})
		require.True(t, resp.Success)

		status := n.Status()
		assert.Equal(t, uint64(2), status.LastLogIndex)
		assert.Equal(t, uint64(1), status.CommitIndex)

		assert.Eventually(t, func() bool {
			return len(sm.GetAppliedLogs()) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, "a", sm.GetAppliedLogs()[0].Command)
	})

	t.Run("commit index is capped by the last new entry", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2")

		resp, _ := n.AppendEntries(context.Background(), &rpcpb.AppendEntriesRequest{
			Term:         1,
			LeaderId:     "n2",
			Entries:      []*rpcpb.LogEntry{{Index: 1, Term: 1, Command: "a"}},
			LeaderCommit: 9,
		})
		require.True(t, resp.Success)
		assert.Equal(t, uint64(1), n.Status().CommitIndex)
	})

	t.Run("missing previous entry fails the consistency check", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2")

		resp, _ := n.AppendEntries(context.Background(), &rpcpb.AppendEntriesRequest{
			Term:         1,
			LeaderId:     "n2",
			PrevLogIndex: 3,
			PrevLogTerm:  1,
			Entries:      []*rpcpb.LogEntry{{Index: 4, Term: 1}},
		})

		assert.False(t, resp.Success)
		assert.Equal(t, uint64(0), n.Status().LastLogIndex)
		assert.Equal(t, NodeID("n2"), n.LeaderID(), "the leader is still recognised")
	})

	t.Run("uncommitted conflicting suffix is replaced by the leader's entries", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2")
		seedLog(n, 1, 1, 1)
		n.commitIndex = 1

		resp, _ := n.AppendEntries(context.Background(), &rpcpb.AppendEntriesRequest{
			Term:         2,
			LeaderId:     "n2",
			PrevLogIndex: 1,
			PrevLogTerm:  1,
			Entries:      []*rpcpb.LogEntry{{Index: 2, Term: 2, Command: "fresh"}},
			LeaderCommit: 2,
		})
		require.True(t, resp.Success)

		status := n.Status()
		assert.Equal(t, uint64(2), status.LastLogIndex)
		assert.Equal(t, uint64(2), status.LastLogTerm)
		assert.Equal(t, uint64(2), status.CommitIndex)

		entry, ok := n.Entry(1)
		require.True(t, ok)
		assert.Equal(t, "seed", entry.Command)
		entry, ok = n.Entry(2)
		require.True(t, ok)
		assert.Equal(t, "fresh", entry.Command)
	})

	t.Run("committed entries are never rewritten", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2")
		seedLog(n, 1)
		n.commitIndex = 1

		resp, _ := n.AppendEntries(context.Background(), &rpcpb.AppendEntriesRequest{
			Term:     2,
			LeaderId: "n2",
			Entries:  []*rpcpb.LogEntry{{Index: 1, Term: 2, Command: "other"}},
		})
		assert.False(t, resp.Success)

		entry, ok := n.Entry(1)
		require.True(t, ok)
		assert.Equal(t, uint64(1), entry.Term)
		assert.Equal(t, "seed", entry.Command)
	})

	t.Run("retransmitted entries are skipped", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2")
		req := &rpcpb.AppendEntriesRequest{
			Term:     1,
			LeaderId: "n2",
			Entries:  []*rpcpb.LogEntry{{Index: 1, Term: 1, Command: "a"}},
		}

		for range 3 {
			resp, _ := n.AppendEntries(context.Background(), req)
			assert.True(t, resp.Success)
		}
		assert.Equal(t, uint64(1), n.Status().LastLogIndex)
	})

	t.Run("merges the leader's clock", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2")
		clock := hlc.NewWithWallClock(func() int64 { return 100 })
		n.SetClock(clock)

		n.AppendEntries(context.Background(), &rpcpb.AppendEntriesRequest{
			Term:        1,
			LeaderId:    "n2",
			LeaderStamp: hlc.Stamp{Physical: 5000, Counter: 3},
		})

		assert.False(t, clock.Last().Before(hlc.Stamp{Physical: 5000, Counter: 3}))
	})
}

func TestPropose(t *testing.T) {
	t.Run("followers and candidates reject without touching the log", func(t *testing.T) {
		n := newTestNode(t, &mockTransport{}, "n1", "n2")

		_, _, ok := n.Propose("WRITE:f:c:1")
		assert.False(t, ok)
		assert.Equal(t, uint64(0), n.Status().LastLogIndex)

		becomeCandidate(n)
		_, _, ok = n.Propose("WRITE:f:c:1")
		assert.False(t, ok)
		assert.Equal(t, uint64(0), n.Status().LastLogIndex)
	})

	t.Run("single node leader commits and applies on append", func(t *testing.T) {
		n := newTestNode(t, nil, "solo")
		sm := mocks.NewMockStateMachine()
		metrics := mocks.NewMockMetricsCollector()
		n.SetStateMachine(sm)
		n.SetMetrics(metrics)
		n.SetClock(hlc.New())
		n.Start()

		term, req := becomeCandidate(n)
		n.runElection(term, req)
		require.True(t, n.IsLeader())

		index, entryTerm, ok := n.Propose("WRITE:f:c:3")
		require.True(t, ok)
		assert.Equal(t, uint64(1), index)
		assert.Equal(t, term, entryTerm)
		assert.Equal(t, uint64(1), n.Status().CommitIndex)

		entry, _ := n.Entry(1)
		assert.False(t, entry.Stamp.IsZero(), "leader stamps its entries")

		assert.Eventually(t, func() bool {
			return len(sm.GetAppliedLogs()) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, metrics.Snapshot().CommandsCommittedCount)
	})
}

func TestElection(t *testing.T) {
	peers := []NodeID{"n2", "n3", "n4", "n5"}

	// voteFor answers RequestVote from every peer, granting the vote for the listed ones
	voteFor := func(transport *mockTransport, granted ...NodeID) {
		for _, peer := range peers {
			resp := &rpcpb.RequestVoteResponse{Term: 1}
			for _, g := range granted {
				if g == peer {
					resp.VoteGranted = true
				}
			}
			transport.On("RequestVote", mock.Anything, peer, mock.Anything).Return(resp, nil)
		}
		transport.On("AppendEntries", mock.Anything, mock.Anything, mock.Anything).
			Return(&rpcpb.AppendEntriesResponse{Term: 1, Success: true}, nil).Maybe()
	}

	t.Run("strict majority wins", func(t *testing.T) {
		transport := &mockTransport{}
		voteFor(transport, "n2", "n3")
		n := newTestNode(t, transport, "n1", peers...)

		term, req := becomeCandidate(n)
		n.runElection(term, req)

		assert.Equal(t, Leader, n.Role())
		assert.Equal(t, NodeID("n1"), n.LeaderID())
		transport.AssertCalled(t, "RequestVote", mock.Anything, NodeID("n2"), req)
	})

	t.Run("one short of majority stays candidate", func(t *testing.T) {
		transport := &mockTransport{}
		voteFor(transport, "n2")
		n := newTestNode(t, transport, "n1", peers...)

		term, req := becomeCandidate(n)
		n.runElection(term, req)

		assert.Equal(t, Candidate, n.Role())
		assert.Equal(t, uint64(1), n.CurrentTerm())
		transport.AssertNotCalled(t, "AppendEntries", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unreachable peers count as no vote", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("RequestVote", mock.Anything, NodeID("n2"), mock.Anything).
			Return(&rpcpb.RequestVoteResponse{Term: 1, VoteGranted: true}, nil)
		transport.On("RequestVote", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("connection refused"))
		n := newTestNode(t, transport, "n1", peers...)

		term, req := becomeCandidate(n)
		n.runElection(term, req)

		assert.Equal(t, Candidate, n.Role())
	})

	t.Run("higher term in a reply ends the election", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("RequestVote", mock.Anything, mock.Anything, mock.Anything).
			Return(&rpcpb.RequestVoteResponse{Term: 9}, nil)
		n := newTestNode(t, transport, "n1", peers...)

		term, req := becomeCandidate(n)
		n.runElection(term, req)

		assert.Equal(t, Follower, n.Role())
		assert.Equal(t, uint64(9), n.CurrentTerm())
		assert.Nil(t, n.votedFor)
	})

	t.Run("publishes role changes", func(t *testing.T) {
		transport := &mockTransport{}
		voteFor(transport, peers...)
		ps := pubsub.NewPubSub()
		defer ps.ForceShutdown()

		events := make(chan *pubsub.Event[RoleChange], 8)
		pubsub.Subscribe(ps, RoleChanged, events, pubsub.SubscriptionOptions{})

		n, err := NewNode(testConfig("n1", peers...), transport, ps)
		require.NoError(t, err)
		defer n.Stop()

		term, req := becomeCandidate(n)
		n.runElection(term, req)

		var got []RoleChange
		for len(got) < 2 {
			select {
			case ev := <-events:
				got = append(got, ev.Payload)
			case <-time.After(time.Second):
				t.Fatalf("expected 2 role changes, got %v", got)
			}
		}
		assert.Equal(t, RoleChange{Term: 1, From: Follower, To: Candidate}, got[0])
		assert.Equal(t, RoleChange{Term: 1, From: Candidate, To: Leader}, got[1])
	})
}

func TestLeaderReplication(t *testing.T) {
	t.Run("entry commits once a majority stores it", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("RequestVote", mock.Anything, mock.Anything, mock.Anything).
			Return(&rpcpb.RequestVoteResponse{Term: 1, VoteGranted: true}, nil)
		transport.On("AppendEntries", mock.Anything, mock.Anything, mock.Anything).
			Return(&rpcpb.AppendEntriesResponse{Term: 1, Success: true}, nil)

		n := newTestNode(t, transport, "n1", "n2", "n3")
		sm := mocks.NewMockStateMachine()
		n.SetStateMachine(sm)
		n.Start()

		term, req := becomeCandidate(n)
		n.runElection(term, req)
		require.True(t, n.IsLeader())

		_, _, ok := n.Propose("WRITE:f:c:1")
		require.True(t, ok)

		assert.Eventually(t, func() bool {
			return n.Status().CommitIndex == 1 && len(sm.GetAppliedLogs()) == 1
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("nothing commits without a majority", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("RequestVote", mock.Anything, mock.Anything, mock.Anything).
			Return(&rpcpb.RequestVoteResponse{Term: 1, VoteGranted: true}, nil)
		transport.On("AppendEntries", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("unreachable"))

		n := newTestNode(t, transport, "n1", "n2", "n3")
		term, req := becomeCandidate(n)
		n.runElection(term, req)
		require.True(t, n.IsLeader())

		_, _, ok := n.Propose("WRITE:f:c:1")
		require.True(t, ok)

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, uint64(0), n.Status().CommitIndex)
		assert.True(t, n.IsLeader(), "unreachable followers do not demote the leader")
	})

	t.Run("higher term in a reply demotes the leader", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("RequestVote", mock.Anything, mock.Anything, mock.Anything).
			Return(&rpcpb.RequestVoteResponse{Term: 1, VoteGranted: true}, nil)
		transport.On("AppendEntries", mock.Anything, mock.Anything, mock.Anything).
			Return(&rpcpb.AppendEntriesResponse{Term: 4}, nil)

		n := newTestNode(t, transport, "n1", "n2", "n3")
		term, req := becomeCandidate(n)
		n.runElection(term, req)

		assert.Eventually(t, func() bool {
			return n.Role() == Follower && n.CurrentTerm() == 4
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("rejection backs nextIndex up", func(t *testing.T) {
		transport := &mockTransport{}
		transport.On("RequestVote", mock.Anything, mock.Anything, mock.Anything).
			Return(&rpcpb.RequestVoteResponse{Term: 2, VoteGranted: true}, nil)
		transport.On("AppendEntries", mock.Anything, NodeID("n2"), mock.Anything).
			Return(&rpcpb.AppendEntriesResponse{Term: 2, Success: false}, nil)
		transport.On("AppendEntries", mock.Anything, NodeID("n3"), mock.Anything).
			Return(nil, errors.New("unreachable"))

		n := newTestNode(t, transport, "n1", "n2", "n3")
		seedLog(n, 1, 1, 1)
		n.currentTerm = 1

		term, req := becomeCandidate(n)
		n.runElection(term, req)
		require.True(t, n.IsLeader())

		assert.Eventually(t, func() bool {
			n.mu.Lock()
			defer n.mu.Unlock()
			return n.nextIndex["n2"] == 1
		}, time.Second, 5*time.Millisecond)
	})
}

func TestStop(t *testing.T) {
	n := newTestNode(t, &mockTransport{}, "n1", "n2")
	n.Start()
	n.Stop()
	n.Stop()

	// A late timer firing is a no-op
	n.onElectionTimeout(n.electionGen)
	assert.Equal(t, Follower, n.Role())
}
