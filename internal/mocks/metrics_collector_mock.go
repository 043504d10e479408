package mocks

import (
	"sync"
	"time"
)

// MockMetricsCollector is a mock implementation of the raft, transport and replication metrics interfaces
type MockMetricsCollector struct {
	mu                     sync.RWMutex
	CommandsCommittedCount int
	AppendEntriesCount     int
	RequestVoteCount       int
	HeartbeatCount         int
	ElectionCount          int
	ElectionDurations      []time.Duration
	ReplicationSuccesses   int
	ReplicationFailures    int
	ReplicationDropped     int
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{
		ElectionDurations: make([]time.Duration, 0),
	}
}

func (m *MockMetricsCollector) RecordCommandCommitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandsCommittedCount++
}

func (m *MockMetricsCollector) RecordAppendEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendEntriesCount++
}

func (m *MockMetricsCollector) RecordRequestVote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestVoteCount++
}

func (m *MockMetricsCollector) RecordHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatCount++
}

func (m *MockMetricsCollector) RecordElection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionCount++
}

func (m *MockMetricsCollector) RecordElectionDuration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionDurations = append(m.ElectionDurations, duration)
}

func (m *MockMetricsCollector) RecordReplication(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.ReplicationSuccesses++
	} else {
		m.ReplicationFailures++
	}
}

func (m *MockMetricsCollector) RecordReplicationDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReplicationDropped++
}

// Snapshot returns a copy of the counters that is safe to inspect while the collector is in use
func (m *MockMetricsCollector) Snapshot() MockMetricsCollector {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MockMetricsCollector{
		CommandsCommittedCount: m.CommandsCommittedCount,
		AppendEntriesCount:     m.AppendEntriesCount,
		RequestVoteCount:       m.RequestVoteCount,
		HeartbeatCount:         m.HeartbeatCount,
		ElectionCount:          m.ElectionCount,
		ElectionDurations:      append([]time.Duration(nil), m.ElectionDurations...),
		ReplicationSuccesses:   m.ReplicationSuccesses,
		ReplicationFailures:    m.ReplicationFailures,
		ReplicationDropped:     m.ReplicationDropped,
	}
}

// Reset clears all recorded metrics
func (m *MockMetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CommandsCommittedCount = 0
	m.AppendEntriesCount = 0
	m.RequestVoteCount = 0
	m.HeartbeatCount = 0
	m.ElectionCount = 0
	m.ElectionDurations = make([]time.Duration, 0)
	m.ReplicationSuccesses = 0
	m.ReplicationFailures = 0
	m.ReplicationDropped = 0
}
