package mocks

import (
	"sync"

	"raftdfs/internal/rpcpb"
)

// MockStateMachine is a mock implementation of raft.StateMachine for testing
type MockStateMachine struct {
	mu             sync.RWMutex
	AppliedLogs    []*rpcpb.LogEntry
	ApplyCallCount int
	ShouldPanic    bool
}

// NewMockStateMachine creates a new mock state machine
func NewMockStateMachine() *MockStateMachine {
	return &MockStateMachine{
		AppliedLogs: make([]*rpcpb.LogEntry, 0),
	}
}

func (m *MockStateMachine) Apply(entry *rpcpb.LogEntry) {
	if m.ShouldPanic {
		panic("mock state machine panic")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppliedLogs = append(m.AppliedLogs, entry)
	m.ApplyCallCount++
}

// GetAppliedLogs returns a copy of all applied logs
func (m *MockStateMachine) GetAppliedLogs() []*rpcpb.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*rpcpb.LogEntry, len(m.AppliedLogs))
	copy(result, m.AppliedLogs)
	return result
}

// Reset clears the mock state
func (m *MockStateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppliedLogs = make([]*rpcpb.LogEntry, 0)
	m.ApplyCallCount = 0
}
