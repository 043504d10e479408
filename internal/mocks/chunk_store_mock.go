package mocks

import (
	"fmt"
	"sync"

	"raftdfs/internal/storage"
)

// MockChunkStore is a mock implementation of storage.ChunkStore for testing
type MockChunkStore struct {
	mu     sync.RWMutex
	chunks map[string][]byte
	Saves  int

	// Error injection for testing
	SaveChunkError   error
	ReadChunkError   error
	ChunkExistsError error
}

// NewMockChunkStore creates a new mock chunk store
func NewMockChunkStore() *MockChunkStore {
	return &MockChunkStore{
		chunks: make(map[string][]byte),
	}
}

func key(fileID, chunkID string) string {
	return fileID + "/" + chunkID
}

func (m *MockChunkStore) SaveChunk(fileID, chunkID string, data []byte) error {
	if m.SaveChunkError != nil {
		return m.SaveChunkError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[key(fileID, chunkID)] = append([]byte{}, data...)
	m.Saves++
	return nil
}

func (m *MockChunkStore) ReadChunk(fileID, chunkID string) ([]byte, error) {
	if m.ReadChunkError != nil {
		return nil, m.ReadChunkError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.chunks[key(fileID, chunkID)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key(fileID, chunkID), storage.ErrChunkNotFound)
	}
	return append([]byte{}, data...), nil
}

func (m *MockChunkStore) ChunkExists(fileID, chunkID string) (bool, error) {
	if m.ChunkExistsError != nil {
		return false, m.ChunkExistsError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.chunks[key(fileID, chunkID)]
	return ok, nil
}

func (m *MockChunkStore) ListChunks(fileID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	prefix := fileID + "/"
	for k := range m.chunks {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			ids = append(ids, k[len(prefix):])
		}
	}
	return ids, nil
}

// Len returns the number of stored chunks
func (m *MockChunkStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

func (m *MockChunkStore) Close() error {
	return nil
}
