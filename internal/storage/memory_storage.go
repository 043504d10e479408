package storage

import (
	"fmt"
	"slices"
	"sync"
)

// MemoryStore is a ChunkStore kept entirely in memory. Used by tests and by nodes started without a data directory.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) SaveChunk(fileID, chunkID string, data []byte) error {
	if err := validateKey(fileID, chunkID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	file, ok := m.files[fileID]
	if !ok {
		file = make(map[string][]byte)
		m.files[fileID] = file
	}
	file[chunkID] = slices.Clone(data)
	if file[chunkID] == nil {
		file[chunkID] = []byte{}
	}
	return nil
}

func (m *MemoryStore) ReadChunk(fileID, chunkID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.files[fileID][chunkID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", fileID, chunkID, ErrChunkNotFound)
	}
	return slices.Clone(data), nil
}

func (m *MemoryStore) ChunkExists(fileID, chunkID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.files[fileID][chunkID]
	return ok, nil
}

func (m *MemoryStore) ListChunks(fileID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chunkIDs := make([]string, 0, len(m.files[fileID]))
	for id := range m.files[fileID] {
		chunkIDs = append(chunkIDs, id)
	}
	slices.Sort(chunkIDs)
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	return chunkIDs, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
