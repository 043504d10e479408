package storage

import (
	"errors"
)

// ErrChunkNotFound is returned when no chunk is stored under the requested key
var ErrChunkNotFound = errors.New("chunk not found")

// ChunkStore is a key-addressed blob store for file chunks. A chunk is identified by (fileID, chunkID); saving under
// an existing key replaces the previous bytes.
type ChunkStore interface {
	SaveChunk(fileID, chunkID string, data []byte) error
	ReadChunk(fileID, chunkID string) ([]byte, error)
	ChunkExists(fileID, chunkID string) (bool, error)
	// ListChunks returns the chunk IDs stored for fileID in ascending order
	ListChunks(fileID string) ([]string, error)
	Close() error
}

func validateKey(fileID, chunkID string) error {
	if fileID == "" || chunkID == "" {
		return errors.New("file ID and chunk ID must not be empty")
	}
	return nil
}
