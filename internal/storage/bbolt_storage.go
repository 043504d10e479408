package storage

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// Top level bucket. Every file gets a nested bucket under it, keyed by file ID, holding one key per chunk.
var chunksBucket = []byte("chunks")

type BboltStore struct {
	conn *bbolt.DB
}

// NewBboltStore opens (or creates) the chunk database at path
func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(chunksBucket); err != nil {
			return fmt.Errorf("failed to create chunks bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{conn: db}, nil
}

// SaveChunk stores data under (fileID, chunkID), replacing any previous bytes
func (b *BboltStore) SaveChunk(fileID, chunkID string, data []byte) error {
	if err := validateKey(fileID, chunkID); err != nil {
		return err
	}

	return b.conn.Update(func(tx *bbolt.Tx) error {
		file, err := tx.Bucket(chunksBucket).CreateBucketIfNotExists([]byte(fileID))
		if err != nil {
			return fmt.Errorf("failed to create bucket for file %s: %w", fileID, err)
		}

		// bbolt keeps a reference to the value until the transaction commits, so a nil slice must become an empty one
		if data == nil {
			data = []byte{}
		}
		if err := file.Put([]byte(chunkID), data); err != nil {
			return fmt.Errorf("failed to save chunk %s/%s: %w", fileID, chunkID, err)
		}
		return nil
	})
}

// ReadChunk returns a copy of the bytes stored under (fileID, chunkID)
func (b *BboltStore) ReadChunk(fileID, chunkID string) ([]byte, error) {
	var data []byte
	err := b.conn.View(func(tx *bbolt.Tx) error {
		file := tx.Bucket(chunksBucket).Bucket([]byte(fileID))
		if file == nil {
			return fmt.Errorf("%s/%s: %w", fileID, chunkID, ErrChunkNotFound)
		}

		value := file.Get([]byte(chunkID))
		if value == nil {
			return fmt.Errorf("%s/%s: %w", fileID, chunkID, ErrChunkNotFound)
		}

		// Values returned by bbolt are only valid for the life of the transaction
		data = make([]byte, len(value))
		copy(data, value)
		return nil
	})
	return data, err
}

func (b *BboltStore) ChunkExists(fileID, chunkID string) (bool, error) {
	var exists bool
	err := b.conn.View(func(tx *bbolt.Tx) error {
		file := tx.Bucket(chunksBucket).Bucket([]byte(fileID))
		exists = file != nil && file.Get([]byte(chunkID)) != nil
		return nil
	})
	return exists, err
}

func (b *BboltStore) ListChunks(fileID string) ([]string, error) {
	var chunkIDs []string
	err := b.conn.View(func(tx *bbolt.Tx) error {
		file := tx.Bucket(chunksBucket).Bucket([]byte(fileID))
		if file == nil {
			return nil
		}

		// Keys come back in byte order from the cursor
		cursor := file.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			chunkIDs = append(chunkIDs, string(k))
		}
		return nil
	})
	return chunkIDs, err
}

// Close closes the storage connection
func (b *BboltStore) Close() error {
	return b.conn.Close()
}
