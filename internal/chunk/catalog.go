package chunk

import (
	"slices"
	"strings"
	"sync"

	"raftdfs/internal/hlc"
	"raftdfs/internal/logging"
	"raftdfs/internal/rpcpb"
)

// ChunkInfo is the committed record of one chunk write
type ChunkInfo struct {
	FileID  string    `json:"file_id"`
	ChunkID string    `json:"chunk_id"`
	Size    int       `json:"size"`
	Index   uint64    `json:"index"`
	Term    uint64    `json:"term"`
	Stamp   hlc.Stamp `json:"stamp"`
}

// Catalog is the state machine fed by the consensus log. It keeps the latest committed write of every chunk, so any
// node can list what the cluster has agreed on, independently of which bytes reached its local store.
type Catalog struct {
	logger logging.Logger

	mu      sync.RWMutex
	files   map[string]map[string]ChunkInfo
	applied uint64
}

func NewCatalog(logger logging.Logger) *Catalog {
	return &Catalog{
		logger: logging.OrNop(logger),
		files:  make(map[string]map[string]ChunkInfo),
	}
}

// Apply records a committed log entry. Entries that are not chunk writes are skipped.
func (c *Catalog) Apply(entry *rpcpb.LogEntry) {
	cmd, err := ParseCommand(entry.Command)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.applied = entry.Index
	if err != nil {
		c.logger.Warnf("[CATALOG] Skipping entry %d: %v", entry.Index, err)
		return
	}

	file, ok := c.files[cmd.FileID]
	if !ok {
		file = make(map[string]ChunkInfo)
		c.files[cmd.FileID] = file
	}
	file[cmd.ChunkID] = ChunkInfo{
		FileID:  cmd.FileID,
		ChunkID: cmd.ChunkID,
		Size:    cmd.Size,
		Index:   entry.Index,
		Term:    entry.Term,
		Stamp:   entry.Stamp,
	}
}

// Chunk returns the committed record of a single chunk
func (c *Catalog) Chunk(fileID, chunkID string) (ChunkInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.files[fileID][chunkID]
	return info, ok
}

// Chunks lists the committed chunks of fileID ordered by chunk ID
func (c *Catalog) Chunks(fileID string) []ChunkInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ChunkInfo, 0, len(c.files[fileID]))
	for _, info := range c.files[fileID] {
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b ChunkInfo) int {
		return strings.Compare(a.ChunkID, b.ChunkID)
	})
	return out
}

// LastApplied returns the index of the last entry handed to Apply
func (c *Catalog) LastApplied() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applied
}
