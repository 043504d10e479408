package chunk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"raftdfs/internal/hlc"
	"raftdfs/internal/logging"
	"raftdfs/internal/raft"
	"raftdfs/internal/storage"
)

var (
	// ErrNotLeader is returned when a write reaches a node that is not the leader. Nothing was persisted.
	ErrNotLeader = errors.New("not the leader")
	// ErrProposalRejected is returned when the bytes were persisted locally but the log entry describing them could
	// not be proposed, e.g. leadership was lost in between. The outcome of the write is unknown to the caller.
	ErrProposalRejected = errors.New("proposal rejected")
	// ErrInvalidKey is returned for empty IDs or IDs that cannot be encoded in a log command
	ErrInvalidKey = errors.New("invalid chunk key")
)

// Consensus is the part of the consensus node the service needs
type Consensus interface {
	IsLeader() bool
	LeaderID() raft.NodeID
	Propose(command string) (index uint64, term uint64, accepted bool)
}

// Replicator fans chunk bytes out to the peers
type Replicator interface {
	Replicate(fileID, chunkID string, data []byte) (int, error)
}

// MetricsCollector is an optional interface for collecting chunk metrics
type MetricsCollector interface {
	RecordChunkWrite(latency time.Duration)
}

// Receipt identifies the log entry a successful write was recorded in
type Receipt struct {
	Index uint64
	Term  uint64
}

// Service orchestrates chunk writes: persist locally, record the write in the replicated log, then fan the bytes out
// to the peers.
type Service struct {
	store      storage.ChunkStore
	consensus  Consensus
	replicator Replicator
	logger     logging.Logger
	clock      *hlc.Clock
	metrics    MetricsCollector
}

func NewService(store storage.ChunkStore, consensus Consensus, replicator Replicator, logger logging.Logger) *Service {
	return &Service{
		store:      store,
		consensus:  consensus,
		replicator: replicator,
		logger:     logging.OrNop(logger),
	}
}

// SetClock sets the clock merged with the stamps of incoming replicas
func (s *Service) SetClock(clock *hlc.Clock) {
	s.clock = clock
}

func (s *Service) SetMetrics(metrics MetricsCollector) {
	s.metrics = metrics
}

// StoreAndCommit persists data under (fileID, chunkID) and records the write in the log. Replication to the peers is
// queued before returning but not awaited.
func (s *Service) StoreAndCommit(_ context.Context, fileID, chunkID string, data []byte) (Receipt, error) {
	if err := validateKey(fileID, chunkID); err != nil {
		return Receipt{}, err
	}

	if !s.consensus.IsLeader() {
		return Receipt{}, fmt.Errorf("%w (leader: %q)", ErrNotLeader, s.consensus.LeaderID())
	}

	start := time.Now()
	if err := s.store.SaveChunk(fileID, chunkID, data); err != nil {
		return Receipt{}, fmt.Errorf("failed to persist chunk %s/%s: %w", fileID, chunkID, err)
	}

	command := WriteCommand{FileID: fileID, ChunkID: chunkID, Size: len(data)}.String()
	index, term, accepted := s.consensus.Propose(command)
	if !accepted {
		s.logger.Warnf("[CHUNK] %s/%s persisted locally but the proposal was rejected", fileID, chunkID)
		return Receipt{}, fmt.Errorf("%w: %s", ErrProposalRejected, command)
	}

	if s.replicator != nil {
		if _, err := s.replicator.Replicate(fileID, chunkID, data); err != nil {
			s.logger.Warnf("[CHUNK] Could not queue replication of %s/%s: %v", fileID, chunkID, err)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordChunkWrite(time.Since(start))
	}
	s.logger.Infof("[CHUNK] Stored %s/%s (%d bytes) as entry %d in term %d", fileID, chunkID, len(data), index, term)
	return Receipt{Index: index, Term: term}, nil
}

// ReadChunk returns the locally stored bytes regardless of role
func (s *Service) ReadChunk(fileID, chunkID string) ([]byte, error) {
	return s.store.ReadChunk(fileID, chunkID)
}

// HasChunk reports whether the chunk is stored locally
func (s *Service) HasChunk(fileID, chunkID string) (bool, error) {
	return s.store.ChunkExists(fileID, chunkID)
}

// ListLocal returns the chunk IDs of fileID stored on this node
func (s *Service) ListLocal(fileID string) ([]string, error) {
	return s.store.ListChunks(fileID)
}

// StoreReplica is the sink of peer replication. It persists the bytes unconditionally: no leadership check and no
// proposal. It returns this node's clock reading after merging the sender's stamp.
func (s *Service) StoreReplica(fileID, chunkID string, data []byte, from string, stamp hlc.Stamp) (hlc.Stamp, error) {
	if err := validateKey(fileID, chunkID); err != nil {
		return hlc.Stamp{}, err
	}
	if err := s.store.SaveChunk(fileID, chunkID, data); err != nil {
		return hlc.Stamp{}, fmt.Errorf("failed to persist replica %s/%s: %w", fileID, chunkID, err)
	}

	var local hlc.Stamp
	if s.clock != nil {
		if stamp.IsZero() {
			local = s.clock.Now()
		} else {
			local = s.clock.Update(stamp)
		}
	}

	s.logger.Debugf("[CHUNK] Stored replica %s/%s (%d bytes) from %s", fileID, chunkID, len(data), from)
	return local, nil
}

func validateKey(fileID, chunkID string) error {
	if fileID == "" || chunkID == "" {
		return fmt.Errorf("%w: file and chunk IDs are required", ErrInvalidKey)
	}
	if strings.ContainsAny(fileID, ":/") || strings.ContainsAny(chunkID, ":/") {
		return fmt.Errorf("%w: IDs must not contain ':' or '/'", ErrInvalidKey)
	}
	return nil
}
