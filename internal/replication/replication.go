package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"raftdfs/internal/hlc"
	"raftdfs/internal/logging"
	"raftdfs/internal/rpcpb"
)

// ErrStopped is returned by Replicate once the manager has been stopped
var ErrStopped = errors.New("replication manager stopped")

// Transport pushes chunk bytes to a peer's internal replication endpoint
type Transport interface {
	ReplicateChunk(ctx context.Context, peer string, req *rpcpb.ReplicateChunkRequest) (*rpcpb.ReplicateChunkResponse, error)
}

// MetricsCollector is an optional interface for collecting replication metrics
type MetricsCollector interface {
	RecordReplication(success bool)
	RecordReplicationDropped()
}

// Config configures the fan-out worker pool
type Config struct {
	// ID of the local node, sent as the origin of every replica
	NodeID string
	// Peers receive every replicated chunk
	Peers []string
	// Workers is the number of concurrent outbound calls
	Workers int
	// QueueSize bounds the pending jobs. When the queue is full new jobs are dropped.
	QueueSize int
	// Timeout bounds each peer call
	Timeout time.Duration
	Logger  logging.Logger
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Workers:   4,
		QueueSize: 256,
		Timeout:   2 * time.Second,
	}
}

// job is a single chunk push to a single peer
type job struct {
	peer    string
	fileID  string
	chunkID string
	data    []byte
}

// Manager fans chunk bytes out to every peer. Delivery is best effort: each peer call is independent, failures are
// logged and counted, and nothing is retried.
type Manager struct {
	config    *Config
	transport Transport
	logger    logging.Logger
	clock     *hlc.Clock
	metrics   MetricsCollector

	mu      sync.RWMutex
	jobs    chan job
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(config *Config, transport Transport) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Workers <= 0 || config.QueueSize <= 0 || config.Timeout <= 0 {
		return nil, fmt.Errorf("invalid replication config: workers=%d queue=%d timeout=%v",
			config.Workers, config.QueueSize, config.Timeout)
	}
	if transport == nil && len(config.Peers) > 0 {
		return nil, errors.New("invalid replication config: a transport is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:    config,
		transport: transport,
		logger:    logging.OrNop(config.Logger),
		jobs:      make(chan job, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < config.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m, nil
}

// SetClock sets the clock whose time travels with every replica
func (m *Manager) SetClock(clock *hlc.Clock) {
	m.clock = clock
}

func (m *Manager) SetMetrics(metrics MetricsCollector) {
	m.metrics = metrics
}

// Replicate queues one push of data per peer and returns without waiting for any of them. It returns the number of
// jobs that were queued; jobs that do not fit in the queue are dropped.
func (m *Manager) Replicate(fileID, chunkID string, data []byte) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.stopped {
		return 0, ErrStopped
	}

	queued := 0
	for _, peer := range m.config.Peers {
		select {
		case m.jobs <- job{peer: peer, fileID: fileID, chunkID: chunkID, data: data}:
			queued++
		default:
			m.logger.Warnf("[REPLICATION] Queue full, dropping %s/%s for %s", fileID, chunkID, peer)
			if m.metrics != nil {
				m.metrics.RecordReplicationDropped()
			}
		}
	}
	return queued, nil
}

// Stop stops accepting jobs, lets the workers drain the queue, and waits for them. ctx bounds the wait; when it
// expires in-flight calls are cancelled and the remaining jobs are abandoned.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.jobs)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()

	for j := range m.jobs {
		if m.ctx.Err() != nil {
			continue
		}
		m.push(j)
	}
}

func (m *Manager) push(j job) {
	req := &rpcpb.ReplicateChunkRequest{
		ChunkKey: rpcpb.ChunkKey{FileId: j.fileID, ChunkId: j.chunkID},
		Data:     j.data,
		From:     m.config.NodeID,
	}
	if m.clock != nil {
		req.Stamp = m.clock.Now()
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := m.transport.ReplicateChunk(ctx, j.peer, req)
	if err != nil {
		m.logger.Warnf("[REPLICATION] Failed to replicate %s/%s to %s: %v", j.fileID, j.chunkID, j.peer, err)
		if m.metrics != nil {
			m.metrics.RecordReplication(false)
		}
		return
	}

	if m.clock != nil && resp != nil && !resp.Stamp.IsZero() {
		m.clock.Update(resp.Stamp)
	}
	if m.metrics != nil {
		m.metrics.RecordReplication(true)
	}
	m.logger.Debugf("[REPLICATION] Replicated %s/%s (%d bytes) to %s in %v", j.fileID, j.chunkID, len(j.data), j.peer,
		time.Since(start))
}
