package metrics

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// maxSamples bounds each latency series. Once full, the oldest samples are overwritten.
const maxSamples = 10000

// Metrics collects operational metrics for a node. It satisfies the MetricsCollector interfaces of the raft,
// transport, replication, chunk and detector packages.
type Metrics struct {
	// RPC counters
	appendEntriesCount atomic.Uint64
	requestVoteCount   atomic.Uint64
	heartbeatCount     atomic.Uint64

	// Consensus
	electionCount     atomic.Uint64
	commandsCommitted atomic.Uint64
	electionDuration  samples

	// Chunks
	chunkWrites       atomic.Uint64
	chunkWriteLatency samples

	// Replication fan-out
	replicationSuccesses atomic.Uint64
	replicationFailures  atomic.Uint64
	replicationDropped   atomic.Uint64

	// Failure detector
	suspicions atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordAppendEntries increments the AppendEntries RPC counter
func (m *Metrics) RecordAppendEntries() {
	m.appendEntriesCount.Add(1)
}

// RecordRequestVote increments the RequestVote RPC counter
func (m *Metrics) RecordRequestVote() {
	m.requestVoteCount.Add(1)
}

// RecordHeartbeat increments the heartbeat counter
func (m *Metrics) RecordHeartbeat() {
	m.heartbeatCount.Add(1)
}

// RecordElection records a leader election occurrence
func (m *Metrics) RecordElection() {
	m.electionCount.Add(1)
}

// RecordElectionDuration records how long a won election took
func (m *Metrics) RecordElectionDuration(duration time.Duration) {
	m.electionDuration.add(duration)
}

// RecordCommandCommitted increments the count of committed commands
func (m *Metrics) RecordCommandCommitted() {
	m.commandsCommitted.Add(1)
}

// RecordChunkWrite records a successful chunk write and its latency
func (m *Metrics) RecordChunkWrite(latency time.Duration) {
	m.chunkWrites.Add(1)
	m.chunkWriteLatency.add(latency)
}

func (m *Metrics) RecordReplication(success bool) {
	if success {
		m.replicationSuccesses.Add(1)
		return
	}
	m.replicationFailures.Add(1)
}

func (m *Metrics) RecordReplicationDropped() {
	m.replicationDropped.Add(1)
}

func (m *Metrics) RecordSuspicion() {
	m.suspicions.Add(1)
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// Report contains all collected metrics
type Report struct {
	Uptime float64 `json:"uptime_seconds"`

	AppendEntriesCount uint64 `json:"append_entries_count"`
	RequestVoteCount   uint64 `json:"request_vote_count"`
	HeartbeatCount     uint64 `json:"heartbeat_count"`

	ElectionCount     uint64       `json:"election_count"`
	ElectionStats     LatencyStats `json:"election_stats"`
	CommandsCommitted uint64       `json:"commands_committed"`
	ThroughputCmdSec  float64      `json:"throughput_cmd_per_sec"`

	ChunkWrites       uint64       `json:"chunk_writes"`
	ChunkWriteLatency LatencyStats `json:"chunk_write_latency"`

	ReplicationSuccesses uint64 `json:"replication_successes"`
	ReplicationFailures  uint64 `json:"replication_failures"`
	ReplicationDropped   uint64 `json:"replication_dropped"`

	Suspicions uint64 `json:"suspicions"`
}

// GetReport returns a point-in-time copy of every metric
func (m *Metrics) GetReport() Report {
	uptime := time.Since(m.startTime).Seconds()
	committed := m.commandsCommitted.Load()

	var throughput float64
	if uptime > 0 {
		throughput = float64(committed) / uptime
	}

	return Report{
		Uptime:               uptime,
		AppendEntriesCount:   m.appendEntriesCount.Load(),
		RequestVoteCount:     m.requestVoteCount.Load(),
		HeartbeatCount:       m.heartbeatCount.Load(),
		ElectionCount:        m.electionCount.Load(),
		ElectionStats:        m.electionDuration.stats(),
		CommandsCommitted:    committed,
		ThroughputCmdSec:     throughput,
		ChunkWrites:          m.chunkWrites.Load(),
		ChunkWriteLatency:    m.chunkWriteLatency.stats(),
		ReplicationSuccesses: m.replicationSuccesses.Load(),
		ReplicationFailures:  m.replicationFailures.Load(),
		ReplicationDropped:   m.replicationDropped.Load(),
		Suspicions:           m.suspicions.Load(),
	}
}

// samples is a bounded series of durations
type samples struct {
	mu     sync.Mutex
	values []time.Duration
	next   int
}

func (s *samples) add(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.values) < maxSamples {
		s.values = append(s.values, d)
		return
	}
	s.values[s.next] = d
	s.next = (s.next + 1) % maxSamples
}

func (s *samples) stats() LatencyStats {
	s.mu.Lock()
	latencies := slices.Clone(s.values)
	s.mu.Unlock()

	if len(latencies) == 0 {
		return LatencyStats{}
	}
	slices.Sort(latencies)

	// Convert to milliseconds
	latenciesMs := make([]float64, len(latencies))
	var sum float64
	for i, lat := range latencies {
		ms := float64(lat.Microseconds()) / 1000.0
		latenciesMs[i] = ms
		sum += ms
	}

	mean := sum / float64(len(latenciesMs))

	var variance float64
	for _, lat := range latenciesMs {
		diff := lat - mean
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(len(latenciesMs)))

	return LatencyStats{
		Count:  len(latencies),
		Min:    latenciesMs[0],
		Max:    latenciesMs[len(latenciesMs)-1],
		Mean:   mean,
		P50:    percentile(latenciesMs, 50),
		P95:    percentile(latenciesMs, 95),
		P99:    percentile(latenciesMs, 99),
		StdDev: stddev,
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
