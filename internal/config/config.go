// Package config holds the configuration of a storage node, loaded from YAML and overridden by flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"raftdfs/internal/detector"
	"raftdfs/internal/raft"
	"raftdfs/internal/replication"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds the complete node configuration.
type Config struct {
	// NodeID identifies the node in the cluster. A random one is generated when empty.
	NodeID string `yaml:"node_id"`
	// ListenAddr is the gRPC address peers and clients dial
	ListenAddr string `yaml:"listen_addr"`
	// HTTPAddr is the address of the HTTP gateway. Empty disables it.
	HTTPAddr string `yaml:"http_addr"`
	// DataDir holds the chunk database. Empty keeps chunks in memory.
	DataDir string `yaml:"data_dir"`
	// Peers are the other nodes of the cluster
	Peers []Peer `yaml:"peers"`
	// Verbose enables debug logging
	Verbose bool `yaml:"verbose"`

	Raft        RaftConfig        `yaml:"raft"`
	Detector    DetectorConfig    `yaml:"detector"`
	Replication ReplicationConfig `yaml:"replication"`
}

// Peer is another node of the cluster
type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
	// HTTPAddr is where clients are redirected when this peer leads. Optional.
	HTTPAddr string `yaml:"http_addr"`
}

// RaftConfig holds consensus timing
type RaftConfig struct {
	ElectionTimeoutMin  time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax  time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	ElectionWait        time.Duration `yaml:"election_wait"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	MaxEntriesPerAppend int           `yaml:"max_entries_per_append"`
}

// DetectorConfig holds failure detector timing
type DetectorConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// ReplicationConfig sizes the replication worker pool
type ReplicationConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Default returns a Config with sensible default values and no peers
func Default() *Config {
	r := raft.DefaultConfig()
	d := detector.DefaultConfig()
	rep := replication.DefaultConfig()

	return &Config{
		ListenAddr: "127.0.0.1:50051",
		HTTPAddr:   "127.0.0.1:8080",
		Raft: RaftConfig{
			ElectionTimeoutMin:  r.ElectionTimeoutMin,
			ElectionTimeoutMax:  r.ElectionTimeoutMax,
			HeartbeatInterval:   r.HeartbeatInterval,
			ElectionWait:        r.ElectionWait,
			RPCTimeout:          r.RPCTimeout,
			MaxEntriesPerAppend: r.MaxEntriesPerAppend,
		},
		Detector: DetectorConfig{
			Timeout:       d.Timeout,
			CheckInterval: d.CheckInterval,
		},
		Replication: ReplicationConfig{
			Workers:   rep.Workers,
			QueueSize: rep.QueueSize,
			Timeout:   rep.Timeout,
		},
	}
}

// Load reads a YAML file on top of the defaults. ${VAR} references are expanded from the environment first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults
func Parse(data []byte) (*Config, error) {
	config := Default()
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}

// EnsureNodeID fills in a node ID when none was configured. Peers given as a bare address are known by that
// address, so the node then takes its own listen address as ID to be addressable the same way. Otherwise it gets
// a random ID.
func (c *Config) EnsureNodeID() {
	if c.NodeID != "" {
		return
	}
	if c.addressKeyedPeers() {
		c.NodeID = c.ListenAddr
		return
	}
	c.NodeID = uuid.NewString()
}

func (c *Config) addressKeyedPeers() bool {
	for _, p := range c.Peers {
		if p.ID == p.Addr {
			return true
		}
	}
	return false
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node_id is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}

	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("peer %q: id and addr are required", p.ID)
		}
		if p.ID == c.NodeID {
			return fmt.Errorf("peer list must not contain the node itself (%s)", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate peer %s", p.ID)
		}
		seen[p.ID] = true
	}

	if c.Raft.ElectionTimeoutMin <= 0 || c.Raft.ElectionTimeoutMax < c.Raft.ElectionTimeoutMin {
		return fmt.Errorf("invalid election timeout range [%v, %v]", c.Raft.ElectionTimeoutMin, c.Raft.ElectionTimeoutMax)
	}
	if c.Raft.HeartbeatInterval <= 0 || c.Raft.HeartbeatInterval >= c.Raft.ElectionTimeoutMin {
		return errors.New("heartbeat_interval must be positive and less than election_timeout_min")
	}
	if c.Detector.Timeout <= 0 || c.Detector.CheckInterval <= 0 {
		return errors.New("detector timeout and check_interval must be positive")
	}
	if c.Replication.Workers <= 0 || c.Replication.QueueSize <= 0 {
		return errors.New("replication workers and queue_size must be positive")
	}
	return nil
}

// RaftConfig converts the consensus section for raft.NewNode
func (c *Config) RaftConfig() *raft.Config {
	peers := make([]raft.NodeID, 0, len(c.Peers))
	for _, p := range c.Peers {
		peers = append(peers, raft.NodeID(p.ID))
	}

	return &raft.Config{
		ID:                  raft.NodeID(c.NodeID),
		Peers:               peers,
		ElectionTimeoutMin:  c.Raft.ElectionTimeoutMin,
		ElectionTimeoutMax:  c.Raft.ElectionTimeoutMax,
		HeartbeatInterval:   c.Raft.HeartbeatInterval,
		ElectionWait:        c.Raft.ElectionWait,
		RPCTimeout:          c.Raft.RPCTimeout,
		MaxEntriesPerAppend: c.Raft.MaxEntriesPerAppend,
	}
}

// DetectorConfig converts the detector section
func (c *Config) DetectorConfig() *detector.Config {
	return &detector.Config{
		Timeout:       c.Detector.Timeout,
		CheckInterval: c.Detector.CheckInterval,
	}
}

// ReplicationConfig converts the replication section
func (c *Config) ReplicationConfig() *replication.Config {
	return &replication.Config{
		NodeID:    c.NodeID,
		Peers:     c.PeerIDs(),
		Workers:   c.Replication.Workers,
		QueueSize: c.Replication.QueueSize,
		Timeout:   c.Replication.Timeout,
	}
}

// PeerIDs returns the IDs of every peer in configuration order
func (c *Config) PeerIDs() []string {
	ids := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		ids = append(ids, p.ID)
	}
	return ids
}

// PeerAddrs maps peer IDs to their gRPC addresses
func (c *Config) PeerAddrs() map[string]string {
	addrs := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		addrs[p.ID] = p.Addr
	}
	return addrs
}

// ParsePeers parses a comma separated peer list. Each item is "id=host:port" or a bare "host:port", in which case
// the address doubles as the ID.
func ParsePeers(s string) ([]Peer, error) {
	var peers []Peer
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		id, addr, found := strings.Cut(item, "=")
		if !found {
			addr = id
		}
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, expected id=host:port", item)
		}
		peers = append(peers, Peer{ID: id, Addr: addr})
	}
	return peers, nil
}
