package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"raftdfs/internal/raft"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	c.EnsureNodeID()

	assert.NotEmpty(t, c.NodeID)
	assert.Equal(t, 300*time.Millisecond, c.Raft.ElectionTimeoutMin)
	assert.Equal(t, 600*time.Millisecond, c.Raft.ElectionTimeoutMax)
	assert.Equal(t, 5*time.Second, c.Detector.Timeout)
	assert.Equal(t, 2*time.Second, c.Detector.CheckInterval)
	assert.NoError(t, c.Validate())
}

func TestEnsureNodeID_KeepsConfiguredID(t *testing.T) {
	c := Default()
	c.NodeID = "node-1"
	c.EnsureNodeID()
	assert.Equal(t, "node-1", c.NodeID)
}

func TestEnsureNodeID_AddressKeyedPeers(t *testing.T) {
	peers, err := ParsePeers("127.0.0.1:6002,127.0.0.1:6003")
	require.NoError(t, err)

	c := Default()
	c.ListenAddr = "127.0.0.1:6001"
	c.Peers = peers
	c.EnsureNodeID()

	// Peers know this node by its address, so a leader named this way can be located by them
	assert.Equal(t, "127.0.0.1:6001", c.NodeID)
	assert.NoError(t, c.Validate())
}

func TestEnsureNodeID_NamedPeersGetRandomID(t *testing.T) {
	peers, err := ParsePeers("node-2=127.0.0.1:6002")
	require.NoError(t, err)

	c := Default()
	c.ListenAddr = "127.0.0.1:6001"
	c.Peers = peers
	c.EnsureNodeID()

	assert.NotEmpty(t, c.NodeID)
	assert.NotEqual(t, c.ListenAddr, c.NodeID)
}

func TestParse(t *testing.T) {
	data := []byte(`
node_id: node-1
listen_addr: 127.0.0.1:6001
http_addr: ""
data_dir: /tmp/dfs
peers:
  - id: node-2
    addr: 127.0.0.1:6002
    http_addr: 127.0.0.1:8082
  - id: node-3
    addr: 127.0.0.1:6003
raft:
  election_timeout_min: 150ms
  election_timeout_max: 300ms
  heartbeat_interval: 50ms
detector:
  timeout: 3s
replication:
  workers: 8
`)

	c, err := Parse(data)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "node-1", c.NodeID)
	assert.Empty(t, c.HTTPAddr)
	assert.Equal(t, "/tmp/dfs", c.DataDir)
	require.Len(t, c.Peers, 2)
	assert.Equal(t, Peer{ID: "node-2", Addr: "127.0.0.1:6002", HTTPAddr: "127.0.0.1:8082"}, c.Peers[0])

	assert.Equal(t, 150*time.Millisecond, c.Raft.ElectionTimeoutMin)
	assert.Equal(t, 50*time.Millisecond, c.Raft.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, c.Detector.Timeout)
	assert.Equal(t, 8, c.Replication.Workers)

	// Unset values keep their defaults
	assert.Equal(t, 250*time.Millisecond, c.Raft.ElectionWait)
	assert.Equal(t, 2*time.Second, c.Detector.CheckInterval)
	assert.Equal(t, 256, c.Replication.QueueSize)
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("DFS_NODE_ID", "from-env")
	c, err := Parse([]byte("node_id: ${DFS_NODE_ID}\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.NodeID)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("raft: [unclosed"))
	assert.Error(t, err)

	_, err = Parse([]byte("raft:\n  heartbeat_interval: soon\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: node-7\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-7", c.NodeID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.NodeID = "node-1"
		c.Peers = []Peer{{ID: "node-2", Addr: "127.0.0.1:6002"}}
		return c
	}

	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"missing node id", func(c *Config) { c.NodeID = "" }},
		{"missing listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"self in peers", func(c *Config) { c.Peers = append(c.Peers, Peer{ID: "node-1", Addr: "x:1"}) }},
		{"duplicate peer", func(c *Config) { c.Peers = append(c.Peers, Peer{ID: "node-2", Addr: "x:1"}) }},
		{"peer without addr", func(c *Config) { c.Peers = []Peer{{ID: "node-2"}} }},
		{"inverted timeout range", func(c *Config) { c.Raft.ElectionTimeoutMax = c.Raft.ElectionTimeoutMin / 2 }},
		{"heartbeat too slow", func(c *Config) { c.Raft.HeartbeatInterval = c.Raft.ElectionTimeoutMin }},
		{"no detector timeout", func(c *Config) { c.Detector.Timeout = 0 }},
		{"no workers", func(c *Config) { c.Replication.Workers = 0 }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers("node-2=127.0.0.1:6002, 127.0.0.1:6003,,")
	require.NoError(t, err)
	assert.Equal(t, []Peer{
		{ID: "node-2", Addr: "127.0.0.1:6002"},
		{ID: "127.0.0.1:6003", Addr: "127.0.0.1:6003"},
	}, peers)

	peers, err = ParsePeers("")
	require.NoError(t, err)
	assert.Empty(t, peers)

	_, err = ParsePeers("node-2=")
	assert.Error(t, err)
}

func TestComponentConfigs(t *testing.T) {
	c := Default()
	c.NodeID = "node-1"
	c.Peers = []Peer{{ID: "node-2", Addr: "a:1"}, {ID: "node-3", Addr: "b:1"}}

	rc := c.RaftConfig()
	assert.Equal(t, raft.NodeID("node-1"), rc.ID)
	assert.Equal(t, []raft.NodeID{"node-2", "node-3"}, rc.Peers)
	assert.Equal(t, c.Raft.HeartbeatInterval, rc.HeartbeatInterval)

	rep := c.ReplicationConfig()
	assert.Equal(t, "node-1", rep.NodeID)
	assert.Equal(t, []string{"node-2", "node-3"}, rep.Peers)

	assert.Equal(t, c.Detector.Timeout, c.DetectorConfig().Timeout)
	assert.Equal(t, map[string]string{"node-2": "a:1", "node-3": "b:1"}, c.PeerAddrs())
}
