package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"raftdfs/internal"
	"raftdfs/internal/chunk"
	"raftdfs/internal/config"
	"raftdfs/internal/logging"
	"raftdfs/internal/rpcpb"
	"raftdfs/internal/storage"
	"raftdfs/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func testConfig(id string) *config.Config {
	c := config.Default()
	c.NodeID = id
	c.ListenAddr = "127.0.0.1:0"
	c.HTTPAddr = "127.0.0.1:0"
	c.Raft.ElectionTimeoutMin = 150 * time.Millisecond
	c.Raft.ElectionTimeoutMax = 300 * time.Millisecond
	c.Raft.HeartbeatInterval = 30 * time.Millisecond
	c.Raft.ElectionWait = 100 * time.Millisecond
	c.Raft.RPCTimeout = 100 * time.Millisecond
	return c
}

func startServer(t *testing.T, c *config.Config) *Server {
	t.Helper()
	s, err := NewServer(c, nil)
	require.NoError(t, err)
	require.NoError(t, s.StartServer())
	t.Cleanup(s.ForceShutdown)
	return s
}

// reserveAddr returns a free local address. The port is released again before the caller binds it.
func reserveAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func dial(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForLeader(t *testing.T, servers ...*Server) *Server {
	t.Helper()
	var leader *Server
	require.Eventually(t, func() bool {
		leader = nil
		for _, s := range servers {
			if s.Node().IsLeader() {
				if leader != nil {
					return false
				}
				leader = s
			}
		}
		if leader == nil {
			return false
		}
		for _, s := range servers {
			if s != leader && s.Node().LeaderID() != leader.Node().ID() {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond, "no leader elected")
	return leader
}

func TestNewServer_RejectsInvalidConfig(t *testing.T) {
	c := testConfig("")
	_, err := NewServer(c, nil)
	assert.Error(t, err)
}

func TestNewServer_OpensBboltStoreInDataDir(t *testing.T) {
	c := testConfig("node-1")
	c.DataDir = filepath.Join(t.TempDir(), "data")

	s, err := NewServer(c, nil)
	require.NoError(t, err)
	defer s.ForceShutdown()

	_, err = os.Stat(filepath.Join(c.DataDir, chunkDBName))
	assert.NoError(t, err)
}

func TestSingleNode_HTTPGateway(t *testing.T) {
	s := startServer(t, testConfig("node-1"))
	waitForLeader(t, s)
	base := "http://" + s.HTTPAddr()

	resp, err := http.Post(base+"/files/report/chunks/0", "application/octet-stream", strings.NewReader("hello"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
	assert.Equal(t, "1", resp.Header.Get("X-Raft-Index"))

	resp, err = http.Get(base + "/files/report/chunks/0")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))

	resp, err = http.Get(base + "/files/report/chunks/9")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(base+"/files/a:b/chunks/0", "application/octet-stream", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Eventually(t, func() bool {
		resp, err := http.Get(base + "/files/report")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var listing FileListing
		if json.NewDecoder(resp.Body).Decode(&listing) != nil {
			return false
		}
		return len(listing.Chunks) == 1 && listing.Chunks[0].Size == 5 && len(listing.Local) == 1
	}, 5*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/raft/role")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "LEADER", string(body))

	resp, err = http.Get(base + "/status")
	require.NoError(t, err)
	var st NodeStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, "LEADER", st.Raft.Role)
	assert.Equal(t, uint64(1), st.Metrics.ChunkWrites)
}

func TestSingleNode_GRPC(t *testing.T) {
	s := startServer(t, testConfig("node-1"))
	waitForLeader(t, s)

	conn := dial(t, s.Addr())
	chunks := rpcpb.NewChunkServiceClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := bytes.Repeat([]byte{0xAB}, 8<<20)
	wr, err := chunks.WriteChunk(ctx, &rpcpb.WriteChunkRequest{ChunkKey: rpcpb.ChunkKey{FileId: "big", ChunkId: "0"}, Data: data},
		grpc.MaxCallSendMsgSize(transport.MaxMessageSize))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), wr.Index)

	rd, err := chunks.ReadChunk(ctx, &rpcpb.ReadChunkRequest{ChunkKey: rpcpb.ChunkKey{FileId: "big", ChunkId: "0"}},
		grpc.MaxCallRecvMsgSize(transport.MaxMessageSize))
	require.NoError(t, err)
	assert.Equal(t, data, rd.Data)

	_, err = chunks.ReadChunk(ctx, &rpcpb.ReadChunkRequest{ChunkKey: rpcpb.ChunkKey{FileId: "big", ChunkId: "1"}})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = chunks.WriteChunk(ctx, &rpcpb.WriteChunkRequest{ChunkKey: rpcpb.ChunkKey{FileId: "", ChunkId: "0"}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	role, err := rpcpb.NewRaftServiceClient(conn).GetRole(ctx, &rpcpb.GetRoleRequest{})
	require.NoError(t, err)
	assert.Equal(t, "LEADER", role.Role)
	assert.Equal(t, "node-1", role.LeaderId)
}

func TestCluster_WritesReplicateToFollowers(t *testing.T) {
	ids := []string{"node-1", "node-2", "node-3"}
	grpcAddrs := make(map[string]string)
	httpAddrs := make(map[string]string)
	for _, id := range ids {
		grpcAddrs[id] = reserveAddr(t)
		httpAddrs[id] = reserveAddr(t)
	}

	var servers []*Server
	for _, id := range ids {
		c := testConfig(id)
		c.ListenAddr = grpcAddrs[id]
		c.HTTPAddr = httpAddrs[id]
		c.Detector.Timeout = 400 * time.Millisecond
		c.Detector.CheckInterval = 50 * time.Millisecond
		for _, other := range ids {
			if other != id {
				c.Peers = append(c.Peers, config.Peer{ID: other, Addr: grpcAddrs[other], HTTPAddr: httpAddrs[other]})
			}
		}
		servers = append(servers, startServer(t, c))
	}

	leader := waitForLeader(t, servers...)
	var follower *Server
	for _, s := range servers {
		if s != leader {
			follower = s
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Followers refuse writes and name the leader
	_, err := rpcpb.NewChunkServiceClient(dial(t, follower.Addr())).WriteChunk(ctx, &rpcpb.WriteChunkRequest{
		ChunkKey: rpcpb.ChunkKey{FileId: "f", ChunkId: "0"}, Data: []byte("x"),
	})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), string(leader.Node().ID()))
	ok, err := follower.Service().HasChunk("f", "0")
	require.NoError(t, err)
	assert.False(t, ok)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Post("http://"+follower.HTTPAddr()+"/files/f/chunks/0", "application/octet-stream",
		strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, string(leader.Node().ID()), resp.Header.Get(LeaderHeader))
	assert.Equal(t, "http://"+httpAddrs[string(leader.Node().ID())]+"/files/f/chunks/0", resp.Header.Get("Location"))

	// The leader accepts, and every node ends up with the bytes and the committed record
	for i := range 3 {
		_, err := rpcpb.NewChunkServiceClient(dial(t, leader.Addr())).WriteChunk(ctx, &rpcpb.WriteChunkRequest{
			ChunkKey: rpcpb.ChunkKey{FileId: "f", ChunkId: fmt.Sprint(i)}, Data: []byte(fmt.Sprintf("chunk-%d", i)),
		})
		require.NoError(t, err)
	}

	for _, s := range servers {
		assert.Eventually(t, func() bool {
			data, err := s.Service().ReadChunk("f", "2")
			return err == nil && string(data) == "chunk-2" && len(s.Catalog().Chunks("f")) == 3
		}, 5*time.Second, 20*time.Millisecond, "node %s did not converge", s.Node().ID())
	}

	// Followers only hear from each other through the liveness pings, so outliving the detector timeout shows
	// they reach every peer too
	time.Sleep(1 * time.Second)
	for _, s := range servers {
		assert.Empty(t, s.Detector().Suspected(), "node %s suspects a live peer", s.Node().ID())
	}
}

func TestToStatus(t *testing.T) {
	s := startServer(t, testConfig("node-1"))
	c := &chunkService{service: s.Service(), node: s.Node()}

	tests := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("wrapped: %w", chunk.ErrNotLeader), codes.FailedPrecondition},
		{chunk.ErrInvalidKey, codes.InvalidArgument},
		{storage.ErrChunkNotFound, codes.NotFound},
		{chunk.ErrProposalRejected, codes.Internal},
		{io.ErrUnexpectedEOF, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, status.Code(c.toStatus(tt.err)), tt.err.Error())
	}
}

func TestRequestIDInterceptor(t *testing.T) {
	interceptor := requestIDInterceptor(logging.Nop())
	info := &grpc.UnaryServerInfo{FullMethod: "/raftdfs.RaftService/GetRole"}

	var seen string
	handler := func(ctx context.Context, _ any) (any, error) {
		seen = internal.RequestID(ctx)
		return nil, nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(transport.RequestIDHeader, "req-42"))
	_, err := interceptor(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "req-42", seen)

	_, err = interceptor(context.Background(), nil, info, handler)
	require.NoError(t, err)
	assert.NotEqual(t, "-", seen)
	assert.NotEqual(t, "req-42", seen)
}

func TestGracefulShutdown(t *testing.T) {
	s, err := NewServer(testConfig("node-1"), nil)
	require.NoError(t, err)
	require.NoError(t, s.StartServer())
	addr := s.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.GracefulShutdown(ctx))
	require.NoError(t, s.GracefulShutdown(ctx))
	s.ForceShutdown()

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}
