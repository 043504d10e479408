package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"raftdfs/internal"
	"raftdfs/internal/logging"
	"raftdfs/internal/raft"
	"raftdfs/internal/rpcpb"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// RequestIDHeader carries the request ID of the call that caused an outbound RPC
const RequestIDHeader = "x-request-id"

// DefaultRPCTimeout bounds consensus RPCs whose context carries no deadline of its own
const DefaultRPCTimeout = 80 * time.Millisecond

// MaxMessageSize caps gRPC messages in both directions. Chunks travel in a single message.
const MaxMessageSize = 64 << 20

// MetricsCollector is an optional interface for collecting transport metrics
type MetricsCollector interface {
	RecordAppendEntries()
	RecordRequestVote()
	RecordHeartbeat()
}

// Config configures a Transport
type Config struct {
	// Peers maps every peer's node ID to its gRPC address
	Peers map[string]string
	// RPCTimeout bounds each consensus RPC. Chunk replication is bounded by the caller's context only.
	RPCTimeout time.Duration
	Logger     logging.Logger
	// DialOptions are appended to the transport's own options, e.g. for TLS
	DialOptions []grpc.DialOption
}

// Transport reaches peers over gRPC. It keeps one client connection per peer, dialed lazily through a resolver that
// maps node IDs to addresses, so a peer can move without the connection being replaced.
type Transport struct {
	// A map to store the underlying grpc.ClientConn for each peer. It is a map[string]*grpc.ClientConn.
	// sync.Map provides thread-safe access to the map, and is optimized for read operations, reducing the overhead of
	// manual locks
	clientsConnPool *sync.Map
	book            *addressBook
	rpcTimeout      time.Duration
	dialOptions     []grpc.DialOption
	logger          logging.Logger
	// Optional metrics collector
	metrics MetricsCollector
}

func NewTransport(config *Config) *Transport {
	if config == nil {
		config = &Config{}
	}
	timeout := config.RPCTimeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}

	book := newAddressBook()
	t := &Transport{
		clientsConnPool: &sync.Map{},
		book:            book,
		rpcTimeout:      timeout,
		logger:          logging.OrNop(config.Logger),
	}
	t.dialOptions = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(builder{book: book}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxMessageSize), grpc.MaxCallSendMsgSize(MaxMessageSize)),
	}, config.DialOptions...)

	for id, addr := range config.Peers {
		if err := t.AddPeer(id, addr); err != nil {
			// Failing to set up a channel to a single node should not prevent connections to the others
			t.logger.Errorf("[TRANSPORT] %v", err)
		}
	}
	return t
}

func (t *Transport) SetMetrics(metrics MetricsCollector) {
	t.metrics = metrics
}

// AddPeer publishes the address of a peer and creates its connection if there is none yet. Calling it again for a
// known peer only updates the address.
func (t *Transport) AddPeer(peerID, peerAddr string) error {
	t.book.set(peerID, peerAddr)

	if _, ok := t.clientsConnPool.Load(peerID); ok {
		return nil
	}

	target := fmt.Sprintf("%s:///%s", Scheme, peerID) // "dfs:///node-2"
	conn, err := grpc.NewClient(target, t.dialOptions...)
	if err != nil {
		return fmt.Errorf("failed to establish gRPC channel to peer %s: %w", peerID, err)
	}

	if _, loaded := t.clientsConnPool.LoadOrStore(peerID, conn); loaded {
		conn.Close()
	}
	t.logger.Debugf("[TRANSPORT] Channel to peer %s at %s ready", peerID, peerAddr)
	return nil
}

// RemovePeer closes and removes the connection to a peer
func (t *Transport) RemovePeer(peerID string) {
	t.book.remove(peerID)
	if value, ok := t.clientsConnPool.LoadAndDelete(peerID); ok {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				t.logger.Warnf("[TRANSPORT] Failed to close connection to removed peer %s: %v", peerID, err)
			}
		}
	}
}

// PeerAddress returns the last published address of a peer
func (t *Transport) PeerAddress(peerID string) (string, bool) {
	return t.book.get(peerID)
}

// Close closes every client connection
func (t *Transport) Close() {
	// Range is a thread-safe way to iterate over a sync.Map.
	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				t.logger.Warnf("[TRANSPORT] Failed to close connection to %s: %v", key, err)
			}
		}
		t.clientsConnPool.Delete(key)
		return true
	})
	t.logger.Debugf("[TRANSPORT] All gRPC client connections closed")
}

// getClientConn retrieves the grpc.ClientConn of a peer from the connection pool
func (t *Transport) getClientConn(peerID string) (*grpc.ClientConn, error) {
	value, ok := t.clientsConnPool.Load(peerID)
	if !ok {
		return nil, fmt.Errorf("gRPC client connection not found for peer %s", peerID)
	}

	// We must type assert the value returned by Load, as it is of type `any` by default
	conn, ok := value.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid clientConn type for peer %s. Type is %T", peerID, value)
	}
	return conn, nil
}

// outgoing bounds ctx by the RPC timeout and forwards the request ID, if any
func (t *Transport) outgoing(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if id := internal.RequestID(ctx); id != "-" {
		ctx = metadata.AppendToOutgoingContext(ctx, RequestIDHeader, id)
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// RequestVote sends a single RequestVote RPC. It is not retried; a failed election is superseded by the next one.
func (t *Transport) RequestVote(ctx context.Context, peer raft.NodeID, req *rpcpb.RequestVoteRequest) (*rpcpb.RequestVoteResponse, error) {
	if t.metrics != nil {
		t.metrics.RecordRequestVote()
	}

	conn, err := t.getClientConn(string(peer))
	if err != nil {
		return nil, err
	}

	rpcCtx, cancel := t.outgoing(ctx, t.rpcTimeout)
	defer cancel()

	// The client is just a wrapper around the connection providing the RPC methods
	resp, err := rpcpb.NewRaftServiceClient(conn).RequestVote(rpcCtx, req)
	if err != nil {
		return nil, fmt.Errorf("RequestVote to %s: %w", peer, err)
	}
	return resp, nil
}

// AppendEntries sends a single AppendEntries RPC. Heartbeats are the ones carrying no entries.
func (t *Transport) AppendEntries(ctx context.Context, peer raft.NodeID, req *rpcpb.AppendEntriesRequest) (*rpcpb.AppendEntriesResponse, error) {
	if t.metrics != nil {
		if len(req.Entries) == 0 {
			t.metrics.RecordHeartbeat()
		} else {
			t.metrics.RecordAppendEntries()
		}
	}

	conn, err := t.getClientConn(string(peer))
	if err != nil {
		return nil, err
	}

	rpcCtx, cancel := t.outgoing(ctx, t.rpcTimeout)
	defer cancel()

	resp, err := rpcpb.NewRaftServiceClient(conn).AppendEntries(rpcCtx, req)
	if err != nil {
		return nil, fmt.Errorf("AppendEntries to %s: %w", peer, err)
	}
	return resp, nil
}

// GetRole asks a peer for its current role
func (t *Transport) GetRole(ctx context.Context, peer string) (*rpcpb.GetRoleResponse, error) {
	conn, err := t.getClientConn(peer)
	if err != nil {
		return nil, err
	}

	rpcCtx, cancel := t.outgoing(ctx, t.rpcTimeout)
	defer cancel()

	resp, err := rpcpb.NewRaftServiceClient(conn).GetRole(rpcCtx, &rpcpb.GetRoleRequest{})
	if err != nil {
		return nil, fmt.Errorf("GetRole from %s: %w", peer, err)
	}
	return resp, nil
}

// ReplicateChunk pushes chunk bytes to a peer's replication sink. Chunks can be large, so only ctx bounds the call.
func (t *Transport) ReplicateChunk(ctx context.Context, peer string, req *rpcpb.ReplicateChunkRequest) (*rpcpb.ReplicateChunkResponse, error) {
	conn, err := t.getClientConn(peer)
	if err != nil {
		return nil, err
	}

	rpcCtx, cancel := t.outgoing(ctx, 0)
	defer cancel()

	resp, err := rpcpb.NewChunkServiceClient(conn).ReplicateChunk(rpcCtx, req)
	if err != nil {
		return nil, fmt.Errorf("ReplicateChunk to %s: %w", peer, err)
	}
	return resp, nil
}
