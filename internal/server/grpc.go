package server

import (
	"context"
	"errors"
	"time"

	"raftdfs/internal"
	"raftdfs/internal/chunk"
	"raftdfs/internal/logging"
	"raftdfs/internal/raft"
	"raftdfs/internal/rpcpb"
	"raftdfs/internal/storage"
	"raftdfs/internal/transport"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// raftService forwards consensus RPCs from peers into the node
type raftService struct {
	node *raft.Node
}

func (r *raftService) AppendEntries(ctx context.Context, req *rpcpb.AppendEntriesRequest) (*rpcpb.AppendEntriesResponse, error) {
	return r.node.AppendEntries(ctx, req)
}

func (r *raftService) RequestVote(ctx context.Context, req *rpcpb.RequestVoteRequest) (*rpcpb.RequestVoteResponse, error) {
	return r.node.RequestVote(ctx, req)
}

func (r *raftService) GetRole(context.Context, *rpcpb.GetRoleRequest) (*rpcpb.GetRoleResponse, error) {
	st := r.node.Status()
	return &rpcpb.GetRoleResponse{Role: st.Role, Term: st.Term, LeaderId: string(st.LeaderID)}, nil
}

// chunkService exposes the chunk service to clients and to replicating peers
type chunkService struct {
	service *chunk.Service
	node    *raft.Node
}

func (c *chunkService) WriteChunk(ctx context.Context, req *rpcpb.WriteChunkRequest) (*rpcpb.WriteChunkResponse, error) {
	receipt, err := c.service.StoreAndCommit(ctx, req.FileId, req.ChunkId, req.Data)
	if err != nil {
		return nil, c.toStatus(err)
	}
	return &rpcpb.WriteChunkResponse{Index: receipt.Index, Term: receipt.Term}, nil
}

func (c *chunkService) ReadChunk(_ context.Context, req *rpcpb.ReadChunkRequest) (*rpcpb.ReadChunkResponse, error) {
	data, err := c.service.ReadChunk(req.FileId, req.ChunkId)
	if err != nil {
		return nil, c.toStatus(err)
	}
	return &rpcpb.ReadChunkResponse{Data: data}, nil
}

func (c *chunkService) ReplicateChunk(_ context.Context, req *rpcpb.ReplicateChunkRequest) (*rpcpb.ReplicateChunkResponse, error) {
	stamp, err := c.service.StoreReplica(req.FileId, req.ChunkId, req.Data, req.From, req.Stamp)
	if err != nil {
		return nil, c.toStatus(err)
	}
	return &rpcpb.ReplicateChunkResponse{Stamp: stamp}, nil
}

// toStatus maps service errors to gRPC codes. A not-leader error names the known leader so clients can retry there.
func (c *chunkService) toStatus(err error) error {
	switch {
	case errors.Is(err, chunk.ErrNotLeader):
		return status.Errorf(codes.FailedPrecondition, "not the leader, leader is %q", c.node.LeaderID())
	case errors.Is(err, chunk.ErrInvalidKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, storage.ErrChunkNotFound):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// requestIDInterceptor tags every inbound call with the caller's request ID, or a fresh one, and logs its duration
func requestIDInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var id string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(transport.RequestIDHeader); len(ids) > 0 {
				id = ids[0]
			}
		}
		if id != "" {
			ctx = internal.SetRequestID(ctx, id)
		} else {
			ctx, id = internal.WithRequestID(ctx)
		}

		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debugf("[GRPC] %s failed after %v (request %s): %v", info.FullMethod, time.Since(start), id, err)
		} else {
			logger.Debugf("[GRPC] %s took %v (request %s)", info.FullMethod, time.Since(start), id)
		}
		return resp, err
	}
}
