package rpcpb

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ChunkServiceName = "raftdfs.ChunkService"

	ChunkService_WriteChunk_FullMethodName     = "/raftdfs.ChunkService/WriteChunk"
	ChunkService_ReadChunk_FullMethodName      = "/raftdfs.ChunkService/ReadChunk"
	ChunkService_ReplicateChunk_FullMethodName = "/raftdfs.ChunkService/ReplicateChunk"
)

// ChunkServiceServer is the server API for chunk writes and reads. ReplicateChunk is the internal peer-to-peer sink
// used by replication fan-out and is never called by clients.
type ChunkServiceServer interface {
	WriteChunk(context.Context, *WriteChunkRequest) (*WriteChunkResponse, error)
	ReadChunk(context.Context, *ReadChunkRequest) (*ReadChunkResponse, error)
	ReplicateChunk(context.Context, *ReplicateChunkRequest) (*ReplicateChunkResponse, error)
}

type ChunkServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewChunkServiceClient(cc grpc.ClientConnInterface) *ChunkServiceClient {
	return &ChunkServiceClient{cc: cc}
}

func (c *ChunkServiceClient) WriteChunk(ctx context.Context, in *WriteChunkRequest, opts ...grpc.CallOption) (*WriteChunkResponse, error) {
	out := new(WriteChunkResponse)
	if err := c.cc.Invoke(ctx, ChunkService_WriteChunk_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChunkServiceClient) ReadChunk(ctx context.Context, in *ReadChunkRequest, opts ...grpc.CallOption) (*ReadChunkResponse, error) {
	out := new(ReadChunkResponse)
	if err := c.cc.Invoke(ctx, ChunkService_ReadChunk_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ChunkServiceClient) ReplicateChunk(ctx context.Context, in *ReplicateChunkRequest, opts ...grpc.CallOption) (*ReplicateChunkResponse, error) {
	out := new(ReplicateChunkResponse)
	if err := c.cc.Invoke(ctx, ChunkService_ReplicateChunk_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func RegisterChunkServiceServer(s grpc.ServiceRegistrar, srv ChunkServiceServer) {
	s.RegisterService(&ChunkService_ServiceDesc, srv)
}

func _ChunkService_WriteChunk_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WriteChunkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChunkServiceServer).WriteChunk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ChunkService_WriteChunk_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChunkServiceServer).WriteChunk(ctx, req.(*WriteChunkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ChunkService_ReadChunk_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReadChunkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChunkServiceServer).ReadChunk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ChunkService_ReadChunk_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChunkServiceServer).ReadChunk(ctx, req.(*ReadChunkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ChunkService_ReplicateChunk_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReplicateChunkRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChunkServiceServer).ReplicateChunk(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ChunkService_ReplicateChunk_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChunkServiceServer).ReplicateChunk(ctx, req.(*ReplicateChunkRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var ChunkService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ChunkServiceName,
	HandlerType: (*ChunkServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "WriteChunk", Handler: _ChunkService_WriteChunk_Handler},
		{MethodName: "ReadChunk", Handler: _ChunkService_ReadChunk_Handler},
		{MethodName: "ReplicateChunk", Handler: _ChunkService_ReplicateChunk_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftdfs/chunk.proto",
}
