package rpcpb

import (
	"context"

	"google.golang.org/grpc"
)

const (
	RaftServiceName = "raftdfs.RaftService"

	RaftService_AppendEntries_FullMethodName = "/raftdfs.RaftService/AppendEntries"
	RaftService_RequestVote_FullMethodName   = "/raftdfs.RaftService/RequestVote"
	RaftService_GetRole_FullMethodName       = "/raftdfs.RaftService/GetRole"
)

// RaftServiceServer is the server API for the consensus RPCs exchanged between peers.
type RaftServiceServer interface {
	AppendEntries(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error)
	RequestVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error)
	GetRole(context.Context, *GetRoleRequest) (*GetRoleResponse, error)
}

// RaftServiceClient is the client API for RaftService. Calls are sent with the raftwire content-subtype.
type RaftServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewRaftServiceClient(cc grpc.ClientConnInterface) *RaftServiceClient {
	return &RaftServiceClient{cc: cc}
}

func (c *RaftServiceClient) AppendEntries(ctx context.Context, in *AppendEntriesRequest, opts ...grpc.CallOption) (*AppendEntriesResponse, error) {
	out := new(AppendEntriesResponse)
	if err := c.cc.Invoke(ctx, RaftService_AppendEntries_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RaftServiceClient) RequestVote(ctx context.Context, in *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error) {
	out := new(RequestVoteResponse)
	if err := c.cc.Invoke(ctx, RaftService_RequestVote_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RaftServiceClient) GetRole(ctx context.Context, in *GetRoleRequest, opts ...grpc.CallOption) (*GetRoleResponse, error) {
	out := new(GetRoleResponse)
	if err := c.cc.Invoke(ctx, RaftService_GetRole_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func RegisterRaftServiceServer(s grpc.ServiceRegistrar, srv RaftServiceServer) {
	s.RegisterService(&RaftService_ServiceDesc, srv)
}

func _RaftService_AppendEntries_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServiceServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RaftService_AppendEntries_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RaftServiceServer).AppendEntries(ctx, req.(*AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _RaftService_RequestVote_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServiceServer).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RaftService_RequestVote_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RaftServiceServer).RequestVote(ctx, req.(*RequestVoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _RaftService_GetRole_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetRoleRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftServiceServer).GetRole(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RaftService_GetRole_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RaftServiceServer).GetRole(ctx, req.(*GetRoleRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var RaftService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: RaftServiceName,
	HandlerType: (*RaftServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AppendEntries", Handler: _RaftService_AppendEntries_Handler},
		{MethodName: "RequestVote", Handler: _RaftService_RequestVote_Handler},
		{MethodName: "GetRole", Handler: _RaftService_GetRole_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftdfs/raft.proto",
}
