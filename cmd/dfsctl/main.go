package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"raftdfs/internal"
	"raftdfs/internal/rpcpb"
	"raftdfs/internal/transport"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const usage = `Usage: dfsctl [-server host:port] <command> [args]

Commands:
  put <fileId> <chunkId> <path>   Write a chunk read from path ("-" for stdin)
  get <fileId> <chunkId>          Print a chunk to stdout
  role                            Print the server's role, term and known leader
`

func main() {
	serverAddr := flag.String("server", "localhost:50051", "Server address to connect to")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	conn, err := grpc.NewClient(*serverAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(transport.MaxMessageSize),
			grpc.MaxCallSendMsgSize(transport.MaxMessageSize),
		))
	if err != nil {
		log.Fatalf("Failed to connect to server: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, requestID := internal.WithRequestID(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx, transport.RequestIDHeader, requestID)

	switch args[0] {
	case "put":
		if len(args) != 4 {
			flag.Usage()
			os.Exit(2)
		}
		err = put(ctx, rpcpb.NewChunkServiceClient(conn), args[1], args[2], args[3])
	case "get":
		if len(args) != 3 {
			flag.Usage()
			os.Exit(2)
		}
		err = get(ctx, rpcpb.NewChunkServiceClient(conn), args[1], args[2])
	case "role":
		err = role(ctx, rpcpb.NewRaftServiceClient(conn))
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		if status.Code(err) == codes.FailedPrecondition {
			log.Fatalf("%s is not the leader: %s", *serverAddr, status.Convert(err).Message())
		}
		log.Fatalf("Request %s failed: %v", requestID, err)
	}
}

func put(ctx context.Context, client *rpcpb.ChunkServiceClient, fileID, chunkID, path string) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}

	resp, err := client.WriteChunk(ctx, &rpcpb.WriteChunkRequest{
		ChunkKey: rpcpb.ChunkKey{FileId: fileID, ChunkId: chunkID},
		Data:     data,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Stored %s/%s (%d bytes) at log index %d, term %d\n", fileID, chunkID, len(data), resp.Index, resp.Term)
	return nil
}

func get(ctx context.Context, client *rpcpb.ChunkServiceClient, fileID, chunkID string) error {
	resp, err := client.ReadChunk(ctx, &rpcpb.ReadChunkRequest{ChunkKey: rpcpb.ChunkKey{FileId: fileID, ChunkId: chunkID}})
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(resp.Data)
	return err
}

func role(ctx context.Context, client *rpcpb.RaftServiceClient) error {
	resp, err := client.GetRole(ctx, &rpcpb.GetRoleRequest{})
	if err != nil {
		return err
	}
	fmt.Printf("Role:   %s\nTerm:   %d\nLeader: %s\n", resp.Role, resp.Term, resp.LeaderId)
	return nil
}
