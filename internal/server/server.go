package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"raftdfs/internal/chunk"
	"raftdfs/internal/config"
	"raftdfs/internal/detector"
	"raftdfs/internal/hlc"
	"raftdfs/internal/logging"
	"raftdfs/internal/metrics"
	"raftdfs/internal/pubsub"
	"raftdfs/internal/raft"
	"raftdfs/internal/replication"
	"raftdfs/internal/rpcpb"
	"raftdfs/internal/storage"
	"raftdfs/internal/transport"

	"google.golang.org/grpc"
)

// chunkDBName is the bbolt file inside the data directory
const chunkDBName = "chunks.db"

// Server is one storage node: the consensus node, the chunk service and everything they depend on, exposed over gRPC
// and an optional HTTP gateway.
type Server struct {
	config *config.Config
	logger logging.Logger

	pubSub     *pubsub.PubSubClient
	clock      *hlc.Clock
	metrics    *metrics.Metrics
	store      storage.ChunkStore
	transport  *transport.Transport
	node       *raft.Node
	catalog    *chunk.Catalog
	replicator *replication.Manager
	detector   *detector.Detector
	service    *chunk.Service

	grpcServer *grpc.Server
	grpcLis    net.Listener
	httpServer *http.Server
	httpLis    net.Listener

	events       *eventLoop
	liveness     *livenessPinger
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewServer builds every component of a node from config. Nothing listens until StartServer is called.
func NewServer(cfg *config.Config, logger logging.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger = logging.OrNop(logger)

	store, err := openStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		pubSub:  pubsub.NewPubSub(),
		clock:   hlc.New(),
		metrics: metrics.NewMetrics(),
		store:   store,
		catalog: chunk.NewCatalog(logger),
	}

	s.transport = transport.NewTransport(&transport.Config{
		Peers:      cfg.PeerAddrs(),
		RPCTimeout: cfg.Raft.RPCTimeout,
		Logger:     logger,
	})
	s.transport.SetMetrics(s.metrics)

	raftConfig := cfg.RaftConfig()
	raftConfig.Logger = logger
	s.node, err = raft.NewNode(raftConfig, s.transport, s.pubSub)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("failed to create consensus node: %w", err)
	}
	s.node.SetStateMachine(s.catalog)
	s.node.SetClock(s.clock)
	s.node.SetMetrics(s.metrics)

	replicationConfig := cfg.ReplicationConfig()
	replicationConfig.Logger = logger
	s.replicator, err = replication.NewManager(replicationConfig, s.transport)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("failed to create replication manager: %w", err)
	}
	s.replicator.SetClock(s.clock)
	s.replicator.SetMetrics(s.metrics)

	detectorConfig := cfg.DetectorConfig()
	detectorConfig.Logger = logger
	s.detector = detector.New(detectorConfig, s.pubSub)
	s.detector.SetMetrics(s.metrics)

	s.service = chunk.NewService(s.store, s.node, s.replicator, logger)
	s.service.SetClock(s.clock)
	s.service.SetMetrics(s.metrics)

	s.grpcServer = grpc.NewServer(
		grpc.ConnectionTimeout(30*time.Second),
		grpc.MaxRecvMsgSize(transport.MaxMessageSize),
		grpc.MaxSendMsgSize(transport.MaxMessageSize),
		grpc.UnaryInterceptor(requestIDInterceptor(logger)),
	)
	rpcpb.RegisterRaftServiceServer(s.grpcServer, &raftService{node: s.node})
	rpcpb.RegisterChunkServiceServer(s.grpcServer, &chunkService{service: s.service, node: s.node})

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// openStore opens the bbolt chunk database in dataDir, or an in-memory store when dataDir is empty
func openStore(dataDir string) (storage.ChunkStore, error) {
	if dataDir == "" {
		return storage.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dataDir, err)
	}
	store, err := storage.NewBboltStore(filepath.Join(dataDir, chunkDBName))
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk store: %w", err)
	}
	return store, nil
}

// StartServer binds the listeners and starts every background component. It returns once the node is serving.
func (s *Server) StartServer() error {
	lis, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.grpcLis = lis

	if s.config.HTTPAddr != "" {
		httpLis, err := net.Listen("tcp", s.config.HTTPAddr)
		if err != nil {
			lis.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
		}
		s.httpLis = httpLis
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Errorf("[SERVER] gRPC server stopped: %v", err)
		}
	}()

	if s.httpLis != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(s.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Errorf("[SERVER] HTTP gateway stopped: %v", err)
			}
		}()
	}

	s.events = startEventLoop(s.pubSub, s.detector, s.logger)

	// Every peer starts out alive, so one that never answers is still suspected once the timeout passes
	for _, peer := range s.config.PeerIDs() {
		s.detector.Heartbeat(peer)
	}
	s.detector.Start()
	s.liveness = newLivenessPinger(s.config.PeerIDs(), s.transport, s.detector, s.config.Detector.CheckInterval,
		s.config.Detector.CheckInterval, s.logger)
	s.liveness.Start()
	s.node.Start()

	s.logger.Infof("[SERVER] Node %s serving gRPC on %s, HTTP on %s, peers %v", s.node.ID(), s.Addr(), s.HTTPAddr(),
		s.config.PeerIDs())
	return nil
}

// Addr returns the bound gRPC address
func (s *Server) Addr() string {
	if s.grpcLis == nil {
		return s.config.ListenAddr
	}
	return s.grpcLis.Addr().String()
}

// HTTPAddr returns the bound HTTP address, or "" when the gateway is disabled
func (s *Server) HTTPAddr() string {
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

func (s *Server) Node() *raft.Node {
	return s.node
}

func (s *Server) Service() *chunk.Service {
	return s.service
}

func (s *Server) Catalog() *chunk.Catalog {
	return s.catalog
}

func (s *Server) Detector() *detector.Detector {
	return s.detector
}

// GracefulShutdown lets in-flight requests and queued replication finish within ctx, then releases every resource
func (s *Server) GracefulShutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Infof("[SERVER] Shutting down node %s gracefully", s.node.ID())

		if s.httpLis != nil {
			if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
				err = errors.Join(err, fmt.Errorf("HTTP shutdown: %w", shutdownErr))
			}
		}

		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
			err = errors.Join(err, fmt.Errorf("gRPC shutdown: %w", ctx.Err()))
		}

		s.node.Stop()
		if stopErr := s.replicator.Stop(ctx); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("replication shutdown: %w", stopErr))
		}
		s.stopBackground()
		s.pubSub.GracefulShutdown()
	})
	return err
}

// ForceShutdown drops in-flight requests and queued replication
func (s *Server) ForceShutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Infof("[SERVER] Force shutting down node %s", s.node.ID())

		if s.httpLis != nil {
			s.httpServer.Close()
		}
		s.grpcServer.Stop()
		s.node.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = s.replicator.Stop(ctx)

		s.stopBackground()
		s.pubSub.ForceShutdown()
	})
}

// stopBackground stops the components that run on their own and closes the remaining resources
func (s *Server) stopBackground() {
	if s.liveness != nil {
		s.liveness.Stop()
	}
	s.detector.Stop()
	if s.events != nil {
		s.events.stop()
	}
	s.wg.Wait()
	s.closeDependencies()
}

// abort releases what NewServer built before failing
func (s *Server) abort() {
	s.closeDependencies()
	s.pubSub.ForceShutdown()
}

func (s *Server) closeDependencies() {
	s.transport.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warnf("[SERVER] Failed to close chunk store: %v", err)
	}
}
