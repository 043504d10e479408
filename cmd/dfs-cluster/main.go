package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"raftdfs/internal/config"
	"raftdfs/internal/logging"
	"raftdfs/internal/server"
)

func main() {
	clusterSize := flag.Int("n", 3, "Number of nodes")
	basePort := flag.Int("port", 50051, "gRPC port of the first node; node i listens on port+i")
	baseHTTPPort := flag.Int("http-port", 8080, "HTTP port of the first node; node i serves on http-port+i")
	dataDir := flag.String("data", "", "Parent directory of the per-node chunk databases (in-memory when empty)")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	configs := createClusterConfigs(*clusterSize, *basePort, *baseHTTPPort, *dataDir, *verbose)
	servers := bootCluster(configs, *verbose)

	go reportLeader(servers)

	// Create context that listens for the interrupt signal from the OS.
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Block the thread until an interrupt signal is received.
	<-signalCtx.Done()

	log.Println("Shutting down gracefully, press Ctrl+C again to force")
	stop()

	// All nodes have 5 seconds to finish the requests they are currently handling
	forceShutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Race the shutdown completion against the timeout
	select {
	case <-gracefullyShutdownCluster(forceShutdownCtx, servers):
		log.Println("All nodes shutdown gracefully")
	case <-forceShutdownCtx.Done():
		log.Println("Graceful shutdown timeout reached, forcing shutdown...")
		for _, srv := range servers {
			srv.ForceShutdown()
		}
	}
	log.Println("Cluster exiting")
}

// createClusterConfigs gives every node the full peer list of the others
func createClusterConfigs(size, basePort, baseHTTPPort int, dataDir string, verbose bool) []*config.Config {
	peers := make([]config.Peer, size)
	for i := range peers {
		peers[i] = config.Peer{
			ID:       fmt.Sprintf("node-%d", i+1),
			Addr:     fmt.Sprintf("localhost:%d", basePort+i),
			HTTPAddr: fmt.Sprintf("localhost:%d", baseHTTPPort+i),
		}
	}

	configs := make([]*config.Config, size)
	for i, self := range peers {
		cfg := config.Default()
		cfg.NodeID = self.ID
		cfg.ListenAddr = self.Addr
		cfg.HTTPAddr = self.HTTPAddr
		cfg.Verbose = verbose
		if dataDir != "" {
			cfg.DataDir = filepath.Join(dataDir, self.ID)
		}
		for j, other := range peers {
			if j != i {
				cfg.Peers = append(cfg.Peers, other)
			}
		}
		configs[i] = cfg
	}
	return configs
}

func bootCluster(configs []*config.Config, verbose bool) []*server.Server {
	servers := make([]*server.Server, 0, len(configs))
	for _, cfg := range configs {
		logger := logging.NewStdLogger(fmt.Sprintf("[NODE-%s]", cfg.NodeID), verbose)
		srv, err := server.NewServer(cfg, logger)
		if err != nil {
			log.Fatalf("Failed to create node %s: %v", cfg.NodeID, err)
		}
		if err := srv.StartServer(); err != nil {
			log.Fatalf("Node %s failed to boot due to err: %v", cfg.NodeID, err)
		}
		log.Printf("Node %s: gRPC %s, HTTP http://%s", cfg.NodeID, srv.Addr(), srv.HTTPAddr())
		servers = append(servers, srv)
	}
	log.Printf("All %d nodes are now listening", len(servers))
	return servers
}

// reportLeader logs the leader whenever it changes
func reportLeader(servers []*server.Server) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var last string
	for range ticker.C {
		for _, srv := range servers {
			if srv.Node().IsLeader() {
				if id := string(srv.Node().ID()); id != last {
					last = id
					log.Printf("Leader is %s in term %d. Try: curl -X POST --data-binary @file http://%s/files/demo/chunks/0",
						id, srv.Node().CurrentTerm(), srv.HTTPAddr())
				}
				break
			}
		}
	}
}

func gracefullyShutdownCluster(ctx context.Context, servers []*server.Server) chan struct{} {
	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *server.Server) {
			defer wg.Done()
			if err := s.GracefulShutdown(ctx); err != nil {
				log.Printf("Node %s: %v", s.Node().ID(), err)
			}
		}(srv)
	}

	// Convert the blocking WaitGroup.Wait() to a channel signal
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}
