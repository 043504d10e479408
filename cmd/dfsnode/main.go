package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"raftdfs/internal/config"
	"raftdfs/internal/logging"
	"raftdfs/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	id := flag.String("id", "", "Node ID (defaults to a random UUID)")
	listen := flag.String("listen", "", "gRPC listen address, e.g. 127.0.0.1:50051")
	httpAddr := flag.String("http", "", "HTTP gateway address, e.g. 127.0.0.1:8080")
	dataDir := flag.String("data", "", "Directory for the chunk database (in-memory when empty)")
	peers := flag.String("peers", "", "Comma separated peers, each id=host:port")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags override the file
	if *id != "" {
		cfg.NodeID = *id
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *peers != "" {
		parsed, err := config.ParsePeers(*peers)
		if err != nil {
			log.Fatalf("Invalid -peers: %v", err)
		}
		cfg.Peers = parsed
	}
	if *verbose {
		cfg.Verbose = true
	}
	cfg.EnsureNodeID()

	logger := logging.NewStdLogger(fmt.Sprintf("[NODE-%s]", cfg.NodeID), cfg.Verbose)
	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	if err := srv.StartServer(); err != nil {
		log.Fatalf("Node %s failed to boot due to err: %v", cfg.NodeID, err)
	}

	// Create context that listens for the interrupt signal from the OS.
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-signalCtx.Done()

	log.Println("Shutting down gracefully, press Ctrl+C again to force")
	stop() // A second Ctrl+C now terminates the process immediately

	// In-flight requests and queued replication get 5 seconds to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.GracefulShutdown(shutdownCtx); err != nil {
		// GracefulShutdown already cut off whatever was still running when the deadline passed
		log.Printf("Graceful shutdown incomplete: %v", err)
	}
	log.Println("Node exiting")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return config.Load(path)
}
