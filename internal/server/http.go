package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"raftdfs/internal"
	"raftdfs/internal/chunk"
	"raftdfs/internal/detector"
	"raftdfs/internal/metrics"
	"raftdfs/internal/raft"
	"raftdfs/internal/storage"
	"raftdfs/internal/transport"
)

// LeaderHeader names the known leader on a redirect
const LeaderHeader = "X-Raft-Leader"

// maxChunkSize leaves headroom below the gRPC message cap for the replication envelope
const maxChunkSize = transport.MaxMessageSize - 1<<20

// FileListing is the body of GET /files/{fileId}
type FileListing struct {
	FileID string `json:"file_id"`
	// Chunks are the writes the cluster has committed
	Chunks []chunk.ChunkInfo `json:"chunks"`
	// Local are the chunk IDs whose bytes are stored on this node
	Local []string `json:"local"`
}

// NodeStatus is the body of GET /status
type NodeStatus struct {
	Raft      raft.Status             `json:"raft"`
	Peers     []detector.PeerLiveness `json:"peers"`
	Suspected []string                `json:"suspected"`
	Metrics   metrics.Report          `json:"metrics"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /files/{fileId}/chunks/{chunkId}", s.handleWriteChunk)
	mux.HandleFunc("GET /files/{fileId}/chunks/{chunkId}", s.handleReadChunk)
	mux.HandleFunc("GET /files/{fileId}", s.handleListFile)
	mux.HandleFunc("GET /raft/role", s.handleRole)
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

func (s *Server) handleWriteChunk(w http.ResponseWriter, r *http.Request) {
	ctx, id := internal.WithRequestID(r.Context())
	fileID, chunkID := r.PathValue("fileId"), r.PathValue("chunkId")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("chunk exceeds %d bytes", maxChunkSize), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	receipt, err := s.service.StoreAndCommit(ctx, fileID, chunkID, data)
	switch {
	case err == nil:
		w.Header().Set("X-Raft-Index", fmt.Sprint(receipt.Index))
		w.Header().Set("X-Raft-Term", fmt.Sprint(receipt.Term))
		fmt.Fprint(w, "OK")
	case errors.Is(err, chunk.ErrNotLeader):
		s.redirectToLeader(w, r)
	case errors.Is(err, chunk.ErrInvalidKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Errorf("[HTTP] Write of %s/%s failed (request %s): %v", fileID, chunkID, id, err)
		http.Error(w, "Failed to save chunk: "+err.Error(), http.StatusInternalServerError)
	}
}

// redirectToLeader answers 307. Location is set when the leader's HTTP address is known.
func (s *Server) redirectToLeader(w http.ResponseWriter, r *http.Request) {
	leader := s.node.LeaderID()
	if leader != "" {
		w.Header().Set(LeaderHeader, string(leader))
		for _, p := range s.config.Peers {
			if p.ID == string(leader) && p.HTTPAddr != "" {
				w.Header().Set("Location", "http://"+p.HTTPAddr+r.URL.RequestURI())
				break
			}
		}
	}
	http.Error(w, "Not leader", http.StatusTemporaryRedirect)
}

func (s *Server) handleReadChunk(w http.ResponseWriter, r *http.Request) {
	fileID, chunkID := r.PathValue("fileId"), r.PathValue("chunkId")

	data, err := s.service.ReadChunk(fileID, chunkID)
	if err != nil {
		if errors.Is(err, storage.ErrChunkNotFound) {
			http.Error(w, "Chunk not found", http.StatusNotFound)
			return
		}
		s.logger.Errorf("[HTTP] Read of %s/%s failed: %v", fileID, chunkID, err)
		http.Error(w, "Failed to read chunk", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleListFile(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("fileId")

	local, err := s.service.ListLocal(fileID)
	if err != nil {
		s.logger.Errorf("[HTTP] Listing of %s failed: %v", fileID, err)
		http.Error(w, "Failed to list chunks", http.StatusInternalServerError)
		return
	}

	listing := FileListing{
		FileID: fileID,
		Chunks: s.catalog.Chunks(fileID),
		Local:  local,
	}
	if listing.Chunks == nil {
		listing.Chunks = []chunk.ChunkInfo{}
	}
	if listing.Local == nil {
		listing.Local = []string{}
	}
	writeJSON(w, listing)
}

func (s *Server) handleRole(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, s.node.Role().String())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, NodeStatus{
		Raft:      s.node.Status(),
		Peers:     s.detector.Snapshot(),
		Suspected: s.detector.Suspected(),
		Metrics:   s.metrics.GetReport(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
