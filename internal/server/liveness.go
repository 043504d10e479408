package server

import (
	"context"
	"sync"
	"time"

	"raftdfs/internal/logging"
	"raftdfs/internal/rpcpb"
)

// roleQuerier is the part of the transport used as a liveness ping
type roleQuerier interface {
	GetRole(ctx context.Context, peer string) (*rpcpb.GetRoleResponse, error)
}

// heartbeater records that a peer was heard from
type heartbeater interface {
	Heartbeat(peerID string)
}

// livenessPinger asks every peer for its role once per interval and reports the ones that answer to the detector.
// Consensus traffic only connects followers to the leader, so followers would otherwise never hear from each other.
type livenessPinger struct {
	peers    []string
	client   roleQuerier
	detector heartbeater
	interval time.Duration
	timeout  time.Duration
	logger   logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newLivenessPinger(peers []string, client roleQuerier, detector heartbeater, interval, timeout time.Duration,
	logger logging.Logger) *livenessPinger {
	return &livenessPinger{
		peers:    peers,
		client:   client,
		detector: detector,
		interval: interval,
		timeout:  timeout,
		logger:   logging.OrNop(logger),
		stopCh:   make(chan struct{}),
	}
}

// Start begins pinging peers in the background
func (lp *livenessPinger) Start() {
	if len(lp.peers) == 0 || lp.interval <= 0 {
		return
	}

	lp.wg.Add(1)
	go func() {
		defer lp.wg.Done()

		ticker := time.NewTicker(lp.interval)
		defer ticker.Stop()

		lp.pingAll()
		for {
			select {
			case <-ticker.C:
				lp.pingAll()
			case <-lp.stopCh:
				return
			}
		}
	}()
}

// Stop halts the pinger and waits for the pings in flight
func (lp *livenessPinger) Stop() {
	lp.stopOnce.Do(func() {
		close(lp.stopCh)
	})
	lp.wg.Wait()
}

// pingAll pings every peer concurrently and returns once each one answered or timed out
func (lp *livenessPinger) pingAll() {
	ctx, cancel := context.WithTimeout(context.Background(), lp.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, peer := range lp.peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			if _, err := lp.client.GetRole(ctx, peer); err != nil {
				lp.logger.Debugf("[LIVENESS] Ping to %s failed: %v", peer, err)
				return
			}
			lp.detector.Heartbeat(peer)
		}(peer)
	}
	wg.Wait()
}
