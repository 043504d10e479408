package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"raftdfs/internal/logging"
	"raftdfs/internal/rpcpb"

	"github.com/stretchr/testify/assert"
)

type fakeRoleQuerier struct {
	down map[string]bool
}

func (f *fakeRoleQuerier) GetRole(ctx context.Context, peer string) (*rpcpb.GetRoleResponse, error) {
	if f.down[peer] {
		return nil, errors.New("connection refused")
	}
	return &rpcpb.GetRoleResponse{}, nil
}

type recordingDetector struct {
	mu    sync.Mutex
	heard map[string]int
}

func (r *recordingDetector) Heartbeat(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heard[peerID]++
}

func (r *recordingDetector) count(peerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heard[peerID]
}

func TestLivenessPinger_HeartbeatsReachablePeers(t *testing.T) {
	d := &recordingDetector{heard: make(map[string]int)}
	client := &fakeRoleQuerier{down: map[string]bool{"node-3": true}}
	lp := newLivenessPinger([]string{"node-2", "node-3"}, client, d, 10*time.Millisecond, 10*time.Millisecond,
		logging.Nop())

	lp.Start()
	defer lp.Stop()

	assert.Eventually(t, func() bool { return d.count("node-2") >= 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, d.count("node-3"))
}

func TestLivenessPinger_StopHaltsPings(t *testing.T) {
	d := &recordingDetector{heard: make(map[string]int)}
	lp := newLivenessPinger([]string{"node-2"}, &fakeRoleQuerier{}, d, 10*time.Millisecond, 10*time.Millisecond,
		logging.Nop())

	lp.Start()
	assert.Eventually(t, func() bool { return d.count("node-2") > 0 }, time.Second, 5*time.Millisecond)
	lp.Stop()
	lp.Stop()

	seen := d.count("node-2")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, d.count("node-2"))
}

func TestLivenessPinger_NoPeersStartsNothing(t *testing.T) {
	d := &recordingDetector{heard: make(map[string]int)}
	lp := newLivenessPinger(nil, &fakeRoleQuerier{}, d, 10*time.Millisecond, 10*time.Millisecond, logging.Nop())

	lp.Start()
	lp.Stop()
	assert.Empty(t, d.heard)
}
