package detector

import (
	"slices"
	"sync"
	"time"

	"raftdfs/internal/logging"
	"raftdfs/internal/pubsub"
)

// PeerStatus is the liveness verdict for one peer
type PeerStatus int

const (
	Alive PeerStatus = iota
	Suspected
)

func (s PeerStatus) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspected:
		return "SUSPECTED"
	default:
		return "UNKNOWN"
	}
}

// Event types published by the detector. They start well above the consensus events so that both can share one bus.
const (
	// PeerSuspected is published when a peer's last heartbeat becomes older than the timeout. Payload: peer ID.
	PeerSuspected pubsub.EventType = iota + 16
	// PeerRecovered is published when a suspected peer is heard from again. Payload: peer ID.
	PeerRecovered
)

// Config configures the failure detector
type Config struct {
	// Timeout is how long a peer may stay silent before it is suspected
	Timeout time.Duration
	// CheckInterval is the period of the background scan
	CheckInterval time.Duration
	Logger        logging.Logger
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Timeout:       5 * time.Second,
		CheckInterval: 2 * time.Second,
	}
}

// MetricsCollector is an optional interface for collecting detector metrics
type MetricsCollector interface {
	RecordSuspicion()
}

// PeerLiveness is one row of a Snapshot
type PeerLiveness struct {
	ID            string    `json:"id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        string    `json:"status"`
}

type record struct {
	lastHeartbeat time.Time
	status        PeerStatus
}

// Detector tracks when each peer was last heard from. It is advisory: it logs, counts and publishes events, and never
// acts on the cluster itself.
type Detector struct {
	config  *Config
	logger  logging.Logger
	pubSub  *pubsub.PubSubClient
	metrics MetricsCollector
	now     func() time.Time

	// map[string]*record. Each peer has its own entry so heartbeats for different peers never contend.
	peers sync.Map
	// Serializes concurrent scans
	checkMu sync.Mutex

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
}

func New(config *Config, pubSub *pubsub.PubSubClient) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	return &Detector{
		config: config,
		logger: logging.OrNop(config.Logger),
		pubSub: pubSub,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

func (d *Detector) SetMetrics(metrics MetricsCollector) {
	d.metrics = metrics
}

// Heartbeat records that peerID was heard from just now, overwriting the previous record
func (d *Detector) Heartbeat(peerID string) {
	now := d.now()

	value, loaded := d.peers.LoadOrStore(peerID, &atomicRecord{rec: record{lastHeartbeat: now}})
	if !loaded {
		d.logger.Debugf("[DETECTOR] Tracking peer %s", peerID)
		return
	}

	if previous := value.(*atomicRecord).store(now); previous == Suspected {
		d.logger.Infof("[DETECTOR] Peer %s recovered", peerID)
		d.publish(PeerRecovered, peerID)
	}
}

// Check scans every tracked peer once and suspects those whose last heartbeat is older than the timeout
func (d *Detector) Check() {
	d.checkMu.Lock()
	defer d.checkMu.Unlock()

	now := d.now()
	d.peers.Range(func(key, value any) bool {
		peerID := key.(string)
		rec := value.(*atomicRecord)

		if silence, suspected := rec.suspectIfSilent(now, d.config.Timeout); suspected {
			d.logger.Warnf("[DETECTOR] Peer %s suspected: no heartbeat for %v", peerID, silence.Round(time.Millisecond))
			if d.metrics != nil {
				d.metrics.RecordSuspicion()
			}
			d.publish(PeerSuspected, peerID)
		}
		return true
	})
}

// Start runs Check every CheckInterval until Stop
func (d *Detector) Start() {
	if d.started {
		return
	}
	d.started = true

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.config.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.Check()
			case <-d.stopCh:
				return
			}
		}
	}()
}

func (d *Detector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}

// Status returns the verdict for peerID and whether the peer is tracked at all
func (d *Detector) Status(peerID string) (PeerStatus, bool) {
	value, ok := d.peers.Load(peerID)
	if !ok {
		return Alive, false
	}
	return value.(*atomicRecord).load().status, true
}

// Suspected returns the IDs of the currently suspected peers, sorted
func (d *Detector) Suspected() []string {
	var suspected []string
	d.peers.Range(func(key, value any) bool {
		if value.(*atomicRecord).load().status == Suspected {
			suspected = append(suspected, key.(string))
		}
		return true
	})
	slices.Sort(suspected)
	return suspected
}

// Snapshot returns the liveness record of every tracked peer, sorted by ID
func (d *Detector) Snapshot() []PeerLiveness {
	var out []PeerLiveness
	d.peers.Range(func(key, value any) bool {
		rec := value.(*atomicRecord).load()
		out = append(out, PeerLiveness{
			ID:            key.(string),
			LastHeartbeat: rec.lastHeartbeat,
			Status:        rec.status.String(),
		})
		return true
	})
	slices.SortFunc(out, func(a, b PeerLiveness) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (d *Detector) publish(eventType pubsub.EventType, peerID string) {
	if d.pubSub == nil {
		return
	}
	pubsub.Publish(d.pubSub, pubsub.NewEvent(eventType, peerID))
}

// atomicRecord guards a single peer's record. Writes for the same peer are last-write-wins.
type atomicRecord struct {
	mu  sync.Mutex
	rec record
}

// store records a heartbeat at t, marks the peer alive and returns the status it had before
func (r *atomicRecord) store(t time.Time) PeerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.rec.status
	r.rec = record{lastHeartbeat: t, status: Alive}
	return previous
}

// suspectIfSilent marks the peer suspected if it has been silent for longer than timeout at now. It reports the
// silence and whether the peer went from alive to suspected.
func (r *atomicRecord) suspectIfSilent(now time.Time, timeout time.Duration) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	silence := now.Sub(r.rec.lastHeartbeat)
	if silence <= timeout || r.rec.status == Suspected {
		return silence, false
	}
	r.rec.status = Suspected
	return silence, true
}

func (r *atomicRecord) load() record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec
}
