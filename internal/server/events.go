package server

import (
	"context"
	"sync"

	"raftdfs/internal/detector"
	"raftdfs/internal/logging"
	"raftdfs/internal/pubsub"
	"raftdfs/internal/raft"
)

// eventLoop consumes the node's bus: contact with a peer feeds the failure detector, role and liveness changes are
// logged.
type eventLoop struct {
	pubSub *pubsub.PubSubClient
	cancel context.CancelFunc
	wg     sync.WaitGroup

	contactID   pubsub.SubscriberID
	roleID      pubsub.SubscriberID
	suspectedID pubsub.SubscriberID
	recoveredID pubsub.SubscriberID
}

func startEventLoop(pubSub *pubsub.PubSubClient, d *detector.Detector, logger logging.Logger) *eventLoop {
	// Non-blocking subscriptions: a slow consumer loses events instead of stalling the consensus node
	opts := pubsub.SubscriptionOptions{IsBlocking: false}
	contacts := make(chan *pubsub.Event[raft.NodeID], 128)
	roles := make(chan *pubsub.Event[raft.RoleChange], 16)
	suspected := make(chan *pubsub.Event[string], 16)
	recovered := make(chan *pubsub.Event[string], 16)

	ctx, cancel := context.WithCancel(context.Background())
	l := &eventLoop{
		pubSub:      pubSub,
		cancel:      cancel,
		contactID:   pubsub.Subscribe(pubSub, raft.PeerContact, contacts, opts),
		roleID:      pubsub.Subscribe(pubSub, raft.RoleChanged, roles, opts),
		suspectedID: pubsub.Subscribe(pubSub, detector.PeerSuspected, suspected, opts),
		recoveredID: pubsub.Subscribe(pubSub, detector.PeerRecovered, recovered, opts),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-contacts:
				d.Heartbeat(string(e.Payload))
			case e := <-roles:
				logger.Infof("[SERVER] Role changed from %v to %v in term %d", e.Payload.From, e.Payload.To, e.Payload.Term)
			case e := <-suspected:
				logger.Warnf("[SERVER] Peer %s is suspected to have failed", e.Payload)
			case e := <-recovered:
				logger.Infof("[SERVER] Peer %s recovered", e.Payload)
			}
		}
	}()
	return l
}

// stop ends the loop and removes its subscriptions
func (l *eventLoop) stop() {
	l.cancel()
	l.wg.Wait()

	l.pubSub.Unsubscribe(raft.PeerContact, l.contactID)
	l.pubSub.Unsubscribe(raft.RoleChanged, l.roleID)
	l.pubSub.Unsubscribe(detector.PeerSuspected, l.suspectedID)
	l.pubSub.Unsubscribe(detector.PeerRecovered, l.recoveredID)
}
