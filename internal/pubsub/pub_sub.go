package pubsub

import (
	"log"
	"sync"
	"sync/atomic"
)

// EventType is the type of event subscribers are listening for. Each package declares its own constants.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the broker blocks until the subscriber's channel accepts the event. This guarantees delivery but a slow
	// subscriber stalls the whole bus, so it should generally be false.
	IsBlocking bool
}

// SubscriberID identifies a single subscription and is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID uint64

// Event is a generic event carrying a typed payload.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber stores a typed channel behind closures so that channels of different Event[T] types can live in the same
// registry map.
type subscriber struct {
	sendFunc   func(eventType EventType, payload any) bool
	closeFunc  func()
	Options    SubscriptionOptions
	NumDropped uint64 // atomically updated
}

type published struct {
	eventType EventType
	payload   any
}

// PubSubClient is a thread-safe publish-subscribe broker. Events are queued on a buffered channel and broadcast by a
// single goroutine, so Publish returns without waiting for subscribers.
type PubSubClient struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	registry     map[EventType]map[SubscriberID]*subscriber
	publishChan  chan published
	shuttingDown atomic.Bool
}

// Subscribe registers ch for events of eventType. The caller owns the channel and chooses its buffer size. Subscribe
// is a free function because Go methods cannot declare type parameters.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))

	sub := &subscriber{
		Options: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typedPayload, ok := payload.(T)
			if !ok {
				log.Printf("[PUBSUB] Warning: type mismatch for event %v. Expected %T, got %T", evType, *new(T), payload)
				return false
			}

			event := &Event[T]{Type: evType, Payload: typedPayload}
			if opts.IsBlocking {
				ch <- event
				return true
			}

			select {
			case ch <- event:
				return true
			default:
				// Drop rather than stall the broker on a slow subscriber
				return false
			}
		},
		closeFunc: func() {
			close(ch)
		},
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}

	delete(subscribers, id)
	sub.closeFunc()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
}

// Publish queues an event for broadcast. Events published after shutdown are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// Holding the read lock guarantees a shutdown cannot close publishChan between the check and the send.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		return
	}

	p.publishChan <- published{eventType: event.Type, payload: event.Payload}
}

// ForceShutdown stops accepting publishes and returns without waiting for queued events to drain.
func (p *PubSubClient) ForceShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown.Load() {
		return
	}
	p.shuttingDown.Store(true)
	close(p.publishChan)
}

// GracefulShutdown stops accepting publishes and blocks until every queued event has been broadcast.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown.Load() {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}

	p.shuttingDown.Store(true)
	close(p.publishChan)
	// Unlock before waiting, run() needs the read lock to drain
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.publishChan {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if sent := sub.sendFunc(msg.eventType, msg.payload); !sent && !sub.Options.IsBlocking {
				dropped := atomic.AddUint64(&sub.NumDropped, 1)
				log.Printf("[PUBSUB] Dropped event %v for subscriber %d (channel full). Total dropped: %d",
					msg.eventType, id, dropped)
			}
		}
		p.mu.RUnlock()
	}
}

func NewPubSub() *PubSubClient {
	p := &PubSubClient{
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan published, 256),
	}

	p.wg.Add(1)
	go p.run()

	return p
}
