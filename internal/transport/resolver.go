package transport

import (
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc/resolver"
)

// Scheme of the targets dialed by the transport, e.g. "dfs:///node-2"
const Scheme = "dfs"

// addressBook maps node IDs to network addresses and notifies the resolvers watching an ID when its address changes.
// Each transport owns its own book, so several nodes can live in one process with different views of the cluster.
type addressBook struct {
	mu       sync.RWMutex
	records  map[string]string
	watchers map[string]map[*idResolver]struct{}
}

func newAddressBook() *addressBook {
	return &addressBook{
		records:  make(map[string]string),
		watchers: make(map[string]map[*idResolver]struct{}),
	}
}

// set records or updates the address for id and notifies any active resolvers
func (b *addressBook) set(id, addr string) {
	b.mu.Lock()
	b.records[id] = addr
	watchers := make([]*idResolver, 0, len(b.watchers[id]))
	for w := range b.watchers[id] {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	// Notify after unlocking to avoid re-entrancy
	for _, w := range watchers {
		w.pushCurrent()
	}
}

func (b *addressBook) get(id string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.records[id]
	return addr, ok
}

func (b *addressBook) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, id)
}

// builder implements resolver.Builder over an addressBook. It is handed to each connection with grpc.WithResolvers
// rather than registered globally.
type builder struct {
	book *addressBook
}

func (builder) Scheme() string { return Scheme }

func (b builder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	// Accept "dfs:///id" or "dfs://cluster/id"
	id := strings.TrimPrefix(target.Endpoint(), "/")
	if id == "" {
		return nil, fmt.Errorf("dfs resolver: empty target endpoint: %+v", target)
	}

	r := &idResolver{id: id, cc: cc, book: b.book}
	r.subscribe()
	r.pushCurrent()
	return r, nil
}

type idResolver struct {
	id   string
	cc   resolver.ClientConn
	book *addressBook
}

func (r *idResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *idResolver) Close() {
	r.book.mu.Lock()
	defer r.book.mu.Unlock()
	if set, ok := r.book.watchers[r.id]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(r.book.watchers, r.id)
		}
	}
}

func (r *idResolver) subscribe() {
	r.book.mu.Lock()
	defer r.book.mu.Unlock()
	set := r.book.watchers[r.id]
	if set == nil {
		set = make(map[*idResolver]struct{})
		r.book.watchers[r.id] = set
	}
	set[r] = struct{}{}
}

func (r *idResolver) pushCurrent() {
	addr, ok := r.book.get(r.id)
	if !ok || addr == "" {
		// No address yet; gRPC retries once one is published
		_ = r.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}

	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: addr}},
	})
}
