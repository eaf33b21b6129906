package tether

import (
	"fmt"
	"sync"
)

// subscriptionGuard keeps at most one active realtime subscription per
// logical topic key. Subscribe is idempotent under re-entrant calls;
// unsubscribe when not subscribed is a safe no-op. Keys are independent,
// so tearing down one thread's channel never touches the directory's.
type subscriptionGuard struct {
	mu     sync.Mutex
	active map[string]func()
}

func newSubscriptionGuard() *subscriptionGuard {
	return &subscriptionGuard{active: make(map[string]func())}
}

// subscribe opens a channel for key unless one is already active. The open
// callback runs outside the registry lock and returns the teardown func.
func (g *subscriptionGuard) subscribe(key string, open func() (func(), error)) error {
	g.mu.Lock()
	if _, ok := g.active[key]; ok {
		g.mu.Unlock()
		return nil
	}
	// Reserve the key before opening so a re-entrant call sees it active.
	g.active[key] = func() {}
	g.mu.Unlock()

	stop, err := open()
	if err != nil {
		g.mu.Lock()
		delete(g.active, key)
		g.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", key, err)
	}

	g.mu.Lock()
	g.active[key] = stop
	g.mu.Unlock()
	return nil
}

// unsubscribe tears down the channel for key, if any.
func (g *subscriptionGuard) unsubscribe(key string) {
	g.mu.Lock()
	stop, ok := g.active[key]
	if ok {
		delete(g.active, key)
	}
	g.mu.Unlock()
	if ok {
		stop()
	}
}

// subscribed reports whether a channel is active for key.
func (g *subscriptionGuard) subscribed(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[key]
	return ok
}

// closeAll tears down every active channel.
func (g *subscriptionGuard) closeAll() {
	g.mu.Lock()
	stops := make([]func(), 0, len(g.active))
	for k, stop := range g.active {
		stops = append(stops, stop)
		delete(g.active, k)
	}
	g.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}
