// Package scheduler provides the long-poll claim loop and its wake broker.
// The gateway never pushes work: a worker's claim call races an immediate
// queue search against wake events broadcast on every enqueue or requeue.
package scheduler

import "sync"

// Broker fans out wake events to claim long-polls, one subscriber set per
// executor. Thread-safe.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]chan struct{}
	nextID uint64
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[uint64]chan struct{})}
}

// Subscribe registers interest in wake events for one executor. The
// returned channel carries at most one pending wake; callers re-check the
// queue on every receive. The unsubscribe func must be called exactly once.
func (b *Broker) Subscribe(executor string) (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan struct{}, 1)
	id := b.nextID
	b.nextID++
	set, ok := b.subs[executor]
	if !ok {
		set = make(map[uint64]chan struct{})
		b.subs[executor] = set
	}
	set[id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[executor]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.subs, executor)
			}
		}
	}
	return ch, unsub
}

// Wake notifies every subscriber for the executor. A subscriber with a wake
// already pending is not queued a second one; the claim loop re-checks the
// whole queue per wake anyway.
func (b *Broker) Wake(executor string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[executor] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
