package identity

import (
	"sort"
	"sync"
)

// Broadcaster fans provider events out to OnAuthStateChange subscribers.
// Providers embed it to satisfy the subscription half of Provider.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// OnAuthStateChange registers cb. The returned function is idempotent.
func (b *Broadcaster) OnAuthStateChange(cb func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = cb

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers ev to every subscriber in registration order.
func (b *Broadcaster) Emit(ev Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	subs := make([]func(Event), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	for _, cb := range subs {
		cb(ev)
	}
}

// Subscribers returns the number of registered callbacks.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
