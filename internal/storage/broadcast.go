package storage

import "sync"

// broadcaster wakes every subscriber after a write. Signals coalesce: a
// subscriber that has not consumed the previous wake-up sees one signal.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan struct{})}
}

func (b *broadcaster) subscribe() (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan struct{}, 1)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *broadcaster) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
