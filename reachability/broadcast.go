package reachability

import "sync"

// broadcaster fans values out to subscribers. Each subscriber buffers only
// the latest value, so a slow consumer skips intermediate states but never
// misses the newest one.
type broadcaster[T any] struct {
	mu          sync.Mutex
	subscribers map[chan T]struct{}
	closed      bool
}

func newBroadcaster[T any]() *broadcaster[T] {
	return &broadcaster[T]{subscribers: make(map[chan T]struct{})}
}

func (b *broadcaster[T]) subscribe() chan T {
	ch := make(chan T, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	return ch
}

func (b *broadcaster[T]) unsubscribe(ch chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
}
