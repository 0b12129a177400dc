package router

import "sync"

// ring is a fixed-capacity FIFO buffer. Once full, each push evicts the oldest item.
// Every ring carries its own lock so writers on different rings never contend.
type ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	start int
	n     int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot copies the contents oldest first.
func (r *ring[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// fold walks the contents oldest first under the lock without copying.
func (r *ring[T]) fold(fn func(T)) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.n; i++ {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
	return r.n
}

func (r *ring[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// ringSet lazily creates one ring per key. The set lock only guards lookup and
// creation; pushes and reads take the per-ring lock.
type ringSet[T any] struct {
	mu       sync.RWMutex
	capacity int
	rings    map[string]*ring[T]
}

func newRingSet[T any](capacity int) *ringSet[T] {
	return &ringSet[T]{capacity: capacity, rings: make(map[string]*ring[T])}
}

func (s *ringSet[T]) get(key string) (*ring[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[key]
	return r, ok
}

func (s *ringSet[T]) getOrCreate(key string) *ring[T] {
	if r, ok := s.get(key); ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rings[key]; ok {
		return r
	}
	r := newRing[T](s.capacity)
	s.rings[key] = r
	return r
}
