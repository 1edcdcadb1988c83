package modem

import "sync"

// ring is the bounded receive buffer between the receiver goroutine and
// the scanner. When full, incoming bytes are dropped and the overflow flag
// is raised until the scanner takes it.
type ring struct {
	mu       sync.Mutex
	buf      []byte
	head     int // read index
	size     int // bytes stored
	overflow bool
	changed  chan struct{}
	space    chan struct{}
}

func newRing(capacity int) *ring {
	return &ring{
		buf:     make([]byte, capacity),
		changed: make(chan struct{}),
		space:   make(chan struct{}),
	}
}

// Write stores as much of p as fits and returns the stored count.
func (r *ring) Write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(len(p), len(r.buf)-r.size)
	tail := (r.head + r.size) % len(r.buf)
	for i := 0; i < n; {
		c := copy(r.buf[tail:], p[i:n])
		i += c
		tail = (tail + c) % len(r.buf)
	}
	r.size += n
	if n < len(p) {
		r.overflow = true
	}

	if len(p) > 0 {
		close(r.changed)
		r.changed = make(chan struct{})
	}
	return n
}

// Read moves up to len(p) bytes out of the ring.
func (r *ring) Read(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(len(p), r.size)
	for i := 0; i < n; {
		end := min(r.head+n-i, len(r.buf))
		c := copy(p[i:], r.buf[r.head:end])
		i += c
		r.head = (r.head + c) % len(r.buf)
	}
	r.size -= n
	if r.size == 0 {
		r.head = 0
	}
	if n > 0 {
		r.signalSpace()
	}
	return n
}

func (r *ring) signalSpace() {
	close(r.space)
	r.space = make(chan struct{})
}

func (r *ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *ring) Cap() int {
	return len(r.buf)
}

// Free returns the number of bytes Write can store without dropping.
func (r *ring) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf) - r.size
}

// TakeOverflow reports and clears the overflow flag.
func (r *ring) TakeOverflow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.overflow
	r.overflow = false
	return o
}

// Reset discards the content and the overflow flag.
func (r *ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.size = 0, 0
	r.overflow = false
	r.signalSpace()
}

// Changed returns a channel closed by the next Write. Take it before
// inspecting the content to avoid missing a wakeup.
func (r *ring) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// Space returns a channel closed by the next Read or Reset that frees
// room. Take it before checking Free.
func (r *ring) Space() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.space
}
