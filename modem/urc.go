package modem

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"i4.energy/across/atlink/at"
)

// URC is one unsolicited result code line.
type URC struct {
	// Prefix is the registered prefix the line matched.
	Prefix string
	// Payload holds the bytes following the prefix, leading spaces removed.
	Payload []byte

	delim byte
}

// Decoder returns a field reader over the payload.
func (u URC) Decoder() *at.Decoder {
	return at.NewDecoder(u.Payload, u.delim)
}

// URCHandler receives URCs on the dispatcher goroutine. Handlers run one
// at a time and may lock the client to issue commands.
type URCHandler interface {
	HandleURC(URC)
}

// URCHandlerFunc adapts a function to URCHandler.
type URCHandlerFunc func(URC)

func (f URCHandlerFunc) HandleURC(u URC) {
	f(u)
}

type urcEntry struct {
	prefix        string
	handler       URCHandler
	maxParamBytes int
}

// urcRegistry keeps registrations in insertion order; the first matching
// prefix wins.
type urcRegistry struct {
	mu      sync.RWMutex
	entries []urcEntry
}

func (r *urcRegistry) add(e urcEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.entries {
		if have.prefix == e.prefix {
			return ErrURCExists
		}
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *urcRegistry) remove(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, have := range r.entries {
		if have.prefix == prefix {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *urcRegistry) match(line string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if strings.HasPrefix(line, e.prefix) {
			return e.prefix, true
		}
	}
	return "", false
}

func (r *urcRegistry) lookup(prefix string) (urcEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.prefix == prefix {
			return e, true
		}
	}
	return urcEntry{}, false
}

// dispatcher runs URC handlers serially from a bounded queue. A push onto
// a full queue evicts the oldest pending URC.
type dispatcher struct {
	registry *urcRegistry
	log      *zap.Logger
	metrics  *Metrics

	mu     sync.Mutex
	queue  []URC
	size   int
	notify chan struct{}

	dropped atomic.Uint64
}

func newDispatcher(registry *urcRegistry, size int, log *zap.Logger, metrics *Metrics) *dispatcher {
	return &dispatcher{
		registry: registry,
		log:      log,
		metrics:  metrics,
		queue:    make([]URC, 0, size),
		size:     size,
		notify:   make(chan struct{}, 1),
	}
}

// push queues the URC carried by a classified line. It never blocks.
func (d *dispatcher) push(ev at.Event, delim byte) {
	payload := bytes.TrimLeft(ev.Line[len(ev.Prefix):], " ")
	if e, ok := d.registry.lookup(ev.Prefix); ok && e.maxParamBytes > 0 && len(payload) > e.maxParamBytes {
		d.log.Warn("URC payload truncated", zap.String("prefix", ev.Prefix), zap.Int("length", len(payload)))
		payload = payload[:e.maxParamBytes]
	}
	u := URC{Prefix: ev.Prefix, Payload: payload, delim: delim}

	d.mu.Lock()
	if len(d.queue) >= d.size {
		old := d.queue[0]
		d.queue = append(d.queue[:0], d.queue[1:]...)
		d.dropped.Inc()
		d.metrics.urcDrop()
		d.log.Warn("URC queue full, dropping oldest", zap.String("prefix", old.Prefix))
	}
	d.queue = append(d.queue, u)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *dispatcher) pop() (URC, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return URC{}, false
	}
	u := d.queue[0]
	d.queue = append(d.queue[:0], d.queue[1:]...)
	return u, true
}

func (d *dispatcher) run(ctx context.Context) {
	for {
		for {
			u, ok := d.pop()
			if !ok {
				break
			}
			d.deliver(u)
		}
		select {
		case <-ctx.Done():
			return
		case <-d.notify:
		}
	}
}

func (d *dispatcher) deliver(u URC) {
	e, ok := d.registry.lookup(u.Prefix)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("URC handler panicked", zap.String("prefix", u.Prefix), zap.Any("panic", r))
		}
	}()
	e.handler.HandleURC(u)
	d.metrics.urcDelivered(u.Prefix)
}
