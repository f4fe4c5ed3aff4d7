package eventbus

import (
	"errors"
	"sync"

	"devicenerd/internal/logging"
)

var (
	// ErrQueueFull is returned by Publish when the queue is at
	// capacity. The caller decides whether to drop or retry.
	ErrQueueFull = errors.New("eventbus: queue full")

	// ErrTooManyHandlers is returned by RegisterHandler at capacity.
	ErrTooManyHandlers = errors.New("eventbus: handler table full")

	// ErrHandlerNotFound is returned by UnregisterHandler for an
	// unknown handler id.
	ErrHandlerNotFound = errors.New("eventbus: handler not found")
)

const (
	defaultMaxHandlers = 32
	defaultQueueSize   = 64
)

// Handler receives a delivered event together with the opaque value
// supplied at registration. Handlers run synchronously on the
// Process caller's stack and cannot cancel delivery to later
// handlers.
type Handler func(ev Event, userData any)

type handlerEntry struct {
	id       int
	typ      int    // AnyType matches every type
	source   string // "" matches every source
	fn       Handler
	userData any
}

func (h handlerEntry) matches(ev Event) bool {
	if h.typ != AnyType && h.typ != ev.Type {
		return false
	}
	if h.source != "" && h.source != ev.Source {
		return false
	}
	return true
}

// Bus is a bounded FIFO event queue with filtered synchronous
// dispatch. Publish may be called from any goroutine; Process must
// only run on the host loop and is not reentrant.
type Bus struct {
	mu          sync.Mutex
	handlers    []handlerEntry
	queue       []Event
	maxHandlers int
	queueSize   int
	nextID      int
	processing  bool
	log         *logging.Logger
}

// New builds a bus. Non-positive limits fall back to defaults.
func New(maxHandlers, queueSize int) *Bus {
	if maxHandlers <= 0 {
		maxHandlers = defaultMaxHandlers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		maxHandlers: maxHandlers,
		queueSize:   queueSize,
		nextID:      1,
		log:         logging.Get(logging.CategoryEvents),
	}
}

// RegisterHandler subscribes fn to events matching typ and source.
// typ AnyType accepts any type; an empty source accepts any source.
// A handler registered while Process is running takes effect on the
// next Process call.
func (b *Bus) RegisterHandler(typ int, source string, fn Handler, userData any) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.handlers) >= b.maxHandlers {
		return 0, ErrTooManyHandlers
	}
	id := b.nextID
	b.nextID++
	b.handlers = append(b.handlers, handlerEntry{
		id:       id,
		typ:      typ,
		source:   source,
		fn:       fn,
		userData: userData,
	})
	b.log.Debug("handler %d registered (type=%d source=%q)", id, typ, source)
	return id, nil
}

// UnregisterHandler removes a handler by id. Removal during Process
// takes effect on the next call.
func (b *Bus) UnregisterHandler(id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return nil
		}
	}
	return ErrHandlerNotFound
}

// Publish enqueues an event. When the queue is at capacity the event
// is rejected with ErrQueueFull and nothing is dropped.
func (b *Bus) Publish(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) >= b.queueSize {
		b.log.Warn("queue full, rejecting event type=%d source=%q", ev.Type, ev.Source)
		return ErrQueueFull
	}
	b.queue = append(b.queue, ev)
	return nil
}

// Pending reports the number of queued events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Process drains up to maxEvents queued events (all of them when
// maxEvents <= 0) and invokes matching handlers synchronously, in
// publish order, handlers in registration order. Events published by
// a handler are queued for the next call. Returns the number of
// events delivered.
func (b *Bus) Process(maxEvents int) int {
	b.mu.Lock()
	if b.processing {
		b.mu.Unlock()
		b.log.Warn("reentrant Process call ignored")
		return 0
	}
	b.processing = true

	n := len(b.queue)
	if maxEvents > 0 && maxEvents < n {
		n = maxEvents
	}
	batch := make([]Event, n)
	copy(batch, b.queue[:n])
	b.queue = append(b.queue[:0:0], b.queue[n:]...)

	snapshot := make([]handlerEntry, len(b.handlers))
	copy(snapshot, b.handlers)
	b.mu.Unlock()

	for _, ev := range batch {
		for _, h := range snapshot {
			if h.matches(ev) {
				h.fn(ev, h.userData)
			}
		}
	}

	b.mu.Lock()
	b.processing = false
	b.mu.Unlock()
	return n
}
