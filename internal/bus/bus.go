package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 256

// Listener handles dispatched events. Errors and panics are captured per
// listener and logged; they never reach the emitter or other listeners.
type Listener interface {
	Name() string
	Handle(ctx context.Context, event Event) error
}

type funcListener struct {
	name string
	fn   func(ctx context.Context, event Event) error
}

func (l funcListener) Name() string { return l.name }

func (l funcListener) Handle(ctx context.Context, event Event) error { return l.fn(ctx, event) }

// ListenerFunc adapts a function to a named Listener.
func ListenerFunc(name string, fn func(ctx context.Context, event Event) error) Listener {
	return funcListener{name: name, fn: fn}
}

// Bus fans events out to listeners from a single dispatch goroutine.
// Emit never blocks: when the buffer is full the event is dropped and
// counted.
type Bus struct {
	queue chan Event
	now   func() time.Time

	mu        sync.RWMutex
	listeners []Listener
	stopCh    chan struct{}
	stopped   chan struct{}
	running   bool

	dropped atomic.Int64
}

// NewBus creates a bus with the given queue capacity.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		queue: make(chan Event, bufferSize),
		now:   time.Now,
	}
}

// Subscribe registers a listener. Listeners added after Start receive only
// events dispatched after the call.
func (b *Bus) Subscribe(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Emit enqueues an event for asynchronous delivery.
func (b *Bus) Emit(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = b.now().UTC()
	}
	if event.TraceID == "" {
		event.TraceID = RequestIDFromContext(ctx)
	}
	select {
	case b.queue <- event:
	default:
		n := b.dropped.Add(1)
		slog.Warn("event bus full, dropping event", "event", event.Type, "request_id", event.RequestID, "dropped_total", n)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Start launches the dispatch loop.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.stopCh = make(chan struct{})
	b.stopped = make(chan struct{})
	b.running = true
	go b.loop(b.stopCh, b.stopped)
}

// Stop drains queued events and halts the dispatch loop.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	stopCh := b.stopCh
	stopped := b.stopped
	b.running = false
	b.stopCh = nil
	b.stopped = nil
	b.mu.Unlock()

	close(stopCh)
	<-stopped
}

func (b *Bus) loop(stopCh <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	for {
		select {
		case event := <-b.queue:
			b.dispatch(event)
		case <-stopCh:
			for {
				select {
				case event := <-b.queue:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	ctx := WithRequestID(context.Background(), event.TraceID)
	for _, l := range listeners {
		if err := deliver(ctx, l, event); err != nil {
			slog.Warn("event listener failed",
				"listener", l.Name(),
				"event", event.Type,
				"request_id", event.RequestID,
				"error", err,
			)
		}
	}
}

func deliver(ctx context.Context, l Listener, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.Handle(ctx, event)
}
