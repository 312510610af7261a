package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vk74/admincore/internal/obs"
)

// Sink receives published events. Implementations must be safe for calls
// from the dispatcher goroutine while publishers run concurrently.
type Sink interface {
	Name() string
	Emit(ctx context.Context, event Event) error
}

// Config controls bus buffering.
type Config struct {
	// BufferSize is the bounded publish queue length.
	BufferSize int
	// DropIfFull discards events instead of blocking when the buffer is
	// full. Dropped events are counted and reported on the last-resort
	// channel, never to the publisher.
	DropIfFull bool
}

// Bus decouples business logic from audit/observability sinks. Publish is
// structurally non-blocking: events go onto a bounded channel consumed by a
// single background goroutine, so delivery order per sink matches publish
// order and a broken sink can never propagate into the caller.
type Bus struct {
	cfg   Config
	sinks []Sink

	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBus starts the dispatcher over the given sinks.
func NewBus(cfg Config, sinks ...Sink) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	b := &Bus{
		cfg:   cfg,
		sinks: sinks,
		ch:    make(chan Event, cfg.BufferSize),
		done:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Bus) run() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.ch:
			b.dispatch(event)
		case <-b.done:
			// drain whatever was accepted before Close
			for {
				select {
				case event := <-b.ch:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(event Event) {
	for _, sink := range b.sinks {
		b.emit(sink, event)
	}
}

func (b *Bus) emit(sink Sink, event Event) {
	defer func() {
		if r := recover(); r != nil {
			obs.EventSinkFailure(sink.Name())
			obs.LogInternal("event sink panicked", map[string]any{
				"sink":  sink.Name(),
				"event": event.Name,
				"panic": r,
			})
		}
	}()
	if err := sink.Emit(context.Background(), event); err != nil {
		obs.EventSinkFailure(sink.Name())
		obs.LogInternal("event sink failed", map[string]any{
			"sink":  sink.Name(),
			"event": event.Name,
			"error": err.Error(),
		})
	}
}

// Publish hands the event to the dispatcher. It never returns an error and
// never blocks past the context: publication failure is terminal for the
// event only.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if b == nil || b.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if b.cfg.DropIfFull {
		select {
		case b.ch <- event:
			obs.EventPublished(string(event.Severity))
		case <-b.done:
		default:
			b.dropped.Add(1)
			obs.EventDropped()
		}
		return
	}

	select {
	case b.ch <- event:
		obs.EventPublished(string(event.Severity))
	case <-ctx.Done():
		b.dropped.Add(1)
		obs.EventDropped()
	case <-b.done:
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close stops accepting events, drains the buffer and waits for the
// dispatcher to finish.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)
		b.wg.Wait()
	})
}

// Publisher is the narrow interface business logic depends on.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

var _ Publisher = (*Bus)(nil)
