package audit

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/keygate/pkg/observability"
)

const (
	defaultBufferSize = 1024
	workerTimeout     = 5 * time.Second
)

// AsyncEmitter decouples audit emission from the request path. Emit never
// blocks: events are queued to a background worker and dropped (with a
// local log line) when the buffer is full or the sink fails. Availability
// of the guarded resource must not depend on the audit pipeline.
type AsyncEmitter struct {
	sink   Emitter
	logger *observability.Logger

	events chan *Event
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	// onDrop is invoked when an event is discarded (metrics hook)
	onDrop func()
}

// NewAsyncEmitter wraps a sink with a buffered background worker
func NewAsyncEmitter(sink Emitter, logger *observability.Logger, bufferSize int) *AsyncEmitter {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	e := &AsyncEmitter{
		sink:   sink,
		logger: logger,
		events: make(chan *Event, bufferSize),
	}

	e.wg.Add(1)
	go e.run()

	return e
}

// SetDropHook registers a callback invoked whenever an event is dropped
func (e *AsyncEmitter) SetDropHook(fn func()) {
	e.onDrop = fn
}

// Emit queues an event for delivery. It never blocks and never returns a
// delivery error; a full buffer drops the event.
func (e *AsyncEmitter) Emit(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.drop(event)
		return nil
	}

	select {
	case e.events <- event:
		e.mu.Unlock()
	default:
		e.mu.Unlock()
		e.drop(event)
	}

	return nil
}

// Close stops the worker after draining queued events
func (e *AsyncEmitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.events)
	e.mu.Unlock()

	e.wg.Wait()
	return e.sink.Close()
}

func (e *AsyncEmitter) run() {
	defer e.wg.Done()

	for event := range e.events {
		// Detached from any request context: a client disconnect must
		// not abort an in-flight audit write.
		ctx, cancel := context.WithTimeout(context.Background(), workerTimeout)
		if err := e.sink.Emit(ctx, event); err != nil {
			e.logger.WithError(err).
				WithField("event_type", string(event.EventType)).
				Warn("audit event delivery failed")
			if e.onDrop != nil {
				e.onDrop()
			}
		}
		cancel()
	}
}

func (e *AsyncEmitter) drop(event *Event) {
	e.logger.WithField("event_type", string(event.EventType)).
		Warn("audit event dropped")
	if e.onDrop != nil {
		e.onDrop()
	}
}
