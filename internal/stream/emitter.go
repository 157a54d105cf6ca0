// Package stream delivers pipeline events to a consumer without letting a
// slow consumer stall the pipeline.
package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/fitcheck/internal/model"
)

// Sink receives events in order on the emitter's drain goroutine. A returned
// error stops delivery (typically the client went away).
type Sink func(model.Event) error

// Options tunes an Emitter.
type Options struct {
	// Buffer bounds the number of queued thought events. Default 64.
	Buffer int
	// IncludeThoughts forwards thought events. When false they are discarded.
	IncludeThoughts bool
}

// Emitter is a FIFO queue between the pipeline (producer) and a Sink
// (consumer). Emit never blocks. When the queue holds Buffer or more events,
// new thought events are dropped; every other event type is always queued
// and delivered in emission order.
type Emitter struct {
	sink Sink
	opts Options

	mu      sync.Mutex
	queue   []model.Event
	closed  bool
	stopped bool
	dropped int
	sent    int

	notify chan struct{}
	done   chan struct{}
	ctx    context.Context
}

// New starts an emitter draining into sink until ctx is done or Close is called.
func New(ctx context.Context, sink Sink, opts Options) *Emitter {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	e := &Emitter{
		sink:   sink,
		opts:   opts,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
	}
	go e.drain()
	return e
}

// Emit queues ev. It never blocks and is a no-op after Close or once
// delivery has stopped.
func (e *Emitter) Emit(ev model.Event) {
	if ev.Type == model.EventThought && !e.opts.IncludeThoughts {
		return
	}

	e.mu.Lock()
	if e.closed || e.stopped {
		e.mu.Unlock()
		return
	}
	if ev.Type.Droppable() && len(e.queue) >= e.opts.Buffer {
		e.dropped++
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Close stops accepting events, waits for the queue to drain (or for ctx to
// end) and stops the drain goroutine.
func (e *Emitter) Close() {
	e.mu.Lock()
	alreadyClosed := e.closed
	e.closed = true
	e.mu.Unlock()

	if !alreadyClosed {
		select {
		case e.notify <- struct{}{}:
		default:
		}
	}
	<-e.done
}

// Stats reports delivered and dropped event counts.
func (e *Emitter) Stats() (sent, dropped int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent, e.dropped
}

func (e *Emitter) drain() {
	defer close(e.done)

	for {
		select {
		case <-e.ctx.Done():
			e.stop()
			return
		case <-e.notify:
		}

		for {
			batch, closed := e.take()
			for _, ev := range batch {
				// No outward sends once the consumer's context is gone.
				if e.ctx.Err() != nil {
					e.stop()
					return
				}
				if err := e.sink(ev); err != nil {
					zap.L().Debug("stream: sink stopped", zap.String("event", string(ev.Type)), zap.Error(err))
					e.stop()
					return
				}
				e.mu.Lock()
				e.sent++
				e.mu.Unlock()
			}
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}

func (e *Emitter) take() ([]model.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	batch := e.queue
	e.queue = nil
	return batch, e.closed
}

func (e *Emitter) stop() {
	e.mu.Lock()
	e.stopped = true
	e.queue = nil
	e.mu.Unlock()
}
