// Package eventstream drains the probes' ring buffer and routes each raw
// payload through the dispatcher. Events are processed one at a time on a
// single goroutine; failures are contained to the event that caused them.
package eventstream

import (
	"context"
	"errors"
	"log"

	"github.com/cilium/ebpf/ringbuf"
)

// Stream reads events from a ringbuffer and dispatches them.
type Stream struct {
	reader     *ringbuf.Reader
	dispatcher *Dispatcher
	stopCh     chan struct{}
}

// New creates a new Stream with the given ringbuffer reader and dispatcher.
func New(reader *ringbuf.Reader, dispatcher *Dispatcher) *Stream {
	return &Stream{
		reader:     reader,
		dispatcher: dispatcher,
		stopCh:     make(chan struct{}),
	}
}

// Start begins reading events from the ringbuffer in a goroutine.
// It returns immediately and processes events in the background until
// the context is cancelled or Stop is called.
func (s *Stream) Start(ctx context.Context) error {
	go s.processEvents(ctx)
	return nil
}

// Stop signals the event processing goroutine to stop.
func (s *Stream) Stop() error {
	close(s.stopCh)
	return nil
}

// processEvents is the main event loop that reads and dispatches events.
// No single malformed or out-of-order event may terminate it.
func (s *Stream) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
			record, err := s.reader.Read()
			if err != nil {
				if errors.Is(err, ringbuf.ErrClosed) {
					return
				}
				log.Printf("reading from ring buffer: %v", err)
				continue
			}

			if err := s.dispatcher.Dispatch(record.RawSample); err != nil {
				log.Printf("dispatching event: %v", err)
			}
		}
	}
}
