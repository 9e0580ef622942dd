package client

import (
	"context"
	"fmt"

	"github.com/relaykit/segstream/internal/reactor"
	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/writer"
)

// EventStreamWriter is a routing-key-addressed writer spanning every
// active segment of a stream (spec ch.3 "stream-reactor, used by
// event-stream writers"). Unlike ByteStreamWriter it frames each call to
// WriteEvent as one discrete pending event, routed by key rather than
// appended to a single segment's byte offset.
type EventStreamWriter struct {
	inbox chan<- reactor.Incoming
}

func newEventStreamWriter(inbox chan<- reactor.Incoming) *EventStreamWriter {
	return &EventStreamWriter{inbox: inbox}
}

// WriteEvent hashes routingKey into [0,1] (or picks a random key if
// routingKey is empty) and enqueues data as one pending event, returning a
// channel that receives the server's ack (nil) or the terminal error that
// prevented delivery. The call itself does not block on acknowledgment.
func (w *EventStreamWriter) WriteEvent(ctx context.Context, routingKey string, data []byte) (<-chan error, error) {
	if len(data) > writer.MaxWriteSize {
		return nil, fmt.Errorf("event payload %d exceeds max write size %d", len(data), writer.MaxWriteSize)
	}

	var key *float64
	if routingKey != "" {
		h := segment.HashRoutingKey(routingKey)
		key = &h
	}

	done := make(chan error, 1)
	ev := &writer.PendingEvent{
		RoutingKey: key,
		Data:       data,
		OnComplete: func(err error) { done <- err },
	}
	select {
	case w.inbox <- reactor.Incoming{AppendEvent: ev}:
		return done, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("write event cancelled: %w", ctx.Err())
	}
}

// Close asks the underlying stream-reactor to drain and terminate; it
// does not block for the drain to finish (use Factory.Close to wait on
// every writer the factory spawned).
func (w *EventStreamWriter) Close(ctx context.Context) {
	select {
	case w.inbox <- reactor.Incoming{CloseReactor: true}:
	case <-ctx.Done():
	}
}
