// Package writer implements the per-segment pipelined append state
// machine (spec ch.4.1): a single-owner writer that tracks pending and
// in-flight events and replays them across reconnects.
package writer

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/jackc/puddle/v2"

	"github.com/relaykit/segstream/internal/config"
	"github.com/relaykit/segstream/internal/controller"
	"github.com/relaykit/segstream/internal/ids"
	"github.com/relaykit/segstream/internal/pool"
	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/wire"
	"github.com/relaykit/segstream/internal/xerrors"
)

// MaxWriteSize bounds a single pending event's payload (spec ch.3): one
// wire frame's payload budget. Byte-stream writes larger than this are
// chunked by the caller before they ever reach a PendingEvent.
const MaxWriteSize = 8 * 1024 * 1024

// CompletionFunc is invoked exactly once per event, with nil on ack or a
// non-nil error if the event could never be delivered (reactor closed,
// segment sealed with the event not yet sent).
type CompletionFunc func(err error)

// PendingEvent is an append awaiting assignment/acknowledgment.
type PendingEvent struct {
	RoutingKey *float64
	Data       []byte
	OnComplete CompletionFunc

	eventNumber int64 // assigned by Write at enqueue time, before the event enters pending
}

// Writer is the pipelined append state machine for exactly one segment.
// Only the reactor goroutine that owns a Writer may call its mutating
// methods; this is why there is no internal mutex guarding pending/inflight
// (spec ch.5: "no mutex guards writer state because only the reactor task
// touches it").
type Writer struct {
	id      uuid.UUID
	segment segment.Scoped

	controller controller.Client
	tokens     controller.TokenProvider
	conns      *pool.Manager
	retryCfg   config.RetryPolicy
	logger     *slog.Logger

	pending  *list.List // of *PendingEvent
	inflight *list.List // of *PendingEvent, ordered by eventNumber ascending
	counter  int64

	conn     *puddle.Resource[wire.RawClient]
	endpoint string
	closing  bool
}

// New constructs a Writer bound to seg. The writer-id is freshly random
// (spec ch.4.1: "must be fresh on every construction so that a server-side
// duplicate-detection window cannot falsely ack new data").
func New(seg segment.Scoped, ctrl controller.Client, tokens controller.TokenProvider, conns *pool.Manager, retryCfg config.RetryPolicy, logger *slog.Logger) *Writer {
	if tokens == nil {
		tokens = controller.NoAuth
	}
	return &Writer{
		id:         ids.NewWriterID(),
		segment:    seg,
		controller: ctrl,
		tokens:     tokens,
		conns:      conns,
		retryCfg:   retryCfg,
		logger:     logger.With("segment", seg.String()),
		pending:    list.New(),
		inflight:   list.New(),
	}
}

func (w *Writer) ID() uuid.UUID          { return w.id }
func (w *Writer) Segment() segment.Scoped { return w.segment }

// Write enqueues event with a freshly assigned monotone event number and
// attempts to send it immediately if the writer has a live connection;
// otherwise it is left in pending until the next drain (spec ch.4.1).
func (w *Writer) Write(ctx context.Context, e *PendingEvent) error {
	if len(e.Data) > MaxWriteSize {
		return fmt.Errorf("event payload %d exceeds max write size %d", len(e.Data), MaxWriteSize)
	}
	e.eventNumber = w.counter
	w.counter++
	w.pending.PushBack(e)
	return w.drainPending(ctx)
}

// Ack removes every inflight entry with eventNumber <= number and signals
// their completion handles with nil (spec ch.4.1).
func (w *Writer) Ack(eventNumber int64) {
	for el := w.inflight.Front(); el != nil; {
		next := el.Next()
		ev := el.Value.(*PendingEvent)
		if ev.eventNumber > eventNumber {
			break
		}
		w.inflight.Remove(el)
		if ev.OnComplete != nil {
			ev.OnComplete(nil)
		}
		el = next
	}
}

// TryClose reports whether both queues are empty; if not, it marks the
// writer as closing and returns false (spec ch.4.1). Write does not consult
// the closing flag, so events enqueued after it is set are still accepted.
func (w *Writer) TryClose() bool {
	if w.pending.Len() == 0 && w.inflight.Len() == 0 {
		return true
	}
	w.closing = true
	return false
}

// PendingAndInflight returns every event not yet acknowledged, in FIFO
// order (inflight first, since it was enqueued earlier), for successor
// redispatch (spec ch.4.2) or introspection.
func (w *Writer) PendingAndInflight() []*PendingEvent {
	out := make([]*PendingEvent, 0, w.inflight.Len()+w.pending.Len())
	for el := w.inflight.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*PendingEvent))
	}
	for el := w.pending.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*PendingEvent))
	}
	return out
}

// PendingCount and InflightCount exist for tests asserting drain
// completion (spec ch.8 scenario 5: "pending count ends at 0, inflight at 0").
func (w *Writer) PendingCount() int  { return w.pending.Len() }
func (w *Writer) InflightCount() int { return w.inflight.Len() }

// FailAll signals every pending and inflight event with err, used by the
// reactor's termination drain (spec ch.4.3/ch.7 "Reactor closed").
func (w *Writer) FailAll(err error) {
	for el := w.inflight.Front(); el != nil; el = el.Next() {
		if ev := el.Value.(*PendingEvent); ev.OnComplete != nil {
			ev.OnComplete(err)
		}
	}
	for el := w.pending.Front(); el != nil; el = el.Next() {
		if ev := el.Value.(*PendingEvent); ev.OnComplete != nil {
			ev.OnComplete(err)
		}
	}
	w.inflight.Init()
	w.pending.Init()
}

// Reconnect tears down the current connection (if any) and re-establishes
// one via the setup protocol in spec ch.4.1, resending inflight events
// before draining pending ones.
func (w *Writer) Reconnect(ctx context.Context) error {
	w.releaseConn()

	return retry.Do(
		func() error { return w.setupOnce(ctx) },
		retry.Attempts(w.attempts()),
		retry.Delay(w.retryCfg.BaseDelay),
		retry.MaxDelay(w.retryCfg.MaxDelay),
		retry.MaxJitter(w.retryCfg.Jitter),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !xerrors.IsNonRetryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			w.logger.WarnContext(ctx, "writer reconnect attempt failed", "attempt", n+1, "error", err)
		}),
	)
}

func (w *Writer) attempts() uint {
	if w.retryCfg.MaxAttempts == 0 {
		return 10
	}
	return w.retryCfg.MaxAttempts
}

// setupOnce runs steps 1-4 of spec ch.4.1's setup protocol once; retrying
// across WrongHost/connection-error belongs to the caller (Reconnect).
func (w *Writer) setupOnce(ctx context.Context) error {
	endpoint, err := w.controller.GetEndpointForSegment(ctx, w.segment)
	if err != nil {
		return fmt.Errorf("resolve endpoint for %s: %w", w.segment, err)
	}

	res, err := w.conns.Acquire(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("acquire connection to %s: %w", endpoint, err)
	}

	token, err := w.tokens.Token(ctx, w.segment)
	if err != nil {
		res.Release()
		return fmt.Errorf("fetch delegation token: %w", err)
	}

	client := res.Value()
	reply, err := client.SendRequest(ctx, wire.SetupAppend{
		ReqID:           ids.NextRequestID(),
		WriterID:        w.id.String(),
		Segment:         w.segment.String(),
		DelegationToken: token,
	})
	if err != nil {
		res.Destroy()
		return fmt.Errorf("send SetupAppend: %w", err)
	}

	switch r := reply.(type) {
	case wire.AppendSetup:
		w.conn = res
		w.endpoint = endpoint
		return w.reconcileAfterSetup(ctx, r.LastEventNumber)
	case wire.WrongHost:
		res.Destroy()
		w.controller.InvalidateEndpoint(w.segment)
		return fmt.Errorf("wrong host for %s, will re-resolve and retry", w.segment)
	case wire.SegmentIsSealed:
		res.Destroy()
		return xerrors.NewNonRetryable("segment sealed during setup", &xerrors.SegmentSealedError{Segment: w.segment.String()})
	case wire.NoSuchSegment:
		res.Destroy()
		return xerrors.NewNonRetryable("segment missing during setup", &xerrors.NoSuchSegmentError{Segment: w.segment.String()})
	default:
		res.Destroy()
		return xerrors.NewNonRetryable("unexpected reply to SetupAppend", &xerrors.ProtocolViolationError{Reply: fmt.Sprintf("%v", reply)})
	}
}

// reconcileAfterSetup acks any inflight event already known to the server,
// resends the remainder in order, then drains pending (spec ch.4.1 step 4).
//
// The remainder is snapshotted into a slice before resending: sendOne's
// Ack call mutates w.inflight as it goes, which would otherwise corrupt an
// in-progress list.Element traversal the moment the element it's sitting on
// gets removed.
func (w *Writer) reconcileAfterSetup(ctx context.Context, lastEventNumber int64) error {
	w.Ack(lastEventNumber)

	remaining := make([]*PendingEvent, 0, w.inflight.Len())
	for el := w.inflight.Front(); el != nil; el = el.Next() {
		remaining = append(remaining, el.Value.(*PendingEvent))
	}
	for _, ev := range remaining {
		if err := w.sendOne(ctx, ev); err != nil {
			return err
		}
	}
	return w.drainPending(ctx)
}

// drainPending sends every pending event while the connection is live,
// moving each to inflight before sending it: sendOne's reply handling acks
// inline, so an event must already be the inflight list for its own ack to
// find and complete it there, rather than being dropped on the floor.
func (w *Writer) drainPending(ctx context.Context) error {
	if w.conn == nil {
		return nil
	}
	for {
		front := w.pending.Front()
		if front == nil {
			return nil
		}
		ev := front.Value.(*PendingEvent)
		w.pending.Remove(front)
		w.inflight.PushBack(ev)
		if err := w.sendOne(ctx, ev); err != nil {
			return err
		}
	}
}

// sendOne issues the append and handles its reply inline: RawClient.SendRequest
// is a synchronous round trip (spec ch.6's wire layer is request/reply, not a
// demultiplexed stream), so there is no separate async path an ack could
// arrive on later — DataAppended is acked here, and WrongHost/SegmentIsSealed
// become the error drainPending propagates up to the caller's Reconnect.
func (w *Writer) sendOne(ctx context.Context, ev *PendingEvent) error {
	client := w.conn.Value()
	expected := int64(-1)
	reply, err := client.SendRequest(ctx, wire.ConditionalAppend{
		ReqID:          ids.NextRequestID(),
		WriterID:       w.id.String(),
		Segment:        w.segment.String(),
		EventNumber:    ev.eventNumber,
		ExpectedOffset: expected,
		Data:           ev.Data,
	})
	if err != nil {
		return fmt.Errorf("send append for event %d: %w", ev.eventNumber, err)
	}

	switch r := reply.(type) {
	case wire.DataAppended:
		w.Ack(r.EventNumber)
		return nil
	case wire.WrongHost:
		w.destroyConn()
		w.controller.InvalidateEndpoint(w.segment)
		return fmt.Errorf("wrong host for %s during append, will re-resolve and retry", w.segment)
	case wire.SegmentIsSealed:
		w.destroyConn()
		return xerrors.NewNonRetryable("segment sealed during append", &xerrors.SegmentSealedError{Segment: w.segment.String()})
	case wire.NoSuchSegment:
		w.destroyConn()
		return xerrors.NewNonRetryable("segment missing during append", &xerrors.NoSuchSegmentError{Segment: w.segment.String()})
	default:
		w.destroyConn()
		return xerrors.NewNonRetryable("unexpected reply to ConditionalAppend", &xerrors.ProtocolViolationError{Reply: fmt.Sprintf("%v", reply)})
	}
}

func (w *Writer) releaseConn() {
	if w.conn != nil {
		w.conn.Release()
		w.conn = nil
	}
}

// destroyConn discards the pooled connection instead of returning it, for
// when a reply proves it unusable (wrong host, sealed, protocol violation).
func (w *Writer) destroyConn() {
	if w.conn != nil {
		w.conn.Destroy()
		w.conn = nil
	}
}

// Close releases the writer's connection back to the pool without
// attempting further drains; the reactor must already have satisfied
// TryClose before calling this (spec ch.4.3 CloseSegmentWriter).
func (w *Writer) Close() {
	w.releaseConn()
}
