// Package reactor implements the single-task event loop mediating between
// byte-stream/event-stream callers and the writer(s) for a segment or
// stream (spec ch.4.3). Either variant owns its writer state exclusively;
// nothing outside the goroutine running Run ever touches it.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/selector"
	"github.com/relaykit/segstream/internal/writer"
	"github.com/relaykit/segstream/internal/xerrors"
)

// InboundCapacity is the bounded channel capacity described in spec ch.4.1:
// once full, a byte-stream write blocks the caller, transferring
// backpressure end-to-end.
const InboundCapacity = 100

// CloseInfo accompanies CloseSegmentWriter: the segment whose writer
// finished draining, and whether the whole reactor should terminate once
// no writers remain.
type CloseInfo struct {
	Segment      segment.Scoped
	CloseReactor bool
}

// Incoming is the sum type accepted on the reactor's inbound channel
// (spec ch.4.3). There is no separate server-reply variant: RawClient's
// SendRequest is a synchronous round trip, so a writer observes and reacts
// to DataAppended/WrongHost/SegmentIsSealed inline while handling
// AppendEvent, not via a later message on this channel.
type Incoming struct {
	AppendEvent        *writer.PendingEvent
	CloseSegmentWriter *CloseInfo
	CloseReactor       bool
}

// SegmentReactor drives a single Writer for one segment (used by
// byte-stream writers, spec ch.3 "Writer state").
type SegmentReactor struct {
	w      *writer.Writer
	inbox  chan Incoming
	logger *slog.Logger
	err    error
	done   chan struct{}
}

func NewSegmentReactor(w *writer.Writer, logger *slog.Logger) *SegmentReactor {
	return &SegmentReactor{
		w:      w,
		inbox:  make(chan Incoming, InboundCapacity),
		logger: logger.With("reactor", "segment", "segment", w.Segment().String()),
		done:   make(chan struct{}),
	}
}

// Inbox is the channel callers submit Incoming commands on.
func (r *SegmentReactor) Inbox() chan<- Incoming { return r.inbox }

// Done closes once the reactor has terminated; Err() is then valid.
func (r *SegmentReactor) Done() <-chan struct{} { return r.done }
func (r *SegmentReactor) Err() error            { return r.err }

// Run is the reactor's event loop; call it in its own goroutine. It
// returns once terminated, having drained every unacked event with an
// error (spec ch.4.3 "Termination drain").
func (r *SegmentReactor) Run(ctx context.Context) {
	defer close(r.done)
	for {
		if err := r.runOnce(ctx); err != nil {
			r.err = err
			r.drain(err)
			return
		}
	}
}

func (r *SegmentReactor) runOnce(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("reactor context cancelled: %w", ctx.Err())
	case cmd, ok := <-r.inbox:
		if !ok {
			return fmt.Errorf("inbox closed")
		}
		return r.handle(ctx, cmd)
	}
}

func (r *SegmentReactor) handle(ctx context.Context, cmd Incoming) error {
	switch {
	case cmd.AppendEvent != nil:
		if err := r.w.Write(ctx, cmd.AppendEvent); err != nil {
			if isSealedOrMissing(err) {
				return fmt.Errorf("segment writer terminated: %w", err)
			}
			r.logger.WarnContext(ctx, "write failed, reconnecting", "error", err)
			if rerr := r.w.Reconnect(ctx); rerr != nil {
				return fmt.Errorf("reconnect after write failure: %w", rerr)
			}
		}
		return nil

	case cmd.CloseSegmentWriter != nil:
		r.w.Close()
		if cmd.CloseSegmentWriter.CloseReactor {
			return fmt.Errorf("segment reactor closed")
		}
		return nil

	case cmd.CloseReactor:
		if r.w.TryClose() {
			return fmt.Errorf("segment reactor closed")
		}
		return nil

	default:
		return nil
	}
}

func (r *SegmentReactor) drain(cause error) {
	r.w.FailAll(xerrors.NewNonRetryable("reactor closed", &xerrors.ReactorClosedError{Reason: cause.Error(), Cause: cause}))
	for {
		select {
		case cmd, ok := <-r.inbox:
			if !ok {
				return
			}
			if cmd.AppendEvent != nil && cmd.AppendEvent.OnComplete != nil {
				cmd.AppendEvent.OnComplete(xerrors.NewNonRetryable("reactor closed", &xerrors.ReactorClosedError{Reason: cause.Error(), Cause: cause}))
			}
		default:
			return
		}
	}
}

// StreamReactor drives a Selector owning many writers (used by
// event-stream writers across a stream's active segments).
type StreamReactor struct {
	sel    *selector.Selector
	inbox  chan Incoming
	logger *slog.Logger
	err    error
	done   chan struct{}
}

func NewStreamReactor(sel *selector.Selector, logger *slog.Logger) *StreamReactor {
	return &StreamReactor{
		sel:    sel,
		inbox:  make(chan Incoming, InboundCapacity),
		logger: logger.With("reactor", "stream"),
		done:   make(chan struct{}),
	}
}

func (r *StreamReactor) Inbox() chan<- Incoming { return r.inbox }
func (r *StreamReactor) Done() <-chan struct{}  { return r.done }
func (r *StreamReactor) Err() error             { return r.err }

func (r *StreamReactor) Run(ctx context.Context) {
	defer close(r.done)
	for {
		if err := r.runOnce(ctx); err != nil {
			r.err = err
			r.drain(err)
			return
		}
	}
}

func (r *StreamReactor) runOnce(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("reactor context cancelled: %w", ctx.Err())
	case cmd, ok := <-r.inbox:
		if !ok {
			return fmt.Errorf("inbox closed")
		}
		return r.handle(ctx, cmd)
	}
}

func (r *StreamReactor) handle(ctx context.Context, cmd Incoming) error {
	switch {
	case cmd.AppendEvent != nil:
		w, err := r.sel.GetSegmentWriter(ctx, cmd.AppendEvent.RoutingKey)
		if err != nil {
			return fmt.Errorf("route append: %w", err)
		}
		sealedSegment := w.Segment()
		if err := w.Write(ctx, cmd.AppendEvent); err != nil {
			if isSealedOrMissing(err) {
				r.logger.WarnContext(ctx, "segment sealed, promoting successors", "segment", sealedSegment.String())
				return r.promote(ctx, sealedSegment)
			}
			r.logger.WarnContext(ctx, "write failed, reconnecting", "segment", sealedSegment.String(), "error", err)
			if rerr := w.Reconnect(ctx); rerr != nil {
				return fmt.Errorf("reconnect after write failure: %w", rerr)
			}
		}
		return nil

	case cmd.CloseSegmentWriter != nil:
		writers := r.sel.Writers()
		if len(writers) == 0 && cmd.CloseSegmentWriter.CloseReactor {
			return fmt.Errorf("stream reactor closed")
		}
		return nil

	case cmd.CloseReactor:
		if r.sel.CloseAll() {
			return fmt.Errorf("stream reactor closed")
		}
		return nil

	default:
		return nil
	}
}

// promote runs the successor-promotion algorithm for sealed and resends its
// still-unacked events to whichever segment now owns their routing key, or
// reports the stream as terminally sealed if sealed had no successors.
func (r *StreamReactor) promote(ctx context.Context, sealed segment.Scoped) error {
	events, ok, err := r.sel.PromoteSuccessors(ctx, sealed)
	if err != nil {
		return fmt.Errorf("promote successors for %s: %w", sealed, err)
	}
	if !ok {
		return xerrors.NewNonRetryable("stream sealed", xerrors.ErrStreamSealed)
	}
	if err := r.sel.Resend(ctx, events); err != nil {
		return fmt.Errorf("resend after promotion: %w", err)
	}
	return nil
}

// isSealedOrMissing reports whether err wraps a terminal sealed/truncated-
// away condition that successor promotion can recover from, as opposed to a
// transient connection fault that only warrants a reconnect.
func isSealedOrMissing(err error) bool {
	var sealed *xerrors.SegmentSealedError
	var missing *xerrors.NoSuchSegmentError
	return errors.As(err, &sealed) || errors.As(err, &missing)
}

func (r *StreamReactor) drain(cause error) {
	reason := xerrors.NewNonRetryable("reactor closed", &xerrors.ReactorClosedError{Reason: cause.Error(), Cause: cause})
	r.sel.FailAll(reason)
	for {
		select {
		case cmd, ok := <-r.inbox:
			if !ok {
				return
			}
			if cmd.AppendEvent != nil && cmd.AppendEvent.OnComplete != nil {
				cmd.AppendEvent.OnComplete(reason)
			}
		default:
			return
		}
	}
}
