// Package selector routes appends to the writer owning the active segment
// for a routing key (spec ch.4.2), and promotes to successor segments when
// one seals.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/relaykit/segstream/internal/config"
	"github.com/relaykit/segstream/internal/controller"
	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/writer"
	pconn "github.com/relaykit/segstream/internal/pool"
)

// Selector owns one Writer per active segment of a stream.
type Selector struct {
	mu      sync.Mutex
	scope   string
	stream  string
	ranges  map[segment.Scoped]segment.WithRange
	writers map[segment.Scoped]*writer.Writer

	controller controller.Client
	tokens     controller.TokenProvider
	conns      *pconn.Manager
	retryCfg   config.RetryPolicy
	logger     *slog.Logger
}

func New(scope, stream string, ctrl controller.Client, tokens controller.TokenProvider, conns *pconn.Manager, retryCfg config.RetryPolicy, logger *slog.Logger) *Selector {
	return &Selector{
		scope:      scope,
		stream:     stream,
		ranges:     make(map[segment.Scoped]segment.WithRange),
		writers:    make(map[segment.Scoped]*writer.Writer),
		controller: ctrl,
		tokens:     tokens,
		conns:      conns,
		retryCfg:   retryCfg,
		logger:     logger.With("scope", scope, "stream", stream),
	}
}

// Seed installs the initial active segment ranges for the stream epoch,
// normally fetched once via controller.GetCurrentSegments at construction.
func (s *Selector) Seed(ranges []segment.WithRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range ranges {
		s.ranges[r.Scoped] = r
	}
}

// GetSegmentWriter takes routingKey, an already-hashed key in [0,1] (or, if
// nil, a fresh random key), and returns the writer owning the segment whose
// range contains it,
// lazily constructing and beginning setup for it if missing (spec ch.4.2).
func (s *Selector) GetSegmentWriter(ctx context.Context, routingKey *float64) (*writer.Writer, error) {
	key := segment.RandomRoutingKey()
	if routingKey != nil {
		key = *routingKey
	}

	s.mu.Lock()
	target, ok := s.findRangeLocked(key)
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("no active segment covers routing key %.6f", key)
	}
	w, ok := s.writers[target.Scoped]
	if ok {
		s.mu.Unlock()
		return w, nil
	}
	w = writer.New(target.Scoped, s.controller, s.tokens, s.conns, s.retryCfg, s.logger)
	s.writers[target.Scoped] = w
	s.mu.Unlock()

	if err := w.Reconnect(ctx); err != nil {
		return nil, fmt.Errorf("setup writer for %s: %w", target.Scoped, err)
	}
	return w, nil
}

func (s *Selector) findRangeLocked(key float64) (segment.WithRange, bool) {
	for _, r := range s.ranges {
		if r.Contains(key) {
			return r, true
		}
	}
	return segment.WithRange{}, false
}

// PromoteSuccessors implements spec ch.4.2's successor-promotion algorithm
// for a sealed/truncated-away segment sealed. It returns every not-yet-acked
// event from the old writer so the reactor can redispatch them, and ok=false
// if the stream is now fully sealed (no successors).
func (s *Selector) PromoteSuccessors(ctx context.Context, sealed segment.Scoped) (events []*writer.PendingEvent, ok bool, err error) {
	successors, err := s.controller.GetSuccessors(ctx, sealed)
	if err != nil {
		return nil, false, fmt.Errorf("get successors for %s: %w", sealed, err)
	}
	if len(successors) == 0 {
		return nil, false, nil
	}

	s.mu.Lock()
	oldWriter := s.writers[sealed]
	delete(s.writers, sealed)
	delete(s.ranges, sealed)
	s.mu.Unlock()

	if oldWriter != nil {
		events = oldWriter.PendingAndInflight()
		oldWriter.Close()
	}

	p := pool.New().WithErrors().WithContext(ctx)
	var mu sync.Mutex
	for _, succ := range successors {
		succ := succ
		p.Go(func(ctx context.Context) error {
			w := writer.New(succ.Segment.Scoped, s.controller, s.tokens, s.conns, s.retryCfg, s.logger)
			if err := w.Reconnect(ctx); err != nil {
				return fmt.Errorf("setup successor writer for %s: %w", succ.Segment.Scoped, err)
			}
			mu.Lock()
			s.mu.Lock()
			s.writers[succ.Segment.Scoped] = w
			s.ranges[succ.Segment.Scoped] = succ.Segment
			s.mu.Unlock()
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, false, fmt.Errorf("construct successor writers for %s: %w", sealed, err)
	}

	return events, true, nil
}

// Resend enqueues each of events into whichever current writer's range
// still contains its original routing key, re-hashing a fresh random key
// for events that carried none (spec ch.4.2: "at-least-once from the
// application's viewpoint").
func (s *Selector) Resend(ctx context.Context, events []*writer.PendingEvent) error {
	for _, ev := range events {
		w, err := s.GetSegmentWriter(ctx, ev.RoutingKey)
		if err != nil {
			return fmt.Errorf("resend event: %w", err)
		}
		if err := w.Write(ctx, ev); err != nil {
			return fmt.Errorf("resend event to %s: %w", w.Segment(), err)
		}
	}
	return nil
}

// Writers returns a snapshot of the currently owned writers, keyed by
// segment, for the stream reactor's CloseSegmentWriter handling and for
// tests.
func (s *Selector) Writers() map[segment.Scoped]*writer.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[segment.Scoped]*writer.Writer, len(s.writers))
	for k, v := range s.writers {
		out[k] = v
	}
	return out
}

// CloseAll calls TryClose on every owned writer and reports whether all
// drained (spec ch.4.3 CloseReactor).
func (s *Selector) CloseAll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	allDrained := true
	for _, w := range s.writers {
		if !w.TryClose() {
			allDrained = false
		}
	}
	return allDrained
}

// FailAll signals err to every owned writer's outstanding events.
func (s *Selector) FailAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.writers {
		w.FailAll(err)
	}
}
