package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/segstream/internal/config"
	"github.com/relaykit/segstream/internal/controller"
	"github.com/relaykit/segstream/internal/logging"
	"github.com/relaykit/segstream/internal/pool"
	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/selector"
	"github.com/relaykit/segstream/internal/wire"
	"github.com/relaykit/segstream/internal/writer"
)

// sealingClient behaves like wire.MockHappyClient except it answers every
// SetupAppend/ConditionalAppend for a sealed segment name with
// SegmentIsSealed, for exercising termination and successor promotion
// (grounded on reactors.rs's test_segment_reactor_segment_is_sealed /
// test_stream_reactor_segment_sealed).
type sealingClient struct {
	sealed    map[string]bool
	lastEvent map[string]int64
}

func newSealingClient() *sealingClient {
	return &sealingClient{sealed: make(map[string]bool), lastEvent: make(map[string]int64)}
}

func (c *sealingClient) seal(name string) { c.sealed[name] = true }

func (c *sealingClient) SendRequest(_ context.Context, req wire.Requests) (wire.Replies, error) {
	switch r := req.(type) {
	case wire.SetupAppend:
		if c.sealed[r.Segment] {
			return wire.SegmentIsSealed{ReqID: r.ReqID, Segment: r.Segment}, nil
		}
		last, ok := c.lastEvent[r.Segment]
		if !ok {
			last = -1
		}
		return wire.AppendSetup{ReqID: r.ReqID, WriterID: r.WriterID, Segment: r.Segment, LastEventNumber: last}, nil
	case wire.ConditionalAppend:
		if c.sealed[r.Segment] {
			return wire.SegmentIsSealed{ReqID: r.ReqID, Segment: r.Segment}, nil
		}
		c.lastEvent[r.Segment] = r.EventNumber
		return wire.DataAppended{ReqID: r.ReqID, WriterID: r.WriterID, EventNumber: r.EventNumber}, nil
	default:
		return nil, nil
	}
}

func (c *sealingClient) Close() error { return nil }

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("completion never arrived")
		return nil
	}
}

func TestSegmentReactor_AppendAcks(t *testing.T) {
	client := newSealingClient()
	logger := logging.New(logging.Config{Level: "error"}, "reactor-test")
	conns := pool.NewManager(func(context.Context, string) (wire.RawClient, error) { return client, nil }, 4, 1000, logger)

	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 0}
	ctrl := controller.NewMockClient("host-a")
	w := writer.New(seg, ctrl, controller.NoAuth, conns, config.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, logger)
	require.NoError(t, w.Reconnect(context.Background()))

	r := NewSegmentReactor(w, logger)
	go r.Run(context.Background())

	done := make(chan error, 1)
	r.Inbox() <- Incoming{AppendEvent: &writer.PendingEvent{Data: []byte("x"), OnComplete: func(err error) { done <- err }}}
	assert.NoError(t, waitErr(t, done))

	r.Inbox() <- Incoming{CloseReactor: true}
	<-r.Done()
}

func TestSegmentReactor_TerminatesOnSeal(t *testing.T) {
	client := newSealingClient()
	logger := logging.New(logging.Config{Level: "error"}, "reactor-test")
	conns := pool.NewManager(func(context.Context, string) (wire.RawClient, error) { return client, nil }, 4, 1000, logger)

	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 1}
	ctrl := controller.NewMockClient("host-a")
	w := writer.New(seg, ctrl, controller.NoAuth, conns, config.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, logger)
	require.NoError(t, w.Reconnect(context.Background()))

	r := NewSegmentReactor(w, logger)
	go r.Run(context.Background())

	client.seal(seg.String())

	done := make(chan error, 1)
	r.Inbox() <- Incoming{AppendEvent: &writer.PendingEvent{Data: []byte("x"), OnComplete: func(err error) { done <- err }}}

	err := waitErr(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reactor closed")

	<-r.Done()
	assert.Error(t, r.Err())
}

func TestStreamReactor_PromotesSuccessorOnSeal(t *testing.T) {
	client := newSealingClient()
	logger := logging.New(logging.Config{Level: "error"}, "reactor-test")
	conns := pool.NewManager(func(context.Context, string) (wire.RawClient, error) { return client, nil }, 4, 1000, logger)

	scope, stream := "scope", "stream"
	seg0 := segment.Scoped{Scope: scope, Stream: stream, Number: 0}
	seg1 := segment.Scoped{Scope: scope, Stream: stream, Number: 1}

	ctrl := controller.NewMockClient("host-a")
	ctrl.Successors[seg0] = []controller.SuccessorSegment{
		{Segment: segment.WithRange{Scoped: seg1, MinKey: 0, MaxKey: 1}, Predecessors: nil},
	}

	retryCfg := config.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	sel := selector.New(scope, stream, ctrl, controller.NoAuth, conns, retryCfg, logger)
	sel.Seed([]segment.WithRange{{Scoped: seg0, MinKey: 0, MaxKey: 1}})

	r := NewStreamReactor(sel, logger)
	go r.Run(context.Background())

	key := 0.5

	first := make(chan error, 1)
	r.Inbox() <- Incoming{AppendEvent: &writer.PendingEvent{RoutingKey: &key, Data: []byte("a"), OnComplete: func(err error) { first <- err }}}
	assert.NoError(t, waitErr(t, first))

	client.seal(seg0.String())

	second := make(chan error, 1)
	r.Inbox() <- Incoming{AppendEvent: &writer.PendingEvent{RoutingKey: &key, Data: []byte("b"), OnComplete: func(err error) { second <- err }}}
	assert.NoError(t, waitErr(t, second))

	writers := sel.Writers()
	_, stillHasSeg0 := writers[seg0]
	_, hasSeg1 := writers[seg1]
	assert.False(t, stillHasSeg0)
	assert.True(t, hasSeg1)
}

func TestStreamReactor_TerminatesWhenFullySealed(t *testing.T) {
	client := newSealingClient()
	logger := logging.New(logging.Config{Level: "error"}, "reactor-test")
	conns := pool.NewManager(func(context.Context, string) (wire.RawClient, error) { return client, nil }, 4, 1000, logger)

	scope, stream := "scope", "stream"
	seg0 := segment.Scoped{Scope: scope, Stream: stream, Number: 0}

	ctrl := controller.NewMockClient("host-a") // no successors registered

	retryCfg := config.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	sel := selector.New(scope, stream, ctrl, controller.NoAuth, conns, retryCfg, logger)
	sel.Seed([]segment.WithRange{{Scoped: seg0, MinKey: 0, MaxKey: 1}})

	r := NewStreamReactor(sel, logger)
	go r.Run(context.Background())

	key := 0.5
	first := make(chan error, 1)
	r.Inbox() <- Incoming{AppendEvent: &writer.PendingEvent{RoutingKey: &key, Data: []byte("a"), OnComplete: func(err error) { first <- err }}}
	assert.NoError(t, waitErr(t, first))

	client.seal(seg0.String())

	second := make(chan error, 1)
	r.Inbox() <- Incoming{AppendEvent: &writer.PendingEvent{RoutingKey: &key, Data: []byte("b"), OnComplete: func(err error) { second <- err }}}

	err := waitErr(t, second)
	require.Error(t, err)

	<-r.Done()
	assert.Error(t, r.Err())
}
