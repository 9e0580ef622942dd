package writer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/segstream/internal/config"
	"github.com/relaykit/segstream/internal/controller"
	"github.com/relaykit/segstream/internal/logging"
	"github.com/relaykit/segstream/internal/memstore"
	"github.com/relaykit/segstream/internal/pool"
	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/wire"
	"github.com/relaykit/segstream/internal/xerrors"
)

func newTestWriter(t *testing.T, seg segment.Scoped, dial pool.Dialer, ctrl controller.Client) *Writer {
	t.Helper()
	logger := logging.New(logging.Config{Level: "error"}, "writer-test")
	conns := pool.NewManager(dial, 4, 1000, logger)
	return New(seg, ctrl, controller.NoAuth, conns, config.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}, logger)
}

func TestWriter_WriteAndAck(t *testing.T) {
	store := memstore.NewStore("host-a")
	dial := func(context.Context, string) (wire.RawClient, error) { return store, nil }
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 0}
	w := newTestWriter(t, seg, dial, store)

	require.NoError(t, w.Reconnect(context.Background()))

	done := make(chan error, 1)
	err := w.Write(context.Background(), &PendingEvent{
		Data:       []byte("hello"),
		OnComplete: func(err error) { done <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("event was never acked")
	}

	assert.Equal(t, 0, w.PendingCount())
	assert.Equal(t, 0, w.InflightCount())
}

func TestWriter_SegmentSealedIsNonRetryable(t *testing.T) {
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 1}
	dial := func(context.Context, string) (wire.RawClient, error) {
		return &wire.MockSegmentSealedClient{}, nil
	}
	ctrl := controller.NewMockClient("host-a")
	w := newTestWriter(t, seg, dial, ctrl)

	err := w.Reconnect(context.Background())
	require.Error(t, err)
	assert.True(t, xerrors.IsNonRetryable(err))
}

func TestWriter_WrongHostRetriesThenExhausts(t *testing.T) {
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 2}
	dial := func(context.Context, string) (wire.RawClient, error) {
		return &wire.MockWrongHostClient{CorrectHost: "host-b"}, nil
	}
	ctrl := controller.NewMockClient("host-a")
	w := newTestWriter(t, seg, dial, ctrl)

	err := w.Reconnect(context.Background())
	require.Error(t, err)
	assert.False(t, xerrors.IsNonRetryable(err))
}

func TestWriter_WrongHostRecoversAfterOneRetry(t *testing.T) {
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 5}
	client := wire.NewMockWrongHostThenHappyClient(1, "host-b")
	dial := func(context.Context, string) (wire.RawClient, error) { return client, nil }
	ctrl := controller.NewMockClient("host-a")
	w := newTestWriter(t, seg, dial, ctrl)

	require.NoError(t, w.Reconnect(context.Background()))

	done := make(chan error, 1)
	err := w.Write(context.Background(), &PendingEvent{
		Data:       []byte("hello"),
		OnComplete: func(err error) { done <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("event was never acked")
	}
}

func TestWriter_TryCloseWaitsForDrain(t *testing.T) {
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 3}
	w := newTestWriter(t, seg, func(context.Context, string) (wire.RawClient, error) {
		return nil, assert.AnError
	}, controller.NewMockClient("host-a"))

	w.pending.PushBack(&PendingEvent{Data: []byte("x")})
	assert.False(t, w.TryClose())
	assert.True(t, w.closing)

	w.pending.Init()
	assert.True(t, w.TryClose())
}

func TestWriter_FailAllSignalsEveryQueuedEvent(t *testing.T) {
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 4}
	w := newTestWriter(t, seg, func(context.Context, string) (wire.RawClient, error) {
		return nil, assert.AnError
	}, controller.NewMockClient("host-a"))

	var gotPending, gotInflight error
	w.pending.PushBack(&PendingEvent{OnComplete: func(err error) { gotPending = err }})
	w.inflight.PushBack(&PendingEvent{OnComplete: func(err error) { gotInflight = err }})

	cause := xerrors.NewNonRetryable("boom", nil)
	w.FailAll(cause)

	assert.ErrorIs(t, gotPending, cause)
	assert.ErrorIs(t, gotInflight, cause)
	assert.Equal(t, 0, w.PendingCount())
	assert.Equal(t, 0, w.InflightCount())
}
