package bytestream

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
	"github.com/relaykit/segstream/internal/reactor"
	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/wire"
	"github.com/relaykit/segstream/internal/writer"
	"github.com/relaykit/segstream/internal/xerrors"
)

// newTestByteStreamWriter wires a Writer + SegmentReactor against an
// in-process memstore, grounded on byte_stream_tests.rs's fixture setup.
func newTestByteStreamWriter(t *testing.T, store *memstore.Store, seg segment.Scoped) *Writer {
	t.Helper()
	logger := logging.New(logging.Config{Level: "error"}, "bytestream-test")
	conns := pool.NewManager(func(context.Context, string) (wire.RawClient, error) { return store, nil }, 4, 1000, logger)
	w := writer.New(seg, store, controller.NoAuth, conns, config.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, logger)
	require.NoError(t, w.Reconnect(context.Background()))

	r := reactor.NewSegmentReactor(w, logger)
	go r.Run(context.Background())
	t.Cleanup(func() {
		r.Inbox() <- reactor.Incoming{CloseReactor: true}
		<-r.Done()
	})

	return NewWriter(seg, r.Inbox(), store)
}

func TestWriter_WriteThenFlush(t *testing.T) {
	store := memstore.NewStore("host-a")
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 0}
	w := newTestByteStreamWriter(t, store, seg)

	n, err := w.Write(context.Background(), []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	require.NoError(t, w.Flush(context.Background()))

	_, tail, _, err := store.GetSegmentInfo(context.Background(), seg)
	require.NoError(t, err)
	assert.Equal(t, int64(11), tail)
}

func TestWriter_WriteChunksLargePayload(t *testing.T) {
	store := memstore.NewStore("host-a")
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 1}
	w := newTestByteStreamWriter(t, store, seg)

	buf := make([]byte, writer.MaxWriteSize+100)
	n, err := w.Write(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	require.NoError(t, w.Flush(context.Background()))

	_, tail, _, err := store.GetSegmentInfo(context.Background(), seg)
	require.NoError(t, err)
	assert.Equal(t, int64(len(buf)), tail)
}

func TestWriter_FlushWithNothingPendingIsNoop(t *testing.T) {
	store := memstore.NewStore("host-a")
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 2}
	w := newTestByteStreamWriter(t, store, seg)

	assert.NoError(t, w.Flush(context.Background()))
}

func TestWriter_SealThenWriteFails(t *testing.T) {
	store := memstore.NewStore("host-a")
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 3}
	w := newTestByteStreamWriter(t, store, seg)

	_, err := w.Write(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Seal(context.Background()))

	_, _, sealed, err := store.GetSegmentInfo(context.Background(), seg)
	require.NoError(t, err)
	assert.True(t, sealed)

	// Write only enqueues onto the reactor's inbox; the rejection surfaces
	// once Flush waits on the chunk's completion handle.
	_, err = w.Write(context.Background(), []byte("y"))
	require.NoError(t, err)

	err = w.Flush(context.Background())
	require.Error(t, err)
	var sealedErr *xerrors.SegmentSealedError
	assert.ErrorAs(t, err, &sealedErr)
}

func TestWriter_TruncateDataBefore(t *testing.T) {
	store := memstore.NewStore("host-a")
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 4}
	w := newTestByteStreamWriter(t, store, seg)

	_, err := w.Write(context.Background(), []byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, w.Flush(context.Background()))

	require.NoError(t, w.TruncateDataBefore(context.Background(), 5))

	head, _, _, err := store.GetSegmentInfo(context.Background(), seg)
	require.NoError(t, err)
	assert.Equal(t, int64(5), head)
}
