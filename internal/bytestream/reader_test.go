package bytestream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/segstream/internal/memstore"
	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/wire"
	"github.com/relaykit/segstream/internal/xerrors"
)

// writeDirect seeds a segment's bytes without going through a Writer/
// reactor, since these tests exercise only the read path.
func writeDirect(t *testing.T, store *memstore.Store, seg segment.Scoped, data []byte) {
	t.Helper()
	_, err := store.SendRequest(context.Background(), wire.ConditionalAppend{
		ReqID:          1,
		WriterID:       "seed-writer",
		Segment:        seg.String(),
		EventNumber:    0,
		ExpectedOffset: -1,
		Data:           data,
	})
	require.NoError(t, err)
}

func TestReader_ReadAdvancesOffset(t *testing.T) {
	store := memstore.NewStore("host-a")
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 0}
	writeDirect(t, store, seg, []byte("hello world"))

	r := NewReader(seg, store.ForSegment(seg), store)

	buf := make([]byte, 5)
	n, err := r.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
	assert.Equal(t, int64(5), r.CurrentOffset())

	n, err = r.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, " worl", string(buf))
}

func TestReader_ReadPastSealedTailFails(t *testing.T) {
	store := memstore.NewStore("host-a")
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 1}
	writeDirect(t, store, seg, []byte("hi"))
	require.NoError(t, store.SealSegment(context.Background(), seg))

	r := NewReader(seg, store.ForSegment(seg), store)
	buf := make([]byte, 2)
	n, err := r.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = r.Read(context.Background(), buf)
	require.Error(t, err)
	var sealed *xerrors.SegmentSealedError
	assert.ErrorAs(t, err, &sealed)
}

func TestReader_SeekVariants(t *testing.T) {
	store := memstore.NewStore("host-a")
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 2}
	writeDirect(t, store, seg, []byte("0123456789"))

	r := NewReader(seg, store.ForSegment(seg), store)

	off, err := r.Seek(context.Background(), SeekStart, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), off)

	off, err = r.Seek(context.Background(), SeekCurrent, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(6), off)

	off, err = r.Seek(context.Background(), SeekEnd, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(9), off)

	_, err = r.Seek(context.Background(), SeekStart, 100)
	var invalid *xerrors.InvalidSeekError
	assert.ErrorAs(t, err, &invalid)

	_, err = r.Seek(context.Background(), SeekCurrent, -100)
	assert.ErrorAs(t, err, &invalid)
}

func TestReader_CurrentHeadAdvancesUnderTruncation(t *testing.T) {
	store := memstore.NewStore("host-a")
	seg := segment.Scoped{Scope: "scope", Stream: "stream", Number: 3}
	writeDirect(t, store, seg, []byte("0123456789"))
	require.NoError(t, store.TruncateSegment(context.Background(), seg, 4))

	r := NewReader(seg, store.ForSegment(seg), store)
	head, err := r.CurrentHead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), head)
}
