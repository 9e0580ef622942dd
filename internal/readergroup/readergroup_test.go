package readergroup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/tablesync"
	"github.com/relaykit/segstream/internal/wire"
	"github.com/relaykit/segstream/internal/xerrors"
)

func newTestState() *State {
	client := wire.NewMockHappyClient()
	return New(tablesync.New("reader-group-table", client))
}

func seg(n int64, min, max float64) segment.WithRange {
	return segment.WithRange{
		Scoped: segment.Scoped{Scope: "scope", Stream: "stream", Number: n},
		MinKey: min, MaxKey: max,
	}
}

func TestState_InitIsIdempotent(t *testing.T) {
	s := newTestState()
	initial := map[segment.WithRange]segment.Offset{
		seg(0, 0, 1): segment.ZeroOffset,
	}
	require.NoError(t, s.Init(context.Background(), initial))

	segs, err := s.GetSegments(context.Background())
	require.NoError(t, err)
	assert.Len(t, segs, 1)

	// Init again with a different set must be a no-op: the table is no
	// longer empty.
	require.NoError(t, s.Init(context.Background(), map[segment.WithRange]segment.Offset{
		seg(1, 0, 1): segment.ZeroOffset,
	}))
	segs, err = s.GetSegments(context.Background())
	require.NoError(t, err)
	assert.Len(t, segs, 1)
}

func TestState_AddReaderThenAssignSegment(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.Init(context.Background(), map[segment.WithRange]segment.Offset{
		seg(0, 0, 1): segment.ZeroOffset,
	}))
	require.NoError(t, s.AddReader(context.Background(), "reader-1"))

	assigned, ok, err := s.AssignSegmentToReader(context.Background(), "reader-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), assigned.Number)

	_, ok, err = s.AssignSegmentToReader(context.Background(), "reader-1")
	require.NoError(t, err)
	assert.False(t, ok, "no unassigned segments remain")
}

func TestState_AddReaderAlreadyOnline(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.AddReader(context.Background(), "reader-1"))
	err := s.AddReader(context.Background(), "reader-1")
	assert.ErrorIs(t, err, xerrors.ErrReaderAlreadyOnline)
}

func TestState_RemoveReaderReturnsSegmentsToUnassigned(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.Init(context.Background(), map[segment.WithRange]segment.Offset{
		seg(0, 0, 1): segment.ZeroOffset,
	}))
	require.NoError(t, s.AddReader(context.Background(), "reader-1"))
	_, ok, err := s.AssignSegmentToReader(context.Background(), "reader-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.RemoveReader(context.Background(), "reader-1", nil))

	readers, err := s.GetOnlineReaders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, readers)

	segs, err := s.GetSegments(context.Background())
	require.NoError(t, err)
	assert.Contains(t, segs, seg(0, 0, 1).Scoped)

	_, ok, err = s.AssignSegmentToReader(context.Background(), "reader-1-does-not-exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, xerrors.ErrReaderNotOnline)
}

func TestState_SegmentCompletedPromotesSuccessor(t *testing.T) {
	s := newTestState()
	completed := seg(0, 0, 1)
	require.NoError(t, s.Init(context.Background(), map[segment.WithRange]segment.Offset{
		completed: segment.ZeroOffset,
	}))
	require.NoError(t, s.AddReader(context.Background(), "reader-1"))
	_, ok, err := s.AssignSegmentToReader(context.Background(), "reader-1")
	require.NoError(t, err)
	require.True(t, ok)

	successor := SuccessorSet{Segment: seg(1, 0, 1), Predecessors: []int64{0}}
	require.NoError(t, s.SegmentCompleted(context.Background(), "reader-1", completed, []SuccessorSet{successor}))

	segs, err := s.GetSegments(context.Background())
	require.NoError(t, err)
	assert.Contains(t, segs, successor.Segment.Scoped)
	assert.NotContains(t, segs, completed.Scoped)
}

func TestState_UpdateReaderPositions(t *testing.T) {
	s := newTestState()
	assignedSeg := seg(0, 0, 1)
	require.NoError(t, s.Init(context.Background(), map[segment.WithRange]segment.Offset{
		assignedSeg: segment.ZeroOffset,
	}))
	require.NoError(t, s.AddReader(context.Background(), "reader-1"))
	_, ok, err := s.AssignSegmentToReader(context.Background(), "reader-1")
	require.NoError(t, err)
	require.True(t, ok)

	newOffset := segment.Offset{Read: 100, Processed: 90}
	require.NoError(t, s.UpdateReaderPositions(context.Background(), "reader-1", map[segment.WithRange]segment.Offset{
		assignedSeg: newOffset,
	}, nil))

	positions, err := s.GetReaderPositions(context.Background(), "reader-1")
	require.NoError(t, err)
	assert.Equal(t, newOffset, positions[assignedSeg])
}
