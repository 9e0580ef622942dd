// Package readergroup implements the distributed reader-group coordination
// state machine (spec ch.4.7) as a set of pure update functions over the
// table synchronizer (C8). Grounded directly on the original client's
// ReaderGroupState (reader_group_state.rs): the four outer-key namespaces,
// the four-step segment_completed transaction, and the precondition errors
// each method enforces.
package readergroup

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/tablesync"
	"github.com/relaykit/segstream/internal/xerrors"
)

const (
	assignedKey   = "assigned_segments"
	unassignedKey = "unassigned_segments"
	futureKey     = "future_segments"
	distanceKey   = "distance_to_tail"
)

// assignedSegments is the value stored at assigned_segments/<reader-id>:
// every segment-with-range that reader currently owns, plus its offset.
type assignedSegments map[string]segmentOffset

type segmentOffset struct {
	Range  segment.WithRange `json:"range"`
	Offset segment.Offset    `json:"offset"`
}

// SuccessorSet is one successor segment paired with the predecessor
// segment numbers it depends on, matching controller.SuccessorSegment's
// shape but decoupled from the controller package to avoid an import
// cycle (readergroup only depends on tablesync).
type SuccessorSet struct {
	Segment      segment.WithRange
	Predecessors []int64
}

// State is a handle to one reader group's coordination state, backed by a
// table synchronizer instance.
type State struct {
	sync *tablesync.Map
}

func New(sync *tablesync.Map) *State {
	return &State{sync: sync}
}

// Init seeds the table with the initial unassigned segment set, but only
// if the table is empty — matching the original constructor's "if
// table.is_empty()" guard so re-joining an existing reader group never
// clobbers state another process already wrote.
func (s *State) Init(ctx context.Context, initial map[segment.WithRange]segment.Offset) error {
	return s.sync.Insert(ctx, func(view tablesync.View) ([]tablesync.Op, error) {
		if len(view) != 0 {
			return nil, nil
		}
		var ops []tablesync.Op
		for seg, off := range initial {
			data, err := json.Marshal(off)
			if err != nil {
				return nil, fmt.Errorf("marshal initial offset for %s: %w", seg, err)
			}
			ops = append(ops, tablesync.Op{Outer: unassignedKey, Inner: rangeKey(seg), Data: data, ExpectedVersion: wireNoVersion})
		}
		return ops, nil
	})
}

// wireNoVersion mirrors tablesync's unconditional-write sentinel; kept
// local to avoid importing the wire package just for one constant.
const wireNoVersion = -1

// AddReader adds reader to the group; fails with ErrReaderAlreadyOnline if
// it already has an assigned_segments row (spec ch.4.7 add_reader).
func (s *State) AddReader(ctx context.Context, reader string) error {
	return s.sync.Insert(ctx, func(view tablesync.View) ([]tablesync.Op, error) {
		if _, ok := view[assignedKey][reader]; ok {
			return nil, fmt.Errorf("add reader %s: %w", reader, xerrors.ErrReaderAlreadyOnline)
		}
		empty, _ := json.Marshal(assignedSegments{})
		dist, _ := json.Marshal(uint64(math.MaxUint64))
		return []tablesync.Op{
			{Outer: assignedKey, Inner: reader, Data: empty, ExpectedVersion: wireNoVersion},
			{Outer: distanceKey, Inner: reader, Data: dist, ExpectedVersion: wireNoVersion},
		}, nil
	})
}

// RemoveReader moves every segment reader owns into unassigned (using
// latestOwned's offset if the caller has a fresher one than the table's,
// otherwise the table's own offset) and tombstones reader's assigned and
// distance rows (spec ch.4.7 remove_reader).
func (s *State) RemoveReader(ctx context.Context, reader string, latestOwned map[segment.Scoped]segment.Offset) error {
	return s.sync.Insert(ctx, func(view tablesync.View) ([]tablesync.Op, error) {
		owned, err := readerOwnedSegments(view, reader)
		if err != nil {
			return nil, fmt.Errorf("remove reader %s: %w", reader, err)
		}

		var ops []tablesync.Op
		for segStr, so := range owned {
			off := so.Offset
			if latest, ok := latestOwned[so.Range.Scoped]; ok {
				off = latest
			}
			data, err := json.Marshal(off)
			if err != nil {
				return nil, fmt.Errorf("marshal offset: %w", err)
			}
			ops = append(ops, tablesync.Op{Outer: unassignedKey, Inner: segStr, Data: data, ExpectedVersion: entryVersion(view, unassignedKey, segStr)})
		}
		ops = append(ops,
			tablesync.Op{Outer: assignedKey, Inner: reader, Tombstone: true, ExpectedVersion: entryVersion(view, assignedKey, reader)},
			tablesync.Op{Outer: distanceKey, Inner: reader, Tombstone: true, ExpectedVersion: entryVersion(view, distanceKey, reader)},
		)
		return ops, nil
	})
}

// AssignSegmentToReader moves one unassigned segment (caller must not
// assume any particular selection order; the original client pops an
// arbitrary map entry) into reader's assigned map, returning its scoped
// form, or ok=false if none are unassigned (spec ch.4.7).
func (s *State) AssignSegmentToReader(ctx context.Context, reader string) (seg segment.Scoped, ok bool, err error) {
	err = s.sync.Insert(ctx, func(view tablesync.View) ([]tablesync.Op, error) {
		owned, rerr := readerOwnedSegments(view, reader)
		if rerr != nil {
			return nil, fmt.Errorf("assign segment to reader %s: %w", reader, rerr)
		}
		unassigned := view[unassignedKey]
		if len(unassigned) == 0 {
			return nil, nil
		}

		var pickedKey string
		var pickedOffset segment.Offset
		for k, e := range unassigned {
			var off segment.Offset
			if uerr := json.Unmarshal(e.Data, &off); uerr != nil {
				return nil, fmt.Errorf("unmarshal unassigned offset for %s: %w", k, uerr)
			}
			pickedKey, pickedOffset = k, off
			break
		}

		pickedRange, perr := parseRangeKey(pickedKey)
		if perr != nil {
			return nil, perr
		}

		owned[pickedKey] = segmentOffset{Range: pickedRange, Offset: pickedOffset}
		data, merr := json.Marshal(owned)
		if merr != nil {
			return nil, fmt.Errorf("marshal owned segments: %w", merr)
		}

		seg = pickedRange.Scoped
		ok = true
		return []tablesync.Op{
			{Outer: assignedKey, Inner: reader, Data: data, ExpectedVersion: entryVersion(view, assignedKey, reader)},
			{Outer: unassignedKey, Inner: pickedKey, Tombstone: true, ExpectedVersion: entryVersion(view, unassignedKey, pickedKey)},
		}, nil
	})
	return seg, ok, err
}

// ReleaseSegment requires s be the one assigned-to-reader segment whose
// scoped form matches s, and that it isn't already unassigned, then moves
// it back to unassigned with offset (spec ch.4.7 release_segment).
func (s *State) ReleaseSegment(ctx context.Context, reader string, target segment.Scoped, offset segment.Offset) error {
	return s.sync.Insert(ctx, func(view tablesync.View) ([]tablesync.Op, error) {
		owned, err := readerOwnedSegments(view, reader)
		if err != nil {
			return nil, fmt.Errorf("release segment %s: %w", target, err)
		}

		var matchKey string
		matches := 0
		for k, so := range owned {
			if so.Range.Scoped == target {
				matchKey = k
				matches++
			}
		}
		if matches != 1 {
			return nil, fmt.Errorf("release segment %s: expected exactly one matching assigned entry, found %d: %w", target, matches, xerrors.ErrSegmentNotAssigned)
		}
		if _, ok := view[unassignedKey][matchKey]; ok {
			return nil, fmt.Errorf("release segment %s: already present in unassigned", target)
		}

		delete(owned, matchKey)
		assignedData, err := json.Marshal(owned)
		if err != nil {
			return nil, fmt.Errorf("marshal owned segments: %w", err)
		}
		offsetData, err := json.Marshal(offset)
		if err != nil {
			return nil, fmt.Errorf("marshal offset: %w", err)
		}

		return []tablesync.Op{
			{Outer: assignedKey, Inner: reader, Data: assignedData, ExpectedVersion: entryVersion(view, assignedKey, reader)},
			{Outer: unassignedKey, Inner: matchKey, Data: offsetData, ExpectedVersion: wireNoVersion},
		}, nil
	})
}

// UpdateReaderPositions requires reader be online; for each position whose
// segment exists in reader's assigned map, overwrites its offset. Positions
// for segments not currently assigned to reader are ignored (spec ch.4.7).
func (s *State) UpdateReaderPositions(ctx context.Context, reader string, positions map[segment.WithRange]segment.Offset, logf func(format string, args ...any)) error {
	return s.sync.Insert(ctx, func(view tablesync.View) ([]tablesync.Op, error) {
		owned, err := readerOwnedSegments(view, reader)
		if err != nil {
			return nil, fmt.Errorf("update reader positions for %s: %w", reader, err)
		}
		if len(owned) != len(positions) && logf != nil {
			logf("owned segments size %d does not match latest positions size %d", len(owned), len(positions))
		}

		for seg, off := range positions {
			key := rangeKey(seg)
			if so, ok := owned[key]; ok {
				so.Offset = off
				owned[key] = so
			} else if logf != nil {
				logf("position update for %s ignored: not assigned to reader %s", seg, reader)
			}
		}

		data, err := json.Marshal(owned)
		if err != nil {
			return nil, fmt.Errorf("marshal owned segments: %w", err)
		}
		return []tablesync.Op{
			{Outer: assignedKey, Inner: reader, Data: data, ExpectedVersion: entryVersion(view, assignedKey, reader)},
		}, nil
	})
}

// SegmentCompleted runs the four-step transaction from spec ch.4.7: remove
// completed from reader's assigned map, register any new successors in
// future_segments, strike completed's segment number from every future
// entry's predecessor set, and promote any future entry whose set is now
// empty to unassigned with offset (0,0).
func (s *State) SegmentCompleted(ctx context.Context, reader string, completed segment.WithRange, successors []SuccessorSet) error {
	return s.sync.Insert(ctx, func(view tablesync.View) ([]tablesync.Op, error) {
		owned, err := readerOwnedSegments(view, reader)
		if err != nil {
			return nil, fmt.Errorf("segment completed for %s: %w", reader, err)
		}
		completedKey := rangeKey(completed)
		if _, ok := owned[completedKey]; !ok {
			return nil, fmt.Errorf("segment completed: %s not assigned to reader %s", completed, reader)
		}
		delete(owned, completedKey)

		future, err := futureSegments(view)
		if err != nil {
			return nil, fmt.Errorf("segment completed: %w", err)
		}

		var ops []tablesync.Op

		// step 2: register new successors not already tracked.
		for _, succ := range successors {
			key := rangeKey(succ.Segment)
			if _, ok := future[key]; ok {
				continue
			}
			predecessors := make(map[int64]struct{}, len(succ.Predecessors))
			for _, p := range succ.Predecessors {
				predecessors[p] = struct{}{}
			}
			future[key] = predecessors
		}

		// step 3: strike the completed segment's number from every predecessor set.
		for key, preds := range future {
			delete(preds, completed.Scoped.Number)
			future[key] = preds
		}

		// step 4: promote any now-empty predecessor set to unassigned.
		for key, preds := range future {
			if len(preds) > 0 {
				data, merr := marshalPredecessors(preds)
				if merr != nil {
					return nil, merr
				}
				ops = append(ops, tablesync.Op{Outer: futureKey, Inner: key, Data: data, ExpectedVersion: entryVersion(view, futureKey, key)})
				continue
			}
			offsetData, merr := json.Marshal(segment.ZeroOffset)
			if merr != nil {
				return nil, fmt.Errorf("marshal zero offset: %w", merr)
			}
			ops = append(ops,
				tablesync.Op{Outer: unassignedKey, Inner: key, Data: offsetData, ExpectedVersion: wireNoVersion},
				tablesync.Op{Outer: futureKey, Inner: key, Tombstone: true, ExpectedVersion: entryVersion(view, futureKey, key)},
			)
		}

		assignedData, err := json.Marshal(owned)
		if err != nil {
			return nil, fmt.Errorf("marshal owned segments: %w", err)
		}
		ops = append(ops, tablesync.Op{Outer: assignedKey, Inner: reader, Data: assignedData, ExpectedVersion: entryVersion(view, assignedKey, reader)})

		return ops, nil
	})
}

// --- read-only queries (supplemented; fetch fresh data first) ---

// GetOnlineReaders returns every reader currently present in assigned_segments.
func (s *State) GetOnlineReaders(ctx context.Context) ([]string, error) {
	if err := s.sync.FetchUpdates(ctx); err != nil {
		return nil, fmt.Errorf("fetch updates: %w", err)
	}
	inner := s.sync.GetInnerMap(assignedKey)
	out := make([]string, 0, len(inner))
	for reader := range inner {
		out = append(out, reader)
	}
	return out, nil
}

// GetReaderPositions returns reader's currently assigned segment offsets.
func (s *State) GetReaderPositions(ctx context.Context, reader string) (map[segment.WithRange]segment.Offset, error) {
	if err := s.sync.FetchUpdates(ctx); err != nil {
		return nil, fmt.Errorf("fetch updates: %w", err)
	}
	e, ok := s.sync.Get(assignedKey, reader)
	if !ok {
		return nil, fmt.Errorf("get reader positions: %w", xerrors.ErrReaderNotOnline)
	}
	var owned assignedSegments
	if err := json.Unmarshal(e.Data, &owned); err != nil {
		return nil, fmt.Errorf("unmarshal reader positions: %w", err)
	}
	out := make(map[segment.WithRange]segment.Offset, len(owned))
	for _, so := range owned {
		out[so.Range] = so.Offset
	}
	return out, nil
}

// GetSegments returns every segment tracked across assigned and unassigned
// (future_segments are not yet readable, so they're excluded).
func (s *State) GetSegments(ctx context.Context) ([]segment.Scoped, error) {
	if err := s.sync.FetchUpdates(ctx); err != nil {
		return nil, fmt.Errorf("fetch updates: %w", err)
	}
	seen := make(map[segment.Scoped]struct{})

	for _, e := range s.sync.GetInnerMap(assignedKey) {
		var owned assignedSegments
		if err := json.Unmarshal(e.Data, &owned); err != nil {
			return nil, fmt.Errorf("unmarshal assigned segments: %w", err)
		}
		for _, so := range owned {
			seen[so.Range.Scoped] = struct{}{}
		}
	}
	for key := range s.sync.GetInnerMap(unassignedKey) {
		r, err := parseRangeKey(key)
		if err != nil {
			return nil, err
		}
		seen[r.Scoped] = struct{}{}
	}

	out := make([]segment.Scoped, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out, nil
}

// GetSegmentsForReader returns the scoped segments currently assigned to reader.
func (s *State) GetSegmentsForReader(ctx context.Context, reader string) ([]segment.Scoped, error) {
	if err := s.sync.FetchUpdates(ctx); err != nil {
		return nil, fmt.Errorf("fetch updates: %w", err)
	}
	e, ok := s.sync.Get(assignedKey, reader)
	if !ok {
		return nil, fmt.Errorf("get segments for reader: %w", xerrors.ErrReaderNotOnline)
	}
	var owned assignedSegments
	if err := json.Unmarshal(e.Data, &owned); err != nil {
		return nil, fmt.Errorf("unmarshal owned segments: %w", err)
	}
	out := make([]segment.Scoped, 0, len(owned))
	for _, so := range owned {
		out = append(out, so.Range.Scoped)
	}
	return out, nil
}

// --- helpers ---

func readerOwnedSegments(view tablesync.View, reader string) (assignedSegments, error) {
	e, ok := view[assignedKey][reader]
	if !ok {
		return nil, xerrors.ErrReaderNotOnline
	}
	var owned assignedSegments
	if err := json.Unmarshal(e.Data, &owned); err != nil {
		return nil, fmt.Errorf("unmarshal assigned segments for %s: %w", reader, err)
	}
	if owned == nil {
		owned = assignedSegments{}
	}
	return owned, nil
}

func futureSegments(view tablesync.View) (map[string]map[int64]struct{}, error) {
	out := make(map[string]map[int64]struct{})
	for key, e := range view[futureKey] {
		var preds []int64
		if err := json.Unmarshal(e.Data, &preds); err != nil {
			return nil, fmt.Errorf("unmarshal future predecessors for %s: %w", key, err)
		}
		set := make(map[int64]struct{}, len(preds))
		for _, p := range preds {
			set[p] = struct{}{}
		}
		out[key] = set
	}
	return out, nil
}

func marshalPredecessors(set map[int64]struct{}) ([]byte, error) {
	preds := make([]int64, 0, len(set))
	for p := range set {
		preds = append(preds, p)
	}
	data, err := json.Marshal(preds)
	if err != nil {
		return nil, fmt.Errorf("marshal predecessor set: %w", err)
	}
	return data, nil
}

func entryVersion(view tablesync.View, outer, inner string) int64 {
	if e, ok := view[outer][inner]; ok {
		return e.Version
	}
	return wireNoVersion
}

// rangeKey is the inner-key encoding used for every segment-with-range
// stored in unassigned_segments/future_segments/assigned_segments' nested
// map: JSON rather than WithRange.String(), so it round-trips exactly
// through parseRangeKey (String() is for logs, not storage).
func rangeKey(r segment.WithRange) string {
	b, err := json.Marshal(r)
	if err != nil {
		// WithRange has no unmarshalable fields; Marshal cannot fail.
		panic(fmt.Sprintf("marshal segment-with-range key: %v", err))
	}
	return string(b)
}

func parseRangeKey(key string) (segment.WithRange, error) {
	var r segment.WithRange
	if err := json.Unmarshal([]byte(key), &r); err != nil {
		return segment.WithRange{}, fmt.Errorf("parse segment-with-range key %q: %w", key, err)
	}
	return r, nil
}
