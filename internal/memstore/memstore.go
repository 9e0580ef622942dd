// Package memstore is an in-process stand-in for a segment store,
// playing all three of the external roles spec ch.6 names as the Mock
// connection_type: a wire.RawClient for appends/control, a
// controller.Client for endpoint/topology/metadata queries, and an
// asyncreader.Reader for the read path. It is the one place the generated
// byte-for-byte data a test writes is actually kept, mirroring what the
// original client's ConnectionType::Mock variants backed onto.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaykit/segstream/internal/asyncreader"
	"github.com/relaykit/segstream/internal/controller"
	"github.com/relaykit/segstream/internal/segment"
	"github.com/relaykit/segstream/internal/wire"
)

type segmentState struct {
	data   []byte
	head   int64 // current_head: bytes before this index are truncated away
	sealed bool
}

// Store is a single-host, single-process segment store. Safe for
// concurrent use; every mutating operation holds one mutex since tests
// exercising it are not throughput-sensitive.
type Store struct {
	mu       sync.Mutex
	host     string
	segments map[string]*segmentState
}

func NewStore(host string) *Store {
	return &Store{host: host, segments: make(map[string]*segmentState)}
}

func (s *Store) stateFor(name string) *segmentState {
	st, ok := s.segments[name]
	if !ok {
		st = &segmentState{}
		s.segments[name] = st
	}
	return st
}

// --- wire.RawClient ---

func (s *Store) SendRequest(_ context.Context, req wire.Requests) (wire.Replies, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r := req.(type) {
	case wire.SetupAppend:
		st := s.stateFor(r.Segment)
		if st.sealed {
			return wire.SegmentIsSealed{ReqID: r.ReqID, Segment: r.Segment}, nil
		}
		return wire.AppendSetup{ReqID: r.ReqID, WriterID: r.WriterID, Segment: r.Segment, LastEventNumber: -1}, nil

	case wire.ConditionalAppend:
		st := s.stateFor(r.Segment)
		if st.sealed {
			return wire.SegmentIsSealed{ReqID: r.ReqID, Segment: r.Segment}, nil
		}
		st.data = append(st.data, r.Data...)
		return wire.DataAppended{ReqID: r.ReqID, WriterID: r.WriterID, EventNumber: r.EventNumber}, nil

	case wire.SealSegment:
		st := s.stateFor(r.Segment)
		st.sealed = true
		return wire.SegmentSealed{ReqID: r.ReqID, Segment: r.Segment}, nil

	case wire.TruncateSegment:
		st := s.stateFor(r.Segment)
		if r.Offset > st.head {
			st.head = r.Offset
		}
		return wire.SegmentTruncated{ReqID: r.ReqID, Segment: r.Segment}, nil

	case wire.GetStreamSegmentInfo:
		st := s.stateFor(r.Segment)
		return wire.StreamSegmentInfo{ReqID: r.ReqID, Segment: r.Segment, StartOffset: st.head, WriteOffset: int64(len(st.data)), IsSealed: st.sealed}, nil

	default:
		return nil, fmt.Errorf("memstore: unhandled request %T", req)
	}
}

func (s *Store) Close() error { return nil }

// --- controller.Client ---

func (s *Store) GetEndpointForSegment(_ context.Context, _ segment.Scoped) (string, error) {
	return s.host, nil
}

func (s *Store) InvalidateEndpoint(segment.Scoped) {}

func (s *Store) GetSuccessors(context.Context, segment.Scoped) ([]controller.SuccessorSegment, error) {
	return nil, nil
}

func (s *Store) GetCurrentSegments(context.Context, string, string) ([]segment.WithRange, error) {
	return nil, nil
}

func (s *Store) SealSegment(_ context.Context, seg segment.Scoped) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFor(seg.String()).sealed = true
	return nil
}

func (s *Store) TruncateSegment(_ context.Context, seg segment.Scoped, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(seg.String())
	if offset > st.head {
		st.head = offset
	}
	return nil
}

func (s *Store) GetSegmentInfo(_ context.Context, seg segment.Scoped) (int64, int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(seg.String())
	return st.head, int64(len(st.data)), st.sealed, nil
}

// --- asyncreader.Reader ---

// ReadSegment reads from the named segment; Store exposes per-segment
// asyncreader.Reader values bound to one name via ForSegment, since
// asyncreader.Reader itself is scoped to exactly one segment.
func (s *Store) ReadSegment(name string, offset int64, maxLen int32) (asyncreader.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(name)

	if offset < st.head {
		return asyncreader.Result{}, fmt.Errorf("no such segment: offset %d before head %d", offset, st.head)
	}
	tail := int64(len(st.data))
	if offset >= tail {
		if st.sealed {
			return asyncreader.Result{EndOfSegment: true}, nil
		}
		return asyncreader.Result{Data: nil}, nil
	}
	end := offset + int64(maxLen)
	if end > tail {
		end = tail
	}
	return asyncreader.Result{Data: st.data[offset:end]}, nil
}

// ForSegment returns an asyncreader.Reader bound to one segment name, for
// handing to a ByteStreamReader.
func (s *Store) ForSegment(seg segment.Scoped) asyncreader.Reader {
	return segmentReader{store: s, name: seg.String()}
}

type segmentReader struct {
	store *Store
	name  string
}

func (r segmentReader) Read(_ context.Context, offset int64, maxLen int32) (asyncreader.Result, error) {
	return r.store.ReadSegment(r.name, offset, maxLen)
}
