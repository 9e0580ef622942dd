package wire

import (
	"context"
	"fmt"
	"sync"
)

// RawClient is the seam between the reactor/table-sync layers and an
// actual connection. The production implementation (TCPClient) sends each
// Request as a length-prefixed frame and reads its Reply back on the same
// connection before accepting the next request; the mock implementations
// here play the same role in tests without a socket.
type RawClient interface {
	SendRequest(ctx context.Context, req Requests) (Replies, error)
	Close() error
}

// MockHappyClient answers every append with a DataAppended and every
// control request with its success reply, recording the last appended
// event number per segment as it goes. Grounded on the original client's write_once/write_once_for_selector
// test helpers (reactors.rs) which exercise exactly this "everything
// succeeds" path.
type MockHappyClient struct {
	mu          sync.Mutex
	lastEvent   map[string]int64
	tableData   map[string]map[string]TableEntry
}

func NewMockHappyClient() *MockHappyClient {
	return &MockHappyClient{
		lastEvent: make(map[string]int64),
		tableData: make(map[string]map[string]TableEntry),
	}
}

func (c *MockHappyClient) SendRequest(_ context.Context, req Requests) (Replies, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch r := req.(type) {
	case SetupAppend:
		return AppendSetup{ReqID: r.ReqID, WriterID: r.WriterID, Segment: r.Segment, LastEventNumber: c.lastEvent[r.Segment]}, nil
	case ConditionalAppend:
		c.lastEvent[r.Segment] = r.EventNumber
		return DataAppended{ReqID: r.ReqID, WriterID: r.WriterID, EventNumber: r.EventNumber}, nil
	case SealSegment:
		return SegmentSealed{ReqID: r.ReqID, Segment: r.Segment}, nil
	case TruncateSegment:
		return SegmentTruncated{ReqID: r.ReqID, Segment: r.Segment}, nil
	case GetStreamSegmentInfo:
		return StreamSegmentInfo{ReqID: r.ReqID, Segment: r.Segment, WriteOffset: c.lastEvent[r.Segment]}, nil
	case CreateTableSegment:
		if _, ok := c.tableData[r.Segment]; !ok {
			c.tableData[r.Segment] = make(map[string]TableEntry)
		}
		return TableEntriesUpdated{ReqID: r.ReqID, UpdatedVersions: nil}, nil
	case UpdateTableEntries:
		table := c.tableData[r.Segment]
		if table == nil {
			table = make(map[string]TableEntry)
			c.tableData[r.Segment] = table
		}
		versions := make([]int64, len(r.Entries))
		for i, e := range r.Entries {
			k := string(e.Key.Data)
			existing, ok := table[k]
			if e.Key.KeyVersion != KeyNoVersion {
				if !ok || existing.Key.KeyVersion != e.Key.KeyVersion {
					return TableKeyBadVersion{ReqID: r.ReqID, Segment: r.Segment}, nil
				}
			}
			newVersion := existing.Key.KeyVersion + 1
			table[k] = TableEntry{Key: TableKey{Data: e.Key.Data, KeyVersion: newVersion}, Value: e.Value}
			versions[i] = newVersion
		}
		return TableEntriesUpdated{ReqID: r.ReqID, UpdatedVersions: versions}, nil
	case ReadTable:
		table := c.tableData[r.Segment]
		entries := make([]TableEntry, len(r.Keys))
		for i, k := range r.Keys {
			if e, ok := table[string(k.Data)]; ok {
				entries[i] = e
			} else {
				entries[i] = TableEntry{Key: TableKey{Data: k.Data, KeyVersion: KeyNoVersion}}
			}
		}
		return TableRead{ReqID: r.ReqID, Entries: entries}, nil
	case RemoveTableKeys:
		table := c.tableData[r.Segment]
		for _, k := range r.Keys {
			existing, ok := table[string(k.Data)]
			if k.KeyVersion != KeyNoVersion && (!ok || existing.Key.KeyVersion != k.KeyVersion) {
				return TableKeyBadVersion{ReqID: r.ReqID, Segment: r.Segment}, nil
			}
			delete(table, string(k.Data))
		}
		return TableKeysRemoved{ReqID: r.ReqID, Segment: r.Segment}, nil
	default:
		return nil, fmt.Errorf("mock happy client: unhandled request %T", req)
	}
}

func (c *MockHappyClient) Close() error { return nil }

// MockWrongHostClient answers every request with WrongHost, simulating a
// stale endpoint after the segment migrated to another host. Grounded on
// reactors.rs's test_stream_reactor_wrong_host / test_segment_reactor_wrong_host.
type MockWrongHostClient struct {
	CorrectHost string
}

func (c *MockWrongHostClient) SendRequest(_ context.Context, req Requests) (Replies, error) {
	segment := ""
	if sa, ok := req.(SetupAppend); ok {
		segment = sa.Segment
	}
	if ca, ok := req.(ConditionalAppend); ok {
		segment = ca.Segment
	}
	return WrongHost{ReqID: req.RequestID(), Segment: segment, CorrectHost: c.CorrectHost}, nil
}

func (c *MockWrongHostClient) Close() error { return nil }

// MockWrongHostThenHappyClient answers WrongHost for its first FailCount
// requests, then behaves like MockHappyClient — exercising spec.md §8's
// wrong-host *recovery* scenario (one reconnect, then success), as opposed
// to MockWrongHostClient's always-fails exhaustion path. Grounded on the
// same reactors.rs wrong-host fixtures, extended with the recovering
// variant those fixtures also cover.
type MockWrongHostThenHappyClient struct {
	mu          sync.Mutex
	FailCount   int
	CorrectHost string
	calls       int
	lastEvent   map[string]int64
}

func NewMockWrongHostThenHappyClient(failCount int, correctHost string) *MockWrongHostThenHappyClient {
	return &MockWrongHostThenHappyClient{FailCount: failCount, CorrectHost: correctHost, lastEvent: make(map[string]int64)}
}

func (c *MockWrongHostThenHappyClient) SendRequest(_ context.Context, req Requests) (Replies, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.calls < c.FailCount {
		c.calls++
		segmentName := ""
		if sa, ok := req.(SetupAppend); ok {
			segmentName = sa.Segment
		}
		if ca, ok := req.(ConditionalAppend); ok {
			segmentName = ca.Segment
		}
		return WrongHost{ReqID: req.RequestID(), Segment: segmentName, CorrectHost: c.CorrectHost}, nil
	}
	c.calls++

	switch r := req.(type) {
	case SetupAppend:
		return AppendSetup{ReqID: r.ReqID, WriterID: r.WriterID, Segment: r.Segment, LastEventNumber: c.lastEvent[r.Segment]}, nil
	case ConditionalAppend:
		c.lastEvent[r.Segment] = r.EventNumber
		return DataAppended{ReqID: r.ReqID, WriterID: r.WriterID, EventNumber: r.EventNumber}, nil
	default:
		return nil, fmt.Errorf("mock wrong-host-then-happy client: unhandled request %T", req)
	}
}

func (c *MockWrongHostThenHappyClient) Close() error { return nil }

// MockSegmentSealedClient answers every request for a sealed segment with
// SegmentIsSealed. Grounded on test_stream_reactor_stream_is_sealed /
// test_segment_reactor_segment_is_sealed.
type MockSegmentSealedClient struct{}

func (c *MockSegmentSealedClient) SendRequest(_ context.Context, req Requests) (Replies, error) {
	segment := ""
	if sa, ok := req.(SetupAppend); ok {
		segment = sa.Segment
	}
	if ca, ok := req.(ConditionalAppend); ok {
		segment = ca.Segment
	}
	return SegmentIsSealed{ReqID: req.RequestID(), Segment: segment}, nil
}

func (c *MockSegmentSealedClient) Close() error { return nil }
