package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaykit/segstream/internal/segment"
)

// MockClient is an in-memory Client for tests: a fixed host per segment,
// a scriptable successor map, and a sealed-set the test can mutate to
// simulate a stream finishing.
type MockClient struct {
	mu          sync.Mutex
	Host        string
	Successors  map[segment.Scoped][]SuccessorSegment
	Current     map[string][]segment.WithRange // key: scope/stream
	sealed      map[segment.Scoped]bool
	truncated   map[segment.Scoped]int64
	writeOffset map[segment.Scoped]int64
}

func NewMockClient(host string) *MockClient {
	return &MockClient{
		Host:        host,
		Successors:  make(map[segment.Scoped][]SuccessorSegment),
		Current:     make(map[string][]segment.WithRange),
		sealed:      make(map[segment.Scoped]bool),
		truncated:   make(map[segment.Scoped]int64),
		writeOffset: make(map[segment.Scoped]int64),
	}
}

// SetWriteOffset lets a test script the tail GetSegmentInfo reports for s,
// standing in for the data the mock has no real append path to track.
func (m *MockClient) SetWriteOffset(s segment.Scoped, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeOffset[s] = offset
}

func (m *MockClient) GetEndpointForSegment(_ context.Context, _ segment.Scoped) (string, error) {
	return m.Host, nil
}

func (m *MockClient) InvalidateEndpoint(segment.Scoped) {}

func (m *MockClient) GetSuccessors(_ context.Context, s segment.Scoped) ([]SuccessorSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Successors[s], nil
}

func (m *MockClient) GetCurrentSegments(_ context.Context, scope, stream string) ([]segment.WithRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Current[scope+"/"+stream], nil
}

func (m *MockClient) SealSegment(_ context.Context, s segment.Scoped) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed[s] = true
	return nil
}

func (m *MockClient) TruncateSegment(_ context.Context, s segment.Scoped, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.truncated[s] = offset
	return nil
}

func (m *MockClient) GetSegmentInfo(_ context.Context, s segment.Scoped) (startOffset, writeOffset int64, sealed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.truncated[s], m.writeOffset[s], m.sealed[s], nil
}

func (m *MockClient) IsSealed(s segment.Scoped) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sealed[s]
}

func (m *MockClient) String() string {
	return fmt.Sprintf("MockClient{host=%s}", m.Host)
}
