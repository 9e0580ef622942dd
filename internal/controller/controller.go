// Package controller is a stand-in for the controller-client RPC layer
// (spec ch.1/6 names it an external collaborator): endpoint resolution,
// successor lookup, and segment lifecycle operations. Endpoint lookups are
// cached with an LRU the way the teacher corpus caches metadata lookups,
// since the controller is typically the one round-trip on every reconnect
// path and successor promotion.
package controller

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relaykit/segstream/internal/segment"
)

// Client resolves stream topology: current segment endpoints, successor
// segments after a seal, and segment metadata/lifecycle operations.
type Client interface {
	// GetEndpointForSegment returns the host:port currently owning s.
	GetEndpointForSegment(ctx context.Context, s segment.Scoped) (string, error)
	// GetSuccessors returns the segments that replace s once sealed, each
	// with its predecessor set (for future_segments bookkeeping). An empty
	// result means the stream is fully sealed at s.
	GetSuccessors(ctx context.Context, s segment.Scoped) ([]SuccessorSegment, error)
	// GetCurrentSegments returns the active segment-with-range set for a
	// stream epoch, used to seed the selector when an event-stream writer
	// is opened.
	GetCurrentSegments(ctx context.Context, scope, stream string) ([]segment.WithRange, error)
	// SealSegment requests the server seal s.
	SealSegment(ctx context.Context, s segment.Scoped) error
	// TruncateSegment requests the server discard bytes before offset.
	TruncateSegment(ctx context.Context, s segment.Scoped, offset int64) error
	// GetSegmentInfo returns s's current starting offset (head, advances
	// under truncation), write offset (tail) and seal state (spec ch.4.5/4.6,
	// backing current_head/current_offset/seek).
	GetSegmentInfo(ctx context.Context, s segment.Scoped) (startOffset, writeOffset int64, sealed bool, err error)
	// InvalidateEndpoint drops any cached endpoint for s, forcing the next
	// GetEndpointForSegment to re-resolve. Called after WrongHost.
	InvalidateEndpoint(s segment.Scoped)
}

// SuccessorSegment pairs a newly active segment with the predecessor
// segment numbers it replaces, mirroring the table synchronizer's
// future_segments bookkeeping need (spec ch.3/4.7).
type SuccessorSegment struct {
	Segment      segment.WithRange
	Predecessors []int64
}

// TokenProvider issues delegation tokens for authenticated controller/data
// plane calls when is_auth_enabled is set (spec ch.6).
type TokenProvider interface {
	Token(ctx context.Context, s segment.Scoped) (string, error)
}

// noAuthProvider is used when is_auth_enabled is false.
type noAuthProvider struct{}

func (noAuthProvider) Token(context.Context, segment.Scoped) (string, error) { return "", nil }

// NoAuth is the TokenProvider for unauthenticated deployments.
var NoAuth TokenProvider = noAuthProvider{}

// cachingClient wraps a backing Client with an LRU endpoint cache so
// repeated reconnects to a hot segment don't re-hit the controller.
type cachingClient struct {
	backing Client
	mu      sync.Mutex
	cache   *lru.Cache[segment.Scoped, string]
}

// NewCachingClient wraps backing with an endpoint LRU of the given size.
// Reader-group/table-synchronizer state is explicitly NOT routed through
// this cache (or any cache): that state's correctness depends on always
// observing the latest version, which an evicting cache could violate.
func NewCachingClient(backing Client, cacheSize int) (Client, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	c, err := lru.New[segment.Scoped, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create endpoint cache: %w", err)
	}
	return &cachingClient{backing: backing, cache: c}, nil
}

func (c *cachingClient) GetEndpointForSegment(ctx context.Context, s segment.Scoped) (string, error) {
	c.mu.Lock()
	if ep, ok := c.cache.Get(s); ok {
		c.mu.Unlock()
		return ep, nil
	}
	c.mu.Unlock()

	ep, err := c.backing.GetEndpointForSegment(ctx, s)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.cache.Add(s, ep)
	c.mu.Unlock()
	return ep, nil
}

func (c *cachingClient) InvalidateEndpoint(s segment.Scoped) {
	c.mu.Lock()
	c.cache.Remove(s)
	c.mu.Unlock()
	c.backing.InvalidateEndpoint(s)
}

func (c *cachingClient) GetSuccessors(ctx context.Context, s segment.Scoped) ([]SuccessorSegment, error) {
	return c.backing.GetSuccessors(ctx, s)
}

func (c *cachingClient) GetCurrentSegments(ctx context.Context, scope, stream string) ([]segment.WithRange, error) {
	return c.backing.GetCurrentSegments(ctx, scope, stream)
}

func (c *cachingClient) SealSegment(ctx context.Context, s segment.Scoped) error {
	return c.backing.SealSegment(ctx, s)
}

func (c *cachingClient) TruncateSegment(ctx context.Context, s segment.Scoped, offset int64) error {
	return c.backing.TruncateSegment(ctx, s, offset)
}

func (c *cachingClient) GetSegmentInfo(ctx context.Context, s segment.Scoped) (int64, int64, bool, error) {
	return c.backing.GetSegmentInfo(ctx, s)
}
