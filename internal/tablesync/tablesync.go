// Package tablesync implements the table synchronizer (spec ch.4.6): an
// optimistically-versioned map-of-maps with a local cache, consumed as an
// opaque primitive by the reader-group state machine. Grounded on the
// original client's TableMap (tablemap.rs) for its insert/get/remove
// wire-command shape, generalized from TableMap's flat key space to the
// outer/inner nesting spec ch.3 requires.
package tablesync

import (
	"context"
	"fmt"
	"sync"

	"github.com/jinzhu/copier"
	"golang.org/x/sync/singleflight"

	"github.com/relaykit/segstream/internal/ids"
	"github.com/relaykit/segstream/internal/wire"
)

// Entry is one inner-key's value plus the version the server last
// assigned it; KeyNoVersion (wire.KeyNoVersion) requests an unconditional
// write.
type Entry struct {
	Data    []byte
	Version int64
}

// View is a point-in-time snapshot of the full map, handed to an update
// function. Mutating a View has no effect on the synchronizer's real
// cache; only the Ops an update function returns do.
type View map[string]map[string]Entry

// Op is one mutation an update function requests: insert/update Data at
// (Outer, Inner) conditioned on ExpectedVersion, or tombstone it.
type Op struct {
	Outer           string
	Inner           string
	Tombstone       bool
	Data            []byte
	ExpectedVersion int64
}

// UpdateFunc inspects a deep-copied View and returns the operations to
// submit; it may be invoked more than once if the server rejects a
// version on the first attempt (spec ch.4.6).
type UpdateFunc func(view View) ([]Op, error)

// Map is one table-segment-backed synchronizer instance.
type Map struct {
	segment string
	client  wire.RawClient

	mu    sync.RWMutex
	cache View

	fetchGroup singleflight.Group
}

func New(segmentName string, client wire.RawClient) *Map {
	return &Map{
		segment: segmentName,
		client:  client,
		cache:   make(View),
	}
}

// FetchUpdates is idempotent and re-reads from the server every key already
// present in the local cache, refreshing its value and version. Keys the
// cache does not hold yet (for example ones first written by another Map
// instance) are not discovered; with an empty cache no request is sent.
// Concurrent calls are coalesced via singleflight so a burst of readers
// refreshing at once costs one round trip.
func (m *Map) FetchUpdates(ctx context.Context) error {
	_, err, _ := m.fetchGroup.Do(m.segment, func() (any, error) {
		keys := m.allKeysLocked()
		if len(keys) == 0 {
			return nil, nil
		}
		reply, err := m.client.SendRequest(ctx, wire.ReadTable{ReqID: ids.NextRequestID(), Segment: m.segment, Keys: keys})
		if err != nil {
			return nil, fmt.Errorf("fetch updates for %s: %w", m.segment, err)
		}
		read, ok := reply.(wire.TableRead)
		if !ok {
			return nil, fmt.Errorf("fetch updates: unexpected reply %T", reply)
		}
		m.applyRead(read.Entries)
		return nil, nil
	})
	return err
}

func (m *Map) allKeysLocked() []wire.TableKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []wire.TableKey
	for outer, inner := range m.cache {
		for in, e := range inner {
			keys = append(keys, wire.TableKey{Data: compositeKey(outer, in), KeyVersion: e.Version})
		}
	}
	return keys
}

func (m *Map) applyRead(entries []wire.TableEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		outer, inner := splitKey(e.Key.Data)
		if m.cache[outer] == nil {
			m.cache[outer] = make(map[string]Entry)
		}
		m.cache[outer][inner] = Entry{Data: e.Value, Version: e.Key.KeyVersion}
	}
}

// Insert runs fn against a deep-copied snapshot of the cache, submits the
// resulting operations conditioned on each key's last-seen version, and
// retries fn (after refreshing the affected keys) on BadKeyVersion until
// it succeeds or fn itself returns an error (spec ch.4.6).
func (m *Map) Insert(ctx context.Context, fn UpdateFunc) error {
	for {
		view, err := m.snapshot()
		if err != nil {
			return fmt.Errorf("snapshot view: %w", err)
		}

		ops, err := fn(view)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}

		entries := make([]wire.TableEntry, len(ops))
		for i, op := range ops {
			version := op.ExpectedVersion
			if version == 0 {
				version = wire.KeyNoVersion
			}
			data := op.Data
			if op.Tombstone {
				data = nil
			}
			entries[i] = wire.TableEntry{
				Key:   wire.TableKey{Data: compositeKey(op.Outer, op.Inner), KeyVersion: version},
				Value: data,
			}
		}

		reply, err := m.client.SendRequest(ctx, wire.UpdateTableEntries{ReqID: ids.NextRequestID(), Segment: m.segment, Entries: entries})
		if err != nil {
			return fmt.Errorf("insert into %s: %w", m.segment, err)
		}

		switch r := reply.(type) {
		case wire.TableEntriesUpdated:
			m.commit(ops, r.UpdatedVersions)
			return nil
		case wire.TableKeyBadVersion:
			if err := m.FetchUpdates(ctx); err != nil {
				return fmt.Errorf("refresh after bad key version: %w", err)
			}
			continue
		default:
			return fmt.Errorf("insert: unexpected reply %T", reply)
		}
	}
}

func (m *Map) commit(ops []Op, newVersions []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, op := range ops {
		if m.cache[op.Outer] == nil {
			m.cache[op.Outer] = make(map[string]Entry)
		}
		if op.Tombstone {
			delete(m.cache[op.Outer], op.Inner)
			continue
		}
		m.cache[op.Outer][op.Inner] = Entry{Data: op.Data, Version: newVersions[i]}
	}
}

// snapshot deep-copies the cache via jinzhu/copier so an UpdateFunc can
// freely read (but never usefully mutate) a stable view while the real
// cache keeps evolving under concurrent Insert calls.
func (m *Map) snapshot() (View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out View
	if err := copier.CopyWithOption(&out, &m.cache, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("copy view: %w", err)
	}
	if out == nil {
		out = make(View)
	}
	return out, nil
}

// Get reads a single inner key from the local cache; callers must
// FetchUpdates first if they need server-fresh data.
func (m *Map) Get(outer, inner string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.cache[outer][inner]
	return e, ok
}

// GetInnerMap returns a snapshot of one outer key's inner map.
func (m *Map) GetInnerMap(outer string) map[string]Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Entry, len(m.cache[outer]))
	for k, v := range m.cache[outer] {
		out[k] = v
	}
	return out
}

func compositeKey(outer, inner string) []byte {
	return []byte(outer + "\x00" + inner)
}

func splitKey(key []byte) (outer, inner string) {
	s := string(key)
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}
