package tablesync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/segstream/internal/wire"
)

func TestMap_InsertThenGet(t *testing.T) {
	client := wire.NewMockHappyClient()
	m := New("seg-0", client)

	err := m.Insert(context.Background(), func(view View) ([]Op, error) {
		return []Op{{Outer: "outer", Inner: "inner", Data: []byte("value"), ExpectedVersion: wire.KeyNoVersion}}, nil
	})
	require.NoError(t, err)

	e, ok := m.Get("outer", "inner")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), e.Data)
}

func TestMap_InsertRetriesOnBadVersion(t *testing.T) {
	client := wire.NewMockHappyClient()
	m := New("seg-0", client)

	require.NoError(t, m.Insert(context.Background(), func(view View) ([]Op, error) {
		return []Op{{Outer: "o", Inner: "i", Data: []byte("first"), ExpectedVersion: wire.KeyNoVersion}}, nil
	}))

	// A second synchronizer instance writes behind this one's back, so the
	// first instance's cached version is now stale.
	other := New("seg-0", client)
	require.NoError(t, other.Insert(context.Background(), func(view View) ([]Op, error) {
		return []Op{{Outer: "o", Inner: "i", Data: []byte("second"), ExpectedVersion: view["o"]["i"].Version}}, nil
	}))

	attempts := 0
	err := m.Insert(context.Background(), func(view View) ([]Op, error) {
		attempts++
		return []Op{{Outer: "o", Inner: "i", Data: []byte("third"), ExpectedVersion: view["o"]["i"].Version}}, nil
	})
	require.NoError(t, err)
	assert.Greater(t, attempts, 1, "expected at least one retry after a stale version was rejected")

	e, ok := m.Get("o", "i")
	require.True(t, ok)
	assert.Equal(t, []byte("third"), e.Data)
}

func TestMap_FetchUpdatesPullsServerState(t *testing.T) {
	client := wire.NewMockHappyClient()
	writer := New("seg-0", client)
	require.NoError(t, writer.Insert(context.Background(), func(view View) ([]Op, error) {
		return []Op{{Outer: "o", Inner: "i", Data: []byte("v1"), ExpectedVersion: wire.KeyNoVersion}}, nil
	}))

	reader := New("seg-0", client)
	_, ok := reader.Get("o", "i")
	assert.False(t, ok, "reader's local cache should be empty before fetching")

	require.NoError(t, reader.FetchUpdates(context.Background()))
	e, ok := reader.Get("o", "i")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), e.Data)
}

func TestMap_TombstoneRemovesEntry(t *testing.T) {
	client := wire.NewMockHappyClient()
	m := New("seg-0", client)
	require.NoError(t, m.Insert(context.Background(), func(view View) ([]Op, error) {
		return []Op{{Outer: "o", Inner: "i", Data: []byte("v1"), ExpectedVersion: wire.KeyNoVersion}}, nil
	}))

	require.NoError(t, m.Insert(context.Background(), func(view View) ([]Op, error) {
		return []Op{{Outer: "o", Inner: "i", Tombstone: true, ExpectedVersion: view["o"]["i"].Version}}, nil
	}))

	_, ok := m.Get("o", "i")
	assert.False(t, ok)
}
