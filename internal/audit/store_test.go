package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAndQuery(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Append(Event{
		Type:    EventAgentConnected,
		AgentID: "A1",
		Details: map[string]any{"version": "1.2.0"},
	}))
	require.NoError(t, store.Append(Event{
		Type:      EventCommandExecuted,
		UserID:    "user-1",
		AgentID:   "A1",
		CommandID: "C1",
	}))

	events, err := store.Query(Filter{Limit: 100})
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Newest first.
	assert.Equal(t, EventCommandExecuted, events[0].Type)
	assert.Equal(t, "user-1", events[0].UserID)
	assert.Equal(t, EventAgentConnected, events[1].Type)
	assert.Equal(t, "1.2.0", events[1].Details["version"])
}

func TestQueryFilters(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Append(Event{Type: EventAgentConnected, AgentID: "A1"}))
	require.NoError(t, store.Append(Event{Type: EventAgentConnected, AgentID: "A2"}))
	require.NoError(t, store.Append(Event{Type: EventCommandFailed, AgentID: "A1", UserID: "u1"}))

	byAgent, err := store.Query(Filter{AgentID: "A1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	byType, err := store.Query(Filter{Type: EventCommandFailed, Limit: 10})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "u1", byType[0].UserID)

	byUser, err := store.Query(Filter{UserID: "u1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, byUser, 1)
}

func TestQueryPaginationValidation(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Query(Filter{Limit: 0})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = store.Query(Filter{Limit: 1001})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = store.Query(Filter{Limit: 10, Offset: -1})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = store.Query(Filter{Limit: 10, Type: EventType("NOT_A_TAG")})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = store.Query(Filter{Limit: 10, From: time.Now(), To: time.Now().Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestQueryPaginationOffsets(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(Event{Type: EventAuthLogin, UserID: "u1"}))
	}

	page1, err := store.Query(Filter{Limit: 2, Offset: 0})
	require.NoError(t, err)
	page2, err := store.Query(Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	page3, err := store.Query(Filter{Limit: 2, Offset: 4})
	require.NoError(t, err)

	assert.Len(t, page1, 2)
	assert.Len(t, page2, 2)
	assert.Len(t, page3, 1)
	assert.NotEqual(t, page1[0].ID, page2[0].ID)
}

func TestRetentionExcludesOldEvents(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Append(Event{
		Type:      EventSecurityAlert,
		CreatedAt: time.Now().UTC().Add(-31 * 24 * time.Hour),
	}))
	require.NoError(t, store.Append(Event{Type: EventSecurityAlert}))

	events, err := store.Query(Filter{Limit: 100})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.WithinDuration(t, time.Now(), events[0].CreatedAt, time.Minute)
}

func TestAppendRejectsUnknownType(t *testing.T) {
	store := openTestStore(t)
	assert.Error(t, store.Append(Event{Type: EventType("MADE_UP")}))
}

func TestSinkDoesNotBlockAndCountsDrops(t *testing.T) {
	store := openTestStore(t)
	sink := NewSink(zerolog.Nop(), store, 4)

	for i := 0; i < 100; i++ {
		sink.Record(Event{Type: EventAuthLogin, UserID: "u1"})
	}
	sink.Close()

	events, err := store.Query(Filter{Limit: 1000})
	require.NoError(t, err)
	assert.EqualValues(t, 100, int64(len(events))+sink.Dropped())
	assert.NotEmpty(t, events)
}
