package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_CreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateSession(ctx, Session{ID: "sess-1", WorkspaceID: "ws-1", TaskID: "task-1", WorkerName: "homer", AdapterKind: "mock", Status: "running"})
	require.NoError(t, err)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "ws-1", got.WorkspaceID)
	require.Equal(t, int64(-1), got.LastEventIndex)
	require.Equal(t, 0, got.EventCount)
}

func TestStore_GetSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_AppendEventAssignsSequentialIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, Session{ID: "sess-1", WorkspaceID: "ws-1"}))

	idx1, err := s.AppendEvent(ctx, "sess-1", "message", "ws-1", map[string]string{"content": "hi"})
	require.NoError(t, err)
	require.Equal(t, int64(0), idx1)

	idx2, err := s.AppendEvent(ctx, "sess-1", "message", "ws-1", map[string]string{"content": "again"})
	require.NoError(t, err)
	require.Equal(t, int64(1), idx2)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 2, got.EventCount)
	require.Equal(t, int64(1), got.LastEventIndex)
}

func TestStore_AppendEvent_UnknownSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendEvent(context.Background(), "ghost", "message", "ws-1", nil)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_GetEventsSinceReturnsRangeInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, Session{ID: "sess-1"}))

	for i := 0; i < 5; i++ {
		_, err := s.AppendEvent(ctx, "sess-1", "message", "", i)
		require.NoError(t, err)
	}

	events, err := s.GetEventsSince(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(3), events[0].EventIndex)
	require.Equal(t, int64(4), events[1].EventIndex)

	all, err := s.GetEventsSince(ctx, "sess-1", -1)
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func TestStore_ListSessionsOrderedByLastMessageDesc(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, Session{ID: "sess-a", WorkspaceID: "ws-1"}))
	require.NoError(t, s.CreateSession(ctx, Session{ID: "sess-b", WorkspaceID: "ws-1"}))

	_, err := s.AppendEvent(ctx, "sess-a", "message", "ws-1", "x")
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, "sess-b", "message", "ws-1", "y")
	require.NoError(t, err)

	sessions, err := s.ListSessions(ctx, Filter{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "sess-b", sessions[0].ID)
}

func TestStore_DeleteSessionRemovesEventsAndMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, Session{ID: "sess-1"}))
	_, err := s.AppendEvent(ctx, "sess-1", "message", "", "x")
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))

	_, err = s.GetSession(ctx, "sess-1")
	require.ErrorIs(t, err, ErrSessionNotFound)

	events, err := s.GetEventsSince(ctx, "sess-1", -1)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStore_FilterNoiseEvictsLowActivityUnboundSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, Session{ID: "noisy", TaskID: ""}))
	_, err := s.AppendEvent(ctx, "noisy", "message", "", "x")
	require.NoError(t, err)

	require.NoError(t, s.CreateSession(ctx, Session{ID: "bound", TaskID: "task-1"}))
	_, err = s.AppendEvent(ctx, "bound", "message", "", "y")
	require.NoError(t, err)

	require.NoError(t, s.CreateSession(ctx, Session{ID: "active", TaskID: ""}))
	for i := 0; i < 3; i++ {
		_, err := s.AppendEvent(ctx, "active", "message", "", i)
		require.NoError(t, err)
	}

	deleted, err := s.FilterNoise(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"noisy"}, deleted)

	_, err = s.GetSession(ctx, "bound")
	require.NoError(t, err)
	_, err = s.GetSession(ctx, "active")
	require.NoError(t, err)
}

func TestStore_TaskBindings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, Session{ID: "sess-1", TaskID: "task-1"}))
	require.NoError(t, s.CreateSession(ctx, Session{ID: "sess-2", TaskID: "task-1"}))
	require.NoError(t, s.CreateSession(ctx, Session{ID: "sess-3", TaskID: "task-2"}))

	ids, err := s.TaskBindings(ctx, "task-1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sess-1", "sess-2"}, ids)
}
