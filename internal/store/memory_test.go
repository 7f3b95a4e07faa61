package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotter/pkg/types"
)

func testSession(id, trainerID, studentID string) *types.Session {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return &types.Session{
		ID:             id,
		TrainerID:      trainerID,
		StudentID:      studentID,
		State:          types.StateRequested,
		Version:        1,
		CreatedAt:      now,
		StateChangedAt: now,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sess := testSession("s1", "trainer-1", "student-1")
	require.NoError(t, s.Create(ctx, sess))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, types.StateRequested, got.State)

	// Callers must not share state with the store.
	got.State = types.StateActive
	again, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StateRequested, again.State)
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemoryStore_DuplicateLivePair(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testSession("s1", "trainer-1", "student-1")))

	err := s.Create(ctx, testSession("s2", "trainer-1", "student-1"))
	assert.ErrorIs(t, err, types.ErrDuplicateSession)

	// Same trainer, different student is unconstrained.
	assert.NoError(t, s.Create(ctx, testSession("s3", "trainer-1", "student-2")))
}

func TestMemoryStore_TerminalSessionFreesPair(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sess := testSession("s1", "trainer-1", "student-1")
	require.NoError(t, s.Create(ctx, sess))

	sess.State = types.StateCancelled
	sess.Version = 2
	require.NoError(t, s.Update(ctx, sess, 1))

	assert.NoError(t, s.Create(ctx, testSession("s2", "trainer-1", "student-1")))
}

func TestMemoryStore_UpdateCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sess := testSession("s1", "trainer-1", "student-1")
	require.NoError(t, s.Create(ctx, sess))

	sess.State = types.StatePendingAcceptance
	sess.Version = 2
	require.NoError(t, s.Update(ctx, sess, 1))

	// A second writer that stills holds version 1 loses the race.
	stale := testSession("s1", "trainer-1", "student-1")
	stale.State = types.StateCancelled
	stale.Version = 2
	assert.ErrorIs(t, s.Update(ctx, stale, 1), ErrVersionConflict)

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.StatePendingAcceptance, got.State)
}

func TestMemoryStore_UpdateUnknown(t *testing.T) {
	s := NewMemoryStore()
	err := s.Update(context.Background(), testSession("sx", "t", "u"), 1)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemoryStore_ListLive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testSession("s1", "trainer-1", "student-1")))
	require.NoError(t, s.Create(ctx, testSession("s2", "trainer-2", "student-2")))

	done := testSession("s3", "trainer-3", "student-3")
	require.NoError(t, s.Create(ctx, done))
	done.State = types.StateCheckedOut
	done.Version = 2
	require.NoError(t, s.Update(ctx, done, 1))

	live, err := s.ListLive(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 2)
	for _, sess := range live {
		assert.False(t, sess.State.Terminal())
	}
}

func TestMemoryStore_TouchHeartbeatKeepsVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, testSession("s1", "trainer-1", "student-1")))

	at := time.Date(2025, 6, 1, 9, 5, 0, 0, time.UTC)
	require.NoError(t, s.TouchHeartbeat(ctx, "s1", types.RoleStudent, at))
	require.NoError(t, s.TouchHeartbeat(ctx, "s1", types.RoleTrainer, at.Add(time.Second)))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	require.NotNil(t, got.StudentHeartbeatAt)
	assert.Equal(t, at, *got.StudentHeartbeatAt)
	require.NotNil(t, got.TrainerHeartbeatAt)
	assert.Equal(t, at.Add(time.Second), *got.TrainerHeartbeatAt)
}

func TestMemoryStore_ClosedStore(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Create(context.Background(), testSession("s1", "t", "u")), ErrStoreClosed)
	_, err := s.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.HealthCheck(context.Background()), ErrStoreClosed)
}
