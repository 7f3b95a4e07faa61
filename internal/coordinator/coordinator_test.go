package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"spotter/internal/metrics"
	"spotter/internal/notify"
	"spotter/internal/store"
	"spotter/pkg/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []*types.Event
	closed []string
}

func (b *fakeBroadcaster) Broadcast(_ string, ev *types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *fakeBroadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, sessionID)
}

func (b *fakeBroadcaster) Touch(string, types.Role, time.Time) {}

func (b *fakeBroadcaster) eventTypes() []types.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.EventType, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeBroadcaster, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	mux := &fakeBroadcaster{}
	logger := zaptest.NewLogger(t)
	c := New(store.NewMemoryStore(), mux, notify.NewLogNotifier(logger), logger, metrics.NewForTest())
	c.nowFn = clock.Now
	return c, mux, clock
}

var gymLocation = types.GeoPoint{Latitude: 52.5219, Longitude: 13.4132}

func initiateProximity(t *testing.T, c *Coordinator) *types.Snapshot {
	t.Helper()
	loc := gymLocation
	snap, err := c.Initiate(context.Background(), InitiateParams{
		TrainerID:        "trainer-1",
		StudentID:        "student-1",
		RequireProximity: true,
		Location:         &loc,
		RadiusMeters:     500,
		PlannedSeconds:   3600,
	})
	require.NoError(t, err)
	return snap
}

func TestFullSessionLifecycle(t *testing.T) {
	c, mux, clock := newTestCoordinator(t)
	ctx := context.Background()

	snap := initiateProximity(t, c)
	assert.Equal(t, types.StateRequested, snap.State)
	assert.Equal(t, int64(1), snap.Version)

	// ~110m north of the gym, inside the 500m radius.
	nearby := types.GeoPoint{Latitude: gymLocation.Latitude + 0.001, Longitude: gymLocation.Longitude}
	snap, err := c.CheckIn(ctx, snap.SessionID, "student-1", nearby)
	require.NoError(t, err)
	assert.Equal(t, types.StatePendingAcceptance, snap.State)

	snap, err = c.Respond(ctx, snap.SessionID, "trainer-1", true, "")
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, snap.State)
	require.NotNil(t, snap.StartedAt)

	clock.Advance(60 * time.Second)
	snap, err = c.Pause(ctx, snap.SessionID, "trainer-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatePaused, snap.State)
	assert.Equal(t, int64(60), snap.ElapsedSeconds)

	// Paused time never counts toward elapsed.
	clock.Advance(10 * time.Minute)
	snap, err = c.Resume(ctx, snap.SessionID, "student-1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), snap.ElapsedSeconds)

	clock.Advance(60 * time.Second)
	snap, err = c.Checkout(ctx, snap.SessionID, "trainer-1", "good form today")
	require.NoError(t, err)
	assert.Equal(t, types.StateCheckedOut, snap.State)
	assert.Equal(t, int64(120), snap.ElapsedSeconds)
	assert.Equal(t, int64(3600-120), snap.RemainingSeconds)
	require.NotNil(t, snap.CheckedOutAt)

	assert.Equal(t, []types.EventType{
		types.EventCheckedIn,
		types.EventAccepted,
		types.EventPaused,
		types.EventResumed,
		types.EventCheckedOut,
	}, mux.eventTypes())
	assert.Equal(t, []string{snap.SessionID}, mux.closed)
}

func TestOpenEndedSessionScenario(t *testing.T) {
	c, _, clock := newTestCoordinator(t)
	ctx := context.Background()

	snap, err := c.Initiate(ctx, InitiateParams{TrainerID: "trainer-1", StudentID: "student-1"})
	require.NoError(t, err)

	snap, err = c.CheckIn(ctx, snap.SessionID, "student-1", types.GeoPoint{Latitude: 40.0, Longitude: -74.0})
	require.NoError(t, err)
	assert.Equal(t, types.StatePendingAcceptance, snap.State)

	// The student's device surfaces the prompt; the student may resolve it.
	snap, err = c.Respond(ctx, snap.SessionID, "student-1", true, "")
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, snap.State)
	assert.Equal(t, int64(0), snap.ElapsedSeconds)
	require.NotNil(t, snap.StartedAt)

	clock.Advance(120 * time.Second)
	snap, err = c.Checkout(ctx, snap.SessionID, "student-1", "")
	require.NoError(t, err)
	assert.Equal(t, types.StateCheckedOut, snap.State)
	assert.Equal(t, int64(120), snap.ElapsedSeconds)

	_, err = c.Pause(ctx, snap.SessionID, "trainer-1")
	require.ErrorIs(t, err, types.ErrInvalidState)
}

func TestCheckInOutsideGeofence(t *testing.T) {
	c, mux, _ := newTestCoordinator(t)
	ctx := context.Background()
	snap := initiateProximity(t, c)

	// ~1.1km away.
	far := types.GeoPoint{Latitude: gymLocation.Latitude + 0.01, Longitude: gymLocation.Longitude}
	_, err := c.CheckIn(ctx, snap.SessionID, "student-1", far)
	require.ErrorIs(t, err, types.ErrOutOfRange)

	// The failed check-in changed nothing and broadcast nothing.
	got, err := c.Snapshot(ctx, snap.SessionID, "student-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateRequested, got.State)
	assert.Equal(t, int64(1), got.Version)
	assert.Empty(t, mux.eventTypes())
}

func TestCheckInWithoutProximityRequirement(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	snap, err := c.Initiate(ctx, InitiateParams{TrainerID: "trainer-1", StudentID: "student-1"})
	require.NoError(t, err)

	// Any coordinate is accepted when proximity is not required.
	snap, err = c.CheckIn(ctx, snap.SessionID, "student-1", types.GeoPoint{Latitude: -33.9, Longitude: 151.2})
	require.NoError(t, err)
	assert.Equal(t, types.StatePendingAcceptance, snap.State)
}

func TestDuplicateLivePair(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	initiateProximity(t, c)
	_, err := c.Initiate(ctx, InitiateParams{TrainerID: "trainer-1", StudentID: "student-1"})
	require.ErrorIs(t, err, types.ErrDuplicateSession)

	// Same trainer with a different student is unconstrained.
	_, err = c.Initiate(ctx, InitiateParams{TrainerID: "trainer-1", StudentID: "student-2"})
	require.NoError(t, err)
}

func TestConcurrentRespondExactlyOneWins(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	snap := initiateProximity(t, c)
	nearby := types.GeoPoint{Latitude: gymLocation.Latitude + 0.001, Longitude: gymLocation.Longitude}
	_, err := c.CheckIn(ctx, snap.SessionID, "student-1", nearby)
	require.NoError(t, err)

	results := make(chan error, 2)
	var start sync.WaitGroup
	start.Add(1)
	go func() {
		start.Wait()
		_, err := c.Respond(ctx, snap.SessionID, "trainer-1", true, "")
		results <- err
	}()
	go func() {
		start.Wait()
		_, err := c.Respond(ctx, snap.SessionID, "trainer-1", false, "gym closed")
		results <- err
	}()
	start.Done()

	var succeeded, rejected int
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, types.ErrInvalidState)
			rejected++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
}

func TestAuthorizationRules(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	snap := initiateProximity(t, c)

	// Only the student checks in.
	nearby := types.GeoPoint{Latitude: gymLocation.Latitude + 0.001, Longitude: gymLocation.Longitude}
	_, err := c.CheckIn(ctx, snap.SessionID, "trainer-1", nearby)
	require.ErrorIs(t, err, types.ErrUnauthorized)

	// Only the trainer cancels.
	_, err = c.Cancel(ctx, snap.SessionID, "student-1")
	require.ErrorIs(t, err, types.ErrUnauthorized)

	// Outsiders see nothing and touch nothing.
	_, err = c.Snapshot(ctx, snap.SessionID, "intruder")
	require.ErrorIs(t, err, types.ErrUnauthorized)
	_, err = c.Pause(ctx, snap.SessionID, "intruder")
	require.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = c.CheckIn(ctx, snap.SessionID, "student-1", nearby)
	require.NoError(t, err)
	_, err = c.Respond(ctx, snap.SessionID, "trainer-1", true, "")
	require.NoError(t, err)

	// Only the trainer adjusts the planned duration.
	_, err = c.Adjust(ctx, snap.SessionID, "student-1", 1800)
	require.ErrorIs(t, err, types.ErrUnauthorized)
	got, err := c.Adjust(ctx, snap.SessionID, "trainer-1", 1800)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), got.PlannedSeconds)
	assert.Equal(t, types.StateActive, got.State)
}

func TestHeartbeatKeepsVersion(t *testing.T) {
	c, _, clock := newTestCoordinator(t)
	ctx := context.Background()
	snap := initiateProximity(t, c)

	clock.Advance(20 * time.Second)
	require.NoError(t, c.Heartbeat(ctx, snap.SessionID, "student-1"))
	require.NoError(t, c.Heartbeat(ctx, snap.SessionID, "trainer-1"))

	got, err := c.Snapshot(ctx, snap.SessionID, "trainer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	require.ErrorIs(t, c.Heartbeat(ctx, snap.SessionID, "intruder"), types.ErrUnauthorized)
}

func TestHeartbeatOnTerminalSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	snap := initiateProximity(t, c)

	_, err := c.Cancel(ctx, snap.SessionID, "trainer-1")
	require.NoError(t, err)

	err = c.Heartbeat(ctx, snap.SessionID, "student-1")
	require.ErrorIs(t, err, types.ErrInvalidState)
}

func TestExpireClosesRunningTimer(t *testing.T) {
	c, mux, clock := newTestCoordinator(t)
	ctx := context.Background()
	snap := initiateProximity(t, c)

	nearby := types.GeoPoint{Latitude: gymLocation.Latitude + 0.001, Longitude: gymLocation.Longitude}
	_, err := c.CheckIn(ctx, snap.SessionID, "student-1", nearby)
	require.NoError(t, err)
	_, err = c.Respond(ctx, snap.SessionID, "trainer-1", true, "")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	got, err := c.Expire(ctx, snap.SessionID, "heartbeat timeout")
	require.NoError(t, err)
	assert.Equal(t, types.StateExpired, got.State)
	assert.Equal(t, int64(300), got.ElapsedSeconds)
	assert.Equal(t, "heartbeat timeout", got.Reason)
	assert.Contains(t, mux.closed, snap.SessionID)

	// Expiry is terminal; a second sweep finds nothing to do.
	_, err = c.Expire(ctx, snap.SessionID, "heartbeat timeout")
	require.ErrorIs(t, err, types.ErrInvalidState)
}

func TestInitiateValidation(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Initiate(ctx, InitiateParams{TrainerID: "trainer-1", StudentID: "trainer-1"})
	require.ErrorIs(t, err, types.ErrSamePair)

	_, err = c.Initiate(ctx, InitiateParams{TrainerID: "bad user!", StudentID: "student-1"})
	require.ErrorIs(t, err, types.ErrInvalidUserID)

	_, err = c.Initiate(ctx, InitiateParams{TrainerID: "trainer-1", StudentID: "student-1", RequireProximity: true})
	require.ErrorIs(t, err, types.ErrInvalidLocation)
}

func TestInitiateDefaultsRadius(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	loc := gymLocation

	snap, err := c.Initiate(context.Background(), InitiateParams{
		TrainerID:        "trainer-1",
		StudentID:        "student-1",
		RequireProximity: true,
		Location:         &loc,
	})
	require.NoError(t, err)

	// ~330m away passes under the 500m default.
	near := types.GeoPoint{Latitude: gymLocation.Latitude + 0.003, Longitude: gymLocation.Longitude}
	_, err = c.CheckIn(context.Background(), snap.SessionID, "student-1", near)
	require.NoError(t, err)
}
