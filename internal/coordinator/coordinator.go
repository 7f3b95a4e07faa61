// Package coordinator composes the store, state machine, geofence check,
// channel multiplexer, and notifier into the operations the API exposes.
// Each mutating operation runs under a per-session lock: load, authorize,
// apply the transition, persist with compare-and-set, then broadcast
// outside the lock.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spotter/internal/geo"
	"spotter/internal/metrics"
	"spotter/internal/notify"
	"spotter/internal/state"
	"spotter/internal/store"
	"spotter/pkg/types"
)

// Broadcaster is the fan-out side of the channel multiplexer.
type Broadcaster interface {
	Broadcast(sessionID string, ev *types.Event)
	CloseSession(sessionID string)
	Touch(sessionID string, role types.Role, at time.Time)
}

const notifyTimeout = 5 * time.Second

// Coordinator is the single entry point for session operations; handlers
// and the reaper never touch the store or the state machine directly.
type Coordinator struct {
	store    store.Store
	mux      Broadcaster
	notifier notify.Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
	locks    *lockArena

	// nowFn is replaceable in tests so timer math is deterministic.
	nowFn func() time.Time
}

func New(st store.Store, mux Broadcaster, notifier notify.Notifier, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		store:    st,
		mux:      mux,
		notifier: notifier,
		logger:   logger,
		metrics:  m,
		locks:    newLockArena(),
		nowFn:    time.Now,
	}
}

// InitiateParams describes a new session request from a trainer.
type InitiateParams struct {
	TrainerID        string
	StudentID        string
	RequireProximity bool
	Location         *types.GeoPoint
	RadiusMeters     float64
	PlannedSeconds   int64
}

// Initiate creates a session in the requested state. At most one live
// session may exist per trainer/student pair; the store enforces this
// at creation time.
func (c *Coordinator) Initiate(ctx context.Context, p InitiateParams) (*types.Snapshot, error) {
	now := c.nowFn()

	if p.RequireProximity && p.RadiusMeters == 0 {
		p.RadiusMeters = geo.DefaultRadiusMeters
	}

	sess := &types.Session{
		ID:               uuid.NewString(),
		TrainerID:        p.TrainerID,
		StudentID:        p.StudentID,
		State:            types.StateRequested,
		Version:          1,
		RequireProximity: p.RequireProximity,
		Location:         p.Location,
		RadiusMeters:     p.RadiusMeters,
		PlannedSeconds:   p.PlannedSeconds,
		CreatedAt:        now,
		StateChangedAt:   now,
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}

	if err := c.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	c.logger.Info("session initiated",
		zap.String("session_id", sess.ID),
		zap.String("trainer_id", sess.TrainerID),
		zap.String("student_id", sess.StudentID),
		zap.Bool("require_proximity", sess.RequireProximity))
	c.metrics.Transitions.WithLabelValues("initiate", "applied").Inc()

	c.dispatchNotification(state.NewEvent(types.EventRequested, sess, now))
	return state.NewSnapshot(sess, now), nil
}

// CheckIn records the student's arrival. When the session requires
// proximity, the reported location must fall within the geofence radius.
func (c *Coordinator) CheckIn(ctx context.Context, sessionID, userID string, loc types.GeoPoint) (*types.Snapshot, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	return c.transition(ctx, sessionID, state.Input{Transition: state.TransitionCheckIn},
		requireRole(userID, types.RoleStudent),
		func(sess *types.Session) error {
			if !sess.RequireProximity {
				return nil
			}
			if !geo.WithinRadius(*sess.Location, loc, sess.RadiusMeters) {
				return types.ErrOutOfRange
			}
			return nil
		})
}

// Respond resolves a pending check-in. Either participant may accept or
// reject; rejection records the optional reason.
func (c *Coordinator) Respond(ctx context.Context, sessionID, userID string, accept bool, reason string) (*types.Snapshot, error) {
	in := state.Input{Transition: state.TransitionAccept}
	if !accept {
		in = state.Input{Transition: state.TransitionReject, Reason: reason}
	}
	return c.transition(ctx, sessionID, in, requireParticipant(userID), nil)
}

// Cancel withdraws a request that was never checked in. Trainer only.
func (c *Coordinator) Cancel(ctx context.Context, sessionID, userID string) (*types.Snapshot, error) {
	return c.transition(ctx, sessionID, state.Input{Transition: state.TransitionCancel},
		requireRole(userID, types.RoleTrainer), nil)
}

// Pause stops the timer without ending the session.
func (c *Coordinator) Pause(ctx context.Context, sessionID, userID string) (*types.Snapshot, error) {
	return c.transition(ctx, sessionID, state.Input{Transition: state.TransitionPause},
		requireParticipant(userID), nil)
}

// Resume restarts the timer after a pause.
func (c *Coordinator) Resume(ctx context.Context, sessionID, userID string) (*types.Snapshot, error) {
	return c.transition(ctx, sessionID, state.Input{Transition: state.TransitionResume},
		requireParticipant(userID), nil)
}

// Checkout ends the session, closing any running timer segment and
// recording the optional notes.
func (c *Coordinator) Checkout(ctx context.Context, sessionID, userID, notes string) (*types.Snapshot, error) {
	return c.transition(ctx, sessionID, state.Input{Transition: state.TransitionCheckout, Notes: notes},
		requireParticipant(userID), nil)
}

// Adjust changes the planned duration of a running session. Trainer only.
func (c *Coordinator) Adjust(ctx context.Context, sessionID, userID string, plannedSeconds int64) (*types.Snapshot, error) {
	if plannedSeconds < 0 {
		return nil, types.ErrInvalidDuration
	}
	return c.transition(ctx, sessionID, state.Input{Transition: state.TransitionAdjust, PlannedSeconds: plannedSeconds},
		requireRole(userID, types.RoleTrainer), nil)
}

// Expire force-terminates a session whose participants went silent or
// whose check-in was never answered. Called by the reaper; not exposed
// to clients.
func (c *Coordinator) Expire(ctx context.Context, sessionID, reason string) (*types.Snapshot, error) {
	return c.transition(ctx, sessionID, state.Input{Transition: state.TransitionExpire, Reason: reason}, nil, nil)
}

// Heartbeat records a liveness signal for one participant. It never bumps
// the session version and emits no events, so idle-but-alive sessions stay
// out of the broadcast path while surviving reaper sweeps and restarts.
func (c *Coordinator) Heartbeat(ctx context.Context, sessionID, userID string) error {
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	role, ok := sess.ParticipantRole(userID)
	if !ok {
		return types.ErrUnauthorized
	}
	if sess.State.Terminal() {
		return types.ErrInvalidState
	}

	now := c.nowFn()
	if err := c.store.TouchHeartbeat(ctx, sessionID, role, now); err != nil {
		return err
	}
	c.mux.Touch(sessionID, role, now)
	return nil
}

// Snapshot returns the current view of a session for a participant.
func (c *Coordinator) Snapshot(ctx context.Context, sessionID, userID string) (*types.Snapshot, error) {
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, ok := sess.ParticipantRole(userID); !ok {
		return nil, types.ErrUnauthorized
	}
	return state.NewSnapshot(sess, c.nowFn()), nil
}

// Participant resolves a user's role in a session, for channel attach.
func (c *Coordinator) Participant(ctx context.Context, sessionID, userID string) (types.Role, error) {
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	role, ok := sess.ParticipantRole(userID)
	if !ok {
		return "", types.ErrUnauthorized
	}
	return role, nil
}

// ListLive exposes the store's live-session listing for reaper sweeps.
func (c *Coordinator) ListLive(ctx context.Context) ([]*types.Session, error) {
	return c.store.ListLive(ctx)
}

// transition runs one state change under the session lock and persists it
// with a compare-and-set. Broadcast and notification happen after the lock
// is released so slow clients never extend the critical section.
func (c *Coordinator) transition(ctx context.Context, sessionID string, in state.Input,
	authorize, guard func(*types.Session) error) (*types.Snapshot, error) {

	sess, ev, prior, err := c.applyLocked(ctx, sessionID, in, authorize, guard)
	if err != nil {
		c.metrics.Transitions.WithLabelValues(string(in.Transition), "rejected").Inc()
		return nil, err
	}

	c.metrics.Transitions.WithLabelValues(string(in.Transition), "applied").Inc()
	if in.Transition == state.TransitionExpire {
		c.metrics.Expired.WithLabelValues(string(prior)).Inc()
	}

	c.mux.Broadcast(sessionID, ev)
	if sess.State.Terminal() {
		c.mux.CloseSession(sessionID)
	}
	c.dispatchNotification(ev)

	c.logger.Info("session transition applied",
		zap.String("session_id", sessionID),
		zap.String("transition", string(in.Transition)),
		zap.String("state", string(sess.State)),
		zap.Int64("version", sess.Version))

	return state.NewSnapshot(sess, ev.ServerTime), nil
}

func (c *Coordinator) applyLocked(ctx context.Context, sessionID string, in state.Input,
	authorize, guard func(*types.Session) error) (*types.Session, *types.Event, types.State, error) {

	unlock := c.locks.lock(sessionID)
	defer unlock()

	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, "", err
	}
	if authorize != nil {
		if err := authorize(sess); err != nil {
			return nil, nil, "", err
		}
	}
	if guard != nil {
		if err := guard(sess); err != nil {
			return nil, nil, "", err
		}
	}

	expected := sess.Version
	prior := sess.State
	ev, err := state.Apply(sess, in, c.nowFn())
	if err != nil {
		return nil, nil, "", err
	}

	if err := c.store.Update(ctx, sess, expected); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// A concurrent transition won; from the caller's point of view
			// its own transition is no longer legal.
			return nil, nil, "", types.ErrInvalidState
		}
		return nil, nil, "", err
	}
	return sess, ev, prior, nil
}

// dispatchNotification pushes lifecycle events worth surfacing out-of-band.
// Failures are logged and dropped.
func (c *Coordinator) dispatchNotification(ev *types.Event) {
	switch ev.Type {
	case types.EventRequested, types.EventCheckedIn, types.EventAccepted,
		types.EventRejected, types.EventExpired, types.EventCheckedOut:
	default:
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := c.notifier.Notify(ctx, ev); err != nil {
			c.logger.Warn("notification delivery failed",
				zap.String("session_id", ev.SessionID),
				zap.String("event", string(ev.Type)), zap.Error(err))
		}
	}()
}

func requireParticipant(userID string) func(*types.Session) error {
	return func(sess *types.Session) error {
		if _, ok := sess.ParticipantRole(userID); !ok {
			return types.ErrUnauthorized
		}
		return nil
	}
}

func requireRole(userID string, role types.Role) func(*types.Session) error {
	return func(sess *types.Session) error {
		got, ok := sess.ParticipantRole(userID)
		if !ok || got != role {
			return types.ErrUnauthorized
		}
		return nil
	}
}
