// Package reaper sweeps live sessions and force-expires the ones whose
// participants went silent or whose check-in was never answered. Deadlines
// are computed from absolute timestamps on each sweep, so a restart never
// loses pending expirations.
package reaper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"spotter/internal/metrics"
	"spotter/pkg/types"
)

const (
	ReasonAcceptanceTimeout = "acceptance timeout"
	ReasonHeartbeatTimeout  = "heartbeat timeout"
)

// Expirer is the coordinator surface the reaper drives. Expiry goes
// through the same transition path as user actions, so a sweep racing a
// checkout simply loses the compare-and-set and moves on.
type Expirer interface {
	ListLive(ctx context.Context) ([]*types.Session, error)
	Expire(ctx context.Context, sessionID, reason string) (*types.Snapshot, error)
}

// Config holds the sweep cadence and the two expiry deadlines.
type Config struct {
	Interval          time.Duration
	AcceptanceTimeout time.Duration
	HeartbeatTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:          60 * time.Second,
		AcceptanceTimeout: 5 * time.Minute,
		HeartbeatTimeout:  15 * time.Minute,
	}
}

// Reaper runs the periodic expiry sweep.
type Reaper struct {
	coord   Expirer
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	nowFn    func() time.Time
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

func New(coord Expirer, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Reaper {
	return &Reaper{
		coord:    coord,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		nowFn:    time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.logger.Info("expiry reaper started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("acceptance_timeout", r.cfg.AcceptanceTimeout),
		zap.Duration("heartbeat_timeout", r.cfg.HeartbeatTimeout))

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop shuts the loop down and waits for an in-flight sweep to finish.
// Safe to call more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	<-r.done
	r.logger.Info("expiry reaper stopped")
}

// Sweep runs one pass over all live sessions. Failures on individual
// sessions are logged and skipped; the next tick retries them.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.nowFn()

	sessions, err := r.coord.ListLive(ctx)
	if err != nil {
		r.metrics.ReaperSweeps.WithLabelValues("error").Inc()
		r.logger.Error("reaper failed to list live sessions", zap.Error(err))
		return
	}

	failures := 0
	for _, sess := range sessions {
		reason, due := r.deadline(sess, now)
		if !due {
			continue
		}
		if _, err := r.coord.Expire(ctx, sess.ID, reason); err != nil {
			if errors.Is(err, types.ErrInvalidState) || errors.Is(err, types.ErrNotFound) {
				// Someone else terminated the session between the listing
				// and our expire attempt.
				continue
			}
			failures++
			r.logger.Error("failed to expire session",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		r.logger.Info("session expired",
			zap.String("session_id", sess.ID),
			zap.String("from_state", string(sess.State)),
			zap.String("reason", reason))
	}

	// A sweep that could not expire everything it found is not "ok"; a
	// persistently failing store must show up in the metrics.
	if failures > 0 {
		r.metrics.ReaperSweeps.WithLabelValues("partial").Inc()
		return
	}
	r.metrics.ReaperSweeps.WithLabelValues("ok").Inc()
}

func (r *Reaper) deadline(sess *types.Session, now time.Time) (string, bool) {
	switch sess.State {
	case types.StatePendingAcceptance:
		return ReasonAcceptanceTimeout, now.Sub(sess.StateChangedAt) > r.cfg.AcceptanceTimeout
	case types.StateActive, types.StatePaused:
		return ReasonHeartbeatTimeout, now.Sub(sess.LastSeen()) > r.cfg.HeartbeatTimeout
	}
	return "", false
}
