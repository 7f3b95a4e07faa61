package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"spotter/pkg/types"
)

// SQLiteConfig holds the sqlite backend settings.
type SQLiteConfig struct {
	Path            string
	MaxConnections  int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	WriteTimeout    time.Duration
}

// DefaultSQLiteConfig returns settings suitable for a single-node
// deployment.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:            "./data/spotter.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		WriteTimeout:    30 * time.Second,
	}
}

// The live-pair unique index enforces at the schema level that only one
// non-terminal session exists per trainer/student pair, so concurrent
// initiations race safely.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                   TEXT PRIMARY KEY,
	trainer_id           TEXT NOT NULL,
	student_id           TEXT NOT NULL,
	state                TEXT NOT NULL,
	version              INTEGER NOT NULL,
	require_proximity    INTEGER NOT NULL DEFAULT 0,
	latitude             REAL,
	longitude            REAL,
	radius_meters        REAL NOT NULL DEFAULT 0,
	planned_seconds      INTEGER NOT NULL DEFAULT 0,
	segments             TEXT NOT NULL DEFAULT '[]',
	reason               TEXT NOT NULL DEFAULT '',
	notes                TEXT NOT NULL DEFAULT '',
	created_at           DATETIME NOT NULL,
	state_changed_at     DATETIME NOT NULL,
	started_at           DATETIME,
	checked_out_at       DATETIME,
	trainer_heartbeat_at DATETIME,
	student_heartbeat_at DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_live_pair
	ON sessions(trainer_id, student_id)
	WHERE state IN ('requested', 'pending_acceptance', 'active', 'paused');

CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
`

const sessionColumns = `id, trainer_id, student_id, state, version, require_proximity,
	latitude, longitude, radius_meters, planned_seconds, segments, reason, notes,
	created_at, state_changed_at, started_at, checked_out_at,
	trainer_heartbeat_at, student_heartbeat_at`

// SQLiteStore persists sessions in sqlite. All writes funnel through a
// single writer goroutine; WAL mode keeps reads concurrent.
type SQLiteStore struct {
	db      *sql.DB
	cfg     SQLiteConfig
	logger  *zap.Logger
	writeCh chan writeOp
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

type writeOp struct {
	fn     func(*sql.DB) error
	result chan error
}

// NewSQLiteStore opens the database, applies pragmas and bootstraps the
// schema, then starts the writer goroutine.
func NewSQLiteStore(cfg SQLiteConfig, logger *zap.Logger) (*SQLiteStore, error) {
	defaults := DefaultSQLiteConfig()
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = defaults.MaxConnections
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply sqlite pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		cfg:     cfg,
		logger:  logger,
		writeCh: make(chan writeOp, 100),
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

// writeLoop serializes all writes. Failed writes are retried once after a
// short delay; sqlite handles write contention poorly otherwise.
func (s *SQLiteStore) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeCh:
			err := op.fn(s.db)
			if err != nil && isTransient(err) {
				s.logger.Warn("write failed, retrying", zap.Error(err))
				time.Sleep(time.Second)
				err = op.fn(s.db)
			}
			op.result <- err

		case <-s.done:
			return
		}
	}
}

func (s *SQLiteStore) executeWrite(fn func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeCh <- writeOp{fn: fn, result: result}:
		return <-result
	case <-time.After(s.cfg.WriteTimeout):
		return fmt.Errorf("write operation timeout")
	case <-s.done:
		return ErrStoreClosed
	}
}

func (s *SQLiteStore) Create(ctx context.Context, sess *types.Session) error {
	return s.executeWrite(func(db *sql.DB) error {
		segments, err := json.Marshal(sess.Segments)
		if err != nil {
			return fmt.Errorf("failed to marshal segments: %w", err)
		}

		var lat, lon any
		if sess.Location != nil {
			lat, lon = sess.Location.Latitude, sess.Location.Longitude
		}

		query := `INSERT INTO sessions (` + sessionColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err = db.ExecContext(ctx, query,
			sess.ID, sess.TrainerID, sess.StudentID, string(sess.State), sess.Version,
			sess.RequireProximity, lat, lon, sess.RadiusMeters, sess.PlannedSeconds,
			string(segments), sess.Reason, sess.Notes,
			sess.CreatedAt, sess.StateChangedAt, sess.StartedAt, sess.CheckedOutAt,
			sess.TrainerHeartbeatAt, sess.StudentHeartbeatAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return types.ErrDuplicateSession
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) Update(ctx context.Context, sess *types.Session, expectedVersion int64) error {
	return s.executeWrite(func(db *sql.DB) error {
		segments, err := json.Marshal(sess.Segments)
		if err != nil {
			return fmt.Errorf("failed to marshal segments: %w", err)
		}

		query := `UPDATE sessions
			SET state = ?, version = ?, planned_seconds = ?, segments = ?,
				reason = ?, notes = ?, state_changed_at = ?, started_at = ?,
				checked_out_at = ?
			WHERE id = ? AND version = ?`
		res, err := db.ExecContext(ctx, query,
			string(sess.State), sess.Version, sess.PlannedSeconds, string(segments),
			sess.Reason, sess.Notes, sess.StateChangedAt, sess.StartedAt,
			sess.CheckedOutAt,
			sess.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if affected == 0 {
			// Distinguish a lost CAS race from a missing row.
			var exists int
			if err := db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM sessions WHERE id = ?`, sess.ID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check session existence: %w", err)
			}
			if exists == 0 {
				return types.ErrNotFound
			}
			return ErrVersionConflict
		}
		return nil
	})
}

func (s *SQLiteStore) ListLive(ctx context.Context) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE state IN ('requested', 'pending_acceptance', 'active', 'paused')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query live sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) TouchHeartbeat(ctx context.Context, id string, role types.Role, at time.Time) error {
	column := "student_heartbeat_at"
	if role == types.RoleTrainer {
		column = "trainer_heartbeat_at"
	}
	return s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE sessions SET `+column+` = ? WHERE id = ?`, at, id)
		if err != nil {
			return fmt.Errorf("failed to record heartbeat: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read heartbeat result: %w", err)
		}
		if affected == 0 {
			return types.ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		sess      types.Session
		state     string
		proximity bool
		lat, lon  sql.NullFloat64
		segments  string

		startedAt, checkedOutAt   sql.NullTime
		trainerHB, studentHB      sql.NullTime
		createdAt, stateChangedAt time.Time
	)

	err := row.Scan(
		&sess.ID, &sess.TrainerID, &sess.StudentID, &state, &sess.Version,
		&proximity, &lat, &lon, &sess.RadiusMeters, &sess.PlannedSeconds,
		&segments, &sess.Reason, &sess.Notes,
		&createdAt, &stateChangedAt, &startedAt, &checkedOutAt,
		&trainerHB, &studentHB,
	)
	if err != nil {
		return nil, err
	}

	sess.State = types.State(state)
	sess.RequireProximity = proximity
	sess.CreatedAt = createdAt
	sess.StateChangedAt = stateChangedAt
	if lat.Valid && lon.Valid {
		sess.Location = &types.GeoPoint{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	if err := json.Unmarshal([]byte(segments), &sess.Segments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal segments: %w", err)
	}
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if checkedOutAt.Valid {
		sess.CheckedOutAt = &checkedOutAt.Time
	}
	if trainerHB.Valid {
		sess.TrainerHeartbeatAt = &trainerHB.Time
	}
	if studentHB.Valid {
		sess.StudentHeartbeatAt = &studentHB.Time
	}
	return &sess, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
