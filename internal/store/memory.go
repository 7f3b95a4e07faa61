package store

import (
	"context"
	"sync"
	"time"

	"spotter/pkg/types"
)

// MemoryStore is an in-memory Store used in tests and single-node dev
// setups. Sessions are deep-copied on every boundary so callers never
// share mutable state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	// livePairs indexes non-terminal sessions by trainer/student pair to
	// enforce pair uniqueness without scanning.
	livePairs map[string]string
	closed    bool
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*types.Session),
		livePairs: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, sess *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	key := pairKey(sess.TrainerID, sess.StudentID)
	if _, exists := m.livePairs[key]; exists {
		return types.ErrDuplicateSession
	}

	m.sessions[sess.ID] = sess.Clone()
	m.livePairs[key] = sess.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	sess, exists := m.sessions[id]
	if !exists {
		return nil, types.ErrNotFound
	}
	return sess.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, sess *types.Session, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	current, exists := m.sessions[sess.ID]
	if !exists {
		return types.ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	m.sessions[sess.ID] = sess.Clone()
	if sess.State.Terminal() {
		delete(m.livePairs, pairKey(sess.TrainerID, sess.StudentID))
	}
	return nil
}

func (m *MemoryStore) ListLive(_ context.Context) ([]*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	var live []*types.Session
	for _, sess := range m.sessions {
		if !sess.State.Terminal() {
			live = append(live, sess.Clone())
		}
	}
	return live, nil
}

func (m *MemoryStore) TouchHeartbeat(_ context.Context, id string, role types.Role, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	sess, exists := m.sessions[id]
	if !exists {
		return types.ErrNotFound
	}
	ts := at
	if role == types.RoleTrainer {
		sess.TrainerHeartbeatAt = &ts
	} else {
		sess.StudentHeartbeatAt = &ts
	}
	return nil
}

func (m *MemoryStore) HealthCheck(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.sessions = nil
	m.livePairs = nil
	return nil
}
