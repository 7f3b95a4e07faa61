package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"spotter/pkg/types"
)

// RedisConfig holds the redis backend settings.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps session records in redis. Compare-and-set updates use
// optimistic WATCH transactions; pair uniqueness uses a secondary index
// key claimed with SETNX at creation.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "spotter:"
	}

	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

func (r *RedisStore) sessionKey(id string) string {
	return r.keyPrefix + "session:" + id
}

func (r *RedisStore) pairIndexKey(trainerID, studentID string) string {
	return r.keyPrefix + "pair:" + trainerID + ":" + studentID
}

func (r *RedisStore) Create(ctx context.Context, sess *types.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	// Claim the pair index first; losing the claim means a live session
	// already exists for this trainer/student pair.
	pairKey := r.pairIndexKey(sess.TrainerID, sess.StudentID)
	claimed, err := r.client.SetNX(ctx, pairKey, sess.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim pair index: %w", err)
	}
	if !claimed {
		return types.ErrDuplicateSession
	}

	if err := r.client.Set(ctx, r.sessionKey(sess.ID), data, 0).Err(); err != nil {
		// Roll the claim back so the pair is not locked out forever.
		_ = r.client.Del(ctx, pairKey).Err()
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*types.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

func (r *RedisStore) Update(ctx context.Context, sess *types.Session, expectedVersion int64) error {
	key := r.sessionKey(sess.ID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return types.ErrNotFound
			}
			return err
		}
		var current types.Session
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		if current.Version != expectedVersion {
			return ErrVersionConflict
		}

		payload, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if sess.State.Terminal() {
				pipe.Del(ctx, r.pairIndexKey(sess.TrainerID, sess.StudentID))
			}
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

func (r *RedisStore) ListLive(ctx context.Context) ([]*types.Session, error) {
	var live []*types.Session
	var cursor uint64
	pattern := r.keyPrefix + "session:*"

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan session keys: %w", err)
		}

		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if err != nil {
				continue // deleted between SCAN and GET
			}
			var sess types.Session
			if err := json.Unmarshal(data, &sess); err != nil {
				continue
			}
			if !sess.State.Terminal() {
				live = append(live, &sess)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return live, nil
}

func (r *RedisStore) TouchHeartbeat(ctx context.Context, id string, role types.Role, at time.Time) error {
	key := r.sessionKey(id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return types.ErrNotFound
			}
			return err
		}
		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		ts := at
		if role == types.RoleTrainer {
			sess.TrainerHeartbeatAt = &ts
		} else {
			sess.StudentHeartbeatAt = &ts
		}
		payload, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	// A heartbeat losing a WATCH race to a transition is harmless; the
	// transition's timestamp supersedes it.
	err := r.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func (r *RedisStore) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
