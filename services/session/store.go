// Package session keeps encrypted, TTL-bound identity snapshots in Redis and
// caps how many live sessions one local identity may hold.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/assistant-auth-gateway/config"
	"github.com/upb/assistant-auth-gateway/internal/observability"
	"github.com/upb/assistant-auth-gateway/models"
	"github.com/upb/assistant-auth-gateway/services"
)

const (
	sessionKeyPrefix = "session:"
	indexKeyPrefix   = "user_sessions:"

	maxCreateRetries = 5
)

func sessionKey(id string) string    { return sessionKeyPrefix + id }
func indexKey(localID string) string { return indexKeyPrefix + localID }

// Store is the Redis-backed session store.
//
// Layout: session:{id} holds a JSON SessionRecord with TTL; user_sessions:{local_id}
// is a sorted set of session ids scored by creation time in microseconds, with the same TTL.
// Scores are strictly increasing per identity, so sessions created within the
// same microsecond still evict in creation order.
type Store struct {
	rdb        redis.UniversalClient
	sealer     *sealer
	ttl        time.Duration
	maxPerUser int
	now        func() time.Time
	logger     *zap.Logger
	metrics    observability.Metrics
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics records session creation and eviction.
func WithMetrics(m observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a session store from the auth config
func NewStore(rdb redis.UniversalClient, cfg config.AuthConfig, logger *zap.Logger, opts ...Option) (*Store, error) {
	if cfg.SessionTTL <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	if cfg.MaxSessionsPerUser <= 0 {
		return nil, errors.New("max sessions per user must be positive")
	}
	sealer, err := newSealer(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	s := &Store{
		rdb:        rdb,
		sealer:     sealer,
		ttl:        cfg.SessionTTL,
		maxPerUser: cfg.MaxSessionsPerUser,
		now:        time.Now,
		logger:     logger,
		metrics:    observability.NopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create stores an encrypted snapshot of identity under a fresh id, indexes it
// under the identity's local id and evicts the oldest sessions over the cap.
func (s *Store) Create(ctx context.Context, identity *models.IdentityContext) (string, error) {
	if identity == nil || identity.LocalID == "" {
		return "", services.NewDomainError(services.ErrorTypeValidation, "session requires a local id", nil)
	}

	id := uuid.NewString()
	now := s.now().UTC()

	snapshot := identity.Clone()
	snapshot.SessionID = id
	snapshot.LastActivity = now

	record := &models.SessionRecord{
		SessionID:    id,
		LocalID:      identity.LocalID,
		ExternalID:   identity.ExternalID,
		CreatedAt:    now,
		LastActivity: now,
	}
	data, err := s.encode(record, snapshot)
	if err != nil {
		return "", services.WrapInternal("failed to encode session", err)
	}

	idx := indexKey(identity.LocalID)
	txf := func(tx *redis.Tx) error {
		score := float64(now.UnixMicro())
		top, err := tx.ZRevRangeWithScores(ctx, idx, 0, 0).Result()
		if err != nil {
			return err
		}
		if len(top) > 0 && top[0].Score >= score {
			score = top[0].Score + 1
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(id), data, s.ttl)
			pipe.ZAdd(ctx, idx, redis.Z{Score: score, Member: id})
			pipe.Expire(ctx, idx, s.ttl)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < maxCreateRetries; attempt++ {
		err = s.rdb.Watch(ctx, txf, idx)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return "", services.WrapStoreUnavailable("failed to create session", err)
	}

	if err := s.evict(ctx, identity.LocalID); err != nil {
		s.discard(ctx, identity.LocalID, id)
		return "", err
	}

	s.metrics.RecordSessionCreated()
	s.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("local_id", identity.LocalID))
	return id, nil
}

// discard drops a session whose creation could not be completed. Failures are
// logged only; the record still expires with its TTL.
func (s *Store) discard(ctx context.Context, localID, id string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id))
		pipe.ZRem(ctx, indexKey(localID), id)
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to discard unfinished session",
			zap.String("session_id", id),
			zap.String("local_id", localID),
			zap.Error(err))
	}
}

// evict trims the index of localID to maxPerUser live sessions, oldest first.
// Index entries whose record already expired are dropped without counting.
// The read-then-delete sequence is not atomic; concurrent creates can leave
// the count briefly above the cap.
func (s *Store) evict(ctx context.Context, localID string) error {
	idx := indexKey(localID)

	count, err := s.rdb.ZCard(ctx, idx).Result()
	if err != nil {
		return services.WrapStoreUnavailable("failed to count sessions", err)
	}
	if count <= int64(s.maxPerUser) {
		return nil
	}

	// ascending by creation score
	ids, err := s.rdb.ZRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return services.WrapStoreUnavailable("failed to read session index", err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return services.WrapStoreUnavailable("failed to read sessions", err)
	}

	var live, stale []string
	for i, v := range values {
		if v == nil {
			stale = append(stale, ids[i])
			continue
		}
		live = append(live, ids[i])
	}

	var victims []string
	if excess := len(live) - s.maxPerUser; excess > 0 {
		victims = live[:excess]
	}
	if len(victims) == 0 && len(stale) == 0 {
		return nil
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members := make([]interface{}, 0, len(victims)+len(stale))
		for _, id := range append(stale, victims...) {
			members = append(members, id)
		}
		pipe.ZRem(ctx, idx, members...)
		for _, id := range victims {
			pipe.Del(ctx, sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return services.WrapStoreUnavailable("failed to evict sessions", err)
	}

	if len(victims) > 0 {
		s.metrics.RecordSessionsEvicted(len(victims))
		s.logger.Info("sessions evicted",
			zap.String("local_id", localID),
			zap.Strings("session_ids", victims))
	}
	return nil
}

// Get returns the identity stored under id and slides its expiry.
// Unknown, expired and undecryptable sessions yield (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*models.IdentityContext, error) {
	if id == "" {
		return nil, nil
	}

	raw, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, services.WrapStoreUnavailable("failed to read session", err)
	}

	record, identity, err := s.decode(id, raw)
	if err != nil {
		s.logger.Warn("discarding unreadable session",
			zap.String("session_id", id),
			zap.Error(err))
		return nil, nil
	}

	now := s.now().UTC()
	record.LastActivity = now
	identity.LastActivity = now
	identity.SessionID = id

	data, err := s.encode(record, identity)
	if err != nil {
		return nil, services.WrapInternal("failed to encode session", err)
	}

	// XX so a concurrent delete is not undone by the refresh
	var refreshed *redis.BoolCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		refreshed = pipe.SetXX(ctx, sessionKey(id), data, s.ttl)
		pipe.Expire(ctx, indexKey(record.LocalID), s.ttl)
		return nil
	})
	if err != nil {
		return nil, services.WrapStoreUnavailable("failed to refresh session", err)
	}
	if !refreshed.Val() {
		return nil, nil
	}
	return identity, nil
}

// Delete removes the session record and its index entry.
// It reports whether a live session existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}

	raw, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, services.WrapStoreUnavailable("failed to read session", err)
	}

	var record models.SessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		// Unroutable record: drop it, the index entry ages out with the index TTL
		record = models.SessionRecord{}
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id))
		if record.LocalID != "" {
			pipe.ZRem(ctx, indexKey(record.LocalID), id)
		}
		return nil
	})
	if err != nil {
		return false, services.WrapStoreUnavailable("failed to delete session", err)
	}

	s.logger.Info("session deleted",
		zap.String("session_id", id),
		zap.String("local_id", record.LocalID))
	return true, nil
}

// DeleteAll revokes every session indexed under localID and returns how many were live
func (s *Store) DeleteAll(ctx context.Context, localID string) (int, error) {
	idx := indexKey(localID)
	ids, err := s.rdb.ZRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return 0, services.WrapStoreUnavailable("failed to read session index", err)
	}

	var deleted *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(ids) > 0 {
			keys := make([]string, len(ids))
			for i, id := range ids {
				keys[i] = sessionKey(id)
			}
			deleted = pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, idx)
		return nil
	})
	if err != nil {
		return 0, services.WrapStoreUnavailable("failed to delete sessions", err)
	}

	n := 0
	if deleted != nil {
		n = int(deleted.Val())
	}
	s.logger.Info("sessions revoked", zap.String("local_id", localID), zap.Int("count", n))
	return n, nil
}

// Sessions lists the ids indexed under localID, oldest first
func (s *Store) Sessions(ctx context.Context, localID string) ([]string, error) {
	ids, err := s.rdb.ZRange(ctx, indexKey(localID), 0, -1).Result()
	if err != nil {
		return nil, services.WrapStoreUnavailable("failed to read session index", err)
	}
	return ids, nil
}

func (s *Store) encode(record *models.SessionRecord, identity *models.IdentityContext) ([]byte, error) {
	plaintext, err := json.Marshal(identity)
	if err != nil {
		return nil, err
	}
	payload, err := s.sealer.seal(plaintext, []byte(record.SessionID))
	if err != nil {
		return nil, err
	}
	record.Payload = payload
	return json.Marshal(record)
}

func (s *Store) decode(id string, raw []byte) (*models.SessionRecord, *models.IdentityContext, error) {
	var record models.SessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, nil, fmt.Errorf("corrupt session record: %w", err)
	}
	if record.SessionID != id {
		return nil, nil, errors.New("session id mismatch")
	}
	plaintext, err := s.sealer.open(record.Payload, []byte(id))
	if err != nil {
		return nil, nil, err
	}
	var identity models.IdentityContext
	if err := json.Unmarshal(plaintext, &identity); err != nil {
		return nil, nil, fmt.Errorf("corrupt session payload: %w", err)
	}
	return &record, &identity, nil
}
