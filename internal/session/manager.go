// Package session allocates session IDs and monotonic chunk IDs per
// session and tracks each session's lifecycle (Active/Ended), per §4.4.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamvox/pipeline/internal/circuitbreaker"
	"github.com/streamvox/pipeline/internal/metrics"
)

// Manager allocates sessions and their monotonic chunk_id sequence. It
// runs in one of two modes: local (an in-process mutex-guarded map,
// the default) or Redis-backed (via circuitbreaker.RedisWrapper), so
// session identity and counters survive a restart or are shared across
// replicas. Either way the record stays resolvable for graceTTL after
// End, so a late chunk_done for an ended session never errors (S1, S2).
type Manager struct {
	redis  *circuitbreaker.RedisWrapper
	logger *zap.Logger

	graceTTL time.Duration

	mu          sync.Mutex
	localCache  map[string]*Session
	cacheAccess map[string]time.Time
	maxSessions int
}

// NewLocalManager constructs a Manager that keeps all session state
// in-process, with no external dependency.
func NewLocalManager(graceTTL time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:      logger,
		graceTTL:    graceTTL,
		localCache:  make(map[string]*Session),
		cacheAccess: make(map[string]time.Time),
		maxSessions: 10000,
	}
}

// NewRedisManager constructs a Manager backed by Redis through a
// circuit breaker, falling back to local-cache reads on a degraded
// backing store rather than blocking chunk admission on it.
func NewRedisManager(redisAddr, redisPassword string, graceTTL time.Duration, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	wrapper := circuitbreaker.NewRedisWrapper(client, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wrapper.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Manager{
		redis:       wrapper,
		logger:      logger,
		graceTTL:    graceTTL,
		localCache:  make(map[string]*Session),
		cacheAccess: make(map[string]time.Time),
		maxSessions: 10000,
	}, nil
}

// Create allocates a new session, Active, with next_chunk_id = 0.
// session_id is unique across all live and recently-ended sessions (S2).
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	sess := &Session{
		ID:           uuid.New().String(),
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		NextChunkID:  0,
		Status:       StatusActive,
	}

	if m.redis != nil {
		if err := m.save(ctx, sess); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}

	m.mu.Lock()
	m.localCache[sess.ID] = sess
	m.cacheAccess[sess.ID] = time.Now()
	m.evictLocked()
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()
	m.logger.Info("session created", zap.String("session_id", sess.ID))
	return sess, nil
}

// NextChunkID atomically returns the next value of session_id's chunk
// counter and increments it (strictly increasing, no gaps — S1). Fails
// with ErrSessionNotFound if the session is unknown, or ErrSessionEnded
// once its grace period has passed.
func (m *Manager) NextChunkID(ctx context.Context, sessionID string) (int64, error) {
	if m.redis != nil {
		if _, err := m.Get(ctx, sessionID); err != nil {
			return 0, err
		}
		key := chunkCounterKey(sessionID)
		n, err := m.redis.Incr(ctx, key).Result()
		if err != nil {
			return 0, fmt.Errorf("next chunk id: %w", err)
		}
		return n - 1, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.localCache[sessionID]
	if !ok {
		return 0, ErrSessionNotFound
	}
	if !sess.IsResolvable(m.graceTTL) {
		return 0, ErrSessionEnded
	}
	id := sess.NextChunkID
	sess.NextChunkID++
	sess.LastActivity = time.Now()
	return id, nil
}

// RecordChunk updates the session's byte/chunk input counters after
// admitting a chunk.
func (m *Manager) RecordChunk(ctx context.Context, sessionID string, bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.localCache[sessionID]
	if !ok {
		return
	}
	sess.BytesIn += int64(bytes)
	sess.ChunksIn++
	sess.LastActivity = time.Now()
}

// Get returns the session record, resolving late lookups for up to
// graceTTL after the session has Ended.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.localCache[sessionID]
	if ok {
		m.cacheAccess[sessionID] = time.Now()
	}
	m.mu.Unlock()

	if ok {
		metrics.SessionCacheHits.Inc()
		if !sess.IsResolvable(m.graceTTL) {
			return nil, ErrSessionEnded
		}
		return sess, nil
	}
	metrics.SessionCacheMisses.Inc()

	if m.redis == nil {
		return nil, ErrSessionNotFound
	}

	data, err := m.redis.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var loaded Session
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if !loaded.IsResolvable(m.graceTTL) {
		return nil, ErrSessionEnded
	}

	m.mu.Lock()
	m.localCache[sessionID] = &loaded
	m.cacheAccess[sessionID] = time.Now()
	m.evictLocked()
	m.mu.Unlock()

	return &loaded, nil
}

// End transitions a session to Ended. The record stays resolvable for
// graceTTL so late chunk_done events can still look up its metadata.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.localCache[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	m.mu.Lock()
	sess.Status = StatusEnded
	sess.EndedAt = time.Now()
	m.mu.Unlock()

	if m.redis != nil {
		if err := m.save(ctx, sess); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
		_ = m.redis.Expire(ctx, sessionKey(sessionID), m.graceTTL).Err()
		_ = m.redis.Expire(ctx, chunkCounterKey(sessionID), m.graceTTL).Err()
	}

	metrics.SessionsEnded.Inc()
	metrics.SessionsActive.Dec()
	m.logger.Info("session ended", zap.String("session_id", sessionID))
	return nil
}

// Sweep removes local-cache entries past their grace period. Callers in
// local mode should run this periodically (cmd/server does so on a
// cleanup_interval_s ticker) since there is no Redis TTL to do it for them.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, sess := range m.localCache {
		if sess.Status == StatusEnded && !sess.IsResolvable(m.graceTTL) {
			delete(m.localCache, id)
			delete(m.cacheAccess, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	}
	return removed
}

func (m *Manager) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return m.redis.Set(ctx, sessionKey(sess.ID), data, 0).Err()
}

// evictLocked drops the least-recently-accessed half of the local cache
// once it exceeds maxSessions. Caller must hold m.mu.
func (m *Manager) evictLocked() {
	if len(m.localCache) <= m.maxSessions {
		return
	}
	type accessEntry struct {
		id   string
		time time.Time
	}
	entries := make([]accessEntry, 0, len(m.localCache))
	for id := range m.localCache {
		entries = append(entries, accessEntry{id: id, time: m.cacheAccess[id]})
	}
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].time.Before(entries[i].time) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	toRemove := m.maxSessions / 2
	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(m.localCache, entries[i].id)
		delete(m.cacheAccess, entries[i].id)
		metrics.SessionCacheEvictions.Inc()
	}
}

// Close releases the Redis connection, if any.
func (m *Manager) Close() error {
	if m.redis == nil {
		return nil
	}
	return m.redis.Close()
}

// RedisWrapper exposes the underlying circuit-breaker-wrapped Redis
// client for health checks, or nil in local mode.
func (m *Manager) RedisWrapper() *circuitbreaker.RedisWrapper {
	return m.redis
}

func sessionKey(sessionID string) string      { return "pipeline:session:" + sessionID }
func chunkCounterKey(sessionID string) string { return "pipeline:session:" + sessionID + ":chunk_id" }
