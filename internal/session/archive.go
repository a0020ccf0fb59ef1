// Package session archives finished research runs in Redis so callers can
// fetch a report again without re-running the research.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/metrics"
	"github.com/CK991357/gemini-chat-sub000/internal/research"
)

// ErrNotFound is returned when no archived run exists for the ID.
var ErrNotFound = errors.New("archived run not found")

const (
	keyPrefix    = "deepresearch:run:"
	recentKey    = "deepresearch:recent"
	recentWindow = 200
)

// Archive stores serialized run results in Redis with a local LRU cache in
// front. The cache only holds what this process archived or fetched; Redis is
// the source of truth.
type Archive struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration

	mu          sync.RWMutex
	localCache  map[string]*research.Result
	cacheAccess map[string]time.Time
	maxCached   int
}

// NewArchive connects to Redis and verifies the connection.
func NewArchive(redisAddr string, ttl time.Duration, logger *zap.Logger) (*Archive, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Archive{
		client:      client,
		logger:      logger,
		ttl:         ttl,
		localCache:  make(map[string]*research.Result),
		cacheAccess: make(map[string]time.Time),
		maxCached:   1000,
	}, nil
}

// NewArchiveWithClient wraps an existing client, mainly for tests.
func NewArchiveWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Archive {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Archive{
		client:      client,
		logger:      logger,
		ttl:         ttl,
		localCache:  make(map[string]*research.Result),
		cacheAccess: make(map[string]time.Time),
		maxCached:   1000,
	}
}

// Save archives a finished run under its run ID and records it in the recent
// list.
func (a *Archive) Save(ctx context.Context, result *research.Result) error {
	if result == nil || result.RunID == "" {
		return fmt.Errorf("result must carry a run ID")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", result.RunID, err)
	}

	key := keyPrefix + result.RunID
	if err := a.client.Set(ctx, key, data, a.ttl).Err(); err != nil {
		return fmt.Errorf("archive run %s: %w", result.RunID, err)
	}

	pipe := a.client.Pipeline()
	pipe.LPush(ctx, recentKey, result.RunID)
	pipe.LTrim(ctx, recentKey, 0, recentWindow-1)
	if _, err := pipe.Exec(ctx); err != nil {
		a.logger.Warn("failed to update recent run list",
			zap.String("run_id", result.RunID), zap.Error(err))
	}

	a.mu.Lock()
	a.localCache[result.RunID] = result
	a.cacheAccess[result.RunID] = time.Now()
	a.evictLocked()
	a.mu.Unlock()

	a.logger.Info("run archived",
		zap.String("run_id", result.RunID),
		zap.String("status", string(result.Status)),
		zap.Int("bytes", len(data)))
	return nil
}

// Get fetches an archived run, serving from the local cache when possible.
func (a *Archive) Get(ctx context.Context, runID string) (*research.Result, error) {
	a.mu.RLock()
	cached, ok := a.localCache[runID]
	a.mu.RUnlock()
	if ok {
		a.mu.Lock()
		a.cacheAccess[runID] = time.Now()
		a.mu.Unlock()
		metrics.ArchiveHits.Inc()
		return cached, nil
	}

	metrics.ArchiveMisses.Inc()
	data, err := a.client.Get(ctx, keyPrefix+runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch run %s: %w", runID, err)
	}

	var result research.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", runID, err)
	}

	a.mu.Lock()
	a.localCache[runID] = &result
	a.cacheAccess[runID] = time.Now()
	a.evictLocked()
	a.mu.Unlock()
	return &result, nil
}

// Recent returns the newest archived run IDs, most recent first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > recentWindow {
		limit = recentWindow
	}
	ids, err := a.client.LRange(ctx, recentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	return ids, nil
}

// Delete removes an archived run.
func (a *Archive) Delete(ctx context.Context, runID string) error {
	if err := a.client.Del(ctx, keyPrefix+runID).Err(); err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	a.mu.Lock()
	delete(a.localCache, runID)
	delete(a.cacheAccess, runID)
	a.mu.Unlock()
	return nil
}

// Close releases the Redis connection.
func (a *Archive) Close() error {
	return a.client.Close()
}

// evictLocked drops least-recently-used cache entries beyond maxCached.
// Caller holds the write lock.
func (a *Archive) evictLocked() {
	for len(a.localCache) > a.maxCached {
		oldestID := ""
		var oldest time.Time
		for id, at := range a.cacheAccess {
			if oldestID == "" || at.Before(oldest) {
				oldestID = id
				oldest = at
			}
		}
		delete(a.localCache, oldestID)
		delete(a.cacheAccess, oldestID)
	}
}
