package barracks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
)

const (
	avatarCacheKeyPrefix = "barracks:avatar:"
	redisPingTimeout     = 5 * time.Second
)

// AvatarCache caches avatar URLs by external user id
type AvatarCache interface {
	Get(ctx context.Context, externalID int64) (string, bool)
	Set(ctx context.Context, externalID int64, avatarURL string)
}

type avatarEntry struct {
	url     string
	expires time.Time
}

type memoryAvatarCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[int64]avatarEntry
	now     func() time.Time
}

func newMemoryAvatarCache(ttl time.Duration) *memoryAvatarCache {
	return &memoryAvatarCache{
		ttl:     ttl,
		entries: map[int64]avatarEntry{},
		now:     time.Now,
	}
}

func (m *memoryAvatarCache) Get(_ context.Context, externalID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[externalID]
	if !ok {
		return "", false
	}
	if m.ttl > 0 && m.now().After(entry.expires) {
		delete(m.entries, externalID)
		return "", false
	}
	return entry.url, true
}

func (m *memoryAvatarCache) Set(_ context.Context, externalID int64, avatarURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[externalID] = avatarEntry{url: avatarURL, expires: m.now().Add(m.ttl)}
}

type redisAvatarCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// newRedisAvatarCache connects to redisURL and verifies the
// connection with a PING
func newRedisAvatarCache(
	ctx context.Context,
	redisURL string,
	ttl time.Duration,
	logger *slog.Logger,
) (*redisAvatarCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err = client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &redisAvatarCache{
		client: client,
		ttl:    ttl,
		logger: logger.With(loggerNameKey, "avatar_cache"),
	}, nil
}

func avatarCacheKey(externalID int64) string {
	return avatarCacheKeyPrefix + strconv.FormatInt(externalID, 10)
}

func (r *redisAvatarCache) Get(ctx context.Context, externalID int64) (string, bool) {
	val, err := r.client.Get(ctx, avatarCacheKey(externalID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.WarnContext(ctx, "error reading avatar cache", tint.Err(err))
		}
		return "", false
	}
	return val, true
}

func (r *redisAvatarCache) Set(ctx context.Context, externalID int64, avatarURL string) {
	if err := r.client.Set(ctx, avatarCacheKey(externalID), avatarURL, r.ttl).Err(); err != nil {
		r.logger.WarnContext(ctx, "error writing avatar cache", tint.Err(err))
	}
}

func (r *redisAvatarCache) Close() error {
	return r.client.Close()
}

// AvatarResolver resolves avatar URLs through the cache, falling back
// to the identity provider, and finally to a default image.
type AvatarResolver struct {
	provider   IdentityProvider
	cache      AvatarCache
	defaultURL string
	logger     *slog.Logger
}

func NewAvatarResolver(
	provider IdentityProvider,
	cache AvatarCache,
	defaultURL string,
	logger *slog.Logger,
) *AvatarResolver {
	if defaultURL == "" {
		defaultURL = DefaultAvatarURL
	}
	if cache == nil {
		cache = newMemoryAvatarCache(DefaultAvatarCacheTTL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AvatarResolver{
		provider:   provider,
		cache:      cache,
		defaultURL: defaultURL,
		logger:     logger,
	}
}

// Resolve returns the avatar URL for externalID. It never fails:
// the default image is returned when nothing else is available.
func (a *AvatarResolver) Resolve(ctx context.Context, externalID int64) string {
	if externalID == 0 {
		return a.defaultURL
	}
	if cached, ok := a.cache.Get(ctx, externalID); ok {
		return cached
	}
	if a.provider == nil || !a.provider.Configured() {
		return a.defaultURL
	}

	session, err := a.provider.OpenSession(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "unable to open identity session for avatar", tint.Err(err))
		return a.defaultURL
	}
	defer func() {
		_ = session.Close()
	}()

	avatarURL, ok := session.FetchAvatarURL(ctx, externalID)
	if !ok {
		return a.defaultURL
	}
	a.cache.Set(ctx, externalID, avatarURL)
	return avatarURL
}
