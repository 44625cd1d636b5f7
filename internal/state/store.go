// Package state implements the Redis-backed shared state used for routing
// decisions: provider blacklists, consecutive-failure counters, fixed-window
// rate limits, and stream concurrency slots. It is the single cross-process
// surface; all other router state is per-request.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Key prefixes. Providers and users get separate rate-limit namespaces so a
// provider named like a user id can never share a counter with it.
const (
	blacklistPrefix   = "blacklist:"
	failuresPrefix    = "failures:"
	rateLimitPrefix   = "ratelimit:"
	concurrencyPrefix = "concurrency:"

	providerScope = "provider:"
	userScope     = "user:"
)

const (
	// failureCounterTTL is the inactivity window after which a provider's
	// consecutive-failure count is forgotten.
	failureCounterTTL = 300 * time.Second

	// defaultSlotTTL bounds how long a crashed acquirer can hold a
	// concurrency slot.
	defaultSlotTTL = 300 * time.Second
)

// Store is a thin facade over Redis. All operations take a context and
// surface transport errors to the caller; the store itself never retries.
type Store struct {
	client    goredis.UniversalClient
	namespace string
	logger    *slog.Logger
}

// Config holds connection settings for the store.
type Config struct {
	// URL is a redis connection string, e.g. "redis://localhost:6379/0".
	URL string
	// Namespace, when set, prefixes every key with "<namespace>:".
	Namespace string
	// DialTimeout bounds the initial connectivity check.
	DialTimeout time.Duration
}

// Connect parses the URL, opens a client, and verifies connectivity.
func Connect(cfg Config, logger *slog.Logger) (*Store, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return New(client, cfg.Namespace, logger), nil
}

// New wraps an existing client. Useful for tests and for callers that manage
// the client lifecycle themselves.
func New(client goredis.UniversalClient, namespace string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// prefixKey adds the namespace prefix to the key.
func (s *Store) prefixKey(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

// IsBlacklisted reports whether the provider is currently quarantined.
func (s *Store) IsBlacklisted(ctx context.Context, provider string) (bool, error) {
	err := s.client.Get(ctx, s.prefixKey(blacklistPrefix+provider)).Err()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}
	return true, nil
}

// Blacklist quarantines the provider for ttl, overwriting any existing
// quarantine window.
func (s *Store) Blacklist(ctx context.Context, provider string, ttl time.Duration) error {
	key := s.prefixKey(blacklistPrefix + provider)
	if err := s.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// IncrementFailure bumps the provider's consecutive-failure counter and
// refreshes its inactivity TTL. Returns the new count.
func (s *Store) IncrementFailure(ctx context.Context, provider string) (int64, error) {
	key := s.prefixKey(failuresPrefix + provider)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, failureCounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return incr.Val(), nil
}

// ResetFailure forgets the provider's failure history. Called on any
// successful response or stream commit.
func (s *Store) ResetFailure(ctx context.Context, provider string) error {
	if err := s.client.Del(ctx, s.prefixKey(failuresPrefix+provider)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// CheckRateLimit applies a fixed-window counter to the identifier. If the
// window key is absent it is created with count 1; at or above max the call
// reports (false, 0) without mutation; otherwise the count is incremented.
// Creation and increment are not composed atomically, so two concurrent
// callers can both pass on an empty window. The limit is a soft cap.
func (s *Store) CheckRateLimit(ctx context.Context, identifier string, max int, window time.Duration) (bool, int, error) {
	key := s.prefixKey(rateLimitPrefix + identifier)

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		if err := s.client.Set(ctx, key, 1, window).Err(); err != nil {
			return false, 0, fmt.Errorf("redis set: %w", err)
		}
		return true, max - 1, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("redis get: %w", err)
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		return false, 0, fmt.Errorf("rate limit counter %q holds non-integer %q", identifier, val)
	}
	if count >= max {
		return false, 0, nil
	}

	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis incr: %w", err)
	}
	remaining := max - int(n)
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, nil
}

// CheckUserRateLimit gates a caller-scoped identifier.
func (s *Store) CheckUserRateLimit(ctx context.Context, userID string, max int, window time.Duration) (bool, int, error) {
	return s.CheckRateLimit(ctx, userScope+userID, max, window)
}

// CheckProviderRateLimit gates an attempt against the provider's own window.
// The requestID is advisory and appears only in logs; the effective key is
// per-provider.
func (s *Store) CheckProviderRateLimit(ctx context.Context, provider, requestID string, max int, window time.Duration) (bool, int, error) {
	allowed, remaining, err := s.CheckRateLimit(ctx, providerScope+provider, max, window)
	if err != nil {
		return false, 0, err
	}
	if !allowed {
		s.logger.Warn("provider rate limit exceeded",
			"provider", provider,
			"request_id", requestID,
			"limit", max,
			"window", window,
		)
	}
	return allowed, remaining, nil
}

// AcquireSlot takes one slot of the named resource. Non-blocking: reports
// false when all slots are held. The counter carries a safety TTL, refreshed
// on each acquire, so a crashed holder cannot leak a slot forever.
func (s *Store) AcquireSlot(ctx context.Context, resource string, maxSlots int, ttl time.Duration) (bool, error) {
	key := s.prefixKey(concurrencyPrefix + resource)

	val, err := s.client.Get(ctx, key).Result()
	var count int
	switch {
	case errors.Is(err, goredis.Nil):
		count = 0
	case err != nil:
		return false, fmt.Errorf("redis get: %w", err)
	default:
		count, err = strconv.Atoi(val)
		if err != nil {
			return false, fmt.Errorf("concurrency counter %q holds non-integer %q", resource, val)
		}
	}

	if count >= maxSlots {
		return false, nil
	}

	if ttl <= 0 {
		ttl = defaultSlotTTL
	}
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis incr: %w", err)
	}
	return true, nil
}

// ReleaseSlot returns a slot taken by AcquireSlot. The counter never drops
// below zero, so releasing an expired or never-acquired slot is harmless.
func (s *Store) ReleaseSlot(ctx context.Context, resource string) error {
	key := s.prefixKey(concurrencyPrefix + resource)

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("concurrency counter %q holds non-integer %q", resource, val)
	}
	if count <= 0 {
		return nil
	}

	if err := s.client.Decr(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis decr: %w", err)
	}
	return nil
}

// Ping checks store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
