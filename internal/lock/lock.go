// Package lock keeps two migrate runs from sending transactions to the same
// network at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erc20simple/erc20-deployer/internal/config"
)

// DefaultTTL bounds how long a crashed run can hold a network.
const DefaultTTL = 30 * time.Minute

const keyPrefix = "erc20-deployer:lock:"

// ErrHeld is returned when another run holds the network.
var ErrHeld = errors.New("migration lock held by another run")

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Release frees a held lock.
type Release = func(ctx context.Context) error

// client is the subset of *redis.Client the lock uses.
type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Close() error
}

// Redis is a lock backed by a single Redis key per network.
type Redis struct {
	client client
	ttl    time.Duration
	owner  string
	logger *slog.Logger
}

// NewRedis connects to the configured Redis. owner identifies this process
// in the lock value, e.g. "host:pid", and is reported to runs that find the
// lock held.
func NewRedis(cfg config.RedisConfig, owner string, logger *slog.Logger) (*Redis, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedis(c, cfg.LockTTL, owner, logger), nil
}

func newRedis(c client, ttl time.Duration, owner string, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: c, ttl: ttl, owner: owner, logger: logger}
}

// Key returns the Redis key guarding network.
func Key(network string) string {
	return keyPrefix + network
}

// Acquire takes the lock for network or fails with ErrHeld.
func (r *Redis) Acquire(ctx context.Context, network string) (Release, error) {
	key := Key(network)
	ok, err := r.client.SetNX(ctx, key, r.owner, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		holder, err := r.client.Get(ctx, key).Result()
		if err != nil {
			holder = "unknown"
		}
		return nil, fmt.Errorf("%w: %s (holder %s)", ErrHeld, network, holder)
	}

	r.logger.Debug("Migration lock acquired",
		slog.String("key", key),
		slog.Duration("ttl", r.ttl),
	)

	return func(ctx context.Context) error {
		n, err := r.client.Eval(ctx, releaseScript, []string{key}, r.owner).Int64()
		if err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		if n == 0 {
			// Expired and possibly taken over by another run.
			r.logger.Warn("Migration lock was no longer ours", slog.String("key", key))
		}
		return nil
	}, nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Noop is used when no Redis is configured.
type Noop struct{}

// Acquire always succeeds.
func (Noop) Acquire(context.Context, string) (Release, error) {
	return func(context.Context) error { return nil }, nil
}

// Close does nothing.
func (Noop) Close() error { return nil }
