package pagelock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmonitor/internal/retry"
)

// Redis lock defaults.
const (
	DefaultTTL       = 5 * time.Minute
	DefaultPoll      = 100 * time.Millisecond
	DefaultKeyPrefix = "webmonitor:pagelock:"

	connectionTimeout = 5 * time.Second
	releaseTimeout    = 5 * time.Second
)

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// releaseScript deletes the key only while it still holds our token, so a
// lock that expired and was taken by another worker is never released.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection and lock configuration.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"lock_ttl_seconds"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// NewRedisClient creates a Redis client and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Redis is a page lock shared by every process using the same Redis. Each
// lock is a key set with NX and a TTL, so a crashed holder cannot block a
// page forever.
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

// NewRedis builds a Redis locker.
func NewRedis(client redis.Cmdable, cfg RedisConfig, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, poll: DefaultPoll, logger: logger}
}

// Lock polls until the page key is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, pageID string) (func(), error) {
	key := r.prefix + pageID
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	for {
		acquired, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock page %s: %w", pageID, err)
		}
		if acquired {
			break
		}
		if err := retry.Sleep(ctx, r.poll); err != nil {
			return nil, fmt.Errorf("lock page %s: %w", pageID, err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil {
				r.logger.Warn("release page lock failed", zap.String("page_id", pageID), zap.Error(err))
			}
		})
	}, nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
