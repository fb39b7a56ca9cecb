package locks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xelth-com/etimsgo/internal/config"
)

const retryInterval = 50 * time.Millisecond

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// NewRedisClient connects to Redis and pings it with a short timeout
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisLocker is a Locker shared by every instance pointed at the same Redis
type RedisLocker struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

// NewRedisLocker creates a Redis-backed locker. Keys are <prefix>:lock:<key>.
func NewRedisLocker(client *redis.Client, prefix string, log *zap.Logger) *RedisLocker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocker{client: client, prefix: prefix, log: log}
}

// Lock spins on SET NX PX until it wins or ctx is done. The key expires after ttl
// so a crashed holder cannot block refreshes forever.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	fullKey := l.keyFor(key)
	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", fullKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
			l.log.Warn("failed to release lock", zap.String("key", fullKey), zap.Error(err))
		}
	}, nil
}

func (l *RedisLocker) keyFor(key string) string {
	return strings.TrimSuffix(l.prefix, ":") + ":lock:" + key
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
