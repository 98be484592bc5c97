package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only if this holder still owns it.
// KEYS[1] = lease key
// ARGV[1] = holder token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions configures a RedisLocker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces lease keys. Default: "acgs:lock:".
	Prefix string
	// TTL bounds how long a crashed holder blocks others. Default: 2m.
	TTL time.Duration
	// PollInterval is the wait between acquisition attempts. Default: 50ms.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// RedisLocker is a lease lock on Redis: SET NX PX to acquire, a
// compare-and-delete script to release.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// NewRedisLocker connects a RedisLocker to opts.Addr.
func NewRedisLocker(opts RedisOptions) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisLocker(client, opts)
}

func newRedisLocker(client redis.UniversalClient, opts RedisOptions) *RedisLocker {
	l := &RedisLocker{
		client: client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		poll:   opts.PollInterval,
		logger: opts.Logger,
	}
	if l.prefix == "" {
		l.prefix = "acgs:lock:"
	}
	if l.ttl <= 0 {
		l.ttl = 2 * time.Minute
	}
	if l.poll <= 0 {
		l.poll = 50 * time.Millisecond
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "lock")
	return l
}

// Ping checks the connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	leaseKey := l.prefix + key
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, leaseKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{leaseKey}, token).Err(); err != nil {
				l.logger.Warn("lock release failed, lease will expire", "key", key, "error", err)
			}
		})
	}, nil
}
