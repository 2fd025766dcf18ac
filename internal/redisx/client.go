package redisx

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// StatusCache stores rendered payment summaries. Redis errors are logged and
// treated as a miss; Postgres stays the source of truth.
type StatusCache struct {
	RDB    *redis.Client
	TTL    time.Duration
	Logger *slog.Logger
}

func (c *StatusCache) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *StatusCache) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return TTLStatusCache
}

func (c *StatusCache) GetStatus(ctx context.Context, orderID string) ([]byte, bool) {
	b, err := c.RDB.Get(ctx, PaymentStatusKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log().WarnContext(ctx, "payment status cache read", "order_id", orderID, "err", err)
		return nil, false
	}
	return b, true
}

func (c *StatusCache) SetStatus(ctx context.Context, orderID string, b []byte) {
	if err := c.RDB.Set(ctx, PaymentStatusKey(orderID), b, c.ttl()).Err(); err != nil {
		c.log().WarnContext(ctx, "payment status cache write", "order_id", orderID, "err", err)
	}
}

func (c *StatusCache) DropStatus(ctx context.Context, orderID string) {
	if err := c.RDB.Del(ctx, PaymentStatusKey(orderID)).Err(); err != nil {
		c.log().WarnContext(ctx, "payment status cache drop", "order_id", orderID, "err", err)
	}
}

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker is a SET NX PX mutex. Each key remembers the token it was taken
// with so an expired holder cannot release someone else's lock.
type Locker struct {
	RDB *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.RDB.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	l.mu.Lock()
	if l.tokens == nil {
		l.tokens = map[string]string{}
	}
	l.tokens[key] = token
	l.mu.Unlock()
	return true, nil
}

func (l *Locker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return unlockScript.Run(ctx, l.RDB, []string{key}, token).Err()
}
