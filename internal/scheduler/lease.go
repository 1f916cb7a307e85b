package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease makes sure only one process watches a given booking.
type Lease interface {
	Acquire(ctx context.Context, bookingID uint64, ttl time.Duration) (bool, error)
	Release(ctx context.Context, bookingID uint64) error
}

// NopLease grants every request. It is used when Redis is not configured.
type NopLease struct{}

func (NopLease) Acquire(context.Context, uint64, time.Duration) (bool, error) { return true, nil }
func (NopLease) Release(context.Context, uint64) error                        { return nil }

// releaseScript deletes the key only while it still holds our token, so an
// expired lease taken over by another process is never removed by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease stores one key per watched booking with SET NX PX.
type RedisLease struct {
	rdb    *redis.Client
	prefix string
	token  string
}

// NewRedisLease returns a lease bound to rdb. Keys are prefix+booking id.
func NewRedisLease(rdb *redis.Client, prefix string) *RedisLease {
	if prefix == "" {
		prefix = "watch:booking:"
	}
	return &RedisLease{rdb: rdb, prefix: prefix, token: uuid.NewString()}
}

func (l *RedisLease) key(id uint64) string { return l.prefix + strconv.FormatUint(id, 10) }

// Acquire takes the lease for ttl. It returns false when another holder
// owns it.
func (l *RedisLease) Acquire(ctx context.Context, bookingID uint64, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	ok, err := l.rdb.SetNX(ctx, l.key(bookingID), l.token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// re-acquiring our own lease after a resume is allowed
	cur, err := l.rdb.Get(ctx, l.key(bookingID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cur == l.token, nil
}

// Release drops the lease if this process still holds it.
func (l *RedisLease) Release(ctx context.Context, bookingID uint64) error {
	err := releaseScript.Run(ctx, l.rdb, []string{l.key(bookingID)}, l.token).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}
