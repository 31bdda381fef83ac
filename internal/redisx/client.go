package redisx

import (
	"context"
	"time"

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

func Exists(ctx context.Context, rdb redis.Cmdable, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// FirstSeen marks id as processed in scope and reports whether this call was
// the first to do so.
func FirstSeen(ctx context.Context, rdb redis.Cmdable, scope, id string) (bool, error) {
	return rdb.SetNX(ctx, key(KeyDedup, scope, id), 1, TTLDedup).Result()
}

// Forget drops a dedup mark so the event can be processed again.
func Forget(ctx context.Context, rdb redis.Cmdable, scope, id string) error {
	return rdb.Del(ctx, key(KeyDedup, scope, id)).Err()
}

// Dedup binds FirstSeen/Forget to one scope.
type Dedup struct {
	rdb   redis.Cmdable
	scope string
}

func NewDedup(rdb redis.Cmdable, scope string) *Dedup { return &Dedup{rdb: rdb, scope: scope} }

func (d *Dedup) FirstSeen(ctx context.Context, id string) (bool, error) {
	return FirstSeen(ctx, d.rdb, d.scope, id)
}

func (d *Dedup) Forget(ctx context.Context, id string) error {
	return Forget(ctx, d.rdb, d.scope, id)
}
