package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/redis/go-redis/v9"
)

func key(format string, args ...any) string { return fmt.Sprintf(format, args...) }

type CachedStatus struct {
	OrderID       string               `json:"order_id"`
	BuyerID       string               `json:"buyer_id"`
	SellerID      string               `json:"seller_id"`
	Status        orders.Status        `json:"status"`
	PaymentStatus orders.PaymentStatus `json:"payment_status"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// StatusCache keeps the latest status per order for cheap polling.
type StatusCache struct {
	rdb redis.Cmdable
}

func NewStatusCache(rdb redis.Cmdable) *StatusCache { return &StatusCache{rdb: rdb} }

// Get returns ok=false on a cache miss.
func (c *StatusCache) Get(ctx context.Context, orderID string) (CachedStatus, bool, error) {
	b, err := c.rdb.Get(ctx, key(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedStatus{}, false, nil
	}
	if err != nil {
		return CachedStatus{}, false, err
	}
	if string(b) == tombstone {
		return CachedStatus{}, false, nil
	}
	var cs CachedStatus
	if err := json.Unmarshal(b, &cs); err != nil {
		return CachedStatus{}, false, fmt.Errorf("decode cached status: %w", err)
	}
	return cs, true, nil
}

// Fill caches a status read from the database unless the key is already
// taken, either by a fresher entry or by the tombstone Invalidate leaves.
// A read that raced a transition therefore cannot put the old status back.
func (c *StatusCache) Fill(ctx context.Context, o orders.Order) (bool, error) {
	b, err := encodeStatus(o)
	if err != nil {
		return false, err
	}
	return c.rdb.SetNX(ctx, key(KeyOrderStatus, o.ID), b, TTLStatusCache).Result()
}

// Invalidate replaces the entry with a short-lived tombstone that Get treats
// as a miss and Fill cannot overwrite.
func (c *StatusCache) Invalidate(ctx context.Context, orderID string) error {
	return c.rdb.Set(ctx, key(KeyOrderStatus, orderID), tombstone, TTLStatusStale).Err()
}

const tombstone = "-"

func encodeStatus(o orders.Order) ([]byte, error) {
	return json.Marshal(CachedStatus{
		OrderID:       o.ID,
		BuyerID:       o.BuyerID,
		SellerID:      o.SellerID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		UpdatedAt:     o.UpdatedAt,
	})
}

// ErrInFlight means another request holding the same idempotency key has
// claimed it and not finished yet.
var ErrInFlight = errors.New("idempotent request still in flight")

const inFlight = "in-flight"

// Idempotency remembers responses of requests carrying an idempotency key.
// A key is claimed before the work starts, then either replaced by the
// response or released so the caller may retry.
type Idempotency struct {
	rdb redis.Cmdable
}

func NewIdempotency(rdb redis.Cmdable) *Idempotency { return &Idempotency{rdb: rdb} }

// Claim atomically reserves the key. It returns false when the key is
// already claimed or already holds a response.
func (i *Idempotency) Claim(ctx context.Context, buyerID, idemKey string) (bool, error) {
	return i.rdb.SetNX(ctx, key(KeyIdemCheckout, buyerID, idemKey), inFlight, TTLIdemClaim).Result()
}

// Release drops a claim that did not produce a response.
func (i *Idempotency) Release(ctx context.Context, buyerID, idemKey string) error {
	return i.rdb.Del(ctx, key(KeyIdemCheckout, buyerID, idemKey)).Err()
}

// Recall decodes a stored response into out and reports whether one existed.
// A claimed key without a response yet yields ErrInFlight.
func (i *Idempotency) Recall(ctx context.Context, buyerID, idemKey string, out any) (bool, error) {
	b, err := i.rdb.Get(ctx, key(KeyIdemCheckout, buyerID, idemKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if string(b) == inFlight {
		return false, ErrInFlight
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("decode idempotent response: %w", err)
	}
	return true, nil
}

// Remember stores the response over the claim.
func (i *Idempotency) Remember(ctx context.Context, buyerID, idemKey string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return i.rdb.Set(ctx, key(KeyIdemCheckout, buyerID, idemKey), b, TTLIdempotency).Err()
}
