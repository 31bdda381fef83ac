package redisx

import "time"

const (
	// Idempotency checkout: idem:checkout:{buyer_id}:{key} -> checkout result JSON
	KeyIdemCheckout = "idem:checkout:%s:%s"

	// Cache status order: order_status:{order_id} -> {"status": "...", "payment_status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{scope}:{id} (id = event_id gateway / kafka)
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLIdemClaim   = time.Minute // in-flight checkout; outlives the request timeout
	TTLStatusCache = 5 * time.Minute
	TTLStatusStale = 10 * time.Second // tombstone after invalidate; outlives a status read
	TTLDedup       = 48 * time.Hour
)
