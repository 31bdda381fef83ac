package httpx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-storefront-orders/internal/checkout"
	"github.com/ariefcatur/go-storefront-orders/internal/httpx"
	"github.com/ariefcatur/go-storefront-orders/internal/lifecycle"
	"github.com/ariefcatur/go-storefront-orders/internal/memstore"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/ariefcatur/go-storefront-orders/internal/reservation"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jsonParser accepts any payload signed "ok" and reads the notification from it.
type jsonParser struct{}

func (jsonParser) ParseWebhook(payload []byte, sig string) (payment.Notification, bool, error) {
	if sig != "ok" {
		return payment.Notification{}, false, payment.ErrSignature
	}
	var body struct {
		EventID string `json:"event_id"`
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return payment.Notification{}, false, err
	}
	if body.Status == "" {
		return payment.Notification{}, false, nil
	}
	return payment.Notification{EventID: body.EventID, OrderID: body.OrderID, Status: orders.PaymentStatus(body.Status)}, true, nil
}

type api struct {
	t      *testing.T
	h      http.Handler
	store  *memstore.Store
	auth   *httpx.Authenticator
	engine *lifecycle.Engine
}

func newAPI(t *testing.T) *api {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := memstore.New()
	s.PutProduct(orders.Product{ID: "p1", StoreID: "store-1", Name: "Mug", PriceCents: 1000, TotalStock: 3})
	s.PutAddress("addr-1", "buyer-1")

	res := reservation.NewManager(s, nil, nil)
	history := &orders.HistoryRecorder{}
	cache := redisx.NewStatusCache(rdb)
	engine := &lifecycle.Engine{
		Store:          s,
		Reservations:   res,
		History:        history,
		Cache:          cache,
		ApprovalWindow: 24 * time.Hour,
	}
	orch := &checkout.Orchestrator{
		Store:          s,
		Reservations:   res,
		History:        history,
		GatewayHoldTTL: 30 * time.Minute,
		CODHoldTTL:     24 * time.Hour,
	}
	auth := &httpx.Authenticator{Secret: []byte("test-secret")}

	r := httpx.NewRouter(nil, nil)
	(&httpx.OrdersHandler{
		Checkout: orch,
		Engine:   engine,
		Store:    s,
		Cache:    cache,
		Idem:     redisx.NewIdempotency(rdb),
		Auth:     auth,
	}).Register(r)
	(&httpx.PaymentsHandler{
		Parser: jsonParser{},
		Engine: engine,
		Dedup:  redisx.NewDedup(rdb, "payment"),
	}).Register(r)

	return &api{t: t, h: r, store: s, auth: auth, engine: engine}
}

func (a *api) token(id string, role orders.Role) string {
	a.t.Helper()
	tok, err := a.auth.Sign(httpx.Actor{ID: id, Role: role}, time.Hour)
	require.NoError(a.t, err)
	return tok
}

func (a *api) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func (a *api) checkout(qty int) string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/checkout", a.token("buyer-1", orders.RoleCustomer), map[string]any{
		"lines":          []map[string]any{{"product_id": "p1", "seller_id": "store-1", "quantity": qty}},
		"address_id":     "addr-1",
		"payment_method": "cod",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var res checkout.Result
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(a.t, res.Orders, 1)
	return res.Orders[0].OrderID
}

func (a *api) reserved() int {
	a.t.Helper()
	p, err := a.store.Product(context.Background(), "p1")
	require.NoError(a.t, err)
	return p.ReservedStock
}

func TestCheckoutIdempotentReplay(t *testing.T) {
	a := newAPI(t)
	buyer := a.token("buyer-1", orders.RoleCustomer)
	body := map[string]any{
		"lines":          []map[string]any{{"product_id": "p1", "seller_id": "store-1", "quantity": 2}},
		"address_id":     "addr-1",
		"payment_method": "cod",
	}

	first := a.do(http.MethodPost, "/checkout", buyer, body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := a.do(http.MethodPost, "/checkout", buyer, body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replay"))

	var r1, r2 checkout.Result
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &r1))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &r2))
	assert.Equal(t, r1.CheckoutID, r2.CheckoutID)
	assert.Equal(t, 2, a.reserved())

	out := a.do(http.MethodPost, "/checkout", buyer, body, "Idempotency-Key", "k-2")
	assert.Equal(t, http.StatusConflict, out.Code, "only one unit left")
	assert.Equal(t, 2, a.reserved())
}

func TestConcurrentCheckoutsShareOneIdempotencyKey(t *testing.T) {
	a := newAPI(t)
	buyer := a.token("buyer-1", orders.RoleCustomer)
	body, err := json.Marshal(map[string]any{
		"lines":          []map[string]any{{"product_id": "p1", "seller_id": "store-1", "quantity": 1}},
		"address_id":     "addr-1",
		"payment_method": "cod",
	})
	require.NoError(t, err)

	const n = 5
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+buyer)
			req.Header.Set("Idempotency-Key", "same-key")
			rec := httptest.NewRecorder()
			a.h.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	created := 0
	for _, c := range codes {
		switch c {
		case http.StatusCreated:
			created++
		case http.StatusOK, http.StatusConflict:
		default:
			t.Errorf("unexpected status %d", c)
		}
	}
	assert.Equal(t, 1, created, "codes=%v", codes)
	assert.Equal(t, 1, a.reserved())

	again := a.do(http.MethodPost, "/checkout", buyer, json.RawMessage(body), "Idempotency-Key", "same-key")
	assert.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, 1, a.reserved())
}

func TestFailedCheckoutReleasesIdempotencyKey(t *testing.T) {
	a := newAPI(t)
	buyer := a.token("buyer-1", orders.RoleCustomer)
	line := func(qty int) map[string]any {
		return map[string]any{
			"lines":          []map[string]any{{"product_id": "p1", "seller_id": "store-1", "quantity": qty}},
			"address_id":     "addr-1",
			"payment_method": "cod",
		}
	}

	out := a.do(http.MethodPost, "/checkout", buyer, line(4), "Idempotency-Key", "k-retry")
	require.Equal(t, http.StatusConflict, out.Code)
	assert.Equal(t, 0, a.reserved())

	ok := a.do(http.MethodPost, "/checkout", buyer, line(1), "Idempotency-Key", "k-retry")
	require.Equal(t, http.StatusCreated, ok.Code, ok.Body.String())
	assert.Empty(t, ok.Header().Get("Idempotent-Replay"))
	assert.Equal(t, 1, a.reserved())
}

func TestCheckoutAuthAndValidation(t *testing.T) {
	a := newAPI(t)
	body := map[string]any{
		"lines":          []map[string]any{{"product_id": "p1", "seller_id": "store-1", "quantity": 1}},
		"address_id":     "addr-1",
		"payment_method": "cod",
	}

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, "/checkout", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, "/checkout", "garbage", body).Code)
	assert.Equal(t, http.StatusForbidden, a.do(http.MethodPost, "/checkout", a.token("store-1", orders.RoleSeller), body).Code)

	body["lines"] = []map[string]any{{"product_id": "p1", "seller_id": "store-1", "quantity": 0}}
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/checkout", a.token("buyer-1", orders.RoleCustomer), body).Code)
	assert.Equal(t, 0, a.reserved())
}

func TestSystemRoleTokensRejected(t *testing.T) {
	a := newAPI(t)
	_, err := a.auth.Parse(a.token("cron", orders.RoleSystem))
	assert.Error(t, err)

	actor, err := a.auth.Parse(a.token("admin-1", orders.RoleAdmin))
	require.NoError(t, err)
	assert.Equal(t, orders.RoleAdmin, actor.Role)
}

func TestTransitionErrorsMapToStatusCodes(t *testing.T) {
	a := newAPI(t)
	id := a.checkout(1)
	path := "/orders/" + id + "/transitions"

	rec := a.do(http.MethodPost, path, a.token("buyer-1", orders.RoleCustomer), map[string]string{"target": "processing"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(http.MethodPost, path, a.token("store-2", orders.RoleSeller), map[string]string{"target": "processing"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodPost, path, a.token("store-1", orders.RoleSeller), map[string]string{"target": "cancelled"})
	assert.Equal(t, http.StatusConflict, rec.Code, "seller rejection needs a note")

	rec = a.do(http.MethodPost, path, a.token("store-1", orders.RoleSeller), map[string]string{"target": "teleported"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/orders/missing/transitions", a.token("admin-1", orders.RoleAdmin), map[string]string{"target": "cancelled"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(http.MethodPost, path, a.token("store-1", orders.RoleSeller), map[string]string{"target": "processing"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var o orders.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	assert.Equal(t, orders.StatusProcessing, o.Status)
}

func TestStatusIsCachedAndInvalidated(t *testing.T) {
	a := newAPI(t)
	id := a.checkout(1)
	buyer := a.token("buyer-1", orders.RoleCustomer)
	path := "/orders/" + id + "/status"

	read := func(token string) (int, httpx.StatusResp) {
		rec := a.do(http.MethodGet, path, token, nil)
		var sr httpx.StatusResp
		if rec.Code == http.StatusOK {
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sr))
		}
		return rec.Code, sr
	}

	code, sr := read(buyer)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, sr.Cached)
	assert.Equal(t, orders.StatusPending, sr.Status)

	code, sr = read(buyer)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, sr.Cached)

	code, _ = read(a.token("buyer-2", orders.RoleCustomer))
	assert.Equal(t, http.StatusForbidden, code, "cache hits are authorized too")

	_, err := a.engine.Transition(context.Background(), lifecycle.Request{
		OrderID: id, Target: orders.StatusProcessing, ActorID: "store-1", Role: orders.RoleSeller,
	})
	require.NoError(t, err)

	code, sr = read(buyer)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, sr.Cached)
	assert.Equal(t, orders.StatusProcessing, sr.Status)

	// reads right after a transition are served from the store, never refilled
	code, sr = read(buyer)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, sr.Cached)
	assert.Equal(t, orders.StatusProcessing, sr.Status)
}

func TestPaymentWebhook(t *testing.T) {
	a := newAPI(t)
	paid := a.checkout(1)
	late := a.checkout(1)
	_, err := a.engine.Transition(context.Background(), lifecycle.Request{
		OrderID: late, Target: orders.StatusCancelled, ActorID: "buyer-1", Role: orders.RoleCustomer,
	})
	require.NoError(t, err)

	send := func(sig string, body map[string]string) (int, map[string]any) {
		rec := a.do(http.MethodPost, "/webhooks/payments", "", body, "Stripe-Signature", sig)
		var out map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
		return rec.Code, out
	}

	code, _ := send("forged", map[string]string{"event_id": "evt_0", "order_id": paid, "status": "paid"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, out := send("ok", map[string]string{"event_id": "evt_1", "order_id": paid, "status": "paid"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "paid", out["payment_status"])

	code, out = send("ok", map[string]string{"event_id": "evt_1", "order_id": paid, "status": "paid"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["duplicate"])

	code, out = send("ok", map[string]string{"event_id": "evt_ignored"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["ignored"])

	code, out = send("ok", map[string]string{"event_id": "evt_2", "order_id": late, "status": "paid"})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, out["needs_reconciliation"])
	assert.Equal(t, "cancelled", out["order_status"])

	code, _ = send("ok", map[string]string{"event_id": "evt_3", "order_id": "missing", "status": "paid"})
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = send("ok", map[string]string{"event_id": "evt_3", "order_id": "missing", "status": "paid"})
	assert.Equal(t, http.StatusNotFound, code, "failed events are not remembered")
}

func TestTimelineDisabled(t *testing.T) {
	a := newAPI(t)
	id := a.checkout(1)
	rec := a.do(http.MethodGet, "/orders/"+id+"/timeline", a.token("buyer-1", orders.RoleCustomer), nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRefundResolutionNeedsAdmin(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodPost, "/refunds/r-1/resolve", a.token("buyer-1", orders.RoleCustomer), map[string]any{"approve": true})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodPost, "/refunds/r-1/resolve", a.token("admin-1", orders.RoleAdmin), map[string]any{"note": "no decision"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/refunds/r-1/resolve", a.token("admin-1", orders.RoleAdmin), map[string]any{"approve": false})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
