package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"pending refund unique", &pgconn.PgError{Code: "23505", ConstraintName: "refund_requests_one_pending"}, orders.ErrRefundExists},
		{"stock check", fmt.Errorf("save: %w", &pgconn.PgError{Code: "23514", ConstraintName: "products_reserved_within_total"}), orders.ErrInsufficientStock},
		{"foreign key", &pgconn.PgError{Code: "23503", Detail: "Key (product_id)=(p9) is not present"}, orders.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tc.in), tc.want)
		})
	}
}

func TestMapErrorPassesThrough(t *testing.T) {
	plain := errors.New("conn reset")
	assert.Same(t, plain, mapError(plain))
	assert.Nil(t, mapError(nil))

	other := &pgconn.PgError{Code: "23505", ConstraintName: "orders_pkey"}
	assert.Equal(t, error(other), mapError(other))
}

func TestSchemaDeclaresInvariants(t *testing.T) {
	assert.Contains(t, schema, "reserved_stock <= total_stock")
	assert.Contains(t, schema, "refund_requests_one_pending")
	assert.True(t, strings.Contains(schema, "BIGSERIAL"), "history ids are monotonic")
}
