package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type CouponType string

const (
	CouponPercentage   CouponType = "percentage"
	CouponFixed        CouponType = "fixed"
	CouponFreeShipping CouponType = "free_shipping"
)

// Coupon is read from the promotions collaborator. Value is a percent for
// percentage coupons and an amount in cents for fixed ones.
type Coupon struct {
	Code             string          `json:"code"`
	Type             CouponType      `json:"type"`
	Value            decimal.Decimal `json:"value"`
	MinAmountCents   int64           `json:"min_amount_cents"`
	MaxDiscountCents int64           `json:"max_discount_cents,omitempty"`
	Active           bool            `json:"active"`
	StartsAt         time.Time       `json:"starts_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

func (c Coupon) ValidAt(now time.Time) error {
	switch {
	case !c.Active:
		return fmt.Errorf("%w: coupon %s is not active", ErrValidation, c.Code)
	case !c.StartsAt.IsZero() && now.Before(c.StartsAt):
		return fmt.Errorf("%w: coupon %s is not valid yet", ErrValidation, c.Code)
	case !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt):
		return fmt.Errorf("%w: coupon %s has expired", ErrValidation, c.Code)
	}
	switch c.Type {
	case CouponPercentage, CouponFixed, CouponFreeShipping:
		return nil
	}
	return fmt.Errorf("%w: coupon %s has unknown type %q", ErrValidation, c.Code, c.Type)
}

// ShippingPolicy is applied the same way to every seller group of a checkout.
type ShippingPolicy struct {
	FeeCents      int64
	FreeOverCents int64 // 0 disables free shipping
}

func (p ShippingPolicy) feeFor(subtotal int64) int64 {
	if p.FreeOverCents > 0 && subtotal >= p.FreeOverCents {
		return 0
	}
	return p.FeeCents
}

type Totals struct {
	SubtotalCents int64
	ShippingCents int64
	DiscountCents int64
	TotalCents    int64
}

// Price computes order totals from item snapshots. total = subtotal - discount + shipping;
// the discount never exceeds the subtotal.
func Price(items []OrderItem, policy ShippingPolicy, coupon *Coupon) Totals {
	var t Totals
	for _, it := range items {
		t.SubtotalCents += it.LineTotalCents
	}
	t.ShippingCents = policy.feeFor(t.SubtotalCents)

	if coupon != nil && t.SubtotalCents >= coupon.MinAmountCents {
		switch coupon.Type {
		case CouponPercentage:
			t.DiscountCents = decimal.NewFromInt(t.SubtotalCents).
				Mul(coupon.Value).
				Div(decimal.NewFromInt(100)).
				Round(0).
				IntPart()
		case CouponFixed:
			t.DiscountCents = coupon.Value.Round(0).IntPart()
		case CouponFreeShipping:
			t.ShippingCents = 0
		}
		if coupon.MaxDiscountCents > 0 && t.DiscountCents > coupon.MaxDiscountCents {
			t.DiscountCents = coupon.MaxDiscountCents
		}
	}
	if t.DiscountCents > t.SubtotalCents {
		t.DiscountCents = t.SubtotalCents
	}
	if t.DiscountCents < 0 {
		t.DiscountCents = 0
	}
	t.TotalCents = t.SubtotalCents - t.DiscountCents + t.ShippingCents
	return t
}

// Apply copies the totals onto the order.
func (t Totals) Apply(o *Order) {
	o.SubtotalCents = t.SubtotalCents
	o.ShippingCents = t.ShippingCents
	o.DiscountCents = t.DiscountCents
	o.TotalCents = t.TotalCents
}
