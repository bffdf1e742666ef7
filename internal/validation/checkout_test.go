package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/mmeshcher/vouchermart/internal/model"
)

func TestValidateCheckout(t *testing.T) {
	valid := model.CheckoutRequest{
		UserID: 1,
		ShipID: 2,
		Items:  []model.CheckoutItem{{PlanID: 3, Quantity: 1}},
	}

	tests := []struct {
		name   string
		modify func(r *model.CheckoutRequest)
		valid  bool
	}{
		{name: "valid", modify: func(r *model.CheckoutRequest) {}, valid: true},
		{name: "valid with coupon", modify: func(r *model.CheckoutRequest) { r.CouponCode = " save20 " }, valid: true},
		{name: "missing user", modify: func(r *model.CheckoutRequest) { r.UserID = 0 }},
		{name: "missing ship", modify: func(r *model.CheckoutRequest) { r.ShipID = 0 }},
		{name: "no items", modify: func(r *model.CheckoutRequest) { r.Items = nil }},
		{name: "zero quantity", modify: func(r *model.CheckoutRequest) { r.Items[0].Quantity = 0 }},
		{name: "quantity too large", modify: func(r *model.CheckoutRequest) { r.Items[0].Quantity = MaxItemQuantity + 1 }},
		{name: "bad plan", modify: func(r *model.CheckoutRequest) { r.Items[0].PlanID = -1 }},
		{name: "blank coupon", modify: func(r *model.CheckoutRequest) { r.CouponCode = "   " }},
		{name: "coupon with spaces inside", modify: func(r *model.CheckoutRequest) { r.CouponCode = "SAVE 20" }},
		{
			name: "too many items",
			modify: func(r *model.CheckoutRequest) {
				r.Items = make([]model.CheckoutItem, MaxItems+1)
				for i := range r.Items {
					r.Items[i] = model.CheckoutItem{PlanID: 1, Quantity: 1}
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			req.Items = append([]model.CheckoutItem(nil), valid.Items...)
			tt.modify(&req)

			err := ValidateCheckout(req)
			if tt.valid && err != nil {
				t.Fatalf("ValidateCheckout() error = %v, want nil", err)
			}
			if !tt.valid && !errors.Is(err, model.ErrValidation) {
				t.Fatalf("ValidateCheckout() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestValidatePaymentRef(t *testing.T) {
	tests := []struct {
		name  string
		ref   string
		valid bool
	}{
		{name: "valid", ref: "pay_123-abc", valid: true},
		{name: "empty", ref: ""},
		{name: "blank", ref: "  "},
		{name: "inner space", ref: "pay 123"},
		{name: "too long", ref: strings.Repeat("x", maxPaymentRefLen+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePaymentRef(tt.ref)
			if tt.valid != (err == nil) {
				t.Fatalf("ValidatePaymentRef(%q) = %v, want valid=%v", tt.ref, err, tt.valid)
			}
		})
	}
}
