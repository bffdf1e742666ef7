package coupon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/vouchermart/internal/model"
)

type stubSource struct {
	coupons    map[string]*model.Coupon
	usages     map[int64]int
	userUsages map[int64]map[int64]int
	err        error
	lastCode   string
}

func (s *stubSource) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	s.lastCode = code
	if s.err != nil {
		return nil, s.err
	}
	cp, ok := s.coupons[code]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cp, nil
}

func (s *stubSource) CountCouponUsages(ctx context.Context, couponID int64) (int, error) {
	return s.usages[couponID], nil
}

func (s *stubSource) CountUserCouponUsages(ctx context.Context, couponID, userID int64) (int, error) {
	return s.userUsages[couponID][userID], nil
}

var fixedNow = time.Date(2025, time.May, 15, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestValidate_Rejections(t *testing.T) {
	past := fixedNow.Add(-48 * time.Hour)
	future := fixedNow.Add(48 * time.Hour)

	base := func() *model.Coupon {
		return &model.Coupon{ID: 1, Code: "SAVE20", DiscountType: model.DiscountPercentage, DiscountValue: dec("20"), IsActive: true}
	}

	tests := []struct {
		name     string
		coupon   func() *model.Coupon
		usages   int
		byUser   int
		checkout Checkout
		code     string
		want     model.RejectReason
	}{
		{name: "not found", coupon: base, code: "OTHER", want: model.RejectNotFound},
		{name: "inactive", coupon: func() *model.Coupon { c := base(); c.IsActive = false; return c }, want: model.RejectInactive},
		{name: "not yet valid", coupon: func() *model.Coupon { c := base(); c.ValidFrom = &future; return c }, want: model.RejectNotYetValid},
		{name: "expired", coupon: func() *model.Coupon { c := base(); c.ValidUntil = &past; return c }, want: model.RejectExpired},
		{
			name:     "below minimum",
			coupon:   func() *model.Coupon { c := base(); c.MinOrderAmount = decimal.NewNullDecimal(dec("50")); return c },
			checkout: Checkout{Subtotal: ptr(dec("49.99"))},
			want:     model.RejectBelowMinimum,
		},
		{name: "usage limit reached", coupon: func() *model.Coupon { c := base(); c.MaxUses = ptr(3); return c }, usages: 3, want: model.RejectUsageLimitReached},
		{
			name:     "already used by user",
			coupon:   func() *model.Coupon { c := base(); c.SingleUsePerUser = true; return c },
			byUser:   1,
			checkout: Checkout{UserID: ptr(int64(42))},
			want:     model.RejectAlreadyUsedByUser,
		},
		{
			name:     "ship mismatch",
			coupon:   func() *model.Coupon { c := base(); c.ShipID = ptr(int64(5)); return c },
			checkout: Checkout{ShipID: ptr(int64(6))},
			want:     model.RejectShipMismatch,
		},
		{
			name: "inactive wins over expired",
			coupon: func() *model.Coupon {
				c := base()
				c.IsActive = false
				c.ValidUntil = &past
				return c
			},
			want: model.RejectInactive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := tt.coupon()
			src := &stubSource{
				coupons:    map[string]*model.Coupon{cp.Code: cp},
				usages:     map[int64]int{cp.ID: tt.usages},
				userUsages: map[int64]map[int64]int{cp.ID: {42: tt.byUser}},
			}
			engine := NewEngine(src, func() time.Time { return fixedNow })

			code := tt.code
			if code == "" {
				code = "save20"
			}

			_, err := engine.Validate(context.Background(), code, tt.checkout)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrCouponRejected))

			reason, ok := model.RejectionReason(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, reason)
		})
	}
}

func TestValidate_NormalizesCode(t *testing.T) {
	cp := &model.Coupon{ID: 1, Code: "SAVE20", DiscountType: model.DiscountPercentage, DiscountValue: dec("20"), IsActive: true}
	src := &stubSource{coupons: map[string]*model.Coupon{"SAVE20": cp}}
	engine := NewEngine(src, func() time.Time { return fixedNow })

	got, err := engine.Validate(context.Background(), "  save20 \n", Checkout{})
	require.NoError(t, err)
	assert.Equal(t, "SAVE20", src.lastCode)
	assert.Equal(t, cp, got)
}

func TestValidate_EmptyCode(t *testing.T) {
	engine := NewEngine(&stubSource{}, nil)

	_, err := engine.Validate(context.Background(), "   ", Checkout{})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestValidate_SourceErrorIsNotRejection(t *testing.T) {
	engine := NewEngine(&stubSource{err: errors.New("db down")}, nil)

	_, err := engine.Validate(context.Background(), "SAVE20", Checkout{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, model.ErrCouponRejected))
}

func TestValidate_UsageLimitReachedForAnotherUser(t *testing.T) {
	cp := &model.Coupon{
		ID: 9, Code: "SAVE20", DiscountType: model.DiscountPercentage, DiscountValue: dec("20"),
		MaxUses: ptr(1), IsActive: true,
	}
	src := &stubSource{
		coupons:    map[string]*model.Coupon{"SAVE20": cp},
		usages:     map[int64]int{9: 1},
		userUsages: map[int64]map[int64]int{9: {1: 1}},
	}
	engine := NewEngine(src, func() time.Time { return fixedNow })

	_, err := engine.Validate(context.Background(), "SAVE20", Checkout{UserID: ptr(int64(2))})
	reason, ok := model.RejectionReason(err)
	require.True(t, ok)
	assert.Equal(t, model.RejectUsageLimitReached, reason)
}

func TestValidate_BoundariesInclusive(t *testing.T) {
	from := fixedNow
	until := fixedNow
	cp := &model.Coupon{
		ID: 1, Code: "EDGE", DiscountType: model.DiscountFixed, DiscountValue: dec("5"), IsActive: true,
		ValidFrom: &from, ValidUntil: &until, MinOrderAmount: decimal.NewNullDecimal(dec("10")),
	}
	src := &stubSource{coupons: map[string]*model.Coupon{"EDGE": cp}}
	engine := NewEngine(src, func() time.Time { return fixedNow })

	_, err := engine.Validate(context.Background(), "edge", Checkout{Subtotal: ptr(dec("10.00"))})
	assert.NoError(t, err)
}

func TestApplyDiscount(t *testing.T) {
	tests := []struct {
		name         string
		coupon       *model.Coupon
		subtotal     string
		wantDiscount string
		wantTotal    string
	}{
		{
			name:         "percentage",
			coupon:       &model.Coupon{DiscountType: model.DiscountPercentage, DiscountValue: dec("20")},
			subtotal:     "100.00",
			wantDiscount: "20.00",
			wantTotal:    "80.00",
		},
		{
			name:         "fixed clamps to subtotal",
			coupon:       &model.Coupon{DiscountType: model.DiscountFixed, DiscountValue: dec("150.00")},
			subtotal:     "100.00",
			wantDiscount: "100.00",
			wantTotal:    "0.00",
		},
		{
			name:         "percentage rounds once at the end",
			coupon:       &model.Coupon{DiscountType: model.DiscountPercentage, DiscountValue: dec("15")},
			subtotal:     "33.33",
			wantDiscount: "5.00",
			wantTotal:    "28.33",
		},
		{
			name:         "negative value clamps to zero",
			coupon:       &model.Coupon{DiscountType: model.DiscountFixed, DiscountValue: dec("-5")},
			subtotal:     "10.00",
			wantDiscount: "0",
			wantTotal:    "10.00",
		},
		{
			name:         "no coupon",
			coupon:       nil,
			subtotal:     "12.50",
			wantDiscount: "0",
			wantTotal:    "12.50",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyDiscount(tt.coupon, dec(tt.subtotal))
			assert.True(t, got.Amount.Equal(dec(tt.wantDiscount)), "discount = %s, want %s", got.Amount, tt.wantDiscount)
			assert.True(t, got.Total.Equal(dec(tt.wantTotal)), "total = %s, want %s", got.Total, tt.wantTotal)
			assert.True(t, got.Amount.LessThanOrEqual(dec(tt.subtotal)))
		})
	}
}
