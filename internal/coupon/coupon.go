// Package coupon проверяет купоны и рассчитывает скидку.
package coupon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/vouchermart/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Source описывает чтение купонов и статистики их погашений.
type Source interface {
	GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error)
	CountCouponUsages(ctx context.Context, couponID int64) (int, error)
	CountUserCouponUsages(ctx context.Context, couponID, userID int64) (int, error)
}

// Checkout содержит необязательный контекст проверки купона.
type Checkout struct {
	ShipID   *int64
	UserID   *int64
	Subtotal *decimal.Decimal
}

// Discount содержит результат применения купона.
type Discount struct {
	Amount decimal.Decimal
	Total  decimal.Decimal
}

// Engine проверяет купоны по времени, лимитам и сумме заказа.
type Engine struct {
	source Source
	now    func() time.Time
}

// NewEngine создаёт движок купонов. Если now не задан, используется time.Now.
func NewEngine(source Source, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{source: source, now: now}
}

// NormalizeCode приводит код купона к каноническому виду.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate проверяет купон и возвращает его при успехе.
// Проверки выполняются в фиксированном порядке, каждая со своей причиной отказа.
func (e *Engine) Validate(ctx context.Context, code string, c Checkout) (*model.Coupon, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return nil, fmt.Errorf("%w: coupon code is empty", model.ErrValidation)
	}

	cp, err := e.source.GetCouponByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, reject(normalized, model.RejectNotFound)
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}

	if !cp.IsActive {
		return nil, reject(normalized, model.RejectInactive)
	}

	now := e.now()
	if cp.ValidFrom != nil && now.Before(*cp.ValidFrom) {
		return nil, reject(normalized, model.RejectNotYetValid)
	}
	if cp.ValidUntil != nil && now.After(*cp.ValidUntil) {
		return nil, reject(normalized, model.RejectExpired)
	}

	if c.Subtotal != nil && cp.MinOrderAmount.Valid && c.Subtotal.LessThan(cp.MinOrderAmount.Decimal) {
		return nil, reject(normalized, model.RejectBelowMinimum)
	}

	if cp.MaxUses != nil {
		used, err := e.source.CountCouponUsages(ctx, cp.ID)
		if err != nil {
			return nil, fmt.Errorf("count coupon usages: %w", err)
		}
		if used >= *cp.MaxUses {
			return nil, reject(normalized, model.RejectUsageLimitReached)
		}
	}

	if cp.SingleUsePerUser && c.UserID != nil {
		used, err := e.source.CountUserCouponUsages(ctx, cp.ID, *c.UserID)
		if err != nil {
			return nil, fmt.Errorf("count user coupon usages: %w", err)
		}
		if used > 0 {
			return nil, reject(normalized, model.RejectAlreadyUsedByUser)
		}
	}

	if cp.ShipID != nil && c.ShipID != nil && *cp.ShipID != *c.ShipID {
		return nil, reject(normalized, model.RejectShipMismatch)
	}

	return cp, nil
}

// ApplyDiscount рассчитывает скидку и итог. Скидка ограничивается диапазоном [0, subtotal],
// округление до копеек выполняется один раз в конце.
func ApplyDiscount(cp *model.Coupon, subtotal decimal.Decimal) Discount {
	if cp == nil {
		return Discount{Amount: decimal.Zero, Total: subtotal.Round(2)}
	}

	var raw decimal.Decimal
	switch cp.DiscountType {
	case model.DiscountPercentage:
		raw = subtotal.Mul(cp.DiscountValue).Div(hundred)
	case model.DiscountFixed:
		raw = cp.DiscountValue
	default:
		raw = decimal.Zero
	}

	if raw.LessThan(decimal.Zero) {
		raw = decimal.Zero
	}
	if raw.GreaterThan(subtotal) {
		raw = subtotal
	}

	amount := raw.Round(2)
	return Discount{
		Amount: amount,
		Total:  subtotal.Sub(amount).Round(2),
	}
}

func reject(code string, reason model.RejectReason) error {
	return &model.CouponRejectedError{Code: code, Reason: reason}
}
