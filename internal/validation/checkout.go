// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mmeshcher/vouchermart/internal/model"
)

const (
	// MaxItemQuantity ограничивает количество ваучеров одного тарифа в позиции.
	MaxItemQuantity = 100
	// MaxItems ограничивает число позиций в заказе.
	MaxItems = 20

	maxCouponCodeLen = 64
	maxPaymentRefLen = 128
)

// ValidateCheckout проверяет форму запроса на оформление заказа.
func ValidateCheckout(req model.CheckoutRequest) error {
	if req.UserID <= 0 {
		return fmt.Errorf("%w: user id must be positive", model.ErrValidation)
	}
	if req.ShipID <= 0 {
		return fmt.Errorf("%w: ship id must be positive", model.ErrValidation)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", model.ErrValidation)
	}
	if len(req.Items) > MaxItems {
		return fmt.Errorf("%w: order must contain at most %d items", model.ErrValidation, MaxItems)
	}

	for i, it := range req.Items {
		if it.PlanID <= 0 {
			return fmt.Errorf("%w: item %d: plan id must be positive", model.ErrValidation, i)
		}
		if it.Quantity <= 0 || it.Quantity > MaxItemQuantity {
			return fmt.Errorf("%w: item %d: quantity must be between 1 and %d", model.ErrValidation, i, MaxItemQuantity)
		}
	}

	if req.CouponCode != "" {
		return ValidateCouponCode(req.CouponCode)
	}
	return nil
}

// ValidateCouponCode проверяет, что код купона не пуст и состоит из печатных символов.
func ValidateCouponCode(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("%w: coupon code is empty", model.ErrValidation)
	}
	if len(code) > maxCouponCodeLen {
		return fmt.Errorf("%w: coupon code is too long", model.ErrValidation)
	}
	for _, ch := range code {
		if !isCodeRune(ch) {
			return fmt.Errorf("%w: coupon code contains invalid character %q", model.ErrValidation, ch)
		}
	}
	return nil
}

// ValidatePaymentRef проверяет внешний идентификатор платежа.
func ValidatePaymentRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("%w: payment reference is empty", model.ErrValidation)
	}
	if len(ref) > maxPaymentRefLen {
		return fmt.Errorf("%w: payment reference is too long", model.ErrValidation)
	}
	for _, ch := range ref {
		if unicode.IsSpace(ch) || !unicode.IsPrint(ch) {
			return fmt.Errorf("%w: payment reference contains invalid character %q", model.ErrValidation, ch)
		}
	}
	return nil
}

func isCodeRune(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '-' || ch == '_'
}
