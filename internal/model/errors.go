package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation error")
	// ErrNotFound возвращается, если заказ, тариф или купон не найден.
	ErrNotFound = errors.New("not found")
	// ErrInvalidStateTransition возвращается при недопустимой смене статуса заказа.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrInsufficientInventory возвращается, если в пуле не хватает свободных ваучеров.
	ErrInsufficientInventory = errors.New("insufficient inventory")
	// ErrCouponRejected возвращается, если купон не может быть применён.
	ErrCouponRejected = errors.New("coupon rejected")
	// ErrConcurrencyConflict возвращается при таймауте блокировки; операцию можно повторить.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// InsufficientInventoryError описывает нехватку ваучеров в пуле тарифа.
type InsufficientInventoryError struct {
	PlanID    int64
	Requested int
	Available int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for plan %d: requested %d, available %d", e.PlanID, e.Requested, e.Available)
}

// Is позволяет сравнивать ошибку с ErrInsufficientInventory через errors.Is.
func (e *InsufficientInventoryError) Is(target error) bool {
	return target == ErrInsufficientInventory
}

// RejectReason описывает причину отказа в применении купона.
type RejectReason string

const (
	RejectNotFound          RejectReason = "NotFound"
	RejectInactive          RejectReason = "Inactive"
	RejectNotYetValid       RejectReason = "NotYetValid"
	RejectExpired           RejectReason = "Expired"
	RejectBelowMinimum      RejectReason = "BelowMinimum"
	RejectUsageLimitReached RejectReason = "UsageLimitReached"
	RejectAlreadyUsedByUser RejectReason = "AlreadyUsedByUser"
	RejectShipMismatch      RejectReason = "ShipMismatch"
)

// CouponRejectedError описывает отказ в применении купона.
type CouponRejectedError struct {
	Code   string
	Reason RejectReason
}

func (e *CouponRejectedError) Error() string {
	return fmt.Sprintf("coupon %q rejected: %s", e.Code, e.Reason)
}

// Is позволяет сравнивать ошибку с ErrCouponRejected через errors.Is.
func (e *CouponRejectedError) Is(target error) bool {
	return target == ErrCouponRejected
}

// RejectionReason извлекает причину отказа купона из цепочки ошибок.
func RejectionReason(err error) (RejectReason, bool) {
	var rejected *CouponRejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason, true
	}
	return "", false
}
