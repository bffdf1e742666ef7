// Package repository содержит реализации хранилища заказов и пулов ваучеров.
package repository

import (
	"context"
	"time"

	"github.com/mmeshcher/vouchermart/internal/model"
)

// Tx описывает операции, выполняемые внутри одной транзакции хранилища.
// Блокировки, взятые методами Lock*, удерживаются до завершения транзакции.
type Tx interface {
	// LockOrder перечитывает заказ вместе с позициями под эксклюзивной блокировкой строки.
	LockOrder(ctx context.Context, orderID int64) (*model.Order, error)
	MarkOrderPaid(ctx context.Context, orderID int64, paymentRef string, paidAt, expiresAt time.Time) error
	BackfillOrderTimes(ctx context.Context, orderID int64, paidAt, expiresAt time.Time) error
	// UpdateOrderStatus меняет статус только если текущий статус равен from.
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to model.OrderStatus) error
	SetItemsExpiry(ctx context.Context, orderID int64, expiresAt time.Time) error

	// LockFreeCredentials выбирает до limit свободных ваучеров тарифа и блокирует именно их.
	LockFreeCredentials(ctx context.Context, planID int64, limit int) ([]model.Credential, error)
	CountFreeCredentials(ctx context.Context, planID int64) (int, error)
	AssignCredentials(ctx context.Context, credentialIDs []int64, orderID, userID int64, at time.Time) error
	InsertAssignments(ctx context.Context, orderID int64, credentialIDs []int64, deliveredAt, expiresAt time.Time) error
	ListAssignments(ctx context.Context, orderID int64) ([]model.AssignedCredential, error)

	LockCoupon(ctx context.Context, couponID int64) (*model.Coupon, error)
	CountCouponUsages(ctx context.Context, couponID int64) (int, error)
	InsertCouponUsage(ctx context.Context, usage model.CouponUsage) error

	InsertAudit(ctx context.Context, rec model.AuditRecord) error
}

// CountAssignedByPlan группирует выданные ваучеры заказа по тарифу.
func CountAssignedByPlan(assigned []model.AssignedCredential) map[int64]int {
	res := make(map[int64]int)
	for _, a := range assigned {
		res[a.PlanID]++
	}
	return res
}

// RequestedByPlan группирует запрошенное количество ваучеров заказа по тарифу.
func RequestedByPlan(items []model.OrderItem) map[int64]int {
	res := make(map[int64]int)
	for _, it := range items {
		res[it.PlanID] += it.Quantity
	}
	return res
}
