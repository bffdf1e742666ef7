// Package model содержит доменные сущности сервиса продажи ваучеров доступа в интернет.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusExpired   OrderStatus = "expired"
	OrderStatusRefunded  OrderStatus = "refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusPaid:    {OrderStatusExpired, OrderStatusRefunded},
}

// CanTransitionTo сообщает, допустим ли переход заказа в статус next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Ship представляет судно, для которого продаются тарифы.
type Ship struct {
	ID   int64
	Name string
}

// Plan описывает тариф доступа и его пул ваучеров.
type Plan struct {
	ID            int64
	ShipID        int64
	Name          string
	Price         decimal.Decimal
	Currency      string
	DurationLabel string
	IsActive      bool
}

// Order описывает заказ пользователя.
type Order struct {
	ID                 int64
	UserID             int64
	ShipID             int64
	Status             OrderStatus
	Currency           string
	Subtotal           decimal.Decimal
	Discount           decimal.Decimal
	Total              decimal.Decimal
	CouponID           *int64
	ExternalPaymentRef *string
	CreatedAt          time.Time
	PaidAt             *time.Time
	ExpiresAt          *time.Time
	Items              []OrderItem
}

// RequestedQuantity возвращает суммарное количество ваучеров по всем позициям заказа.
func (o *Order) RequestedQuantity() int {
	total := 0
	for _, it := range o.Items {
		total += it.Quantity
	}
	return total
}

// OrderItem описывает позицию заказа.
type OrderItem struct {
	ID        int64
	OrderID   int64
	PlanID    int64
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
	ExpiresAt *time.Time
}

// Credential представляет ваучер из пула тарифа.
type Credential struct {
	ID                int64
	PlanID            int64
	Code              string
	IsAssigned        bool
	AssignedToOrderID *int64
	AssignedToUserID  *int64
	AssignedAt        *time.Time
}

// CredentialAssignment подтверждает выдачу конкретного ваучера по заказу.
type CredentialAssignment struct {
	OrderID      int64
	CredentialID int64
	DeliveredAt  time.Time
	ExpiresAt    time.Time
}

// AssignedCredential объединяет выдачу и содержимое ваучера для ответа покупателю.
type AssignedCredential struct {
	CredentialAssignment
	PlanID int64
	Code   string
}

// Completion возвращается после обработки подтверждения оплаты.
type Completion struct {
	Order       *Order
	Credentials []AssignedCredential
	// Replayed равен true, если заказ уже был оплачен ранее.
	Replayed bool
}

// DiscountType описывает способ расчёта скидки по купону.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Coupon описывает правило скидки.
type Coupon struct {
	ID               int64
	Code             string
	DiscountType     DiscountType
	DiscountValue    decimal.Decimal
	MinOrderAmount   decimal.NullDecimal
	MaxUses          *int
	ValidFrom        *time.Time
	ValidUntil       *time.Time
	ShipID           *int64
	IsActive         bool
	SingleUsePerUser bool
}

// CouponUsage фиксирует погашение купона оплаченным заказом.
type CouponUsage struct {
	CouponID       int64
	UserID         int64
	OrderID        int64
	DiscountAmount decimal.Decimal
}

// AuditAction описывает действие фоновой задачи над заказом.
type AuditAction string

const (
	AuditCancelledStale AuditAction = "cancelled_stale"
	AuditReconciled     AuditAction = "reconciled"
)

// AuditRecord описывает запись журнала фоновых задач.
type AuditRecord struct {
	ID        uuid.UUID
	OrderID   int64
	Action    AuditAction
	Reason    string
	CreatedAt time.Time
}

// PoolStats содержит состояние пула ваучеров тарифа.
type PoolStats struct {
	PlanID   int64 `json:"plan_id"`
	Assigned int   `json:"assigned"`
	Free     int   `json:"free"`
}

// Total возвращает общее количество ваучеров в пуле.
func (p PoolStats) Total() int {
	return p.Assigned + p.Free
}

// CheckoutItem описывает одну позицию оформляемого заказа.
type CheckoutItem struct {
	PlanID   int64 `json:"plan_id"`
	Quantity int   `json:"quantity"`
}

// CheckoutRequest содержит данные для оформления заказа.
type CheckoutRequest struct {
	UserID     int64          `json:"-"`
	ShipID     int64          `json:"ship_id"`
	Items      []CheckoutItem `json:"items"`
	CouponCode string         `json:"coupon_code,omitempty"`
}

// OrderDetails - заказ вместе с выданными по нему ваучерами.
type OrderDetails struct {
	Order       *Order
	Credentials []AssignedCredential
}
