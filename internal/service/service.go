// Package service реализует жизненный цикл заказов ваучеров: оформление, оплату, отмену и возврат.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/vouchermart/internal/allocator"
	"github.com/mmeshcher/vouchermart/internal/coupon"
	"github.com/mmeshcher/vouchermart/internal/expiry"
	"github.com/mmeshcher/vouchermart/internal/metrics"
	"github.com/mmeshcher/vouchermart/internal/model"
	"github.com/mmeshcher/vouchermart/internal/repository"
	"github.com/mmeshcher/vouchermart/internal/validation"
)

// Store описывает контракт хранилища, используемый сервисом.
type Store interface {
	Close() error
	InTx(ctx context.Context, fn func(tx repository.Tx) error) error

	GetPlan(ctx context.Context, planID int64) (*model.Plan, error)
	GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error)
	CountCouponUsages(ctx context.Context, couponID int64) (int, error)
	CountUserCouponUsages(ctx context.Context, couponID, userID int64) (int, error)
	CountFreeCredentials(ctx context.Context, planID int64) (int, error)
	PoolStats(ctx context.Context, planID int64) (model.PoolStats, error)

	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	ListAssignments(ctx context.Context, orderID int64) ([]model.AssignedCredential, error)
}

// Notifier отправляет покупателю уведомление об оплаченном заказе.
type Notifier interface {
	OrderPaid(ctx context.Context, c *model.Completion) error
}

// Option настраивает Service.
type Option func(*Service)

// WithNotifier задаёт получателя уведомлений об оплате.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics задаёт метрики сервиса.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger задаёт логгер сервиса.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service управляет жизненным циклом заказов.
type Service struct {
	store     Store
	expiry    expiry.Calculator
	allocator *allocator.Allocator
	coupons   *coupon.Engine
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewService создаёт сервис поверх хранилища; срок действия ваучеров считается калькулятором calc.
func NewService(store Store, calc expiry.Calculator, opts ...Option) *Service {
	s := &Service{
		store:     store,
		expiry:    calc,
		allocator: allocator.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.coupons = coupon.NewEngine(store, s.now)
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// CreateOrder оформляет заказ в статусе pending с рассчитанной суммой и скидкой.
func (s *Service) CreateOrder(ctx context.Context, req model.CheckoutRequest) (*model.Order, error) {
	if err := validation.ValidateCheckout(req); err != nil {
		return nil, err
	}

	order := &model.Order{
		UserID:    req.UserID,
		ShipID:    req.ShipID,
		Subtotal:  decimal.Zero,
		CreatedAt: s.now(),
		Items:     make([]model.OrderItem, 0, len(req.Items)),
	}

	for _, it := range req.Items {
		plan, err := s.store.GetPlan(ctx, it.PlanID)
		if err != nil {
			return nil, err
		}
		if plan.ShipID != req.ShipID {
			return nil, fmt.Errorf("%w: plan %d is not sold on ship %d", model.ErrValidation, plan.ID, req.ShipID)
		}
		if !plan.IsActive {
			return nil, fmt.Errorf("%w: plan %d is not active", model.ErrValidation, plan.ID)
		}
		if order.Currency == "" {
			order.Currency = plan.Currency
		} else if order.Currency != plan.Currency {
			return nil, fmt.Errorf("%w: mixed currencies %s and %s", model.ErrValidation, order.Currency, plan.Currency)
		}

		lineTotal := plan.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
		order.Items = append(order.Items, model.OrderItem{
			PlanID:    plan.ID,
			Quantity:  it.Quantity,
			UnitPrice: plan.Price,
			LineTotal: lineTotal,
		})
		order.Subtotal = order.Subtotal.Add(lineTotal)
	}

	discount := coupon.Discount{Amount: decimal.Zero, Total: order.Subtotal}
	if req.CouponCode != "" {
		shipID, userID, subtotal := req.ShipID, req.UserID, order.Subtotal
		cp, err := s.coupons.Validate(ctx, req.CouponCode, coupon.Checkout{
			ShipID:   &shipID,
			UserID:   &userID,
			Subtotal: &subtotal,
		})
		if err != nil {
			return nil, err
		}
		discount = coupon.ApplyDiscount(cp, order.Subtotal)
		order.CouponID = &cp.ID
	}
	order.Discount = discount.Amount
	order.Total = discount.Total

	// Проверка остатков предварительная: окончательно ваучеры резервируются при оплате.
	for planID, requested := range repository.RequestedByPlan(order.Items) {
		free, err := s.store.CountFreeCredentials(ctx, planID)
		if err != nil {
			return nil, fmt.Errorf("count free credentials: %w", err)
		}
		if free < requested {
			return nil, &model.InsufficientInventoryError{PlanID: planID, Requested: requested, Available: free}
		}
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.logger.Info("order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("total", order.Total.StringFixed(2)),
	)
	return order, nil
}

// ProcessPaymentCompletion переводит заказ в paid и выдаёт ваучеры по всем позициям в одной транзакции.
// Повторный вызов для оплаченного заказа возвращает уже выданные ваучеры.
func (s *Service) ProcessPaymentCompletion(ctx context.Context, orderID int64, paymentRef string) (*model.Completion, error) {
	if err := validation.ValidatePaymentRef(paymentRef); err != nil {
		return nil, err
	}

	var result *model.Completion
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		result = nil

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}

		switch order.Status {
		case model.OrderStatusPaid:
			assigned, err := tx.ListAssignments(ctx, orderID)
			if err != nil {
				return fmt.Errorf("list assignments: %w", err)
			}
			if order.ExternalPaymentRef != nil && *order.ExternalPaymentRef != paymentRef {
				s.logger.Warn("payment confirmation replayed with different reference",
					zap.Int64("order_id", orderID),
					zap.String("stored_ref", *order.ExternalPaymentRef),
					zap.String("received_ref", paymentRef),
				)
			}
			result = &model.Completion{Order: order, Credentials: assigned, Replayed: true}
			return nil
		case model.OrderStatusPending:
		default:
			return fmt.Errorf("%w: order %d is %s", model.ErrInvalidStateTransition, orderID, order.Status)
		}

		paidAt := s.now()
		expiresAt := s.expiry.ExpiresAt(paidAt)

		if err := tx.MarkOrderPaid(ctx, orderID, paymentRef, paidAt, expiresAt); err != nil {
			return err
		}
		if err := tx.SetItemsExpiry(ctx, orderID, expiresAt); err != nil {
			return err
		}

		credentialIDs := make([]int64, 0, order.RequestedQuantity())
		for _, it := range order.Items {
			allocated, err := s.allocator.Allocate(ctx, tx, allocator.Request{
				PlanID:   it.PlanID,
				Quantity: it.Quantity,
				OrderID:  orderID,
				UserID:   order.UserID,
				At:       paidAt,
			})
			if err != nil {
				return err
			}
			for _, c := range allocated {
				credentialIDs = append(credentialIDs, c.ID)
			}
		}

		if err := tx.InsertAssignments(ctx, orderID, credentialIDs, paidAt, expiresAt); err != nil {
			return err
		}

		if order.CouponID != nil {
			if err := s.recordCouponUsage(ctx, tx, order); err != nil {
				return err
			}
		}

		paid, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		assigned, err := tx.ListAssignments(ctx, orderID)
		if err != nil {
			return fmt.Errorf("list assignments: %w", err)
		}
		result = &model.Completion{Order: paid, Credentials: assigned}
		return nil
	})
	if err != nil {
		s.observeCompletionFailure(orderID, err)
		return nil, err
	}

	if result.Replayed {
		s.metrics.PaymentCompleted("replayed")
		s.logger.Info("payment completion replayed", zap.Int64("order_id", orderID))
		return result, nil
	}

	s.metrics.PaymentCompleted("paid")
	s.metrics.CredentialsAllocated(len(result.Credentials))
	s.logger.Info("order paid",
		zap.Int64("order_id", orderID),
		zap.Int("credentials", len(result.Credentials)),
		zap.Timep("expires_at", result.Order.ExpiresAt),
	)

	if s.notifier != nil {
		if err := s.notifier.OrderPaid(ctx, result); err != nil {
			s.logger.Error("failed to enqueue order paid notification", zap.Int64("order_id", orderID), zap.Error(err))
		}
	}
	return result, nil
}

func (s *Service) recordCouponUsage(ctx context.Context, tx repository.Tx, order *model.Order) error {
	cp, err := tx.LockCoupon(ctx, *order.CouponID)
	if err != nil {
		return fmt.Errorf("lock coupon: %w", err)
	}
	used, err := tx.CountCouponUsages(ctx, cp.ID)
	if err != nil {
		return fmt.Errorf("count coupon usages: %w", err)
	}
	if cp.MaxUses != nil && used >= *cp.MaxUses {
		s.logger.Warn("coupon redeemed past its usage limit",
			zap.Int64("order_id", order.ID),
			zap.String("coupon", cp.Code),
			zap.Int("used", used),
			zap.Int("max_uses", *cp.MaxUses),
		)
	}
	return tx.InsertCouponUsage(ctx, model.CouponUsage{
		CouponID:       cp.ID,
		UserID:         order.UserID,
		OrderID:        order.ID,
		DiscountAmount: order.Discount,
	})
}

func (s *Service) observeCompletionFailure(orderID int64, err error) {
	var shortage *model.InsufficientInventoryError
	switch {
	case errors.As(err, &shortage):
		s.metrics.PaymentCompleted("insufficient_inventory")
		s.metrics.AllocationFailed("insufficient_inventory")
		s.logger.Warn("payment completion rejected: insufficient inventory",
			zap.Int64("order_id", orderID),
			zap.Int64("plan_id", shortage.PlanID),
			zap.Int("requested", shortage.Requested),
			zap.Int("available", shortage.Available),
		)
	case errors.Is(err, model.ErrConcurrencyConflict):
		s.metrics.PaymentCompleted("conflict")
		s.metrics.AllocationFailed("conflict")
		s.logger.Warn("payment completion conflict", zap.Int64("order_id", orderID), zap.Error(err))
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrInvalidStateTransition):
		s.metrics.PaymentCompleted("rejected")
	default:
		s.metrics.PaymentCompleted("error")
		s.logger.Error("payment completion failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

// FailPayment переводит неоплаченный заказ в failed. Повторный вызов для failed-заказа ничего не меняет.
func (s *Service) FailPayment(ctx context.Context, orderID int64, reason string) (*model.Order, error) {
	return s.transition(ctx, orderID, model.OrderStatusFailed, reason)
}

// RefundOrder переводит оплаченный заказ в refunded. Выданные ваучеры остаются за заказом.
func (s *Service) RefundOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.transition(ctx, orderID, model.OrderStatusRefunded, "refund")
}

func (s *Service) transition(ctx context.Context, orderID int64, to model.OrderStatus, reason string) (*model.Order, error) {
	var (
		result  *model.Order
		changed bool
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == to && to == model.OrderStatusFailed {
			result, changed = order, false
			return nil
		}
		if err := tx.UpdateOrderStatus(ctx, orderID, order.Status, to); err != nil {
			return err
		}
		order.Status = to
		result, changed = order, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.logger.Info("order status changed",
			zap.Int64("order_id", orderID),
			zap.String("status", string(to)),
			zap.String("reason", reason),
		)
	}
	return result, nil
}

// GetOrder возвращает заказ пользователя вместе с выданными ваучерами.
// Чужой заказ считается ненайденным.
func (s *Service) GetOrder(ctx context.Context, orderID, userID int64) (*model.OrderDetails, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("%w: order %d", model.ErrNotFound, orderID)
	}

	assigned, err := s.store.ListAssignments(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return &model.OrderDetails{Order: order, Credentials: assigned}, nil
}

// CouponQuote - результат предварительной проверки купона.
type CouponQuote struct {
	Coupon   *model.Coupon
	Discount *coupon.Discount
}

// ValidateCoupon проверяет купон и, если известна сумма заказа, рассчитывает скидку.
func (s *Service) ValidateCoupon(ctx context.Context, code string, c coupon.Checkout) (*CouponQuote, error) {
	if err := validation.ValidateCouponCode(code); err != nil {
		return nil, err
	}
	cp, err := s.coupons.Validate(ctx, code, c)
	if err != nil {
		return nil, err
	}

	quote := &CouponQuote{Coupon: cp}
	if c.Subtotal != nil {
		d := coupon.ApplyDiscount(cp, *c.Subtotal)
		quote.Discount = &d
	}
	return quote, nil
}

// PoolStats возвращает число выданных и свободных ваучеров тарифа.
func (s *Service) PoolStats(ctx context.Context, planID int64) (model.PoolStats, error) {
	if _, err := s.store.GetPlan(ctx, planID); err != nil {
		return model.PoolStats{}, err
	}
	return s.store.PoolStats(ctx, planID)
}
