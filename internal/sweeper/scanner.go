package sweeper

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/vouchermart/internal/allocator"
	"github.com/mmeshcher/vouchermart/internal/expiry"
	"github.com/mmeshcher/vouchermart/internal/model"
	"github.com/mmeshcher/vouchermart/internal/repository"
)

// ScannerJob - имя задачи досборки оплаченных заказов.
const ScannerJob = "reconcile"

// PaymentLookup возвращает момент списания платежа по его внешнему идентификатору.
type PaymentLookup interface {
	CaptureTime(ctx context.Context, reference string) (time.Time, bool, error)
}

// Scanner находит оплаченные заказы без даты оплаты, срока действия или с недовыданными ваучерами
// и доводит их до согласованного состояния.
type Scanner struct {
	store     Store
	expiry    expiry.Calculator
	allocator *allocator.Allocator
	payments  PaymentLookup
	cursor    cursor
	options
}

// NewScanner создаёт задачу досборки заказов. payments может быть nil.
func NewScanner(store Store, calc expiry.Calculator, payments PaymentLookup, opts ...Option) *Scanner {
	return &Scanner{
		store:     store,
		expiry:    calc,
		allocator: allocator.New(),
		payments:  payments,
		options:   buildOptions(opts),
	}
}

// Name возвращает имя задачи.
func (s *Scanner) Name() string { return ScannerJob }

// Run выполняет один проход. Нехватка ваучеров при досборке считается ошибкой заказа
// и попадает в отчёт, проход продолжается со следующего заказа.
func (s *Scanner) Run(ctx context.Context) (Report, error) {
	started := time.Now()
	defer s.metrics.SweepFinished(ScannerJob, started)

	report := Report{Job: ScannerJob}

	ids, err := s.cursor.page(s.batchSize, func(afterID int64) ([]int64, error) {
		return s.store.ListIncompletePaidOrders(ctx, afterID, s.batchSize)
	})
	if err != nil {
		return report, fmt.Errorf("list incomplete orders: %w", err)
	}
	report.Scanned = len(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		healed, err := s.heal(ctx, id)
		switch {
		case err != nil:
			report.fail(id, err)
			s.metrics.SweepAction(ScannerJob, "failed")
			var shortage *model.InsufficientInventoryError
			if errors.As(err, &shortage) {
				s.metrics.AllocationFailed("reconcile_insufficient_inventory")
				s.logger.Error("cannot reconcile order: insufficient inventory",
					zap.Int64("order_id", id),
					zap.Int64("plan_id", shortage.PlanID),
					zap.Int("missing", shortage.Requested),
					zap.Int("available", shortage.Available),
				)
				continue
			}
			s.logger.Error("failed to reconcile order", zap.Int64("order_id", id), zap.Error(err))
		case healed:
			report.Succeeded++
			s.metrics.SweepAction(ScannerJob, "reconciled")
		default:
			report.Skipped++
			s.metrics.SweepAction(ScannerJob, "skipped")
		}
	}

	s.logger.Info("reconciliation sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("reconciled", report.Succeeded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", len(report.Failures)),
	)
	return report, nil
}

// recoverPaidAt ищет настоящий момент оплаты в платёжном шлюзе. Запрос выполняется
// вне транзакции, чтобы не держать блокировку заказа на время сетевого вызова.
func (s *Scanner) recoverPaidAt(ctx context.Context, orderID int64) (time.Time, bool) {
	if s.payments == nil {
		return time.Time{}, false
	}
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil || order.PaidAt != nil || order.ExternalPaymentRef == nil {
		return time.Time{}, false
	}
	at, ok, err := s.payments.CaptureTime(ctx, *order.ExternalPaymentRef)
	if err != nil {
		s.logger.Warn("payment gateway lookup failed", zap.Int64("order_id", orderID), zap.Error(err))
		return time.Time{}, false
	}
	return at, ok
}

// heal дособирает один заказ в отдельной транзакции. Недостающее количество считается
// по строкам credential_assignments: предполагается, что отметка is_assigned у ваучера
// и строка выдачи всегда пишутся в одной транзакции (Allocate и InsertAssignments).
// Ваучер, помеченный выданным заказу без строки выдачи, здесь не учитывается.
func (s *Scanner) heal(ctx context.Context, orderID int64) (bool, error) {
	captured, haveCapture := s.recoverPaidAt(ctx, orderID)

	healed := false
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		healed = false
		now := s.now()

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusPaid {
			return nil
		}

		var notes []string

		var paidAt time.Time
		switch {
		case order.PaidAt != nil:
			paidAt = *order.PaidAt
		case haveCapture:
			paidAt = captured
			notes = append(notes, "paid_at_source=gateway")
		default:
			// Приближение: настоящий момент оплаты неизвестен.
			paidAt = order.CreatedAt
			notes = append(notes, "paid_at_source=created_at")
		}

		expiresAt := s.expiry.ExpiresAt(paidAt)
		if order.ExpiresAt != nil {
			expiresAt = *order.ExpiresAt
		} else {
			notes = append(notes, "expires_at backfilled")
		}

		if order.PaidAt == nil || order.ExpiresAt == nil {
			if err := tx.BackfillOrderTimes(ctx, orderID, paidAt, expiresAt); err != nil {
				return err
			}
		}

		for _, it := range order.Items {
			if it.ExpiresAt == nil {
				if err := tx.SetItemsExpiry(ctx, orderID, expiresAt); err != nil {
					return err
				}
				notes = append(notes, "item expiry propagated")
				break
			}
		}

		assigned, err := tx.ListAssignments(ctx, orderID)
		if err != nil {
			return fmt.Errorf("list assignments: %w", err)
		}
		have := repository.CountAssignedByPlan(assigned)
		requested := repository.RequestedByPlan(order.Items)

		for _, planID := range slices.Sorted(maps.Keys(requested)) {
			missing := requested[planID] - have[planID]
			if missing <= 0 {
				continue
			}
			allocated, err := s.allocator.Allocate(ctx, tx, allocator.Request{
				PlanID:   planID,
				Quantity: missing,
				OrderID:  orderID,
				UserID:   order.UserID,
				At:       now,
			})
			if err != nil {
				return err
			}
			ids := make([]int64, len(allocated))
			for i, c := range allocated {
				ids[i] = c.ID
			}
			if err := tx.InsertAssignments(ctx, orderID, ids, now, expiresAt); err != nil {
				return err
			}
			notes = append(notes, fmt.Sprintf("plan %d topped up by %d", planID, missing))
		}

		if len(notes) == 0 {
			return nil
		}

		if err := tx.InsertAudit(ctx, model.AuditRecord{
			ID:        uuid.New(),
			OrderID:   orderID,
			Action:    model.AuditReconciled,
			Reason:    strings.Join(notes, "; "),
			CreatedAt: now,
		}); err != nil {
			return err
		}
		healed = true
		return nil
	})
	return healed, err
}
