package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/vouchermart/internal/model"
	"github.com/mmeshcher/vouchermart/internal/repository"
)

// ReaperJob - имя задачи отмены брошенных заказов.
const ReaperJob = "reaper"

// Reaper отменяет заказы, оставшиеся в статусе pending дольше abandonAfter.
type Reaper struct {
	store        Store
	abandonAfter time.Duration
	cursor       cursor
	options
}

// NewReaper создаёт задачу отмены брошенных заказов.
func NewReaper(store Store, abandonAfter time.Duration, opts ...Option) *Reaper {
	return &Reaper{
		store:        store,
		abandonAfter: abandonAfter,
		options:      buildOptions(opts),
	}
}

// Name возвращает имя задачи.
func (r *Reaper) Name() string { return ReaperJob }

// Run выполняет один проход. Каждый заказ отменяется в отдельной транзакции;
// ошибка по одному заказу попадает в отчёт и не прерывает проход.
func (r *Reaper) Run(ctx context.Context) (Report, error) {
	started := time.Now()
	defer r.metrics.SweepFinished(ReaperJob, started)

	report := Report{Job: ReaperJob}
	now := r.now()
	cutoff := now.Add(-r.abandonAfter)

	ids, err := r.cursor.page(r.batchSize, func(afterID int64) ([]int64, error) {
		return r.store.ListStalePendingOrders(ctx, cutoff, afterID, r.batchSize)
	})
	if err != nil {
		return report, fmt.Errorf("list stale orders: %w", err)
	}
	report.Scanned = len(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		cancelled, err := r.cancel(ctx, id, cutoff, now)
		switch {
		case err != nil:
			report.fail(id, err)
			r.metrics.SweepAction(ReaperJob, "failed")
			r.logger.Error("failed to cancel stale order", zap.Int64("order_id", id), zap.Error(err))
		case cancelled:
			report.Succeeded++
			r.metrics.SweepAction(ReaperJob, "cancelled")
		default:
			report.Skipped++
			r.metrics.SweepAction(ReaperJob, "skipped")
		}
	}

	r.logger.Info("stale order sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("cancelled", report.Succeeded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", len(report.Failures)),
	)
	return report, nil
}

func (r *Reaper) cancel(ctx context.Context, orderID int64, cutoff, now time.Time) (bool, error) {
	cancelled := false
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		cancelled = false

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		// Заказ мог быть оплачен или отменён после выборки кандидатов.
		if order.Status != model.OrderStatusPending || !order.CreatedAt.Before(cutoff) {
			return nil
		}

		if err := tx.UpdateOrderStatus(ctx, orderID, model.OrderStatusPending, model.OrderStatusCancelled); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, model.AuditRecord{
			ID:        uuid.New(),
			OrderID:   orderID,
			Action:    model.AuditCancelledStale,
			Reason:    fmt.Sprintf("pending since %s, abandoned after %s", order.CreatedAt.UTC().Format(time.RFC3339), r.abandonAfter),
			CreatedAt: now,
		}); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	return cancelled, err
}
