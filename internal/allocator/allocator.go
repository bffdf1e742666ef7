// Package allocator выдаёт ваучеры из пула тарифа внутри открытой транзакции.
package allocator

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/vouchermart/internal/model"
)

// Tx описывает операции транзакции, необходимые для выдачи ваучеров.
type Tx interface {
	LockFreeCredentials(ctx context.Context, planID int64, limit int) ([]model.Credential, error)
	CountFreeCredentials(ctx context.Context, planID int64) (int, error)
	AssignCredentials(ctx context.Context, credentialIDs []int64, orderID, userID int64, at time.Time) error
}

// Request описывает запрос на выдачу ваучеров одного тарифа по заказу.
type Request struct {
	PlanID   int64
	Quantity int
	OrderID  int64
	UserID   int64
	At       time.Time
}

// Allocator выдаёт ваучеры по принципу «всё или ничего».
type Allocator struct{}

// New создаёт распределитель ваучеров.
func New() *Allocator {
	return &Allocator{}
}

// Allocate блокирует ровно req.Quantity свободных ваучеров тарифа и помечает их выданными.
// Если свободных ваучеров не хватает, возвращает *model.InsufficientInventoryError
// и ничего не изменяет. Если свободные ваучеры есть, но заблокированы параллельными
// транзакциями, возвращает model.ErrConcurrencyConflict.
func (a *Allocator) Allocate(ctx context.Context, tx Tx, req Request) ([]model.Credential, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %d", model.ErrValidation, req.Quantity)
	}

	locked, err := tx.LockFreeCredentials(ctx, req.PlanID, req.Quantity)
	if err != nil {
		return nil, fmt.Errorf("lock free credentials: %w", err)
	}

	if len(locked) < req.Quantity {
		free, err := tx.CountFreeCredentials(ctx, req.PlanID)
		if err != nil {
			return nil, fmt.Errorf("count free credentials: %w", err)
		}
		// Свободных хватает, но часть строк держат другие транзакции: это временный конфликт.
		if free >= req.Quantity {
			return nil, fmt.Errorf("%w: plan %d has %d free credentials, locked %d of %d",
				model.ErrConcurrencyConflict, req.PlanID, free, len(locked), req.Quantity)
		}
		return nil, &model.InsufficientInventoryError{
			PlanID:    req.PlanID,
			Requested: req.Quantity,
			Available: free,
		}
	}

	ids := make([]int64, len(locked))
	for i, c := range locked {
		ids[i] = c.ID
	}

	if err := tx.AssignCredentials(ctx, ids, req.OrderID, req.UserID, req.At); err != nil {
		return nil, fmt.Errorf("assign credentials: %w", err)
	}

	at := req.At
	for i := range locked {
		locked[i].IsAssigned = true
		locked[i].AssignedToOrderID = &req.OrderID
		locked[i].AssignedToUserID = &req.UserID
		locked[i].AssignedAt = &at
	}
	return locked, nil
}
