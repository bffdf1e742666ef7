package repository

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

func seedPlan(t *testing.T, repo *MemoryRepository, free int) model.Plan {
	t.Helper()
	ship := repo.AddShip("Aurora")
	plan := repo.AddPlan(model.Plan{ShipID: ship, Name: "Week", Price: decimal.NewFromInt(50), Currency: "USD", IsActive: true})
	repo.SeedCredentials(plan.ID, free)
	return plan
}

func TestMemoryInTx_RollbackOnError(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	plan := seedPlan(t, repo, 3)
	order := repo.PutOrder(model.Order{UserID: 1, Status: model.OrderStatusPending, CreatedAt: time.Now()})
	ctx := context.Background()

	boom := errors.New("boom")
	err := repo.InTx(ctx, func(tx Tx) error {
		creds, err := tx.LockFreeCredentials(ctx, plan.ID, 2)
		require.NoError(t, err)
		require.Len(t, creds, 2)
		ids := []int64{creds[0].ID, creds[1].ID}
		require.NoError(t, tx.AssignCredentials(ctx, ids, order.ID, 1, time.Now()))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	stats, err := repo.PoolStats(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Free)
	assert.Equal(t, 0, stats.Assigned)
}

func TestMemoryInTx_LockTimeout(t *testing.T) {
	repo := NewMemoryRepository(20 * time.Millisecond)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- repo.InTx(ctx, func(tx Tx) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := repo.InTx(ctx, func(tx Tx) error { return nil })
	assert.ErrorIs(t, err, model.ErrConcurrencyConflict)

	close(release)
	require.NoError(t, <-done)
	assert.NoError(t, repo.InTx(ctx, func(tx Tx) error { return nil }))
}

func TestMemoryAssignCredentials_RejectsTaken(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	plan := seedPlan(t, repo, 1)
	ctx := context.Background()

	var credID int64
	require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
		creds, err := tx.LockFreeCredentials(ctx, plan.ID, 1)
		if err != nil {
			return err
		}
		credID = creds[0].ID
		return tx.AssignCredentials(ctx, []int64{credID}, 10, 1, time.Now())
	}))

	err := repo.InTx(ctx, func(tx Tx) error {
		return tx.AssignCredentials(ctx, []int64{credID}, 11, 2, time.Now())
	})
	assert.ErrorIs(t, err, model.ErrConcurrencyConflict)
}

func TestMemoryListStalePendingOrders(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	old := repo.PutOrder(model.Order{UserID: 1, Status: model.OrderStatusPending, CreatedAt: now.Add(-time.Hour)})
	older := repo.PutOrder(model.Order{UserID: 1, Status: model.OrderStatusPending, CreatedAt: now.Add(-2 * time.Hour)})
	repo.PutOrder(model.Order{UserID: 1, Status: model.OrderStatusPending, CreatedAt: now.Add(-time.Minute)})
	repo.PutOrder(model.Order{UserID: 1, Status: model.OrderStatusPaid, CreatedAt: now.Add(-time.Hour)})

	ids, err := repo.ListStalePendingOrders(context.Background(), now.Add(-20*time.Minute), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{old.ID, older.ID}, ids)

	ids, err = repo.ListStalePendingOrders(context.Background(), now.Add(-20*time.Minute), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{old.ID}, ids)

	ids, err = repo.ListStalePendingOrders(context.Background(), now.Add(-20*time.Minute), old.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{older.ID}, ids)
}

func TestMemoryListIncompletePaidOrders(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := now.AddDate(0, 1, 0)

	missingTimes := repo.PutOrder(model.Order{
		UserID: 1, Status: model.OrderStatusPaid, CreatedAt: now,
		Items: []model.OrderItem{{PlanID: 1, Quantity: 1, ExpiresAt: &expires}},
	})
	missingCreds := repo.PutOrder(model.Order{
		UserID: 1, Status: model.OrderStatusPaid, CreatedAt: now, PaidAt: &now, ExpiresAt: &expires,
		Items: []model.OrderItem{{PlanID: 1, Quantity: 2, ExpiresAt: &expires}},
	})
	repo.PutOrder(model.Order{UserID: 1, Status: model.OrderStatusPending, CreatedAt: now})
	repo.PutOrder(model.Order{UserID: 1, Status: model.OrderStatusPaid, CreatedAt: now, PaidAt: &now, ExpiresAt: &expires})

	ids, err := repo.ListIncompletePaidOrders(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{missingTimes.ID, missingCreds.ID}, ids)

	ids, err = repo.ListIncompletePaidOrders(context.Background(), missingTimes.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{missingCreds.ID}, ids)
}

func TestMemoryGetOrder_NotFound(t *testing.T) {
	repo := NewMemoryRepository(time.Second)
	_, err := repo.GetOrder(context.Background(), 404)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
