package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/vouchermart/internal/model"
)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return loadOrder(ctx, t.tx, orderID, true)
}

func (t *pgTx) MarkOrderPaid(ctx context.Context, orderID int64, paymentRef string, paidAt, expiresAt time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders
		 SET status = $2, external_payment_ref = $3, paid_at = $4, expires_at = $5
		 WHERE id = $1 AND status = $6`,
		orderID, string(model.OrderStatusPaid), paymentRef, paidAt, expiresAt, string(model.OrderStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: order %d is not pending", model.ErrInvalidStateTransition, orderID)
	}
	return nil
}

func (t *pgTx) BackfillOrderTimes(ctx context.Context, orderID int64, paidAt, expiresAt time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE orders
		 SET paid_at = COALESCE(paid_at, $2), expires_at = COALESCE(expires_at, $3)
		 WHERE id = $1`,
		orderID, paidAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("backfill order times: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID int64, from, to model.OrderStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidStateTransition, from, to)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $3 WHERE id = $1 AND status = $2`,
		orderID, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: order %d is not %s", model.ErrInvalidStateTransition, orderID, from)
	}
	return nil
}

func (t *pgTx) SetItemsExpiry(ctx context.Context, orderID int64, expiresAt time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE order_items SET expires_at = $2 WHERE order_id = $1`,
		orderID, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("set items expiry: %w", err)
	}
	return nil
}

// LockFreeCredentials пропускает строки, заблокированные параллельными транзакциями,
// поэтому два распределителя никогда не получают один и тот же ваучер.
func (t *pgTx) LockFreeCredentials(ctx context.Context, planID int64, limit int) ([]model.Credential, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, plan_id, code
		 FROM credentials
		 WHERE plan_id = $1 AND NOT is_assigned
		 ORDER BY id
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		planID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select free credentials: %w", err)
	}
	defer rows.Close()

	var res []model.Credential
	for rows.Next() {
		var c model.Credential
		if err := rows.Scan(&c.ID, &c.PlanID, &c.Code); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func (t *pgTx) CountFreeCredentials(ctx context.Context, planID int64) (int, error) {
	return countFree(ctx, t.tx, planID)
}

func (t *pgTx) AssignCredentials(ctx context.Context, credentialIDs []int64, orderID, userID int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE credentials
		 SET is_assigned = TRUE, assigned_to_order_id = $2, assigned_to_user_id = $3, assigned_at = $4
		 WHERE id = ANY($1) AND NOT is_assigned`,
		credentialIDs, orderID, userID, at,
	)
	if err != nil {
		return fmt.Errorf("assign credentials: %w", err)
	}
	if int(tag.RowsAffected()) != len(credentialIDs) {
		return fmt.Errorf("%w: assigned %d of %d credentials", model.ErrConcurrencyConflict, tag.RowsAffected(), len(credentialIDs))
	}
	return nil
}

func (t *pgTx) InsertAssignments(ctx context.Context, orderID int64, credentialIDs []int64, deliveredAt, expiresAt time.Time) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO credential_assignments (order_id, credential_id, delivered_at, expires_at)
		 SELECT $1, unnest($2::bigint[]), $3, $4`,
		orderID, credentialIDs, deliveredAt, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert assignments: %w", classifyError(err))
	}
	return nil
}

func (t *pgTx) ListAssignments(ctx context.Context, orderID int64) ([]model.AssignedCredential, error) {
	return listAssignments(ctx, t.tx, orderID)
}

func (t *pgTx) LockCoupon(ctx context.Context, couponID int64) (*model.Coupon, error) {
	c, err := scanCoupon(t.tx.QueryRow(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE id = $1 FOR UPDATE`,
		couponID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: coupon %d", model.ErrNotFound, couponID)
		}
		return nil, fmt.Errorf("lock coupon: %w", err)
	}
	return c, nil
}

func (t *pgTx) CountCouponUsages(ctx context.Context, couponID int64) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx, `SELECT count(*) FROM coupon_usages WHERE coupon_id = $1`, couponID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count coupon usages: %w", err)
	}
	return n, nil
}

func (t *pgTx) InsertCouponUsage(ctx context.Context, usage model.CouponUsage) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO coupon_usages (coupon_id, user_id, order_id, discount_amount) VALUES ($1, $2, $3, $4)`,
		usage.CouponID, usage.UserID, usage.OrderID, toNumeric(usage.DiscountAmount),
	)
	if err != nil {
		return fmt.Errorf("insert coupon usage: %w", classifyError(err))
	}
	return nil
}

func (t *pgTx) InsertAudit(ctx context.Context, rec model.AuditRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO order_audit_log (id, order_id, action, reason, created_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.OrderID, string(rec.Action), rec.Reason, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func decimalFrom(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.NaN || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func nullDecimalFrom(n pgtype.Numeric) decimal.NullDecimal {
	if !n.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimalFrom(n))
}
