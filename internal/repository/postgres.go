package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/vouchermart/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var defaultRetryDelays = []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	retryDelays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
// lockTimeout ограничивает ожидание блокировок строк в каждой транзакции.
func NewPostgresRepository(dsn string, lockTimeout time.Duration) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:        pool,
		lockTimeout: lockTimeout,
		retryDelays: defaultRetryDelays,
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при временных ошибках и по исчерпании попыток
// возвращает ErrConcurrencyConflict, чтобы вызывающий мог повторить операцию позже.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(r.retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isTransient(err) || i == len(r.retryDelays) {
			break
		}

		timer := time.NewTimer(r.retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return classifyError(err)
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return true
		}
		return false
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// classifyError приводит ошибки блокировок PostgreSQL к ErrConcurrencyConflict.
func classifyError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return fmt.Errorf("%w: %s", model.ErrConcurrencyConflict, pgErr.Message)
	case pgerrcode.UniqueViolation:
		if pgErr.ConstraintName == "credential_assignments_credential_id_key" ||
			pgErr.ConstraintName == "coupon_usages_order_id_key" {
			return fmt.Errorf("%w: %s", model.ErrConcurrencyConflict, pgErr.ConstraintName)
		}
	}
	return err
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn в транзакции. Любая ошибка fn откатывает все изменения.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if r.lockTimeout > 0 {
			// SET не принимает параметры, значение формируется из числа миллисекунд.
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("set lock timeout: %w", err)
			}
		}

		if err := fn(&pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetPlan возвращает тариф по идентификатору.
func (r *PostgresRepository) GetPlan(ctx context.Context, planID int64) (*model.Plan, error) {
	var (
		p     model.Plan
		price pgtype.Numeric
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, ship_id, name, price, currency, duration_label, is_active FROM plans WHERE id = $1`,
		planID,
	).Scan(&p.ID, &p.ShipID, &p.Name, &price, &p.Currency, &p.DurationLabel, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: plan %d", model.ErrNotFound, planID)
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	p.Price = decimalFrom(price)
	return &p, nil
}

const couponColumns = `id, code, discount_type, discount_value, min_order_amount, max_uses,
	valid_from, valid_until, ship_id, is_active, single_use_per_user`

func scanCoupon(row pgx.Row) (*model.Coupon, error) {
	var (
		c        model.Coupon
		dtype    string
		value    pgtype.Numeric
		minOrder pgtype.Numeric
		maxUses  *int32
	)
	err := row.Scan(&c.ID, &c.Code, &dtype, &value, &minOrder, &maxUses,
		&c.ValidFrom, &c.ValidUntil, &c.ShipID, &c.IsActive, &c.SingleUsePerUser)
	if err != nil {
		return nil, err
	}
	c.DiscountType = model.DiscountType(dtype)
	c.DiscountValue = decimalFrom(value)
	c.MinOrderAmount = nullDecimalFrom(minOrder)
	if maxUses != nil {
		v := int(*maxUses)
		c.MaxUses = &v
	}
	return &c, nil
}

// GetCouponByCode возвращает купон по коду без учёта регистра.
func (r *PostgresRepository) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	c, err := scanCoupon(r.pool.QueryRow(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE upper(code) = upper($1)`,
		code,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: coupon %s", model.ErrNotFound, code)
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return c, nil
}

// CountCouponUsages возвращает число погашений купона оплаченными заказами.
func (r *PostgresRepository) CountCouponUsages(ctx context.Context, couponID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM coupon_usages WHERE coupon_id = $1`, couponID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count coupon usages: %w", err)
	}
	return n, nil
}

// CountUserCouponUsages возвращает число погашений купона пользователем.
func (r *PostgresRepository) CountUserCouponUsages(ctx context.Context, couponID, userID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`,
		couponID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user coupon usages: %w", err)
	}
	return n, nil
}

// CountFreeCredentials возвращает число свободных ваучеров тарифа без блокировок.
func (r *PostgresRepository) CountFreeCredentials(ctx context.Context, planID int64) (int, error) {
	return countFree(ctx, r.pool, planID)
}

// PoolStats возвращает число выданных и свободных ваучеров тарифа.
func (r *PostgresRepository) PoolStats(ctx context.Context, planID int64) (model.PoolStats, error) {
	stats := model.PoolStats{PlanID: planID}
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE is_assigned), count(*) FILTER (WHERE NOT is_assigned)
		 FROM credentials WHERE plan_id = $1`,
		planID,
	).Scan(&stats.Assigned, &stats.Free)
	if err != nil {
		return stats, fmt.Errorf("pool stats: %w", err)
	}
	return stats, nil
}

// CreateOrder сохраняет заказ в статусе pending вместе с позициями и заполняет их идентификаторы.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	return r.InTx(ctx, func(tx Tx) error {
		ptx := tx.(*pgTx)
		err := ptx.tx.QueryRow(ctx,
			`INSERT INTO orders (user_id, ship_id, status, currency, subtotal, discount, total, coupon_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING id`,
			order.UserID, order.ShipID, string(model.OrderStatusPending), order.Currency,
			toNumeric(order.Subtotal), toNumeric(order.Discount), toNumeric(order.Total),
			order.CouponID, order.CreatedAt,
		).Scan(&order.ID)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for i := range order.Items {
			it := &order.Items[i]
			it.OrderID = order.ID
			err := ptx.tx.QueryRow(ctx,
				`INSERT INTO order_items (order_id, plan_id, quantity, unit_price, line_total)
				 VALUES ($1, $2, $3, $4, $5)
				 RETURNING id`,
				order.ID, it.PlanID, it.Quantity, toNumeric(it.UnitPrice), toNumeric(it.LineTotal),
			).Scan(&it.ID)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		order.Status = model.OrderStatusPending
		return nil
	})
}

// GetOrder возвращает заказ вместе с позициями.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return loadOrder(ctx, r.pool, orderID, false)
}

// ListAssignments возвращает выданные по заказу ваучеры.
func (r *PostgresRepository) ListAssignments(ctx context.Context, orderID int64) ([]model.AssignedCredential, error) {
	return listAssignments(ctx, r.pool, orderID)
}

// ListStalePendingOrders возвращает заказы в статусе pending, созданные раньше cutoff,
// с идентификатором больше afterID в порядке возрастания.
func (r *PostgresRepository) ListStalePendingOrders(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]int64, error) {
	return r.queryIDs(ctx,
		`SELECT id FROM orders
		 WHERE status = $1 AND created_at < $2 AND id > $3
		 ORDER BY id
		 LIMIT $4`,
		string(model.OrderStatusPending), cutoff, afterID, limit,
	)
}

// ListIncompletePaidOrders возвращает оплаченные заказы без времени оплаты, срока действия
// или с неполной выдачей ваучеров, с идентификатором больше afterID.
func (r *PostgresRepository) ListIncompletePaidOrders(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	return r.queryIDs(ctx,
		`SELECT o.id FROM orders o
		 WHERE o.status = $1 AND o.id > $2 AND (
		     o.paid_at IS NULL
		  OR o.expires_at IS NULL
		  OR EXISTS (SELECT 1 FROM order_items i WHERE i.order_id = o.id AND i.expires_at IS NULL)
		  OR (SELECT COALESCE(SUM(i.quantity), 0) FROM order_items i WHERE i.order_id = o.id)
		   > (SELECT count(*) FROM credential_assignments a WHERE a.order_id = o.id)
		 )
		 ORDER BY o.id
		 LIMIT $3`,
		string(model.OrderStatusPaid), afterID, limit,
	)
}

func (r *PostgresRepository) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select order ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect order ids: %w", err)
	}
	return ids, nil
}

// ListAudit возвращает журнал фоновых задач по заказу.
func (r *PostgresRepository) ListAudit(ctx context.Context, orderID int64) ([]model.AuditRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, action, reason, created_at
		 FROM order_audit_log
		 WHERE order_id = $1
		 ORDER BY created_at`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select audit: %w", err)
	}
	defer rows.Close()

	var res []model.AuditRecord
	for rows.Next() {
		var (
			rec    model.AuditRecord
			action string
		)
		if err := rows.Scan(&rec.ID, &rec.OrderID, &action, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		rec.Action = model.AuditAction(action)
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadOrder(ctx context.Context, q querier, orderID int64, forUpdate bool) (*model.Order, error) {
	query := `SELECT id, user_id, ship_id, status, currency, subtotal, discount, total,
	                 coupon_id, external_payment_ref, created_at, paid_at, expires_at
	          FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		o                         model.Order
		status                    string
		subtotal, discount, total pgtype.Numeric
	)
	err := q.QueryRow(ctx, query, orderID).Scan(
		&o.ID, &o.UserID, &o.ShipID, &status, &o.Currency, &subtotal, &discount, &total,
		&o.CouponID, &o.ExternalPaymentRef, &o.CreatedAt, &o.PaidAt, &o.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %d", model.ErrNotFound, orderID)
		}
		return nil, fmt.Errorf("select order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	o.Subtotal = decimalFrom(subtotal)
	o.Discount = decimalFrom(discount)
	o.Total = decimalFrom(total)

	rows, err := q.Query(ctx,
		`SELECT id, order_id, plan_id, quantity, unit_price, line_total, expires_at
		 FROM order_items WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it              model.OrderItem
			unit, lineTotal pgtype.Numeric
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.PlanID, &it.Quantity, &unit, &lineTotal, &it.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		it.UnitPrice = decimalFrom(unit)
		it.LineTotal = decimalFrom(lineTotal)
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &o, nil
}

func listAssignments(ctx context.Context, q querier, orderID int64) ([]model.AssignedCredential, error) {
	rows, err := q.Query(ctx,
		`SELECT a.order_id, a.credential_id, a.delivered_at, a.expires_at, c.plan_id, c.code
		 FROM credential_assignments a
		 JOIN credentials c ON c.id = a.credential_id
		 WHERE a.order_id = $1
		 ORDER BY a.credential_id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select assignments: %w", err)
	}
	defer rows.Close()

	var res []model.AssignedCredential
	for rows.Next() {
		var a model.AssignedCredential
		if err := rows.Scan(&a.OrderID, &a.CredentialID, &a.DeliveredAt, &a.ExpiresAt, &a.PlanID, &a.Code); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func countFree(ctx context.Context, q querier, planID int64) (int, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT count(*) FROM credentials WHERE plan_id = $1 AND NOT is_assigned`,
		planID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count free credentials: %w", err)
	}
	return n, nil
}
