package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mmeshcher/vouchermart/internal/model"
)

// MemoryRepository хранит данные в памяти процесса и реализует тот же транзакционный контракт,
// что и PostgresRepository: транзакции изолированы, ошибка откатывает все изменения,
// ожидание блокировки ограничено lockTimeout.
//
// Транзакции выполняются строго последовательно, поэтому хранилище подходит для тестов
// и локального запуска одного экземпляра сервиса.
type MemoryRepository struct {
	mu          sync.RWMutex
	state       *memState
	txLock      chan struct{}
	lockTimeout time.Duration
}

type memState struct {
	nextID      int64
	ships       map[int64]model.Ship
	plans       map[int64]model.Plan
	credentials map[int64]model.Credential
	coupons     map[int64]model.Coupon
	orders      map[int64]model.Order
	items       map[int64][]model.OrderItem
	assignments map[int64][]model.CredentialAssignment
	usages      []model.CouponUsage
	audit       []model.AuditRecord
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository(lockTimeout time.Duration) *MemoryRepository {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &MemoryRepository{
		state: &memState{
			ships:       make(map[int64]model.Ship),
			plans:       make(map[int64]model.Plan),
			credentials: make(map[int64]model.Credential),
			coupons:     make(map[int64]model.Coupon),
			orders:      make(map[int64]model.Order),
			items:       make(map[int64][]model.OrderItem),
			assignments: make(map[int64][]model.CredentialAssignment),
		},
		txLock:      make(chan struct{}, 1),
		lockTimeout: lockTimeout,
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:      s.nextID,
		ships:       make(map[int64]model.Ship, len(s.ships)),
		plans:       make(map[int64]model.Plan, len(s.plans)),
		credentials: make(map[int64]model.Credential, len(s.credentials)),
		coupons:     make(map[int64]model.Coupon, len(s.coupons)),
		orders:      make(map[int64]model.Order, len(s.orders)),
		items:       make(map[int64][]model.OrderItem, len(s.items)),
		assignments: make(map[int64][]model.CredentialAssignment, len(s.assignments)),
		usages:      slices.Clone(s.usages),
		audit:       slices.Clone(s.audit),
	}
	for k, v := range s.ships {
		c.ships[k] = v
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.credentials {
		c.credentials[k] = v
	}
	for k, v := range s.coupons {
		c.coupons[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = slices.Clone(v)
	}
	for k, v := range s.assignments {
		c.assignments[k] = slices.Clone(v)
	}
	return c
}

func (s *memState) newID() int64 {
	s.nextID++
	return s.nextID
}

// Close ничего не делает; метод нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error {
	return nil
}

// InTx выполняет fn над изолированной копией данных и публикует её только при успехе.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	timer := time.NewTimer(r.lockTimeout)
	defer timer.Stop()

	select {
	case r.txLock <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("%w: lock wait exceeded %s", model.ErrConcurrencyConflict, r.lockTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.txLock }()

	r.mu.RLock()
	work := r.state.clone()
	r.mu.RUnlock()

	if err := fn(&memTx{s: work}); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = work
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) read(fn func(s *memState)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.state)
}

// GetPlan возвращает тариф по идентификатору.
func (r *MemoryRepository) GetPlan(ctx context.Context, planID int64) (*model.Plan, error) {
	var (
		p  model.Plan
		ok bool
	)
	r.read(func(s *memState) { p, ok = s.plans[planID] })
	if !ok {
		return nil, fmt.Errorf("%w: plan %d", model.ErrNotFound, planID)
	}
	return &p, nil
}

// GetCouponByCode возвращает купон по коду без учёта регистра.
func (r *MemoryRepository) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	var found *model.Coupon
	r.read(func(s *memState) {
		for _, c := range s.coupons {
			if strings.EqualFold(c.Code, code) {
				cp := c
				found = &cp
				return
			}
		}
	})
	if found == nil {
		return nil, fmt.Errorf("%w: coupon %s", model.ErrNotFound, code)
	}
	return found, nil
}

// CountCouponUsages возвращает число погашений купона.
func (r *MemoryRepository) CountCouponUsages(ctx context.Context, couponID int64) (int, error) {
	n := 0
	r.read(func(s *memState) { n = s.countUsages(couponID, nil) })
	return n, nil
}

// CountUserCouponUsages возвращает число погашений купона пользователем.
func (r *MemoryRepository) CountUserCouponUsages(ctx context.Context, couponID, userID int64) (int, error) {
	n := 0
	r.read(func(s *memState) { n = s.countUsages(couponID, &userID) })
	return n, nil
}

// CountFreeCredentials возвращает число свободных ваучеров тарифа.
func (r *MemoryRepository) CountFreeCredentials(ctx context.Context, planID int64) (int, error) {
	n := 0
	r.read(func(s *memState) { n = s.poolStats(planID).Free })
	return n, nil
}

// PoolStats возвращает число выданных и свободных ваучеров тарифа.
func (r *MemoryRepository) PoolStats(ctx context.Context, planID int64) (model.PoolStats, error) {
	var stats model.PoolStats
	r.read(func(s *memState) { stats = s.poolStats(planID) })
	return stats, nil
}

// CreateOrder сохраняет заказ в статусе pending вместе с позициями.
func (r *MemoryRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	return r.InTx(ctx, func(tx Tx) error {
		s := tx.(*memTx).s
		order.ID = s.newID()
		order.Status = model.OrderStatusPending
		for i := range order.Items {
			order.Items[i].ID = s.newID()
			order.Items[i].OrderID = order.ID
		}
		stored := *order
		stored.Items = nil
		s.orders[order.ID] = stored
		s.items[order.ID] = slices.Clone(order.Items)
		return nil
	})
}

// GetOrder возвращает заказ вместе с позициями.
func (r *MemoryRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	var (
		o   *model.Order
		err error
	)
	r.read(func(s *memState) { o, err = s.order(orderID) })
	return o, err
}

// ListAssignments возвращает выданные по заказу ваучеры.
func (r *MemoryRepository) ListAssignments(ctx context.Context, orderID int64) ([]model.AssignedCredential, error) {
	var res []model.AssignedCredential
	r.read(func(s *memState) { res = s.listAssignments(orderID) })
	return res, nil
}

// ListStalePendingOrders возвращает заказы в статусе pending, созданные раньше cutoff,
// с идентификатором больше afterID в порядке возрастания.
func (r *MemoryRepository) ListStalePendingOrders(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	r.read(func(s *memState) {
		for id, o := range s.orders {
			if id > afterID && o.Status == model.OrderStatusPending && o.CreatedAt.Before(cutoff) {
				ids = append(ids, id)
			}
		}
	})
	return limitIDs(ids, limit), nil
}

// ListIncompletePaidOrders возвращает оплаченные заказы с неполными данными о выдаче,
// с идентификатором больше afterID.
func (r *MemoryRepository) ListIncompletePaidOrders(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	r.read(func(s *memState) {
		for id, o := range s.orders {
			if id <= afterID || o.Status != model.OrderStatusPaid {
				continue
			}
			incomplete := o.PaidAt == nil || o.ExpiresAt == nil
			requested := 0
			for _, it := range s.items[id] {
				requested += it.Quantity
				if it.ExpiresAt == nil {
					incomplete = true
				}
			}
			if len(s.assignments[id]) < requested {
				incomplete = true
			}
			if incomplete {
				ids = append(ids, id)
			}
		}
	})
	return limitIDs(ids, limit), nil
}

// ListAudit возвращает журнал фоновых задач по заказу.
func (r *MemoryRepository) ListAudit(ctx context.Context, orderID int64) ([]model.AuditRecord, error) {
	var res []model.AuditRecord
	r.read(func(s *memState) {
		for _, rec := range s.audit {
			if rec.OrderID == orderID {
				res = append(res, rec)
			}
		}
	})
	return res, nil
}

// AddShip добавляет судно в каталог.
func (r *MemoryRepository) AddShip(name string) int64 {
	var id int64
	r.mutate(func(s *memState) {
		id = s.newID()
		s.ships[id] = model.Ship{ID: id, Name: name}
	})
	return id
}

// AddPlan добавляет тариф в каталог и возвращает его с присвоенным идентификатором.
func (r *MemoryRepository) AddPlan(p model.Plan) model.Plan {
	r.mutate(func(s *memState) {
		p.ID = s.newID()
		s.plans[p.ID] = p
	})
	return p
}

// SeedCredentials добавляет в пул тарифа count свободных ваучеров.
func (r *MemoryRepository) SeedCredentials(planID int64, count int) []int64 {
	ids := make([]int64, 0, count)
	r.mutate(func(s *memState) {
		for i := 0; i < count; i++ {
			id := s.newID()
			s.credentials[id] = model.Credential{
				ID:     id,
				PlanID: planID,
				Code:   fmt.Sprintf("P%d-%06d", planID, id),
			}
			ids = append(ids, id)
		}
	})
	return ids
}

// AddCoupon добавляет купон и возвращает его с присвоенным идентификатором.
func (r *MemoryRepository) AddCoupon(c model.Coupon) model.Coupon {
	r.mutate(func(s *memState) {
		c.ID = s.newID()
		s.coupons[c.ID] = c
	})
	return c
}

// AddCouponUsage добавляет запись о погашении купона.
func (r *MemoryRepository) AddCouponUsage(u model.CouponUsage) {
	r.mutate(func(s *memState) { s.usages = append(s.usages, u) })
}

// PutOrder сохраняет заказ в произвольном состоянии; используется для подготовки данных.
func (r *MemoryRepository) PutOrder(o model.Order) model.Order {
	r.mutate(func(s *memState) {
		if o.ID == 0 {
			o.ID = s.newID()
		}
		for i := range o.Items {
			if o.Items[i].ID == 0 {
				o.Items[i].ID = s.newID()
			}
			o.Items[i].OrderID = o.ID
		}
		stored := o
		stored.Items = nil
		s.orders[o.ID] = stored
		s.items[o.ID] = slices.Clone(o.Items)
	})
	return o
}

func (r *MemoryRepository) mutate(fn func(s *memState)) {
	r.txLock <- struct{}{}
	defer func() { <-r.txLock }()

	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
}

func limitIDs(ids []int64, limit int) []int64 {
	slices.Sort(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (s *memState) order(orderID int64) (*model.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %d", model.ErrNotFound, orderID)
	}
	o.Items = slices.Clone(s.items[orderID])
	return &o, nil
}

func (s *memState) countUsages(couponID int64, userID *int64) int {
	n := 0
	for _, u := range s.usages {
		if u.CouponID != couponID {
			continue
		}
		if userID != nil && u.UserID != *userID {
			continue
		}
		n++
	}
	return n
}

func (s *memState) poolStats(planID int64) model.PoolStats {
	stats := model.PoolStats{PlanID: planID}
	for _, c := range s.credentials {
		if c.PlanID != planID {
			continue
		}
		if c.IsAssigned {
			stats.Assigned++
		} else {
			stats.Free++
		}
	}
	return stats
}

func (s *memState) listAssignments(orderID int64) []model.AssignedCredential {
	var res []model.AssignedCredential
	for _, a := range s.assignments[orderID] {
		c := s.credentials[a.CredentialID]
		res = append(res, model.AssignedCredential{CredentialAssignment: a, PlanID: c.PlanID, Code: c.Code})
	}
	slices.SortFunc(res, func(a, b model.AssignedCredential) int { return cmp.Compare(a.CredentialID, b.CredentialID) })
	return res
}

type memTx struct {
	s *memState
}

func (t *memTx) LockOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return t.s.order(orderID)
}

func (t *memTx) MarkOrderPaid(ctx context.Context, orderID int64, paymentRef string, paidAt, expiresAt time.Time) error {
	o, ok := t.s.orders[orderID]
	if !ok || o.Status != model.OrderStatusPending {
		return fmt.Errorf("%w: order %d is not pending", model.ErrInvalidStateTransition, orderID)
	}
	o.Status = model.OrderStatusPaid
	o.ExternalPaymentRef = &paymentRef
	o.PaidAt = &paidAt
	o.ExpiresAt = &expiresAt
	t.s.orders[orderID] = o
	return nil
}

func (t *memTx) BackfillOrderTimes(ctx context.Context, orderID int64, paidAt, expiresAt time.Time) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %d", model.ErrNotFound, orderID)
	}
	if o.PaidAt == nil {
		o.PaidAt = &paidAt
	}
	if o.ExpiresAt == nil {
		o.ExpiresAt = &expiresAt
	}
	t.s.orders[orderID] = o
	return nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, orderID int64, from, to model.OrderStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidStateTransition, from, to)
	}
	o, ok := t.s.orders[orderID]
	if !ok || o.Status != from {
		return fmt.Errorf("%w: order %d is not %s", model.ErrInvalidStateTransition, orderID, from)
	}
	o.Status = to
	t.s.orders[orderID] = o
	return nil
}

func (t *memTx) SetItemsExpiry(ctx context.Context, orderID int64, expiresAt time.Time) error {
	items := t.s.items[orderID]
	for i := range items {
		at := expiresAt
		items[i].ExpiresAt = &at
	}
	return nil
}

func (t *memTx) LockFreeCredentials(ctx context.Context, planID int64, limit int) ([]model.Credential, error) {
	var free []model.Credential
	for _, c := range t.s.credentials {
		if c.PlanID == planID && !c.IsAssigned {
			free = append(free, c)
		}
	}
	slices.SortFunc(free, func(a, b model.Credential) int { return cmp.Compare(a.ID, b.ID) })
	if len(free) > limit {
		free = free[:limit]
	}
	return free, nil
}

func (t *memTx) CountFreeCredentials(ctx context.Context, planID int64) (int, error) {
	return t.s.poolStats(planID).Free, nil
}

func (t *memTx) AssignCredentials(ctx context.Context, credentialIDs []int64, orderID, userID int64, at time.Time) error {
	for _, id := range credentialIDs {
		c, ok := t.s.credentials[id]
		if !ok || c.IsAssigned {
			return fmt.Errorf("%w: credential %d is not free", model.ErrConcurrencyConflict, id)
		}
		assignedAt := at
		c.IsAssigned = true
		c.AssignedToOrderID = &orderID
		c.AssignedToUserID = &userID
		c.AssignedAt = &assignedAt
		t.s.credentials[id] = c
	}
	return nil
}

func (t *memTx) InsertAssignments(ctx context.Context, orderID int64, credentialIDs []int64, deliveredAt, expiresAt time.Time) error {
	for _, id := range credentialIDs {
		for _, existing := range t.s.assignments {
			for _, a := range existing {
				if a.CredentialID == id {
					return fmt.Errorf("%w: credential %d already delivered", model.ErrConcurrencyConflict, id)
				}
			}
		}
		t.s.assignments[orderID] = append(t.s.assignments[orderID], model.CredentialAssignment{
			OrderID:      orderID,
			CredentialID: id,
			DeliveredAt:  deliveredAt,
			ExpiresAt:    expiresAt,
		})
	}
	return nil
}

func (t *memTx) ListAssignments(ctx context.Context, orderID int64) ([]model.AssignedCredential, error) {
	return t.s.listAssignments(orderID), nil
}

func (t *memTx) LockCoupon(ctx context.Context, couponID int64) (*model.Coupon, error) {
	c, ok := t.s.coupons[couponID]
	if !ok {
		return nil, fmt.Errorf("%w: coupon %d", model.ErrNotFound, couponID)
	}
	return &c, nil
}

func (t *memTx) CountCouponUsages(ctx context.Context, couponID int64) (int, error) {
	return t.s.countUsages(couponID, nil), nil
}

func (t *memTx) InsertCouponUsage(ctx context.Context, usage model.CouponUsage) error {
	for _, u := range t.s.usages {
		if u.OrderID == usage.OrderID {
			return fmt.Errorf("%w: coupon usage for order %d exists", model.ErrConcurrencyConflict, usage.OrderID)
		}
	}
	t.s.usages = append(t.s.usages, usage)
	return nil
}

func (t *memTx) InsertAudit(ctx context.Context, rec model.AuditRecord) error {
	t.s.audit = append(t.s.audit, rec)
	return nil
}
