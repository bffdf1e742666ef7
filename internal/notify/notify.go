// Package notify ставит уведомления об оплаченных заказах в очередь Redis.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mmeshcher/vouchermart/internal/model"
)

const (
	// QueueNotifications - ключ списка Redis с заданиями на отправку уведомлений.
	QueueNotifications = "vouchermart:notifications"
	// JobTypeOrderPaid - задание на отправку ваучеров покупателю.
	JobTypeOrderPaid = "order_paid"
)

// Job - конверт задания в очереди.
type Job struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// OrderPaidPayload содержит данные для письма с ваучерами.
type OrderPaidPayload struct {
	OrderID     int64              `json:"order_id"`
	UserID      int64              `json:"user_id"`
	Currency    string             `json:"currency"`
	Total       string             `json:"total"`
	PaidAt      *time.Time         `json:"paid_at,omitempty"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
	Credentials []DeliveredVoucher `json:"credentials"`
}

// DeliveredVoucher описывает один выданный ваучер.
type DeliveredVoucher struct {
	PlanID int64  `json:"plan_id"`
	Code   string `json:"code"`
}

type pusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisQueue публикует задания в список Redis; их разбирает внешний обработчик рассылки.
type RedisQueue struct {
	client pusher
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisQueue создаёт очередь уведомлений поверх клиента Redis.
func NewRedisQueue(client *redis.Client, logger *zap.Logger) *RedisQueue {
	return newRedisQueue(client, logger)
}

func newRedisQueue(client pusher, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{client: client, logger: logger, now: time.Now}
}

// OrderPaid ставит в очередь уведомление об оплате заказа.
func (q *RedisQueue) OrderPaid(ctx context.Context, c *model.Completion) error {
	job, err := BuildOrderPaidJob(c, q.now())
	if err != nil {
		return err
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueNotifications, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued order paid notification",
		zap.String("job_id", job.ID),
		zap.Int64("order_id", c.Order.ID),
	)
	return nil
}

// BuildOrderPaidJob собирает задание уведомления по результату оплаты.
func BuildOrderPaidJob(c *model.Completion, now time.Time) (*Job, error) {
	if c == nil || c.Order == nil {
		return nil, fmt.Errorf("%w: empty completion", model.ErrValidation)
	}

	payload := OrderPaidPayload{
		OrderID:     c.Order.ID,
		UserID:      c.Order.UserID,
		Currency:    c.Order.Currency,
		Total:       c.Order.Total.StringFixed(2),
		PaidAt:      c.Order.PaidAt,
		ExpiresAt:   c.Order.ExpiresAt,
		Credentials: make([]DeliveredVoucher, 0, len(c.Credentials)),
	}
	for _, cr := range c.Credentials {
		payload.Credentials = append(payload.Credentials, DeliveredVoucher{PlanID: cr.PlanID, Code: cr.Code})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Job{
		ID:        uuid.New().String(),
		Type:      JobTypeOrderPaid,
		Payload:   body,
		CreatedAt: now,
	}, nil
}

// Nop отбрасывает уведомления; используется, когда Redis не настроен.
type Nop struct{}

// OrderPaid ничего не делает.
func (Nop) OrderPaid(context.Context, *model.Completion) error { return nil }
