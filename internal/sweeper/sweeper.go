// Package sweeper содержит фоновые задачи обслуживания заказов: отмену брошенных заказов
// и досборку оплаченных заказов с неполной выдачей ваучеров.
package sweeper

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/vouchermart/internal/metrics"
	"github.com/mmeshcher/vouchermart/internal/model"
	"github.com/mmeshcher/vouchermart/internal/repository"
)

const defaultBatchSize = 100

// Store описывает хранилище, с которым работают фоновые задачи.
type Store interface {
	InTx(ctx context.Context, fn func(tx repository.Tx) error) error
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	ListStalePendingOrders(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]int64, error)
	ListIncompletePaidOrders(ctx context.Context, afterID int64, limit int) ([]int64, error)
}

// cursor запоминает последний просмотренный заказ, чтобы следующий проход продолжил
// выборку после него. Иначе заказы, которые не удаётся обработать, занимали бы
// начало каждой пачки и заслоняли остальные.
type cursor struct {
	mu     sync.Mutex
	lastID int64
}

// page выбирает следующую пачку кандидатов. Дойдя до конца списка, курсор
// возвращается в начало; пустая страница после ненулевого курсора сразу
// перечитывается с начала.
func (c *cursor) page(limit int, list func(afterID int64) ([]int64, error)) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := list(c.lastID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 && c.lastID > 0 {
		c.lastID = 0
		if ids, err = list(0); err != nil {
			return nil, err
		}
	}

	if len(ids) < limit {
		c.lastID = 0
	} else {
		c.lastID = slices.Max(ids)
	}
	return ids, nil
}

// Failure описывает ошибку обработки одного заказа.
type Failure struct {
	OrderID int64  `json:"order_id"`
	Error   string `json:"error"`
}

// Report - итог одного прохода фоновой задачи.
type Report struct {
	Job       string    `json:"job"`
	Scanned   int       `json:"scanned"`
	Succeeded int       `json:"succeeded"`
	Skipped   int       `json:"skipped"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Failed сообщает, была ли в проходе хотя бы одна ошибка.
func (r Report) Failed() bool {
	return len(r.Failures) > 0
}

func (r *Report) fail(orderID int64, err error) {
	r.Failures = append(r.Failures, Failure{OrderID: orderID, Error: err.Error()})
}

// Option настраивает фоновую задачу.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	batchSize int
}

// WithLogger задаёт логгер.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithBatchSize ограничивает число заказов, обрабатываемых за один проход.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, batchSize: defaultBatchSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.batchSize <= 0 {
		o.batchSize = defaultBatchSize
	}
	return o
}

// Job - фоновая задача, запускаемая по расписанию или вручную.
type Job interface {
	Name() string
	Run(ctx context.Context) (Report, error)
}

// Schedule запускает job каждые interval до отмены ctx. Ошибки прохода логируются, цикл продолжается.
func Schedule(ctx context.Context, job Job, interval time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("background job scheduled", zap.String("job", job.Name()), zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := job.Run(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Error("background job run failed", zap.String("job", job.Name()), zap.Error(err))
				continue
			}
			if report.Scanned > 0 {
				logger.Info("background job finished",
					zap.String("job", job.Name()),
					zap.Int("scanned", report.Scanned),
					zap.Int("succeeded", report.Succeeded),
					zap.Int("skipped", report.Skipped),
					zap.Int("failed", len(report.Failures)),
				)
			}
		}
	}
}
