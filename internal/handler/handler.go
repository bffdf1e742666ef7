// Package handler содержит HTTP-обработчики API сервиса vouchermart.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/vouchermart/internal/coupon"
	"github.com/mmeshcher/vouchermart/internal/middleware"
	"github.com/mmeshcher/vouchermart/internal/model"
	"github.com/mmeshcher/vouchermart/internal/service"
	"github.com/mmeshcher/vouchermart/internal/sweeper"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, req model.CheckoutRequest) (*model.Order, error)
	GetOrder(ctx context.Context, orderID, userID int64) (*model.OrderDetails, error)
	ValidateCoupon(ctx context.Context, code string, c coupon.Checkout) (*service.CouponQuote, error)
	ProcessPaymentCompletion(ctx context.Context, orderID int64, paymentRef string) (*model.Completion, error)
	FailPayment(ctx context.Context, orderID int64, reason string) (*model.Order, error)
	RefundOrder(ctx context.Context, orderID int64) (*model.Order, error)
}

// Ops содержит зависимости служебных маршрутов.
type Ops struct {
	// Token - значение заголовка Authorization: Bearer для маршрутов /internal.
	Token   string
	Reaper  sweeper.Job
	Scanner sweeper.Job
	// Metrics обслуживает /metrics; nil отключает маршрут.
	Metrics http.Handler
}

// Handler реализует HTTP-обработчики API сервиса vouchermart.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	ops            Ops
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, ops Ops) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		ops:            ops,
	}
}

type itemResponse struct {
	PlanID    int64   `json:"plan_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice string  `json:"unit_price"`
	LineTotal string  `json:"line_total"`
	ExpiresAt *string `json:"expires_at,omitempty"`
}

type credentialResponse struct {
	CredentialID int64  `json:"credential_id"`
	PlanID       int64  `json:"plan_id"`
	Code         string `json:"code"`
	DeliveredAt  string `json:"delivered_at"`
	ExpiresAt    string `json:"expires_at"`
}

type orderResponse struct {
	ID          int64                `json:"id"`
	ShipID      int64                `json:"ship_id"`
	Status      string               `json:"status"`
	Currency    string               `json:"currency"`
	Subtotal    string               `json:"subtotal"`
	Discount    string               `json:"discount"`
	Total       string               `json:"total"`
	CreatedAt   string               `json:"created_at"`
	PaidAt      *string              `json:"paid_at,omitempty"`
	ExpiresAt   *string              `json:"expires_at,omitempty"`
	Items       []itemResponse       `json:"items"`
	Credentials []credentialResponse `json:"credentials,omitempty"`
	Replayed    bool                 `json:"replayed,omitempty"`
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func newOrderResponse(o *model.Order, creds []model.AssignedCredential) orderResponse {
	resp := orderResponse{
		ID:        o.ID,
		ShipID:    o.ShipID,
		Status:    string(o.Status),
		Currency:  o.Currency,
		Subtotal:  money(o.Subtotal),
		Discount:  money(o.Discount),
		Total:     money(o.Total),
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
		PaidAt:    formatTime(o.PaidAt),
		ExpiresAt: formatTime(o.ExpiresAt),
		Items:     make([]itemResponse, 0, len(o.Items)),
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, itemResponse{
			PlanID:    it.PlanID,
			Quantity:  it.Quantity,
			UnitPrice: money(it.UnitPrice),
			LineTotal: money(it.LineTotal),
			ExpiresAt: formatTime(it.ExpiresAt),
		})
	}
	for _, c := range creds {
		resp.Credentials = append(resp.Credentials, credentialResponse{
			CredentialID: c.CredentialID,
			PlanID:       c.PlanID,
			Code:         c.Code,
			DeliveredAt:  c.DeliveredAt.Format(time.RFC3339),
			ExpiresAt:    c.ExpiresAt.Format(time.RFC3339),
		})
	}
	return resp
}

// CreateOrder оформляет заказ текущего пользователя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req model.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	req.UserID = userID

	order, err := h.service.CreateOrder(r.Context(), req)
	if err != nil {
		h.writeError(w, err, zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusCreated, newOrderResponse(order, nil))
}

// GetOrder возвращает заказ текущего пользователя вместе с выданными ваучерами.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID, ok := orderIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	details, err := h.service.GetOrder(r.Context(), orderID, userID)
	if err != nil {
		h.writeError(w, err, zap.Int64("userID", userID), zap.Int64("orderID", orderID))
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(details.Order, details.Credentials))
}

type validateCouponRequest struct {
	Code     string           `json:"code"`
	ShipID   *int64           `json:"ship_id,omitempty"`
	Subtotal *decimal.Decimal `json:"subtotal,omitempty"`
}

type couponResponse struct {
	Code          string  `json:"code"`
	DiscountType  string  `json:"discount_type"`
	DiscountValue string  `json:"discount_value"`
	Discount      *string `json:"discount,omitempty"`
	Total         *string `json:"total,omitempty"`
}

// ValidateCoupon проверяет применимость купона для текущего пользователя.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req validateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	quote, err := h.service.ValidateCoupon(r.Context(), req.Code, coupon.Checkout{
		ShipID:   req.ShipID,
		UserID:   &userID,
		Subtotal: req.Subtotal,
	})
	if err != nil {
		h.writeError(w, err, zap.Int64("userID", userID))
		return
	}

	resp := couponResponse{
		Code:          quote.Coupon.Code,
		DiscountType:  string(quote.Coupon.DiscountType),
		DiscountValue: quote.Coupon.DiscountValue.String(),
	}
	if quote.Discount != nil {
		discount, total := money(quote.Discount.Amount), money(quote.Discount.Total)
		resp.Discount, resp.Total = &discount, &total
	}
	writeJSON(w, http.StatusOK, resp)
}

type paymentRequest struct {
	OrderID    int64  `json:"order_id"`
	PaymentRef string `json:"payment_ref"`
	Reason     string `json:"reason,omitempty"`
}

// CompletePayment принимает подтверждение оплаты от проверенного вебхука платёжного шлюза.
func (h *Handler) CompletePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.ProcessPaymentCompletion(r.Context(), req.OrderID, req.PaymentRef)
	if err != nil {
		h.writeError(w, err, zap.Int64("orderID", req.OrderID))
		return
	}

	resp := newOrderResponse(res.Order, res.Credentials)
	resp.Replayed = res.Replayed
	writeJSON(w, http.StatusOK, resp)
}

// FailPayment фиксирует неуспешную оплату заказа.
func (h *Handler) FailPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.FailPayment(r.Context(), req.OrderID, req.Reason)
	if err != nil {
		h.writeError(w, err, zap.Int64("orderID", req.OrderID))
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(order, nil))
}

// RefundOrder переводит оплаченный заказ в refunded.
func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.RefundOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err, zap.Int64("orderID", orderID))
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(order, nil))
}

// RunJob возвращает обработчик ручного запуска фоновой задачи.
func (h *Handler) RunJob(job sweeper.Job) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if job == nil {
			http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
			return
		}

		report, err := job.Run(r.Context())
		if err != nil {
			h.logger.Error("manual job run failed", zap.String("job", job.Name()), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		h.logger.Info("manual job run finished",
			zap.String("job", job.Name()),
			zap.Int("scanned", report.Scanned),
			zap.Int("failed", len(report.Failures)),
		)
		writeJSON(w, http.StatusOK, report)
	}
}

func orderIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type errorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	PlanID    int64  `json:"plan_id,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available *int   `json:"available,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error, fields ...zap.Field) {
	var (
		shortage *model.InsufficientInventoryError
		rejected *model.CouponRejectedError
	)

	switch {
	case errors.As(err, &shortage):
		available := shortage.Available
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:     "insufficient inventory",
			PlanID:    shortage.PlanID,
			Requested: shortage.Requested,
			Available: &available,
		})
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:  "coupon rejected",
			Reason: string(rejected.Reason),
		})
	case errors.Is(err, model.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, model.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: http.StatusText(http.StatusNotFound)})
	case errors.Is(err, model.ErrInvalidStateTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, model.ErrConcurrencyConflict):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "concurrency conflict, retry"})
	default:
		h.logger.Error("request failed", append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
