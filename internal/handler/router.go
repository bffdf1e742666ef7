package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/vouchermart/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса vouchermart.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.Decompress)
	r.Use(chimw.Compress(5, "application/json", "text/plain"))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/orders", h.CreateOrder)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/coupons/validate", h.ValidateCoupon)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(custommiddleware.RequireToken(h.ops.Token))

		r.Post("/payments/complete", h.CompletePayment)
		r.Post("/payments/fail", h.FailPayment)
		r.Post("/orders/{id}/refund", h.RefundOrder)

		r.Post("/ops/reap", h.RunJob(h.ops.Reaper))
		r.Post("/ops/reconcile", h.RunJob(h.ops.Scanner))
	})

	if h.ops.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.ops.Metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
