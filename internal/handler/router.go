package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/pinkpass/internal/middleware"
	"github.com/mmeshcher/pinkpass/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/cashfree", h.Webhook(model.GatewayCashfree))
		r.Post("/webhooks/razorpay", h.Webhook(model.GatewayRazorpay))

		r.Post("/orders/{gateway}", h.CreateOrder)
		r.Get("/orders/{orderID}", h.GetOrderStatus)

		r.Route("/admin", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(h.auth.RequireAdmin)

				r.Get("/summary", h.Summary)
				r.Get("/orders/{orderID}", h.GetOrder)
				r.Post("/orders/{orderID}/resend", h.Resend)
				r.Post("/orders/{orderID}/reissue", h.Reissue)
				r.Post("/token", h.IssueToken)
			})

			r.Group(func(r chi.Router) {
				r.Use(h.auth.RequireStaff)

				r.Post("/checkin", h.CheckIn)
				r.Get("/checkins", h.CheckIns)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	})

	return r
}
