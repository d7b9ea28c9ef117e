package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/shoplocal/payments-system/internal/middleware"
	"github.com/shoplocal/payments-system/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware платёжного сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Metrics)
	r.Use(custommiddleware.Logger(h.logger))

	r.Post("/api/webhooks/stripe", h.StripeWebhook)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/{orderID}", h.GetOrder)
			r.Post("/{orderID}/checkout", h.CreateOrderCheckout)
			r.Post("/{orderID}/refunds", h.CreateRefund)

			r.With(custommiddleware.RequireRole(model.RoleVendor, model.RoleAdmin)).
				Post("/{orderID}/fulfillment", h.UpdateFulfillment)
		})

		r.Route("/refunds", func(r chi.Router) {
			r.Get("/{refundID}", h.GetRefund)

			r.With(custommiddleware.RequireRole(model.RoleVendor, model.RoleAdmin)).
				Post("/{refundID}/respond", h.RespondToRefund)
		})

		r.Route("/disputes", func(r chi.Router) {
			r.Use(custommiddleware.RequireRole(model.RoleAdmin))

			r.Post("/", h.FileDispute)
			r.Get("/{disputeID}", h.GetDispute)
			r.Post("/{disputeID}/resolve", h.ResolveDispute)
		})

		r.Route("/vendor", func(r chi.Router) {
			r.Use(custommiddleware.RequireRole(model.RoleVendor))

			r.Get("/entitlement", h.GetEntitlement)
			r.Post("/products", h.CreateProduct)
			r.Post("/subscription/checkout", h.CreateSubscriptionCheckout)
			r.Post("/billing-portal", h.CreateBillingPortal)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
