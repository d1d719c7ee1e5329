package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/orderflow/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRequestBodySize = 1 << 20 // 1MB

type RouterConfig struct {
	Checkout       *CheckoutHandler
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxRequestBodySize))
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware(cfg.Metrics))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	h := cfg.Checkout
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/checkout", func(r chi.Router) {
			r.Post("/", h.Start)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", h.Get)
				r.Post("/contact-step", h.ProceedToContact)
				r.Post("/contact", h.SubmitContact)
				r.Post("/quote", h.RequestQuote)
				r.Post("/payment-step", h.ProceedToPayment)
				r.Put("/tip", h.SetTip)
				r.Post("/gift-card", h.ApplyGiftCard)
				r.Delete("/gift-card", h.RemoveGiftCard)
				r.Post("/payment-intent", h.PreparePayment)
				r.Post("/complete", h.Complete)
				r.Post("/abandon", h.Abandon)
			})
		})
		r.Get("/addresses/suggestions", h.SuggestAddresses)
		r.Get("/orders/{order_id}", h.GetOrder)
	})

	return r
}
