package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/box-redemption/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса выкупа.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/submit-redemption", h.SubmitRedemption)
		r.Post("/create-order", h.CreateOrder)
		r.Post("/order-history", h.OrderHistory)
	})

	// пути прежних serverless-функций, их вызывает уже развёрнутый фронтенд
	r.Route("/.netlify/functions", func(r chi.Router) {
		r.Post("/submission-created", h.SubmitRedemption)
		r.Post("/createOrder", h.CreateOrder)
		r.Post("/getEntries", h.OrderHistory)
	})

	r.Get("/healthz", h.Health)

	if h.metrics != nil {
		r.With(h.metricsAuth.Middleware).Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
