package dashboard

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes 挂载看板接口
func Routes(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/metrics", h.withFilter(h.GetMetrics))
		r.Get("/filters", h.GetFilterOptions)
		r.Get("/report", h.GetReport)
		r.Get("/overview", h.GetOverview)
		r.Get("/logs", h.StreamLogs)
		r.Post("/upload", h.Upload)

		r.Route("/charts", func(r chi.Router) {
			r.Get("/top-zones", h.withFilter(h.GetTopZones))
			r.Get("/fare-by-hour", h.withFilter(h.GetFareByHour))
			r.Get("/distance", h.withFilter(h.GetDistance))
			r.Get("/payments", h.withFilter(h.GetPayments))
			r.Get("/heatmap", h.withFilter(h.GetHeatmap))
		})
	})

	return r
}
