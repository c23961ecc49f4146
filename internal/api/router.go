package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/alessandro-massarenti/D-LAN/internal/api/handlers"
	"github.com/alessandro-massarenti/D-LAN/internal/api/middleware"
	"github.com/alessandro-massarenti/D-LAN/internal/config"
	"github.com/alessandro-massarenti/D-LAN/internal/download"
)

// NewRouter builds the control-client surface of the download core.
func NewRouter(cfg *config.Config, log zerolog.Logger, dm *download.Manager) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recoverer(log))
	r.Use(middleware.Metrics)
	r.Use(middleware.RateLimiter(cfg.RateLimit))
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handlers.Health())
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", handlers.ListDownloads(dm))
		r.Post("/", handlers.AddDownload(dm))
		r.Post("/pause", handlers.PauseDownloads(dm, true))
		r.Post("/unpause", handlers.PauseDownloads(dm, false))
		r.Post("/remove", handlers.RemoveDownloads(dm))
	})

	r.Get("/rate", handlers.GetDownloadRate(dm))
	r.Post("/refresh", handlers.RefreshQueue(dm))

	return r
}

// NewServer wraps the router into an HTTP server listening on the
// configured port.
func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}
}
