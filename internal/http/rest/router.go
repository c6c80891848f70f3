package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/emby_downloader/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter mounts the status API, health check and metrics endpoint behind
// the request id, logging and telemetry middleware.
func NewRouter(status *StatusHandler, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", status.Routes())

	return otelhttp.NewHandler(r, "emby_downloader")
}
