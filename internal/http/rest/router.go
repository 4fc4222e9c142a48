package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/smartcam_backup/internal/telemetry"
)

// NewRouter wires the OAuth callback, status, health and metrics endpoints.
func NewRouter(tel *telemetry.Telemetry, status *StatusHandler, authCallback http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(tel.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())

	if authCallback != nil {
		r.Get("/auth", authCallback)
	}

	r.Mount("/status", status.Routes())

	return r
}
