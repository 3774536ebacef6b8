package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sealer-key-service/config"
)

// NewRouter はルーターを生成する。OTel有効時はotelhttpでラップする。
func NewRouter(h *KeyHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Get("/healthz", h.Health)

	// ルート定義
	r.Route("/v1/keys", func(r chi.Router) {
		r.Get("/default", h.GetDefaultKey)
		r.Post("/refresh", h.RefreshKey)
		r.Get("/events", h.ListKeyEvents)
		r.Get("/{version}", h.GetKeyByVersion)
	})

	if cfg != nil && cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName)
	}
	return r
}
