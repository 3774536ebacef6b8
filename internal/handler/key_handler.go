// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"sealer-key-service/internal/domain"
	"sealer-key-service/internal/middleware"
	"sealer-key-service/internal/usecase"
	"sealer-key-service/pkg/httputil"
)

// KeyEventLister は採用履歴を取得するインターフェース。
type KeyEventLister interface {
	FindRecent(ctx context.Context, secretID string, limit int) ([]*domain.KeyEvent, error)
}

// KeyHandler はHTTPハンドラを提供する。
type KeyHandler struct {
	cache    *usecase.KeyCache
	events   KeyEventLister
	secretID string
}

// NewKeyHandler は新しいKeyHandlerを生成する。eventsがnilの場合は履歴APIを無効にする。
func NewKeyHandler(cache *usecase.KeyCache, events KeyEventLister, secretID string) *KeyHandler {
	return &KeyHandler{
		cache:    cache,
		events:   events,
		secretID: secretID,
	}
}

// KeyResponse は鍵のレスポンス形式。
type KeyResponse struct {
	Version   string `json:"version"`
	Algorithm string `json:"algorithm"`
	Key       string `json:"key"`
}

// RefreshResponse は更新後のデフォルト鍵バージョン。
type RefreshResponse struct {
	Version string `json:"version"`
}

// KeyEventResponse は採用履歴のレスポンス形式。
type KeyEventResponse struct {
	ID              string `json:"id"`
	SecretID        string `json:"secret_id"`
	Version         string `json:"version"`
	PreviousVersion string `json:"previous_version,omitempty"`
	Type            string `json:"type"`
	CreatedAt       string `json:"created_at"`
}

// KeyEventListResponse は採用履歴一覧のレスポンス形式。
type KeyEventListResponse struct {
	Events []KeyEventResponse `json:"events"`
}

// HealthResponse はヘルスチェックのレスポンス形式。
type HealthResponse struct {
	Status string `json:"status"`
}

func toKeyResponse(key domain.SealerKey) KeyResponse {
	return KeyResponse{
		Version:   key.Version,
		Algorithm: key.Algorithm,
		Key:       base64.StdEncoding.EncodeToString(key.Material),
	}
}

// writeKeyError はKeyCacheのエラーをHTTPレスポンスに変換する。
func writeKeyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidVersionID):
		httputil.Error(w, http.StatusBadRequest, "INVALID_VERSION_ID", "version id must be 32 to 64 characters")
	case errors.Is(err, domain.ErrKeyNotFound):
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found for this version")
	case errors.Is(err, domain.ErrNoKeyLoaded):
		httputil.Error(w, http.StatusServiceUnavailable, "NO_KEY_LOADED", "default key is not loaded")
	case errors.Is(err, domain.ErrKeyUnavailable):
		httputil.Error(w, http.StatusServiceUnavailable, "KEY_UNAVAILABLE", "latest key version is unavailable")
	case errors.Is(err, domain.ErrCacheClosed):
		httputil.Error(w, http.StatusServiceUnavailable, "CACHE_CLOSED", "key cache is shut down")
	case errors.Is(err, domain.ErrRemoteUnavailable):
		httputil.Error(w, http.StatusBadGateway, "REMOTE_UNAVAILABLE", "secret store is unavailable")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// GetDefaultKey は現在のデフォルト鍵を返す。
func (h *KeyHandler) GetDefaultKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.cache.GetDefault()
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "GET_DEFAULT_KEY", "", "FAILED")
		writeKeyError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "GET_DEFAULT_KEY", key.Version, "SUCCESS")
	httputil.JSON(w, http.StatusOK, toKeyResponse(key))
}

// GetKeyByVersion は指定バージョンの鍵を返す。
func (h *KeyHandler) GetKeyByVersion(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")

	key, err := h.cache.GetKey(r.Context(), version)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "GET_KEY", version, "FAILED")
		writeKeyError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "GET_KEY", version, "SUCCESS")
	httputil.JSON(w, http.StatusOK, toKeyResponse(key))
}

// RefreshKey はデフォルト鍵の更新を即時に行う。
func (h *KeyHandler) RefreshKey(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Refresh(r.Context()); err != nil {
		middleware.WriteAuditLog(r.Context(), "REFRESH_KEY", "", "FAILED")
		writeKeyError(w, err)
		return
	}

	key, err := h.cache.GetDefault()
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "REFRESH_KEY", "", "FAILED")
		writeKeyError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "REFRESH_KEY", key.Version, "SUCCESS")
	httputil.JSON(w, http.StatusOK, RefreshResponse{Version: key.Version})
}

// ListKeyEvents はデフォルト鍵の採用履歴を新しい順に返す。
func (h *KeyHandler) ListKeyEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		httputil.Error(w, http.StatusNotFound, "LEDGER_DISABLED", "key event ledger is not configured")
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			httputil.Error(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := h.events.FindRecent(r.Context(), h.secretID, limit)
	if err != nil {
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	resp := KeyEventListResponse{Events: make([]KeyEventResponse, len(events))}
	for i, e := range events {
		resp.Events[i] = KeyEventResponse{
			ID:              e.ID,
			SecretID:        e.SecretID,
			Version:         e.Version,
			PreviousVersion: e.PreviousVersion,
			Type:            string(e.Type),
			CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// Health はデフォルト鍵がロード済みであれば200を返す。
func (h *KeyHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.cache.IsKeyLoaded() {
		httputil.JSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	httputil.JSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
