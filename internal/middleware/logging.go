// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// WriteAuditLog は鍵操作の監査ログを出力する。鍵素材は出力しない。
func WriteAuditLog(ctx context.Context, operation string, version string, result string) {
	slog.InfoContext(ctx, "key operation completed",
		"operation", operation,
		"version", version,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
