// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"sealer-key-service/config"
	"sealer-key-service/internal/handler"
	"sealer-key-service/internal/infra"
	"sealer-key-service/internal/repository"
	"sealer-key-service/internal/usecase"
	"sealer-key-service/migrations"
)

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

// run はサーバーを起動し、停止するまでブロックする。
// deferした後処理を確実に実行するため、終了コードはmainで決める。
func run(ctx context.Context) error {
	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, infra.ParseLevel(cfg.LogLevel))

	// シークレット取得元
	smClient, err := infra.NewSecretsManagerClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init Secrets Manager client: %w", err)
	}
	var fetcher usecase.SecretFetcher = infra.NewSecretsManagerFetcher(smClient)

	// KMS_KEY_NAMEが設定されている場合は鍵素材をCloud KMSで復号する
	if cfg.KMSKeyName != "" {
		kmsClient, err := infra.NewKMSClient(ctx)
		if err != nil {
			return fmt.Errorf("init KMS client: %w", err)
		}
		defer func() {
			if closeErr := kmsClient.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		fetcher = infra.NewKMSUnwrapper(fetcher, kmsClient, cfg.KMSKeyName)
	}

	// 採用履歴（DATABASE_URLが設定されている場合のみ）
	var cacheOpts []usecase.CacheOption
	var events handler.KeyEventLister
	if cfg.LedgerEnabled() {
		db, err := infra.NewDB(cfg.DatabaseURL, cfg)
		if err != nil {
			return fmt.Errorf("init database: %w", err)
		}
		migrationService := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, migrations.Source(cfg.MigrationsDir))
		if _, err := migrationService.ApplyMigrations(ctx); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		eventRepo := repository.NewKeyEventRepository(db)
		cacheOpts = append(cacheOpts, usecase.WithEventRecorder(eventRepo))
		events = eventRepo
	}

	// デフォルト鍵をロード
	cache := usecase.NewKeyCache(fetcher, usecase.CacheConfig{
		SecretID:        cfg.SecretID,
		RefreshInterval: cfg.RefreshInterval,
	}, cacheOpts...)
	if err := cache.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize key cache: %w", err)
	}
	defer cache.Shutdown()

	// DI
	h := handler.NewKeyHandler(cache, events, cfg.SecretID)
	router := handler.NewRouter(h, cfg)

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port, "secret_id", cfg.SecretID)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	slog.Info("server stopped")
	return nil
}
