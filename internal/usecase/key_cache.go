// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/singleflight"

	"sealer-key-service/internal/domain"
	"sealer-key-service/internal/scheduler"
)

// DefaultRefreshInterval はデフォルト鍵の更新確認間隔の既定値。
const DefaultRefreshInterval = 15 * time.Minute

var errNotInitialized = fmt.Errorf("%w: key cache is not initialized", domain.ErrNoKeyLoaded)

// SecretFetcher はシークレットストアから鍵レコードを取得するインターフェース。
// レコードが存在しない場合は (nil, nil) を返す。
type SecretFetcher interface {
	FetchLatest(ctx context.Context, secretID string) (*domain.RemoteSecret, error)
	FetchVersion(ctx context.Context, secretID, version string) (*domain.RemoteSecret, error)
}

// KeyEventRecorder はデフォルト鍵の採用履歴を記録するインターフェース。
type KeyEventRecorder interface {
	Create(ctx context.Context, event *domain.KeyEvent) error
}

// CacheConfig はKeyCacheの設定。Initialize後は変更できない。
type CacheConfig struct {
	SecretID string
	// RefreshInterval が0の場合は定期更新を行わない。
	RefreshInterval time.Duration
	// Scheduler が nil の場合はKeyCacheが内部でTickerを生成し、Shutdownで停止する。
	Scheduler scheduler.Scheduler
}

// CacheOption はKeyCacheの任意設定。
type CacheOption func(*KeyCache)

// WithEventRecorder は採用履歴の記録先を設定する。
func WithEventRecorder(r KeyEventRecorder) CacheOption {
	return func(c *KeyCache) {
		c.events = r
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) CacheOption {
	return func(c *KeyCache) {
		c.logger = l
	}
}

// WithMeter はメトリクスの送信先を設定する。
func WithMeter(m metric.Meter) CacheOption {
	return func(c *KeyCache) {
		c.meter = m
	}
}

// KeyCache は現在のデフォルト鍵を保持し、バージョン指定の鍵取得を提供する。
type KeyCache struct {
	fetcher SecretFetcher
	events  KeyEventRecorder
	logger  *slog.Logger
	meter   metric.Meter

	refreshes metric.Int64Counter
	lookups   metric.Int64Counter

	// lifecycle はcfgとスケジュール状態を保護する。mu とは同時に保持しない。
	lifecycle   sync.Mutex
	cfg         CacheConfig
	initialized bool
	sched       scheduler.Scheduler
	ownsSched   bool
	taskID      scheduler.TaskID
	scheduled   bool

	// secret は有効なシークレットIDのスナップショット。更新処理はlifecycleを取らずに読む。
	secret atomic.Value
	closed atomic.Bool
	// ready はInitializeが成功した後にtrueになる。
	ready  atomic.Bool
	single singleflight.Group

	// mu はcurrentのみを保護する。バージョンと鍵は同じポインタで一緒に差し替える。
	mu      sync.RWMutex
	current *domain.SealerKey
}

// NewKeyCache は新しいKeyCacheを生成する。鍵のロードはInitializeで行う。
func NewKeyCache(fetcher SecretFetcher, cfg CacheConfig, opts ...CacheOption) *KeyCache {
	c := &KeyCache{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  slog.Default(),
		meter:   otel.Meter("sealer-key-service/usecase"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.secret.Store(strings.TrimSpace(cfg.SecretID))
	c.refreshes = newCounter(c.meter, "sealer_key.refreshes", "Default key refresh attempts by result.")
	c.lookups = newCounter(c.meter, "sealer_key.lookups", "Versioned key lookups by source.")
	return c
}

func newCounter(m metric.Meter, name, desc string) metric.Int64Counter {
	counter, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return counter
}

// Configure は設定を差し替える。Initialize後はErrConfigurationを返す。
func (c *KeyCache) Configure(cfg CacheConfig) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.initialized || c.closed.Load() {
		return fmt.Errorf("%w: key cache is already initialized", domain.ErrConfiguration)
	}
	c.cfg = cfg
	c.secret.Store(strings.TrimSpace(cfg.SecretID))
	return nil
}

// Initialize は設定を検証し、デフォルト鍵を同期的にロードする。
// RefreshIntervalが正の場合は1インターバル経過後から定期更新を開始する。
func (c *KeyCache) Initialize(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("%w: key cache has been shut down", domain.ErrConfiguration)
	}
	if c.initialized {
		return fmt.Errorf("%w: key cache is already initialized", domain.ErrConfiguration)
	}

	c.cfg.SecretID = strings.TrimSpace(c.cfg.SecretID)
	if c.cfg.SecretID == "" {
		return fmt.Errorf("%w: secret id must not be empty", domain.ErrConfiguration)
	}
	if c.cfg.RefreshInterval < 0 {
		return fmt.Errorf("%w: refresh interval must not be negative, got %s", domain.ErrConfiguration, c.cfg.RefreshInterval)
	}
	if c.fetcher == nil {
		return fmt.Errorf("%w: secret fetcher is nil", domain.ErrConfiguration)
	}

	secretID := c.cfg.SecretID
	if err := c.refresh(ctx, secretID); err != nil {
		c.clear()
		c.logger.ErrorContext(ctx, "failed to load default key",
			"operation", "initialize",
			"secret_id", secretID,
			"error", err,
		)
		return fmt.Errorf("%w: loading default key: %w", domain.ErrInitialization, err)
	}

	if c.cfg.RefreshInterval > 0 {
		sched := c.cfg.Scheduler
		owns := false
		if sched == nil {
			sched = scheduler.NewTicker(scheduler.WithLogger(c.logger))
			owns = true
		}
		id, err := sched.Schedule(c.cfg.RefreshInterval, c.scheduledRefresh(secretID))
		if err != nil {
			if owns {
				sched.(*scheduler.Ticker).Stop()
			}
			c.clear()
			return fmt.Errorf("%w: scheduling refresh: %w", domain.ErrInitialization, err)
		}
		c.sched = sched
		c.ownsSched = owns
		c.taskID = id
		c.scheduled = true
	}

	c.initialized = true
	c.ready.Store(true)
	c.logger.InfoContext(ctx, "key cache initialized",
		"operation", "initialize",
		"secret_id", secretID,
		"refresh_interval", c.cfg.RefreshInterval.String(),
	)
	return nil
}

// scheduledRefresh は定期更新タスクを返す。エラーは記録して握りつぶす。
func (c *KeyCache) scheduledRefresh(secretID string) scheduler.Task {
	return func(ctx context.Context) {
		if err := c.refresh(ctx, secretID); err != nil {
			c.logger.WarnContext(ctx, "scheduled key refresh failed",
				"operation", "scheduled_refresh",
				"secret_id", secretID,
				"error", err,
			)
		}
	}
}

// GetDefault は現在のデフォルト鍵を返す。
func (c *KeyCache) GetDefault() (domain.SealerKey, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return domain.SealerKey{}, domain.ErrNoKeyLoaded
	}
	return c.current.Clone(), nil
}

// GetKey は指定されたバージョンの鍵を返す。
// キャッシュ中のバージョンであればシークレットストアには問い合わせない。
// 取得した鍵はデフォルト鍵としてキャッシュしない。
func (c *KeyCache) GetKey(ctx context.Context, version string) (domain.SealerKey, error) {
	if !domain.ValidVersionID(version) {
		return domain.SealerKey{}, fmt.Errorf("%w: length %d outside [%d, %d]",
			domain.ErrInvalidVersionID, utf8.RuneCountInString(version), domain.MinVersionIDLength, domain.MaxVersionIDLength)
	}

	c.mu.RLock()
	if c.current != nil && c.current.Version == version {
		key := c.current.Clone()
		c.mu.RUnlock()
		c.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", "cache")))
		return key, nil
	}
	c.mu.RUnlock()

	if c.closed.Load() {
		return domain.SealerKey{}, domain.ErrCacheClosed
	}
	if !c.ready.Load() {
		return domain.SealerKey{}, errNotInitialized
	}
	if c.fetcher == nil {
		return domain.SealerKey{}, fmt.Errorf("%w: secret fetcher is nil", domain.ErrConfiguration)
	}
	secretID := c.secretID()

	c.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", "remote")))
	secret, err := c.fetcher.FetchVersion(ctx, secretID, version)
	if err != nil {
		return domain.SealerKey{}, fmt.Errorf("fetching version %s: %w", version, err)
	}
	if secret == nil || secret.Retired() {
		c.logger.WarnContext(ctx, "key with specified version not found",
			"operation", "get_key",
			"secret_id", secretID,
			"version", version,
		)
		return domain.SealerKey{}, fmt.Errorf("%w: version %s", domain.ErrKeyNotFound, version)
	}

	c.logger.InfoContext(ctx, "retrieved key by version",
		"operation", "get_key",
		"version", version,
	)
	return domain.NewSealerKey(version, secret.Material).Clone(), nil
}

// Refresh はシークレットストアの最新バージョンを確認し、変わっていれば差し替える。
// 同時に呼ばれた場合は1回の取得を共有する。Initialize前はErrNoKeyLoadedを返す。
func (c *KeyCache) Refresh(ctx context.Context) error {
	if c.closed.Load() {
		return domain.ErrCacheClosed
	}
	if !c.ready.Load() {
		return errNotInitialized
	}
	secretID := c.secretID()
	if secretID == "" || c.fetcher == nil {
		return fmt.Errorf("%w: secret id and fetcher are required", domain.ErrConfiguration)
	}
	return c.refresh(ctx, secretID)
}

func (c *KeyCache) secretID() string {
	id, _ := c.secret.Load().(string)
	return id
}

func (c *KeyCache) refresh(ctx context.Context, secretID string) error {
	_, err, _ := c.single.Do(secretID, func() (interface{}, error) {
		return nil, c.doRefresh(ctx, secretID)
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	return err
}

func (c *KeyCache) doRefresh(ctx context.Context, secretID string) error {
	latest, err := c.fetcher.FetchLatest(ctx, secretID)
	if err != nil {
		return fmt.Errorf("fetching latest key: %w", err)
	}
	if latest == nil {
		return fmt.Errorf("%w: secret %s has no current version", domain.ErrKeyUnavailable, secretID)
	}

	event, err := c.install(ctx, latest)
	if err != nil || event == nil {
		return err
	}
	event.SecretID = secretID
	c.record(ctx, event)
	return nil
}

// install は比較と差し替えをmuの中で行う。変更がなければ nil イベントを返す。
func (c *KeyCache) install(ctx context.Context, latest *domain.RemoteSecret) (*domain.KeyEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, domain.ErrCacheClosed
	}

	prev := ""
	if c.current != nil {
		prev = c.current.Version
	}

	switch {
	case prev == "":
		c.logger.InfoContext(ctx, "loading initial default key", "version", latest.Version)
	case prev != latest.Version:
		c.logger.InfoContext(ctx, "updating default key", "from", prev, "to", latest.Version)
	default:
		c.logger.DebugContext(ctx, "default key version has not changed", "version", prev)
		return nil, nil
	}

	if latest.Retired() {
		c.logger.ErrorContext(ctx, "latest key version is retired",
			"operation", "refresh",
			"version", latest.Version,
		)
		return nil, fmt.Errorf("%w: version %s has no stage labels", domain.ErrKeyUnavailable, latest.Version)
	}

	c.current = domain.NewSealerKey(latest.Version, latest.Material)

	eventType := domain.KeyEventRotated
	if prev == "" {
		eventType = domain.KeyEventInitialLoad
	}
	return &domain.KeyEvent{
		ID:              uuid.New().String(),
		Version:         latest.Version,
		PreviousVersion: prev,
		Type:            eventType,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// record は採用履歴を記録する。失敗してもキャッシュには影響しない。
func (c *KeyCache) record(ctx context.Context, event *domain.KeyEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.Create(ctx, event); err != nil {
		c.logger.WarnContext(ctx, "failed to record key event",
			"operation", "record_key_event",
			"version", event.Version,
			"error", err,
		)
	}
}

// Shutdown は定期更新を取り消し、キャッシュを破棄する。
// 外部から渡されたSchedulerは停止しない。
func (c *KeyCache) Shutdown() {
	c.lifecycle.Lock()
	if c.closed.Swap(true) {
		c.lifecycle.Unlock()
		return
	}
	sched, owns, id, scheduled := c.sched, c.ownsSched, c.taskID, c.scheduled
	c.sched = nil
	c.scheduled = false
	c.lifecycle.Unlock()

	// 実行中の更新を待つため、lifecycleを保持せずに取り消す
	if scheduled {
		sched.Cancel(id)
		if owns {
			if t, ok := sched.(*scheduler.Ticker); ok {
				t.Stop()
			}
		}
	}
	c.clear()
	c.logger.Info("key cache shut down")
}

func (c *KeyCache) clear() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// IsKeyLoaded はデフォルト鍵がロード済みかを返す。
func (c *KeyCache) IsKeyLoaded() bool {
	_, err := c.GetDefault()
	return !errors.Is(err, domain.ErrNoKeyLoaded)
}
