// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sealer-key-service/internal/domain"
)

// DefaultEventLimit はFindRecentの既定取得件数。
const DefaultEventLimit = 20

// MaxEventLimit はFindRecentの最大取得件数。
const MaxEventLimit = 500

// KeyEventModel はgorm用のモデル定義。鍵素材は保存しない。
type KeyEventModel struct {
	ID              string    `gorm:"type:char(36);primaryKey"`
	SecretID        string    `gorm:"type:varchar(512);not null;index:idx_secret_created,priority:1"`
	Version         string    `gorm:"type:varchar(64);not null"`
	PreviousVersion string    `gorm:"type:varchar(64);not null;default:''"`
	EventType       string    `gorm:"type:varchar(32);not null"`
	CreatedAt       time.Time `gorm:"type:datetime(6);not null;autoCreateTime;index:idx_secret_created,priority:2"`
}

// TableName はテーブル名を返す。
func (KeyEventModel) TableName() string {
	return "key_events"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (e *KeyEventModel) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

func (e *KeyEventModel) toDomain() *domain.KeyEvent {
	return &domain.KeyEvent{
		ID:              e.ID,
		SecretID:        e.SecretID,
		Version:         e.Version,
		PreviousVersion: e.PreviousVersion,
		Type:            domain.KeyEventType(e.EventType),
		CreatedAt:       e.CreatedAt,
	}
}

// KeyEventRepository はデフォルト鍵の採用履歴を管理する。
type KeyEventRepository struct {
	db *gorm.DB
}

// NewKeyEventRepository は新しいKeyEventRepositoryを生成する。
func NewKeyEventRepository(db *gorm.DB) *KeyEventRepository {
	return &KeyEventRepository{db: db}
}

// Create は採用履歴を保存する。
func (r *KeyEventRepository) Create(ctx context.Context, event *domain.KeyEvent) error {
	model := &KeyEventModel{
		ID:              event.ID,
		SecretID:        event.SecretID,
		Version:         event.Version,
		PreviousVersion: event.PreviousVersion,
		EventType:       string(event.Type),
		CreatedAt:       event.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key event",
			"operation", "create_key_event",
			"secret_id", event.SecretID,
			"version", event.Version,
			"error", err,
		)
		return err
	}
	event.ID = model.ID
	event.CreatedAt = model.CreatedAt
	return nil
}

// FindRecent は指定されたシークレットの採用履歴を新しい順に取得する。
// limitが0以下の場合はDefaultEventLimit、MaxEventLimitを超える場合はMaxEventLimitを使う。
func (r *KeyEventRepository) FindRecent(ctx context.Context, secretID string, limit int) ([]*domain.KeyEvent, error) {
	switch {
	case limit <= 0:
		limit = DefaultEventLimit
	case limit > MaxEventLimit:
		limit = MaxEventLimit
	}

	var models []KeyEventModel
	err := r.db.WithContext(ctx).
		Where("secret_id = ?", secretID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find recent key events",
			"operation", "find_recent_key_events",
			"secret_id", secretID,
			"error", err,
		)
		return nil, err
	}

	events := make([]*domain.KeyEvent, len(models))
	for i := range models {
		events[i] = models[i].toDomain()
	}
	return events, nil
}
