package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"sealer-key-service/internal/domain"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// key_eventsテーブルを作成（SQLite用に型を変換）
	sql := `
		CREATE TABLE key_events (
			id TEXT PRIMARY KEY,
			secret_id TEXT NOT NULL,
			version TEXT NOT NULL,
			previous_version TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX idx_secret_created ON key_events(secret_id, created_at);
	`
	if err := db.Exec(sql).Error; err != nil {
		t.Fatalf("failed to create key_events table: %v", err)
	}

	return db
}

func TestKeyEventRepository_Create(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEventRepository(db)

	event := &domain.KeyEvent{
		SecretID: "sealer-key",
		Version:  "v1",
		Type:     domain.KeyEventInitialLoad,
	}
	if err := repo.Create(ctx, event); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// UUID自動生成を確認
	if event.ID == "" {
		t.Error("expected ID to be generated, got empty")
	}
	if event.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set, got zero value")
	}

	var count int64
	if err := db.Model(&KeyEventModel{}).Where("secret_id = ?", "sealer-key").Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestKeyEventRepository_Create_KeepsGivenID(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyEventRepository(setupTestDB(t))

	event := &domain.KeyEvent{
		ID:              "11111111-1111-1111-1111-111111111111",
		SecretID:        "sealer-key",
		Version:         "v2",
		PreviousVersion: "v1",
		Type:            domain.KeyEventRotated,
		CreatedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := repo.Create(ctx, event); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if event.ID != "11111111-1111-1111-1111-111111111111" {
		t.Errorf("expected ID to be kept, got %s", event.ID)
	}

	events, err := repo.FindRecent(ctx, "sealer-key", 10)
	if err != nil {
		t.Fatalf("FindRecent failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	got := events[0]
	if got.PreviousVersion != "v1" || got.Type != domain.KeyEventRotated {
		t.Errorf("expected rotated from v1, got %s from %q", got.Type, got.PreviousVersion)
	}
}

func TestKeyEventRepository_FindRecent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyEventRepository(db)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		event := &domain.KeyEvent{
			SecretID:  "sealer-key",
			Version:   fmt.Sprintf("v%d", i),
			Type:      domain.KeyEventRotated,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Create(ctx, event); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	other := &domain.KeyEvent{SecretID: "other-key", Version: "x1", Type: domain.KeyEventInitialLoad, CreatedAt: base}
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// 新しい順に件数制限付きで返す
	events, err := repo.FindRecent(ctx, "sealer-key", 3)
	if err != nil {
		t.Fatalf("FindRecent failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, want := range []string{"v5", "v4", "v3"} {
		if events[i].Version != want {
			t.Errorf("expected events[%d].Version=%s, got %s", i, want, events[i].Version)
		}
	}

	// limitが0以下なら既定件数
	events, err = repo.FindRecent(ctx, "sealer-key", 0)
	if err != nil {
		t.Fatalf("FindRecent failed: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("expected 5 events, got %d", len(events))
	}

	// 履歴がない場合は空
	events, err = repo.FindRecent(ctx, "missing-key", 10)
	if err != nil {
		t.Fatalf("FindRecent failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}
