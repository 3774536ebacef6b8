package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"sealer-key-service/internal/domain"
	"sealer-key-service/migrations"
)

// mockMigrationRepository はテスト用のモック。
type mockMigrationRepository struct {
	appliedMigrations map[string]*domain.Migration
	recordError       error
	ensureError       error
	ensureCalls       int
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{
		appliedMigrations: make(map[string]*domain.Migration),
	}
}

func (m *mockMigrationRepository) EnsureTable(ctx context.Context) error {
	m.ensureCalls++
	return m.ensureError
}

func (m *mockMigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var result []*domain.Migration
	for _, migration := range m.appliedMigrations {
		result = append(result, migration)
	}
	return result, nil
}

func (m *mockMigrationRepository) RecordMigration(ctx context.Context, tx *gorm.DB, version string) error {
	if m.recordError != nil {
		return m.recordError
	}
	now := time.Now()
	m.appliedMigrations[version] = &domain.Migration{
		Version:   version,
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}
	return nil
}

func (m *mockMigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	_, exists := m.appliedMigrations[version]
	return exists, nil
}

// testMigrations はテスト用のマイグレーションFSを返す。
func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"001_create_users.sql":    {Data: []byte("CREATE TABLE users (id INT);")},
		"002_create_posts.sql":    {Data: []byte("CREATE TABLE posts (id INT);")},
		"003_create_comments.sql": {Data: []byte("CREATE TABLE comments (id INT);")},
		"README.md":               {Data: []byte("not a migration")},
	}
}

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return db
}

func TestMigrationService_ApplyMigrations(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := newMockMigrationRepository()

	service := NewMigrationService(repo, db, testMigrations())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied, got %d", count)
	}
	if repo.ensureCalls != 1 {
		t.Errorf("expected EnsureTable to be called once, got %d", repo.ensureCalls)
	}

	// テーブルが作成されたか確認
	for _, table := range []string{"users", "posts", "comments"} {
		var n int64
		if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n).Error; err != nil {
			t.Errorf("failed to check table %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("table %s was not created", table)
		}
	}

	// 二度目は何も適用しない
	count, err = service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 migrations applied, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_AlreadyApplied(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()

	now := time.Now()
	for _, v := range []string{"001", "002"} {
		repo.appliedMigrations[v] = &domain.Migration{
			Version:   v,
			AppliedAt: &now,
			Status:    domain.MigrationStatusApplied,
		}
	}

	service := NewMigrationService(repo, setupTestDB(t), testMigrations())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	// 未適用のマイグレーションのみ実行される
	if count != 1 {
		t.Errorf("expected 1 migration applied, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_Error(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()

	files := testMigrations()
	files["004_invalid.sql"] = &fstest.MapFile{Data: []byte("INVALID SQL SYNTAX;")}
	service := NewMigrationService(repo, setupTestDB(t), files)

	count, err := service.ApplyMigrations(ctx)
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Errorf("expected ErrMigrationFailed, got %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied before failure, got %d", count)
	}
	if _, ok := repo.appliedMigrations["004"]; ok {
		t.Error("expected 004 not to be recorded")
	}
}

func TestMigrationService_ApplyMigrations_EnsureTableError(t *testing.T) {
	repo := newMockMigrationRepository()
	repo.ensureError = errors.New("permission denied")
	service := NewMigrationService(repo, setupTestDB(t), testMigrations())

	if _, err := service.ApplyMigrations(context.Background()); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestMigrationService_InvalidFileName(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
	}{
		{"no separator", fstest.MapFS{"init.sql": {Data: []byte("SELECT 1;")}}},
		{"empty name", fstest.MapFS{"001_.sql": {Data: []byte("SELECT 1;")}}},
		{"duplicate version", fstest.MapFS{
			"001_a.sql": {Data: []byte("SELECT 1;")},
			"001_b.sql": {Data: []byte("SELECT 1;")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewMigrationService(newMockMigrationRepository(), setupTestDB(t), tt.files)

			_, err := service.GetMigrationStatus(context.Background())
			if !errors.Is(err, domain.ErrInvalidMigrationFile) {
				t.Errorf("expected ErrInvalidMigrationFile, got %v", err)
			}
		})
	}
}

func TestMigrationService_GetMigrationStatus(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()

	now := time.Now()
	repo.appliedMigrations["001"] = &domain.Migration{
		Version:   "001",
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}

	service := NewMigrationService(repo, setupTestDB(t), testMigrations())

	migrations, err := service.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	// 001はapplied, 002と003はpending
	expectedStatuses := map[string]domain.MigrationStatus{
		"001": domain.MigrationStatusApplied,
		"002": domain.MigrationStatusPending,
		"003": domain.MigrationStatusPending,
	}
	for _, migration := range migrations {
		expectedStatus, exists := expectedStatuses[migration.Version]
		if !exists {
			t.Errorf("unexpected migration version: %s", migration.Version)
			continue
		}
		if migration.Status != expectedStatus {
			t.Errorf("migration %s: expected status %s, got %s", migration.Version, expectedStatus, migration.Status)
		}
	}
	if migrations[0].AppliedAt == nil {
		t.Error("expected AppliedAt for 001")
	}
}

func TestMigrationService_DirFS(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_create_users.sql"), []byte("CREATE TABLE users (id INT);"), 0644); err != nil {
		t.Fatalf("failed to create test migration file: %v", err)
	}

	service := NewMigrationService(newMockMigrationRepository(), setupTestDB(t), os.DirFS(dir))
	count, err := service.ApplyMigrations(context.Background())
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration applied, got %d", count)
	}
}

func TestMigrationService_EmbeddedMigrations(t *testing.T) {
	service := NewMigrationService(newMockMigrationRepository(), setupTestDB(t), migrations.FS)

	status, err := service.GetMigrationStatus(context.Background())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(status) != 2 {
		t.Fatalf("expected 2 embedded migrations, got %d", len(status))
	}
	if status[0].Name != "create_key_events" {
		t.Errorf("expected first migration create_key_events, got %s", status[0].Name)
	}
}
