package storage

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *Storage {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	if err := db.AutoMigrate(&DownloadRecord{}, &AppSetting{}); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return &Storage{DB: db}
}

func TestRecordCRUD(t *testing.T) {
	s := setupTestDB(t)

	rec := DownloadRecord{
		ID:       "task-1",
		URL:      "https://maps.nyase.ru/d/c5m1.zip",
		Filename: "c5m1.zip",
		Status:   "completed",
		FileSize: 1048576,
	}
	if err := s.SaveRecord(rec); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	records, err := s.GetRecords()
	if err != nil {
		t.Fatalf("GetRecords failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].ID != "task-1" || records[0].Status != "completed" {
		t.Errorf("unexpected record: %+v", records[0])
	}
	if records[0].CreatedAt == "" || records[0].UpdatedAt == "" {
		t.Error("timestamps must be filled on save")
	}

	// Saving again updates instead of duplicating.
	rec.Status = "failed"
	if err := s.SaveRecord(rec); err != nil {
		t.Fatalf("SaveRecord update failed: %v", err)
	}
	records, _ = s.GetRecords()
	if len(records) != 1 {
		t.Fatalf("expected 1 record after update, got %d", len(records))
	}
	if records[0].Status != "failed" {
		t.Errorf("expected updated status 'failed', got %q", records[0].Status)
	}

	if err := s.DeleteRecord("task-1"); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	records, _ = s.GetRecords()
	if len(records) != 0 {
		t.Errorf("expected 0 records after delete, got %d", len(records))
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := setupTestDB(t)

	if _, err := s.GetString("missing"); err == nil {
		t.Error("expected error for missing setting")
	}

	if err := s.SetString("extract_dir", `C:\L4D2\addons`); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}
	val, err := s.GetString("extract_dir")
	if err != nil {
		t.Fatalf("GetString failed: %v", err)
	}
	if val != `C:\L4D2\addons` {
		t.Errorf("unexpected value: %q", val)
	}

	// Overwrite
	if err := s.SetString("extract_dir", "/tmp/addons"); err != nil {
		t.Fatalf("SetString overwrite failed: %v", err)
	}
	val, _ = s.GetString("extract_dir")
	if val != "/tmp/addons" {
		t.Errorf("expected overwritten value, got %q", val)
	}
}
