package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Storage struct {
	DB *gorm.DB
}

func NewStorage() (*Storage, error) {
	appData, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	dbDir := filepath.Join(appData, "NyaserMapsDownloader")
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(dbDir, "data.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")

	if err := db.AutoMigrate(&DownloadRecord{}, &AppSetting{}); err != nil {
		return nil, err
	}

	return &Storage{DB: db}, nil
}

func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRecord inserts or updates a download history row.
func (s *Storage) SaveRecord(rec DownloadRecord) error {
	now := time.Now().Format(time.RFC3339)
	rec.UpdatedAt = now
	if rec.CreatedAt == "" {
		rec.CreatedAt = now
	}
	return s.DB.Save(&rec).Error
}

// GetRecords returns the download history, newest first.
func (s *Storage) GetRecords() ([]DownloadRecord, error) {
	var records []DownloadRecord
	err := s.DB.Order("created_at desc").Find(&records).Error
	return records, err
}

func (s *Storage) DeleteRecord(id string) error {
	return s.DB.Delete(&DownloadRecord{}, "id = ?", id).Error
}

// GetString reads a setting value; missing keys return an error.
func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	if err := s.DB.First(&setting, "key = ?", key).Error; err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (s *Storage) SetString(key, value string) error {
	return s.DB.Save(&AppSetting{Key: key, Value: value}).Error
}
