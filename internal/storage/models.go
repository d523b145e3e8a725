package storage

// DownloadRecord is a finished (or failed) download, kept for the history view.
type DownloadRecord struct {
	ID        string `gorm:"primaryKey" json:"id"`
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	Status    string `gorm:"index" json:"status"` // completed, failed, canceled
	FileSize  int64  `json:"file_size"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// TableName specifies the table name for DownloadRecord
func (DownloadRecord) TableName() string {
	return "download_records"
}

// AppSetting stores key-value application settings
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// TableName specifies the table name for AppSetting
func (AppSetting) TableName() string {
	return "app_settings"
}
