package ingest

import "time"

type ProcessingStatus string

const (
	StatusStarted   ProcessingStatus = "started"
	StatusCompleted ProcessingStatus = "completed"
	StatusFailed    ProcessingStatus = "failed"
)

type WeatherStation struct {
	StationID    string         `gorm:"column:station_id;primaryKey;size:20"`
	Name         string         `gorm:"size:255"`
	Observations []DailyWeather `gorm:"foreignKey:StationID;references:StationID;constraint:OnDelete:CASCADE"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (WeatherStation) TableName() string { return "weather_stations" }

// DailyWeather values are tenths of °C and tenths of mm. NULL means missing.
type DailyWeather struct {
	ID            uint      `gorm:"primaryKey"`
	StationID     string    `gorm:"column:station_id;size:20;not null;uniqueIndex:uniq_station_date,priority:1"`
	Date          time.Time `gorm:"type:date;not null;uniqueIndex:uniq_station_date,priority:2;index"`
	MaxTemp       *int
	MinTemp       *int
	Precipitation *int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (DailyWeather) TableName() string { return "daily_weather" }

func (d DailyWeather) Key() ObservationKey {
	return ObservationKey{StationID: d.StationID, Date: NormalizeDate(d.Date)}
}

// Digest hashes the persisted values, not the requested ones.
func (d DailyWeather) Digest() string {
	return RecordDigest(d.StationID, d.Date,
		MeasurementFromPtr(d.MaxTemp), MeasurementFromPtr(d.MinTemp), MeasurementFromPtr(d.Precipitation))
}

// FileProcessingLog is one ingestion attempt of one source file.
type FileProcessingLog struct {
	ID                    uint             `gorm:"primaryKey"`
	FilePath              string           `gorm:"column:file_path;size:1024;not null;index:idx_log_path_started,priority:1"`
	FileName              string           `gorm:"column:file_name;size:255"`
	FileSize              int64            `gorm:"column:file_size"`
	FileChecksum          string           `gorm:"column:file_checksum;size:64;index"`
	StationID             string           `gorm:"column:station_id;size:20;index"`
	ProcessingStartedAt   time.Time        `gorm:"column:processing_started_at;index:idx_log_path_started,priority:2"`
	ProcessingCompletedAt *time.Time       `gorm:"column:processing_completed_at"`
	ProcessingStatus      ProcessingStatus `gorm:"column:processing_status;size:16;index"`
	ProcessedRecords      int              `gorm:"column:processed_records"`
	SkippedRecords        int              `gorm:"column:skipped_records"`
	DuplicateRecords      int              `gorm:"column:duplicate_records"`
	ErrorCount            int              `gorm:"column:error_count"`
	TotalLines            int              `gorm:"column:total_lines"`
	ErrorMessage          *string          `gorm:"column:error_message;type:text"`
}

func (FileProcessingLog) TableName() string { return "file_processing_logs" }

// RecordChecksum is append-only provenance for one persisted observation.
// DailyWeatherID is nulled when the observation is deleted.
type RecordChecksum struct {
	ID              uint          `gorm:"primaryKey"`
	ContentHash     string        `gorm:"column:content_hash;size:64;not null;uniqueIndex"`
	StationID       string        `gorm:"column:station_id;size:20;index:idx_checksum_station_date,priority:1"`
	Date            time.Time     `gorm:"type:date;index:idx_checksum_station_date,priority:2"`
	SourceFile      string        `gorm:"column:source_file;size:1024"`
	ProcessingBatch string        `gorm:"column:processing_batch;size:64;index"`
	DailyWeatherID  *uint         `gorm:"column:daily_weather_id;index"`
	DailyWeather    *DailyWeather `gorm:"foreignKey:DailyWeatherID;constraint:OnDelete:SET NULL"`
	CreatedAt       time.Time
}

func (RecordChecksum) TableName() string { return "record_checksums" }
