package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// sqlitePragmas are appended to bare sqlite paths.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// OpenDB opens the store named by dsn and migrates the schema. A postgres://
// URL selects PostgreSQL through pgx; anything else is a sqlite file path.
func OpenDB(dsn string) (*gorm.DB, error) {
	db, err := OpenQueryDB(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&WeatherStation{}, &DailyWeather{}, &FileProcessingLog{}, &RecordChecksum{}); err != nil {
		_ = CloseDB(db)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenQueryDB opens the store without touching the schema.
func OpenQueryDB(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%w: empty database dsn", ErrInvalidConfig)
	}
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	if isPostgresDSN(dsn) {
		pgCfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		// date columns are compared against UTC midnights
		if _, ok := pgCfg.RuntimeParams["timezone"]; !ok {
			pgCfg.RuntimeParams["timezone"] = "UTC"
		}
		sqlDB := stdlib.OpenDB(*pgCfg)
		sqlDB.SetMaxOpenConns(16)
		sqlDB.SetMaxIdleConns(4)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), cfg)
		if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		return db, nil
	}

	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqlitePragmas
	}
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer; concurrent batches queue on the connection.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func CloseDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureStation creates the station row if it does not exist yet.
func EnsureStation(ctx context.Context, db *gorm.DB, stationID string) error {
	st := WeatherStation{StationID: stationID, Name: "Weather Station " + stationID}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "station_id"}}, DoNothing: true}).
		Omit(clause.Associations).
		Create(&st).Error
}

// InsertObservations bulk-inserts one batch, silently skipping rows whose
// (station_id, date) already exists.
func InsertObservations(ctx context.Context, db *gorm.DB, batch []Candidate) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([]DailyWeather, len(batch))
	for i, c := range batch {
		rows[i] = c.toObservation()
	}
	return db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "station_id"}, {Name: "date"}},
			DoNothing: true,
		}).
		CreateInBatches(&rows, len(rows)).Error
}

// LoadObservations returns the persisted rows for the given keys.
func LoadObservations(ctx context.Context, db *gorm.DB, keys []ObservationKey) ([]DailyWeather, error) {
	byStation := make(map[string][]time.Time)
	var order []string
	for _, k := range keys {
		if _, ok := byStation[k.StationID]; !ok {
			order = append(order, k.StationID)
		}
		byStation[k.StationID] = append(byStation[k.StationID], NormalizeDate(k.Date))
	}

	var out []DailyWeather
	for _, station := range order {
		for _, dates := range BreakIntoBatches(byStation[station], lookupChunkSize) {
			var rows []DailyWeather
			err := db.WithContext(ctx).
				Where("station_id = ? AND date IN ?", station, dates).
				Order("date asc").
				Find(&rows).Error
			if err != nil {
				return nil, fmt.Errorf("load observations for %s: %w", station, err)
			}
			out = append(out, rows...)
		}
	}
	return out, nil
}

// ResetScope narrows a targeted reset. Empty fields match everything.
type ResetScope struct {
	StationID string
	Year      int
}

func (s ResetScope) IsZero() bool { return s.StationID == "" && s.Year == 0 }

func (s ResetScope) String() string {
	var parts []string
	if s.StationID != "" {
		parts = append(parts, "station="+s.StationID)
	}
	if s.Year != 0 {
		parts = append(parts, fmt.Sprintf("year=%d", s.Year))
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, " ")
}

// scope builds the dynamic filter over a table with station_id and date columns.
func (s ResetScope) scope(db *gorm.DB) *gorm.DB {
	if s.StationID != "" {
		db = db.Where("station_id = ?", s.StationID)
	}
	if s.Year != 0 {
		from := time.Date(s.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
		db = db.Where("date >= ? AND date < ?", from, from.AddDate(1, 0, 0))
	}
	return db
}

// DeleteObservations removes the observations matched by scope.
func DeleteObservations(ctx context.Context, db *gorm.DB, scope ResetScope) (int64, error) {
	q := db.WithContext(ctx).Scopes(scope.scope)
	if scope.IsZero() {
		q = q.Where("1 = 1")
	}
	res := q.Delete(&DailyWeather{})
	return res.RowsAffected, res.Error
}

func CountObservations(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&DailyWeather{}).Count(&n).Error
	return n, err
}

// BreakIntoBatches splits items into consecutive slices of at most batchSize.
func BreakIntoBatches[T any](items []T, batchSize int) [][]T {
	if batchSize <= 0 {
		batchSize = 1
	}
	batches := make([][]T, 0, (len(items)+batchSize-1)/batchSize)
	for i := 0; i < len(items); i += batchSize {
		end := i + batchSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[i:end])
	}
	return batches
}
