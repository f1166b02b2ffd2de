package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// lookupChunkSize bounds the number of bind values per IN query.
const lookupChunkSize = 500

type IdempotencyOptions struct {
	EnableFileChecksum   bool
	EnableRecordChecksum bool
	AllowReset           bool
	// ProcessingBatch tags every checksum written by this store.
	ProcessingBatch string
}

func DefaultIdempotencyOptions() IdempotencyOptions {
	return IdempotencyOptions{EnableFileChecksum: true, EnableRecordChecksum: true}
}

// NewProcessingBatchID returns an id like batch_20240102_150405_1a2b3c4d.
func NewProcessingBatchID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "batch_" + now.UTC().Format("20060102_150405") + "_" + suffix
}

// FileOutcomeCounts are the counters written when an attempt finishes.
type FileOutcomeCounts struct {
	Processed  int
	Skipped    int
	Duplicates int
	Errors     int
	TotalLines int
	Message    string
}

type Stats struct {
	FilesCompleted       int64
	FilesFailed          int64
	FilesStarted         int64
	TotalRecordChecksums int64
	ProcessingBatch      string
	// OK is false when the counts could not be read.
	OK bool
}

type ResetResult struct {
	Observations int64
	Checksums    int64
	FileLogs     int64
}

// IdempotencyStore records which files and which observation contents have
// already been ingested.
type IdempotencyStore struct {
	db   *gorm.DB
	opts IdempotencyOptions
	log  *zap.Logger
}

func NewIdempotencyStore(db *gorm.DB, opts IdempotencyOptions, log *zap.Logger) *IdempotencyStore {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ProcessingBatch == "" {
		opts.ProcessingBatch = NewProcessingBatchID(time.Now())
	}
	return &IdempotencyStore{db: db, opts: opts, log: log}
}

func (s *IdempotencyStore) ProcessingBatch() string { return s.opts.ProcessingBatch }

func (s *IdempotencyStore) Options() IdempotencyOptions { return s.opts }

// IsFileProcessed reports whether the latest attempt for path completed with
// the file's current content.
func (s *IdempotencyStore) IsFileProcessed(ctx context.Context, path string) (bool, error) {
	if !s.opts.EnableFileChecksum {
		return false, nil
	}
	digest, err := FileDigest(path)
	if err != nil {
		return false, err
	}

	var rows []FileProcessingLog
	err = s.db.WithContext(ctx).
		Where("file_path = ?", path).
		Order("processing_started_at desc, id desc").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return false, fmt.Errorf("lookup processing log %s: %w", path, err)
	}
	if len(rows) == 0 {
		return false, nil
	}
	latest := rows[0]
	return latest.ProcessingStatus == StatusCompleted && latest.FileChecksum == digest, nil
}

// StartFileProcessing inserts a started row for path. It returns a nil handle
// when file checksums are disabled.
func (s *IdempotencyStore) StartFileProcessing(ctx context.Context, path, stationID string) (*FileProcessingLog, error) {
	if !s.opts.EnableFileChecksum {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	digest, err := FileDigest(path)
	if err != nil {
		return nil, err
	}

	row := &FileProcessingLog{
		FilePath:            path,
		FileName:            filepath.Base(path),
		FileSize:            info.Size(),
		FileChecksum:        digest,
		StationID:           stationID,
		ProcessingStartedAt: time.Now().UTC(),
		ProcessingStatus:    StatusStarted,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("start processing log %s: %w", path, err)
	}
	s.log.Debug("file processing started", zap.String("file", path), zap.String("station", stationID), zap.Uint("log_id", row.ID))
	return row, nil
}

// CompleteFileProcessing moves a started row to completed (no errors) or
// failed. Rows already terminal are left untouched.
func (s *IdempotencyStore) CompleteFileProcessing(ctx context.Context, h *FileProcessingLog, counts FileOutcomeCounts) error {
	if h == nil {
		return nil
	}
	status := StatusCompleted
	if counts.Errors > 0 {
		status = StatusFailed
	}
	now := time.Now().UTC()
	var msg *string
	if counts.Message != "" {
		m := counts.Message
		msg = &m
	}

	res := s.db.WithContext(ctx).
		Model(&FileProcessingLog{}).
		Where("id = ? AND processing_status = ?", h.ID, StatusStarted).
		Updates(map[string]any{
			"processing_status":       status,
			"processing_completed_at": now,
			"processed_records":       counts.Processed,
			"skipped_records":         counts.Skipped,
			"duplicate_records":       counts.Duplicates,
			"error_count":             counts.Errors,
			"total_lines":             counts.TotalLines,
			"error_message":           msg,
		})
	if res.Error != nil {
		return fmt.Errorf("complete processing log %d: %w", h.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		s.log.Debug("processing log already terminal", zap.Uint("log_id", h.ID))
		return nil
	}

	h.ProcessingStatus = status
	h.ProcessingCompletedAt = &now
	h.ProcessedRecords = counts.Processed
	h.SkippedRecords = counts.Skipped
	h.DuplicateRecords = counts.Duplicates
	h.ErrorCount = counts.Errors
	h.TotalLines = counts.TotalLines
	h.ErrorMessage = msg
	return nil
}

func (s *IdempotencyStore) IsRecordDuplicate(ctx context.Context, stationID string, date time.Time, maxTemp, minTemp, precipitation Measurement) (bool, error) {
	if !s.opts.EnableRecordChecksum {
		return false, nil
	}
	digest := RecordDigest(stationID, date, maxTemp, minTemp, precipitation)
	var n int64
	err := s.db.WithContext(ctx).Model(&RecordChecksum{}).Where("content_hash = ?", digest).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("lookup record checksum: %w", err)
	}
	return n > 0, nil
}

// FilterDuplicates drops candidates whose content was already ingested, and
// later copies of a candidate repeated within cands. Order is preserved.
func (s *IdempotencyStore) FilterDuplicates(ctx context.Context, cands []Candidate) ([]Candidate, int, error) {
	if !s.opts.EnableRecordChecksum || len(cands) == 0 {
		return cands, 0, nil
	}

	digests := make([]string, len(cands))
	unique := make([]string, 0, len(cands))
	seen := make(map[string]struct{}, len(cands))
	for i, c := range cands {
		d := c.Digest()
		digests[i] = d
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		unique = append(unique, d)
	}

	known := make(map[string]struct{})
	for _, chunk := range BreakIntoBatches(unique, lookupChunkSize) {
		var found []string
		err := s.db.WithContext(ctx).
			Model(&RecordChecksum{}).
			Where("content_hash IN ?", chunk).
			Pluck("content_hash", &found).Error
		if err != nil {
			return nil, 0, fmt.Errorf("lookup record checksums: %w", err)
		}
		for _, h := range found {
			known[h] = struct{}{}
		}
	}

	kept := make([]Candidate, 0, len(cands))
	emitted := make(map[string]struct{}, len(cands))
	dups := 0
	for i, c := range cands {
		d := digests[i]
		if _, ok := known[d]; ok {
			dups++
			continue
		}
		if _, ok := emitted[d]; ok {
			dups++
			continue
		}
		emitted[d] = struct{}{}
		kept = append(kept, c)
	}
	return kept, dups, nil
}

// RecordChecksumFor stores the checksum of one persisted observation.
func (s *IdempotencyStore) RecordChecksumFor(ctx context.Context, obs *DailyWeather, sourceFile string) error {
	if obs == nil {
		return ErrNilHandle
	}
	if !s.opts.EnableRecordChecksum {
		return nil
	}
	row := s.checksumRow(*obs, sourceFile)
	return s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "content_hash"}}, DoNothing: true}).
		Create(&row).Error
}

// RecordChecksumsFor reloads the observations behind keys and stores one
// checksum per persisted row. It returns the number of new checksum rows.
func (s *IdempotencyStore) RecordChecksumsFor(ctx context.Context, keys []ObservationKey, sourceFile string) (int, error) {
	if !s.opts.EnableRecordChecksum || len(keys) == 0 {
		return 0, nil
	}
	persisted, err := LoadObservations(ctx, s.db, keys)
	if err != nil {
		return 0, err
	}
	if len(persisted) == 0 {
		return 0, nil
	}

	rows := make([]RecordChecksum, len(persisted))
	for i, obs := range persisted {
		rows[i] = s.checksumRow(obs, sourceFile)
	}
	var inserted int64
	for _, batch := range BreakIntoBatches(rows, lookupChunkSize) {
		res := s.db.WithContext(ctx).
			Omit(clause.Associations).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "content_hash"}}, DoNothing: true}).
			Create(&batch)
		if res.Error != nil {
			return int(inserted), fmt.Errorf("store record checksums: %w", res.Error)
		}
		inserted += res.RowsAffected
	}
	s.log.Debug("record checksums stored",
		zap.String("file", sourceFile),
		zap.Int("records", len(persisted)),
		zap.Int64("inserted", inserted),
		zap.String("batch", s.opts.ProcessingBatch))
	return int(inserted), nil
}

func (s *IdempotencyStore) checksumRow(obs DailyWeather, sourceFile string) RecordChecksum {
	id := obs.ID
	return RecordChecksum{
		ContentHash:     obs.Digest(),
		StationID:       obs.StationID,
		Date:            NormalizeDate(obs.Date),
		SourceFile:      sourceFile,
		ProcessingBatch: s.opts.ProcessingBatch,
		DailyWeatherID:  &id,
	}
}

// ResetAll forgets every file attempt and record checksum. Observations stay.
func (s *IdempotencyStore) ResetAll(ctx context.Context) error {
	if !s.opts.AllowReset {
		return ErrResetNotAllowed
	}
	var res ResetResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r := tx.Where("1 = 1").Delete(&RecordChecksum{})
		if r.Error != nil {
			return r.Error
		}
		res.Checksums = r.RowsAffected
		r = tx.Where("1 = 1").Delete(&FileProcessingLog{})
		if r.Error != nil {
			return r.Error
		}
		res.FileLogs = r.RowsAffected
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset checksums: %w", err)
	}
	s.log.Warn("all checksums reset", zap.Int64("checksums", res.Checksums), zap.Int64("file_logs", res.FileLogs))
	return nil
}

// ResetScoped deletes the observations matched by scope together with their
// checksums and the file logs of the scoped station, so that the affected
// files are ingested again on the next run. Without a station every file log
// is removed.
func (s *IdempotencyStore) ResetScoped(ctx context.Context, scope ResetScope) (ResetResult, error) {
	var res ResetResult
	if !s.opts.AllowReset {
		return res, ErrResetNotAllowed
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Scopes(scope.scope)
		if scope.IsZero() {
			q = q.Where("1 = 1")
		}
		r := q.Delete(&RecordChecksum{})
		if r.Error != nil {
			return r.Error
		}
		res.Checksums = r.RowsAffected

		logs := tx.Where("1 = 1")
		if scope.StationID != "" {
			logs = tx.Where("station_id = ?", scope.StationID)
		}
		r = logs.Delete(&FileProcessingLog{})
		if r.Error != nil {
			return r.Error
		}
		res.FileLogs = r.RowsAffected

		n, err := DeleteObservations(ctx, tx, scope)
		if err != nil {
			return err
		}
		res.Observations = n
		return nil
	})
	if err != nil {
		return ResetResult{}, fmt.Errorf("reset %s: %w", scope, err)
	}
	s.log.Warn("scoped reset",
		zap.String("scope", scope.String()),
		zap.Int64("observations", res.Observations),
		zap.Int64("checksums", res.Checksums),
		zap.Int64("file_logs", res.FileLogs))
	return res, nil
}

// Stats never fails; storage errors are logged and yield a zero Stats.
func (s *IdempotencyStore) Stats(ctx context.Context) Stats {
	var groups []struct {
		ProcessingStatus ProcessingStatus
		N                int64
	}
	err := s.db.WithContext(ctx).
		Model(&FileProcessingLog{}).
		Select("processing_status, count(*) as n").
		Group("processing_status").
		Scan(&groups).Error
	if err != nil {
		s.log.Error("read processing stats", zap.Error(err))
		return Stats{}
	}

	out := Stats{ProcessingBatch: s.opts.ProcessingBatch, OK: true}
	for _, g := range groups {
		switch g.ProcessingStatus {
		case StatusCompleted:
			out.FilesCompleted = g.N
		case StatusFailed:
			out.FilesFailed = g.N
		case StatusStarted:
			out.FilesStarted = g.N
		}
	}
	if err := s.db.WithContext(ctx).Model(&RecordChecksum{}).Count(&out.TotalRecordChecksums).Error; err != nil {
		s.log.Error("read checksum stats", zap.Error(err))
		return Stats{}
	}
	return out
}

// History lists every attempt for path, newest first.
func (s *IdempotencyStore) History(ctx context.Context, path string) ([]FileProcessingLog, error) {
	var rows []FileProcessingLog
	err := s.db.WithContext(ctx).
		Where("file_path = ?", path).
		Order("processing_started_at desc, id desc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("processing history %s: %w", path, err)
	}
	return rows, nil
}

// ExpireStale fails attempts still in started that began before the cutoff.
func (s *IdempotencyStore) ExpireStale(ctx context.Context, before time.Time) (int64, error) {
	msg := "interrupted"
	res := s.db.WithContext(ctx).
		Model(&FileProcessingLog{}).
		Where("processing_status = ? AND processing_started_at < ?", StatusStarted, before.UTC()).
		Updates(map[string]any{
			"processing_status":       StatusFailed,
			"processing_completed_at": time.Now().UTC(),
			"error_message":           &msg,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("expire stale attempts: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Warn("expired stale attempts", zap.Int64("count", res.RowsAffected), zap.Time("before", before))
	}
	return res.RowsAffected, nil
}
