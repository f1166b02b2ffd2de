package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type RunnerConfig struct {
	// DSN is a sqlite file path or a postgres:// URL.
	DSN string
	// Inputs are globs (** allowed) with an optional station override.
	Inputs []InputSpec
	// Files are explicit paths; the station comes from the file name.
	Files       []string
	Writer      BatchWriterConfig
	Idempotency IdempotencyOptions
	// DryRun parses and counts without opening the store.
	DryRun  bool
	Timeout time.Duration
	// StaleAfter, when positive, fails started attempts older than this
	// before the run begins.
	StaleAfter time.Duration
	// ProgressInterval logs write progress every N records; 0 disables it.
	ProgressInterval int
}

type InputSpec struct {
	Glob      string
	StationID string
}

// FileInput is one file to ingest. An empty StationID is derived from the
// file name.
type FileInput struct {
	Path      string
	StationID string
}

type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
	// OutcomeError means the attempt could not be recorded at all.
	OutcomeError  OutcomeStatus = "error"
	OutcomeDryRun OutcomeStatus = "dry_run"
)

type FileOutcome struct {
	Path         string
	StationID    string
	Status       OutcomeStatus
	TotalLines   int
	Parsed       int
	ParseSkipped int
	Duplicates   int
	Written      int
	Failed       int
	Checksums    int
	Issues       []ParseIssue
	// Warnings are values coerced to missing on otherwise accepted lines.
	Warnings     []ParseIssue
	Err          string
	Duration     time.Duration
}

type RunResult struct {
	FilesCompleted         int
	FilesFailed            int
	FilesSkipped           int
	TotalRecordsWritten    int
	TotalDuplicatesSkipped int
	TotalParseSkipped      int
	Files                  []FileOutcome
	Errors                 []string
	Duration               time.Duration
}

// Succeeded is true when a file completed or there was nothing to do. A
// succeeded run can still carry errors from other files.
func (r *RunResult) Succeeded() bool {
	return r.FilesCompleted > 0 || (r.FilesFailed == 0 && len(r.Errors) == 0)
}

func (r *RunResult) Err() error {
	var err error
	for _, e := range r.Errors {
		err = multierr.Append(err, fmt.Errorf("%s", e))
	}
	return err
}

func (r *RunResult) add(o FileOutcome) {
	r.Files = append(r.Files, o)
	switch o.Status {
	case OutcomeCompleted, OutcomeDryRun:
		r.FilesCompleted++
	case OutcomeFailed, OutcomeError:
		r.FilesFailed++
	case OutcomeSkipped:
		r.FilesSkipped++
	}
	r.TotalRecordsWritten += o.Written
	r.TotalDuplicatesSkipped += o.Duplicates
	r.TotalParseSkipped += o.ParseSkipped
	if o.Err != "" {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", o.Path, o.Err))
	}
}

type RunnerOption func(*Runner)

func WithParser(p Parser) RunnerOption {
	return func(r *Runner) { r.parser = p }
}

// WithInserterMiddleware wraps the store inserter used for every batch.
func WithInserterMiddleware(wrap func(BatchInserter) BatchInserter) RunnerOption {
	return func(r *Runner) { r.wrap = wrap }
}

// Runner ingests files one at a time through the idempotency store and the
// batch writer.
type Runner struct {
	cfg    RunnerConfig
	db     *gorm.DB
	store  *IdempotencyStore
	parser Parser
	wrap   func(BatchInserter) BatchInserter
	log    *zap.Logger
	tel    *Telemetry
}

func NewRunner(cfg RunnerConfig, log *zap.Logger, tel *Telemetry, opts ...RunnerOption) (*Runner, error) {
	if err := cfg.Writer.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{cfg: cfg, log: log, tel: tel}
	for _, opt := range opts {
		opt(r)
	}
	if r.parser == nil {
		r.parser = NewFlatFileParser(log)
	}
	if cfg.DryRun {
		return r, nil
	}

	db, err := OpenDB(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	r.db = db
	r.store = NewIdempotencyStore(db, cfg.Idempotency, log)
	return r, nil
}

func (r *Runner) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	err := CloseDB(r.db)
	r.db = nil
	return err
}

// Store is nil in dry-run mode.
func (r *Runner) Store() *IdempotencyStore { return r.store }

// RunOnce expands the configured inputs and ingests them.
func (r *Runner) RunOnce(ctx context.Context) (*RunResult, error) {
	files, err := r.ExpandInputs()
	if err != nil {
		return nil, err
	}
	return r.RunIngestion(ctx, files)
}

// RunIngestion processes files sequentially. Failures local to a file are
// reported in the result; only cancellation stops the run early, in which
// case the partial result is returned with the context error.
func (r *Runner) RunIngestion(ctx context.Context, files []FileInput) (*RunResult, error) {
	start := time.Now()
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	res := &RunResult{}
	defer func() { res.Duration = time.Since(start) }()

	batchID := ""
	if r.store != nil {
		batchID = r.store.ProcessingBatch()
	}
	r.log.Info("ingestion started",
		zap.Int("files", len(files)),
		zap.Bool("dry_run", r.cfg.DryRun),
		zap.String("processing_batch", batchID))

	if r.store != nil && r.cfg.StaleAfter > 0 {
		if _, err := r.store.ExpireStale(ctx, time.Now().Add(-r.cfg.StaleAfter)); err != nil {
			r.log.Warn("expire stale attempts", zap.Error(err))
		}
	}

	for _, in := range files {
		if err := ctx.Err(); err != nil {
			r.log.Warn("ingestion interrupted", zap.Int("remaining", len(files)-len(res.Files)), zap.Error(err))
			return res, err
		}
		out := r.ingestFile(ctx, in)
		res.add(out)
		r.tel.observeFile(string(out.Status), out.Duplicates)
	}

	r.log.Info("ingestion finished",
		zap.Int("completed", res.FilesCompleted),
		zap.Int("failed", res.FilesFailed),
		zap.Int("skipped", res.FilesSkipped),
		zap.Int("records", res.TotalRecordsWritten),
		zap.Int("duplicates", res.TotalDuplicatesSkipped),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

func (r *Runner) ingestFile(ctx context.Context, in FileInput) (out FileOutcome) {
	started := time.Now()
	stationID := strings.TrimSpace(in.StationID)
	if stationID == "" {
		stationID = StationIDFromPath(in.Path)
	}
	out = FileOutcome{Path: in.Path, StationID: stationID}
	defer func() { out.Duration = time.Since(started) }()
	log := r.log.With(zap.String("file", in.Path), zap.String("station", stationID))

	if err := ValidateStationID(stationID); err != nil {
		out.Status = OutcomeError
		out.Err = err.Error()
		log.Error("bad station id", zap.Error(err))
		return out
	}

	if r.cfg.DryRun {
		sum, err := r.parser.Parse(ctx, in.Path, stationID, func(Candidate) error { return nil })
		out.TotalLines = sum.TotalLines
		out.Parsed = sum.Emitted
		out.ParseSkipped = len(sum.Rejected)
		out.Issues = sum.Rejected
		out.Warnings = sum.Warnings
		if err != nil {
			out.Status = OutcomeError
			out.Err = err.Error()
			return out
		}
		out.Status = OutcomeDryRun
		log.Info("dry run parsed", zap.Int("records", sum.Emitted), zap.Int("rejected", len(sum.Rejected)))
		return out
	}

	done, err := r.store.IsFileProcessed(ctx, in.Path)
	if err != nil {
		out.Status = OutcomeError
		out.Err = err.Error()
		log.Error("check file", zap.Error(err))
		return out
	}
	if done {
		out.Status = OutcomeSkipped
		log.Info("skipped, unchanged since last success")
		return out
	}

	handle, err := r.store.StartFileProcessing(ctx, in.Path, stationID)
	if err != nil {
		out.Status = OutcomeError
		out.Err = err.Error()
		log.Error("start processing", zap.Error(err))
		return out
	}

	// Once an attempt row exists it is always driven to a terminal state.
	finish := func(counts FileOutcomeCounts) {
		if err := r.store.CompleteFileProcessing(context.WithoutCancel(ctx), handle, counts); err != nil {
			log.Error("complete processing", zap.Error(err))
			out.Err = joinMessages(out.Err, err.Error())
		}
		if counts.Errors > 0 {
			out.Status = OutcomeFailed
		} else {
			out.Status = OutcomeCompleted
		}
	}

	var cands []Candidate
	sum, err := r.parser.Parse(ctx, in.Path, stationID, func(c Candidate) error {
		cands = append(cands, c)
		return nil
	})
	out.TotalLines = sum.TotalLines
	out.Parsed = sum.Emitted
	out.ParseSkipped = len(sum.Rejected)
	out.Issues = sum.Rejected
	out.Warnings = sum.Warnings
	if len(sum.Rejected) > 0 {
		log.Warn("lines rejected", zap.Int("count", len(sum.Rejected)), zap.String("first", sum.Rejected[0].String()))
	}
	if len(sum.Warnings) > 0 {
		log.Warn("values coerced to missing", zap.Int("count", len(sum.Warnings)), zap.String("first", sum.Warnings[0].String()))
	}
	if err != nil {
		out.Err = err.Error()
		finish(FileOutcomeCounts{Skipped: out.ParseSkipped, Errors: 1, TotalLines: sum.TotalLines, Message: out.Err})
		return out
	}

	kept, dups, err := r.store.FilterDuplicates(ctx, cands)
	if err != nil {
		out.Err = err.Error()
		finish(FileOutcomeCounts{Skipped: out.ParseSkipped, Errors: max(len(cands), 1), TotalLines: sum.TotalLines, Message: out.Err})
		return out
	}
	out.Duplicates = dups

	if len(kept) > 0 {
		if err := EnsureStation(ctx, r.db, stationID); err != nil {
			out.Err = fmt.Sprintf("ensure station: %v", err)
			out.Failed = len(kept)
			finish(FileOutcomeCounts{Skipped: out.ParseSkipped, Duplicates: dups, Errors: max(len(kept), 1), TotalLines: sum.TotalLines, Message: out.Err})
			return out
		}
	}

	ins := r.newRecordingInserter()
	writer, err := NewBatchWriter(ins, r.cfg.Writer, log, r.tel)
	if err != nil {
		out.Err = err.Error()
		finish(FileOutcomeCounts{Skipped: out.ParseSkipped, Duplicates: dups, Errors: max(len(kept), 1), TotalLines: sum.TotalLines, Message: out.Err})
		return out
	}
	m := writer.Write(ctx, kept, r.progressLogger(log))
	out.Written = m.SuccessfulRecords
	out.Failed = m.FailedRecords
	msg := strings.Join(m.BatchErrors, "; ")
	errCount := m.FailedRecords

	n, err := r.store.RecordChecksumsFor(context.WithoutCancel(ctx), ins.Keys(), in.Path)
	out.Checksums = n
	if err != nil {
		log.Error("store record checksums", zap.Error(err))
		msg = joinMessages(msg, err.Error())
		// Failing the attempt gets the file reprocessed; already written rows
		// are ignored by the unique key.
		errCount++
	}

	out.Err = msg
	finish(FileOutcomeCounts{
		Processed:  m.SuccessfulRecords,
		Skipped:    out.ParseSkipped,
		Duplicates: dups,
		Errors:     errCount,
		TotalLines: sum.TotalLines,
		Message:    msg,
	})
	log.Info("file processed",
		zap.String("status", string(out.Status)),
		zap.Int("records", out.Written),
		zap.Int("duplicates", dups),
		zap.Int("rejected", out.ParseSkipped),
		zap.Int("failed", out.Failed),
		zap.Duration("duration", time.Since(started)))
	return out
}

func joinMessages(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}

func (r *Runner) progressLogger(log *zap.Logger) func(done, total int) {
	every := r.cfg.ProgressInterval
	if every <= 0 {
		return nil
	}
	next := every
	return func(done, total int) {
		if done < next && done < total {
			return
		}
		log.Info("write progress", zap.Int("records", done), zap.Int("total", total))
		for next <= done {
			next += every
		}
	}
}

// recordingInserter writes batches to the store and remembers the keys of
// the batches that succeeded.
type recordingInserter struct {
	next BatchInserter
	mu   sync.Mutex
	keys []ObservationKey
}

func (r *Runner) newRecordingInserter() *recordingInserter {
	var base BatchInserter = InserterFunc(func(ctx context.Context, batch []Candidate) error {
		return InsertObservations(ctx, r.db, batch)
	})
	if r.wrap != nil {
		base = r.wrap(base)
	}
	return &recordingInserter{next: base}
}

func (i *recordingInserter) InsertBatch(ctx context.Context, batch []Candidate) error {
	if err := i.next.InsertBatch(ctx, batch); err != nil {
		return err
	}
	i.mu.Lock()
	for _, c := range batch {
		i.keys = append(i.keys, c.Key())
	}
	i.mu.Unlock()
	return nil
}

func (i *recordingInserter) Keys() []ObservationKey {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]ObservationKey, len(i.keys))
	copy(out, i.keys)
	return out
}

// ChecksumStats reports the idempotency counters; zero in dry-run mode.
func (r *Runner) ChecksumStats(ctx context.Context) Stats {
	if r.store == nil {
		return Stats{}
	}
	return r.store.Stats(ctx)
}

// ResetChecksums clears all idempotency state, or only scope when given.
func (r *Runner) ResetChecksums(ctx context.Context, scope ResetScope) (ResetResult, error) {
	if r.store == nil {
		return ResetResult{}, fmt.Errorf("%w: reset needs a store", ErrInvalidConfig)
	}
	if scope.IsZero() {
		return ResetResult{}, r.store.ResetAll(ctx)
	}
	return r.store.ResetScoped(ctx, scope)
}

func (r *Runner) History(ctx context.Context, path string) ([]FileProcessingLog, error) {
	if r.store == nil {
		return nil, fmt.Errorf("%w: history needs a store", ErrInvalidConfig)
	}
	return r.store.History(ctx, path)
}

// ExpandInputs resolves Files and Inputs to a de-duplicated list sorted by
// path. Explicit files win over glob matches for the station override.
func (r *Runner) ExpandInputs() ([]FileInput, error) {
	return expandInputs(r.cfg.Files, r.cfg.Inputs)
}

func expandInputs(files []string, inputs []InputSpec) ([]FileInput, error) {
	seen := make(map[string]struct{})
	var out []FileInput
	add := func(p, station string) {
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, FileInput{Path: p, StationID: station})
	}
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			continue
		}
		add(f, "")
	}
	for _, in := range inputs {
		if strings.TrimSpace(in.Glob) == "" {
			continue
		}
		matches, err := globObservationFiles(in.Glob)
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", in.Glob, err)
		}
		for _, m := range matches {
			add(m, strings.TrimSpace(in.StationID))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// isObservationFile reports whether a glob match is an input the parser
// reads: a visible .txt or .gz file.
func isObservationFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".gz":
		return true
	}
	return false
}

// globObservationFiles expands pattern into observation files. A "**"
// segment walks the tree below it, skipping hidden directories; a suffix
// without a slash then matches file names at any depth.
func globObservationFiles(pattern string) ([]string, error) {
	idx := strings.Index(pattern, "**")
	if idx < 0 {
		found, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		var matches []string
		for _, p := range found {
			if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() && isObservationFile(filepath.Base(p)) {
				matches = append(matches, p)
			}
		}
		return matches, nil
	}

	root := strings.TrimRight(pattern[:idx], `/\`)
	switch {
	case root != "":
		root = filepath.Clean(root)
	case idx > 0:
		root = string(filepath.Separator)
	default:
		root = "."
	}
	suffix := filepath.ToSlash(strings.TrimLeft(pattern[idx+2:], `/\`))
	if suffix == "" {
		suffix = "*"
	}
	byName := !strings.Contains(suffix, "/")

	var matches []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !isObservationFile(d.Name()) {
			return nil
		}
		target := d.Name()
		if !byName {
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			target = filepath.ToSlash(rel)
		}
		ok, err := path.Match(suffix, target)
		if ok {
			matches = append(matches, p)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}
