package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"wx-ingest/ingest"
)

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	var dsn string
	var inputGlobs multiFlag
	var station string
	var batchSize int
	var maxConcurrent int
	var maxRetries int
	var retryDelay time.Duration
	var connTimeout time.Duration
	var timeout time.Duration
	var staleAfter time.Duration
	var progressInterval int
	var dryRun bool
	var noFileChecksum bool
	var noRecordChecksum bool
	var allowReset bool
	var reset bool
	var resetStation string
	var resetYear int
	var stats bool
	var history string
	var logLevel string
	var logFormat string
	var metricsAddr string

	flag.StringVar(&configPath, "config", "", "YAML config file path.")
	flag.StringVar(&dsn, "db", "weather.db", "SQLite path or postgres:// URL (overrides config.database).")
	flag.Var(&inputGlobs, "input-glob", "Input glob(s), ** allowed. Can be repeated. Overrides config.inputs.")
	flag.StringVar(&station, "station", "", "Station id for every --input-glob (default: from file name).")
	flag.IntVar(&batchSize, "batch-size", 2000, "Records per insert batch.")
	flag.IntVar(&maxConcurrent, "max-concurrent-batches", 4, "Batches inserted in parallel.")
	flag.IntVar(&maxRetries, "max-retries", 3, "Retries per batch after the first attempt.")
	flag.DurationVar(&retryDelay, "retry-delay", 500*time.Millisecond, "Delay before the first retry; doubles each retry.")
	flag.DurationVar(&connTimeout, "connection-timeout", 30*time.Second, "Timeout of one insert attempt.")
	flag.DurationVar(&timeout, "timeout", 0, "Overall timeout for one run (e.g. 30s, 2m).")
	flag.DurationVar(&staleAfter, "stale-after", 0, "Fail started attempts older than this before running.")
	flag.IntVar(&progressInterval, "progress-interval", ingest.DefaultProgressInterval, "Log write progress every N records (0 disables).")
	flag.BoolVar(&dryRun, "dry-run", false, "Parse and count only; the store is not opened.")
	flag.BoolVar(&noFileChecksum, "no-file-checksum", false, "Disable file-level idempotency.")
	flag.BoolVar(&noRecordChecksum, "no-record-checksum", false, "Disable record-level idempotency.")
	flag.BoolVar(&allowReset, "allow-reset", false, "Permit --reset (overrides config.allow_reset).")
	flag.BoolVar(&reset, "reset", false, "Reset idempotency state and exit.")
	flag.StringVar(&resetStation, "reset-station", "", "With --reset: only this station, observations included.")
	flag.IntVar(&resetYear, "reset-year", 0, "With --reset: only this year, observations included.")
	flag.BoolVar(&stats, "stats", false, "Print checksum statistics and exit.")
	flag.StringVar(&history, "history", "", "Print the processing history of a file path and exit.")
	flag.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error.")
	flag.StringVar(&logFormat, "log-format", "console", "json or console.")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus /metrics on this address while running.")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	// Base config from file (optional)
	fileCfg := &ingest.FileConfig{}
	if configPath != "" {
		cfg, err := ingest.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return 2
		}
		fileCfg = cfg
	}

	finalLevel := fileCfg.Log.Level
	if finalLevel == "" || visited["log-level"] {
		finalLevel = logLevel
	}
	finalFormat := fileCfg.Log.Format
	if finalFormat == "" || visited["log-format"] {
		finalFormat = logFormat
	}
	logger, err := ingest.NewLogger(finalLevel, finalFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	// Merge config + CLI overrides
	cfg := fileCfg.RunnerConfig()
	if cfg.DSN == "" || visited["db"] {
		cfg.DSN = dsn
	}
	if visited["input-glob"] {
		cfg.Inputs = make([]ingest.InputSpec, 0, len(inputGlobs))
		for _, g := range inputGlobs {
			cfg.Inputs = append(cfg.Inputs, ingest.InputSpec{Glob: g, StationID: station})
		}
	}
	cfg.Files = append(cfg.Files, flag.Args()...)
	if visited["batch-size"] {
		cfg.Writer.BatchSize = batchSize
	}
	if visited["max-concurrent-batches"] {
		cfg.Writer.MaxConcurrentBatches = maxConcurrent
	}
	if visited["max-retries"] {
		cfg.Writer.MaxRetries = maxRetries
	}
	if visited["retry-delay"] {
		cfg.Writer.RetryDelay = retryDelay
	}
	if visited["connection-timeout"] {
		cfg.Writer.ConnectionTimeout = connTimeout
	}
	if visited["timeout"] {
		cfg.Timeout = timeout
	}
	if visited["stale-after"] {
		cfg.StaleAfter = staleAfter
	}
	if visited["progress-interval"] {
		cfg.ProgressInterval = progressInterval
	}
	if visited["dry-run"] {
		cfg.DryRun = dryRun
	}
	if noFileChecksum {
		cfg.Idempotency.EnableFileChecksum = false
	}
	if noRecordChecksum {
		cfg.Idempotency.EnableRecordChecksum = false
	}
	if visited["allow-reset"] {
		cfg.Idempotency.AllowReset = allowReset
	}
	finalMetricsAddr := fileCfg.MetricsAddr
	if visited["metrics-addr"] {
		finalMetricsAddr = metricsAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case reset:
		if !cfg.Idempotency.AllowReset {
			fmt.Fprintln(os.Stderr, "reset refused: set allow_reset: true in config or pass --allow-reset")
			return 2
		}
		cfg.DryRun = false
		return withRunner(cfg, logger, nil, func(r *ingest.Runner) int {
			scope := ingest.ResetScope{StationID: resetStation, Year: resetYear}
			res, err := r.ResetChecksums(ctx, scope)
			if err != nil {
				logger.Error("reset", zap.Error(err))
				if errors.Is(err, ingest.ErrResetNotAllowed) {
					return 2
				}
				return 1
			}
			fmt.Printf("reset %s: %s observations, %s checksums, %s file logs\n", scope,
				humanize.Comma(res.Observations), humanize.Comma(res.Checksums), humanize.Comma(res.FileLogs))
			return 0
		})
	case stats:
		cfg.DryRun = false
		return withRunner(cfg, logger, nil, func(r *ingest.Runner) int {
			printStats(os.Stdout, r.ChecksumStats(ctx))
			return 0
		})
	case history != "":
		cfg.DryRun = false
		return withRunner(cfg, logger, nil, func(r *ingest.Runner) int {
			rows, err := r.History(ctx, history)
			if err != nil {
				logger.Error("history", zap.Error(err))
				return 1
			}
			printHistory(os.Stdout, rows)
			return 0
		})
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "(use config.yaml inputs/files, --input-glob, or file arguments)")
		return 2
	}

	var tel *ingest.Telemetry
	if finalMetricsAddr != "" {
		reg := prometheus.NewRegistry()
		tel = ingest.NewTelemetry(reg)
		errs := make(chan error, 1)
		srv := ingest.ServeMetrics(finalMetricsAddr, reg, errs)
		go func() {
			if err := <-errs; err != nil {
				logger.Warn("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		logger.Info("serving metrics", zap.String("addr", finalMetricsAddr))
	}

	return withRunner(cfg, logger, tel, func(r *ingest.Runner) int {
		res, err := r.RunOnce(ctx)
		if res != nil {
			printSummary(os.Stdout, res)
		}
		if err != nil {
			logger.Error("run", zap.Error(err))
			return 1
		}
		if !res.Succeeded() {
			return 1
		}
		return 0
	})
}

func withRunner(cfg ingest.RunnerConfig, logger *zap.Logger, tel *ingest.Telemetry, fn func(*ingest.Runner) int) int {
	r, err := ingest.NewRunner(cfg, logger, tel)
	if err != nil {
		logger.Error("init runner", zap.Error(err))
		if errors.Is(err, ingest.ErrInvalidConfig) {
			return 2
		}
		return 1
	}
	defer r.Close()
	return fn(r)
}

func printSummary(w io.Writer, res *ingest.RunResult) {
	fmt.Fprintf(w, "files: %d completed, %d failed, %d skipped (%s)\n",
		res.FilesCompleted, res.FilesFailed, res.FilesSkipped, res.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "records: %s written, %s duplicates, %s rejected lines\n",
		humanize.Comma(int64(res.TotalRecordsWritten)),
		humanize.Comma(int64(res.TotalDuplicatesSkipped)),
		humanize.Comma(int64(res.TotalParseSkipped)))
	for _, f := range res.Files {
		fmt.Fprintf(w, "  %-10s %s station=%s records=%d duplicates=%d rejected=%d\n",
			f.Status, f.Path, f.StationID, f.Written, f.Duplicates, f.ParseSkipped)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
}

func printStats(w io.Writer, s ingest.Stats) {
	if !s.OK {
		fmt.Fprintln(w, "stats unavailable (see log)")
		return
	}
	fmt.Fprintf(w, "files completed: %s\n", humanize.Comma(s.FilesCompleted))
	fmt.Fprintf(w, "files failed:    %s\n", humanize.Comma(s.FilesFailed))
	fmt.Fprintf(w, "files started:   %s\n", humanize.Comma(s.FilesStarted))
	fmt.Fprintf(w, "record checksums: %s\n", humanize.Comma(s.TotalRecordChecksums))
}

func printHistory(w io.Writer, rows []ingest.FileProcessingLog) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no attempts recorded")
		return
	}
	for _, row := range rows {
		msg := ""
		if row.ErrorMessage != nil {
			msg = " error=" + *row.ErrorMessage
		}
		fmt.Fprintf(w, "%s %-9s %s size=%s processed=%d duplicates=%d skipped=%d errors=%d%s\n",
			row.ProcessingStartedAt.Local().Format(time.RFC3339),
			row.ProcessingStatus,
			humanize.Time(row.ProcessingStartedAt),
			humanize.Bytes(uint64(row.FileSize)),
			row.ProcessedRecords, row.DuplicateRecords, row.SkippedRecords, row.ErrorCount, msg)
	}
}
