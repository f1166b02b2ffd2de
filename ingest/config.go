package ingest

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// InputConfig is one input glob with an optional station override.
type InputConfig struct {
	Glob      string `yaml:"glob"`
	StationID string `yaml:"station_id"`
}

// InputsConfig accepts either:
//  1. mapping form:
//     inputs:
//     USC00110072: /data/wx/USC00110072*.txt
//     "": /data/wx/**/*.txt
//  2. list form:
//     inputs:
//     - glob: /data/wx/**/*.txt.gz
//     station_id: USC00110072
type InputsConfig struct {
	Items []InputConfig
}

func (f *InputsConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		items := make([]InputConfig, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k := value.Content[i]
			v := value.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: inputs mapping values must be globs", v.Line)
			}
			glob := strings.TrimSpace(v.Value)
			if glob == "" {
				continue
			}
			items = append(items, InputConfig{Glob: glob, StationID: strings.TrimSpace(k.Value)})
		}
		f.Items = items
		return nil
	case yaml.SequenceNode:
		var items []InputConfig
		if err := value.Decode(&items); err != nil {
			return err
		}
		f.Items = items
		return nil
	case yaml.ScalarNode:
		// a single glob
		if g := strings.TrimSpace(value.Value); g != "" {
			f.Items = []InputConfig{{Glob: g}}
		}
		return nil
	default:
		return nil
	}
}

func (f InputsConfig) Specs() []InputSpec {
	out := make([]InputSpec, 0, len(f.Items))
	for _, it := range f.Items {
		out = append(out, InputSpec{Glob: it.Glob, StationID: it.StationID})
	}
	return out
}

type WriterFileConfig struct {
	BatchSize            int           `yaml:"batch_size"`
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
	MaxRetries           *int          `yaml:"max_retries"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
}

// Apply overlays the set fields on base.
func (w WriterFileConfig) Apply(base BatchWriterConfig) BatchWriterConfig {
	if w.BatchSize != 0 {
		base.BatchSize = w.BatchSize
	}
	if w.MaxConcurrentBatches != 0 {
		base.MaxConcurrentBatches = w.MaxConcurrentBatches
	}
	if w.MaxRetries != nil {
		base.MaxRetries = *w.MaxRetries
	}
	if w.RetryDelay != 0 {
		base.RetryDelay = w.RetryDelay
	}
	if w.ConnectionTimeout != 0 {
		base.ConnectionTimeout = w.ConnectionTimeout
	}
	return base
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type FileConfig struct {
	// Database is a sqlite path or a postgres:// URL.
	Database string `yaml:"database"`

	Inputs InputsConfig `yaml:"inputs"`
	Files  []string     `yaml:"files"`

	Writer WriterFileConfig `yaml:"writer"`
	Log    LogConfig        `yaml:"log"`

	// Nil means enabled.
	EnableFileChecksum   *bool `yaml:"enable_file_checksum"`
	EnableRecordChecksum *bool `yaml:"enable_record_checksum"`
	AllowReset           bool  `yaml:"allow_reset"`

	DryRun     bool          `yaml:"dry_run"`
	Timeout    time.Duration `yaml:"timeout"`
	StaleAfter time.Duration `yaml:"stale_after"`

	// Nil means DefaultProgressInterval; 0 disables progress logging.
	ProgressInterval *int   `yaml:"progress_interval"`
	MetricsAddr      string `yaml:"metrics_addr"`
}

// DefaultProgressInterval is the number of written records between progress logs.
const DefaultProgressInterval = 10000

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Idempotency resolves the checksum toggles with their defaults.
func (c *FileConfig) Idempotency() IdempotencyOptions {
	opts := DefaultIdempotencyOptions()
	if c.EnableFileChecksum != nil {
		opts.EnableFileChecksum = *c.EnableFileChecksum
	}
	if c.EnableRecordChecksum != nil {
		opts.EnableRecordChecksum = *c.EnableRecordChecksum
	}
	opts.AllowReset = c.AllowReset
	return opts
}

// RunnerConfig builds the runner settings from the file alone.
func (c *FileConfig) RunnerConfig() RunnerConfig {
	progress := DefaultProgressInterval
	if c.ProgressInterval != nil {
		progress = *c.ProgressInterval
	}
	return RunnerConfig{
		DSN:              c.Database,
		Inputs:           c.Inputs.Specs(),
		Files:            c.Files,
		Writer:           c.Writer.Apply(DefaultBatchWriterConfig()),
		Idempotency:      c.Idempotency(),
		DryRun:           c.DryRun,
		Timeout:          c.Timeout,
		StaleAfter:       c.StaleAfter,
		ProgressInterval: progress,
	}
}

// Validate reports every problem at once.
func (c RunnerConfig) Validate() error {
	var err error
	if !c.DryRun && strings.TrimSpace(c.DSN) == "" {
		err = multierr.Append(err, fmt.Errorf("%w: database is required", ErrInvalidConfig))
	}
	if len(c.Inputs) == 0 && len(c.Files) == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: no inputs", ErrInvalidConfig))
	}
	for _, in := range c.Inputs {
		if in.StationID == "" {
			continue
		}
		if e := ValidateStationID(in.StationID); e != nil {
			err = multierr.Append(err, fmt.Errorf("%w: input %s: %v", ErrInvalidConfig, in.Glob, e))
		}
	}
	if c.Timeout < 0 || c.StaleAfter < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig))
	}
	if c.ProgressInterval < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: progress_interval must not be negative", ErrInvalidConfig))
	}
	return multierr.Append(err, c.Writer.Validate())
}
