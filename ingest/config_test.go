package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestInputsConfig_MappingForm(t *testing.T) {
	var cfg FileConfig
	err := yaml.Unmarshal([]byte(`
inputs:
  USC00110072: /data/wx/USC00110072*.txt
  "": /data/wx/**/*.txt.gz
`), &cfg)
	require.NoError(t, err)
	require.Len(t, cfg.Inputs.Items, 2)
	assert.Equal(t, InputConfig{Glob: "/data/wx/USC00110072*.txt", StationID: "USC00110072"}, cfg.Inputs.Items[0])
	assert.Equal(t, InputConfig{Glob: "/data/wx/**/*.txt.gz"}, cfg.Inputs.Items[1])
}

func TestInputsConfig_ListForm(t *testing.T) {
	var cfg FileConfig
	err := yaml.Unmarshal([]byte(`
inputs:
  - glob: /data/a/*.txt
  - glob: /data/b/*.txt
    station_id: USC2
`), &cfg)
	require.NoError(t, err)
	specs := cfg.Inputs.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, InputSpec{Glob: "/data/a/*.txt"}, specs[0])
	assert.Equal(t, InputSpec{Glob: "/data/b/*.txt", StationID: "USC2"}, specs[1])
}

func TestInputsConfig_ScalarAndBadMapping(t *testing.T) {
	var cfg FileConfig
	require.NoError(t, yaml.Unmarshal([]byte(`inputs: /data/*.txt`), &cfg))
	assert.Equal(t, []InputConfig{{Glob: "/data/*.txt"}}, cfg.Inputs.Items)

	err := yaml.Unmarshal([]byte("inputs:\n  S1: [a, b]\n"), &cfg)
	assert.Error(t, err)
}

func TestLoadConfig_Full(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database: postgres://wx:wx@localhost:5432/wx
files: [/data/one.txt]
inputs:
  S1: /data/s1/*.txt
writer:
  batch_size: 500
  max_retries: 0
  retry_delay: 250ms
enable_record_checksum: false
allow_reset: true
timeout: 2m
stale_after: 1h
log:
  level: debug
  format: json
`), 0o644))

	fc, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "debug", fc.Log.Level)

	rc := fc.RunnerConfig()
	assert.Equal(t, "postgres://wx:wx@localhost:5432/wx", rc.DSN)
	assert.Equal(t, []string{"/data/one.txt"}, rc.Files)
	assert.Equal(t, []InputSpec{{Glob: "/data/s1/*.txt", StationID: "S1"}}, rc.Inputs)
	assert.Equal(t, 500, rc.Writer.BatchSize)
	assert.Equal(t, 0, rc.Writer.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, rc.Writer.RetryDelay)
	assert.Equal(t, 4, rc.Writer.MaxConcurrentBatches)
	assert.Equal(t, 30*time.Second, rc.Writer.ConnectionTimeout)
	assert.True(t, rc.Idempotency.EnableFileChecksum)
	assert.False(t, rc.Idempotency.EnableRecordChecksum)
	assert.True(t, rc.Idempotency.AllowReset)
	assert.Equal(t, 2*time.Minute, rc.Timeout)
	assert.Equal(t, time.Hour, rc.StaleAfter)
	assert.Equal(t, DefaultProgressInterval, rc.ProgressInterval)
	require.NoError(t, rc.Validate())
}

func TestLoadConfig_ProgressIntervalZeroDisables(t *testing.T) {
	var fc FileConfig
	require.NoError(t, yaml.Unmarshal([]byte("progress_interval: 0\n"), &fc))
	assert.Zero(t, fc.RunnerConfig().ProgressInterval)

	require.NoError(t, yaml.Unmarshal([]byte("progress_interval: 250\n"), &fc))
	assert.Equal(t, 250, fc.RunnerConfig().ProgressInterval)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	p := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(p, []byte("writer: [1, 2"), 0o644))
	_, err = LoadConfig(p)
	assert.Error(t, err)
}

func TestRunnerConfig_Validate(t *testing.T) {
	err := RunnerConfig{Writer: BatchWriterConfig{}}.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "database is required")
	assert.Contains(t, err.Error(), "no inputs")
	assert.Contains(t, err.Error(), "batch_size")

	dry := RunnerConfig{DryRun: true, Files: []string{"x"}, Writer: DefaultBatchWriterConfig()}
	assert.NoError(t, dry.Validate())

	bad := RunnerConfig{
		DSN:              "wx.db",
		Inputs:           []InputSpec{{Glob: "*.txt", StationID: "A|B"}},
		Writer:           DefaultBatchWriterConfig(),
		ProgressInterval: -1,
	}
	err = bad.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "invalid station id")
	assert.Contains(t, err.Error(), "progress_interval")
}

func TestDefaultIdempotencyOptions(t *testing.T) {
	var fc FileConfig
	opts := fc.Idempotency()
	assert.True(t, opts.EnableFileChecksum)
	assert.True(t, opts.EnableRecordChecksum)
	assert.False(t, opts.AllowReset)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		l, err := NewLogger("debug", format)
		require.NoError(t, err, format)
		assert.True(t, l.Core().Enabled(-1))
	}
	l, err := NewLogger("warn", "json")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(0))

	l, err = NewLogger("info", "console")
	require.NoError(t, err)
	assert.NotPanics(t, func() { l.DPanic("not fatal outside development") })

	_, err = NewLogger("loud", "json")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewLogger("info", "xml")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
