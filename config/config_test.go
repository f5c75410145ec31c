package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "docevaluator", cfg.Service.Name)
	assert.Equal(t, 8095, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 30, cfg.Queue.MaxConcurrent)
	assert.Equal(t, 30*time.Minute, cfg.Queue.TaskTimeout)
	assert.Equal(t, 60*time.Second, cfg.Queue.StuckSweepInterval)
	assert.True(t, cfg.Queue.AutoStart)
	assert.Equal(t, "http://localhost:7100", cfg.LLM.AnalyzerURL)
	assert.Equal(t, 5, cfg.LLM.BreakerThreshold)
	assert.Equal(t, int64(50*1024*1024), cfg.Preprocess.MaxFileSize)
	assert.NotEmpty(t, cfg.Catalog.DSN)
	assert.NotEmpty(t, cfg.Work.DSN)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9090
queue:
  max_concurrent: 5
  poll_interval: 2s
llm:
  analyzer_url: http://analyzer.internal:7100
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Queue.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, "http://analyzer.internal:7100", cfg.LLM.AnalyzerURL)
	// Unset keys keep their defaults.
	assert.Equal(t, 30*time.Minute, cfg.Queue.TaskTimeout)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("DOCEVAL_SERVER_PORT", "7777")
	t.Setenv("DOCEVAL_QUEUE_MAX_CONCURRENT", "3")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Queue.MaxConcurrent)
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"missing catalog dsn", func(c *Config) { c.Catalog.DSN = "" }, "catalog store dsn"},
		{"missing work dsn", func(c *Config) { c.Work.DSN = "" }, "work store dsn"},
		{"zero concurrency", func(c *Config) { c.Queue.MaxConcurrent = 0 }, "max_concurrent"},
		{"zero task timeout", func(c *Config) { c.Queue.TaskTimeout = 0 }, "task_timeout"},
		{"zero max file size", func(c *Config) { c.Preprocess.MaxFileSize = 0 }, "max_file_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
