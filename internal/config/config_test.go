package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "trackdeck.db", cfg.Database.DSN)

	assert.Equal(t, "./data", cfg.Storage.BaseDir)
	assert.Equal(t, 30*24*time.Hour, cfg.Storage.Retention.Duration())
	assert.Equal(t, int64(64*1024*1024), cfg.Storage.SpillThreshold.Bytes())

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.Equal(t, 300, cfg.Streaming.FramesToLoad)
	assert.Equal(t, 8, cfg.Streaming.BatchSize)
	assert.Equal(t, 2*time.Millisecond, cfg.Streaming.PollInterval)
	assert.Equal(t, ByteSize(0), cfg.Streaming.EvictionBudget)

	assert.Equal(t, 2*time.Millisecond, cfg.Playback.IdleInterval)
	assert.False(t, cfg.Playback.Loop)
	assert.True(t, cfg.Playback.AutoLoad)

	assert.True(t, cfg.Catalog.Enabled)
	assert.Equal(t, "0 30 3 * * *", cfg.Catalog.PruneSchedule)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
storage:
  base_dir: /var/lib/trackdeck
  retention: 2w
  spill_threshold: 128MB
streaming:
  frames_to_load: 120
  eviction_budget: 1.5GB
  poll_interval: 5ms
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 14*24*time.Hour, cfg.Storage.Retention.Duration())
	assert.Equal(t, int64(128*1024*1024), cfg.Storage.SpillThreshold.Bytes())
	assert.Equal(t, 120, cfg.Streaming.FramesToLoad)
	assert.Equal(t, int64(1536*1024*1024), cfg.Streaming.EvictionBudget.Bytes())
	assert.Equal(t, 5*time.Millisecond, cfg.Streaming.PollInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/trackdeck/recordings", cfg.Storage.RecordingsPath())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TRACKDECK_SERVER_PORT", "9100")
	t.Setenv("TRACKDECK_STREAMING_BATCH_SIZE", "32")
	t.Setenv("TRACKDECK_STORAGE_RETENTION", "3d")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 32, cfg.Streaming.BatchSize)
	assert.Equal(t, 3*24*time.Hour, cfg.Storage.Retention.Duration())
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"empty base dir", func(c *Config) { c.Storage.BaseDir = "" }, "storage.base_dir"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"no frames", func(c *Config) { c.Streaming.FramesToLoad = 0 }, "streaming.frames_to_load"},
		{"no batch", func(c *Config) { c.Streaming.BatchSize = 0 }, "streaming.batch_size"},
		{"no poll", func(c *Config) { c.Streaming.PollInterval = 0 }, "streaming.poll_interval"},
		{"negative budget", func(c *Config) { c.Streaming.EvictionBudget = -1 }, "streaming.eviction_budget"},
		{"bad cron", func(c *Config) { c.Catalog.PruneSchedule = "every day" }, "catalog.prune_schedule"},
		{"cron ignored when disabled", func(c *Config) {
			c.Catalog.Enabled = false
			c.Catalog.PruneSchedule = "every day"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStoragePaths(t *testing.T) {
	s := StorageConfig{BaseDir: "/data", RecordingsDir: "recordings", TempDir: "/tmp/td"}
	assert.Equal(t, "/data/recordings", s.RecordingsPath())
	assert.Equal(t, "/tmp/td", s.TempPath())
}

func TestServerAddress(t *testing.T) {
	s := ServerConfig{Host: "localhost", Port: 8420}
	assert.Equal(t, "localhost:8420", s.Address())
}

func TestHumanReadableTypes(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("64MB")))
	assert.Equal(t, int64(64<<20), b.Bytes())
	assert.Error(t, b.UnmarshalText([]byte("lots")))

	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1w2d")))
	assert.Equal(t, 9*24*time.Hour, d.Duration())
	assert.Equal(t, "1w2d", d.String())
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestDefault_DumpsAsYAML(t *testing.T) {
	out, err := yaml.Marshal(Default())
	require.NoError(t, err)

	assert.Contains(t, string(out), "retention: 4w2d")
	assert.Contains(t, string(out), "spill_threshold: 64MB")
	assert.Contains(t, string(out), "frames_to_load: 300")
}
