package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/aletheia/memory"
)

// isolate keeps a developer's ~/.aletheia and shell env out of the test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("ALETHEIA_DATA_DIR", "")
	t.Setenv("ALETHEIA_ARCHIVE_TRANSPORT", "")
	t.Setenv("ALETHEIA_ARCHIVE_ENDPOINT", "")
	t.Setenv("ALETHEIA_SUMMARIZER_PROVIDER", "")
	t.Setenv("ALETHEIA_SUMMARIZER_API_KEY", "")
	t.Setenv("ALETHEIA_QUEUE_DRIVER", "")
	t.Setenv("ALETHEIA_MEMORY_TOP_K", "")
	t.Setenv("ALETHEIA_MEMORY_PUSH_TIMEOUT", "")
	return home
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aletheia.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	d := memory.DefaultConfig()
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, filepath.Join(home, ".aletheia"), cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "aletheia.db"), cfg.Queue.Path)
	assert.Equal(t, filepath.Join(cfg.DataDir, "index"), cfg.IndexDir())
	assert.Equal(t, TransportNone, cfg.Archive.Transport)
	assert.Equal(t, QueueSQLite, cfg.Queue.Driver)
	assert.Equal(t, SummarizerExtractive, cfg.Summarizer.Provider)
	assert.Equal(t, 256, cfg.Embedder.Dimensions)
	assert.True(t, cfg.Index.Enabled)
	assert.Equal(t, d, cfg.Memory)
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	t.Setenv("ALETHEIA_DATA_DIR", dir)
	t.Setenv("ALETHEIA_MEMORY_TOP_K", "3")
	t.Setenv("ALETHEIA_MEMORY_PUSH_TIMEOUT", "2s")
	t.Setenv("ALETHEIA_ARCHIVE_TRANSPORT", "http")
	t.Setenv("ALETHEIA_ARCHIVE_ENDPOINT", "http://mnemosyne:8080")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 3, cfg.Memory.TopK)
	assert.Equal(t, 2*time.Second, cfg.Memory.PushTimeout)
	assert.Equal(t, TransportHTTP, cfg.Archive.Transport)
	assert.Equal(t, "http://mnemosyne:8080", cfg.Archive.Endpoint)
}

func TestLoad_File(t *testing.T) {
	isolate(t)
	path := writeYAML(t, `
listen_addr: 0.0.0.0:9000
grpc_listen_addr: 0.0.0.0:9001
archive:
  transport: grpc
  endpoint: mnemosyne:9090
  health_service: aletheia.archive.v1.Archive
queue:
  driver: memory
memory:
  relevance_threshold: 0.7
  max_age_days: 14
  mid_term_ttl: 48h
  refresh_schedule: "@daily"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "0.0.0.0:9001", cfg.GRPCListenAddr)
	assert.Equal(t, TransportGRPC, cfg.Archive.Transport)
	assert.Equal(t, "aletheia.archive.v1.Archive", cfg.Archive.HealthService)
	assert.Equal(t, QueueMemory, cfg.Queue.Driver)
	assert.InDelta(t, 0.7, cfg.Memory.RelevanceThreshold, 1e-9)
	assert.Equal(t, 14, cfg.Memory.MaxAgeDays)
	assert.Equal(t, 48*time.Hour, cfg.Memory.MidTermTTL)
	assert.Equal(t, "@daily", cfg.Memory.RefreshSchedule)
	// Untouched keys keep defaults.
	assert.Equal(t, memory.DefaultConfig().TopK, cfg.Memory.TopK)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	isolate(t)
	path := writeYAML(t, "memory:\n  top_k: 4\n")
	t.Setenv("ALETHEIA_MEMORY_TOP_K", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Memory.TopK)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

func TestLoad_ClaudeKeyFallback(t *testing.T) {
	isolate(t)
	t.Setenv("ALETHEIA_SUMMARIZER_PROVIDER", "claude")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summarizer.api_key")

	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Summarizer.APIKey)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown transport", "archive:\n  transport: carrier-pigeon\n", "archive.transport"},
		{"endpoint required", "archive:\n  transport: http\n", "archive.endpoint is required"},
		{"unknown queue", "queue:\n  driver: redis\n", "queue.driver"},
		{"unknown summarizer", "summarizer:\n  provider: gpt\n", "summarizer.provider"},
		{"dimension mismatch", "memory:\n  dimensions: 128\n", "must match embedder.dimensions"},
		{"threshold out of range", "memory:\n  relevance_threshold: 1.5\n", "relevance_threshold"},
		{"zero top_k", "memory:\n  top_k: 0\n", "top_k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(writeYAML(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid configuration")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFrom_BoundValueWins(t *testing.T) {
	isolate(t)
	v := New()
	v.Set(KeyLogLevel, "debug")

	cfg, err := LoadFrom(v, "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestEnsureDataDir(t *testing.T) {
	cfg := &Config{DataDir: filepath.Join(t.TempDir(), "a", "b")}
	require.NoError(t, cfg.EnsureDataDir())

	info, err := os.Stat(cfg.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
