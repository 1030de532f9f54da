// Package config holds operator-level configuration for an aletheia
// process: where it listens, where it keeps state, which archive it talks
// to, and the cache tuning parameters.
//
// Values come from, in increasing precedence: defaults, the YAML file
// (aletheia.config.yaml), and ALETHEIA_* environment variables. Nested keys
// map to env vars with "." replaced by "_" (memory.top_k → ALETHEIA_MEMORY_TOP_K).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/becomeliminal/aletheia/memory"
)

// Viper keys.
const (
	KeyListenAddr     = "listen_addr"
	KeyGRPCListenAddr = "grpc_listen_addr"
	KeyDataDir        = "data_dir"
	KeyLogLevel       = "log_level"
	KeyLogFormat      = "log_format"
	KeyOTel           = "otel"

	KeyArchiveTransport     = "archive.transport"
	KeyArchiveEndpoint      = "archive.endpoint"
	KeyArchiveHealthService = "archive.health_service"
	KeyArchiveToken         = "archive.token"

	KeyQueueDriver = "queue.driver"
	KeyQueuePath   = "queue.path"

	KeyIndexEnabled = "index.enabled"
	KeyIndexPersist = "index.persist"

	KeySummarizerProvider = "summarizer.provider"
	KeySummarizerModel    = "summarizer.model"
	KeySummarizerAPIKey   = "summarizer.api_key"

	KeyEmbedderDimensions = "embedder.dimensions"

	KeyMemoryCapacity           = "memory.capacity"
	KeyMemoryDimensions         = "memory.dimensions"
	KeyMemoryTopK               = "memory.top_k"
	KeyMemoryRelevanceThreshold = "memory.relevance_threshold"
	KeyMemoryMaxAgeDays         = "memory.max_age_days"
	KeyMemoryLongTermAfterDays  = "memory.long_term_after_days"
	KeyMemoryMidTermTTL         = "memory.mid_term_ttl"
	KeyMemorySummaryRecency     = "memory.summary_recency"
	KeyMemoryDecayHalfLife      = "memory.decay_half_life"
	KeyMemoryMinWeight          = "memory.min_weight"
	KeyMemoryConfidenceFloor    = "memory.confidence_floor"
	KeyMemoryDegradedConfidence = "memory.degraded_confidence"
	KeyMemoryPushTimeout        = "memory.push_timeout"
	KeyMemoryQueryTimeout       = "memory.query_timeout"
	KeyMemorySummarizeTimeout   = "memory.summarize_timeout"
	KeyMemoryRunTimeout         = "memory.run_timeout"
	KeyMemoryPushBatch          = "memory.push_batch"
	KeyMemoryHistoryLimit       = "memory.history_limit"
	KeyMemoryRefreshSchedule    = "memory.refresh_schedule"
	KeyMemoryArchiveCacheTTL    = "memory.archive_cache_ttl"
)

// Archive transports.
const (
	TransportNone = "none"
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Queue drivers.
const (
	QueueMemory = "memory"
	QueueSQLite = "sqlite"
)

// Summarizer providers.
const (
	SummarizerExtractive = "extractive"
	SummarizerClaude     = "claude"
)

const (
	DefaultListenAddr = "127.0.0.1:8420"
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "console"
	configName        = "aletheia.config"
)

// Config is the resolved configuration of an aletheia process.
type Config struct {
	ListenAddr     string // HTTP API address
	GRPCListenAddr string // archive service address; empty disables it
	DataDir        string // base directory for state (~/.aletheia)
	LogLevel       string
	LogFormat      string
	OTel           bool

	Archive    ArchiveConfig
	Queue      QueueConfig
	Index      IndexConfig
	Summarizer SummarizerConfig
	Embedder   EmbedderConfig
	Memory     memory.Config
}

// ArchiveConfig selects the long-term archive client.
type ArchiveConfig struct {
	Transport     string // none, http, grpc
	Endpoint      string // base URL (http) or target (grpc)
	HealthService string // grpc.health.v1 service name probed by the grpc client
	Token         string // bearer token for the http client
}

// QueueConfig selects where pending updates wait.
type QueueConfig struct {
	Driver string // memory, sqlite
	Path   string // sqlite database file
}

// IndexConfig controls the summary embedding index.
type IndexConfig struct {
	Enabled bool
	Persist bool // keep vectors under DataDir/index
}

// SummarizerConfig selects how pruned entries are summarized.
type SummarizerConfig struct {
	Provider string // extractive, claude
	Model    string
	APIKey   string
}

// EmbedderConfig configures the built-in hash embedder.
type EmbedderConfig struct {
	Dimensions int
}

// IndexDir returns the directory of the persistent embedding index.
func (c *Config) IndexDir() string {
	return filepath.Join(c.DataDir, "index")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// New returns a viper instance with defaults and ALETHEIA_* env binding.
// Callers may bind flags to it before LoadFrom.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ALETHEIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyListenAddr, DefaultListenAddr)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogFormat, DefaultLogFormat)
	v.SetDefault(KeyOTel, false)
	v.SetDefault(KeyArchiveTransport, TransportNone)
	v.SetDefault(KeyQueueDriver, QueueSQLite)
	v.SetDefault(KeyIndexEnabled, true)
	v.SetDefault(KeyIndexPersist, true)
	v.SetDefault(KeySummarizerProvider, SummarizerExtractive)
	v.SetDefault(KeyEmbedderDimensions, 256)

	d := memory.DefaultConfig()
	v.SetDefault(KeyMemoryCapacity, d.Capacity)
	v.SetDefault(KeyMemoryDimensions, d.Dimensions)
	v.SetDefault(KeyMemoryTopK, d.TopK)
	v.SetDefault(KeyMemoryRelevanceThreshold, d.RelevanceThreshold)
	v.SetDefault(KeyMemoryMaxAgeDays, d.MaxAgeDays)
	v.SetDefault(KeyMemoryLongTermAfterDays, d.LongTermAfterDays)
	v.SetDefault(KeyMemoryMidTermTTL, d.MidTermTTL)
	v.SetDefault(KeyMemorySummaryRecency, d.SummaryRecency)
	v.SetDefault(KeyMemoryDecayHalfLife, d.DecayHalfLife)
	v.SetDefault(KeyMemoryMinWeight, d.MinWeight)
	v.SetDefault(KeyMemoryConfidenceFloor, d.ConfidenceFloor)
	v.SetDefault(KeyMemoryDegradedConfidence, d.DegradedConfidence)
	v.SetDefault(KeyMemoryPushTimeout, d.PushTimeout)
	v.SetDefault(KeyMemoryQueryTimeout, d.QueryTimeout)
	v.SetDefault(KeyMemorySummarizeTimeout, d.SummarizeTimeout)
	v.SetDefault(KeyMemoryRunTimeout, d.RunTimeout)
	v.SetDefault(KeyMemoryPushBatch, d.PushBatch)
	v.SetDefault(KeyMemoryHistoryLimit, d.HistoryLimit)
	v.SetDefault(KeyMemoryRefreshSchedule, d.RefreshSchedule)
	v.SetDefault(KeyMemoryArchiveCacheTTL, d.ArchiveCacheTTL)
	return v
}

// Load reads configuration from path (or aletheia.config.yaml in "." or
// ~/.aletheia when path is empty) and the environment.
func Load(path string) (*Config, error) {
	return LoadFrom(New(), path)
}

// LoadFrom is Load on a caller-prepared viper instance.
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".aletheia"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{
		ListenAddr:     v.GetString(KeyListenAddr),
		GRPCListenAddr: v.GetString(KeyGRPCListenAddr),
		DataDir:        resolveDataDir(v),
		LogLevel:       v.GetString(KeyLogLevel),
		LogFormat:      v.GetString(KeyLogFormat),
		OTel:           v.GetBool(KeyOTel),
		Archive: ArchiveConfig{
			Transport:     strings.ToLower(v.GetString(KeyArchiveTransport)),
			Endpoint:      v.GetString(KeyArchiveEndpoint),
			HealthService: v.GetString(KeyArchiveHealthService),
			Token:         v.GetString(KeyArchiveToken),
		},
		Queue: QueueConfig{
			Driver: strings.ToLower(v.GetString(KeyQueueDriver)),
			Path:   v.GetString(KeyQueuePath),
		},
		Index: IndexConfig{
			Enabled: v.GetBool(KeyIndexEnabled),
			Persist: v.GetBool(KeyIndexPersist),
		},
		Summarizer: SummarizerConfig{
			Provider: strings.ToLower(v.GetString(KeySummarizerProvider)),
			Model:    v.GetString(KeySummarizerModel),
			APIKey:   v.GetString(KeySummarizerAPIKey),
		},
		Embedder: EmbedderConfig{
			Dimensions: v.GetInt(KeyEmbedderDimensions),
		},
		Memory: memory.Config{
			Capacity:           v.GetInt(KeyMemoryCapacity),
			Dimensions:         v.GetInt(KeyMemoryDimensions),
			TopK:               v.GetInt(KeyMemoryTopK),
			RelevanceThreshold: v.GetFloat64(KeyMemoryRelevanceThreshold),
			MaxAgeDays:         v.GetInt(KeyMemoryMaxAgeDays),
			LongTermAfterDays:  v.GetInt(KeyMemoryLongTermAfterDays),
			MidTermTTL:         v.GetDuration(KeyMemoryMidTermTTL),
			SummaryRecency:     v.GetDuration(KeyMemorySummaryRecency),
			DecayHalfLife:      v.GetDuration(KeyMemoryDecayHalfLife),
			MinWeight:          v.GetFloat64(KeyMemoryMinWeight),
			ConfidenceFloor:    v.GetFloat64(KeyMemoryConfidenceFloor),
			DegradedConfidence: v.GetFloat64(KeyMemoryDegradedConfidence),
			PushTimeout:        v.GetDuration(KeyMemoryPushTimeout),
			QueryTimeout:       v.GetDuration(KeyMemoryQueryTimeout),
			SummarizeTimeout:   v.GetDuration(KeyMemorySummarizeTimeout),
			RunTimeout:         v.GetDuration(KeyMemoryRunTimeout),
			PushBatch:          v.GetInt(KeyMemoryPushBatch),
			HistoryLimit:       v.GetInt(KeyMemoryHistoryLimit),
			RefreshSchedule:    v.GetString(KeyMemoryRefreshSchedule),
			ArchiveCacheTTL:    v.GetDuration(KeyMemoryArchiveCacheTTL),
		},
	}

	if cfg.Queue.Path == "" {
		cfg.Queue.Path = filepath.Join(cfg.DataDir, "aletheia.db")
	}
	if cfg.Summarizer.APIKey == "" {
		cfg.Summarizer.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir(v *viper.Viper) string {
	if dir := v.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aletheia"
	}
	return filepath.Join(home, ".aletheia")
}

func (c *Config) validate() error {
	switch c.Archive.Transport {
	case TransportNone:
	case TransportHTTP, TransportGRPC:
		if c.Archive.Endpoint == "" {
			return fmt.Errorf("archive.endpoint is required for transport %q", c.Archive.Transport)
		}
	default:
		return fmt.Errorf("archive.transport must be none, http or grpc, got %q", c.Archive.Transport)
	}

	switch c.Queue.Driver {
	case QueueMemory, QueueSQLite:
	default:
		return fmt.Errorf("queue.driver must be memory or sqlite, got %q", c.Queue.Driver)
	}

	switch c.Summarizer.Provider {
	case SummarizerExtractive:
	case SummarizerClaude:
		if c.Summarizer.APIKey == "" {
			return errors.New("summarizer.api_key (or ANTHROPIC_API_KEY) is required for the claude summarizer")
		}
	default:
		return fmt.Errorf("summarizer.provider must be extractive or claude, got %q", c.Summarizer.Provider)
	}

	if c.Embedder.Dimensions <= 0 {
		return fmt.Errorf("embedder.dimensions must be positive, got %d", c.Embedder.Dimensions)
	}
	if c.Memory.Dimensions > 0 && c.Memory.Dimensions != c.Embedder.Dimensions {
		return fmt.Errorf("memory.dimensions (%d) must match embedder.dimensions (%d)",
			c.Memory.Dimensions, c.Embedder.Dimensions)
	}
	if c.ListenAddr == "" {
		return errors.New("listen_addr must not be empty")
	}
	return c.Memory.Validate()
}
