package core

import (
	"log/slog"
	"time"
)

type Config struct {
	Storage  StorageConfig
	Catalog  CatalogConfig
	Index    IndexConfig
	Exchange ExchangeConfig
	Server   ServerConfig
	Refresh  RefreshConfig
	Chunking ChunkingConfig
	Pack     PackConfig
	Log      LogConfig

	// Logger is used by every component built from this config. Nil means
	// slog.Default().
	Logger *slog.Logger `mapstructure:"-"`
}

type StorageConfig struct {
	Dir          string
	Extensions   []string
	MaxOpenFiles int
}

type CatalogConfig struct {
	Dir string // empty disables the catalog
}

type IndexConfig struct {
	Concurrency    int
	MaxSectionSize uint64
	MaxHeaderSize  uint64
}

type ExchangeConfig struct {
	MissPolicy     string // always, never, requested
	MaxMessageSize int
	MaxWantEntries int
}

type ServerConfig struct {
	Network           string // unix or tcp
	Address           string
	IdleTimeout       time.Duration
	ReadTimeout       time.Duration
	MaxInflightReads  int
	MaxFrameSize      int
	CompressThreshold int
	ZstdLevel         int
}

type RefreshConfig struct {
	Enabled  bool
	RunEvery time.Duration
}

type ChunkingConfig struct {
	Min           int
	Avg           int
	Max           int
	Normalization int
}

type PackConfig struct {
	Dir             string
	TargetPackBytes uint64
	SealFsync       bool
}

type LogConfig struct {
	Level  string
	Format string // text or json
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Dir:          "data",
			Extensions:   []string{".car"},
			MaxOpenFiles: 16,
		},
		Index: IndexConfig{
			Concurrency:    4,
			MaxSectionSize: 32 << 20,
			MaxHeaderSize:  32 << 20,
		},
		Exchange: ExchangeConfig{
			MissPolicy:     "always",
			MaxMessageSize: 4 << 20,
			MaxWantEntries: 1024,
		},
		Server: ServerConfig{
			Network:           "unix",
			Address:           "blockserve.sock",
			IdleTimeout:       5 * time.Minute,
			ReadTimeout:       30 * time.Second,
			MaxInflightReads:  8,
			MaxFrameSize:      8 << 20,
			CompressThreshold: 1 << 10,
			ZstdLevel:         3,
		},
		Refresh: RefreshConfig{
			RunEvery: time.Minute,
		},
		Chunking: ChunkingConfig{
			Min: 256 << 10,
			Avg: 1 << 20,
			Max: 4 << 20,
		},
		Pack: PackConfig{
			TargetPackBytes: 256 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoggerOrDefault returns l, or slog.Default() when l is nil.
func LoggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
