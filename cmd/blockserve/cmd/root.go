package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/agenthands/blockserve/pkg/catalog"
	"github.com/agenthands/blockserve/pkg/core"
	"github.com/agenthands/blockserve/pkg/storage"
	"github.com/agenthands/blockserve/pkg/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "blockserve",
	Short:         "Serve content-addressed blocks from CAR archives",
	Long:          "Index a directory of CAR v1/v2 archives and answer block requests from it.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/blockserve/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory of archives to serve")
	rootCmd.PersistentFlags().String("catalog-dir", "", "index cache directory (empty disables it)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "", "text or json")

	viper.BindPFlag("storage.dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("catalog.dir", rootCmd.PersistentFlags().Lookup("catalog-dir"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
		viper.SetConfigName("blockserve")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BLOCKSERVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(core.DefaultConfig())

	viper.ReadInConfig()
}

func setDefaults(d core.Config) {
	defaults := map[string]any{
		"storage.dir":              d.Storage.Dir,
		"storage.extensions":       d.Storage.Extensions,
		"storage.maxopenfiles":     d.Storage.MaxOpenFiles,
		"catalog.dir":              d.Catalog.Dir,
		"index.concurrency":        d.Index.Concurrency,
		"index.maxsectionsize":     d.Index.MaxSectionSize,
		"index.maxheadersize":      d.Index.MaxHeaderSize,
		"exchange.misspolicy":      d.Exchange.MissPolicy,
		"exchange.maxmessagesize":  d.Exchange.MaxMessageSize,
		"exchange.maxwantentries":  d.Exchange.MaxWantEntries,
		"server.network":           d.Server.Network,
		"server.address":           d.Server.Address,
		"server.idletimeout":       d.Server.IdleTimeout,
		"server.readtimeout":       d.Server.ReadTimeout,
		"server.maxinflightreads":  d.Server.MaxInflightReads,
		"server.maxframesize":      d.Server.MaxFrameSize,
		"server.compressthreshold": d.Server.CompressThreshold,
		"server.zstdlevel":         d.Server.ZstdLevel,
		"refresh.enabled":          d.Refresh.Enabled,
		"refresh.runevery":         d.Refresh.RunEvery,
		"chunking.min":             d.Chunking.Min,
		"chunking.avg":             d.Chunking.Avg,
		"chunking.max":             d.Chunking.Max,
		"chunking.normalization":   d.Chunking.Normalization,
		"pack.targetpackbytes":     d.Pack.TargetPackBytes,
		"pack.sealfsync":           d.Pack.SealFsync,
		"log.level":                d.Log.Level,
		"log.format":               d.Log.Format,
	}
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "blockserve")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "blockserve")
	}
	return ".blockserve"
}

// loadConfig resolves the effective configuration and installs the logger.
func loadConfig() (core.Config, error) {
	cfg := core.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return core.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return core.Config{}, err
	}
	slog.SetDefault(logger)
	cfg.Logger = logger
	return cfg, nil
}

func newLogger(cfg core.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("%w: log level %q", core.ErrInvalidInput, cfg.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("%w: log format %q", core.ErrInvalidInput, cfg.Format)
	}
}

// contentStore bundles a built store with the resources it owns.
type contentStore struct {
	*store.Store
	backend *storage.Dir
	catalog catalog.Catalog
}

func (cs *contentStore) Close() error {
	err := cs.Store.Close()
	if cs.catalog != nil {
		if cerr := cs.catalog.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if cerr := cs.backend.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// openStore builds the content store over the configured directory.
func openStore(ctx context.Context, cfg core.Config) (*contentStore, error) {
	backend, err := storage.NewDir(storage.DirConfig{
		Root:         cfg.Storage.Dir,
		Extensions:   cfg.Storage.Extensions,
		MaxOpenFiles: cfg.Storage.MaxOpenFiles,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	cs := &contentStore{backend: backend}

	if cfg.Catalog.Dir != "" {
		cs.catalog, err = catalog.Open(cfg.Catalog.Dir)
		if err != nil {
			backend.Close()
			return nil, err
		}
	}

	cs.Store, err = store.New(store.Options{
		Backend: backend,
		Catalog: cs.catalog,
		Index:   cfg.Index,
		Logger:  cfg.Logger,
	})
	if err != nil {
		if cs.catalog != nil {
			cs.catalog.Close()
		}
		backend.Close()
		return nil, err
	}

	if _, err := cs.Rebuild(ctx); err != nil {
		cs.Close()
		return nil, err
	}
	return cs, nil
}
