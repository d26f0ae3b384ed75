package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/owlpress/guideline-pipeline/internal/artifactstore"
	"github.com/owlpress/guideline-pipeline/internal/config"
	"github.com/owlpress/guideline-pipeline/internal/home"
	"github.com/owlpress/guideline-pipeline/internal/jobdb"
	"github.com/owlpress/guideline-pipeline/internal/joblock"
	"github.com/owlpress/guideline-pipeline/internal/metrics"
	"github.com/owlpress/guideline-pipeline/internal/providers"
	"github.com/owlpress/guideline-pipeline/internal/svcctx"
)

var (
	cfgFile      string
	homeDirFlag  string
	outputFormat string
	logLevel     string
)

// ParseLogLevel converts a string log level to slog.Level. Supports:
// debug, info, warn, error (case-insensitive).
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", level)
	}
}

// GetLogLevel returns the configured log level, checking the CLI flag,
// then GUIDECTL_LOG_LEVEL, then defaulting to info.
func GetLogLevel() slog.Level {
	level := logLevel
	if level == "" {
		level = os.Getenv("GUIDECTL_LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}
	parsed, err := ParseLogLevel(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, using info\n", err)
		return slog.LevelInfo
	}
	return parsed
}

var rootCmd = &cobra.Command{
	Use:   "guidectl",
	Short: "Textbook guideline extraction pipeline",
	Long: `guidectl runs the guideline extraction pipeline that turns scanned
textbook pages into a stabilized, per-subtopic set of teaching guidelines.

The pipeline includes:
  - Bulk OCR of uploaded page images
  - Page-sequential guideline extraction with shard accumulation
  - Finalization: name refinement, deduplication, and database sync`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: config.yaml in the home directory)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDirFlag, "home", "", "guidectl home directory (default: ~/.guidectl)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "", "log level: debug, info, warn, error (default: info, env: GUIDECTL_LOG_LEVEL)",
	)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ocrCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(finalizeCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(pagesCmd)
}

// logUsage logs a job's provider usage: one line for the whole job, one
// debug line per pipeline stage.
func logUsage(logger *slog.Logger, rec *metrics.Recorder) {
	s := rec.Summary()
	if s.Count == 0 {
		return
	}
	logger.Info("provider usage",
		"calls", s.Count,
		"cost_usd", s.TotalCostUSD,
		"tokens", s.TotalTokens,
		"errors", s.ErrorCount,
		"total_time", s.TotalTime,
	)
	for stage, ss := range rec.ByStage() {
		logger.Debug("provider usage by stage",
			"stage", stage,
			"calls", ss.Count,
			"cost_usd", ss.TotalCostUSD,
			"tokens", ss.TotalTokens,
			"errors", ss.ErrorCount,
		)
	}
}

// newLogger builds the process logger at the configured level.
func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: GetLogLevel()}))
}

// newServices opens the home directory, config, job database, job lock,
// artifact store, and provider registry shared by every subcommand.
func newServices() (*svcctx.Services, error) {
	logger := newLogger()

	h, err := home.New(homeDirFlag)
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	if err := h.EnsureExists(); err != nil {
		return nil, fmt.Errorf("create home directory: %w", err)
	}

	configPath := cfgFile
	if configPath == "" {
		configPath = h.ConfigPath()
	}
	if !h.ConfigExists() && cfgFile == "" {
		if err := config.WriteDefault(configPath); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	cm, err := config.NewManager(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cm.WatchConfig()

	db, err := jobdb.Open(h.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open job database: %w", err)
	}

	lock := joblock.NewService(db,
		joblock.WithStaleThreshold(cm.Get().Pipeline.StaleThreshold),
		joblock.WithLogger(logger),
	)

	registry := providers.NewRegistryFromConfig(cm.Get().ToProviderRegistryConfig())
	registry.SetLogger(logger)
	cm.OnChange(func(c *config.Config) {
		registry.Reload(c.ToProviderRegistryConfig())
	})

	store := artifactstore.NewFSStore(h.DataPath())

	return &svcctx.Services{
		Store:    store,
		DB:       db,
		Lock:     lock,
		Registry: registry,
		Config:   cm,
		Home:     h,
		Logger:   logger,
	}, nil
}
