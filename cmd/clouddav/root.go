package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"clouddav/internal/config"
	"clouddav/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
)

// loadedCfg holds the configuration loaded by PersistentPreRunE.
var loadedCfg *config.Config

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "clouddav",
		Short:         "WebDAV gateway for cloud storage backends",
		Long:          "Serves S3, WebDAV, Google Drive, OneDrive, Baidu and Aliyun backends through one WebDAV endpoint.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(flagConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			loadedCfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "config.yaml", "config file path (.yaml or .toml)")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newBackendsCmd())
	return cmd
}

// buildLogger creates the process logger from the log section. "auto" picks
// text on a terminal and JSON otherwise; --verbose forces debug.
func buildLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if flagVerbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	text := cfg.Format == "text"
	if cfg.Format == "auto" || cfg.Format == "" {
		text = isTerminal(w)
	}
	if text {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// openStore opens the configured store and seeds the backends declared in
// the config file.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Type, cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Type, err)
	}
	seed := make([]store.Backend, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		seed = append(seed, b.Backend())
	}
	added, err := store.Seed(ctx, st, seed)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("seeding backends: %w", err)
	}
	if added > 0 {
		logger.Info("seeded backends from config", slog.Int("count", added))
	}
	return st, nil
}
