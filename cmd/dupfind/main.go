package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"dupfind/internal/app"
	"dupfind/internal/config"
	"dupfind/internal/report"
	"dupfind/internal/server"
)

var (
	cfgFile string
	cfg     = config.Default()
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatalf("dupfind: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dupfind [path...]",
		Short:         "Find duplicate files by size, then by content hash",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, args)
		},
		RunE: runCmd,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", defaultConfigPath(), "path to INI config file")
	flags.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "path to the record database")
	flags.StringVarP(&cfg.Mode, "mode", "m", cfg.Mode, "run mode: normal, hash or end")
	flags.StringVar(&cfg.Algorithm, "algorithm", cfg.Algorithm, "hash algorithm: md5, sha1, sha256, sha512")
	flags.IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "files hashed concurrently")
	flags.BoolVar(&cfg.FollowSymlinks, "follow-symlinks", cfg.FollowSymlinks, "descend into symlinked directories")
	flags.IntVar(&cfg.MaxDepth, "max-depth", cfg.MaxDepth, "maximum directory depth (0 = unlimited)")
	flags.BoolVar(&cfg.Prune, "prune", cfg.Prune, "drop records of files that no longer exist")
	flags.StringVarP(&cfg.Format, "format", "f", cfg.Format, "report format: human, json, yaml, fdupes")
	flags.CountVarP(&cfg.Verbose, "verbose", "v", "increase log verbosity")

	root.AddCommand(newServeCmd(), newConfigCmd())
	return root
}

// loadConfig layers defaults, the INI file and explicitly set flags.
func loadConfig(cmd *cobra.Command, args []string) error {
	flagged := cfg
	merged := config.Default()
	if err := config.LoadFile(&merged, cfgFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	cmd.Flags().Visit(func(f *pflag.Flag) {
		applyFlag(&merged, flagged, f.Name)
	})
	if len(args) > 0 {
		merged.ScanPaths = args
	}
	if err := merged.NormalizeScanPaths(); err != nil {
		return err
	}
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = merged
	return nil
}

func applyFlag(dst *config.Config, src config.Config, name string) {
	switch name {
	case "db":
		dst.DatabasePath = src.DatabasePath
	case "mode":
		dst.Mode = src.Mode
	case "algorithm":
		dst.Algorithm = src.Algorithm
	case "workers":
		dst.Workers = src.Workers
	case "follow-symlinks":
		dst.FollowSymlinks = src.FollowSymlinks
	case "max-depth":
		dst.MaxDepth = src.MaxDepth
	case "prune":
		dst.Prune = src.Prune
	case "format":
		dst.Format = src.Format
	case "verbose":
		dst.Verbose = src.Verbose
	case "listen":
		dst.ListenAddr = src.ListenAddr
	}
}

func runCmd(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cfg.Verbose)

	application, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer application.Close()

	summary, err := application.Run(cmd.Context(), cfg.Mode)
	if err != nil {
		return err
	}
	for _, skipped := range summary.Skipped {
		logger.Warn("skipped during scan", "error", skipped)
	}
	for _, failed := range summary.HashFailed {
		logger.Warn("not hashed", "error", failed)
	}
	return report.Write(cmd.OutOrStdout(), cfg.Format, summary.Groups)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve duplicate reports over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(cfg.Verbose)

			application, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer application.Close()

			logger.Info("starting server", "addr", cfg.ListenAddr)
			if err := server.New(application, logger).Start(cmd.Context(), cfg.ListenAddr); err != nil {
				return fmt.Errorf("run server: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print or save the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config:          %s\n", cfgFile)
			fmt.Fprintf(out, "database:        %s\n", cfg.DatabasePath)
			fmt.Fprintf(out, "scan paths:      %v\n", cfg.ScanPaths)
			fmt.Fprintf(out, "mode:            %s\n", cfg.Mode)
			fmt.Fprintf(out, "algorithm:       %s\n", cfg.Algorithm)
			fmt.Fprintf(out, "workers:         %d\n", cfg.Workers)
			fmt.Fprintf(out, "follow symlinks: %t\n", cfg.FollowSymlinks)
			fmt.Fprintf(out, "max depth:       %d\n", cfg.MaxDepth)
			fmt.Fprintf(out, "prune:           %t\n", cfg.Prune)
			fmt.Fprintf(out, "format:          %s\n", cfg.Format)
			fmt.Fprintf(out, "listen:          %s\n", cfg.ListenAddr)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Write the effective configuration to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Save(cfg, cfgFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", cfgFile)
			return nil
		},
	})
	return cmd
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "dupfind", "config.ini")
	}
	return "dupfind.ini"
}

func newLogger(verbose int) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case verbose >= 2:
		level = slog.LevelDebug
	case verbose == 1:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
