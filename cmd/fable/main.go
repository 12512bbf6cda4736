// Package main provides the fable CLI entry point.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/emirkrhan/fable/pkg/autosave"
	"github.com/emirkrhan/fable/pkg/backup"
	"github.com/emirkrhan/fable/pkg/config"
	"github.com/emirkrhan/fable/pkg/logging"
	"github.com/emirkrhan/fable/pkg/storage"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fable",
		Short: "fable - board persistence and auto-save",
		Long: `fable keeps story boards in sync with a remote board store.

Features:
  • Debounced auto-save with retries and a minimum gap between saves
  • Incremental saves of merged change patches, full snapshots otherwise
  • Crash-recovery backups in a local badger or bolt store
  • Cached board and user reads
  • Reference board API server`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (default: search standard locations)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("data-dir", "", "Local storage directory")
	rootCmd.PersistentFlags().String("storage", "", "Local storage backend: badger, bolt, memory")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fable v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newBackupCmd())
	return rootCmd
}

// loadConfig applies defaults, the config file, FABLE_* variables and then
// the persistent flags, and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("storage"); v != "" {
		cfg.Storage.Backend = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) (*logrus.Logger, io.Closer, error) {
	logging.Version = version
	return logging.New(cfg.Logging)
}

func openStorage(cfg config.StorageConfig, logger logrus.FieldLogger) (storage.Engine, error) {
	kv, err := storage.Open(storage.OpenOptions{
		Backend:            cfg.Backend,
		DataDir:            cfg.DataDir,
		SyncWrites:         cfg.SyncWrites,
		EncryptionPassword: cfg.EncryptionPassword,
		Badger: storage.BadgerOptions{
			Logger: badgerLogger{logger.WithField("component", "badger")},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open %s storage at %s: %w", cfg.Backend, cfg.DataDir, err)
	}
	return kv, nil
}

// badgerLogger routes badger's chatty info output to debug.
type badgerLogger struct {
	logrus.FieldLogger
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.FieldLogger.Debugf(format, args...)
}

// autosaveConfig maps the file configuration onto the engine configuration.
func autosaveConfig(cfg config.AutosaveConfig, boardID string) autosave.Config {
	key := cfg.BackupStorageKey
	if key == "" {
		key = "board:" + boardID
	}
	out := autosave.DefaultConfig(key)
	out.Enabled = cfg.Enabled
	out.Debounce = cfg.Debounce
	out.MaxRetries = cfg.MaxRetries
	out.RetryBaseDelay = cfg.RetryBaseDelay
	out.MinInterSaveGap = cfg.MinInterSaveGap
	out.IncrementalPatchBound = cfg.IncrementalPatchBound
	out.SavedDisplay = cfg.SavedDisplay
	out.ErrorDisplay = cfg.ErrorDisplay
	out.MaxPayloadBytes = cfg.MaxPayloadBytes
	out.ChangeLogCapacity = cfg.ChangeLogCapacity
	return out
}

// =============================================================================
// Backup commands
// =============================================================================

func newBackupCmd() *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Inspect local crash-recovery backups",
	}

	backupCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored backup keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackupStore(cmd, func(store *backup.Store) error {
				keys, err := store.Keys()
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	})

	backupCmd.AddCommand(&cobra.Command{
		Use:   "show <key>",
		Short: "Print the backup stored under key as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackupStore(cmd, func(store *backup.Store) error {
				rec, err := store.Load(args[0])
				if errors.Is(err, backup.ErrNoBackup) {
					return fmt.Errorf("no backup stored under %q", args[0])
				}
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			})
		},
	})

	clearCmd := &cobra.Command{
		Use:   "clear [key]",
		Short: "Delete the backup stored under key, or every backup with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all == (len(args) == 1) {
				return fmt.Errorf("give either a key or --all")
			}
			return withBackupStore(cmd, func(store *backup.Store) error {
				if all {
					n, err := store.ClearAll()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "cleared %d backups\n", n)
					return nil
				}
				if err := store.Clear(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared backup %q\n", args[0])
				return nil
			})
		},
	}
	clearCmd.Flags().Bool("all", false, "Delete every stored backup")
	backupCmd.AddCommand(clearCmd)

	backupCmd.AddCommand(&cobra.Command{
		Use:   "export <file>",
		Short: "Write a full copy of the local store to file (badger only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchiver(cmd, func(a storage.Archiver) error {
				if err := a.Backup(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported local store to %s\n", args[0])
				return nil
			})
		},
	})

	backupCmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Load a file written by export into the local store (badger only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchiver(cmd, func(a storage.Archiver) error {
				if err := a.Restore(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s into local store\n", args[0])
				return nil
			})
		},
	})

	return backupCmd
}

func withStorage(cmd *cobra.Command, fn func(*config.Config, storage.Engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closer, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	kv, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer kv.Close()
	return fn(cfg, kv)
}

func withBackupStore(cmd *cobra.Command, fn func(*backup.Store) error) error {
	return withStorage(cmd, func(_ *config.Config, kv storage.Engine) error {
		return fn(backup.NewStore(kv))
	})
}

func withArchiver(cmd *cobra.Command, fn func(storage.Archiver) error) error {
	return withStorage(cmd, func(cfg *config.Config, kv storage.Engine) error {
		a, ok := kv.(storage.Archiver)
		if !ok {
			return fmt.Errorf("the %s backend does not support export and import", cfg.Storage.Backend)
		}
		return fn(a)
	})
}
