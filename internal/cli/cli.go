// Package cli implements the natsbeat command line.
//
//	natsbeat
//	├── run        start the scheduler
//	├── list       show entries and when they are next due
//	├── add        store a dynamic schedule
//	├── remove     delete a dynamic schedule
//	└── history    show recent dispatches
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/natsbeat/internal/config"
	"github.com/t77yq/natsbeat/internal/scheduler"
	"github.com/t77yq/natsbeat/internal/source"
	"github.com/t77yq/natsbeat/internal/storage"
)

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "natsbeat",
		Short: "natsbeat: a periodic task scheduler that publishes to NATS",
		Long: `natsbeat keeps a table of periodic task schedules and publishes each
task to a NATS JetStream subject when it is due. Schedules come from the
config file, a SQLite store or a watched YAML file and may change while
the scheduler runs.`,
		Version:      "0.1.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default ./config/config.yaml)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildAddCommand())
	rootCmd.AddCommand(buildRemoveCommand())
	rootCmd.AddCommand(buildHistoryCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// sources is the dynamic schedule source selected by beat.source.
type sources struct {
	hooks scheduler.SourceHooks
	store *storage.SQLiteStore
	file  *source.FileSource
}

func openSources(cfg *config.Config, logger *zap.Logger) (*sources, error) {
	switch cfg.Beat.Source {
	case config.SourceSQLite:
		store, err := storage.NewSQLiteStore(logger, cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		return &sources{hooks: store.Hooks(), store: store}, nil
	case config.SourceFile:
		file, err := source.NewFileSource(cfg.FileSource.Path, logger)
		if err != nil {
			return nil, err
		}
		return &sources{hooks: file.Hooks(), file: file}, nil
	default:
		return &sources{}, nil
	}
}

func (s *sources) Close() {
	if s.store != nil {
		s.store.Close()
	}
}

// openStore opens the SQLite store regardless of beat.source, for the
// commands that manage stored schedules.
func openStore(cfg *config.Config, logger *zap.Logger) (*storage.SQLiteStore, error) {
	if cfg.Store.Path == "" {
		return nil, fmt.Errorf("store.path is not configured")
	}
	return storage.NewSQLiteStore(logger, cfg.Store.Path)
}
