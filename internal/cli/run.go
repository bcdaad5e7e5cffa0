package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/natsbeat/internal/config"
	"github.com/t77yq/natsbeat/internal/control"
	"github.com/t77yq/natsbeat/internal/dispatch"
	"github.com/t77yq/natsbeat/internal/metrics"
	"github.com/t77yq/natsbeat/internal/scheduler"
	"github.com/t77yq/natsbeat/internal/storage"
)

const (
	connectRetries  = 5
	shutdownTimeout = 10 * time.Second
	pruneEvery      = time.Hour
)

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			go func() {
				select {
				case <-sigCh:
					cancel()
				case <-ctx.Done():
				}
			}()

			return runBeat(ctx, cfg)
		},
	}
}

func runBeat(ctx context.Context, cfg *config.Config) error {
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	src, err := openSources(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open schedule source: %w", err)
	}
	defer src.Close()

	nc, err := connectNATS(cfg, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	collector := metrics.NewCollector()

	dispatchCfg := dispatch.Config{
		Stream:  cfg.NATS.Stream,
		Subject: cfg.NATS.Subject,
		Buffer:  cfg.Beat.DispatchBuffer,
		Metrics: collector,
	}
	if src.store != nil {
		dispatchCfg.Recorder = src.store
	}
	dispatcher, err := dispatch.NewNATSDispatcher(js, dispatchCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	defer dispatcher.Close()

	beat, err := scheduler.New(scheduler.Config{
		MaxInterval: cfg.Beat.MaxInterval,
		SyncEvery:   cfg.Beat.SyncEvery,
		Location:    loc,
		Defaults:    scheduler.DefaultEntries(cfg.Beat.ResultExpires),
		Static:      cfg.StaticSchedules(),
		Source:      src.hooks,
		Dispatcher:  dispatcher,
		Metrics:     collector,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if cfg.Beat.Control && src.store != nil {
		sub := control.NewSubscriber(js, src.store, beat.Refresh, logger)
		if err := sub.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control subscriber: %w", err)
		}
		defer sub.Stop()
	}

	if src.file != nil {
		go src.file.Watch(ctx)
	}

	if src.store != nil && cfg.Beat.HistoryRetention > 0 {
		go pruneHistory(ctx, src.store, cfg.Beat.HistoryRetention, logger)
	}

	if cfg.Metrics.Addr != "" {
		server := metrics.NewServer(cfg.Metrics.Addr, logger)
		server.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	runErr := beat.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	beat.Close(shutdownCtx)

	logger.Info("Scheduler shut down", zap.Time("last_updated", beat.LastUpdated()))
	return runErr
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	var err error
	for i := 0; i < connectRetries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after retries: %w", err)
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// pruneHistory deletes dispatch history older than retention once an hour.
func pruneHistory(ctx context.Context, store *storage.SQLiteStore, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.DeleteDispatchesBefore(ctx, time.Now().Add(-retention)); err != nil {
				logger.Error("Failed to prune dispatch history", zap.Error(err))
			}
		}
	}
}
