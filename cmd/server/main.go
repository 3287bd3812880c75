package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/api"
	"github.com/t77yq/promptcron/internal/broker"
	"github.com/t77yq/promptcron/internal/config"
	"github.com/t77yq/promptcron/internal/executor"
	"github.com/t77yq/promptcron/internal/monitor"
	"github.com/t77yq/promptcron/internal/notify"
	"github.com/t77yq/promptcron/internal/pipeline"
	"github.com/t77yq/promptcron/internal/scheduler"
	"github.com/t77yq/promptcron/internal/storage"
	"github.com/t77yq/promptcron/internal/toolexec"
)

const (
	staleRunReason       = "interrupted before completion"
	natsConnectRetries   = 5
	shutdownTimeout      = 30 * time.Second
	natsReconnectBufSize = 5 * 1024 * 1024
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	loc, err := cfg.App.Location()
	if err != nil {
		logger.Fatal("Failed to load timezone", zap.Error(err))
	}
	if loc != nil {
		time.Local = loc
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Settings and run history
	settingsStore, err := storage.NewFileSettingsStore(logger, cfg.Settings.Path)
	if err != nil {
		logger.Fatal("Failed to open settings", zap.Error(err))
	}
	if cfg.Settings.Watch {
		go func() {
			if err := settingsStore.Watch(ctx); err != nil {
				logger.Error("Settings watcher stopped", zap.Error(err))
			}
		}()
	}

	ledger, err := storage.NewSQLiteRunLedger(logger, cfg.Ledger.Path)
	if err != nil {
		logger.Fatal("Failed to open run ledger", zap.Error(err))
	}
	defer ledger.Close()

	if closed, err := ledger.MarkStaleRunning(ctx, staleRunReason); err != nil {
		logger.Error("Failed to close stale runs", zap.Error(err))
	} else if closed > 0 {
		logger.Warn("Closed runs left over from a previous process", zap.Int64("count", closed))
	}

	// Messaging
	var nc *nats.Conn
	var js nats.JetStreamContext
	if cfg.NATS.Enabled {
		url := cfg.NATS.URL
		if cfg.NATS.Embedded {
			embedded, err := broker.StartEmbedded(broker.Config{StoreDir: cfg.NATS.StoreDir}, logger)
			if err != nil {
				logger.Fatal("Failed to start embedded NATS server", zap.Error(err))
			}
			defer embedded.Shutdown()
			url = embedded.ClientURL()
		}

		nc = connectNATS(url, cfg, logger)
		defer nc.Close()

		js, err = nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
	}

	// Scheduling
	managerOpts := []scheduler.WorkManagerOption{
		scheduler.WithRetryStrategy(&scheduler.ExponentialBackoff{
			InitialDelay: cfg.Scheduler.RetryInitialDelay,
			MaxDelay:     cfg.Scheduler.RetryMaxDelay,
			Multiplier:   cfg.Scheduler.RetryMultiplier,
		}),
	}
	if nc != nil {
		dispatcher, err := scheduler.NewJetStreamDispatcher(nc, cfg.NATS.ResultTimeout, logger)
		if err != nil {
			logger.Fatal("Failed to create work dispatcher", zap.Error(err))
		}
		managerOpts = append(managerOpts, scheduler.WithDispatcher(dispatcher))
	}
	workManager := scheduler.NewWorkManager(logger, managerOpts...)

	reconciler := scheduler.NewReconciler(settingsStore, workManager, logger,
		scheduler.WithMinInitialDelay(cfg.Scheduler.MinInitialDelay))

	// Execution
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(logger))
	if cfg.Notify.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(cfg.Notify.WebhookURL, logger)
		if err != nil {
			logger.Fatal("Failed to create webhook notifier", zap.Error(err))
		}
		notifiers = append(notifiers, webhook)
	}
	if nc != nil {
		notifiers = append(notifiers, notify.NewNATSNotifier(nc, cfg.Notify.Subject))
	}

	tools := toolexec.NewRunner(toolexec.Config{
		Shell:     cfg.Tools.Shell,
		Python:    cfg.Tools.Python,
		Timeout:   cfg.Tools.Timeout,
		MaxOutput: cfg.Tools.MaxOutput,
		WorkDir:   cfg.Tools.WorkDir,
	}, logger)

	chat := pipeline.NewChatPipeline(pipeline.Config{
		BaseURL:       cfg.Pipeline.BaseURL,
		APIKey:        cfg.Pipeline.APIKey,
		Model:         cfg.Pipeline.Model,
		ProviderName:  cfg.Pipeline.ProviderName,
		SystemPrompt:  cfg.Pipeline.SystemPrompt,
		MaxToolRounds: cfg.Pipeline.MaxToolRounds,
	}, tools, logger)

	taskExecutor := executor.NewTaskExecutor(settingsStore, ledger, chat, notify.NewMultiNotifier(notifiers...), executor.Config{
		Timeout:          cfg.Executor.Timeout,
		ErrorLimit:       cfg.Executor.ErrorLimit,
		StatusErrorLimit: cfg.Executor.StatusErrorLimit,
		Retention:        cfg.Ledger.Retention,
	}, logger)

	workManager.RegisterWorker(scheduler.KindPeriodic, reconciler.PeriodicWorker())
	workManager.RegisterWorker(scheduler.KindCatchUp, taskExecutor)
	workManager.RegisterWorker(scheduler.KindTriggered, taskExecutor)

	if err := workManager.Start(ctx); err != nil {
		logger.Fatal("Failed to start work manager", zap.Error(err))
	}

	// Subscribe emits the current settings first, so this also performs the
	// boot reconcile.
	reconciler.Start(ctx)

	clockWatcher := scheduler.NewClockWatcher(reconciler,
		cfg.Scheduler.ClockCheckInterval, cfg.Scheduler.ClockDriftThreshold, logger)
	go clockWatcher.Run(ctx)

	// Operator surfaces
	collector := monitor.NewMetricsCollector(js, ledger, workManager, cfg.Metrics.Interval, logger)
	if err := collector.Start(ctx); err != nil {
		logger.Error("Failed to start metrics collector", zap.Error(err))
	}

	server := api.NewServer(api.Config{
		Addr:        cfg.HTTP.Addr,
		AuthToken:   cfg.HTTP.AuthToken,
		RecentLimit: cfg.Ledger.RecentLimit,
	}, ledger, settingsStore, reconciler, logger)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	logger.Info("Scheduler daemon started",
		zap.String("app", cfg.App.Name),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.String("settings", cfg.Settings.Path),
		zap.String("ledger", cfg.Ledger.Path))

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Failed to shut down HTTP server", zap.Error(err))
	}
	collector.Stop()

	if pending := workManager.Pending(); pending > 0 {
		logger.Info("Waiting for in-flight works", zap.Int("registered", pending))
	}
	workManager.Stop(shutdownCtx)

	logger.Info("Server shutting down gracefully")
}

// connectNATS dials the broker with reconnect handling, retrying the initial
// connection with a growing pause.
func connectNATS(url string, cfg *config.Config, logger *zap.Logger) *nats.Conn {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(natsReconnectBufSize),
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

	var nc *nats.Conn
	var err error
	for i := 0; i < natsConnectRetries; i++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc
}
