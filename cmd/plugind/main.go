package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"OpenPlugin-Guard/internal/api"
	"OpenPlugin-Guard/internal/auth"
	"OpenPlugin-Guard/internal/bus"
	"OpenPlugin-Guard/internal/compat"
	"OpenPlugin-Guard/internal/config"
	"OpenPlugin-Guard/internal/contentsec"
	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/internal/hostapi"
	"OpenPlugin-Guard/internal/monitor"
	"OpenPlugin-Guard/internal/observability/alerting"
	"OpenPlugin-Guard/internal/queue"
	"OpenPlugin-Guard/internal/sandbox"
	"OpenPlugin-Guard/internal/store"
	"OpenPlugin-Guard/internal/sysinfo"
	"OpenPlugin-Guard/internal/verify"
	"OpenPlugin-Guard/pkg/logger"
	"OpenPlugin-Guard/pkg/plugin"
)

// main 是插件宿主守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("plugind: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("plugind")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	registry := verify.NewStaticRegistry(nil)
	var resolver verify.DependencyRegistry = registry
	var advisories verify.AdvisorySource
	if cfg.Verify.RegistryURL != "" {
		remote := verify.NewHTTPRegistry(cfg.Verify.RegistryURL, cfg.Verify.Timeout)
		resolver = verify.ChainRegistry{registry, remote}
		advisories = remote
	}
	verifier := verify.New(cfg.Verify.Config, resolver, advisories)

	var surface compat.Host = hostapi.StaticSurface{Version: cfg.Host.Version, Permissions: cfg.Host.Permissions}
	if cfg.Host.SurfaceURL != "" {
		surface = hostapi.NewHTTPSurface(cfg.Host.SurfaceURL, cfg.Verify.Timeout)
	}

	events := bus.New(cfg.Events.History)
	if cfg.Events.AMQP.URL != "" {
		bridge, err := bus.NewAMQPBridge(cfg.Events.AMQP)
		if err != nil {
			return err
		}
		defer bridge.Close()
		bridge.Attach(events)
	}

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	stopAlerts := alerting.Subscribe(events, alerting.NewFanout(notifiers...), plugin.ToAlert, plugin.AlertEvents...)
	defer stopAlerts()

	queueOpts := []queue.Option{
		queue.WithInterval(cfg.Queue.Interval),
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithRetryBackoff(cfg.Queue.RetryBackoff),
		queue.WithDeadLetter(func(msg queue.Message, err error) {
			events.Publish(ctx, plugin.EventWarning, "queue", plugin.LifecycleEvent{
				PluginID: msg.Source,
				Code:     string(xerrors.CodeOf(err)),
				Error:    err.Error(),
				Reason:   "message dropped",
			})
		}),
	}
	if cfg.Queue.Redis.Address != "" {
		journal, err := queue.NewRedisJournal(ctx, cfg.Queue.Redis)
		if err != nil {
			return err
		}
		defer journal.Close()
		queueOpts = append(queueOpts, queue.WithJournal(journal))
	}
	messages := queue.New(queueOpts...)
	if n, err := messages.Restore(ctx); err != nil {
		log.Warn("restore queued messages failed", slog.Any("error", err))
	} else if n > 0 {
		log.Info("restored queued messages", slog.Int("count", n))
	}

	mon := monitor.New(monitor.WithWindow(cfg.Monitor.Window))
	filter := contentsec.NewFilter(cfg.Host.TrustedHosts)

	var prompter sandbox.Prompter = hostapi.Deny{}
	if cfg.Host.Prompt == "approve" {
		prompter = hostapi.Approve{}
	}

	var managerCfg plugin.ManagerConfig
	if cfg.Runtime.PluginsConfig != "" {
		managerCfg, err = plugin.LoadManagerConfig(cfg.Runtime.PluginsConfig)
		if err != nil {
			return err
		}
	}

	manager, err := plugin.NewManager(managerCfg, plugin.Dependencies{
		Store:     st,
		Verifier:  verifier,
		Registry:  registry,
		Host:      surface,
		System:    sysinfo.System(ctx, cfg.Host.NodeVersion, cfg.Host.NPMVersion),
		Monitor:   mon,
		Filter:    filter,
		Bus:       events,
		Hooks:     bus.NewHooks(),
		Queue:     messages,
		Documents: hostapi.NewMemoryDocuments(nil),
		UI:        hostapi.NewMemoryUI(),
		Fetcher:   &hostapi.HTTPFetcher{},
		Prompter:  prompter,
		Limits:    cfg.Monitor.Defaults,
	},
		plugin.WithLoader(plugin.ScriptLoader{Config: cfg.Sandbox}),
		plugin.WithIsolationStrategy(plugin.DirectoryIsolation{Root: cfg.Runtime.DataDir, Filter: filter}),
	)
	if err != nil {
		return err
	}

	if err := manager.RestoreInstalled(ctx); err != nil {
		log.Warn("some installed plugins could not be restored", slog.Any("error", err))
	}
	if err := manager.LoadConfigured(ctx); err != nil {
		log.Warn("some configured plugins could not be loaded", slog.Any("error", err))
	}

	server := api.NewServer(cfg.Server.Address, manager, authSvc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mon.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := messages.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := manager.Shutdown(shutdownCtx); serr != nil {
		log.Warn("plugin shutdown reported errors", slog.Any("error", serr))
	}
	return err
}

func loadConfig() (*config.Config, error) {
	path := config.Path()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && os.Getenv(config.EnvConfigPath) == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case store.DriverMySQL, store.DriverSQLite:
		return store.OpenSQL(ctx, cfg.Storage.SQL)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}
