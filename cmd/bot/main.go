package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tg_vpn_shop_bot/internal/config"
	"tg_vpn_shop_bot/internal/domain"
	"tg_vpn_shop_bot/internal/feature/owner"
	"tg_vpn_shop_bot/internal/feature/user"
	"tg_vpn_shop_bot/internal/httpapi"
	"tg_vpn_shop_bot/internal/lock"
	"tg_vpn_shop_bot/internal/logging"
	"tg_vpn_shop_bot/internal/notify"
	"tg_vpn_shop_bot/internal/panel"
	"tg_vpn_shop_bot/internal/panelsync"
	"tg_vpn_shop_bot/internal/platform/redis"
	"tg_vpn_shop_bot/internal/scheduler"
	"tg_vpn_shop_bot/internal/session"
	"tg_vpn_shop_bot/internal/store"
	"tg_vpn_shop_bot/internal/telegram"
)

const (
	mongoConnectTimeout     = 10 * time.Second
	mongoIndexTimeout       = 5 * time.Second
	mongoDisconnectTimeout  = 5 * time.Second
	redisConnectTimeout     = 5 * time.Second
	ownerBootstrapTimeout   = 5 * time.Second
	telegramShutdownTimeout = 10 * time.Second
	httpShutdownTimeout     = 5 * time.Second
)

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":        "startup",
		"mongo_db":     cfg.MongoDB,
		"redis":        cfg.RedisURL != "",
		"sync_every":   cfg.Sync.Interval.String(),
		"sync_startup": cfg.Sync.OnStartup,
	}).Info("configuration loaded")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("bot stopped with error")
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}

func run(cfg config.Config, logger *logrus.Entry) error {
	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		return fmt.Errorf("mongo connection error: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
		defer cancelShutdown()
		if err := mongoManager.Close(shutdownCtx); err != nil {
			logger.WithError(err).Error("mongo disconnect error")
			return
		}
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}()

	logger.WithFields(logging.Fields{
		"event":        "mongo_connect",
		"transactions": mongoManager.TransactionsEnabled(),
	}).Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	err = mongoManager.EnsureBaseIndexes(indexCtx)
	cancelIndexes()
	if err != nil {
		return fmt.Errorf("mongo index setup error: %w", err)
	}
	logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

	var redisClient *goredis.Client
	if cfg.RedisURL != "" {
		redisCtx, cancelRedis := context.WithTimeout(context.Background(), redisConnectTimeout)
		redisClient, err = redis.Open(redisCtx, cfg.RedisURL)
		cancelRedis()
		if err != nil {
			return fmt.Errorf("redis connection error: %w", err)
		}
		defer redisClient.Close()
		logger.WithField("event", "redis_connect").Info("connected to redis")
	}

	ownerCtx, cancelOwner := context.WithTimeout(context.Background(), ownerBootstrapTimeout)
	err = owner.NewRegistrar(mongoManager.Users(), logger).Bootstrap(ownerCtx, cfg.BotOwnerID, cfg.AdminIDs)
	cancelOwner()
	if err != nil {
		return fmt.Errorf("owner bootstrap error: %w", err)
	}

	users := domain.NewUserRepository(mongoManager.Users())
	subscriptions := domain.NewSubscriptionRepository(mongoManager.Subscriptions())
	syncStatus := domain.NewSyncStatusRepository(mongoManager.SyncStatus())
	directory := owner.NewDirectory(cfg.BotOwnerID, cfg.AdminIDs, users, logger)

	panelClient, err := panel.NewClient(cfg.Panel, logger)
	if err != nil {
		return fmt.Errorf("panel client setup error: %w", err)
	}

	tgClient, err := telegram.NewClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("telegram client setup error: %w", err)
	}
	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	adminNotifier, err := notify.NewAdminNotifier(tgClient, directory, logger)
	if err != nil {
		return fmt.Errorf("admin notifier setup error: %w", err)
	}
	expiryNotifier, err := notify.NewExpiryNotifier(tgClient, users, cfg.Notifications, logger)
	if err != nil {
		return fmt.Errorf("expiry notifier setup error: %w", err)
	}

	syncOpts := panelsync.Options{
		TrafficLimitBytes: cfg.Sync.TrafficLimitBytes,
		Notifier:          adminNotifier,
		Logger:            logger,
	}
	var sessions session.Store
	if redisClient != nil {
		runLock, err := lock.NewRedisLock(redisClient, lock.DefaultKey, cfg.Sync.LockTTL)
		if err != nil {
			return fmt.Errorf("sync lock setup error: %w", err)
		}
		syncOpts.Locker = runLock

		sessions, err = session.NewRedisStore(redisClient, cfg.Sync.SupportSessionTTL)
		if err != nil {
			return fmt.Errorf("support sessions setup error: %w", err)
		}
	} else {
		sessions, err = session.NewMongoStore(mongoManager.SupportSessions(), cfg.Sync.SupportSessionTTL)
		if err != nil {
			return fmt.Errorf("support sessions setup error: %w", err)
		}
	}

	reconciler, err := panelsync.NewReconciler(
		panelClient,
		store.NewSyncStore(users, subscriptions, mongoManager),
		syncStatus,
		syncOpts,
	)
	if err != nil {
		return fmt.Errorf("panel sync setup error: %w", err)
	}

	tgClient.Route(telegram.Deps{
		Profiles:      user.NewRegistrar(mongoManager.Users(), panelClient, logger),
		Admins:        directory,
		Sync:          reconciler,
		SyncStatus:    syncStatus,
		Stats:         store.NewStatsProvider(mongoManager.Users(), mongoManager.Subscriptions()),
		Users:         users,
		Subscriptions: subscriptions,
		Bans:          users,
		Sessions:      sessions,
	})

	httpOpts := httpapi.Options{
		Port:          cfg.HTTPPort,
		Mongo:         mongoManager,
		Events:        expiryNotifier,
		WebhookSecret: cfg.Panel.WebhookSecret,
		Logger:        logger,
	}
	if redisClient != nil {
		httpOpts.Redis = httpapi.CheckerFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	httpServer := httpapi.NewServer(httpOpts)

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Sync.OnStartup {
		runSync(signalCtx, reconciler, logger, "startup")
	}

	sched, err := scheduler.New(logger)
	if err != nil {
		return fmt.Errorf("scheduler setup error: %w", err)
	}
	if cfg.Sync.Interval > 0 {
		err := sched.Every(signalCtx, "panel_sync", cfg.Sync.Interval, func(ctx context.Context) error {
			return runSync(ctx, reconciler, logger, "schedule")
		})
		if err != nil {
			return fmt.Errorf("schedule panel sync: %w", err)
		}
	}
	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.WithError(err).Error("scheduler shutdown error")
		}
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpServer.ListenAndServe()
	}()

	telegramCtx, cancelTelegram := context.WithCancel(context.Background())
	tgDone := make(chan struct{})
	go func() {
		tgClient.Start(telegramCtx)
		close(tgDone)
	}()

	var runErr error
	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	case err := <-httpErr:
		runErr = err
		logger.WithField("event", "http_stopped_early").Warn("http server stopped before shutdown signal")
	}

	cancelTelegram()
	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-tgDone:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.WithError(err).Error("http shutdown error")
	}
	cancelHTTP()

	return runErr
}

// runSync runs one pass and logs its outcome. Only a failed pass is returned
// as an error; a busy lock is not a failure.
func runSync(ctx context.Context, reconciler *panelsync.Reconciler, logger *logrus.Entry, trigger string) error {
	report, err := reconciler.Run(ctx)
	log := logger.WithFields(logging.Fields{
		"event":   "panel_sync_trigger",
		"trigger": trigger,
		"run_id":  report.RunID,
	})

	switch {
	case errors.Is(err, panelsync.ErrRunInProgress):
		log.Info("panel sync skipped, another pass is running")
		return nil
	case err != nil:
		log.WithError(err).Warn("panel sync failed")
		return err
	}

	log.WithField("status", string(report.Status)).Info(report.Summary())
	return nil
}
