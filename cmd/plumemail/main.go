package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"plumemail/internal/app"
	"plumemail/internal/config"
	"plumemail/internal/mailer"
	"plumemail/internal/notify"
	"plumemail/internal/ratelimit"
	"plumemail/internal/scheduler"
	"plumemail/internal/server"
	"plumemail/internal/session"
	"plumemail/internal/store"
	"plumemail/internal/util"
	"plumemail/pkg/ai"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session ttl: %v", err)
	}
	pollInterval, err := config.ParseInterval("schedulerPollInterval", cfg.SchedulerPollInterval)
	if err != nil {
		log.Fatalf("failed to parse scheduler poll interval: %v", err)
	}
	retryBackoff, err := config.ParseInterval("schedulerRetryBackoff", cfg.SchedulerRetryBackoff)
	if err != nil {
		log.Fatalf("failed to parse scheduler retry backoff: %v", err)
	}

	var stores store.Store
	if cfg.DatabaseURL != "" {
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init database store: %v", err)
		}
		stores = gs
	} else {
		logger.Warn("no databaseURL configured, state is in-memory only")
		stores = store.NewMemoryStore()
	}

	var sessions session.Store
	if cfg.RedisAddr != "" {
		sessions = session.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, "")
	} else {
		sessions = session.NewMemoryStore()
	}
	guard := session.NewGuard(sessions, sessionTTL)

	rules := map[ratelimit.Class]ratelimit.Rule{}
	if cfg.DefaultLimitPerMinute > 0 {
		rules[ratelimit.ClassDefault] = ratelimit.Rule{Limit: cfg.DefaultLimitPerMinute, Window: time.Minute}
	}
	if cfg.AuthLimitPerMinute > 0 {
		rules[ratelimit.ClassAuth] = ratelimit.Rule{Limit: cfg.AuthLimitPerMinute, Window: time.Minute}
	}
	if cfg.APILimitPerHour > 0 {
		rules[ratelimit.ClassAPI] = ratelimit.Rule{Limit: cfg.APILimitPerHour, Window: time.Hour}
	}
	limiter, err := ratelimit.NewSlidingWindowLimiter(rules)
	if err != nil {
		log.Fatalf("failed to init rate limiter: %v", err)
	}

	notifier := notify.New(logger)
	notifier.Register(notify.NewLogSink(logger))
	if cfg.WebhookURL != "" {
		notifier.Register(notify.NewWebhookSink(cfg.WebhookURL))
	}
	if cfg.RedisAddr != "" {
		notifier.Register(notify.NewRedisSink(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisEventChannel))
	}
	if cfg.AMQPURL != "" {
		amqpSink, err := notify.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("failed to init amqp sink: %v", err)
		}
		notifier.Register(amqpSink)
	}

	var deliverer mailer.Deliverer
	if cfg.SMTPHost != "" {
		smtp, err := mailer.NewSMTPDeliverer(mailer.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			log.Fatalf("failed to init smtp deliverer: %v", err)
		}
		deliverer = smtp
	} else {
		logger.Warn("no smtpHost configured, deliveries go to the log")
		deliverer = mailer.NewLogDeliverer(logger)
	}

	var composer ai.Composer
	if cfg.OpenAIBaseURL != "" {
		composer = ai.NewLetterComposer(ai.NewOpenAICompatGenerator(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel))
	}

	sched := scheduler.New(scheduler.Config{
		Jobs:         stores,
		Requests:     stores,
		Deliverer:    deliverer,
		Notifier:     notifier,
		Logger:       logger,
		PollInterval: pollInterval,
		RetryBackoff: retryBackoff,
		MaxAttempts:  cfg.SchedulerMaxAttempts,
	})
	if _, err := sched.Recover(); err != nil {
		log.Fatalf("failed to recover stranded jobs: %v", err)
	}

	appCore := app.New(app.Config{
		Store:        stores,
		Guard:        guard,
		Limiter:      limiter,
		Scheduler:    sched,
		Deliverer:    deliverer,
		Notifier:     notifier,
		Composer:     composer,
		Logger:       logger,
		Principal:    cfg.Principal,
		PasswordHash: cfg.PasswordHash,
	})
	httpServer := server.New(server.Config{App: appCore})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("plumemail listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
