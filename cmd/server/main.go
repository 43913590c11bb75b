package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/directory"
	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/feed"
	httpapi "github.com/example/carpool/internal/http"
	"github.com/example/carpool/internal/inventory"
	"github.com/example/carpool/internal/lock"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/rating"
	"github.com/example/carpool/internal/storage"
)

const devJWTSecret = "carpool-dev-secret"

func main() {
	// a missing .env is fine; real deployments use the environment
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.ServerConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store     storage.Store
		dir       directory.Directory
		checks    []func(context.Context) error
		closers   []func() error
		locker    lock.Locker
		pubs      events.Fanout
		jwtSecret = cfg.JWTSecret
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, ps.Close)
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migration applied", zap.String("file", "001_init.sql"))
		}
		store = ps
		dir = &directory.Postgres{DB: ps.DB()}
		checks = append(checks, ps.DB().PingContext)
	} else {
		store = storage.NewMemoryStore()
		static, err := loadStaticDirectory(cfg.DirectorySeed)
		if err != nil {
			return err
		}
		dir = static
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		locker = &lock.Redis{
			Client: lock.NewRedisClient(rc),
			TTL:    cfg.LockTTL,
			Wait:   cfg.LockWait,
			Prefix: "carpool:lock:",
			Logger: logger,
		}
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	} else {
		locker = lock.NewLocal(cfg.LockWait)
		if cfg.PGDSN != "" {
			logger.Info("REDIS_ADDR not set, trip locks are per process; postgres still guards confirmations")
		}
	}

	registry := feed.NewRegistry(logger)
	pubs = append(pubs, registry)
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, kp.Close)
		pubs = append(pubs, kp)
		logger.Info("publishing events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	if jwtSecret == "" {
		logger.Warn("JWT_SECRET not set, using development secret")
		jwtSecret = devJWTSecret
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Trips:     &inventory.Service{Store: store, Directory: dir, Locker: locker, Events: pubs, Logger: logger},
		Bookings:  &booking.Service{Store: store, Locker: locker, Events: pubs, Logger: logger},
		Ratings:   &rating.Service{Store: store, Directory: dir, Locker: locker, Events: pubs, Logger: logger},
		Feed:      registry,
		JWTSecret: jwtSecret,
		Logger:    logger,
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("carpool listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func loadStaticDirectory(path string) (*directory.Static, error) {
	if path == "" {
		return directory.NewStatic(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open directory seed: %w", err)
	}
	defer f.Close()
	return directory.LoadStatic(f)
}
