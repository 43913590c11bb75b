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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/carpool/internal/config"
	"github.com/example/carpool/internal/directory"
	"github.com/example/carpool/internal/events"
	"github.com/example/carpool/internal/lock"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/rating"
	"github.com/example/carpool/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total carpool event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	statsReconciled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_stats_reconciled_total",
		Help: "Total successful rating stats rebuilds",
	})
	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_reconcile_errors_total",
		Help: "Total rating stats rebuilds that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, statsReconciled, reconcileErrors)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel, "")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer store.Close()

	var locker lock.Locker = lock.NewLocal(cfg.LockWait)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		locker = &lock.Redis{
			Client: lock.NewRedisClient(rc),
			TTL:    cfg.LockTTL,
			Wait:   cfg.LockWait,
			Prefix: "carpool:lock:",
			Logger: logger,
		}
	}

	ratings := &rating.Service{
		Store:     store,
		Directory: &directory.Postgres{DB: store.DB()},
		Locker:    locker,
		Events:    events.Nop{},
		Logger:    logger,
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.DB().PingContext(r.Context()); err != nil {
				http.Error(w, "postgres not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening",
		zap.String("topic", cfg.KafkaTopic),
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroup),
	)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", zap.Error(err), zap.Duration("backoff", backoff))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()
		handleMessage(ctx, logger, ratings, m, cfg.RetryAttempts, cfg.RetryDelay)
	}
}

// Reconciler rebuilds a user's rating stats. *rating.Service implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, userID string) (*models.UserRatingStats, error)
}

// handleMessage rebuilds stats for the rated user of a rating.submitted
// event. Other event types share the topic and are skipped.
func handleMessage(ctx context.Context, logger *zap.Logger, rc Reconciler, m kafka.Message, attempts int, delay time.Duration) {
	e, err := events.Decode(m)
	if err != nil || e.Type == "" {
		msgsInvalid.Inc()
		logger.Warn("invalid message", zap.Int64("offset", m.Offset), zap.Error(err))
		return
	}
	if e.Type != events.RatingSubmitted {
		return
	}
	if e.UserID == "" {
		msgsInvalid.Inc()
		logger.Warn("rating event without user", zap.String("event_id", e.ID))
		return
	}
	if err := reconcileWithRetry(ctx, rc, e.UserID, attempts, delay); err != nil {
		reconcileErrors.Inc()
		logger.Error("stats reconcile failed", zap.String("user_id", e.UserID), zap.Error(err))
		return
	}
	statsReconciled.Inc()
}

// reconcileWithRetry retries with doubling delay. Rebuilds are full and
// idempotent, so a retry after a partial failure is safe.
func reconcileWithRetry(ctx context.Context, rc Reconciler, userID string, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = rc.Reconcile(ctx, userID); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
