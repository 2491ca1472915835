// The engine binary is the single scheduling authority. Run exactly one
// instance per record store.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"jobengine/internal/config"
	"jobengine/internal/engine"
	"jobengine/internal/notify"
	"jobengine/internal/store"
	"jobengine/internal/telemetry"
	"jobengine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.Env)
	defer logger.Sync() //nolint:errcheck
	log := logger.Sugar()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := store.SystemClock{}
	st, err := store.NewPostgres(ctx, cfg.PostgresDSN, clock)
	if err != nil {
		log.Fatalw("connect postgres", "err", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalw("run migrations", "err", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	notifier := notify.NewRedis(rdb, cfg.EventChannel, log)

	mux := worker.NewMux()
	mux.Register("simulate", worker.Simulated)
	imageHandler, err := worker.NewImageHandler(ctx, cfg)
	if err != nil {
		log.Fatalw("image handler", "err", err)
	}
	mux.Register("resize_image", imageHandler.Handle)
	mux.SetFallback(worker.Simulated)

	eng := engine.New(
		engine.Config{
			Concurrency:  cfg.Concurrency,
			LeaseMaxAge:  cfg.LeaseMaxAge,
			PollInterval: cfg.PollInterval,
		},
		st,
		mux.Dispatch,
		engine.WithNotifier(notifier),
		engine.WithClock(clock),
		engine.WithLogger(log),
	)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infow("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics listen", "err", err)
		}
	}()

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalw("engine", "err", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}
