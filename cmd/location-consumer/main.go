// README: Location ingest worker; consumes driver position events from Kafka into the Redis driver registry.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"rideflow/internal/config"
	"rideflow/internal/infra"
	"rideflow/internal/logging"
	"rideflow/internal/modules/location"
	"rideflow/internal/modules/matching"
)

func main() {
	cfg, err := config.Load()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Redis.Addr == "" {
		logger.Error("RIDE_REDIS_ADDR is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password)
	if err != nil {
		logger.Error("redis init", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	reader := infra.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.LocationTopic, cfg.Kafka.GroupID)
	defer reader.Close()

	svc := location.NewService(matching.NewRedisRegistry(rdb), cfg.Location.MinInterval, logger)
	consumer := location.NewConsumer(reader, svc, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	metricsSrv := &http.Server{Addr: cfg.Location.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("location consumer started", "topic", cfg.Kafka.LocationTopic, "group", cfg.Kafka.GroupID)
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("location consumer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("location consumer stopped")
}
