// README: Entry point; loads config, wires stores and services, runs the HTTP server and background loops.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"rideflow/internal/config"
	httptransport "rideflow/internal/http"
	"rideflow/internal/infra"
	"rideflow/internal/logging"
	"rideflow/internal/modules/dispatch"
	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/ride"
	"rideflow/internal/modules/settlement"
	"rideflow/internal/modules/wallet"
	"rideflow/internal/notify"
)

type stores struct {
	rides     ride.Repository
	drivers   matching.DriverStore
	schedules interface {
		matching.ScheduleStore
		settlement.ScheduleEarnings
	}
	prices  pricing.SurgeWindowStore
	wallets wallet.Store
}

func main() {
	cfg, err := config.Load()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dispatch api stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		client, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			return err
		}
		defer client.Close()
		rdb = client
	}

	var st stores
	switch cfg.Store {
	case "postgres":
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		st = postgresStores(pool)
	default:
		logger.Warn("using in-memory stores; state is lost on restart")
		st = memoryStores()
	}

	var registry matching.Registry = matching.NewMemoryRegistry()
	if rdb != nil {
		registry = matching.NewRedisRegistry(rdb)
		st.prices = pricing.NewSurgeCache(st.prices, rdb)
	}

	sender, err := newSender(cfg, logger)
	if err != nil {
		return err
	}
	notifier := notify.NewAsync(sender, 0, logger)
	defer notifier.Close()

	rides := ride.NewService(st.rides, logger)
	matcher := matching.NewService(st.drivers, st.schedules, registry, rides, cfg.Matching, logger)
	fares := pricing.NewService(st.prices)
	ledger := wallet.NewLedger(st.wallets, logger)
	settle := settlement.NewService(rides, fares, ledger, st.schedules, notifier, logger)
	coord := dispatch.NewCoordinator(rides, matcher, fares, settle, notifier, cfg.Matching, logger)

	api := httptransport.NewServer(httptransport.ServerDeps{
		Dispatch:   coord,
		Rides:      rides,
		Registry:   registry,
		Settlement: settle,
		Ledger:     ledger,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr, "store", cfg.Store, "notifier", cfg.Notifier)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		coord.RunRematchLoop(gctx, cfg.Matching.RematchTick(), 100)
		return nil
	})
	g.Go(func() error {
		settle.RunRetryLoop(gctx, cfg.Settlement.RetryTick(), cfg.Settlement.RetryBatch)
		return nil
	})
	return g.Wait()
}

func postgresStores(pool *pgxpool.Pool) stores {
	drivers := matching.NewStore(pool)
	return stores{
		rides:     ride.NewStore(pool),
		drivers:   drivers,
		schedules: drivers,
		prices:    pricing.NewStore(pool),
		wallets:   wallet.NewPGStore(pool),
	}
}

func memoryStores() stores {
	drivers := matching.NewMemoryStore()
	return stores{
		rides:     ride.NewMemoryStore(),
		drivers:   drivers,
		schedules: drivers,
		prices:    pricing.NewMemoryStore(),
		wallets:   wallet.NewMemoryStore(),
	}
}

func newSender(cfg config.Config, logger *slog.Logger) (notify.Sender, error) {
	switch cfg.Notifier {
	case "kafka":
		return notify.NewKafkaSender(cfg.Kafka.Brokers, cfg.Kafka.NotifyTopic), nil
	case "amqp":
		return notify.NewAMQPSender(cfg.AMQP.URL, cfg.AMQP.Exchange)
	default:
		return notify.NewLogSender(logger), nil
	}
}
