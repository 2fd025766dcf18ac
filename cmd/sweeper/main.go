package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-mpesa-payments/internal/config"
	kafkax "github.com/ariefcatur/go-mpesa-payments/internal/kafka"
	"github.com/ariefcatur/go-mpesa-payments/internal/payments"
	"github.com/ariefcatur/go-mpesa-payments/internal/postgres"
	"github.com/ariefcatur/go-mpesa-payments/internal/redisx"
	"github.com/joho/godotenv"
)

// sweeper expires M-Pesa transactions that never got a callback.
// -once runs a single pass, suitable for cron.
func main() {
	once := flag.Bool("once", false, "run one sweep and exit")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", cfg.ServiceName+"-sweeper")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.Pool{
		AppName:  cfg.ServiceName + "-sweeper",
		MaxConns: int32(cfg.Sweep.PostgresMaxConns),
	})
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 256, logger)
	prod.Start(ctx)
	defer func() {
		prod.Close()
		prod.WaitClosed()
	}()

	store := &payments.Repo{DB: db}
	sw := &payments.Sweeper{
		Store: store,
		Reconciler: &payments.Reconciler{
			Store:       store,
			Publisher:   prod,
			Cache:       &redisx.StatusCache{RDB: rdb, Logger: logger},
			ServiceName: cfg.ServiceName,
			Logger:      logger,
		},
		Locker: &redisx.Locker{RDB: rdb},
		Logger: logger,
	}

	if *once {
		n, err := sw.Sweep(ctx)
		if err != nil {
			logger.Error("sweep failed", "err", err)
			return
		}
		logger.Info("sweep done", "expired", n)
		return
	}

	logger.Info("sweeper started", "interval", cfg.Sweep.Interval.String())
	sw.Run(ctx, cfg.Sweep.Interval)
	logger.Info("sweeper stopped")
}
