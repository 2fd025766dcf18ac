package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-mpesa-payments/internal/config"
	"github.com/ariefcatur/go-mpesa-payments/internal/daraja"
	"github.com/ariefcatur/go-mpesa-payments/internal/httpx"
	kafkax "github.com/ariefcatur/go-mpesa-payments/internal/kafka"
	"github.com/ariefcatur/go-mpesa-payments/internal/payments"
	"github.com/ariefcatur/go-mpesa-payments/internal/postgres"
	"github.com/ariefcatur/go-mpesa-payments/internal/redisx"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", cfg.ServiceName)
	slog.SetDefault(logger)

	if cfg.JWTSecret == "" {
		log.Fatalf("JWT_SECRET is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.Pool{
		AppName:  cfg.ServiceName,
		MaxConns: int32(cfg.PostgresMaxConns),
	})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()
	if err := postgres.RunMigrations(ctx, db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer, topic per message
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	prod.Start(ctx)

	// Daraja
	dc := daraja.New(daraja.Config{
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		Passkey:        cfg.Mpesa.Passkey,
		Shortcode:      cfg.Mpesa.Shortcode,
		Environment:    cfg.Mpesa.Environment,
		CallbackURL:    cfg.Mpesa.CallbackURL,
		Timeout:        cfg.Mpesa.Timeout,
	})

	store := &payments.Repo{DB: db}
	cache := &redisx.StatusCache{RDB: rdb, Logger: logger}
	rec := &payments.Reconciler{
		Store:       store,
		Publisher:   prod,
		Cache:       cache,
		ServiceName: cfg.ServiceName,
		Logger:      logger,
	}
	svc := &payments.Service{
		Store:                store,
		Gateway:              dc,
		Reconciler:           rec,
		Cache:                cache,
		MembershipMonthlyFee: cfg.Membership.MonthlyFee,
		Logger:               logger,
	}

	if cfg.Sweep.InAPI {
		sw := &payments.Sweeper{
			Store:      store,
			Reconciler: rec,
			Locker:     &redisx.Locker{RDB: rdb},
			Logger:     logger,
		}
		go sw.Run(ctx, cfg.Sweep.Interval)
	}

	router := httpx.NewRouter()
	ph := &httpx.PaymentsHandler{
		Service:     svc,
		CallbackURL: dc.CallbackURL(),
		Logger:      logger,
	}
	ph.Register(router, httpx.Auth(cfg.JWTSecret))

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("HTTP listening", "addr", cfg.HTTPAddr, "mpesa_env", cfg.Mpesa.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel()          // stop sweeper
	prod.Close()      // flush remaining events
	prod.WaitClosed() // drain
}
