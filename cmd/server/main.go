package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"escrowledger/internal/auth"
	"escrowledger/internal/chains"
	"escrowledger/internal/config"
	"escrowledger/internal/contract"
	"escrowledger/internal/dedup"
	"escrowledger/internal/identity"
	"escrowledger/internal/intent"
	"escrowledger/internal/ledger"
	"escrowledger/internal/order"
	"escrowledger/internal/processor"
	"escrowledger/internal/reconciler"
	"escrowledger/internal/server"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config error")
	}

	ctx := context.Background()

	var (
		ledgerStore  ledger.Store
		orderStore   order.Store
		intentStore  intent.Store
		mappingStore intent.MappingStore
		dedupStore   dedup.Store
		users        identity.Directory
		dbHealth     func(context.Context) error
	)
	if dsn := cfg.Service.PostgresDSN; dsn != "" {
		pgLedger, err := ledger.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.WithError(err).Fatal("ledger store error")
		}
		defer pgLedger.Close()
		pgOrders, err := order.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.WithError(err).Fatal("order store error")
		}
		defer pgOrders.Close()
		pgIntents, err := intent.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.WithError(err).Fatal("intent store error")
		}
		defer pgIntents.Close()
		pgDedup, err := dedup.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.WithError(err).Fatal("dedup store error")
		}
		defer pgDedup.Close()
		pgUsers, err := identity.NewPostgresDirectory(ctx, dsn)
		if err != nil {
			log.WithError(err).Fatal("user directory error")
		}
		defer pgUsers.Close()

		ledgerStore = pgLedger
		orderStore = pgOrders
		intentStore = pgIntents
		mappingStore = pgIntents
		dedupStore = pgDedup
		users = pgUsers
		dbHealth = pgLedger.Ping
	} else {
		log.Warn("POSTGRES_DSN not set, using in-memory stores")
		ledgerStore = ledger.NewMemoryStore()
		orderStore = order.NewMemoryStore()
		memIntents := intent.NewMemoryStore()
		intentStore = memIntents
		mappingStore = intent.NewMemoryMappingStore()
		dedupStore = dedup.NewMemoryStore()
		users = identity.NewMemoryDirectory()
	}

	var proc processor.Client
	if cfg.Processor.UseFake || cfg.Processor.Secret == "" {
		log.Warn("processor secret not set, using fake processor client")
		proc = processor.FakeClient{}
	} else {
		proc = processor.NewHTTPClient(cfg.Processor.BaseURL, cfg.Processor.Secret, cfg.Processor.Timeout)
	}
	proc = processor.WithRetry(proc, processor.RetryPolicy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Multiplier:     cfg.Retry.BackoffMultiplier,
	})

	builder, err := contract.NewBuilder()
	if err != nil {
		log.WithError(err).Fatal("contract builder error")
	}

	eng := ledger.NewEngine(ledgerStore)
	orders := order.NewMachine(orderStore)
	resolver := chains.NewResolver(chains.NewStaticRegistry(cfg.Chains))
	gen := intent.NewGenerator(orders, intentStore, mappingStore, resolver, builder, proc, users, cfg.Service.FeeBps, nil)
	rec := reconciler.New(eng, orders, intentStore, mappingStore, dedupStore, resolver, users, []byte(cfg.Secrets.WebhookSecret), log)
	authSvc := auth.NewService([]byte(cfg.Secrets.JWTSecret), cfg.Service.TokenTTL)

	apiServer := server.NewServer(cfg, server.Deps{
		Orders:     orders,
		Ledger:     eng,
		Generator:  gen,
		Reconciler: rec,
		Auth:       authSvc,
		DBHealth:   dbHealth,
	}, log)

	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}
