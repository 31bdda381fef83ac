package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/checkout"
	"github.com/ariefcatur/go-storefront-orders/internal/config"
	"github.com/ariefcatur/go-storefront-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/lifecycle"
	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/memstore"
	"github.com/ariefcatur/go-storefront-orders/internal/metrics"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/ariefcatur/go-storefront-orders/internal/reservation"
	"github.com/ariefcatur/go-storefront-orders/internal/timeline"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New(cfg.ServiceName, cfg.LogLevel)
	if cfg.JWTSecret == "" {
		log.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	var store orders.Store
	if cfg.PostgresDSN == "memory" {
		log.Warn("using in-memory store; data is lost on exit")
		store = memstore.New()
	} else {
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Error("db connect", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer db.Close()
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			log.Error("db schema", slog.String("error", err.Error()))
			os.Exit(1)
		}
		store = &postgres.Store{DB: db}
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := redisx.NewStatusCache(rdb)

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prodCtx, stopProd := context.WithCancel(context.Background())
	prod.Start(prodCtx)
	events := &kafkax.EventPublisher{Sink: prod, Service: cfg.ServiceName}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("api", reg)

	history := &orders.HistoryRecorder{}
	res := reservation.NewManager(store, log, m)
	engine := &lifecycle.Engine{
		Store:          store,
		Reservations:   res,
		History:        history,
		Events:         events,
		Cache:          cache,
		Metrics:        m,
		Log:            log,
		ApprovalWindow: cfg.CODHoldTTL,
	}
	stripeGw := payment.NewStripe(payment.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Currency:      cfg.StripeCurrency,
		SuccessURL:    cfg.PaymentSuccessURL,
		CancelURL:     cfg.PaymentCancelURL,
	})
	orch := &checkout.Orchestrator{
		Store:          store,
		Reservations:   res,
		History:        history,
		Gateway:        stripeGw,
		Events:         events,
		Shipping:       orders.ShippingPolicy{FeeCents: cfg.ShippingFeeCents, FreeOverCents: cfg.FreeShippingMinCents},
		Metrics:        m,
		Log:            log,
		GatewayHoldTTL: cfg.GatewayHoldTTL,
		CODHoldTTL:     cfg.CODHoldTTL,
	}

	var tl httpx.TimelineReader
	if len(cfg.CassandraHosts) > 0 {
		session, err := timeline.Connect(cfg.CassandraHosts, 30*time.Second, log)
		if err != nil {
			log.Warn("timeline disabled", slog.String("error", err.Error()))
		} else {
			defer session.Close()
			ts, err := timeline.NewStore(session, cfg.CassandraKeyspace)
			if err != nil {
				log.Warn("timeline disabled", slog.String("error", err.Error()))
			} else {
				tl = ts
			}
		}
	}

	router := httpx.NewRouter(m, reg)
	oh := &httpx.OrdersHandler{
		Checkout: orch,
		Engine:   engine,
		Store:    store,
		Cache:    cache,
		Idem:     redisx.NewIdempotency(rdb),
		Timeline: tl,
		Auth:     &httpx.Authenticator{Secret: []byte(cfg.JWTSecret)},
		Log:      log,
	}
	oh.Register(router)
	ph := &httpx.PaymentsHandler{
		Parser: stripeGw,
		Engine: engine,
		Dedup:  redisx.NewDedup(rdb, "payment"),
		Log:    log,
	}
	ph.Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	if err := g.Wait(); err != nil {
		log.Error("api exit", slog.String("error", err.Error()))
	}

	stopProd()        // stop producer loop, flush inbox
	prod.WaitClosed() // drain
}
