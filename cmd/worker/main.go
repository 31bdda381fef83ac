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

	"github.com/ariefcatur/go-storefront-orders/internal/config"
	"github.com/ariefcatur/go-storefront-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/lifecycle"
	"github.com/ariefcatur/go-storefront-orders/internal/logging"
	"github.com/ariefcatur/go-storefront-orders/internal/metrics"
	"github.com/ariefcatur/go-storefront-orders/internal/notify"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/postgres"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/ariefcatur/go-storefront-orders/internal/reservation"
	"github.com/ariefcatur/go-storefront-orders/internal/timeline"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// worker runs the reservation expiry sweep and the event consumers.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	service := cfg.ServiceName + "-worker"
	log := logging.New(service, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("db connect", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()
	store := &postgres.Store{DB: db}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prodCtx, stopProd := context.WithCancel(context.Background())
	prod.Start(prodCtx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("worker", reg)
	res := reservation.NewManager(store, log, m)
	res.SweepSize = cfg.SweepBatch
	engine := &lifecycle.Engine{
		Store:          store,
		Reservations:   res,
		History:        &orders.HistoryRecorder{},
		Events:         &kafkax.EventPublisher{Sink: prod, Service: service},
		Cache:          redisx.NewStatusCache(rdb),
		Metrics:        m,
		Log:            log,
		ApprovalWindow: cfg.CODHoldTTL,
	}

	g, gctx := errgroup.WithContext(ctx)

	// /metrics + /healthz
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: httpx.NewRouter(nil, reg), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		log.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})

	g.Go(func() error {
		log.Info("expiry sweep started", slog.Duration("interval", cfg.SweepInterval))
		return res.Run(gctx, cfg.SweepInterval, engine)
	})

	if len(cfg.CassandraHosts) > 0 {
		session, err := timeline.Connect(cfg.CassandraHosts, time.Minute, log)
		if err != nil {
			log.Error("cassandra", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer session.Close()
		ts, err := timeline.NewStore(session, cfg.CassandraKeyspace)
		if err != nil {
			log.Error("timeline store", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := ts.InitSchema(); err != nil {
			log.Error("timeline schema", slog.String("error", err.Error()))
			os.Exit(1)
		}
		proj := &timeline.Projector{Recorder: ts}
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, "timeline-projector", orders.TopicOrderStatus, cfg.WorkerConsumers, log)
		g.Go(func() error { return cons.Start(gctx, proj.Handle) })
	}

	if cfg.SMTPHost != "" && cfg.AdminEmail != "" {
		n := &notify.ConflictNotifier{
			Sender: notify.NewMailer(notify.SMTPConfig{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
				From:     cfg.MailFrom,
			}),
			To:    cfg.AdminEmail,
			Dedup: redisx.NewDedup(rdb, "notify"),
			Log:   log,
		}
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, "conflict-notifier", orders.TopicPaymentConflict, 1, log)
		g.Go(func() error { return cons.Start(gctx, n.Handle) })
	}

	if err := g.Wait(); err != nil {
		log.Error("worker exit", slog.String("error", err.Error()))
	}
	log.Info("shutting down worker...")
	stopProd()
	prod.WaitClosed()
}
