package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PositionLedger/internal/chain"
	"PositionLedger/internal/config"
	"PositionLedger/internal/event"
	"PositionLedger/internal/ingestion"
	"PositionLedger/internal/ledger"
	"PositionLedger/internal/notify"
	"PositionLedger/internal/observability"
	"PositionLedger/internal/persistence"
	"PositionLedger/internal/pnl"
	"PositionLedger/internal/pricefeed"
	"PositionLedger/internal/projection"
	"PositionLedger/internal/query"
	"PositionLedger/internal/reconcile"
	"PositionLedger/internal/server"

	ethcmn "github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	configPath := flag.String("config", "", "path to YAML config (default $"+config.ConfigPathEnv+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}
	log.Printf("INFO: PositionLedger starting... source=%s horizon=%d", cfg.Source.Type, cfg.Reconcile.Horizon)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// 1. Ledger
	l := ledger.New(
		ledger.WithLogger(observability.NewLogger("ledger")),
		ledger.WithObserver(func(evt *event.Event, _ ledger.Result, elapsed time.Duration) {
			metrics.ApplyDuration.WithLabelValues(evt.Kind.String()).Observe(elapsed.Seconds())
		}),
	)

	// 2. NATS, shared by the event source and the outbound sink
	var js jetstream.JetStream
	if cfg.Source.Type == config.SourceNATS || cfg.Source.PublishTransitions {
		var nc *nats.Conn
		nc, js, err = ingestion.ConnectNATS(cfg.Source.NATSURL)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		defer nc.Close()
		log.Printf("INFO: connected to NATS at %s", cfg.Source.NATSURL)
	}

	// 3. Event source
	source, err := openSource(ctx, cfg, js)
	if err != nil {
		log.Fatalf("FATAL: open %s source: %v", cfg.Source.Type, err)
	}

	errChan := make(chan error, 10)
	var workers sync.WaitGroup
	transitionChans := make(map[string]chan ledger.Transition)

	opts := []reconcile.Option{
		reconcile.WithLogger(observability.NewLogger("reconcile")),
		reconcile.WithMetrics(metrics),
	}

	// 4. Outbound publisher
	var sinks []ingestion.Sink
	if cfg.Source.PublishTransitions {
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		sinks = append(sinks, ingestion.NewNATSSink(js, ""))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := ingestion.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		log.Printf("INFO: publishing transitions to kafka topic %s", cfg.Kafka.Topic)
	}
	if len(sinks) > 0 {
		publishChan := make(chan ledger.Transition, cfg.TransitionChanSize)
		transitionChans["publish"] = publishChan
		opts = append(opts, reconcile.WithTransitions(publishChan))

		publisher := ingestion.NewOutboundPublisher(publishChan, metrics, sinks...)
		log.Printf("INFO: outbound publisher instance=%s sinks=%d", publisher.InstanceID(), len(sinks))
		runWorker(ctx, &workers, errChan, "publisher", publisher.Run)
	}

	// 5. Postgres projection
	if cfg.Postgres.DSN != "" {
		db, err := openPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		defer db.Close()

		projectionChan := make(chan ledger.Transition, cfg.TransitionChanSize)
		transitionChans["projection"] = projectionChan

		worker := projection.NewWorker(db, l, projectionChan, metrics, observability.NewLogger("projection"))
		opts = append(opts, reconcile.WithTransitions(projectionChan), reconcile.WithStatusListener(worker))
		runWorker(ctx, &workers, errChan, "projection", worker.Run)
	}

	// 6. Telegram alerts
	var alerts *notify.Telegram
	if cfg.Telegram.Token != "" {
		alerts, err = notify.DialTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Telegram.Name, metrics, observability.NewLogger("notify"))
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		opts = append(opts, reconcile.WithStatusListener(alerts))
		runWorker(ctx, &workers, errChan, "telegram", alerts.Run)
		log.Printf("INFO: status alerts enabled for chat %d", cfg.Telegram.ChatID)
	}

	// 7. Health surfaces follow the ledger status. srv is assigned before
	// the coordinator starts, and listeners only fire after Start.
	var srv *server.Server
	opts = append(opts, reconcile.WithStatusListener(reconcile.StatusListenerFunc(func(prev, next reconcile.Status) {
		srv.OnStatusChange(prev, next)
	})))

	coord, err := reconcile.NewCoordinator(cfg.ReconcileConfig(), source, l, opts...)
	if err != nil {
		log.Fatalf("FATAL: create coordinator: %v", err)
	}

	// 8. Mark prices and query service
	prices, closePrices, err := openPriceFeed(ctx, cfg)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	defer closePrices()

	querySvc := query.NewService(l, pnl.NewCalculator(prices), coord)

	srv, err = server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Query:         querySvc,
		HealthChecker: healthChecker,
		Metrics:       metrics,
	})
	if err != nil {
		log.Fatalf("FATAL: create server: %v", err)
	}

	// 9. Servers
	go func() {
		if err := srv.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := srv.StartHTTP(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := startMetricsServer(ctx, cfg.MetricsAddr); err != nil {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go monitorChannels(ctx, metrics, transitionChans)

	// 10. Reconciliation
	if err := coord.Start(ctx); err != nil {
		log.Fatalf("FATAL: start coordinator: %v", err)
	}
	go func() {
		select {
		case <-coord.CaughtUp():
			stats := l.Stats()
			log.Printf("INFO: backfill complete: open=%d pending_terminal=%d", stats.Open, stats.Pending)
		case <-ctx.Done():
		}
	}()

	log.Println("INFO: PositionLedger ready")

	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %v, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: component failed: %v, shutting down...", err)
	}

	// Graceful shutdown: stop producing, then let workers drain.
	coord.Stop()
	for _, ch := range transitionChans {
		close(ch)
	}
	if alerts != nil {
		alerts.Close()
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		log.Println("WARN: workers did not drain within 30s")
	}

	cancel()
	log.Println("INFO: PositionLedger shutdown complete")
}

func openSource(ctx context.Context, cfg config.Config, js jetstream.JetStream) (reconcile.EventSource, error) {
	switch cfg.Source.Type {
	case config.SourceChain:
		if !ethcmn.IsHexAddress(cfg.Source.Contract) {
			return nil, fmt.Errorf("invalid contract address %q", cfg.Source.Contract)
		}
		client, err := chain.Dial(ctx, cfg.Source.RPCURL)
		if err != nil {
			return nil, err
		}
		log.Printf("INFO: connected to chain RPC %s", cfg.Source.RPCURL)
		return chain.NewLogSource(client, chain.Config{
			Contract:     ethcmn.HexToAddress(cfg.Source.Contract),
			ChunkSize:    cfg.Source.ChunkSize,
			PollInterval: cfg.Source.PollInterval,
			Decimals: chain.Decimals{
				Size:       cfg.Decimals.Size,
				Collateral: cfg.Decimals.Collateral,
				Price:      cfg.Decimals.Price,
			},
		}, observability.NewLogger("chain"))

	case config.SourceNATS:
		if err := ingestion.EnsureStream(ctx, js, cfg.Source.Stream, cfg.Source.Subject); err != nil {
			return nil, err
		}
		return ingestion.NewJetStreamSource(js, ingestion.JetStreamSourceConfig{
			Stream:  cfg.Source.Stream,
			Subject: cfg.Source.Subject,
		}, observability.NewLogger("jetstream")), nil
	}
	return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Println("INFO: connected to Postgres")

	migrator, err := persistence.NewMigrator(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	version, _, err := migrator.Version()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read migration version: %w", err)
	}
	log.Printf("INFO: projection schema at version %d", version)
	return db, nil
}

func openPriceFeed(ctx context.Context, cfg config.Config) (pnl.MarkPriceSource, func(), error) {
	if cfg.Redis.Addr != "" {
		feed, rdb, err := pricefeed.DialRedis(ctx, pricefeed.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Printf("INFO: mark prices from redis %s", cfg.Redis.Addr)
		return feed, func() { rdb.Close() }, nil
	}

	prices := make(map[string]decimal.Decimal, len(cfg.MarkPrices))
	for asset, raw := range cfg.MarkPrices {
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("mark price for %s: %w", asset, err)
		}
		prices[asset] = p
	}
	log.Printf("INFO: static mark prices for %d assets", len(prices))
	return pricefeed.NewStatic(prices), func() {}, nil
}

// runWorker runs fn until it returns. Cancellation is a clean exit.
func runWorker(ctx context.Context, wg *sync.WaitGroup, errChan chan<- error, name string, fn func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("%s: %w", name, err)
		}
	}()
}

func startMetricsServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: metrics server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// monitorChannels samples outbound channel depth every second.
func monitorChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]chan ledger.Transition) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range chans {
				metrics.SetChannelMetrics(name, len(ch), cap(ch))
			}
		}
	}
}
