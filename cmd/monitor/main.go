// The monitor projects the lifecycle event stream into the read model and
// serves the HTTP API, the websocket stream, and the queue statistics.
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

	"github.com/mqmon/mqmon/internal/api"
	"github.com/mqmon/mqmon/internal/broker"
	"github.com/mqmon/mqmon/internal/config"
	"github.com/mqmon/mqmon/internal/consumer"
	"github.com/mqmon/mqmon/internal/creation"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/logging"
	"github.com/mqmon/mqmon/internal/metrics"
	"github.com/mqmon/mqmon/internal/mgmt"
	"github.com/mqmon/mqmon/internal/projection"
	"github.com/mqmon/mqmon/internal/push"
	"github.com/mqmon/mqmon/internal/query"
	"github.com/mqmon/mqmon/internal/service"
	"github.com/mqmon/mqmon/internal/store"
	"github.com/mqmon/mqmon/internal/store/memory"
	"github.com/mqmon/mqmon/internal/store/postgres"
)

func main() {
	logger := logging.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", err, nil)
		os.Exit(1)
	}
	logger.Info("monitor starting", logging.LogFields{"config": cfg.String()})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("monitor exited with error", err, nil)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger logging.ServiceLogger) error {
	if err := broker.NewTopology(cfg, logger).Configure(ctx); err != nil {
		return err
	}

	b, err := broker.Connect(cfg.AMQPURL, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	publisher, err := broker.NewPublisher(b, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	st, tx, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	hub := push.NewHub(logger)
	projector := projection.New(st, tx, hub, logger)

	svc, err := service.New(b, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	handler := consumer.Retrying(projector.Handle, publisher, event.MonitorRetryQueue, "monitor", cfg.MaxRetries, logger)
	if err := svc.AddConsumer("event_projection", broker.QueueSpec{
		Queue:      event.MonitorQueue,
		Exchange:   event.EventsExchange,
		BindingKey: "process.#",
		Arguments:  broker.MonitorQueueArgs(),
		Prefetch:   1,
	}, handler); err != nil {
		return err
	}

	mgmtClient := mgmt.NewClient(cfg, logger)
	go mgmt.NewPoller(mgmtClient, hub, cfg.QueueStatsInterval, logger).Run(ctx)

	queryService := query.NewService(st)
	creationService := creation.NewService(cfg, publisher, logger)
	server := api.NewServer(cfg, creationService, queryService, publisher, mgmtClient, hub, logger)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}
	go func() {
		logger.Info("http api listening", logging.LogFields{"addr": cfg.HTTPAddr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", err, nil)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelFn()
		httpServer.Shutdown(shutdownCtx)
	}()

	if cfg.MetricsPort > 0 {
		go func() {
			if err := metrics.Serve(cfg.MetricsPort); err != nil {
				logger.Error("metrics server stopped", err, nil)
			}
		}()
	}

	logger.Info("monitor running", nil)
	return svc.Run(ctx)
}

// openStore selects Postgres when a DSN is configured, the in-memory store
// otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger logging.ServiceLogger) (*store.Store, store.TxRunner, error) {
	if cfg.PostgresDSN == "" {
		logger.Info("using in-memory read model", nil)
		return memory.New(), nil, nil
	}

	if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
		return nil, nil, err
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using postgres read model", nil)
	return &db.Store, db, nil
}
