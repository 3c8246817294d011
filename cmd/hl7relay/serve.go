package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vpms/hl7relay/internal/api"
	"github.com/vpms/hl7relay/internal/config"
	"github.com/vpms/hl7relay/internal/connector"
	"github.com/vpms/hl7relay/internal/dispatch"
	"github.com/vpms/hl7relay/internal/infrastructure/postgres"
	"github.com/vpms/hl7relay/internal/infrastructure/redpanda"
	"github.com/vpms/hl7relay/internal/mllp"
	"github.com/vpms/hl7relay/internal/observability/metrics"
	"github.com/vpms/hl7relay/internal/observability/tracing"
	"github.com/vpms/hl7relay/internal/receive"
	"github.com/vpms/hl7relay/internal/store"
	"github.com/vpms/hl7relay/internal/store/memory"
	"github.com/vpms/hl7relay/pkg/circuitbreaker"
	"github.com/vpms/hl7relay/pkg/idempotency"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start delivery loops, MLLP receivers and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			migrate, _ := cmd.Flags().GetBool("migrate")
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, migrate, logger)
		},
	}
	cmd.Flags().Bool("migrate", false, "apply the database schema before starting")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, migrate bool, logger *zap.Logger) error {
	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdown(logger, "tracing", tp.Shutdown)

	m := metrics.New(nil)

	registry, err := connector.NewRegistry(cfg.Connectors...)
	if err != nil {
		return fmt.Errorf("connectors: %w", err)
	}

	var (
		st    store.MessageStore
		inbox idempotency.Processor
		pool  *pgxpool.Pool
	)
	switch cfg.Store {
	case config.StorePostgres:
		pool, err = postgres.Connect(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		if migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info("database schema applied")
		}

		messages := postgres.NewMessageStore(pool, cfg.Retention, logger.Named("store"))
		messages.StartPurge()
		defer messages.Stop()
		st = messages

		pgInbox := idempotency.NewInbox(pool, cfg.Inbox, logger.Named("inbox"))
		pgInbox.StartCleanup()
		defer pgInbox.Stop()
		inbox = pgInbox
	default:
		logger.Warn("using in-memory store; queued messages are lost on restart")
		st = memory.New()
		inbox = idempotency.NewMemoryInbox(cfg.Inbox)
	}

	breakers := circuitbreaker.NewManager(func(name string, from, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Level())
	}, logger.Named("breaker"))

	unsubscribe := registry.Subscribe(func(e connector.Event) {
		if e.Type != connector.Removed {
			return
		}
		breakers.Remove(e.Connector.ID)
		m.RemoveConnector(e.Connector.ID)
		m.CircuitBreakerState.DeleteLabelValues(e.Connector.ID)
	})
	defer unsubscribe()

	sender := mllp.NewSender(breakers, cfg.CircuitBreaker, logger.Named("mllp"))
	dispatcher, err := dispatch.New(st, sender, registry, cfg.Dispatch, m, logger.Named("dispatch"))
	if err != nil {
		return err
	}

	var (
		dispenses receive.DispenseHandler = receive.LogHandler(logger.Named("dispense"))
		producer  *redpanda.Producer
		consumer  *redpanda.Consumer
	)
	if cfg.Kafka.Enabled {
		producer, err = redpanda.NewProducer(cfg.Kafka.Producer, m.KafkaMessagesProduced, logger.Named("producer"))
		if err != nil {
			return err
		}
		defer producer.Close()

		var events redpanda.Publisher = producer
		if pool != nil && cfg.Kafka.UseOutbox {
			outbox := postgres.NewOutbox(pool, producer, cfg.Kafka.Outbox, logger.Named("outbox"))
			outbox.Start()
			defer outbox.Stop()
			events = outbox
		}
		dispatcher.AddListener(redpanda.NewSentEventPublisher(events))
		dispenses = redpanda.NewInboundPublisher(events)

		if cfg.Kafka.ConsumeRequests {
			requests := redpanda.NewOutboundRequestHandler(dispatcher, producer, logger.Named("requests"))
			consumer, err = redpanda.NewConsumer(cfg.Kafka.Consumer, requests.Handle, m.KafkaMessagesConsumed, logger.Named("consumer"))
			if err != nil {
				return err
			}
		}
	}

	receiver := receive.NewService(registry, dispenses, inbox, cfg.Receive, m, logger.Named("receive"))

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	if err := receiver.Start(ctx); err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	defer receiver.Stop()

	if consumer != nil {
		consumer.Start()
		defer consumer.Stop()
	}

	deps := api.Deps{
		Registry:   registry,
		Store:      st,
		Dispatcher: dispatcher,
		Receivers:  receiver,
		Breakers:   breakers,
		Metrics:    metrics.Handler(),
		APIKeys:    cfg.APIKeyMap(),
		Version:    version,
		Logger:     logger.Named("api"),
	}
	// interfaces must stay nil when the component is not running
	if pool != nil {
		deps.DB = pool
	}
	if producer != nil {
		deps.Producer = producer
	}
	if consumer != nil {
		deps.Consumer = consumer
	}
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting hl7relay",
			zap.String("version", version),
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("store", cfg.Store),
			zap.Int("connectors", len(cfg.Connectors)),
			zap.Bool("kafka", cfg.Kafka.Enabled))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

func shutdown(logger *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("shutdown failed", zap.String("component", name), zap.Error(err))
	}
}
