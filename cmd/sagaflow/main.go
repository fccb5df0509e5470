package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/avito-tech/go-transaction-manager/trm/v2/manager"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/config"
	"github.com/overtonx/sagaflow/embedded"
	"github.com/overtonx/sagaflow/events"
	"github.com/overtonx/sagaflow/idempotency"
	"github.com/overtonx/sagaflow/lookup"
	"github.com/overtonx/sagaflow/ops"
	"github.com/overtonx/sagaflow/participant"
	"github.com/overtonx/sagaflow/router"
	"github.com/overtonx/sagaflow/storage"
	"github.com/overtonx/sagaflow/storage/sqlstore"
	"github.com/overtonx/sagaflow/transport/rabbitmq"
)

// service is a participant hosted by the process.
type service interface {
	Kinds() []events.Kind
	Register(reg *router.Registry)
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("sagaflow stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	metrics := sagaflow.NewOpenTelemetryMetricsCollector()

	dialect, err := sqlstore.ParseDialect(cfg.DBDriver)
	if err != nil {
		return err
	}
	db, err := sql.Open(dialect.DriverName(), cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpen)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if cfg.MigrateOnRun {
		if err := sqlstore.Migrate(db, dialect, logger); err != nil {
			return err
		}
	}

	trManager := manager.Must(trmsql.NewDefaultFactory(db))
	store := sqlstore.NewSQLStore(db, dialect, logger)

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	defer conn.Close()

	outboxPublisher, err := newPublisher(cfg, conn, logger)
	if err != nil {
		return err
	}
	publisher := sagaflow.NewBreakerPublisher(outboxPublisher, sagaflow.DefaultBreakerSettings("publisher"), logger, metrics)
	defer publisher.Close()

	recorder := sagaflow.NewRecorder(store.Outbox(),
		sagaflow.WithRecorderLogger(logger),
		sagaflow.WithRecorderMetrics(metrics),
	)
	relay := sagaflow.NewRelay(store.Outbox(), trManager, publisher,
		sagaflow.WithRelayLogger(logger),
		sagaflow.WithRelayMetrics(metrics),
		sagaflow.WithRelayBatchSize(cfg.RelayBatchSize),
		sagaflow.WithRelayMaxAttempts(cfg.RelayMaxAttempts),
		sagaflow.WithRelayBackoffStrategy(sagaflow.NewExponentialBackoffStrategy(cfg.RelayBackoffBase, cfg.RelayBackoffMax)),
		sagaflow.WithRelayAlertSink(sagaflow.MultiAlertSink{
			sagaflow.NewLogAlertSink(logger),
			sagaflow.NewMetricsAlertSink(metrics),
		}),
	)

	var guardOpts []idempotency.Option
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		guardOpts = append(guardOpts, idempotency.WithCache(idempotency.NewRedisCache(client, cfg.RedisTTL)))
	}
	guardOpts = append(guardOpts, idempotency.WithLogger(logger), idempotency.WithMetrics(metrics))

	newUnit := func(consumer string) *participant.Unit {
		guard := idempotency.NewGuard(store.ProcessedEvents(), consumer, guardOpts...)
		return participant.NewUnit(trManager, store.Aggregates(), recorder, guard,
			participant.WithLogger(logger),
			participant.WithMetrics(metrics),
			participant.WithSweepLimit(cfg.SweepLimit),
		)
	}

	services := map[string]service{}
	opsOpts := []ops.Option{
		ops.WithAddr(cfg.OpsAddr),
		ops.WithLogger(logger),
		ops.WithCircuit("publisher", publisher.State),
	}
	if cfg.Hosts(config.ServiceOrder) {
		orders := participant.NewOrders(newUnit(participant.OrderConsumer))
		services[participant.OrderConsumer] = orders
		opsOpts = append(opsOpts, ops.WithOrders(orders))
	}
	if cfg.Hosts(config.ServiceTrade) {
		trades := participant.NewTrades(newUnit(participant.TradeConsumer))
		services[participant.TradeConsumer] = trades
		opsOpts = append(opsOpts, ops.WithTrades(trades))
	}
	if cfg.Hosts(config.ServiceFunds) {
		services[participant.FundsConsumer] = participant.NewFunds(newUnit(participant.FundsConsumer))
	}
	if cfg.Hosts(config.ServicePayment) {
		payments := participant.NewPayments(newUnit(participant.PaymentConsumer))
		services[participant.PaymentConsumer] = payments
		opsOpts = append(opsOpts, ops.WithPayments(payments))
	}

	consumers, err := newConsumers(cfg, conn, services, logger, metrics)
	if err != nil {
		return err
	}

	aggregates := ops.NewAggregateLookup(store.Aggregates(), lookup.WithLogger(logger), lookup.WithMetrics(metrics))
	requeuer := sagaflow.NewRequeuer(store.Outbox(), nil, logger, metrics)
	server := ops.NewServer(aggregates, requeuer, opsOpts...)

	dispatcher := sagaflow.NewDispatcher(logger, outboxWorkers(cfg, relay, store.Outbox(), logger, metrics)...)
	dispatcher.Add(server)
	dispatcher.Add(consumers...)

	go dispatcher.Start(ctx)
	logger.Info("sagaflow started",
		zap.Strings("services", cfg.Services),
		zap.Bool("kafka_mirror", cfg.MirrorsToKafka()),
		zap.Bool("outbox_pruning", cfg.PrunesOutbox()),
		zap.String("ops_addr", cfg.OpsAddr),
	)

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping workers")
	dispatcher.Stop()
	logger.Info("Workers stopped")
	return nil
}

// newPublisher builds the outbox publisher. RabbitMQ, which the
// participants consume, always receives every message.
func newPublisher(cfg config.Config, conn *amqp.Connection, logger *zap.Logger) (embedded.Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publisher channel: %w", err)
	}
	primary, err := rabbitmq.NewPublisher(ch, rabbitmq.WithPublisherLogger(logger))
	if err != nil {
		return nil, err
	}
	return composePublisher(cfg, primary, func() (embedded.Publisher, error) {
		p, err := sagaflow.NewKafkaPublisher(logger, sagaflow.WithKafkaProducerProps(kafka.ConfigMap{
			"bootstrap.servers": cfg.KafkaBrokers,
		}))
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// composePublisher adds the Kafka mirror behind primary when brokers are
// configured.
func composePublisher(cfg config.Config, primary embedded.Publisher, newMirror func() (embedded.Publisher, error)) (embedded.Publisher, error) {
	if !cfg.MirrorsToKafka() {
		return primary, nil
	}
	mirror, err := newMirror()
	if err != nil {
		_ = primary.Close()
		return nil, fmt.Errorf("failed to create kafka mirror: %w", err)
	}
	return sagaflow.FanoutPublisher{primary, mirror}, nil
}

// outboxWorkers runs the relay and, only when a retention is configured,
// the cleaner of dispatched rows.
func outboxWorkers(cfg config.Config, relay embedded.Relay, store storage.OutboxStore, logger *zap.Logger, metrics embedded.MetricsCollector) []embedded.Worker {
	workers := []embedded.Worker{sagaflow.NewRelayWorker(relay, cfg.RelayInterval, logger)}
	if cfg.PrunesOutbox() {
		cleaner := sagaflow.NewCleaner(store, cfg.DispatchedRetention, nil, logger, metrics)
		workers = append(workers, sagaflow.NewCleanupWorker(cleaner, cfg.CleanupInterval, logger))
	}
	return workers
}

// newConsumers declares the topology and builds one consumer per hosted
// participant, each on its own channel and queue.
func newConsumers(cfg config.Config, conn *amqp.Connection, services map[string]service, logger *zap.Logger, metrics embedded.MetricsCollector) ([]embedded.Worker, error) {
	topology, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open topology channel: %w", err)
	}
	defer topology.Close()

	settleCh, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter channel: %w", err)
	}
	settlePublisher, err := rabbitmq.NewPublisher(settleCh, rabbitmq.WithPublisherLogger(logger))
	if err != nil {
		return nil, err
	}
	settler := router.NewDeadLetterHandler(settlePublisher, logger, metrics)

	var workers []embedded.Worker
	for consumer, svc := range services {
		queue := consumer + ".events"

		reg := router.NewRegistry()
		svc.Register(reg)
		rt := reg.Build(
			router.WithLogger(logger.With(zap.String("consumer", consumer))),
			router.WithMetrics(metrics),
			router.WithMaxRetries(cfg.MaxRetries),
			router.WithRetryBackoff(cfg.RetryBase, cfg.RetryMax),
			router.WithHandlerTimeout(cfg.HandlerTimeout),
		)

		q := rabbitmq.QueueFor(queue, svc.Kinds()...).WithRetryDelays(rt.RetryDelays()...)
		if err := rabbitmq.DeclareTopology(topology, q); err != nil {
			return nil, err
		}

		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to open channel for %s: %w", queue, err)
		}
		workers = append(workers, rabbitmq.NewConsumer(ch, queue, rt, settler,
			rabbitmq.WithPrefetch(cfg.Prefetch),
			rabbitmq.WithConsumerTag(consumer),
			rabbitmq.WithConsumerLogger(logger),
		))
	}
	return workers, nil
}
