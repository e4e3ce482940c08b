package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/google/uuid"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	otelapi "go.opentelemetry.io/otel"
	"go.uber.org/automaxprocs/maxprocs"

	transferapp "github.com/ahrav/pacs-ferry/internal/app/orchestration"
	"github.com/ahrav/pacs-ferry/internal/app/transfer"
	"github.com/ahrav/pacs-ferry/internal/config"
	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/internal/infra/archive"
	"github.com/ahrav/pacs-ferry/internal/infra/mail"
	"github.com/ahrav/pacs-ferry/internal/infra/storage/transfer/postgres"
	"github.com/ahrav/pacs-ferry/pkg/common/logger"
	"github.com/ahrav/pacs-ferry/pkg/common/otel"
)

const serviceType = "worker"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("WORKER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(os.Getenv("FERRY_CONFIG"))
	if err != nil {
		log.Error(ctx, "failed to load configuration", "error", err)
		os.Exit(1)
	}

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"hostname":         hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(cfg.Telemetry.ServiceName)

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.ConnString())
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConns = int32(cfg.Worker.Concurrency) + 5
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Migrations applied successfully. Starting worker...")

	jobStore := postgres.NewJobStore(pool, tracer)
	taskStore := postgres.NewTaskStore(pool, tracer)
	queueStore := postgres.NewQueueStore(pool, tracer)
	nodeStore := postgres.NewNodeStore(pool, tracer)
	locker := postgres.NewAdvisoryLocker(pool, tracer)

	if err := seedNodes(ctx, nodeStore, cfg.Nodes, log); err != nil {
		log.Error(ctx, "failed to seed nodes", "error", err)
		os.Exit(1)
	}

	var notifier domain.Notifier
	if cfg.Mail.Enabled() {
		notifier = mail.NewMailer(cfg.Mail, nil, log)
	}

	metrics, err := transferapp.NewWorkerMetrics(otelapi.GetMeterProvider())
	if err != nil {
		log.Error(ctx, "failed to create metrics", "error", err)
		os.Exit(1)
	}

	service := transferapp.NewJobService(jobStore, taskStore, queueStore, notifier, metrics, log)

	connect := func(server domain.ServerConfig) transfer.Connector {
		return transfer.NewDimseConnector(server, cfg.Dimse, log)
	}

	processors := map[domain.TaskKind]transfer.Processor{
		domain.TaskKindTransfer: transfer.NewTransferProcessor(
			jobStore, nodeStore, connect, archive.NewZipArchiver(), log),
		domain.TaskKindQuery: transfer.NewQueryProcessor(nodeStore, connect, log),
	}

	worker, err := transferapp.NewWorker(
		cfg.Worker, jobStore, taskStore, queueStore, locker, service, processors, metrics, log)
	if err != nil {
		log.Error(ctx, "failed to create worker", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Worker initialized",
		"concurrency", cfg.Worker.Concurrency,
		"polling_interval", cfg.Worker.PollingInterval,
		"time_slot_begin", cfg.Worker.TimeSlotBegin,
		"time_slot_end", cfg.Worker.TimeSlotEnd,
	)

	doneCh := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(doneCh)
	}()

	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		select {
		case <-doneCh:
			log.Info(shutdownCtx, "Worker drained cleanly")
		case <-shutdownCtx.Done():
			log.Error(shutdownCtx, "Worker did not drain before deadline")
		}

	case <-doneCh:
		log.Info(ctx, "Worker stopped")
	}
}

// nodeSeeder is the subset of the node store the startup seed needs.
type nodeSeeder interface {
	Upsert(ctx context.Context, node *domain.Node) error
}

// seedNodes upserts the configured nodes so jobs can reference them by name.
// Upsert is keyed on the node name, so an existing node keeps its id and only
// its connection details change.
func seedNodes(ctx context.Context, store nodeSeeder, nodes []config.NodeConfig, log *logger.Logger) error {
	for _, nc := range nodes {
		var node *domain.Node
		switch nc.Kind {
		case "folder":
			node = domain.NewFolderNode(uuid.New(), nc.Name, nc.FolderPath)
		default:
			caps := make([]domain.Capability, len(nc.Capabilities))
			for i, c := range nc.Capabilities {
				caps[i] = domain.Capability(c)
			}
			server := domain.NewServerConfig(nc.AETitle, nc.Host, nc.Port, domain.NewCapabilitySet(caps...))
			node = domain.NewServerNode(uuid.New(), nc.Name, server)
		}
		if err := store.Upsert(ctx, node); err != nil {
			return fmt.Errorf("seeding node %s: %w", nc.Name, err)
		}
		log.Info(ctx, "Seeded node", "name", nc.Name, "kind", nc.Kind)
	}
	return nil
}

// runMigrations uses golang-migrate to apply all up migrations. It acquires
// a single pgx connection from the pool, runs the migrations, and releases
// the connection back to the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("FERRY_MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
