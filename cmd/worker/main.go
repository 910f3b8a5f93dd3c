package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	gootel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/websec-armada/internal/app/scanning"
	"github.com/ahrav/websec-armada/internal/config"
	"github.com/ahrav/websec-armada/internal/infra/eventbus/kafka"
	"github.com/ahrav/websec-armada/internal/infra/scanner"
	"github.com/ahrav/websec-armada/internal/infra/scanner/katana"
	"github.com/ahrav/websec-armada/internal/infra/scanner/nuclei"
	"github.com/ahrav/websec-armada/internal/infra/scanner/zap"
	"github.com/ahrav/websec-armada/internal/infra/storage"
	scanningStore "github.com/ahrav/websec-armada/internal/infra/storage/scanning/postgres"
	"github.com/ahrav/websec-armada/pkg/common"
	"github.com/ahrav/websec-armada/pkg/common/logger"
	"github.com/ahrav/websec-armada/pkg/common/otel"
	"github.com/ahrav/websec-armada/pkg/common/poll"
)

const (
	serviceType = "worker"
)

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
				"span_id":       otel.GetSpanID(ctx),
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

	log = logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.LogLevel), svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(context.Background())

	tracer := tp.Tracer(cfg.Telemetry.ServiceName)

	ready := &atomic.Bool{}
	healthServer, err := common.NewHealthServer(cfg.HealthAddr, ready)
	if err != nil {
		log.Error(ctx, "failed to create health server", "error", err)
		os.Exit(1)
	}
	healthServer.Server().ErrorLog = logger.NewStdLogger(log, logger.LevelError)

	pool, err := storage.NewPool(ctx, storage.PoolConfig{
		DSN:      cfg.Database.DSN,
		MinConns: cfg.Database.MinConns,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := storage.RunMigrations(pool, cfg.Database.MigrationsPath); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "Migrations applied successfully. Starting worker...")

	metricCollector, err := scanning.NewWorkerMetrics(gootel.GetMeterProvider())
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	scanners, err := buildScanners(ctx, cfg, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to initialize scanners", "error", err)
		os.Exit(1)
	}

	kafkaCfg := &kafka.ClientConfig{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  cfg.Kafka.GroupID,
		ClientID: svcName,
	}
	kafkaClient, err := kafka.NewClient(kafkaCfg)
	if err != nil {
		log.Error(ctx, "failed to create kafka client", "error", err)
		os.Exit(1)
	}
	defer kafkaClient.Close()

	conn, err := kafka.Connect(ctx, kafkaCfg, kafkaClient)
	if err != nil {
		log.Error(ctx, "failed to connect to kafka", "error", err)
		os.Exit(1)
	}

	notifier := kafka.NewNotifier(conn.Producer, cfg.Kafka.NotificationTopic, log, metricCollector, tracer)
	scanRepo := scanningStore.NewScanStore(pool, tracer)

	orchestrator, err := scanning.NewOrchestrator(
		hostname,
		scanRepo,
		notifier,
		scanners,
		log,
		metricCollector,
		tracer,
	)
	if err != nil {
		log.Error(ctx, "failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	consumer, err := kafka.NewJobConsumer(
		conn.ConsumerGroup,
		conn.Producer,
		kafka.JobConsumerConfig{
			JobTopic:      cfg.Kafka.JobTopic,
			RetryTopic:    cfg.Kafka.RetryTopic,
			Concurrency:   cfg.Concurrency,
			MaxDeliveries: cfg.Kafka.MaxDeliveries,
		},
		orchestrator,
		log,
		metricCollector,
		tracer,
	)
	if err != nil {
		log.Error(ctx, "failed to create job consumer", "error", err)
		os.Exit(1)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gCtx, "Health server listening", "addr", cfg.HealthAddr)
		if err := healthServer.Server().ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return consumer.Run(gCtx)
	})

	log.Info(ctx, "Worker initialized", "scanners", len(scanners), "concurrency", cfg.Concurrency)
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	// Wait for either a signal or a component error.
	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			log.Error(ctx, "Worker error", "error", err)
		}
	}

	ready.Store(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := healthServer.Server().Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "Error shutting down health server", "error", err)
	}
	if err := conn.Close(); err != nil {
		log.Error(shutdownCtx, "Failed to close kafka connection", "error", err)
	}
	log.Info(shutdownCtx, "Worker stopped")
}

// buildScanners creates the enabled adapters in the order each target is
// driven through them: crawl, templates, then the active scan.
func buildScanners(ctx context.Context, cfg *config.Config, log *logger.Logger, tracer trace.Tracer) ([]scanning.Scanner, error) {
	var scanners []scanning.Scanner
	runner := scanner.ExecRunner{}

	if cfg.Katana.Enabled {
		k := katana.NewScanner(katana.Config{Binary: cfg.Katana.Binary, Depth: cfg.Katana.Depth}, runner, log, tracer)
		if err := k.CheckAvailable(); err != nil {
			return nil, fmt.Errorf("katana: %w", err)
		}
		scanners = append(scanners, k)
	}

	if cfg.Nuclei.Enabled {
		n := nuclei.NewScanner(nuclei.Config{Binary: cfg.Nuclei.Binary, Templates: cfg.Nuclei.Templates}, runner, log, tracer)
		if err := n.CheckAvailable(); err != nil {
			return nil, fmt.Errorf("nuclei: %w", err)
		}
		scanners = append(scanners, n)
	}

	if cfg.ZAP.Enabled {
		client := zap.NewClient(zap.ClientConfig{
			BaseURL:           cfg.ZAP.APIURL,
			APIKey:            cfg.ZAP.APIKey,
			Timeout:           cfg.ZAP.Timeout,
			RetryCount:        3,
			RequestsPerSecond: cfg.ZAP.RequestsPerSecond,
		}, log, tracer)
		if err := client.WaitReady(ctx, cfg.ZAP.ReadyTimeout); err != nil {
			return nil, fmt.Errorf("zap: %w", err)
		}
		scanners = append(scanners, zap.NewScanner(client, zap.Config{
			Poll: poll.Policy{MaxAttempts: cfg.Poll.MaxAttempts, Interval: cfg.Poll.Interval},
		}, log, tracer))
	}

	return scanners, nil
}
