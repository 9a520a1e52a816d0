// Package main is the entry point for the endpoint detection engine.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"apt-edr/internal/config"
	"apt-edr/internal/consumer"
	"apt-edr/internal/detection"
	"apt-edr/internal/detection/beaconing"
	"apt-edr/internal/detection/reputation"
	"apt-edr/internal/detection/signature"
	"apt-edr/internal/publish"
	"apt-edr/internal/queue"
	"apt-edr/internal/scanner"
	"apt-edr/internal/schema"
	"apt-edr/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Logging.Level, "debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"rules_dir", cfg.Rules.Dir,
		"scan_root", cfg.Scan.Root,
		"scan_interval", cfg.Scan.Interval,
		"storage_enabled", cfg.Storage.Enabled,
		"publisher_enabled", cfg.Publisher.Enabled,
	)

	// Signature rule store and matcher
	store, err := signature.NewStore(cfg.Rules.Dir)
	if err != nil {
		slog.Error("failed to initialize rule store", "error", err)
		os.Exit(1)
	}
	matcher := signature.NewMatcher(store, nil)

	// Hash reputation service
	var remote reputation.RemoteClient
	if cfg.Reputation.APIKey != "" {
		rcCfg := reputation.DefaultHTTPClientConfig()
		rcCfg.APIKey = cfg.Reputation.APIKey
		rcCfg.Timeout = cfg.Reputation.LookupTimeout
		if cfg.Reputation.BaseURL != "" {
			rcCfg.BaseURL = cfg.Reputation.BaseURL
		}
		remote = reputation.NewHTTPClient(rcCfg)
	}

	var verdictCache reputation.VerdictCache
	if cfg.Reputation.Cache.Enabled {
		cacheCfg := reputation.DefaultRedisCacheConfig()
		cacheCfg.Addr = cfg.Reputation.Cache.Addr
		cacheCfg.Password = cfg.Reputation.Cache.Password
		cacheCfg.DB = cfg.Reputation.Cache.DB
		cacheCfg.TTL = cfg.Reputation.Cache.TTL
		verdictCache, err = reputation.NewRedisCache(cacheCfg)
		if err != nil {
			slog.Error("failed to connect to verdict cache", "error", err)
			os.Exit(1)
		}
	}

	assessor, err := reputation.NewService(reputation.Config{
		KnownBadPath:    cfg.Reputation.KnownBadPath,
		APIKey:          cfg.Reputation.APIKey,
		EngineThreshold: cfg.Reputation.EngineThreshold,
		LookupTimeout:   cfg.Reputation.LookupTimeout,
		MaxInFlight:     cfg.Reputation.MaxInFlight,
		CacheTTL:        cfg.Reputation.Cache.TTL,
	}, remote, verdictCache)
	if err != nil {
		slog.Error("failed to initialize reputation service", "error", err)
		os.Exit(1)
	}

	// Beaconing analyzer
	analyzer := beaconing.New(beaconing.Config{
		MinConnections: cfg.Beaconing.MinConnections,
		MaxJitter:      cfg.Beaconing.MaxJitter,
		MinInterval:    cfg.Beaconing.MinInterval,
		BaseSeverity:   cfg.Beaconing.BaseSeverity,
	})

	coordinator := detection.NewCoordinator(detection.Config{
		Workers:            cfg.Detection.Workers,
		HashLocalSeverity:  cfg.Detection.HashLocalSeverity,
		HashRemoteSeverity: cfg.Detection.HashRemoteSeverity,
	}, matcher, assessor, analyzer)

	ctx, cancel := context.WithCancel(context.Background())

	// Findings pipeline: queue feeding the configured sinks
	findingsQueue := queue.NewRingBuffer(cfg.Queue.Size)

	var sinks []consumer.Sink
	var chClient *storage.ClickHouseClient
	var batchWriter *storage.BatchWriter
	var publisher *publish.Publisher

	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err = storage.NewClickHouseClient(storage.ClickHouseConfig{
			Hosts:           cfg.Storage.ClickHouse.Hosts,
			Database:        cfg.Storage.ClickHouse.Database,
			Username:        cfg.Storage.ClickHouse.Username,
			Password:        cfg.Storage.ClickHouse.Password,
			MaxOpenConns:    cfg.Storage.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ClickHouse.ConnMaxLifetime,
			TLSEnabled:      cfg.Storage.ClickHouse.TLSEnabled,
			DialTimeout:     cfg.Storage.ClickHouse.DialTimeout,
		})
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		slog.Info("running database migrations")
		migrator := storage.NewMigrator(chClient)
		if err := migrator.Run(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		batchWriter = storage.NewBatchWriter(chClient, storage.BatchWriterConfig{
			BatchSize:     cfg.Storage.BatchWriter.BatchSize,
			FlushInterval: cfg.Storage.BatchWriter.FlushInterval,
			MaxRetries:    cfg.Storage.BatchWriter.MaxRetries,
			RetryDelay:    cfg.Storage.BatchWriter.RetryDelay,
		})
		sinks = append(sinks, batchWriter)
	}

	if cfg.Publisher.Enabled {
		pubCfg := publish.DefaultConfig()
		pubCfg.Brokers = cfg.Publisher.Brokers
		pubCfg.Topic = cfg.Publisher.Topic
		publisher, err = publish.NewPublisher(pubCfg, logger)
		if err != nil {
			slog.Error("failed to initialize findings publisher", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, publisher)
	}

	if len(sinks) == 0 {
		// Development mode without storage or Kafka: log findings instead.
		sinks = append(sinks, logSink{})
	}

	findingsConsumer := consumer.New(findingsQueue, sinks, consumer.Config{
		Workers:      cfg.Consumer.Workers,
		PollInterval: cfg.Consumer.PollInterval,
		ShutdownWait: cfg.Consumer.ShutdownWait,
	})
	findingsConsumer.Start(ctx)

	// Periodic scan loop
	go scanLoop(ctx, cfg, coordinator, findingsQueue)

	// SIGHUP reloads signature rules; SIGINT/SIGTERM shuts down
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			slog.Info("reloading signature rules")
			if err := store.Reload(); err != nil {
				slog.Error("rule reload failed", "error", err)
				continue
			}
			slog.Info("signature rules reloaded", "version", store.Active().Version, "rules", store.Active().Len())
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	cancel()
	findingsConsumer.Stop()

	if batchWriter != nil {
		if err := batchWriter.Close(); err != nil {
			slog.Error("batch writer close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			slog.Error("publisher close error", "error", err)
		}
	}
	if verdictCache != nil {
		if err := verdictCache.Close(); err != nil {
			slog.Error("verdict cache close error", "error", err)
		}
	}

	findingsQueue.Close()

	// Log final metrics
	queueMetrics := findingsQueue.Metrics()
	slog.Info("shutdown complete",
		"findings_pushed", queueMetrics.Pushed,
		"findings_popped", queueMetrics.Popped,
		"findings_dropped", queueMetrics.Dropped,
	)

	if batchWriter != nil {
		bwMetrics := batchWriter.Metrics()
		slog.Info("storage metrics",
			"findings_written", bwMetrics.Written,
			"findings_failed", bwMetrics.Failed,
			"batches", bwMetrics.Batches,
		)
	}
}

// scanLoop runs detection batches on the configured interval until ctx is
// cancelled. The first scan starts immediately.
func scanLoop(ctx context.Context, cfg *config.Config, coordinator *detection.Coordinator, q *queue.RingBuffer) {
	ticker := time.NewTicker(cfg.Scan.Interval)
	defer ticker.Stop()

	for {
		runScan(ctx, cfg, coordinator, q)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runScan collects one telemetry batch and feeds the findings into the queue.
func runScan(ctx context.Context, cfg *config.Config, coordinator *detection.Coordinator, q *queue.RingBuffer) {
	batch := detection.Batch{
		Files:       collectFiles(cfg.Scan.Root, cfg.Scan.Extensions),
		Connections: loadConnections(cfg.Scan.ConnectionsFile),
	}

	result := coordinator.Scan(ctx, batch)

	for _, itemErr := range result.Errors {
		slog.Warn("scan item failed",
			"detector", itemErr.Detector,
			"indicator", itemErr.Indicator,
			"error", itemErr.Err,
		)
	}

	for i := range result.Findings {
		finding := result.Findings[i]
		if err := q.Push(&finding); err != nil {
			slog.Error("failed to enqueue finding",
				"finding_id", finding.ID,
				"error", err,
			)
		}
	}
}

// collectFiles walks the scan root and returns the candidate files.
func collectFiles(root string, extensions []string) []schema.FileCandidate {
	if root == "" {
		return nil
	}

	var files []schema.FileCandidate
	walker := scanner.NewWalker(extensions)
	err := walker.Walk(root, func(path string, err error) error {
		if err != nil {
			slog.Debug("skipping unreadable entry", "path", path, "error", err)
			return nil
		}
		files = append(files, schema.FileCandidate{
			Path:      path,
			Extension: filepath.Ext(path),
		})
		return nil
	})
	if err != nil {
		slog.Warn("file walk failed", "root", root, "error", err)
	}
	return files
}

// loadConnections reads a connection window from a JSON file, if configured.
func loadConnections(path string) []schema.ConnectionRecord {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read connections file", "path", path, "error", err)
		}
		return nil
	}

	var connections []schema.ConnectionRecord
	if err := json.Unmarshal(data, &connections); err != nil {
		slog.Warn("failed to parse connections file", "path", path, "error", err)
		return nil
	}
	return connections
}

// logSink logs findings when no storage or publisher is configured.
type logSink struct{}

func (logSink) Write(_ context.Context, finding *schema.Finding) error {
	slog.Info("finding",
		"kind", finding.Kind,
		"indicator", finding.Indicator,
		"severity", finding.Severity,
		"action", finding.Action,
		"explanation", finding.Explanation,
	)
	return nil
}
