package main

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/evpn-routed/internal/config"
	"github.com/route-beacon/evpn-routed/internal/db"
	"github.com/route-beacon/evpn-routed/internal/evpn"
	evpnhttp "github.com/route-beacon/evpn-routed/internal/http"
	"github.com/route-beacon/evpn-routed/internal/ingest"
	"github.com/route-beacon/evpn-routed/internal/journal"
	"github.com/route-beacon/evpn-routed/internal/kafka"
	"github.com/route-beacon/evpn-routed/internal/maintenance"
	"github.com/route-beacon/evpn-routed/internal/metrics"
	"github.com/route-beacon/evpn-routed/internal/provider"
	"github.com/route-beacon/evpn-routed/internal/route"
	"github.com/route-beacon/evpn-routed/internal/speaker"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: evpn-routed <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the EVPN route service")
	fmt.Println("  migrate       Run journal database migrations")
	fmt.Println("  maintenance   Run journal partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func speakerConfig(cfg config.BGPConfig) speaker.Config {
	sc := speaker.Config{
		RouterID:      netip.MustParseAddr(cfg.RouterID),
		LocalAS:       cfg.LocalAS,
		ListenAddress: cfg.ListenAddress,
		ListenPort:    cfg.ListenPort,
		Passive:       cfg.Passive,
	}
	for _, n := range cfg.Neighbors {
		nb := speaker.Neighbor{
			Address:  netip.MustParseAddr(n.Address),
			RemoteAS: n.RemoteAS,
		}
		if n.LocalAddress != "" {
			nb.LocalAddress = netip.MustParseAddr(n.LocalAddress)
		}
		sc.Neighbors = append(sc.Neighbors, nb)
	}
	return sc
}

func staticRoutes(cfg *config.Config) []evpn.Route {
	routes := make([]evpn.Route, 0, len(cfg.StaticRoutes))
	for _, sr := range cfg.StaticRoutes {
		// Already checked by config.Validate.
		r, _ := sr.Route()
		routes = append(routes, r)
	}
	return routes
}

func kafkaClientOptions(cfg *config.Config, suffix string, logger *zap.Logger) kafka.ClientOptions {
	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech, err := cfg.Kafka.BuildSASLMechanism()
	if err != nil {
		logger.Fatal("failed to build SASL mechanism", zap.Error(err))
	}
	return kafka.ClientOptions{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID + suffix,
		TLS:      tlsCfg,
		SASL:     saslMech,
	}
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting evpn-routed",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.String("router_id", cfg.BGP.RouterID),
		zap.Uint32("local_as", cfg.BGP.LocalAS),
	)

	// Inputs (BGP sessions, BMP feed) stop on ctx; event sinks stop on
	// sinkCtx once the route manager has been closed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()

	// --- Route table ---
	manager := route.NewManager(route.ManagerConfig{QueueCapacity: cfg.Route.QueueCapacity}, logger.Named("route"))

	spk := speaker.New(speakerConfig(cfg.BGP), logger.Named("speaker"))
	translator := provider.NewTranslator(manager, spk, logger.Named("provider"))
	if err := translator.Start(manager); err != nil {
		logger.Fatal("failed to start bgp provider", zap.Error(err))
	}

	var sinkWg sync.WaitGroup

	// --- Journal ---
	var pool *pgxpool.Pool
	if cfg.Journal.Enabled {
		var err error
		pool, err = db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		// Ensure partitions exist on startup.
		pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("maintenance"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create partitions on startup", zap.Error(err))
		}

		writer := journal.NewWriter(pool, logger.Named("journal.writer"), cfg.Journal.StoreRawNLRI, cfg.Journal.CompressRawNLRI)
		jp := journal.NewPipeline(writer, cfg.Journal.BatchSize, cfg.Journal.FlushIntervalMs, logger.Named("journal.pipeline"))

		sinkWg.Add(1)
		go func() { defer sinkWg.Done(); jp.Run(sinkCtx) }()

		if _, err := manager.Subscribe(journal.ListenerName, jp.HandleEvent); err != nil {
			logger.Fatal("failed to subscribe journal", zap.Error(err))
		}
		logger.Info("journal started", zap.Int("batch_size", cfg.Journal.BatchSize))
	}

	// --- Kafka export ---
	var exporter *kafka.Exporter
	if cfg.Kafka.Export.Enabled {
		var err error
		exporter, err = kafka.NewExporter(kafkaClientOptions(cfg, "-export", logger),
			cfg.Kafka.Export.Topic, cfg.Service.InstanceID, logger.Named("kafka.export"))
		if err != nil {
			logger.Fatal("failed to create kafka exporter", zap.Error(err))
		}
		if _, err := manager.Subscribe(kafka.ExportListenerName, exporter.HandleEvent); err != nil {
			logger.Fatal("failed to subscribe kafka exporter", zap.Error(err))
		}
		logger.Info("kafka export started", zap.String("topic", cfg.Kafka.Export.Topic))
	}

	if routes := staticRoutes(cfg); len(routes) > 0 {
		manager.UpdateRoutes(routes)
		logger.Info("static routes installed", zap.Int("count", len(routes)))
	}

	g, gctx := errgroup.WithContext(ctx)

	// --- BGP speaker ---
	g.Go(func() error {
		return spk.Serve(gctx, translator)
	})

	// --- BMP feed ---
	var commitWg sync.WaitGroup
	var bmpConsumer *kafka.BMPConsumer
	if cfg.Kafka.BMP.Enabled {
		var err error
		bmpConsumer, err = kafka.NewBMPConsumer(kafkaClientOptions(cfg, "-bmp", logger),
			cfg.Kafka.BMP.GroupID, cfg.Kafka.BMP.Topics, cfg.Kafka.FetchMaxBytes, logger.Named("kafka.bmp"))
		if err != nil {
			logger.Fatal("failed to create bmp consumer", zap.Error(err))
		}
		defer bmpConsumer.Close()

		bmpPipeline := ingest.NewPipeline(translator, cfg.Kafka.BMP.MaxPayloadBytes, logger.Named("ingest"))
		bmpRecords := make(chan []*kgo.Record, cfg.Kafka.BMP.ChannelBufferSize)
		bmpFlushed := make(chan []*kgo.Record, cfg.Kafka.BMP.ChannelBufferSize)

		g.Go(func() error {
			bmpConsumer.Run(gctx, bmpRecords, bmpFlushed, &commitWg)
			return nil
		})
		g.Go(func() error {
			bmpPipeline.Run(gctx, bmpRecords, bmpFlushed)
			close(bmpFlushed)
			return nil
		})

		logger.Info("bmp ingest started",
			zap.Strings("topics", cfg.Kafka.BMP.Topics),
			zap.String("group_id", cfg.Kafka.BMP.GroupID),
		)
	}

	// --- HTTP server ---
	deps := evpnhttp.Deps{
		Routes:  manager,
		Sender:  translator,
		Peers:   spk,
		Speaker: spk,
	}
	if pool != nil {
		deps.DB = pool
	}
	if bmpConsumer != nil {
		deps.BMP = bmpConsumer
	}
	httpServer := evpnhttp.NewServer(cfg.Service.HTTPListen, deps, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all components and HTTP server started")

	// Wait for a shutdown signal or a failed input.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-gctx.Done():
		logger.Error("component stopped unexpectedly, shutting down")
		exitCode = 1
	}

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop inputs, then listeners, then sinks.
	cancel()
	var waitErr error
	done := make(chan struct{})
	go func() {
		waitErr = g.Wait()
		commitWg.Wait()

		translator.Stop()
		manager.Close()
		sinkCancel()
		sinkWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if waitErr != nil {
			logger.Error("component error", zap.Error(waitErr))
			exitCode = 1
		}
		logger.Info("all components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
		exitCode = 1
	}

	if exporter != nil {
		exporter.Close(shutdownCtx)
	}

	logger.Info("evpn-routed stopped")
	if exitCode != 0 {
		logger.Sync()
		os.Exit(exitCode)
	}
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if cfg.Postgres.DSN == "" {
		logger.Fatal("postgres.dsn is required for migrations")
	}

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if cfg.Postgres.DSN == "" {
		logger.Fatal("postgres.dsn is required for maintenance")
	}

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

var passwordKV = regexp.MustCompile(`password\s*=\s*\S+`)

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format, redact the password=... portion
		return passwordKV.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
