package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openwifi-rrm/rrmd/internal/algorithm"
	"github.com/openwifi-rrm/rrmd/internal/algorithm/catalog"
	"github.com/openwifi-rrm/rrmd/internal/config"
	"github.com/openwifi-rrm/rrmd/internal/configapplier"
	"github.com/openwifi-rrm/rrmd/internal/datamodel"
	"github.com/openwifi-rrm/rrmd/internal/gateway"
	"github.com/openwifi-rrm/rrmd/internal/history"
	"github.com/openwifi-rrm/rrmd/internal/httpapi"
	"github.com/openwifi-rrm/rrmd/internal/kafkaingest"
	"github.com/openwifi-rrm/rrmd/internal/metrics"
	"github.com/openwifi-rrm/rrmd/internal/modeler"
	"github.com/openwifi-rrm/rrmd/internal/provmonitor"
	"github.com/openwifi-rrm/rrmd/internal/provservice"
	"github.com/openwifi-rrm/rrmd/internal/registry"
	"github.com/openwifi-rrm/rrmd/internal/scheduler"
	"github.com/openwifi-rrm/rrmd/internal/steering"
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
	case "run-once":
		runOnce()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: rrmd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                    Start the RRM control-plane service")
	fmt.Println("  migrate                  Run history archive database migrations")
	fmt.Println("  run-once <algorithm-id>  Run one algorithm once and exit")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>     Path to configuration YAML file")
	fmt.Println("  --log-level <lvl>   Override log level (debug, info, warn, error)")
	fmt.Println("  --verify-ssl <bool> Override gateway.verify_ssl")
	fmt.Println("  --zone <zone>       Zone to run against (run-once only)")
	fmt.Println("  --dry-run           Compute but do not apply the result (run-once only)")
}

type flags struct {
	configPath string
	logLevel   string
	verifySSL  *bool
	zone       string
	dryRun     bool
}

func parseFlags(args []string) flags {
	var f flags
	var split []string
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok && strings.HasPrefix(k, "--") {
			split = append(split, k, v)
			continue
		}
		split = append(split, a)
	}
	args = split
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				f.configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				f.logLevel = args[i+1]
				i++
			}
		case "--verify-ssl":
			if i+1 < len(args) {
				if b, err := strconv.ParseBool(args[i+1]); err == nil {
					f.verifySSL = &b
				}
				i++
			}
		case "--zone":
			if i+1 < len(args) {
				f.zone = args[i+1]
				i++
			}
		case "--dry-run":
			f.dryRun = true
		}
	}
	return f
}

func loadConfig(args []string) (*config.Config, flags, *zap.Logger) {
	f := parseFlags(args)

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if f.logLevel != "" {
		cfg.Service.LogLevel = f.logLevel
	}
	if f.verifySSL != nil {
		cfg.Gateway.VerifySSL = *f.verifySSL
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, f, logger
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

// buildGateway constructs the gateway client and, if a static base URL is
// configured, seeds it immediately so run-once and a freshly-started serve
// do not have to wait on a service_events record.
func buildGateway(cfg *config.Config, logger *zap.Logger) *gateway.HTTPClient {
	gwCfg := gateway.Config{
		RequestTimeout:  time.Duration(cfg.Gateway.RequestTimeoutSeconds) * time.Second,
		WifiScanTimeout: time.Duration(cfg.Gateway.WifiScanTimeoutSeconds) * time.Second,
		VerifySSL:       cfg.Gateway.VerifySSL,
	}
	gw := gateway.New(gwCfg, logger.Named("gateway"))

	if cfg.Gateway.BaseURL != "" {
		gw.SetEndpoints(context.Background(), gateway.Endpoints{
			BaseURL:       cfg.Gateway.BaseURL,
			OAuthTokenURL: cfg.Gateway.OAuthTokenURL,
			ClientID:      cfg.Gateway.ClientID,
			ClientSecret:  cfg.Gateway.ClientSecret,
		})
	}
	return gw
}

func buildAlgoDeps(cfg *config.Config, logger *zap.Logger) (*registry.Registry, *steering.State, *algorithm.Registry) {
	return registry.New(), steering.New(), catalog.Build(logger.Named("algorithm"))
}

// reconcileRegistryOnce performs a single, synchronous provisioning
// reconciliation pass — used by run-once, which exits before the periodic
// ProvMonitor would ever tick.
func reconcileRegistryOnce(ctx context.Context, svc provmonitor.ProvisioningService, devices *registry.Registry, logger *zap.Logger) error {
	serials, err := svc.ListSerials(ctx)
	if err != nil {
		return fmt.Errorf("listing provisioned devices: %w", err)
	}
	for _, serial := range serials {
		cfg, err := svc.GetConfig(ctx, serial)
		if err != nil {
			logger.Warn("fetching device config failed", zap.String("serial", serial), zap.Error(err))
			continue
		}
		devices.Upsert(cfg)
	}
	return nil
}

func runServe() {
	cfg, _, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting rrmd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := buildGateway(cfg, logger)
	devices, steer, algos := buildAlgoDeps(cfg, logger)

	model := datamodel.New(cfg.DataModel.StateBufferSize, cfg.DataModel.WifiScanBufferSize)
	md := modeler.New(model, devices, gw, cfg.DataModel.StateBufferSize*32, logger.Named("modeler"))

	provSvc := provservice.New(provservice.Config{
		BaseURL: cfg.Provisioning.BaseURL,
		APIKey:  cfg.Provisioning.APIKey,
		Timeout: time.Duration(cfg.Provisioning.TimeoutSeconds) * time.Second,
	})
	provMon := provmonitor.New(provSvc, devices, cfg.Provisioning.Interval, logger.Named("provmonitor"))
	provMon.OnReconciled = md.Revalidate

	applier := configapplier.New(gw, logger.Named("configapplier"))
	sched := scheduler.New(algos, devices, steer, md, applier, logger.Named("scheduler"))

	for zoneName, zs := range cfg.Zones {
		addZoneJobs(sched, zoneName, zs, logger)
	}

	hist, err := history.Open(ctx, history.Config{
		DSN:             cfg.Postgres.DSN,
		MaxConns:        cfg.Postgres.MaxConns,
		MinConns:        cfg.Postgres.MinConns,
		MigrationsDir:   cfg.Postgres.MigrationsDir,
		RetentionDays:   cfg.Retention.Days,
		Timezone:        cfg.Retention.Timezone,
		CompressPayload: cfg.Postgres.CompressPayload,
	}, logger.Named("history"))
	if err != nil {
		logger.Fatal("failed to open history archive", zap.Error(err))
	}
	defer hist.Close()

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build kafka TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	ingestCfg := kafkaingest.Config{
		Brokers:             cfg.Kafka.Brokers,
		ClientID:            cfg.Kafka.ClientID,
		StateTopics:         cfg.Kafka.State.Topics,
		WifiScanTopics:      cfg.Kafka.WifiScan.Topics,
		ServiceEventsTopics: cfg.Kafka.ServiceEvents.Topics,
		GroupIDPrefix:       cfg.Kafka.GroupIDPrefix,
		FetchMaxBytes:       cfg.Kafka.FetchMaxBytes,
		TLSConfig:           tlsCfg,
		SASLMechanism:       saslMech,
	}
	ingest, err := kafkaingest.New(ingestCfg, md, gw, logger.Named("kafkaingest"))
	if err != nil {
		logger.Fatal("failed to build kafka ingest", zap.Error(err))
	}

	consumers := map[string]httpapi.ConsumerStatus{
		"state":          ingest.StateStatus(),
		"wifiscan":       ingest.WifiScanStatus(),
		"service_events": ingest.ServiceEventsStatus(),
	}
	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, md, devices, algos, sched, hist, consumers, logger.Named("httpapi"))

	if err := md.Backfill(ctx); err != nil {
		logger.Warn("startup backfill failed, model starts empty", zap.Error(err))
	}

	go md.Run(ctx)
	go provMon.Run(ctx)
	go ingest.Run(ctx)
	sched.Start()
	defer sched.Stop()

	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("rrmd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	sched.Stop()
	cancel()

	logger.Info("rrmd stopped")
}

func addZoneJobs(sched *scheduler.Scheduler, zoneName string, zs config.ZoneSchedule, logger *zap.Logger) {
	if zs.TPCAlgorithmID != "" && zs.TPCCron != "" {
		if _, err := sched.AddJob(scheduler.Job{
			Zone: zoneName, Category: algorithm.CategoryTPC, AlgorithmID: zs.TPCAlgorithmID,
			CronExpr: zs.TPCCron, Args: zs.TPCArgs, DryRun: zs.DryRun,
		}); err != nil {
			logger.Fatal("registering tpc job failed", zap.String("zone", zoneName), zap.Error(err))
		}
	}
	if zs.ChannelAlgorithmID != "" && zs.ChannelCron != "" {
		if _, err := sched.AddJob(scheduler.Job{
			Zone: zoneName, Category: algorithm.CategoryChannel, AlgorithmID: zs.ChannelAlgorithmID,
			CronExpr: zs.ChannelCron, Args: zs.ChannelArgs, DryRun: zs.DryRun,
		}); err != nil {
			logger.Fatal("registering channel job failed", zap.String("zone", zoneName), zap.Error(err))
		}
	}
	if zs.ClientSteeringAlgorithmID != "" && zs.ClientSteeringCron != "" {
		if _, err := sched.AddJob(scheduler.Job{
			Zone: zoneName, Category: algorithm.CategoryClientSteering, AlgorithmID: zs.ClientSteeringAlgorithmID,
			CronExpr: zs.ClientSteeringCron, Args: zs.ClientSteeringArgs, DryRun: zs.DryRun,
		}); err != nil {
			logger.Fatal("registering client-steering job failed", zap.String("zone", zoneName), zap.Error(err))
		}
	}
}

func runMigrate() {
	cfg, _, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running history archive migrations", zap.String("dsn", redactDSN(cfg.Postgres.DSN)))

	ctx := context.Background()
	hist, err := history.Open(ctx, history.Config{
		DSN:             cfg.Postgres.DSN,
		MaxConns:        cfg.Postgres.MaxConns,
		MinConns:        cfg.Postgres.MinConns,
		MigrationsDir:   cfg.Postgres.MigrationsDir,
		RetentionDays:   cfg.Retention.Days,
		Timezone:        cfg.Retention.Timezone,
		CompressPayload: cfg.Postgres.CompressPayload,
	}, logger)
	if err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	defer hist.Close()

	logger.Info("migrations complete")
}

func runOnce() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: rrmd run-once <algorithm-id> --zone=Z [--dry-run]")
		os.Exit(1)
	}
	algorithmID := os.Args[2]

	cfg, f, logger := loadConfig(os.Args[3:])
	defer logger.Sync()

	if f.zone == "" {
		fmt.Fprintln(os.Stderr, "run-once requires --zone")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := buildGateway(cfg, logger)
	devices, steer, algos := buildAlgoDeps(cfg, logger)

	entry, ok := algos.Lookup(algorithmID)
	if !ok {
		logger.Fatal("unknown algorithm id", zap.String("algorithm", algorithmID))
	}

	provSvc := provservice.New(provservice.Config{
		BaseURL: cfg.Provisioning.BaseURL,
		APIKey:  cfg.Provisioning.APIKey,
		Timeout: time.Duration(cfg.Provisioning.TimeoutSeconds) * time.Second,
	})
	if err := reconcileRegistryOnce(ctx, provSvc, devices, logger); err != nil {
		logger.Fatal("provisioning reconciliation failed", zap.Error(err))
	}

	model := datamodel.New(cfg.DataModel.StateBufferSize, cfg.DataModel.WifiScanBufferSize)
	md := modeler.New(model, devices, gw, cfg.DataModel.StateBufferSize*32, logger.Named("modeler"))
	if err := md.Backfill(ctx); err != nil {
		logger.Fatal("backfill failed", zap.Error(err))
	}

	applier := configapplier.New(gw, logger.Named("configapplier"))
	sched := scheduler.New(algos, devices, steer, md, applier, logger.Named("scheduler"))

	job := scheduler.Job{
		Zone:        f.zone,
		Category:    entry.Category,
		AlgorithmID: algorithmID,
		Args:        map[string]string{},
		DryRun:      f.dryRun,
	}
	if err := sched.TriggerNow(ctx, job); err != nil {
		logger.Fatal("run-once failed", zap.Error(err))
	}

	logger.Info("run-once complete", zap.String("algorithm", algorithmID), zap.String("zone", f.zone))
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
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
