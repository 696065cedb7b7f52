package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/maltehedderich/admission-control-go/internal/audit"
	"github.com/maltehedderich/admission-control-go/internal/circuitbreaker"
	"github.com/maltehedderich/admission-control-go/internal/config"
	"github.com/maltehedderich/admission-control-go/internal/health"
	"github.com/maltehedderich/admission-control-go/internal/logger"
	"github.com/maltehedderich/admission-control-go/internal/ratelimit"
	"github.com/maltehedderich/admission-control-go/internal/server"
	"github.com/maltehedderich/admission-control-go/internal/tracing"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	version    = "1.0.0"
	buildTime  = "unknown"
	gitCommit  = "unknown"
)

func main() {
	flag.Parse()

	// Print version info
	fmt.Printf("Admission Control Engine v%s (commit: %s, built: %s)\n", version, gitCommit, buildTime)

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logLevel, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}

	var logOutput *os.File
	switch cfg.Logging.Output {
	case "stdout":
		logOutput = os.Stdout
	case "stderr":
		logOutput = os.Stderr
	default:
		// File output
		logOutput, err = os.OpenFile(cfg.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer logOutput.Close()
	}

	logger.Init(logLevel, cfg.Logging.Format, logOutput)

	// Get logger
	log := logger.Get().WithComponent("main")
	log.Info("starting admission control engine", logger.Fields{
		"version":    version,
		"git_commit": gitCommit,
		"build_time": buildTime,
	})

	// Set component-specific log levels if configured
	for component, levelStr := range cfg.Logging.ComponentLevels {
		level, err := logger.ParseLevel(levelStr)
		if err != nil {
			log.Warn("invalid component log level", logger.Fields{
				"component": component,
				"level":     levelStr,
				"error":     err.Error(),
			})
			continue
		}
		logger.Get().SetComponentLevel(component, level)
	}

	// Initialize distributed tracing
	if err := tracing.Init(&tracing.Config{
		Enabled:        cfg.Observability.TracingEnabled,
		Endpoint:       cfg.Observability.TracingEndpoint,
		ServiceName:    "admission-control-engine",
		ServiceVersion: version,
		SampleRate:     cfg.Observability.TracingSampleRate,
	}); err != nil {
		log.Error("failed to initialize tracing", logger.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown tracing", logger.Fields{
				"error": err.Error(),
			})
		}
	}()

	// Build the shared bucket-state backend
	store, err := buildStorage(cfg)
	if err != nil {
		log.Error("failed to initialize storage backend", logger.Fields{
			"backend": cfg.Storage.Backend,
			"error":   err.Error(),
		})
		os.Exit(1)
	}

	// Guard the backend with a circuit breaker. A tripped breaker turns
	// every check into a fast error, which the algorithm converts into
	// fail-open instead of blocking the request path.
	breaker := circuitbreaker.New("storage", ratelimit.BreakerConfig(
		cfg.Storage.BreakerFailureThreshold,
		cfg.Storage.BreakerSuccessThreshold,
		cfg.Storage.BreakerTimeout,
	))
	guarded := ratelimit.NewBreakerStorage(store, breaker)

	// Build the static rule table
	rules, err := ratelimit.RuleTableFromConfig(cfg.Rules)
	if err != nil {
		log.Error("failed to build rule table", logger.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	log.Info("rule table loaded", logger.Fields{
		"rules": rules.Len(),
	})

	// Violation audit sink
	var sink audit.Sink = audit.NopSink{}
	if cfg.Audit.Enabled {
		asyncSink := audit.NewAsyncSink(audit.NewLogRecorder(), cfg.Audit.BufferSize)
		defer asyncSink.Close()
		sink = asyncSink
	}

	// Admission service
	service := ratelimit.NewService(rules, guarded,
		ratelimit.WithAuditSink(sink),
		ratelimit.WithCheckTimeout(cfg.Storage.CheckTimeout),
	)
	defer service.Close()

	// Initialize health check manager
	healthMgr := health.NewManager()
	healthMgr.Register("config", health.ConfigChecker(func() bool {
		return cfg.Validate() == nil
	}))
	healthMgr.Register("storage", health.StorageChecker(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return service.Ping(ctx)
	}))

	// Create and start server
	srv := server.New(cfg, service, healthMgr)

	log.Info("configuration loaded successfully", logger.Fields{
		"http_port":       cfg.Server.HTTPPort,
		"storage_backend": cfg.Storage.Backend,
		"audit_enabled":   cfg.Audit.Enabled,
	})

	// Start server (blocks until shutdown)
	if err := srv.Start(); err != nil {
		log.Error("server error", logger.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	log.Info("admission control engine stopped")
}

// buildStorage constructs the configured bucket-state backend.
func buildStorage(cfg *config.Config) (ratelimit.Storage, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return ratelimit.NewMemoryStorage(), nil
	case "redis":
		return ratelimit.NewRedisStorage(ratelimit.RedisConfig{
			Addr:      cfg.Storage.RedisAddr,
			Password:  cfg.Storage.RedisPassword,
			DB:        cfg.Storage.RedisDB,
			KeyPrefix: cfg.Storage.KeyPrefix,
		})
	case "dynamodb":
		return ratelimit.NewDynamoDBStorage(cfg.Storage.DynamoDBTable, cfg.Storage.DynamoDBRegion)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}
