package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/admin"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/auth"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/engine"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/governor"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/invalidation"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/isolation"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/metrics"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/server"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/signer"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/storage"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/toolcache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

const metricsNamespace = "tool_sandbox"

func main() {
	// The subprocess executor re-runs this binary as its worker.
	if len(os.Args) > 1 && os.Args[1] == isolation.ChildMarker {
		os.Exit(isolation.RunChild(os.Args[2:], os.Stdout))
	}

	logger := mustBuildLogger(envOrDefault("TOOL_SANDBOX_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	port := envOrDefault("TOOL_SANDBOX_PORT", "50054")
	adminPort := envOrDefault("TOOL_SANDBOX_ADMIN_PORT", "9094")
	policyFile := os.Getenv("TOOL_SANDBOX_POLICY_FILE")
	signingSecret := os.Getenv("TOOL_SANDBOX_SIGNING_SECRET")
	mode := os.Getenv("TOOL_SANDBOX_MODE")
	maxConcurrent := envOrDefaultInt("TOOL_SANDBOX_MAX_CONCURRENT", 64)
	loadConcurrency := envOrDefaultInt("TOOL_SANDBOX_LOAD_CONCURRENCY", 8)
	adminKey := os.Getenv("TOOL_SANDBOX_ADMIN_KEY")
	staticKeys := os.Getenv("TOOL_SANDBOX_STATIC_KEYS")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	mongoURI := os.Getenv("MONGODB_URI")
	mongoDatabase := os.Getenv("MONGODB_DATABASE")
	redisURL := os.Getenv("REDIS_URL")
	mirrorAudit := os.Getenv("TOOL_SANDBOX_AUDIT_LOG") == "true"
	authCacheTTL := envOrDefaultDuration("TOOL_SANDBOX_AUTH_CACHE_TTL", 30*time.Second)
	toolCacheTTL := envOrDefaultDuration("TOOL_SANDBOX_TOOL_CACHE_TTL", time.Minute)
	policyDebounce := envOrDefaultDuration("TOOL_SANDBOX_POLICY_DEBOUNCE", 250*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Policy
	var policies *policy.Store
	if policyFile != "" {
		store, err := policy.NewFileStore(policyFile, logger)
		if err != nil {
			logger.Fatal("failed to load policy", zap.String("path", policyFile), zap.Error(err))
		}
		if err := store.Watch(ctx, policyDebounce); err != nil {
			logger.Fatal("failed to watch policy", zap.String("path", policyFile), zap.Error(err))
		}
		policies = store
	} else {
		policies = policy.NewStore(policy.Default(), logger)
		logger.Info("no TOOL_SANDBOX_POLICY_FILE set, using built-in policy")
	}
	if signingSecret == "" && policies.Current().SigningSecret == "" {
		signingSecret = uuid.NewString()
		logger.Warn("no signing secret configured, using an ephemeral one; registry signatures will not verify")
	}
	if err := policies.Override(mode, signingSecret); err != nil {
		logger.Fatal("invalid policy override", zap.Error(err))
	}
	current := policies.Current()

	signers, err := signer.NewSet(current.SigningSecret)
	if err != nil {
		logger.Fatal("failed to create signer", zap.Error(err))
	}

	logger.Info("starting tool sandbox server",
		zap.String("port", port),
		zap.String("admin_port", adminPort),
		zap.String("policy_version", current.Version),
		zap.String("mode", current.Mode),
		zap.Int("max_concurrent", maxConcurrent),
	)

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(promReg, metricsNamespace)

	// Storage: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			if mirrorAudit {
				writer = storage.MultiWriter{chWriter, storage.NewLogWriter(logger)}
			}
			metrics.RegisterGauge(promReg, metricsNamespace, "audit_events_dropped", "Audit events dropped because the buffer was full",
				func() float64 { return float64(chWriter.Dropped()) })
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Postgres backs both the authenticator and the tool registry.
	var db *sql.DB
	if postgresDSN != "" {
		db, err = sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("postgres connected")
	}

	// Tool registry: MongoDB, then Postgres, otherwise submit-only
	var toolRegistry registry.ToolRegistry
	switch {
	case mongoURI != "":
		mongoReg, err := registry.NewMongoToolRegistry(ctx, registry.MongoToolRegistryConfig{
			URI:      mongoURI,
			Database: mongoDatabase,
			Logger:   logger,
		})
		if err != nil {
			logger.Fatal("failed to connect to mongodb", zap.Error(err))
		}
		defer func() { _ = mongoReg.Close(context.Background()) }()
		toolRegistry = mongoReg
		logger.Info("mongodb tool registry connected")
	case db != nil:
		toolRegistry = registry.NewPostgresToolRegistry(registry.PostgresToolRegistryConfig{
			DB:       db,
			CacheTTL: toolCacheTTL,
			Logger:   logger,
		})
		logger.Info("postgres tool registry connected")
	default:
		logger.Info("no tool registry configured, tools must be submitted")
	}

	// Auth: Postgres if DSN provided, otherwise a static key table
	var authenticator auth.Authenticator
	if db != nil {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: authCacheTTL,
			Logger:   logger,
		})
	} else {
		keys, err := parseStaticKeys(staticKeys)
		if err != nil {
			logger.Fatal("invalid TOOL_SANDBOX_STATIC_KEYS", zap.Error(err))
		}
		authenticator = auth.NewStaticAuthenticator(keys)
		logger.Info("using static authenticator", zap.Int("keys", len(keys)))
	}

	// Execution
	auditor := engine.NewAuditor(writer, collector, logger)
	cache := toolcache.New(signers, logger)
	gov := governor.New(governor.Config{MaxConcurrent: int64(maxConcurrent), Logger: logger})
	builder := sandbox.NewBuilder(sandbox.Config{Auditor: auditor, Resolver: cache, Logger: logger})
	inProcess := isolation.NewInProcess(builder, gov, policies, logger)
	subprocess, err := isolation.NewSubprocess(isolation.SubprocessConfig{
		Auditor:  auditor,
		Governor: gov,
		Policies: policies,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to set up subprocess executor", zap.Error(err))
	}

	eng := engine.New(engine.Config{
		Policies:        policies,
		Signers:         signers,
		Cache:           cache,
		Executor:        isolation.NewSelector(inProcess, subprocess, policies),
		Auditor:         auditor,
		Metrics:         collector,
		Registry:        toolRegistry,
		LoadConcurrency: loadConcurrency,
		Logger:          logger,
	})

	metrics.RegisterGauge(promReg, metricsNamespace, "cached_tools", "Compiled tools in the cache",
		func() float64 { return float64(cache.Len()) })
	metrics.RegisterGauge(promReg, metricsNamespace, "active_leases", "Executions holding a governor lease",
		func() float64 { return float64(gov.Active()) })
	metrics.RegisterGauge(promReg, metricsNamespace, "abandoned_executions", "In-process executions still running after their deadline",
		func() float64 { return float64(inProcess.Inflight()) })

	// Warm the cache
	if toolRegistry != nil {
		loadCtx, loadCancel := context.WithTimeout(ctx, 2*time.Minute)
		if _, err := eng.ReloadTools(loadCtx, ""); err != nil {
			logger.Warn("initial tool load failed", zap.Error(err))
		}
		loadCancel()
	}

	// Cross-replica invalidation
	var publisher admin.Publisher
	if redisURL != "" {
		bus, err := invalidation.NewFromURL(redisURL, logger)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		defer func() { _ = bus.Close() }()
		stop, err := bus.Subscribe(ctx, func(m invalidation.Message) { invalidation.Apply(eng, m) })
		if err != nil {
			logger.Warn("invalidation bus unavailable, running without it", zap.Error(err))
		} else {
			defer stop()
			publisher = bus
			logger.Info("invalidation bus subscribed")
		}
	}

	// Admin HTTP
	adminServer := &http.Server{
		Addr: ":" + adminPort,
		Handler: admin.NewRouter(admin.Config{
			Engine:    eng,
			Policies:  policies,
			Publisher: publisher,
			Gatherer:  promReg,
			AdminKey:  adminKey,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("admin server listening", zap.String("addr", adminServer.Addr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("admin server failed", zap.Error(err))
		}
	}()

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)

	server.Register(grpcServer, server.NewToolSandboxServer(eng, authenticator, logger))

	// Register health service for ECS health checks
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", port), zap.Error(err))
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = adminServer.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Info("tool sandbox server listening", zap.String("addr", lis.Addr().String()))
	if err := grpcServer.Serve(lis); err != nil {
		logger.Fatal("grpc server failed", zap.Error(err))
	}
}

// parseStaticKeys reads "key=tenant[:submit],..." into a key table.
func parseStaticKeys(s string) (map[string]auth.Tenant, error) {
	keys := map[string]auth.Tenant{}
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, tenant, ok := strings.Cut(entry, "=")
		if !ok || tenant == "" {
			return nil, fmt.Errorf("entry %q is not key=tenant", entry)
		}
		if _, err := auth.ParseBearer(key); err != nil {
			return nil, fmt.Errorf("key for tenant %q must start with %s", tenant, auth.KeyPrefix)
		}
		id, perm, _ := strings.Cut(tenant, ":")
		keys[key] = auth.Tenant{TenantID: id, CanSubmit: perm == "submit"}
	}
	return keys, nil
}

// mustBuildLogger builds the JSON production logger at level, falling back
// to info for unknown levels. Sampling is off: security warnings are never
// dropped.
func mustBuildLogger(level string) *zap.Logger {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Sampling = nil
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger.With(zap.String("service", "tool-sandbox"))
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
