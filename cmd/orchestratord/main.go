// orchestratord runs the orchestrator service: it wires storage drivers,
// providers, and configuration together, then drives queued executions with
// a worker pool. The HTTP API that would sit in front of pkg/service is a
// separate deployment; this binary only exposes the websocket event tail.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/rlm-rs/orchestrator/pkg/config"
	"github.com/rlm-rs/orchestrator/pkg/events"
	"github.com/rlm-rs/orchestrator/pkg/lease"
	"github.com/rlm-rs/orchestrator/pkg/llmprovider"
	"github.com/rlm-rs/orchestrator/pkg/masking"
	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/orchestrator"
	"github.com/rlm-rs/orchestrator/pkg/sandbox"
	"github.com/rlm-rs/orchestrator/pkg/service"
	"github.com/rlm-rs/orchestrator/pkg/statestore"
	"github.com/rlm-rs/orchestrator/pkg/storage/ddbstore"
	"github.com/rlm-rs/orchestrator/pkg/storage/s3store"
	"github.com/rlm-rs/orchestrator/pkg/toolresolver"
)

func main() {
	if err := run(); err != nil {
		slog.Error("orchestratord exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var (
		configDir  = flag.String("config-dir", ".", "directory containing orchestrator.yaml")
		bucket     = flag.String("bucket", os.Getenv("RLM_BUCKET"), "object store bucket")
		table      = flag.String("table", os.Getenv("RLM_TABLE"), "metadata table name")
		tenants    = flag.String("tenants", os.Getenv("RLM_TENANTS"), "comma-separated tenants to poll")
		eventsAddr = flag.String("events-addr", ":8081", "listen address for the websocket event tail (empty disables)")
		workers    = flag.Int("workers", 4, "concurrent execution workers")
	)
	flag.Parse()

	setupLogging()

	cfg, err := config.Load(*configDir)
	if err != nil {
		return err
	}
	if *bucket == "" || *table == "" {
		return fmt.Errorf("bucket and table are required (flags or RLM_BUCKET/RLM_TABLE)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	objects := s3store.New(s3.NewFromConfig(awsCfg), *bucket)
	metadata := ddbstore.New(dynamodb.NewFromConfig(awsCfg), *table)

	masker := masking.New(cfg.Masking.CustomPatterns)
	eventMgr := events.NewManager(5 * time.Second)

	rootLLM, rootModel, err := buildLLMProvider(cfg)
	if err != nil {
		return err
	}

	leaseCtl := lease.New(metadata, time.Duration(cfg.Lease.TTLSeconds)*time.Second)

	budget := models.DefaultBudget()
	budget.MaxTurns = cfg.Budget.MaxTurns
	budget.MaxTotalSeconds = int(cfg.Budget.MaxTotalSeconds)
	budget.MaxLLMSubcalls = cfg.Budget.MaxLLMSubcalls
	budget.MaxTotalLLMPromptChars = cfg.Budget.MaxLLMPromptChars

	deps := &orchestrator.Dependencies{
		Objects: objects,
		RootLLM: rootLLM,
		Resolver: &toolresolver.Resolver{
			LLM:            rootLLM,
			Cache:          toolresolver.NewObjectCache(objects, "shared"),
			MaxConcurrency: cfg.ToolResolver.MaxConcurrency,
			RetryAttempts:  cfg.ToolResolver.RetryAttempts,
			CallTimeout:    time.Duration(cfg.ToolResolver.CallTimeoutSeconds) * time.Second,
		},
		States: statestore.New(objects, statestore.Limits{
			InlineCutoffBytes: cfg.StateStore.InlineCutoffBytes,
			MaxStateBytes:     cfg.StateStore.MaxStateBytes,
		}),
		Masker:         masker,
		Lease:          leaseCtl,
		Events:         eventMgr,
		RedactionGroup: cfg.Trace.RedactionGroup,
		Redact:         cfg.Trace.Redact,
		RootCallModel:  rootModel,
		SandboxLimits: sandbox.Limits{
			MaxStdoutChars:         cfg.Sandbox.MaxStdoutChars,
			MaxSpansPerStep:        budget.MaxSpansPerStep,
			MaxToolRequestsPerStep: cfg.Sandbox.MaxToolRequestsPerStep,
			MaxStatements:          cfg.Sandbox.MaxStatements,
		},
	}

	svc := &service.Service{
		Repo:          &service.Repository{Metadata: metadata},
		Objects:       objects,
		DefaultBudget: budget,
	}

	tenantList := splitNonEmpty(*tenants)
	if len(tenantList) == 0 {
		return fmt.Errorf("at least one tenant is required (flag -tenants or RLM_TENANTS)")
	}

	if *eventsAddr != "" {
		go serveEvents(ctx, *eventsAddr, eventMgr)
	}

	for _, tenant := range tenantList {
		rec := &lease.Recoverer{
			Metadata:    metadata,
			Tenant:      tenant,
			MaxAttempts: cfg.Lease.MaxRecoveryAttempts,
			OnOrphan: func(ctx context.Context, executionID string, attempt int) error {
				slog.Warn("recovering orphaned execution", "execution_id", executionID, "attempt", attempt)
				return nil
			},
		}
		tenant := tenant
		go rec.Run(ctx, time.Duration(cfg.Lease.ScanIntervalSeconds)*time.Second, func(ctx context.Context) ([]string, error) {
			return svc.Repo.ListQueuedExecutionIDs(ctx, tenant)
		})
	}

	instanceID := uuid.New().String()
	slog.Info("orchestratord started", "instance_id", instanceID, "tenants", tenantList, "workers", *workers)

	done := make(chan struct{})
	for i := 0; i < *workers; i++ {
		w := &service.Worker{
			Service:           svc,
			Deps:              deps,
			Lease:             leaseCtl,
			Tenants:           tenantList,
			InstanceID:        fmt.Sprintf("%s/%d", instanceID, i),
			HeartbeatInterval: time.Duration(cfg.Lease.HeartbeatSeconds) * time.Second,
		}
		go func() {
			w.Run(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < *workers; i++ {
		<-done
	}
	slog.Info("orchestratord stopped")
	return nil
}

func setupLogging() {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// buildLLMProvider selects the configured "root" LLM backend. Concrete
// network transports are deployment-specific adapters; the in-process
// stub is the only built-in, used for local development and tests.
func buildLLMProvider(cfg *config.Config) (llmprovider.Provider, string, error) {
	pc, ok := cfg.LLMProviders["root"]
	if !ok {
		return nil, "", fmt.Errorf(`llm_providers must define a "root" provider`)
	}
	switch pc.Type {
	case "fake":
		return llmprovider.NewFake(), pc.Model, nil
	default:
		return nil, "", fmt.Errorf("unknown llm provider type %q", pc.Type)
	}
}

// serveEvents exposes the live event tail: clients connect and subscribe to
// "execution:{id}" channels.
func serveEvents(ctx context.Context, addr string, mgr *events.Manager) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		mgr.HandleConnection(r.Context(), conn)
	})
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	slog.Info("event tail listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("event tail server failed", "error", err)
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
