// Command fabricd is the Agent Execution Fabric daemon: it wires every internal package —
// task queue, worker pool, scheduler, fabric router, PII gate, discovery registry,
// delegation engine, A2A protocol, feature flags, the intelligence pipeline, and the
// cross-agent arbitrator — into one process, following services/orchestrator/main.go's
// and services/federation/main.go's dual gRPC+HTTP server shape with an
// Int64ObservableGauge metrics callback and graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/a2a/delegation"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/a2a/discovery"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/a2a/protocol"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/coordination"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/config"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/otelinit"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/fabric"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/featureflag"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/intelligence"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/pii"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/resilience"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/scheduler"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/store"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/taskqueue"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/worker"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/workerpool"

	logging "github.com/ilyacantor/autonomos-platform-sub003/internal/core/logging"
)

const serviceName = "fabricd"

func main() {
	log := logging.Init(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, promHandler, metrics := otelinit.InitMetrics(ctx, serviceName)

	dataDir := config.Env("FABRICD_DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Error("create data dir failed", "error", err)
		os.Exit(1)
	}

	boltDB, err := store.OpenBolt(dataDir+"/fabricd.db",
		append([]string{"scheduler_jobs", "delegation_requests", intelligence.ApprovalBucket, "agent_cards"},
			taskqueue.BoltBucketNames()...)...)
	if err != nil {
		log.Error("open bbolt failed", "error", err)
		os.Exit(1)
	}
	defer boltDB.Close()

	meter := otel.GetMeterProvider().Meter(serviceName)
	schedulerBucket, err := store.NewBoltStore(boltDB, "scheduler_jobs", meter)
	if err != nil {
		log.Error("open scheduler store failed", "error", err)
		os.Exit(1)
	}
	approvalBucket, err := store.NewBoltStore(boltDB, intelligence.ApprovalBucket, meter)
	if err != nil {
		log.Error("open approval store failed", "error", err)
		os.Exit(1)
	}
	delegationBucket, err := store.NewBoltStore(boltDB, "delegation_requests", meter)
	if err != nil {
		log.Error("open delegation store failed", "error", err)
		os.Exit(1)
	}

	redisAddr := config.Env("FABRICD_REDIS_ADDR", "localhost:6379")
	redisClient, err := store.NewRedisClient(ctx, store.RedisConfig{
		Addr:     redisAddr,
		Password: config.Env("FABRICD_REDIS_PASSWORD", ""),
		DB:       config.EnvInt("FABRICD_REDIS_DB", 0),
	})
	if err != nil {
		log.Warn("redis unavailable, task queue falls back to bbolt and flags are process-local", "error", err)
	}

	stack := resilience.NewStack(metrics.RetryAttempts, metrics.CircuitOpenTransitions)

	var queueBackend taskqueue.Backend
	if redisClient != nil {
		queueBackend = taskqueue.NewRedisBackend(redisClient, "fabricd:queue:")
	} else {
		queueBackend = taskqueue.NewBoltBackend(boltDB)
	}
	queue := taskqueue.New(queueBackend, log)

	httpClient := newPooledHTTPClient(30 * time.Second)

	registry := fabric.NewRegistry()
	router := fabric.NewRouter(registry, httpClient, nil, nil)

	policyResolver, err := pii.NewPolicyResolver(ctx)
	if err != nil {
		log.Error("compile pii policy failed", "error", err)
		os.Exit(1)
	}
	piiGate := pii.NewGate(policyResolver, newSlogTelemetrySink(log))

	discoveryRegistry := discovery.NewRegistry()
	delegationEngine := delegation.New(delegationBucket, discoveryRegistry, piiGate, log)

	a2aProtocol := protocol.New()
	protocol.RegisterBuiltins(a2aProtocol, discoveryRegistry, delegationEngine, router)

	arbitrator := coordination.NewArbitrator(log)

	var flagStore *featureflag.Store
	var flagMemo *featureflag.MemoStore
	if redisClient != nil {
		flagStore = featureflag.NewStore(redisClient)
		flagMemo = featureflag.NewMemoStore(flagStore)
		watcher := featureflag.NewWatcher(redisClient, featureflag.InvalidatorFunc(flagMemo.Invalidate), log)
		go watcher.Run(ctx)
	}

	vectorStoreURL := config.Env("FABRICD_VECTORSTORE_QUERY_URL", "http://localhost:9400/query")
	embedURL := config.Env("FABRICD_VECTORSTORE_EMBED_URL", "http://localhost:9400/embed")
	llmURL := config.Env("FABRICD_LLM_URL", "http://localhost:9401/propose")

	ragLookup, err := intelligence.NewRAGLookup(newHTTPVectorStore(httpClient, vectorStoreURL, embedURL))
	if err != nil {
		log.Error("init rag lookup failed", "error", err)
		os.Exit(1)
	}
	llmProposer := intelligence.NewLLMProposer(newHTTPLLMClient(httpClient, llmURL), stack)
	approvalStore := intelligence.NewApprovalStore(approvalBucket)
	pipeline := intelligence.NewPipeline(ragLookup, llmProposer, approvalStore, config.Env("FABRICD_HITL_ASSIGNEE", "on-call-schema-steward"))

	handlers := map[string]worker.Handler{
		"delegation.execute": delegationTaskHandler(delegationEngine),
		"fabric.route":       fabricRouteTaskHandler(router),
		"schema.repair":      schemaRepairTaskHandler(pipeline),
	}

	workerCfg := worker.Config{
		AcceptedTypes:      nil,
		MaxConcurrentTasks: config.EnvInt("FABRICD_WORKER_CONCURRENCY", 4),
	}
	poolCfg := workerpool.Config{
		Policy:         workerpool.PolicyAuto,
		InitialWorkers: config.EnvInt("FABRICD_POOL_INITIAL_WORKERS", 2),
		MinWorkers:     config.EnvInt("FABRICD_POOL_MIN_WORKERS", 1),
		MaxWorkers:     config.EnvInt("FABRICD_POOL_MAX_WORKERS", 8),
		WorkerConfig:   workerCfg,
	}
	pool := workerpool.New(poolCfg, queue, stack, handlers, func() int { return 0 }, log)
	pool.Start(ctx)
	defer pool.Stop()

	sched := scheduler.New(scheduler.Config{}, schedulerBucket, queue, log)
	sched.Start(ctx)
	defer sched.Stop()

	routesExecuted := metrics.RouteExecuted
	tasksDispatched := metrics.TaskDispatched
	agentGauge, _ := meter.Int64ObservableGauge("aamfabric_registered_agents")
	poolGauge, _ := meter.Int64ObservableGauge("aamfabric_worker_pool_size")
	meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(agentGauge, int64(len(discoveryRegistry.Discover(discovery.Filter{}))))
		o.ObserveInt64(poolGauge, int64(pool.WorkerCount()))
		return nil
	}, agentGauge, poolGauge)
	_ = routesExecuted
	_ = tasksDispatched
	_ = arbitrator

	grpcServer := grpc.NewServer()
	// TODO: register the fabric's gRPC service (agent-to-agent streaming transport) once
	// the protobuf contract named in spec §4.10's "transport-agnostic" note is written.
	grpcPort := config.Env("FABRICD_GRPC_PORT", "9090")
	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		log.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc serve error", "error", err)
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName})
	})
	mux.HandleFunc("/a2a/messages", a2aSubmitHandler(a2aProtocol, log))
	mux.HandleFunc("/agents", agentsHandler(discoveryRegistry))
	mux.HandleFunc("/delegations", delegationsHandler(delegationEngine))
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	httpPort := config.Env("FABRICD_HTTP_PORT", "8080")
	httpSrv := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("fabricd started", "grpc_port", grpcPort, "http_port", httpPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown initiated")

	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}

	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)

	log.Info("shutdown complete")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// a2aSubmitHandler accepts a protocol.Envelope over HTTP and feeds it through Process,
// matching the way the protobuf transport would dispatch an inbound message. Used by
// operators and tests that have no NATS/gRPC client at hand.
func a2aSubmitHandler(p *protocol.Protocol, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var msg protocol.Envelope
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid envelope"})
			return
		}
		p.RegisterAgent(msg.ToAgent)
		if err := p.Process(r.Context(), msg.ToAgent, msg); err != nil {
			log.Warn("a2a process failed", "error", err, "type", msg.Type)
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "processed"})
	}
}

func agentsHandler(registry *discovery.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		filter := discovery.Filter{TenantID: r.URL.Query().Get("tenant_id")}
		writeJSON(w, http.StatusOK, map[string]any{"agents": registry.Discover(filter)})
	}
}

func delegationsHandler(engine *delegation.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var in delegation.DelegateInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
			return
		}
		req, err := engine.Delegate(r.Context(), in)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, req)
	}
}

func delegationTaskHandler(engine *delegation.Engine) worker.Handler {
	return func(ctx context.Context, task taskqueue.Task) (map[string]any, error) {
		requestID, _ := task.Payload["request_id"].(string)
		req, err := engine.Get(requestID)
		if err != nil {
			return nil, fmt.Errorf("delegation request %s: %w", requestID, err)
		}
		return map[string]any{"status": req.Status}, nil
	}
}

func fabricRouteTaskHandler(router *fabric.Router) worker.Handler {
	return func(ctx context.Context, task taskqueue.Task) (map[string]any, error) {
		tenantID, _ := task.Payload["tenant_id"].(string)
		agentID, _ := task.Payload["agent_id"].(string)
		action := router.Route(ctx, tenantID, fabric.Payload{Data: task.Payload}, agentID, task.ID)
		return map[string]any{"action_id": action.ID, "status": action.Status}, nil
	}
}

func schemaRepairTaskHandler(pipeline *intelligence.Pipeline) worker.Handler {
	return func(ctx context.Context, task taskqueue.Task) (map[string]any, error) {
		connector, _ := task.Payload["connector"].(string)
		table, _ := task.Payload["table"].(string)
		field, _ := task.Payload["field"].(string)
		tenantID, _ := task.Payload["tenant_id"].(string)
		event := intelligence.DriftEvent{Connector: connector, SourceTable: table, SourceField: field, TenantID: tenantID}
		repair, err := pipeline.Repair(ctx, event, intelligence.UsageStats{})
		if err != nil {
			return nil, err
		}
		return map[string]any{"repair": repair}, nil
	}
}
