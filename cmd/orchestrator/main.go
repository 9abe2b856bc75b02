// Command orchestrator runs the HTTP surface for both tracks named in
// spec.md §6: inbound channel webhooks (pkg/ingress), the run/task control
// API (internal/httpapi), a Prometheus exposition endpoint, and the
// background credential-refresh sweep (pkg/refresher). Grounded on the
// config.Load/logging.New/dbconn.Open wiring shape and, for the
// run()/signal.NotifyContext split, on
// _examples/emergent-company-specmcp/cmd/specmcp/main.go — the only
// retrieval-pack source with a complete service main.go to imitate.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	cors "github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/yuhi-dope/ai-agent-all/internal/config"
	"github.com/yuhi-dope/ai-agent-all/internal/dbconn"
	"github.com/yuhi-dope/ai-agent-all/internal/httpapi"
	"github.com/yuhi-dope/ai-agent-all/internal/logging"
	"github.com/yuhi-dope/ai-agent-all/pkg/credentials"
	"github.com/yuhi-dope/ai-agent-all/pkg/guardrails"
	"github.com/yuhi-dope/ai-agent-all/pkg/ingress"
	"github.com/yuhi-dope/ai-agent-all/pkg/ingress/slack"
	"github.com/yuhi-dope/ai-agent-all/pkg/llm"
	"github.com/yuhi-dope/ai-agent-all/pkg/metrics"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence"
	"github.com/yuhi-dope/ai-agent-all/pkg/persistence/notify"
	"github.com/yuhi-dope/ai-agent-all/pkg/queue"
	"github.com/yuhi-dope/ai-agent-all/pkg/refresher"
	"github.com/yuhi-dope/ai-agent-all/pkg/runcontroller"
	"github.com/yuhi-dope/ai-agent-all/pkg/saas"
	"github.com/yuhi-dope/ai-agent-all/pkg/sandbox"
	"github.com/yuhi-dope/ai-agent-all/pkg/taskcontroller"
	"github.com/yuhi-dope/ai-agent-all/pkg/vcs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := os.Getenv("CONFIG_FILE")
	var cfg *config.Config
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}
	cfg.LoadFromEnv()

	log, flush, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer flush()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dbCfg := &dbconn.Config{
		Host: cfg.Database.Host, Port: cfg.Database.Port, User: cfg.Database.User,
		Password: cfg.Database.Password, Database: cfg.Database.Database, SSLMode: cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns, MaxIdleConns: cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
	db, pool, err := dbconn.Open(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	defer pool.Close()

	runs := persistence.NewRunRepository(db, log)
	tasks := persistence.NewTaskRepository(db, log)
	rules := persistence.NewRuleRepository(db, log)
	audit := persistence.NewAuditRepository(db, log)
	conns := persistence.NewConnectionRepository(db, log)
	tenantSettings := persistence.NewTenantSettingsRepository(db, log)

	credStore, err := credentials.NewStore(db, encryptionKeyFromEnv(cfg.Credentials.EncryptionKeyEnv), log)
	if err != nil {
		return fmt.Errorf("build credential store: %w", err)
	}

	llmRouter, err := buildLLMRouter(ctx, log)
	if err != nil {
		return fmt.Errorf("build llm router: %w", err)
	}

	registry := saas.NewRegistry(map[string]saas.Provider{
		"salesforce": saas.NewSalesforceAdapter(os.Getenv("SALESFORCE_CLIENT_ID")),
	})

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	defer redisClient.Close()
	q := queue.New(redisClient, queue.DefaultDedupWindow, log)

	promReg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(promReg)
	llmRouter.WithUsageRecorder(m)

	refreshLookup := clientCredentialsLookupFromEnv()
	refr := refresher.New(conns, credStore, refreshLookup, cfg.Credentials.RefreshInterval, cfg.Credentials.RefreshBuffer, log).
		WithMetrics(m)
	go refr.Run(ctx)

	runCtl := runcontroller.New(runcontroller.Config{
		Runs:           runs,
		Audit:          audit,
		LLMRouter:      llmRouter,
		SandboxCfg:     sandbox.Config{Image: cfg.Sandbox.Image, MemoryMB: cfg.Sandbox.MemoryMB, CPUShare: cfg.Sandbox.CPUShare, MaxProcesses: cfg.Sandbox.MaxProcesses, MaxOutputBytes: cfg.Sandbox.MaxOutputBytes},
		VCSFor:         vcsFactoryFromEnv(),
		GuardrailsCfg:  guardrails.Config{MaxLinesPerPush: cfg.Guardrails.MaxLinesPerPush},
		RulesFor:       rulesFileReader(cfg.Rules.Directory),
		AutoExecuteFor: tenantSettings.GetAutoExecute,
		Log:            log,
	}).WithObserver(newFanoutObserver(m, "code_track"))

	taskCtl := taskcontroller.New(taskcontroller.Config{
		Tasks:      tasks,
		Rules:      rules,
		Registry:   registry,
		Credential: refr,
		LLMRouter:  llmRouter,
		RulesFor:   rulesFileReaderBySaaS(cfg.Rules.Directory),
		Log:        log,
	})

	runDispatch := &queuedRunDispatcher{queue: q}
	taskDispatch := &queuedTaskDispatcher{queue: q}

	slackAdapter := slack.New(os.Getenv("SLACK_SIGNING_SECRET"), os.Getenv("SLACK_BOT_TOKEN"))
	ingressRouter := ingress.NewRouter([]ingress.ChannelAdapter{slackAdapter}, runDispatch, nil, log)
	api := httpapi.New(runs, tasks, runDispatch, taskDispatch, nil, db, log)

	jobKinds := []string{"run-start", "run-resume", "task-plan", "task-execute"}
	for _, kind := range jobKinds {
		go q.Run(ctx, kind, dispatchHandler(kind, runCtl, taskCtl, log))
	}
	go reportQueueDepth(ctx, q, m, jobKinds, log)

	approvalListener := notify.NewListener(dbCfg.DSN(), log)
	go func() {
		if err := approvalListener.Listen(ctx, 0, 0, approvalEventHandler(q, log)); err != nil {
			log.Error(err, "approval notification listener stopped")
		}
	}()

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}))
	ingressRouter.Mount(r)
	api.Mount(r)

	appServer := &http.Server{Addr: ":" + cfg.Server.ControlPort, Handler: r}
	metricsServer := &http.Server{Addr: ":" + cfg.Server.MetricsPort, Handler: m.Handler()}

	go func() {
		log.Info("serving control/webhook api", "addr", appServer.Addr)
		if err := appServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "control api server failed")
		}
	}()
	go func() {
		log.Info("serving metrics", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = appServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}

func buildLLMRouter(ctx context.Context, log logr.Logger) (*llm.Router, error) {
	providers := map[string]llm.Provider{}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		p, err := llm.NewAnthropicProvider(llm.AnthropicConfig{APIKey: apiKey, Model: envOr("ANTHROPIC_MODEL", "claude-sonnet-4-20250514")})
		if err != nil {
			return nil, err
		}
		providers[llm.ProfileHighQuality] = p
	}
	if modelID := os.Getenv("BEDROCK_MODEL_ID"); modelID != "" {
		p, err := llm.NewBedrockProvider(ctx, llm.BedrockConfig{Region: envOr("AWS_REGION", "us-east-1"), ModelID: modelID})
		if err != nil {
			return nil, err
		}
		providers[llm.ProfileLowCost] = p
	}
	return llm.NewRouter(providers, log), nil
}

func encryptionKeyFromEnv(envVar string) []byte {
	v := os.Getenv(envVar)
	if v == "" {
		return nil
	}
	return []byte(v)
}

func clientCredentialsLookupFromEnv() refresher.ClientCredentialsLookup {
	return func(_ context.Context, _, saasName string) (string, string, error) {
		id := os.Getenv(saasName + "_CLIENT_ID")
		secret := os.Getenv(saasName + "_CLIENT_SECRET")
		return id, secret, nil
	}
}

// vcsFactoryFromEnv opens a tenant's publish target as an existing local
// git checkout under VCS_WORKSPACE_ROOT/<tenant>, the layout a deployment
// is expected to pre-clone into (spec.md §4.1, "publisher").
func vcsFactoryFromEnv() func(tenantID string) (vcs.Adapter, error) {
	root := envOr("VCS_WORKSPACE_ROOT", "./workspaces")
	token := os.Getenv("GITHUB_TOKEN")
	owner := os.Getenv("GITHUB_OWNER")
	return func(tenantID string) (vcs.Adapter, error) {
		return vcs.NewGitHubAdapter(filepath.Join(root, tenantID), owner, tenantID, token)
	}
}

func rulesFileReader(dir string) func(ctx context.Context, genre string) string {
	return func(_ context.Context, genre string) string {
		return readRuleFile(dir, genre)
	}
}

func rulesFileReaderBySaaS(dir string) func(ctx context.Context, saasName string) string {
	return func(_ context.Context, saasName string) string {
		return readRuleFile(dir, saasName)
	}
}

func readRuleFile(dir, name string) string {
	if dir == "" || name == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, name+".md"))
	if err != nil {
		return ""
	}
	return string(data)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
