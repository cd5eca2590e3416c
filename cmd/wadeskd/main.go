// Command wadeskd is the long-running daemon: it wires the flow
// engine, the agent tool-calling loop, queue dispatch, the realtime
// bus, and the periodic scheduler together behind the webhook/WS
// surface spec.md §6 names, then serves until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/sipeed/wadesk/pkg/agent"
	"github.com/sipeed/wadesk/pkg/config"
	"github.com/sipeed/wadesk/pkg/crm"
	"github.com/sipeed/wadesk/pkg/engine"
	"github.com/sipeed/wadesk/pkg/flowcat"
	"github.com/sipeed/wadesk/pkg/logger"
	"github.com/sipeed/wadesk/pkg/memory"
	"github.com/sipeed/wadesk/pkg/metrics"
	"github.com/sipeed/wadesk/pkg/ocr"
	"github.com/sipeed/wadesk/pkg/providers"
	"github.com/sipeed/wadesk/pkg/queue"
	"github.com/sipeed/wadesk/pkg/realtime"
	"github.com/sipeed/wadesk/pkg/scheduler"
	"github.com/sipeed/wadesk/pkg/secrets"
	"github.com/sipeed/wadesk/pkg/session"
	"github.com/sipeed/wadesk/pkg/store"
	"github.com/sipeed/wadesk/pkg/tools"
	"github.com/sipeed/wadesk/pkg/wire"
)

// processSaltKey is where the process-wide encryption salt is
// persisted, via the store's own raw (pre-encryption) secret
// primitives — the same ones pkg/secrets.Store wraps for every other
// named secret, but the salt itself has to exist before a
// pkg/secrets.Store can be constructed at all.
const processSaltKey = "process_salt"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, report := config.LoadFromEnv()
	if !report.OK() {
		fmt.Fprintln(os.Stderr, report.String())
		return 1
	}

	if err := bootAndServe(cfg); err != nil {
		logger.ErrorCF("main", "fatal startup/runtime error", map[string]interface{}{"error": err.Error()})
		return 2
	}
	return 0
}

func bootAndServe(cfg *config.Config) error {
	db, err := store.Open(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	secretsStore, err := openSecrets(cfg, db)
	if err != nil {
		return fmt.Errorf("init secrets: %w", err)
	}

	sessions := session.NewManager(db)
	flows := flowcat.NewCatalog(db, cfg.DefaultFlowID)
	if err := flows.Load(); err != nil {
		return fmt.Errorf("load flows: %w", err)
	}

	codecs := wire.NewRegistry()
	codecs.Register(wire.NewWhatsAppCodec(cfg.ProviderAPIVersion))
	codecs.Register(wire.NewTelegramCodec())
	codecs.Register(wire.NewDiscordCodec())

	conns := &connResolver{db: db}
	tokens := &tokenResolver{secrets: secretsStore}
	gw := &gateway{db: db, codecs: codecs, conns: conns, tokens: tokens}

	crmClient := crm.New(cfg.CRMBaseURL, cfg.CRMAuthToken, &crmPhones{db: db})

	provider, modelName := buildProvider(cfg)

	vectorStore, err := memory.NewVectorStore(cfg.KnowledgeBaseDir, chromem.NewEmbeddingFuncOpenAI(cfg.OpenAIAPIKey, chromem.EmbeddingModelOpenAI(cfg.OpenAIModel)))
	if err != nil {
		return fmt.Errorf("open knowledge base: %w", err)
	}
	usageTracker := metrics.NewTracker(db)

	catalogs, err := loadStaticCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	hub := realtime.NewHub(&realtimeAuthenticator{db: db, sharedKey: cfg.RealtimeAuthKey}, db)
	disp := queue.New(db, hub)

	registry := tools.NewToolRegistry()
	registry.Register(tools.NewCheckBusinessHoursTool(db, nil))
	registry.Register(tools.NewSearchKnowledgeBaseTool(vectorStore, usageTracker))
	registry.Register(tools.NewSendCatalogsTool(catalogs, gw))
	registry.Register(tools.NewSaveLeadInfoTool(crmClient))
	registry.Register(tools.NewExtractTextOCRTool(ocr.Unconfigured{}))
	transferTool := tools.NewTransferToQueueTool(disp, sessions, nil)
	endTool := tools.NewEndConversationTool(db, sessions)
	registry.Register(transferTool)
	registry.Register(endTool)

	agentLoop := agent.NewAgentLoop(provider, registry, db, gw, transferTool, endTool, modelName)
	eng := engine.NewEngine(db, flows, sessions, codecs, conns, tokens, crmClient, agentLoop)

	sched := buildScheduler(cfg, db, conns, sessions, disp)

	srv := &server{
		cfg:     cfg,
		db:      db,
		secrets: secretsStore,
		codecs:  codecs,
		flows:   flows,
		sess:    sessions,
		eng:     eng,
		disp:    disp,
		hub:     hub,
		auth:    &realtimeAuthenticator{db: db, sharedKey: cfg.RealtimeAuthKey},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopHub := make(chan struct{})
	go hub.Run(stopHub, realtime.DefaultPollInterval)
	go sched.Start(ctx, cfg.SchedulerInterval)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.routes()}
	go func() {
		logger.InfoCF("main", "listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("main", "http server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.InfoCF("main", "shutting down", nil)

	close(stopHub)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openSecrets derives the process-wide AEAD key from PROCESS_SECRET
// and a salt persisted on first boot (saltSize-checked by
// secrets.NewSalt), so the same key re-derives across restarts.
func openSecrets(cfg *config.Config, db *store.Store) (*secrets.Store, error) {
	salt, ok, err := db.GetSecret(processSaltKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		salt, err = secrets.NewSalt()
		if err != nil {
			return nil, err
		}
		if err := db.PutSecret(processSaltKey, salt); err != nil {
			return nil, err
		}
	}
	key := secrets.DeriveKey(cfg.ProcessSecret, salt)
	return secrets.New(key, db)
}

// buildProvider wires Claude as primary and OpenAI as fallback when
// both keys are configured, mirroring the teacher's own
// primary/fallback provider pairing; either key alone runs
// single-provider. Neither configured isn't rejected at startup —
// config.LoadFromEnv doesn't require an LLM key since maintenance-mode
// deployments never reach an agent node — it just fails the first
// turn that actually needs a model.
func buildProvider(cfg *config.Config) (providers.LLMProvider, string) {
	switch {
	case cfg.AnthropicAPIKey != "" && cfg.OpenAIAPIKey != "":
		primary := providers.NewClaudeProvider(cfg.AnthropicAPIKey)
		fallback := providers.NewOpenAIProvider(cfg.OpenAIAPIKey)
		return providers.NewFallbackProvider(primary, fallback, cfg.AnthropicModel, cfg.OpenAIModel), cfg.AnthropicModel
	case cfg.AnthropicAPIKey != "":
		return providers.NewClaudeProvider(cfg.AnthropicAPIKey), cfg.AnthropicModel
	case cfg.OpenAIAPIKey != "":
		return providers.NewOpenAIProvider(cfg.OpenAIAPIKey), cfg.OpenAIModel
	default:
		return providers.NewClaudeProvider(""), cfg.AnthropicModel
	}
}

func buildScheduler(cfg *config.Config, db *store.Store, conns *connResolver, sessions *session.Manager, disp *queue.Dispatcher) *scheduler.Scheduler {
	sched := scheduler.New()
	sched.Register(scheduler.Job{
		Name: "bot_timeout",
		Expr: cfg.SchedulerTickCron,
		Run:  scheduler.NewBotTimeoutJob(db, conns, sessions, disp).Run,
	})
	sched.Register(scheduler.Job{
		Name: "session_cleanup",
		Expr: cfg.SchedulerTickCron,
		Run:  scheduler.NewSessionCleanupJob(db, cfg.StaleSessionAfter).Run,
	})
	sched.Register(scheduler.Job{
		Name: "invariant_check",
		Expr: cfg.SchedulerTickCron,
		Run:  scheduler.NewInvariantCheckJob(db).Run,
	})
	sched.Register(scheduler.Job{
		Name: "queue_timeout",
		Expr: cfg.SchedulerTickCron,
		Run:  scheduler.NewQueueTimeoutJob(db, disp, scheduler.SlackEscalator{}).Run,
	})
	return sched
}
