package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gateway/internal/approval"
	"gateway/internal/bridge"
	"gateway/internal/capability"
	"gateway/internal/config"
	"gateway/internal/embedding"
	"gateway/internal/heartbeat"
	"gateway/internal/hitl"
	"gateway/internal/llm"
	"gateway/internal/logging"
	"gateway/internal/mcp"
	"gateway/internal/memory"
	"gateway/internal/orchestrator"
	"gateway/internal/prompt"
	"gateway/internal/sandbox"
	"gateway/internal/session"
	"gateway/internal/skills"
	"gateway/internal/soul"
	"gateway/internal/task"
	"gateway/internal/types"
)

// capabilityHardCap bounds every capability token lifetime.
const capabilityHardCap = 15 * time.Minute

// Service owns every component of a running Gateway and their lifecycles.
type Service struct {
	cfg *config.Config
	log *zap.Logger

	auditor      *logging.Auditor
	memories     *memory.Store
	approvals    *approval.Store
	soulVersions *soul.VersionStore
	soul         *soul.Manager
	skills       *skills.Catalog
	sessions     *session.Store
	taskStore    *session.TaskStore
	gate         *hitl.Gate
	dispatcher   *sandbox.Dispatcher
	mcpManager   *mcp.Manager
	orchestrator *orchestrator.Orchestrator
	taskLoop     *task.Loop
	heartbeats   *heartbeat.Scheduler
	server       *bridge.Server
	router       *Router
}

// New wires a Service from validated configuration. Nothing external is
// started; Run does that.
func New(cfg *config.Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{cfg: cfg, log: log.Named("gateway")}

	auditor, err := logging.NewAuditor(cfg.AuditDir, log)
	if err != nil {
		return nil, fmt.Errorf("audit init: %w", err)
	}
	s.auditor = auditor

	var embedder memory.Embedder
	if cfg.Embeddings.Provider != "" {
		engine, err := embedding.NewEngine(embedding.Config{
			Provider: cfg.Embeddings.Provider,
			Endpoint: cfg.Embeddings.Endpoint,
			Model:    cfg.Embeddings.Model,
			APIKey:   cfg.Embeddings.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("embedding init: %w", err)
		}
		embedder = engine
	}

	s.memories, err = memory.NewStore(filepath.Join(cfg.DataDir, "memory.db"), embedder, log)
	if err != nil {
		return nil, fmt.Errorf("memory store init: %w", err)
	}
	s.approvals, err = approval.NewStore(filepath.Join(cfg.DataDir, "approvals.db"), log)
	if err != nil {
		return nil, fmt.Errorf("approval store init: %w", err)
	}
	s.soulVersions, err = soul.NewVersionStore(filepath.Join(cfg.DataDir, "soul_versions.db"), log)
	if err != nil {
		return nil, fmt.Errorf("soul version store init: %w", err)
	}
	s.soul = soul.NewManager(cfg.SoulFile, s.soulVersions, auditor, log)
	s.skills = skills.NewCatalog(cfg.Skills, auditor, log)
	s.taskStore = session.NewTaskStore(log)

	signer, err := capability.NewSigner(cfg.CapabilitySecret, capabilityHardCap)
	if err != nil {
		return nil, fmt.Errorf("capability signer init: %w", err)
	}
	runtime := sandbox.NewDockerRuntime("gateway-egress", log)
	s.dispatcher = sandbox.NewDispatcher(cfg.Executors, cfg.Mounts, signer, runtime, log)

	llmClient, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm init: %w", err)
	}

	s.mcpManager = mcp.NewManager(mcp.DockerLauncher("gateway-mcp"), auditor, time.Minute, log)

	classifier := hitl.NewClassifier(cfg.ActionTiers, cfg.TrustedDomains)
	sessionTTL := parseDuration(cfg.Sessions.TTL, time.Hour)

	// The server is constructed before the router so the notifier can
	// broadcast; the handler closure resolves the router lazily.
	s.server = bridge.NewServer(cfg.SocketPath, s.handleFrame, bridge.ServerHooks{}, log)
	notifier := NewBridgeNotifier(s.server)
	s.gate = hitl.NewGate(classifier, s.approvals, auditor, notifier, cfg.ApprovalTimeout(), log)

	s.sessions = session.NewStore(cfg.Sessions.MaxTurns, sessionTTL, func(sessionID, userID string) {
		s.gate.ClearSession(sessionID)
	}, log)

	builder := prompt.NewBuilder(s.soul, s.skills, s.memories, s.taskStore, cfg.Skills.CharBudget, log)
	s.orchestrator = orchestrator.New(orchestrator.Params{
		LLM:            llmClient,
		Prompts:        builder,
		Gate:           s.gate,
		Dispatcher:     s.dispatcher,
		MCP:            s.mcpManager,
		Memories:       s.memories,
		Soul:           s.soul,
		Auditor:        auditor,
		TrustedDomains: cfg.TrustedDomains,
		ResultCap:      cfg.Executors.File.DefaultMaxOutput,
		Log:            log,
	})
	s.taskLoop = task.NewLoop(s.orchestrator, s.taskStore, cfg.Tasks.MaxIterations, log)

	commands := NewCommandMux(s.memories, s.sessions, s.taskStore, nil, s.soul, nil, log)
	s.router = NewRouter(s.sessions, s.orchestrator, s.taskLoop, s.gate, commands, auditor, log)

	if len(cfg.Heartbeats) > 0 {
		s.heartbeats, err = heartbeat.NewScheduler(cfg.Heartbeats, filepath.Join(cfg.DataDir, "heartbeats.db"), s.fireHeartbeat, log)
		if err != nil {
			return nil, fmt.Errorf("heartbeat init: %w", err)
		}
		commands.heartbeats = s.heartbeats
	}
	return s, nil
}

// handleFrame adapts the bridge handler signature to the router, giving
// every frame a background context tied to the process, not the accept loop.
func (s *Service) handleFrame(clientID, frameType string, raw json.RawMessage, reply func(frame interface{})) {
	s.router.HandleFrame(context.Background(), clientID, frameType, raw, reply)
}

// fireHeartbeat injects one synthetic user turn and notifies the configured
// channel with the reply.
func (s *Service) fireHeartbeat(ctx context.Context, hb config.HeartbeatConfig) {
	userID := "heartbeat:" + hb.Name
	sess := s.sessions.GetOrCreate(userID)
	s.auditor.MessageReceived(sess.ID, heartbeat.Source, userID, len(hb.Prompt))

	var finalText string
	s.sessions.WithSession(userID, func(sessionID string, history []types.ConversationTurn) []types.ConversationTurn {
		updated := append(history, types.TextTurn(types.RoleUser, hb.Prompt))
		result, err := s.orchestrator.Chat(ctx, orchestrator.Request{
			SessionID: sessionID,
			ChatID:    hb.Channel,
			UserID:    userID,
			History:   updated,
		})
		if err != nil {
			s.log.Warn("heartbeat turn failed", zap.String("heartbeat", hb.Name), zap.Error(err))
			return history
		}
		finalText = result.Text
		return result.History
	})

	if finalText != "" && hb.Channel != "" {
		s.server.Broadcast(bridge.Notification{Type: bridge.TypeNotification, ChatID: hb.Channel, Text: finalText})
		s.auditor.MessageSent(sess.ID, hb.Channel, len(finalText))
	}
}

// Run starts everything and blocks until ctx is cancelled or a fatal
// component error occurs.
func (s *Service) Run(ctx context.Context) error {
	if err := s.soul.Load(ctx); err != nil {
		return fmt.Errorf("soul load: %w", err)
	}
	if err := s.skills.Scan(); err != nil {
		return fmt.Errorf("skills scan: %w", err)
	}
	if err := s.mcpManager.Start(ctx, s.cfg.MCPServers); err != nil {
		return fmt.Errorf("mcp start: %w", err)
	}
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("bridge start: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	s.sessions.StartSweeper(groupCtx, parseDuration(s.cfg.Sessions.SweepInterval, 5*time.Minute))
	s.gate.StartSweeper(groupCtx, parseDuration(s.cfg.Approvals.SweepInterval, time.Minute))

	group.Go(func() error {
		if err := s.soul.Watch(groupCtx); err != nil && groupCtx.Err() == nil {
			s.log.Warn("soul watcher stopped", zap.Error(err))
		}
		return nil
	})
	group.Go(func() error {
		if err := s.skills.Watch(groupCtx); err != nil && groupCtx.Err() == nil {
			s.log.Warn("skills watcher stopped", zap.Error(err))
		}
		return nil
	})
	if s.heartbeats != nil {
		group.Go(func() error {
			s.heartbeats.Run(groupCtx)
			return nil
		})
	}

	s.log.Info("gateway running",
		zap.String("socket", s.cfg.SocketPath),
		zap.String("provider", s.cfg.LLM.Provider),
		zap.String("model", s.cfg.LLM.Model))

	<-groupCtx.Done()
	s.shutdown()
	return group.Wait()
}

func (s *Service) shutdown() {
	s.log.Info("gateway shutting down")
	s.server.Stop()
	s.mcpManager.Shutdown()
	if s.heartbeats != nil {
		_ = s.heartbeats.Close()
	}
	_ = s.memories.Close()
	_ = s.approvals.Close()
	_ = s.soulVersions.Close()
	_ = s.auditor.Close()
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
