package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/rs/zerolog/log"

	"go-agentic/internal/agent"
	"go-agentic/internal/agents/codegen"
	"go-agentic/internal/agents/llm"
	"go-agentic/internal/agents/review"
	"go-agentic/internal/agents/terminal"
	"go-agentic/internal/api"
	"go-agentic/internal/config"
	"go-agentic/internal/orchestrator"
	"go-agentic/internal/store"
	"go-agentic/internal/workflow"
	"go-agentic/pkg/logger"
)

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.NewGlobal(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log.Info().Msg("starting server")

	var st workflow.Store = workflow.NewMemoryStore()
	if cfg.Store.Path != "" {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		st = db
	}

	defs, err := loadDefinitions(cfg.Workflow.DefinitionsFile)
	if err != nil {
		return err
	}

	system := actor.NewActorSystem().Root
	engine := workflow.NewEngine(system, defs, st, workflow.Config{
		Backoff:        backoffPolicy(cfg.Workflow.Retry),
		ApprovalMode:   workflow.ApprovalMode(cfg.Workflow.ApprovalMode),
		ApprovalExpiry: cfg.Workflow.ApprovalExpiry,
		Expiry:         expiryPolicy(cfg.Workflow.ExpiryAction),
	})
	defer engine.Stop()

	orch := orchestrator.New(orchestrator.WithMaxConcurrency(cfg.Orchestrator.MaxConcurrency))
	if err := registerAgents(cfg, engine, orch); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resumeWorkflows(ctx, engine, st)
	if cfg.Workflow.SweepInterval > 0 {
		go sweepApprovals(ctx, engine, cfg.Workflow.SweepInterval)
	}

	app := api.New(cfg.Server.Addr, engine, orch)
	go func() {
		if err := app.Start(); err != nil {
			log.Panic().Err(err).Msg("server crash")
		}
	}()

	<-ctx.Done()
	stop()
	log.Info().Msg("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server exiting")
	return nil
}

// registerAgents binds the LLM agents to both the engine and the orchestrator. Without an
// OpenAI key only the terminal agent is available.
func registerAgents(cfg *config.Config, engine *workflow.Engine, orch *orchestrator.Orchestrator) error {
	engine.RegisterAgent("terminal", terminal.New())

	if cfg.OpenAI.APIKey != "" {
		os.Setenv("OPENAI_API_KEY", cfg.OpenAI.APIKey)
	}
	if cfg.OpenAI.Model != "" {
		os.Setenv("OPENAI_MODEL", cfg.OpenAI.Model)
	}
	completer, err := llm.NewOpenAI()
	if err != nil {
		log.Warn().Err(err).Msg("llm unavailable, codegen and review agents disabled")
		return nil
	}

	agentCfg := agent.Config{SuccessThreshold: cfg.Orchestrator.SuccessThreshold}
	cg, err := codegen.New(completer, agentCfg)
	if err != nil {
		return err
	}
	rv, err := review.New(completer, review.Planner{FileThreshold: cfg.Review.FileThreshold}, agentCfg)
	if err != nil {
		return err
	}
	for agentType, a := range map[string]*agent.Agent{"codegen": cg, "review": rv} {
		engine.RegisterAgent(agentType, a.External())
		if err := orch.RegisterAgent(a, "openai"); err != nil {
			return err
		}
	}
	return nil
}

// resumeWorkflows restarts workflows a previous process left running.
func resumeWorkflows(ctx context.Context, engine *workflow.Engine, st workflow.Store) {
	list, err := st.ListWorkflows(ctx)
	if err != nil {
		log.Error().Err(err).Msg("unable to list persisted workflows")
		return
	}
	for _, w := range list {
		if w.Status != workflow.StatusRunning && w.Status != workflow.StatusPending {
			continue
		}
		if err := engine.Resume(ctx, w.ID, ""); err != nil {
			log.Error().Err(err).Str(logger.WorkflowIDField, w.ID).Msg("unable to resume workflow")
			continue
		}
		log.Info().Str(logger.WorkflowIDField, w.ID).Msg("workflow resumed after restart")
	}
}

func sweepApprovals(ctx context.Context, engine *workflow.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.SweepExpiredApprovals(ctx)
			if err != nil {
				log.Error().Err(err).Msg("approval sweep failed")
			}
			if n > 0 {
				log.Info().Int("decided", n).Msg("expired approvals decided")
			}
		}
	}
}

func backoffPolicy(c config.RetryConfig) workflow.BackoffPolicy {
	if c.Strategy == config.RetryExponential {
		return workflow.ExponentialBackoff(c.Interval, c.MaxInterval, c.Jitter)
	}
	return workflow.FixedBackoff(c.Interval)
}

func expiryPolicy(action string) workflow.ExpiryPolicy {
	if action == "" {
		return workflow.NoopExpiry{}
	}
	return workflow.ExpireWith(action)
}
