package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/osaproject/osa/internal/agent"
	"github.com/osaproject/osa/internal/bootstrap"
	"github.com/osaproject/osa/internal/bus"
	"github.com/osaproject/osa/internal/channels"
	"github.com/osaproject/osa/internal/channels/telegram"
	"github.com/osaproject/osa/internal/config"
	"github.com/osaproject/osa/internal/gateway"
	"github.com/osaproject/osa/internal/memory"
	"github.com/osaproject/osa/internal/monitor"
	"github.com/osaproject/osa/internal/providers"
	"github.com/osaproject/osa/internal/sessions"
	"github.com/osaproject/osa/internal/sidecar"
	osasignal "github.com/osaproject/osa/internal/signal"
	"github.com/osaproject/osa/internal/skills"
	"github.com/osaproject/osa/internal/taskqueue"
	"github.com/osaproject/osa/internal/telemetry"
	"github.com/osaproject/osa/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and agent runtime",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Seed the state directory before anything reads from it.
	if created, err := bootstrap.EnsureStateDir(cfg); err != nil {
		slog.Error("state dir setup failed", "dir", cfg.StatePath(), "error", err)
		os.Exit(1)
	} else if len(created) > 0 {
		slog.Info("seeded state templates", "files", created)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}

	b := bus.New()
	sessionMgr := sessions.NewManager(cfg.SessionsDir())
	providerReg := providers.FromConfig(cfg)
	if !providerReg.Configured() {
		slog.Warn("no provider API key configured; agent runs will fail until one is set")
	}

	memStore := memory.NewStore(cfg.MemoryFile())

	toolReg := tools.NewRegistry()
	registerBuiltinTools(cfg, toolReg, memStore)
	policy := tools.NewPolicy(tools.PermissionMode(cfg.Agent.PermissionMode))

	skillMgr := skills.NewManager(cfg.SkillDirs()[0], toolReg)
	if err := skillMgr.Reload(); err != nil {
		slog.Warn("skill load failed", "error", err)
	}
	if cfg.Skills.Watch {
		if err := skillMgr.Watch(ctx); err != nil {
			slog.Warn("skill watcher failed", "error", err)
		}
	}

	queue, err := taskqueue.Open(cfg.QueuePath(), b)
	if err != nil {
		slog.Error("task queue open failed", "path", cfg.QueuePath(), "error", err)
		os.Exit(1)
	}
	queue.StartReaper(ctx, cfg.Queue.ReapInterval.Duration(taskqueue.DefaultReapInterval))

	supervisor := sidecar.NewSupervisor()
	supervisor.StartAll(cfg.Sidecars, cfg.StatePath())
	go func() {
		// Give sidecars a moment to come up before asking for tools.
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
		supervisor.RegisterTools(ctx, toolReg)
	}()

	classifier := osasignal.New(osasignal.Options{
		NoiseThreshold: cfg.Signal.NoiseThreshold,
		RefineMinLen:   cfg.Signal.LLMRefineMin,
		Refiner:        buildRefiner(cfg, providerReg),
	})

	loop := agent.NewLoop(agent.LoopConfig{
		Providers:     providerReg,
		Tools:         toolReg,
		Policy:        policy,
		Sessions:      sessionMgr,
		Bus:           b,
		Classifier:    classifier,
		MaxIterations: cfg.Agent.MaxIterations,
		LLMTimeout:    cfg.Agent.LLMTimeout.Duration(120 * time.Second),
		KeepLast:      cfg.Agent.KeepLast,
		WarnThreshold: cfg.Agent.WarnThreshold,
		AggrThreshold: cfg.Agent.AggrThreshold,
		EmerThreshold: cfg.Agent.EmerThreshold,
		Workspace:     cfg.StatePath(),
		TemplatesDir:  cfg.TemplatesDir(),
		SkillsSummary: skillMgr.Summary,
		MemoryBulletin: func() string {
			return memoryBulletin(memStore)
		},
	})
	runtime := agent.NewRuntime(loop, sessionMgr)

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		scanners := monitor.FromComponents(sessionMgr, queue, cfg.MemoryFile(),
			cfg.Monitor.StaleAfter.Duration(24*time.Hour),
			cfg.Monitor.MemoryMaxKB, cfg.Monitor.DiskWarnPct)
		mon, err = monitor.New(cfg.Monitor.Schedule, b, scanners...)
		if err != nil {
			slog.Error("monitor schedule invalid", "schedule", cfg.Monitor.Schedule, "error", err)
			os.Exit(1)
		}
		mon.Start(ctx)
	}

	channelMgr := channels.NewManager()
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, runtime)
		if err != nil {
			slog.Error("telegram setup failed", "error", err)
		} else {
			channelMgr.Add(tg)
		}
	}
	channelMgr.StartAll(ctx)

	server := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		Bus:        b,
		Runtime:    runtime,
		Sessions:   sessionMgr,
		Providers:  providerReg,
		Tools:      toolReg,
		Classifier: classifier,
		Skills:     skillMgr,
		Queue:      queue,
		Memory:     memStore,
		Sidecars:   supervisor,
		Version:    Version,
	})

	// Blocks until ctx is cancelled by SIGINT/SIGTERM.
	if err := server.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	channelMgr.StopAll(shutdownCtx)
	if err := runtime.Shutdown(shutdownCtx); err != nil {
		slog.Warn("runtime shutdown incomplete", "error", err)
	}
	supervisor.StopAll()
	if err := queue.Close(); err != nil {
		slog.Warn("task queue close failed", "error", err)
	}
	b.Close()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	slog.Info("shutdown complete")
}

// registerBuiltinTools wires the filesystem, shell, and memory tools.
func registerBuiltinTools(cfg *config.Config, reg *tools.Registry, store *memory.Store) {
	workspace := cfg.StatePath()
	toolTimeout := cfg.Agent.ToolTimeout.Duration(30 * time.Second)

	builtins := []tools.Tool{
		tools.NewFileReadTool(workspace, false),
		tools.NewFileWriteTool(workspace, false),
		tools.NewFileListTool(workspace, false),
		tools.NewShellTool(workspace, toolTimeout),
		tools.NewMemorySaveTool(store),
		tools.NewMemoryRecallTool(store),
	}
	for _, t := range builtins {
		if err := reg.Register(t); err != nil {
			slog.Warn("builtin tool rejected", "tool", t.Name(), "error", err)
		}
	}
}

// buildRefiner returns the LLM refinement hook, or nil when disabled or
// no provider is configured.
func buildRefiner(cfg *config.Config, reg *providers.Registry) osasignal.Refiner {
	if !cfg.Signal.LLMRefine || !reg.Configured() {
		return nil
	}
	return osasignal.NewLLMRefiner(func(ctx context.Context, prompt string) (string, error) {
		resp, err := reg.Chat(ctx, "", providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: prompt}},
			Options:  map[string]interface{}{"max_tokens": 200},
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	})
}

// memoryBulletin renders the most recent memory entries as a prompt block.
func memoryBulletin(store *memory.Store) string {
	entries, err := store.All()
	if err != nil || len(entries) == 0 {
		return ""
	}
	if len(entries) > 5 {
		entries = entries[len(entries)-5:]
	}
	bulletin := ""
	for _, e := range entries {
		bulletin += "- " + e.Content + "\n"
	}
	return bulletin
}
