package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/osaproject/osa/internal/agent"
	"github.com/osaproject/osa/internal/bootstrap"
	"github.com/osaproject/osa/internal/bus"
	"github.com/osaproject/osa/internal/config"
	"github.com/osaproject/osa/internal/memory"
	"github.com/osaproject/osa/internal/providers"
	"github.com/osaproject/osa/internal/sessions"
	osasignal "github.com/osaproject/osa/internal/signal"
	"github.com/osaproject/osa/internal/skills"
	"github.com/osaproject/osa/internal/tools"
)

func chatCmd() *cobra.Command {
	var message string
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent locally, no gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(message, sessionID)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session to continue (default: new)")
	return cmd
}

func runChat(message, sessionID string) {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if _, err := bootstrap.EnsureStateDir(cfg); err != nil {
		slog.Error("state dir setup failed", "error", err)
		os.Exit(1)
	}

	providerReg := providers.FromConfig(cfg)
	if !providerReg.Configured() {
		fmt.Fprintln(os.Stderr, "No provider API key configured. Set OSA_ANTHROPIC_API_KEY or OSA_OPENAI_API_KEY.")
		os.Exit(1)
	}

	b := bus.New()
	defer b.Close()

	memStore := memory.NewStore(cfg.MemoryFile())
	toolReg := tools.NewRegistry()
	registerBuiltinTools(cfg, toolReg, memStore)

	skillMgr := skills.NewManager(cfg.SkillDirs()[0], toolReg)
	if err := skillMgr.Reload(); err != nil {
		slog.Warn("skill load failed", "error", err)
	}

	sessionMgr := sessions.NewManager(cfg.SessionsDir())
	loop := agent.NewLoop(agent.LoopConfig{
		Providers: providerReg,
		Tools:     toolReg,
		Policy:    tools.NewPolicy(tools.PermissionMode(cfg.Agent.PermissionMode)),
		Sessions:  sessionMgr,
		Bus:       b,
		Classifier: osasignal.New(osasignal.Options{
			NoiseThreshold: cfg.Signal.NoiseThreshold,
			RefineMinLen:   cfg.Signal.LLMRefineMin,
		}),
		MaxIterations: cfg.Agent.MaxIterations,
		LLMTimeout:    cfg.Agent.LLMTimeout.Duration(120 * time.Second),
		KeepLast:      cfg.Agent.KeepLast,
		WarnThreshold: cfg.Agent.WarnThreshold,
		AggrThreshold: cfg.Agent.AggrThreshold,
		EmerThreshold: cfg.Agent.EmerThreshold,
		Workspace:     cfg.StatePath(),
		TemplatesDir:  cfg.TemplatesDir(),
		SkillsSummary: skillMgr.Summary,
	})

	if sessionID == "" {
		sessionID = "cli-" + uuid.NewString()[:8]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	send := func(text string) {
		streamed := false
		result, err := loop.Run(ctx, agent.RunRequest{
			SessionID: sessionID,
			Channel:   "cli",
			Message:   text,
			OnChunk: func(chunk providers.StreamChunk) {
				if chunk.Content != "" {
					streamed = true
					fmt.Print(chunk.Content)
				}
			},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
			return
		}
		if result.Filtered {
			fmt.Fprintln(os.Stderr, "(message filtered as noise)")
			return
		}
		if streamed {
			fmt.Println()
			return
		}
		// Provider didn't stream; print the final content instead.
		if result.Content != "" {
			fmt.Println(result.Content)
		}
	}

	if message != "" {
		send(message)
		return
	}

	fmt.Fprintf(os.Stderr, "OSA chat — session %s\n", sessionID)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a fresh session\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return
		case line == "/new":
			sessionID = "cli-" + uuid.NewString()[:8]
			fmt.Fprintf(os.Stderr, "new session %s\n", sessionID)
			continue
		}
		send(line)
		if ctx.Err() != nil {
			return
		}
	}
}
