package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/osaproject/osa/internal/bus"
	"github.com/osaproject/osa/internal/providers"
	"github.com/osaproject/osa/internal/sessions"
	"github.com/osaproject/osa/internal/signal"
	"github.com/osaproject/osa/internal/telemetry"
	"github.com/osaproject/osa/internal/tools"
	"github.com/osaproject/osa/pkg/protocol"
)

// LoopConfig wires the agent loop to its collaborators.
type LoopConfig struct {
	Providers  *providers.Registry
	Tools      *tools.Registry
	Policy     *tools.Policy
	Sessions   *sessions.Manager
	Bus        *bus.Bus
	Classifier *signal.Classifier // nil = accept everything unclassified

	MaxIterations int
	LLMTimeout    time.Duration
	KeepLast      int
	WarnThreshold float64
	AggrThreshold float64
	EmerThreshold float64

	Workspace    string
	TemplatesDir string

	// SkillsSummary and MemoryBulletin supply optional prompt blocks,
	// resolved fresh on every request.
	SkillsSummary  func() string
	MemoryBulletin func() string
}

// Loop drives the reason-act cycle for one request: prompt assembly, LLM
// call, tool execution, repeat until the model answers without tool calls or
// the iteration cap is hit.
type Loop struct {
	cfg       LoopConfig
	compactor *Compactor
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 120 * time.Second
	}
	l := &Loop{cfg: cfg}
	l.compactor = NewCompactor(cfg.WarnThreshold, cfg.AggrThreshold, cfg.EmerThreshold, cfg.KeepLast, l)
	return l
}

// RunRequest is one inbound message to process.
type RunRequest struct {
	SessionID string
	Channel   string
	Message   string
	Provider  string // "" = default
	Model     string // "" = provider default
	Extra     string // extra system prompt block

	// Signal is the caller's classification; nil means the loop classifies
	// the message itself when a classifier is configured.
	Signal *signal.Signal
	// SkipPlan executes tools normally even when the policy is in plan
	// mode; callers set it when re-submitting an approved plan.
	SkipPlan bool

	OnChunk func(providers.StreamChunk)
}

// RunResult is the final outcome of a run. Exactly one of the shapes holds:
// Filtered (no LLM contact), Plan (text only, no tools ran), or a normal
// answer.
type RunResult struct {
	Content    string          `json:"content"`
	Silent     bool            `json:"silent"`
	Plan       bool            `json:"plan,omitempty"`
	Filtered   bool            `json:"filtered,omitempty"`
	Signal     *signal.Signal  `json:"signal,omitempty"`
	Iterations int             `json:"iterations"`
	ToolsUsed  []string        `json:"tools_used,omitempty"`
	Usage      providers.Usage `json:"usage"`
}

func (l *Loop) emit(topic protocol.Topic, sessionID string, payload map[string]interface{}) {
	if l.cfg.Bus != nil {
		l.cfg.Bus.Publish(topic, sessionID, payload)
	}
}

// Run processes one message to completion. Cancelling ctx stops the run at
// the next loop boundary; partial history stays in the session.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	reg, err := l.cfg.Providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	providerName := reg.Provider.Name()
	model := req.Model
	if model == "" {
		model = reg.Provider.DefaultModel()
	}

	// Classify on every ingress; callers that already classified pass the
	// signal through to avoid a second pass.
	sig := req.Signal
	if sig == nil && l.cfg.Classifier != nil {
		s := l.cfg.Classifier.Classify(ctx, req.Message, req.Channel)
		sig = &s
	}
	if sig != nil && l.cfg.Classifier != nil && sig.Below(l.cfg.Classifier.NoiseThreshold()) {
		l.emit(protocol.TopicSystemEvent, req.SessionID, map[string]interface{}{
			"event": "signal_filtered", "channel": req.Channel,
			"weight": sig.Weight, "threshold": l.cfg.Classifier.NoiseThreshold(),
		})
		return &RunResult{Filtered: true, Silent: true, Signal: sig}, nil
	}

	l.cfg.Sessions.GetOrCreate(req.SessionID)
	l.cfg.Sessions.UpdateMetadata(req.SessionID, req.Channel, providerName, model)
	if sig != nil {
		l.cfg.Sessions.AddSignal(req.SessionID, *sig)
	}
	if err := l.cfg.Sessions.AddMessage(req.SessionID, providers.Message{Role: "user", Content: req.Message}); err != nil {
		slog.Warn("cannot persist user message", "session", req.SessionID, "error", err)
	}
	l.emit(protocol.TopicUserMessage, req.SessionID, map[string]interface{}{
		"channel": req.Channel, "content": req.Message,
	})

	planMode := l.planMode(req)

	// Tool-incapable providers and under-sized models get no tool
	// definitions; the loop then degenerates to plain chat. Plan mode
	// withholds them too, so the model cannot request execution it would
	// be denied.
	var toolDefs []providers.ToolDefinition
	if providers.ToolCapableForModel(reg, model) && !planMode {
		toolDefs = l.cfg.Tools.Definitions()
	}

	result := &RunResult{Signal: sig, Plan: planMode}

	for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			l.emit(protocol.TopicSystemEvent, req.SessionID, map[string]interface{}{
				"event": "run_cancelled", "iteration": iteration,
			})
			return nil, err
		}
		result.Iterations = iteration + 1

		l.maybeCompact(ctx, req.SessionID, reg.ContextWindow)
		messages := l.buildMessages(req, model, planMode, sig)

		l.emit(protocol.TopicLLMRequest, req.SessionID, map[string]interface{}{
			"iteration": iteration, "provider": providerName, "model": model,
			"messages": len(messages), "tools": len(toolDefs),
		})

		llmStart := time.Now()
		resp, err := l.callLLM(ctx, reg.Provider, providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    model,
		}, req.OnChunk)
		if err != nil {
			l.emit(protocol.TopicSystemEvent, req.SessionID, map[string]interface{}{
				"event": "llm_error", "error": err.Error(),
			})
			return nil, fmt.Errorf("llm call: %w", err)
		}

		var tokens int
		if resp.Usage != nil {
			result.Usage.PromptTokens += resp.Usage.PromptTokens
			result.Usage.CompletionTokens += resp.Usage.CompletionTokens
			result.Usage.TotalTokens += resp.Usage.TotalTokens
			tokens = resp.Usage.TotalTokens
			if tokens == 0 {
				tokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
			}
			l.cfg.Sessions.AccumulateTokens(req.SessionID,
				int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))
			l.cfg.Sessions.SetLastPromptTokens(req.SessionID, resp.Usage.PromptTokens, len(messages))
		}

		l.emit(protocol.TopicLLMResponse, req.SessionID, map[string]interface{}{
			"iteration": iteration, "finish_reason": resp.FinishReason,
			"tool_calls": len(resp.ToolCalls), "content_len": len(resp.Content),
			"duration_ms": time.Since(llmStart).Milliseconds(), "tokens": tokens,
		})

		assistantMsg := providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			Thinking:  resp.Thinking,
			ToolCalls: resp.ToolCalls,
		}
		if err := l.cfg.Sessions.AddMessage(req.SessionID, assistantMsg); err != nil {
			slog.Warn("cannot persist assistant message", "session", req.SessionID, "error", err)
		}

		// Plan mode is terminal after one response: the text is the plan,
		// nothing dispatches.
		if planMode || len(resp.ToolCalls) == 0 {
			result.Content = SanitizeAssistantContent(resp.Content)
			result.Silent = IsSilentReply(result.Content)
			l.emit(protocol.TopicAgentResponse, req.SessionID, map[string]interface{}{
				"content": result.Content, "silent": result.Silent,
				"iterations": result.Iterations, "plan": planMode,
			})
			return result, nil
		}

		for _, tc := range resp.ToolCalls {
			result.ToolsUsed = appendUnique(result.ToolsUsed, tc.Name)
		}
		for _, msg := range l.executeToolCalls(ctx, req.SessionID, resp.ToolCalls, req.SkipPlan) {
			if err := l.cfg.Sessions.AddMessage(req.SessionID, msg); err != nil {
				slog.Warn("cannot persist tool message", "session", req.SessionID, "error", err)
			}
		}
	}

	// Iteration cap reached: close the run with an explicit notice.
	result.Content = "Stopped: the iteration limit was reached before the task completed."
	l.emit(protocol.TopicSystemEvent, req.SessionID, map[string]interface{}{
		"event": "max_iterations", "limit": l.cfg.MaxIterations,
	})
	if err := l.cfg.Sessions.AddMessage(req.SessionID, providers.Message{Role: "assistant", Content: result.Content}); err != nil {
		slog.Warn("cannot persist final message", "session", req.SessionID, "error", err)
	}
	l.emit(protocol.TopicAgentResponse, req.SessionID, map[string]interface{}{
		"content": result.Content, "silent": false, "iterations": result.Iterations,
	})
	return result, nil
}

// planMode reports whether this request runs as a plan: the policy is in
// plan mode and the caller has not approved execution yet.
func (l *Loop) planMode(req RunRequest) bool {
	return l.cfg.Policy != nil && l.cfg.Policy.Mode() == tools.PermPlan && !req.SkipPlan
}

func (l *Loop) callLLM(ctx context.Context, p providers.Provider, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	llmCtx, cancel := context.WithTimeout(ctx, l.cfg.LLMTimeout)
	defer cancel()

	llmCtx, span := telemetry.Tracer().Start(llmCtx, "llm.chat",
		trace.WithAttributes(
			attribute.String("llm.provider", p.Name()),
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.messages", len(req.Messages)),
		))
	defer span.End()

	if onChunk != nil {
		return p.ChatStream(llmCtx, req, onChunk)
	}
	return p.Chat(llmCtx, req)
}

func (l *Loop) buildMessages(req RunRequest, model string, planMode bool, sig *signal.Signal) []providers.Message {
	identity, soul, user := LoadPromptFiles(l.cfg.TemplatesDir)

	var skills, bulletin string
	if l.cfg.SkillsSummary != nil {
		skills = l.cfg.SkillsSummary()
	}
	if l.cfg.MemoryBulletin != nil {
		bulletin = l.cfg.MemoryBulletin()
	}

	var toolNames []string
	for _, info := range l.cfg.Tools.List() {
		toolNames = append(toolNames, info.Name)
	}

	system := BuildSystemPrompt(SystemPromptConfig{
		Identity:       identity,
		Soul:           soul,
		UserProfile:    user,
		Workspace:      l.cfg.Workspace,
		Channel:        req.Channel,
		Model:          model,
		ToolNames:      toolNames,
		SkillsSummary:  skills,
		MemoryBulletin: bulletin,
		Signal:         sig,
		PlanMode:       planMode,
		Extra:          req.Extra,
		Now:            time.Now(),
	})

	history := repairToolPairing(l.cfg.Sessions.History(req.SessionID))

	messages := make([]providers.Message, 0, len(history)+1)
	messages = append(messages, providers.Message{Role: "system", Content: system})
	messages = append(messages, history...)
	return messages
}

// maybeCompact checks context pressure and compacts the session history when
// a threshold is crossed. Failures are logged and reported on the bus but
// never block the run.
func (l *Loop) maybeCompact(ctx context.Context, sessionID string, window int) {
	history := l.cfg.Sessions.History(sessionID)
	lastPT, lastMC := l.cfg.Sessions.LastPromptTokens(sessionID)

	pressure := l.compactor.Assess(history, window, lastPT, lastMC)
	if pressure.Tier == TierNone {
		return
	}

	l.emit(protocol.TopicContextPressure, sessionID, map[string]interface{}{
		"tier": pressure.Tier.String(), "ratio": pressure.Ratio,
		"estimate": pressure.Estimate, "window": pressure.Window,
	})

	compacted, changed, err := l.compactor.Compact(ctx, history, pressure.Tier)
	if err != nil {
		slog.Warn("compaction failed, continuing uncompacted",
			"session", sessionID, "tier", pressure.Tier.String(), "error", err)
		l.emit(protocol.TopicContextPressure, sessionID, map[string]interface{}{
			"tier": pressure.Tier.String(), "failed": true,
		})
		return
	}
	if !changed {
		return
	}
	if err := l.cfg.Sessions.ReplaceHistory(sessionID, compacted); err != nil {
		slog.Warn("cannot persist compacted history", "session", sessionID, "error", err)
	}
	slog.Info("compacted session history", "session", sessionID,
		"tier", pressure.Tier.String(), "from", len(history), "to", len(compacted))
}

// executeToolCalls runs the calls through the permission policy and the tool
// registry. A single call runs inline; multiple calls run in parallel and
// the results are re-sorted by call index so message order is deterministic.
func (l *Loop) executeToolCalls(ctx context.Context, sessionID string, calls []providers.ToolCall, skipPlan bool) []providers.Message {
	if len(calls) == 1 {
		res := l.runOneTool(ctx, sessionID, calls[0], skipPlan)
		return []providers.Message{res}
	}

	type indexed struct {
		idx int
		msg providers.Message
	}
	resultCh := make(chan indexed, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			resultCh <- indexed{idx: idx, msg: l.runOneTool(ctx, sessionID, tc, skipPlan)}
		}(i, tc)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexed, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	msgs := make([]providers.Message, len(collected))
	for i, r := range collected {
		msgs[i] = r.msg
	}
	return msgs
}

func (l *Loop) runOneTool(ctx context.Context, sessionID string, tc providers.ToolCall, skipPlan bool) providers.Message {
	ctx, span := telemetry.Tracer().Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", tc.Name)))
	defer span.End()

	argsJSON, _ := json.Marshal(tc.Arguments)
	l.emit(protocol.TopicToolCall, sessionID, map[string]interface{}{
		"name": tc.Name, "id": tc.ID, "phase": protocol.PhaseStart, "args_len": len(argsJSON),
	})

	start := time.Now()
	result := l.gatedExecute(ctx, tc, skipPlan)
	durationMS := time.Since(start).Milliseconds()

	if result.IsError {
		errMsg := result.ForLLM
		if len(errMsg) > 200 {
			errMsg = errMsg[:200] + "..."
		}
		slog.Warn("tool error", "tool", tc.Name, "error", errMsg)
	}

	l.emit(protocol.TopicToolCall, sessionID, map[string]interface{}{
		"name": tc.Name, "id": tc.ID, "phase": protocol.PhaseEnd,
		"success": !result.IsError, "duration_ms": durationMS,
	})
	l.emit(protocol.TopicToolResult, sessionID, map[string]interface{}{
		"name": tc.Name, "id": tc.ID, "is_error": result.IsError,
	})

	return providers.Message{Role: "tool", Content: result.ForLLM, ToolCallID: tc.ID}
}

func appendUnique(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}

func (l *Loop) gatedExecute(ctx context.Context, tc providers.ToolCall, skipPlan bool) *tools.Result {
	if l.cfg.Policy != nil {
		tool, ok := l.cfg.Tools.Get(tc.Name)
		if !ok {
			return tools.ErrorResult(fmt.Sprintf("unknown tool: %s", tc.Name))
		}
		mode := l.cfg.Policy.Mode()
		if skipPlan && mode == tools.PermPlan {
			// Approved plan: execute under default rules.
			mode = tools.PermDefault
		}
		if d := l.cfg.Policy.EvaluateAs(mode, tool, tc.Arguments); !d.Allowed {
			return tools.ErrorResult("tool call denied: " + d.Reason)
		}
	}
	return l.cfg.Tools.Execute(ctx, tc.Name, tc.Arguments)
}

// Summarize condenses a history slice with a small LLM call; it backs the
// emergency compaction tier.
func (l *Loop) Summarize(ctx context.Context, msgs []providers.Message) (string, error) {
	reg, err := l.cfg.Providers.Get("")
	if err != nil {
		return "", err
	}

	var transcript strings.Builder
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		transcript.WriteString(m.Role + ": " + m.Content + "\n")
	}
	const maxTranscript = 24 * 1024
	text := transcript.String()
	if len(text) > maxTranscript {
		text = text[len(text)-maxTranscript:]
	}

	resp, err := reg.Provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "Condense the conversation below into a factual summary. Keep decisions, open tasks, names, and numbers. Answer with the summary only."},
			{Role: "user", Content: text},
		},
		Options: map[string]interface{}{"max_tokens": 512},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	return summary, nil
}
