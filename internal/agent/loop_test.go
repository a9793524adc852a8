package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/osaproject/osa/internal/bus"
	"github.com/osaproject/osa/internal/providers"
	"github.com/osaproject/osa/internal/sessions"
	"github.com/osaproject/osa/internal/signal"
	"github.com/osaproject/osa/internal/tools"
	"github.com/osaproject/osa/pkg/protocol"
)

// scriptedProvider replays a fixed sequence of responses.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	calls     int
	block     bool // wait for ctx cancellation instead of answering
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	resp, err := p.Chat(ctx, req)
	if err == nil && onChunk != nil {
		onChunk(providers.StreamChunk{Content: resp.Content})
		onChunk(providers.StreamChunk{Done: true})
	}
	return resp, err
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

type slowTool struct {
	name  string
	delay time.Duration
}

func (t *slowTool) Name() string                       { return t.name }
func (t *slowTool) Description() string                { return "test tool" }
func (t *slowTool) Parameters() map[string]interface{} { return nil }
func (t *slowTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	text, _ := args["text"].(string)
	return tools.NewResult("ran " + t.name + " " + text)
}

type testEnv struct {
	loop     *Loop
	sessions *sessions.Manager
	bus      *bus.Bus
	events   *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (e *eventLog) record(ev bus.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventLog) has(topic protocol.Topic) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.Topic == topic {
			return true
		}
	}
	return false
}

func (e *eventLog) payloads(topic protocol.Topic) []map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []map[string]interface{}
	for _, ev := range e.events {
		if ev.Topic == topic {
			out = append(out, ev.Payload)
		}
	}
	return out
}

type envOptions struct {
	mode           tools.PermissionMode
	classifier     *signal.Classifier
	minToolParamsB float64
	tools          []tools.Tool
}

func newTestEnv(t *testing.T, provider *scriptedProvider, mode tools.PermissionMode, extraTools ...tools.Tool) *testEnv {
	return newTestEnvWith(t, provider, envOptions{mode: mode, tools: extraTools})
}

func newTestEnvWith(t *testing.T, provider *scriptedProvider, opts envOptions) *testEnv {
	t.Helper()

	if opts.mode == "" {
		opts.mode = tools.PermDefault
	}

	preg := providers.NewRegistry()
	preg.Register(providers.Registration{
		Provider:       provider,
		ContextWindow:  200000,
		ToolCapable:    true,
		Configured:     true,
		MinToolParamsB: opts.minToolParamsB,
	})
	if err := preg.SetDefault("scripted"); err != nil {
		t.Fatal(err)
	}

	treg := tools.NewRegistry()
	for _, tool := range opts.tools {
		if err := treg.Register(tool); err != nil {
			t.Fatal(err)
		}
	}

	b := bus.New()
	t.Cleanup(b.Close)
	log := &eventLog{}
	b.Subscribe(bus.TopicAll, log.record)

	mgr := sessions.NewManager("")
	loop := NewLoop(LoopConfig{
		Providers:     preg,
		Tools:         treg,
		Policy:        tools.NewPolicy(opts.mode),
		Sessions:      mgr,
		Bus:           b,
		Classifier:    opts.classifier,
		MaxIterations: 5,
		KeepLast:      2,
	})
	return &testEnv{loop: loop, sessions: mgr, bus: b, events: log}
}

func waitForTopic(t *testing.T, log *eventLog, topic protocol.Topic) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if log.has(topic) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("topic %s never published", topic)
}

func TestRunDirectAnswer(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "hi there", FinishReason: "stop", Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 5}},
	}}, tools.PermDefault)

	result, err := env.loop.Run(context.Background(), RunRequest{SessionID: "s1", Channel: "http", Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "hi there" || result.Iterations != 1 || result.Silent {
		t.Errorf("result = %+v", result)
	}
	if result.Usage.PromptTokens != 10 {
		t.Errorf("usage = %+v", result.Usage)
	}

	waitForTopic(t, env.events, protocol.TopicLLMRequest)
	waitForTopic(t, env.events, protocol.TopicLLMResponse)
	waitForTopic(t, env.events, protocol.TopicAgentResponse)
}

func TestRunToolCallCycle(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls:    []providers.ToolCall{{ID: "t1", Name: "probe", Arguments: map[string]interface{}{"text": "ping"}}},
		},
		{Content: "done", FinishReason: "stop"},
	}}, tools.PermDefault, &slowTool{name: "probe"})

	result, err := env.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "done" || result.Iterations != 2 {
		t.Errorf("result = %+v", result)
	}

	history := env.sessions.History("s1")
	var toolMsg *providers.Message
	for i := range history {
		if history[i].Role == "tool" {
			toolMsg = &history[i]
		}
	}
	if toolMsg == nil || toolMsg.ToolCallID != "t1" || !strings.Contains(toolMsg.Content, "ping") {
		t.Errorf("tool message = %+v", toolMsg)
	}

	waitForTopic(t, env.events, protocol.TopicToolCall)
	waitForTopic(t, env.events, protocol.TopicToolResult)
}

func TestRunParallelToolCallsKeepOrder(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "t1", Name: "slow", Arguments: map[string]interface{}{"text": "a"}},
				{ID: "t2", Name: "fast", Arguments: map[string]interface{}{"text": "b"}},
				{ID: "t3", Name: "fast", Arguments: map[string]interface{}{"text": "c"}},
			},
		},
		{Content: "done", FinishReason: "stop"},
	}}, tools.PermDefault,
		&slowTool{name: "slow", delay: 50 * time.Millisecond},
		&slowTool{name: "fast"},
	)

	if _, err := env.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "go"}); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, m := range env.sessions.History("s1") {
		if m.Role == "tool" {
			ids = append(ids, m.ToolCallID)
		}
	}
	if len(ids) != 3 || ids[0] != "t1" || ids[1] != "t2" || ids[2] != "t3" {
		t.Errorf("tool result order = %v", ids)
	}
}

func TestRunMaxIterations(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls:    []providers.ToolCall{{ID: "t", Name: "probe", Arguments: map[string]interface{}{}}},
		},
	}}, tools.PermDefault, &slowTool{name: "probe"})

	result, err := env.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "loop forever"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Iterations != 5 {
		t.Errorf("iterations = %d, want 5", result.Iterations)
	}
	if !strings.Contains(result.Content, "iteration limit") {
		t.Errorf("content = %q", result.Content)
	}
	waitForTopic(t, env.events, protocol.TopicSystemEvent)
}

func TestRunPlanModeReturnsPlanWithoutTools(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "1. inspect the config\n2. roll out the change", FinishReason: "stop"},
	}}
	env := newTestEnv(t, provider, tools.PermPlan, &mutatingTool{slowTool{name: "file_write_like"}})

	result, err := env.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "change prod"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Plan || !strings.Contains(result.Content, "inspect the config") {
		t.Errorf("result = %+v", result)
	}
	if len(result.ToolsUsed) != 0 {
		t.Errorf("tools ran in plan mode: %v", result.ToolsUsed)
	}

	waitForTopic(t, env.events, protocol.TopicLLMRequest)
	// The model never sees tool schemas, so no tool_call events can occur.
	for _, p := range env.events.payloads(protocol.TopicLLMRequest) {
		if p["tools"] != 0 {
			t.Errorf("tools offered in plan mode: %v", p["tools"])
		}
	}
	if env.events.has(protocol.TopicToolCall) {
		t.Error("tool_call emitted in plan mode")
	}
}

func TestRunPlanModeTerminatesEvenOnToolCalls(t *testing.T) {
	// A model that hallucinates tool calls despite receiving no schemas
	// still ends the run with its text as the plan.
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			Content:      "plan: touch prod later",
			FinishReason: "tool_calls",
			ToolCalls:    []providers.ToolCall{{ID: "t1", Name: "file_write_like", Arguments: map[string]interface{}{}}},
		},
	}}
	env := newTestEnv(t, provider, tools.PermPlan, &mutatingTool{slowTool{name: "file_write_like"}})

	result, err := env.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "change prod"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Plan || result.Iterations != 1 {
		t.Errorf("result = %+v", result)
	}
	if env.events.has(protocol.TopicToolCall) {
		t.Error("tool dispatched in plan mode")
	}
}

func TestRunSkipPlanExecutesTools(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls:    []providers.ToolCall{{ID: "t1", Name: "file_write_like", Arguments: map[string]interface{}{"text": "go"}}},
		},
		{Content: "done", FinishReason: "stop"},
	}}
	env := newTestEnv(t, provider, tools.PermPlan, &mutatingTool{slowTool{name: "file_write_like"}})

	result, err := env.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "change prod", SkipPlan: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.Plan || result.Content != "done" {
		t.Errorf("result = %+v", result)
	}

	var toolRan bool
	for _, m := range env.sessions.History("s1") {
		if m.Role == "tool" && strings.Contains(m.Content, "ran file_write_like") {
			toolRan = true
		}
	}
	if !toolRan {
		t.Error("approved plan did not execute its tool")
	}
}

type mutatingTool struct{ slowTool }

func (t *mutatingTool) Mutating() bool { return true }

func TestRunFiltersNoiseOnAnyChannel(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "should never be asked", FinishReason: "stop"},
	}}
	env := newTestEnvWith(t, provider, envOptions{
		classifier: signal.New(signal.Options{NoiseThreshold: 0.3}),
	})

	result, err := env.loop.Run(context.Background(), RunRequest{SessionID: "s1", Channel: "telegram", Message: "lol"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Filtered || !result.Silent || result.Signal == nil {
		t.Errorf("result = %+v", result)
	}
	if provider.calls != 0 {
		t.Errorf("llm called %d times for noise", provider.calls)
	}
	if len(env.sessions.History("s1")) != 0 {
		t.Error("noise reached the session history")
	}

	// Real traffic on the same path still goes through and records its
	// signal on the session.
	result, err = env.loop.Run(context.Background(), RunRequest{SessionID: "s1", Channel: "telegram", Message: "deploy the api service to staging"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Filtered || result.Signal == nil {
		t.Errorf("result = %+v", result)
	}
	if len(env.sessions.SignalHistory("s1")) != 1 {
		t.Errorf("signal history = %v", env.sessions.SignalHistory("s1"))
	}
}

func TestRunEventPayloads(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []*providers.ChatResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls:    []providers.ToolCall{{ID: "t1", Name: "probe", Arguments: map[string]interface{}{"text": "x"}}},
			Usage:        &providers.Usage{PromptTokens: 10, CompletionTokens: 5},
		},
		{Content: "done", FinishReason: "stop", Usage: &providers.Usage{PromptTokens: 12, CompletionTokens: 3}},
	}}, tools.PermDefault, &slowTool{name: "probe"})

	if _, err := env.loop.Run(context.Background(), RunRequest{SessionID: "s1", Channel: "http", Message: "go"}); err != nil {
		t.Fatal(err)
	}
	waitForTopic(t, env.events, protocol.TopicAgentResponse)

	// user_message announces the run.
	users := env.events.payloads(protocol.TopicUserMessage)
	if len(users) != 1 || users[0]["content"] != "go" || users[0]["channel"] != "http" {
		t.Errorf("user_message = %v", users)
	}

	// Iterations are zero-based on the wire.
	reqs := env.events.payloads(protocol.TopicLLMRequest)
	if len(reqs) != 2 || reqs[0]["iteration"] != 0 || reqs[1]["iteration"] != 1 {
		t.Errorf("llm_request payloads = %v", reqs)
	}

	resps := env.events.payloads(protocol.TopicLLMResponse)
	if len(resps) != 2 {
		t.Fatalf("llm_response payloads = %v", resps)
	}
	if _, ok := resps[0]["duration_ms"]; !ok {
		t.Error("llm_response missing duration_ms")
	}
	if resps[0]["tokens"] != 15 || resps[1]["tokens"] != 15 {
		t.Errorf("llm_response tokens = %v %v", resps[0]["tokens"], resps[1]["tokens"])
	}

	// Each tool execution reports a start and an end phase.
	calls := env.events.payloads(protocol.TopicToolCall)
	if len(calls) != 2 {
		t.Fatalf("tool_call payloads = %v", calls)
	}
	if calls[0]["phase"] != protocol.PhaseStart || calls[1]["phase"] != protocol.PhaseEnd {
		t.Errorf("phases = %v %v", calls[0]["phase"], calls[1]["phase"])
	}
	if calls[1]["success"] != true {
		t.Errorf("end payload = %v", calls[1])
	}
	if _, ok := calls[1]["duration_ms"]; !ok {
		t.Error("tool_call end missing duration_ms")
	}
}

func TestRunModelSizeGateWithholdsTools(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "answered without tools", FinishReason: "stop"},
	}}
	env := newTestEnvWith(t, provider, envOptions{
		minToolParamsB: 7,
		tools:          []tools.Tool{&slowTool{name: "probe"}},
	})

	result, err := env.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "hi", Model: "llama3:3b"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "answered without tools" {
		t.Errorf("result = %+v", result)
	}

	waitForTopic(t, env.events, protocol.TopicLLMRequest)
	for _, p := range env.events.payloads(protocol.TopicLLMRequest) {
		if p["tools"] != 0 {
			t.Errorf("tools offered to a 3b model under a 7b gate: %v", p["tools"])
		}
	}
}

func TestRunCancellation(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{block: true}, tools.PermDefault)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := env.loop.Run(ctx, RunRequest{SessionID: "s1", Message: "never finishes"})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestRunSilentReply(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "NO_REPLY", FinishReason: "stop"},
	}}, tools.PermDefault)

	result, err := env.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "fyi only"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Silent {
		t.Error("NO_REPLY not marked silent")
	}
}

func TestRunUnknownProvider(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, tools.PermDefault)
	if _, err := env.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "x", Provider: "nope"}); err == nil {
		t.Fatal("expected unknown provider error")
	}
}
