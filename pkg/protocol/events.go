package protocol

// Topic identifies an event class on the in-process bus. Topics double as
// SSE event names on the stream endpoint.
type Topic string

// Lifecycle topics emitted by the session worker.
const (
	TopicConnected       Topic = "connected"
	TopicUserMessage     Topic = "user_message"
	TopicLLMRequest      Topic = "llm_request"
	TopicLLMResponse     Topic = "llm_response"
	TopicToolCall        Topic = "tool_call"
	TopicToolResult      Topic = "tool_result"
	TopicAgentResponse   Topic = "agent_response"
	TopicSystemEvent     Topic = "system_event"
	TopicContextPressure Topic = "context_pressure"
)

// Task queue topics.
const (
	TopicTaskEnqueued  Topic = "task_enqueued"
	TopicTaskLeased    Topic = "task_leased"
	TopicTaskCompleted Topic = "task_completed"
	TopicTaskFailed    Topic = "task_failed"
)

// Monitor topics.
const (
	TopicProactiveAlerts Topic = "proactive_alerts"
)

// Tool call phases (payload "phase" field on TopicToolCall).
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
)

// StreamTopics lists the topics forwarded to external observers (SSE, WS,
// channel adapters). Internal topics stay on the bus.
var StreamTopics = []Topic{
	TopicConnected,
	TopicUserMessage,
	TopicLLMRequest,
	TopicLLMResponse,
	TopicToolCall,
	TopicToolResult,
	TopicAgentResponse,
	TopicSystemEvent,
	TopicContextPressure,
	TopicProactiveAlerts,
}
