package agent

import (
	"log/slog"

	"github.com/osaproject/osa/internal/providers"
)

// limitHistoryTurns keeps only the last N user turns. A turn is one user
// message plus every following non-user message until the next user message.
func limitHistoryTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	lastUserIndex := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}
	return msgs
}

// repairToolPairing fixes tool_use/tool_result pairing after truncation or
// compaction: leading orphaned tool messages are dropped, mismatched results
// are dropped, and missing results are synthesized so providers never see a
// dangling tool call.
func repairToolPairing(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at history start",
			"tool_call_id", msgs[start].ToolCallID)
		start++
	}
	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		switch {
		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			expected := make(map[string]bool, len(msg.ToolCalls))
			order := make([]string, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expected[tc.ID] = true
				order = append(order, tc.ID)
			}
			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				if expected[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expected, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result",
						"tool_call_id", toolMsg.ToolCallID)
				}
			}

			for _, id := range order {
				if expected[id] {
					slog.Warn("synthesizing missing tool result", "tool_call_id", id)
					result = append(result, providers.Message{
						Role:       "tool",
						Content:    "[tool result missing after history compaction]",
						ToolCallID: id,
					})
				}
			}

		case msg.Role == "tool":
			slog.Warn("dropping orphaned tool message mid-history",
				"tool_call_id", msg.ToolCallID)

		default:
			result = append(result, msg)
		}
	}
	return result
}
