package agent

import (
	"testing"

	"github.com/osaproject/osa/internal/providers"
)

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty = %d", got)
	}
	// 4 words, 1 punctuation: round(4*1.3 + 0.5) = 6.
	if got := EstimateTokens("this is a test."); got != 6 {
		t.Errorf("got %d, want 6", got)
	}
	if EstimateTokens("one two three four five six") <= EstimateTokens("one two") {
		t.Error("longer text should cost more")
	}
}

func TestEstimateMessageTokensCoversToolCalls(t *testing.T) {
	plain := providers.Message{Role: "user", Content: "hello world"}
	withTool := providers.Message{
		Role: "assistant",
		ToolCalls: []providers.ToolCall{
			{ID: "t1", Name: "file_write", Arguments: map[string]interface{}{"path": "a.txt", "content": "some text here"}},
		},
	}
	if EstimateMessageTokens(withTool) <= EstimateMessageTokens(providers.Message{Role: "assistant"}) {
		t.Error("tool call arguments not counted")
	}
	if EstimateMessageTokens(plain) < perMessageOverhead {
		t.Error("per-message overhead missing")
	}
}

func TestEstimateWithCalibration(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "first message with several words in it"},
		{Role: "assistant", Content: "second message also with several words"},
		{Role: "user", Content: "third message continuing the conversation here"},
	}
	base := EstimateHistoryTokens(msgs)

	// Provider reported twice our estimate for the first two messages.
	calibBase := EstimateHistoryTokens(msgs[:2])
	calibrated := EstimateWithCalibration(msgs, calibBase*2, 2)
	if calibrated <= base {
		t.Errorf("calibrated %d should exceed base %d", calibrated, base)
	}

	// No calibration data falls back to the plain estimate.
	if got := EstimateWithCalibration(msgs, 0, 0); got != base {
		t.Errorf("fallback = %d, want %d", got, base)
	}

	// Pathological ratio ignored.
	if got := EstimateWithCalibration(msgs, calibBase*100, 2); got != base {
		t.Errorf("outlier ratio used: %d", got)
	}
}
