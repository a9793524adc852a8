package agent

import (
	"math"
	"strings"
	"unicode"

	"github.com/osaproject/osa/internal/providers"
)

// perMessageOverhead approximates the framing tokens each message costs.
const perMessageOverhead = 4

// EstimateTokens approximates the token cost of one string:
// round(words*1.3 + punctuation*0.5). It deliberately overestimates a little
// so compaction triggers before the provider rejects the request.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	punct := 0
	for _, r := range text {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			punct++
		}
	}
	return int(math.Round(float64(words)*1.3 + float64(punct)*0.5))
}

// EstimateMessageTokens covers content, thinking, and tool-call arguments.
func EstimateMessageTokens(msg providers.Message) int {
	total := perMessageOverhead + EstimateTokens(msg.Content) + EstimateTokens(msg.Thinking)
	for _, tc := range msg.ToolCalls {
		total += EstimateTokens(tc.Name)
		for k, v := range tc.Arguments {
			total += EstimateTokens(k)
			if s, ok := v.(string); ok {
				total += EstimateTokens(s)
			} else {
				total += 2
			}
		}
	}
	return total
}

// EstimateHistoryTokens sums the estimate over a message list.
func EstimateHistoryTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessageTokens(m)
	}
	return total
}

// EstimateWithCalibration scales the heuristic by the ratio observed on the
// last real request (provider-reported prompt tokens vs. our estimate at that
// message count). Falls back to the plain estimate when no calibration data
// exists yet.
func EstimateWithCalibration(msgs []providers.Message, lastPromptTokens, lastMessageCount int) int {
	estimate := EstimateHistoryTokens(msgs)
	if lastPromptTokens <= 0 || lastMessageCount <= 0 || lastMessageCount > len(msgs) {
		return estimate
	}
	calibBase := EstimateHistoryTokens(msgs[:lastMessageCount])
	if calibBase <= 0 {
		return estimate
	}
	ratio := float64(lastPromptTokens) / float64(calibBase)
	// Guard against pathological ratios from tiny samples.
	if ratio < 0.25 || ratio > 4 {
		return estimate
	}
	return int(math.Round(float64(estimate) * ratio))
}
