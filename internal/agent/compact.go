package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/osaproject/osa/internal/providers"
)

// Tier is the compaction escalation level.
type Tier int

const (
	TierNone Tier = iota
	TierWarn
	TierAggressive
	TierEmergency
)

func (t Tier) String() string {
	switch t {
	case TierWarn:
		return "warn"
	case TierAggressive:
		return "aggressive"
	case TierEmergency:
		return "emergency"
	default:
		return "none"
	}
}

// Pressure describes how full the context window is.
type Pressure struct {
	Estimate int     `json:"estimate"`
	Window   int     `json:"window"`
	Ratio    float64 `json:"ratio"`
	Tier     Tier    `json:"-"`
}

// Summarizer condenses a message slice into prose. Implemented by the agent
// loop with an LLM call; nil disables summary-based tiers.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []providers.Message) (string, error)
}

// Compactor shrinks session history when context pressure crosses the
// configured thresholds. Compaction never grows the history and always
// fails open: on any error the original messages come back unchanged.
type Compactor struct {
	warn       float64
	aggressive float64
	emergency  float64
	keepLast   int
	summarizer Summarizer
}

func NewCompactor(warn, aggressive, emergency float64, keepLast int, summarizer Summarizer) *Compactor {
	if warn <= 0 {
		warn = 0.80
	}
	if aggressive <= 0 {
		aggressive = 0.85
	}
	if emergency <= 0 {
		emergency = 0.95
	}
	if keepLast < 2 {
		keepLast = 2
	}
	return &Compactor{
		warn:       warn,
		aggressive: aggressive,
		emergency:  emergency,
		keepLast:   keepLast,
		summarizer: summarizer,
	}
}

// Assess computes pressure for a history against a context window, using
// provider-calibrated token estimates when available.
func (c *Compactor) Assess(msgs []providers.Message, window, lastPromptTokens, lastMessageCount int) Pressure {
	if window <= 0 {
		return Pressure{}
	}
	estimate := EstimateWithCalibration(msgs, lastPromptTokens, lastMessageCount)
	p := Pressure{Estimate: estimate, Window: window, Ratio: float64(estimate) / float64(window)}
	switch {
	case p.Ratio >= c.emergency:
		p.Tier = TierEmergency
	case p.Ratio >= c.aggressive:
		p.Tier = TierAggressive
	case p.Ratio >= c.warn:
		p.Tier = TierWarn
	}
	return p
}

// Compact applies the tier's strategy: warn only reports pressure and never
// rewrites history, aggressive drops the oldest non-system, non-recent
// messages, emergency condenses the dropped span into a summary first. The
// returned bool reports whether the history actually changed. Errors only
// occur in the summary-based tier and the caller still gets the original
// slice back (fail-open).
func (c *Compactor) Compact(ctx context.Context, msgs []providers.Message, tier Tier) ([]providers.Message, bool, error) {
	if tier == TierNone || len(msgs) == 0 {
		return msgs, false, nil
	}

	before := EstimateHistoryTokens(msgs)

	var compacted []providers.Message
	var err error
	switch tier {
	case TierWarn:
		return msgs, false, nil
	case TierAggressive:
		compacted = c.dropOldest(msgs)
	case TierEmergency:
		if c.summarizer != nil {
			compacted, err = c.summarizeOld(ctx, msgs)
		} else {
			// Summarizer disabled: still relieve the pressure.
			compacted = c.dropOldest(msgs)
		}
	}
	if err != nil {
		return msgs, false, err
	}

	compacted = repairToolPairing(compacted)

	// Non-growth guarantee.
	if after := EstimateHistoryTokens(compacted); after >= before {
		slog.Warn("compaction did not shrink history, keeping original",
			"tier", tier.String(), "before", before, "after", after)
		return msgs, false, nil
	}
	return compacted, true, nil
}

// summarizeOld replaces everything before the last keepLast turns with a
// summary exchange.
func (c *Compactor) summarizeOld(ctx context.Context, msgs []providers.Message) ([]providers.Message, error) {
	head, tail := c.split(msgs)
	if len(head) == 0 {
		return msgs, nil
	}
	if c.summarizer == nil {
		return nil, fmt.Errorf("no summarizer configured")
	}

	summary, err := c.summarizer.Summarize(ctx, head)
	if err != nil {
		return nil, fmt.Errorf("summarize history: %w", err)
	}

	result := make([]providers.Message, 0, len(tail)+3)
	if lead := leadingSystem(msgs); lead != nil {
		result = append(result, *lead)
	}
	result = append(result,
		providers.Message{Role: "user", Content: "[Previous conversation summary]\n" + summary},
		providers.Message{Role: "assistant", Content: "Understood, continuing from that context."},
	)
	result = append(result, tail...)
	return result, nil
}

// dropOldest keeps the leading system message (if any) plus the last
// keepLast turns, dropping everything between with a bridging note. No LLM
// call is made.
func (c *Compactor) dropOldest(msgs []providers.Message) []providers.Message {
	head, tail := c.split(msgs)
	if len(head) == 0 {
		return msgs
	}

	result := make([]providers.Message, 0, len(tail)+2)
	if lead := leadingSystem(msgs); lead != nil {
		result = append(result, *lead)
	}
	result = append(result, providers.Message{
		Role:    "user",
		Content: "[Earlier conversation dropped to fit the context window]",
	})
	result = append(result, tail...)
	return result
}

// split separates the history into the part eligible for compaction and the
// protected tail (last keepLast user turns). A leading system message is
// always protected and excluded from head.
func (c *Compactor) split(msgs []providers.Message) (head, tail []providers.Message) {
	body := msgs
	if leadingSystem(msgs) != nil {
		body = msgs[1:]
	}

	kept := limitHistoryTurns(body, c.keepLast)
	cut := len(body) - len(kept)
	if cut <= 0 {
		return nil, body
	}
	return body[:cut], body[cut:]
}

func leadingSystem(msgs []providers.Message) *providers.Message {
	if len(msgs) > 0 && msgs[0].Role == "system" {
		return &msgs[0]
	}
	return nil
}
