package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ChatFunc sends one prompt to a model and returns its text reply. It
// decouples the refiner from any particular provider client.
type ChatFunc func(ctx context.Context, prompt string) (string, error)

// LLMRefiner asks a model to second-guess the heuristic classification.
// The model replies with a JSON object; unparseable replies fall back to
// the heuristic signal.
type LLMRefiner struct {
	chat ChatFunc
}

func NewLLMRefiner(chat ChatFunc) *LLMRefiner {
	return &LLMRefiner{chat: chat}
}

const refinePrompt = `Classify this message. Reply with only a JSON object:
{"mode": "execute|assist|analyze|build|maintain", "genre": "direct|inform|commit|decide|express", "type": "question|command|report|reference|statement", "weight": 0.0-1.0}

Heuristic guess: mode=%s genre=%s type=%s weight=%.2f

Message:
%s`

func (r *LLMRefiner) Refine(ctx context.Context, text string, heuristic Signal) (Refinement, error) {
	prompt := fmt.Sprintf(refinePrompt,
		heuristic.Mode, heuristic.Genre, heuristic.Type, heuristic.Weight, text)

	reply, err := r.chat(ctx, prompt)
	if err != nil {
		return Refinement{}, err
	}

	var ref Refinement
	if err := json.Unmarshal([]byte(stripFence(reply)), &ref); err != nil {
		return Refinement{}, fmt.Errorf("parse refinement: %w", err)
	}
	return ref, nil
}

// stripFence removes a markdown code fence wrapper, if present.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
