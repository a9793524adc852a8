package signal

import (
	"context"
	"errors"
	"testing"
)

func TestLLMRefinerParsesReply(t *testing.T) {
	r := NewLLMRefiner(func(ctx context.Context, prompt string) (string, error) {
		return `{"mode": "analyze", "genre": "direct", "type": "question", "weight": 0.9}`, nil
	})

	ref, err := r.Refine(context.Background(), "why is the build failing?", Signal{})
	if err != nil {
		t.Fatal(err)
	}
	if ref.Mode != "analyze" || ref.Weight != 0.9 {
		t.Errorf("refinement = %+v", ref)
	}
}

func TestLLMRefinerStripsFence(t *testing.T) {
	r := NewLLMRefiner(func(ctx context.Context, prompt string) (string, error) {
		return "```json\n{\"mode\": \"build\", \"weight\": 0.7}\n```", nil
	})

	ref, err := r.Refine(context.Background(), "create a dashboard for the metrics", Signal{})
	if err != nil {
		t.Fatal(err)
	}
	if ref.Mode != "build" {
		t.Errorf("mode = %q", ref.Mode)
	}
}

func TestLLMRefinerErrors(t *testing.T) {
	r := NewLLMRefiner(func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("provider down")
	})
	if _, err := r.Refine(context.Background(), "anything", Signal{}); err == nil {
		t.Error("expected error")
	}

	r = NewLLMRefiner(func(ctx context.Context, prompt string) (string, error) {
		return "sorry, I cannot classify that", nil
	})
	if _, err := r.Refine(context.Background(), "anything", Signal{}); err == nil {
		t.Error("expected parse error")
	}
}
