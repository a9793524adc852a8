package agent

import (
	"strings"
	"testing"
)

func TestSanitizeStripsThinkingTags(t *testing.T) {
	in := "<thinking>private reasoning</thinking>The answer is 42."
	if got := SanitizeAssistantContent(in); got != "The answer is 42." {
		t.Errorf("got %q", got)
	}

	in = "before <think>x</think> after"
	if got := SanitizeAssistantContent(in); got != "before  after" {
		t.Errorf("got %q", got)
	}
}

func TestSanitizeRepairsInvalidUTF8(t *testing.T) {
	in := "valid \xff\xfe text"
	got := SanitizeAssistantContent(in)
	if strings.ContainsRune(got, 0xff) {
		t.Errorf("invalid bytes survived: %q", got)
	}
	if !strings.Contains(got, "valid") || !strings.Contains(got, "text") {
		t.Errorf("valid content lost: %q", got)
	}
}

func TestIsSilentReply(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"NO_REPLY", true},
		{"  NO_REPLY  ", true},
		{`"NO_REPLY"`, true},
		{"NO_REPLY but also this", false},
		{"hello", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSilentReply(tt.in); got != tt.want {
			t.Errorf("IsSilentReply(%q) = %v", tt.in, got)
		}
	}
}

func TestSanitizeEmptyPassthrough(t *testing.T) {
	if got := SanitizeAssistantContent(""); got != "" {
		t.Errorf("got %q", got)
	}
}
