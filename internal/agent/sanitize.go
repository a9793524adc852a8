package agent

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// SilentReply is what the model answers when a message needs no response.
// It is kept in session history but never delivered to a channel.
const SilentReply = "NO_REPLY"

var thinkingTagPattern = regexp.MustCompile(`(?s)<(think|thinking|thought)>.*?</(think|thinking|thought)>`)

// SanitizeAssistantContent cleans assistant text before it is stored and
// delivered: thinking tags stripped, invalid UTF-8 repaired, whitespace
// trimmed.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}
	content = thinkingTagPattern.ReplaceAllString(content, "")
	content = repairUTF8(content)
	return strings.TrimSpace(content)
}

// IsSilentReply reports whether the content is the NO_REPLY marker
// (possibly wrapped in whitespace or quotes).
func IsSilentReply(content string) bool {
	trimmed := strings.Trim(strings.TrimSpace(content), `"'`)
	return trimmed == SilentReply
}

// repairUTF8 replaces invalid byte sequences with the replacement rune so
// downstream JSON encoding never fails on model output.
func repairUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}
