package signal

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Refiner is the optional LLM refinement hook. It receives the raw text and
// the heuristic signal and returns structured overrides; empty fields are
// ignored. Errors fall back to the heuristic result.
type Refiner interface {
	Refine(ctx context.Context, text string, heuristic Signal) (Refinement, error)
}

// Refinement carries LLM-produced field overrides.
type Refinement struct {
	Mode   string  `json:"mode"`
	Genre  string  `json:"genre"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"` // <= 0 means "no opinion"
}

// Options tunes the classifier pipeline.
type Options struct {
	NoiseThreshold float64 // callers short-circuit below this; kept here for reporting
	Refiner        Refiner // nil = heuristic only
	RefineMinLen   int     // skip refinement for texts shorter than this
}

// Classifier turns raw channel text into a Signal. The heuristic path is
// deterministic: identical input + configuration always yields identical
// fields, in a fixed fill order (format, type, genre, mode, weight).
type Classifier struct {
	opts Options
}

func New(opts Options) *Classifier {
	if opts.RefineMinLen <= 0 {
		opts.RefineMinLen = 80
	}
	return &Classifier{opts: opts}
}

// NoiseThreshold exposes the configured threshold for callers and handlers.
func (c *Classifier) NoiseThreshold() float64 { return c.opts.NoiseThreshold }

var (
	reQuestion = regexp.MustCompile(`(?i)\?\s*$|^(what|who|when|where|why|how|which|can|could|would|should|is|are|do|does|did)\b`)
	reCommand  = regexp.MustCompile(`(?i)^(run|exec|execute|do|make|create|build|write|read|open|delete|remove|install|deploy|start|stop|restart|send|fetch|list|show)\b`)
	reCommit   = regexp.MustCompile(`(?i)\b(i('| wi)ll|i promise|i commit|remind me|schedule|tomorrow|later today|next week)\b`)
	reDecide   = regexp.MustCompile(`(?i)\b(approve|reject|confirm|deny|go ahead|cancel that|yes,? do it|no,? don'?t)\b`)
	reExpress  = regexp.MustCompile(`(?i)\b(thanks|thank you|great|awesome|lol|haha|ugh|wow|nice|cool|sorry)\b|[!]{2,}|^[^\w]*$`)
	reURL      = regexp.MustCompile(`https?://\S+`)
)

// mode keyword tables, checked in fixed order so classification is
// deterministic when several match.
var modeKeywords = []struct {
	mode Mode
	re   *regexp.Regexp
}{
	{ModeBuild, regexp.MustCompile(`(?i)\b(build|create|implement|write|scaffold|generate|design|develop)\b`)},
	{ModeAnalyze, regexp.MustCompile(`(?i)\b(analyz|review|compare|investigate|explain|summariz|audit|diagnos|why)\b`)},
	{ModeMaintain, regexp.MustCompile(`(?i)\b(fix|repair|update|upgrade|clean|refactor|migrate|patch|backup)\b`)},
	{ModeExecute, regexp.MustCompile(`(?i)\b(run|exec|deploy|start|stop|restart|install|send|trigger|launch)\b`)},
}

// Classify runs the heuristic pipeline and, when enabled and the text is
// long enough, the LLM refinement pass.
func (c *Classifier) Classify(ctx context.Context, text, channel string) Signal {
	sig := c.heuristic(text, channel)

	if c.opts.Refiner != nil && len(strings.TrimSpace(text)) >= c.opts.RefineMinLen {
		ref, err := c.opts.Refiner.Refine(ctx, text, sig)
		if err != nil {
			slog.Debug("signal refinement failed, keeping heuristic", "error", err)
		} else {
			applyRefinement(&sig, ref)
		}
	}

	sig.Clamp()
	return sig
}

// heuristic fills the signal fields in a fixed priority order.
func (c *Classifier) heuristic(text, channel string) Signal {
	trimmed := strings.TrimSpace(text)

	sig := Signal{
		Channel:   channel,
		Timestamp: time.Now().UTC(),
	}

	// 1. Format derives from the channel and message shape.
	sig.Format = deriveFormat(trimmed, channel)

	// 2. Type.
	switch {
	case trimmed == "":
		sig.Type = "empty"
	case strings.HasPrefix(trimmed, "/"):
		sig.Type = "command"
	case reQuestion.MatchString(trimmed):
		sig.Type = "question"
	case reCommand.MatchString(trimmed):
		sig.Type = "command"
	case reURL.MatchString(trimmed):
		sig.Type = "reference"
	default:
		sig.Type = "report"
	}

	// 3. Genre.
	switch {
	case sig.Type == "command":
		sig.Genre = GenreDirect
	case sig.Type == "question":
		sig.Genre = GenreDirect
	case reDecide.MatchString(trimmed):
		sig.Genre = GenreDecide
	case reCommit.MatchString(trimmed):
		sig.Genre = GenreCommit
	case reExpress.MatchString(trimmed):
		sig.Genre = GenreExpress
	default:
		sig.Genre = GenreInform
	}

	// 4. Mode.
	sig.Mode = ModeAssist
	for _, mk := range modeKeywords {
		if mk.re.MatchString(trimmed) {
			sig.Mode = mk.mode
			break
		}
	}

	// 5. Weight.
	sig.Weight = estimateWeight(trimmed, sig)
	return sig
}

func deriveFormat(text, channel string) string {
	switch channel {
	case "cli":
		return "command"
	case "http", "api":
		return "message"
	case "webhook":
		return "webhook"
	}
	if strings.HasPrefix(text, "/") {
		return "command"
	}
	return "message"
}

// estimateWeight scores informational density. Empty or pure-filler text
// scores near zero; questions and commands score high; length and content
// words add up to the cap.
func estimateWeight(text string, sig Signal) float64 {
	if text == "" {
		return 0.0
	}

	w := 0.3 // base for any non-empty text

	switch sig.Type {
	case "question", "command":
		w += 0.4
	case "reference":
		w += 0.3
	}

	if sig.Genre == GenreExpress && sig.Type != "question" && sig.Type != "command" {
		// Pure social noise ("thanks!!", "lol") carries little signal.
		w -= 0.2
	}

	// Content-word count contributes up to 0.2.
	words := 0
	for _, f := range strings.Fields(text) {
		if len(f) >= 3 && hasLetter(f) {
			words++
		}
	}
	switch {
	case words >= 10:
		w += 0.2
	case words >= 4:
		w += 0.1
	case words == 0:
		w -= 0.2
	}

	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// applyRefinement overrides heuristic fields with non-empty refined values.
func applyRefinement(sig *Signal, ref Refinement) {
	if m := Mode(ref.Mode); validMode(m) {
		sig.Mode = m
	}
	if g := Genre(ref.Genre); validGenre(g) {
		sig.Genre = g
	}
	if ref.Type != "" {
		sig.Type = ref.Type
	}
	if ref.Weight > 0 {
		sig.Weight = ref.Weight
	}
}

func validMode(m Mode) bool {
	switch m {
	case ModeExecute, ModeAssist, ModeAnalyze, ModeBuild, ModeMaintain:
		return true
	}
	return false
}

func validGenre(g Genre) bool {
	switch g {
	case GenreDirect, GenreInform, GenreCommit, GenreDecide, GenreExpress:
		return true
	}
	return false
}

// ParseRefinement decodes a refiner LLM's JSON output, tolerating wrapping
// prose by extracting the first JSON object.
func ParseRefinement(raw string) (Refinement, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start >= 0 && end > start {
		raw = raw[start : end+1]
	}
	var ref Refinement
	err := json.Unmarshal([]byte(raw), &ref)
	return ref, err
}
