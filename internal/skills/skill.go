package skills

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Skill is a tool defined in a markdown file. The first level-1 heading
// names it, the first paragraph is the description, and an optional
// fenced ```json block under a "Parameters" heading carries the argument
// schema. The whole document body is the prompt injected when the skill
// runs.
type Skill struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Prompt      string
	Path        string
	Machine     string // owning machine, empty for ungrouped skills
}

var skillNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ParseSkill extracts a Skill from markdown source.
func ParseSkill(path string, src []byte) (*Skill, error) {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	skill := &Skill{Path: path, Prompt: strings.TrimSpace(string(src))}
	var inParameters bool

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			title := string(nodeText(node, src))
			if node.Level == 1 && skill.Name == "" {
				skill.Name = slugify(title)
			}
			inParameters = strings.EqualFold(strings.TrimSpace(title), "parameters")
		case *ast.Paragraph:
			if skill.Name != "" && skill.Description == "" && !inParameters {
				skill.Description = strings.TrimSpace(string(nodeText(node, src)))
			}
		case *ast.FencedCodeBlock:
			if !inParameters || skill.Parameters != nil {
				return ast.WalkContinue, nil
			}
			if lang := string(node.Language(src)); lang != "" && lang != "json" {
				return ast.WalkContinue, nil
			}
			var schema map[string]interface{}
			if err := json.Unmarshal(blockText(node, src), &schema); err != nil {
				return ast.WalkStop, fmt.Errorf("parameters block: %w", err)
			}
			skill.Parameters = schema
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}

	if skill.Name == "" {
		return nil, fmt.Errorf("no level-1 heading")
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("skill %q has no description paragraph", skill.Name)
	}
	return skill, nil
}

// Render produces the text handed to the model when the skill executes.
func (s *Skill) Render(args map[string]interface{}) string {
	if len(args) == 0 {
		return s.Prompt
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return s.Prompt
	}
	return s.Prompt + "\n\nArguments: " + string(encoded)
}

func slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	if !skillNamePattern.MatchString(out) {
		return ""
	}
	return out
}

func nodeText(n ast.Node, src []byte) []byte {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
			continue
		}
		b.Write(nodeText(c, src))
	}
	return []byte(b.String())
}

func blockText(n *ast.FencedCodeBlock, src []byte) []byte {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
	return []byte(b.String())
}
