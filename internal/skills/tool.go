package skills

import (
	"context"

	"github.com/osaproject/osa/internal/tools"
)

// skillTool adapts a parsed Skill to the tool contract. Executing a skill
// returns its prompt so the model can follow the documented procedure.
type skillTool struct {
	skill *Skill
}

func (t *skillTool) Name() string        { return t.skill.Name }
func (t *skillTool) Description() string { return t.skill.Description }

func (t *skillTool) Parameters() map[string]interface{} {
	if t.skill.Parameters != nil {
		return t.skill.Parameters
	}
	return map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}{},
		"additionalProperties": true,
	}
}

func (t *skillTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return tools.NewResult(t.skill.Render(args))
}
