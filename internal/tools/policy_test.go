package tools

import "testing"

func TestPolicyPlanModeBlocksEveryTool(t *testing.T) {
	p := NewPolicy(PermPlan)

	write := &echoTool{name: "file_write", mutating: true}
	read := &echoTool{name: "file_read"}

	if d := p.Evaluate(write, nil); d.Allowed {
		t.Error("plan mode allowed a mutating tool")
	}
	if d := p.Evaluate(read, nil); d.Allowed {
		t.Error("plan mode allowed a read-only tool")
	}
}

func TestPolicyEvaluateAsOverridesMode(t *testing.T) {
	p := NewPolicy(PermPlan)

	// An approved plan executes under default rules without touching the
	// policy's own mode.
	if d := p.EvaluateAs(PermDefault, &echoTool{name: "file_write", mutating: true}, nil); !d.Allowed {
		t.Errorf("override denied: %s", d.Reason)
	}
	if p.Mode() != PermPlan {
		t.Errorf("mode = %s", p.Mode())
	}

	// Hooks still apply under the override.
	p.AddHook(func(tool Tool, _ map[string]interface{}) Decision {
		if tool.Name() == "shell" {
			return Decision{Reason: "no shell here"}
		}
		return Decision{Allowed: true}
	})
	if d := p.EvaluateAs(PermDefault, &echoTool{name: "shell"}, nil); d.Allowed {
		t.Error("hook denial ignored under override")
	}
}

func TestPolicyDenyAll(t *testing.T) {
	p := NewPolicy(PermDenyAll)
	if d := p.Evaluate(&echoTool{name: "file_read"}, nil); d.Allowed {
		t.Error("deny_all allowed a tool")
	}
}

func TestPolicyBypassSkipsHooks(t *testing.T) {
	p := NewPolicy(PermBypass)
	p.AddHook(func(Tool, map[string]interface{}) Decision {
		return Decision{Reason: "hook says no"}
	})
	if d := p.Evaluate(&echoTool{name: "shell", mutating: true}, nil); !d.Allowed {
		t.Errorf("bypass did not skip hooks: %s", d.Reason)
	}
}

func TestPolicyHookDenies(t *testing.T) {
	p := NewPolicy(PermDefault)
	p.AddHook(func(tool Tool, _ map[string]interface{}) Decision {
		if tool.Name() == "shell" {
			return Decision{Reason: "no shell here"}
		}
		return Decision{Allowed: true}
	})

	if d := p.Evaluate(&echoTool{name: "shell"}, nil); d.Allowed {
		t.Error("hook denial ignored")
	}
	if d := p.Evaluate(&echoTool{name: "file_read"}, nil); !d.Allowed {
		t.Errorf("unrelated tool denied: %s", d.Reason)
	}
}

func TestPolicyModeSwitch(t *testing.T) {
	p := NewPolicy(PermDefault)
	if err := p.SetMode(PermPlan); err != nil {
		t.Fatal(err)
	}
	if p.Mode() != PermPlan {
		t.Errorf("mode = %s", p.Mode())
	}
	if err := p.SetMode("nonsense"); err == nil {
		t.Error("invalid mode accepted")
	}
}
