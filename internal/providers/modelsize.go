package providers

import (
	"regexp"
	"strconv"
)

var (
	// mixture-of-experts names ("mixtral:8x7b") declare experts x size.
	reMoEParams = regexp.MustCompile(`(?i)(?:^|[^a-z0-9])(\d+)x(\d+(?:\.\d+)?)b(?:$|[^a-z0-9])`)
	reParams    = regexp.MustCompile(`(?i)(?:^|[^a-z0-9])(\d+(?:\.\d+)?)b(?:$|[^a-z0-9])`)
)

// ModelParamsB extracts the parameter count, in billions, declared in a
// model name: "llama3:8b" -> 8, "qwen2.5:1.5b-instruct" -> 1.5,
// "mixtral:8x7b" -> 56. Returns 0 when the name declares none.
func ModelParamsB(model string) float64 {
	if m := reMoEParams.FindStringSubmatch(model); m != nil {
		n, _ := strconv.ParseFloat(m[1], 64)
		per, _ := strconv.ParseFloat(m[2], 64)
		return n * per
	}
	if m := reParams.FindStringSubmatch(model); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		return v
	}
	return 0
}

// ToolCapableForModel applies the registration's model-size gate to the
// model chosen for a request: small local models get no tool schemas.
// Models that declare no size in their name pass the gate.
func ToolCapableForModel(reg Registration, model string) bool {
	if !reg.ToolCapable {
		return false
	}
	if reg.MinToolParamsB <= 0 {
		return true
	}
	params := ModelParamsB(model)
	return params == 0 || params >= reg.MinToolParamsB
}
