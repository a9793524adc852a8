package tools

import "github.com/osaproject/osa/internal/providers"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent back to the LLM
	ForUser string `json:"for_user,omitempty"` // content surfaced to the user
	Silent  bool   `json:"silent"`             // suppress user-facing output
	IsError bool   `json:"is_error"`           // marks an error outcome
	Async   bool   `json:"async"`              // work continues in the background
	Err     error  `json:"-"`                  // internal error, not serialized

	// Usage holds token usage from tools that make internal LLM calls.
	Usage *providers.Usage `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
