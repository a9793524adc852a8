package gateway

import (
	"encoding/json"
	"net/http"
)

// Stable machine-readable error codes.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeMissingToken         = "MISSING_TOKEN"
	CodeInvalidToken         = "INVALID_TOKEN"
	CodeSignalBelowThreshold = "SIGNAL_BELOW_THRESHOLD"
	CodeSkillError           = "skill_error"
	CodeAgentError           = "agent_error"
	CodeNotFound             = "not_found"
	CodeRateLimited          = "rate_limited"
	CodeSessionBusy          = "session_busy"
)

type errorEnvelope struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: message, Code: code, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
