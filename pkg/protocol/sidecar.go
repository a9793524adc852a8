package protocol

import "encoding/json"

// Sidecar wire format: newline-delimited UTF-8 JSON objects over stdio.
// A request without an ID is a notification; receivers that don't understand
// a method log and drop it.

// SidecarRequest is a JSON-RPC request or notification sent to a sidecar.
type SidecarRequest struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SidecarResponse carries either a result or an error, correlated by ID.
type SidecarResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *SidecarError   `json:"error,omitempty"`
}

// SidecarError is the error half of a sidecar response.
type SidecarError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *SidecarError) Error() string { return e.Message }
