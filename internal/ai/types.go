// Package ai defines the wire types exchanged between callers, the gateway,
// and upstream inference instances. These shapes form the gateway's public
// response contract: callers always receive one of these envelopes, never a
// raw error.
package ai

// Message is a single turn in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is an inbound chat completion request.
type ChatRequest struct {
	Message string    `json:"message"`
	Model   string    `json:"model,omitempty"`
	History []Message `json:"history,omitempty"`
}

// Meta carries routing metadata attached to successful responses.
type Meta struct {
	Instance  string `json:"instance,omitempty"`
	Version   string `json:"version,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ChatResponse is the gateway's chat envelope. Degraded is set when the
// response was synthesized by the fallback responder instead of an upstream
// instance; Reason then explains why.
type ChatResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	Model    string `json:"model,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Meta     *Meta  `json:"meta,omitempty"`
}

// Model describes one available inference model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ModelsResponse is the gateway's model catalog envelope.
type ModelsResponse struct {
	Success  bool    `json:"success"`
	Models   []Model `json:"models"`
	Degraded bool    `json:"degraded,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Meta     *Meta   `json:"meta,omitempty"`
}

// Health status values reported by HealthResponse.
const (
	StatusOK       = "OK"
	StatusDegraded = "DEGRADED"
)

// HealthResponse is the gateway's health probe envelope.
type HealthResponse struct {
	Status   string `json:"status"`
	OK       bool   `json:"ok"`
	Degraded bool   `json:"degraded,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Meta     *Meta  `json:"meta,omitempty"`
}
