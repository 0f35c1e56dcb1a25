// Package fallback synthesizes deterministic degraded-mode responses when no
// inference instance is reachable. All builders are pure: no network, no
// clock, no randomness. Every payload carries degraded=true and a reason so
// callers can tell substitute output from real upstream data.
package fallback

import (
	"fmt"
	"strings"

	"github.com/dskow/ai-gateway/internal/ai"
)

// chatNotice is the canned degraded-mode chat reply.
const chatNotice = "The AI assistant is temporarily unavailable. " +
	"Your request was received but could not be processed right now; " +
	"please try again in a few minutes."

// catalog is the static minimal model listing served while degraded.
var catalog = []ai.Model{
	{ID: "standard", Name: "Standard", Description: "default generation model"},
	{ID: "fast", Name: "Fast", Description: "low-latency model for short replies"},
}

// Chat builds a degraded chat response. When the request message is short
// enough to echo, the notice references it so the caller can confirm what
// was received.
func Chat(req ai.ChatRequest, reason string) ai.ChatResponse {
	response := chatNotice
	if msg := strings.TrimSpace(req.Message); msg != "" && len(msg) <= 120 {
		response = fmt.Sprintf("Your message %q was received, but the AI assistant is temporarily unavailable. Please try again in a few minutes.", msg)
	}
	return ai.ChatResponse{
		Success:  true,
		Response: response,
		Model:    "fallback",
		Degraded: true,
		Reason:   reason,
	}
}

// Models builds a degraded model catalog response.
func Models(reason string) ai.ModelsResponse {
	models := make([]ai.Model, len(catalog))
	copy(models, catalog)
	return ai.ModelsResponse{
		Success:  true,
		Models:   models,
		Degraded: true,
		Reason:   reason,
	}
}

// Health builds a degraded health status payload.
func Health(reason string) ai.HealthResponse {
	return ai.HealthResponse{
		Status:   ai.StatusDegraded,
		OK:       false,
		Degraded: true,
		Reason:   reason,
	}
}
