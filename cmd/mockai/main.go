// Package main provides a mock AI inference instance for exercising the
// gateway locally. It implements the chat, models, and health endpoints,
// plus test hooks for forcing arbitrary status codes and latency.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

type chatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model"`
}

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "blue", "instance name")
	version := flag.String("version", "v1.0", "instance version")
	latency := flag.Duration("latency", 0, "artificial latency added to every response")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port) //nolint:errcheck
	}
	if n := os.Getenv("INSTANCE_NAME"); n != "" {
		*name = n
	}

	delay := func() {
		if *latency > 0 {
			time.Sleep(*latency)
		}
	}

	// /__status/{code} returns an arbitrary HTTP status code.
	// Useful for testing retries, breaker opening, and metrics.
	// Example: GET /__status/503 → 503 Service Unavailable
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"instance":       *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	http.HandleFunc("/v1/ai/chat", func(w http.ResponseWriter, r *http.Request) {
		delay()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
			return
		}

		model := req.Model
		if model == "" {
			model = "standard"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"response": fmt.Sprintf("[%s %s] processed: %s", *name, *version, req.Message),
			"model":    model,
		})
	})

	http.HandleFunc("/v1/ai/models", func(w http.ResponseWriter, r *http.Request) {
		delay()
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]string{
				{"id": "standard", "name": "Standard Model"},
				{"id": "fast", "name": "Fast Model"},
			},
		})
	})

	http.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		delay()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "OK",
			"instance": *name,
			"version":  *version,
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock AI instance %s (%s) listening on %s", *name, *version, addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
