package web

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// apiError is the wire form of every error response.
type apiError struct {
	Code        string   `json:"code"`
	Category    string   `json:"category"`
	Message     string   `json:"message"`
	Details     string   `json:"details,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

type apiErrorBody struct {
	Error apiError `json:"error"`
}

// Error codes surfaced by the HTTP layer.
const (
	codeInvalidRequest   = "invalid_request"
	codeUnauthorized     = "unauthorized"
	codeMethodNotAllowed = "method_not_allowed"
	codeReloadFailure    = "reload_failure"
)

var errorCategories = map[string]string{
	codeInvalidRequest:   "validation",
	codeUnauthorized:     "auth",
	codeMethodNotAllowed: "validation",
	codeReloadFailure:    "config",
}

// errorSuggestions gives each code a short actionable list.
var errorSuggestions = map[string][]string{
	codeInvalidRequest: {
		"check that messages is a non-empty array",
		"check that every message has a role",
	},
	codeUnauthorized: {
		"send the configured token as 'Authorization: Bearer <token>'",
	},
	codeMethodNotAllowed: {
		"use POST for /v1/chat/completions",
	},
	codeReloadFailure: {
		"check that mcp.json is valid JSON",
	},
}

// writeError sends a structured error response.
func writeError(w http.ResponseWriter, status int, code, message, details string) {
	body := apiErrorBody{Error: apiError{
		Code:        code,
		Category:    errorCategories[code],
		Message:     message,
		Details:     details,
		Suggestions: errorSuggestions[code],
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[Web] Error response write failed: %v", err)
	}
}
