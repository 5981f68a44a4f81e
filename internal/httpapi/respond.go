package httpapi

import (
	"encoding/json"
	"net/http"
)

// envelope is the response shape every route normalizes to: status 0 on
// success, 1000 on failure.
type envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respond(w http.ResponseWriter, message string, data any) {
	writeEnvelope(w, envelope{Status: 0, Message: message, Data: data})
}

func respondError(w http.ResponseWriter, message string) {
	writeEnvelope(w, envelope{Status: 1000, Message: message})
}

func writeEnvelope(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(env)
}
