package server

import (
	"encoding/json"
	"net/http"

	"upload-relay/internal/logging"
)

// errorResponse is the error envelope used by every route.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn("response_encode_failed", logging.Fields{"status": status}, err)
	}
}

func writeError(w http.ResponseWriter, status int, errText, message string) {
	writeJSON(w, status, errorResponse{Error: errText, Message: message})
}
