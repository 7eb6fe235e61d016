package httpx

import (
	"encoding/json"
	"net/http"
)

// writeJSON encodes payload as the JSON response body under the given status.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends a bare error message, used for request-shape problems
// where no machine-readable code applies.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeCodedError sends an error with a stable code clients can branch on
// (no_snapshot, mapping_not_found, invalid_state, platform error codes).
func writeCodedError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
