package httpapi

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

// respondErrorWithLog writes the error and logs it with the request id and a short context tag.
func respondErrorWithLog(w http.ResponseWriter, r *http.Request, status int, err error, context string) {
	reqID := middleware.GetReqID(r.Context())
	log.Printf("[ERROR] [%s] %s %s -> %d: %v | Context: %s", reqID, r.Method, r.URL.Path, status, err, context)
	respondError(w, status, err)
}
