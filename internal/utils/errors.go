package utils

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body for failed HTTP requests. The websocket
// plane has its own error frames; this shape covers the plain HTTP surface
// (health, upgrade rejections).
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// RespondJSON writes data as a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an ErrorResponse with the status text filled in from
// the code.
func RespondError(w http.ResponseWriter, code int, message string) {
	RespondJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: message,
		Code:    code,
	})
}
