package httputil

import (
	"encoding/json"
	"net/http"
)

// APIError is the error body returned to clients. Only a message is exposed,
// never internal error chains or stack traces.
type APIError struct {
	Detail string `json:"detail"`
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{Detail: detail})
}

// WriteBadRequestError reports an InvalidRequest.
func WriteBadRequestError(w http.ResponseWriter, requestID, detail string) {
	WriteError(w, requestID, http.StatusBadRequest, detail)
}

func WriteRequestTooLargeError(w http.ResponseWriter, requestID, detail string) {
	WriteError(w, requestID, http.StatusRequestEntityTooLarge, detail)
}

// WriteUpstreamError reports a backend that was reached but failed.
func WriteUpstreamError(w http.ResponseWriter, requestID, detail string) {
	WriteError(w, requestID, http.StatusInternalServerError, detail)
}

// WriteBadGatewayError reports a backend that could not be reached.
func WriteBadGatewayError(w http.ResponseWriter, requestID, detail string) {
	WriteError(w, requestID, http.StatusBadGateway, detail)
}

func WriteInternalError(w http.ResponseWriter, requestID, detail string) {
	WriteError(w, requestID, http.StatusInternalServerError, detail)
}
