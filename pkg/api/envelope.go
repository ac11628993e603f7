package api

import (
	"encoding/json"
	"net/http"
)

// placeholderRequestID is echoed when the caller supplies no x-request-id.
const placeholderRequestID = "generated-placeholder-id"

// Meta carries per-request metadata in every response.
type Meta struct {
	RequestID string `json:"request_id"`
}

// ErrorBody is the machine-readable error element of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the uniform response shape: data, meta, and an optional error.
type Envelope struct {
	Data  interface{} `json:"data"`
	Meta  *Meta       `json:"meta"`
	Error *ErrorBody  `json:"error,omitempty"`
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("x-request-id"); id != "" {
		return id
	}
	return placeholderRequestID
}

func writeJSON(w http.ResponseWriter, status int, envelope *Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}

func writeData(w http.ResponseWriter, r *http.Request, data interface{}) {
	writeJSON(w, http.StatusOK, &Envelope{
		Data: data,
		Meta: &Meta{RequestID: requestID(r)},
	})
}

// writeError emits the error envelope. details, when present, ride inside
// data so clients have one place to look for structured context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details []map[string]interface{}) {
	var data interface{}
	if details != nil {
		data = map[string]interface{}{"details": details}
	}
	writeJSON(w, status, &Envelope{
		Data:  data,
		Meta:  &Meta{RequestID: requestID(r)},
		Error: &ErrorBody{Code: code, Message: message},
	})
}
