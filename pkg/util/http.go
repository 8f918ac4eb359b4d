package util

import (
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Error codes surfaced in the error envelope. UPPER_SNAKE per the wire contract.
const (
	CodeMalformedBatch   = "MALFORMED_BATCH"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeRateLimited      = "RATE_LIMITED"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL"
	CodeForbidden        = "FORBIDDEN"
	CodeBadRequest       = "BAD_REQUEST"
	CodeDuplicateBatch   = "DUPLICATE_BATCH"
	CodeMissingBatchID   = "MISSING_BATCH_ID"
	CodeRegionMismatch   = "REGION_MISMATCH"
	CodeBufferFull       = "BUFFER_FULL"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// ErrorResponse is the envelope returned on every non-2xx response.
type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// WriteJSON marshals v to the response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the standard error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Status: "error", Code: code, Message: message})
}

// IsRequestBodyTooLarge returns true if the error is "http: request body too large".
func IsRequestBodyTooLarge(err error) bool {
	return err != nil && strings.Contains(err.Error(), "http: request body too large")
}
