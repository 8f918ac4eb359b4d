package util

import (
	"crypto/rand"
	"net/http"
)

// TraceIDHeader carries the correlation token from the probe through the
// gateway, the queue envelope and the ETL down to the log lines.
const TraceIDHeader = "X-Trace-ID"

const (
	traceIDLen      = 8
	base62Alphabet  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	traceIDMaxValid = 32
)

// GenerateTraceID returns a new 8 character base62 trace id.
func GenerateTraceID() string {
	buf := make([]byte, traceIDLen)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = base62Alphabet[int(b)%len(base62Alphabet)]
	}
	return string(buf)
}

// ExtractTraceID reads the trace header from a request, generating a fresh id
// when the header is absent or oversized.
func ExtractTraceID(r *http.Request) string {
	id := r.Header.Get(TraceIDHeader)
	if id == "" || len(id) > traceIDMaxValid {
		return GenerateTraceID()
	}
	return id
}
