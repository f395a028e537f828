package proxy

import (
	"net/http"
)

// statusRecorder wraps http.ResponseWriter to prevent multiple WriteHeader
// calls and to tell whether the response has been committed.
type statusRecorder struct {
	http.ResponseWriter
	wroteHeader bool
	status      int
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.ResponseWriter.WriteHeader(code)
		r.wroteHeader = true
		r.status = code
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
