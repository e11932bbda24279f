package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// StatusWriter remembers the status code and body size of a response.
type StatusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	return &StatusWriter{ResponseWriter: w, status: http.StatusOK}
}

// Status is 200 until the handler writes another code.
func (sw *StatusWriter) Status() int {
	return sw.status
}

func (sw *StatusWriter) Bytes() int64 {
	return sw.bytes
}

func (sw *StatusWriter) WriteHeader(status int) {
	if !sw.wroteHeader {
		sw.status = status
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *StatusWriter) Write(p []byte) (int, error) {
	sw.wroteHeader = true
	n, err := sw.ResponseWriter.Write(p)
	sw.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *StatusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// HTTPMiddleware counts and times requests. Routes matched by chi are
// labelled with their pattern; anything else goes through normalizePath so
// ids in raw paths do not explode label cardinality.
func HTTPMiddleware(recorder *Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := recorder
			if rec == nil {
				rec = Default()
			}
			sw := NewStatusWriter(w)
			start := time.Now()
			next.ServeHTTP(sw, r)
			rec.ObserveRequest(r.Method, routeLabel(r), sw.Status(), time.Since(start))
		})
	}
}

func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
