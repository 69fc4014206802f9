package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// statusRecorder captures the response code. It passes Flush and Hijack
// through so watches and websocket upgrades keep working behind it.
type statusRecorder struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.code = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
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

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	// An upgraded connection reports 101
	r.code = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return h.Hijack()
}

// instrument records request metrics, logs each request and turns handler
// panics into 500 responses.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.logger.Error().Interface("panic", p).Str("method", r.Method).Str("path", r.URL.Path).Msg("Handler panicked")
				if !rec.wroteHeader {
					writeError(rec, apierrors.NewInternalError(fmt.Errorf("%v", p)))
				}
			}

			duration := time.Since(start)
			metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.code)).Inc()
			metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(duration.Seconds())

			event := s.logger.Debug()
			if rec.code >= http.StatusInternalServerError {
				event = s.logger.Warn()
			}
			event.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("code", rec.code).
				Dur("duration", duration).
				Msg("Handled request")
		}()

		next.ServeHTTP(rec, r)
	})
}
