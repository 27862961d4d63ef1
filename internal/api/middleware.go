package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"ssh-port-lease/internal/logging"
)

const requestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.status = http.StatusOK
		r.wrote = true
	}
	return r.ResponseWriter.Write(b)
}

// WithRequestLogging tags every request with an id, recovers panics and
// writes one access log line per request.
func WithRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		log := logging.WithRequestID(requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				log.Error("http.panic", "panic", p, "path", r.URL.Path)
				if !rec.wrote {
					writeText(rec, http.StatusInternalServerError, msgInternal)
				}
			}
			log.Info(
				"http.request",
				"method",
				r.Method,
				"path",
				r.URL.Path,
				"status",
				rec.status,
				"duration",
				time.Since(start),
			)
		}()
		next.ServeHTTP(rec, r)
	})
}
