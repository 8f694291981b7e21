package logging

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// RequestLogger returns HTTP middleware logging one line per request:
// method, path, and elapsed duration.
func RequestLogger(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
			}).Info("request")
		})
	}
}
