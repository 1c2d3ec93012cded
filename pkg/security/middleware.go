package security

import (
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/msgops/feedwire/pkg/logger"
)

// ClientIP extracts the client IP from the request. Only RemoteAddr is
// consulted to avoid header spoofing.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might be a bare IP without port.
		return r.RemoteAddr
	}
	return ip
}

// CombinedMiddleware wraps a handler with request logging, panic recovery,
// security headers and rate limiting.
func CombinedMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				if err := recover(); err != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.Warn("panic recovered", logger.Fields{
						"panic": err,
						"ip":    ip,
						"path":  r.URL.Path,
						"stack": string(buf[:n]),
					})
					http.Error(wrapped, "internal server error", http.StatusInternalServerError)
				}

				fields := logger.Fields{
					"method":   r.Method,
					"path":     r.URL.Path,
					"ip":       ip,
					"status":   wrapped.statusCode,
					"duration": time.Since(start),
				}
				if wrapped.statusCode >= 400 {
					logger.Warn("http request", fields)
				} else {
					logger.Debug("http request", fields)
				}
			}()

			if !rl.Allow(ip) {
				logger.Warn("rate limit exceeded", logger.Fields{"ip": ip, "path": r.URL.Path})
				http.Error(wrapped, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			wrapped.Header().Set("X-Content-Type-Options", "nosniff")
			wrapped.Header().Set("X-Frame-Options", "DENY")

			next.ServeHTTP(wrapped, r)
		})
	}
}

// responseWriter captures the status code for logging.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}
