package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/maltehedderich/admission-control-go/internal/logger"
)

// Recovery returns a middleware that recovers from panics
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					stack := debug.Stack()

					log := logger.Get().WithComponent("recovery").WithCorrelation(r.Context())
					log.Error("panic recovered", logger.Fields{
						"error":     fmt.Sprintf("%v", err),
						"stack":     string(stack),
						"method":    r.Method,
						"path":      r.URL.Path,
						"remote_ip": getClientIP(r),
					})

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)

					errorResponse := map[string]interface{}{
						"error":   "internal_server_error",
						"message": "An internal error occurred",
					}
					if id := logger.GetCorrelationID(r.Context()); id != "" {
						errorResponse["correlation_id"] = id
					}

					_ = WriteJSON(w, errorResponse)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
